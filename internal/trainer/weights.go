package trainer

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// Weights is the trained model state for one level. W holds one softmax
// head per captcha position, each row a class weight vector over the
// feature embedding.
type Weights struct {
	Model      string
	CharSet    string
	Length     int
	FeatureDim int
	W          [][][]float64
	B          [][]float64
}

func (w *Weights) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, fmt.Errorf("encode weights: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeWeights(payload []byte) (*Weights, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty weights payload")
	}
	var w Weights
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&w); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	if w.Length < 1 || w.FeatureDim < 1 || len(w.W) != w.Length {
		return nil, errors.New("weights payload is malformed")
	}
	return &w, nil
}

func newWeights(model, charSet string, length, featureDim int) *Weights {
	classes := len([]rune(charSet))
	w := &Weights{
		Model:      model,
		CharSet:    charSet,
		Length:     length,
		FeatureDim: featureDim,
		W:          make([][][]float64, length),
		B:          make([][]float64, length),
	}
	for p := 0; p < length; p++ {
		w.W[p] = make([][]float64, classes)
		for c := 0; c < classes; c++ {
			w.W[p][c] = make([]float64, featureDim)
		}
		w.B[p] = make([]float64, classes)
	}
	return w
}
