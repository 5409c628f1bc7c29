package trainer

import (
	"hash/fnv"
	"math/rand"
)

const (
	noiseScale    = 0.3
	positionShift = 17
)

// sample is one synthetic captcha: the class index per position and the
// pooled feature embedding the baseline model would produce for it.
type sample struct {
	classes  []int
	features []float64
}

// prototypes returns one stable unit-ish vector per character class. The
// generator is seeded from the char set and embedding width only, so every
// level of a run sees the same class geometry.
func prototypes(charSet string, featureDim int) [][]float64 {
	h := fnv.New64a()
	h.Write([]byte(charSet))
	rng := rand.New(rand.NewSource(int64(h.Sum64()) ^ int64(featureDim)))

	classes := len([]rune(charSet))
	protos := make([][]float64, classes)
	for c := 0; c < classes; c++ {
		v := make([]float64, featureDim)
		for i := range v {
			v[i] = rng.NormFloat64()
		}
		protos[c] = v
	}
	return protos
}

// synthesize draws n labeled captchas of the given length. A captcha's
// embedding is the superposition of its characters' prototypes, each
// rotated by its position, plus gaussian noise.
func synthesize(rng *rand.Rand, protos [][]float64, length, featureDim, n int) []sample {
	out := make([]sample, n)
	for i := range out {
		classes := make([]int, length)
		features := make([]float64, featureDim)
		for p := 0; p < length; p++ {
			c := rng.Intn(len(protos))
			classes[p] = c
			offset := p * positionShift
			for j, v := range protos[c] {
				features[(j+offset)%featureDim] += v
			}
		}
		for j := range features {
			features[j] += rng.NormFloat64() * noiseScale
		}
		out[i] = sample{classes: classes, features: features}
	}
	return out
}
