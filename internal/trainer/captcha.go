package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/kcaptcha/trainpipe/internal/config"
	"github.com/kcaptcha/trainpipe/internal/domain"
)

const learningRate = 0.05

// CaptchaTrainer trains one softmax head per captcha position on synthetic
// embeddings. Level n handles length-n captchas and warm-starts from the
// level n-1 heads.
type CaptchaTrainer struct {
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg config.Config, logger *slog.Logger) (*CaptchaTrainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptchaTrainer{cfg: cfg, logger: logger, now: time.Now}, nil
}

func (t *CaptchaTrainer) Run(ctx context.Context, level int, seed int64, prior []byte) (domain.StageResult, error) {
	if level < 1 {
		return domain.StageResult{}, fmt.Errorf("level must be >= 1, got %d", level)
	}
	started := t.now().UTC()

	weights, err := t.initWeights(level, prior)
	if err != nil {
		return domain.StageResult{}, err
	}

	featureDim := t.cfg.FeatureDim()
	protos := prototypes(t.cfg.CharSet, featureDim)
	rng := rand.New(rand.NewSource(levelSeed(seed, level)))

	trainSet := synthesize(rng, protos, level, featureDim, 8*t.cfg.BatchSize)
	valSet := synthesize(rng, protos, level, featureDim, 2*t.cfg.BatchSize)

	var loss float64
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return domain.StageResult{}, fmt.Errorf("training interrupted at level %d epoch %d: %w", level, epoch, err)
		}
		loss = trainEpoch(rng, weights, trainSet)
		t.logger.Debug("epoch finished", "level", level, "epoch", epoch, "loss", loss)
	}

	accuracy := exactMatchAccuracy(weights, valSet)
	payload, err := weights.Encode()
	if err != nil {
		return domain.StageResult{}, err
	}

	return domain.StageResult{
		Level:     level,
		Status:    domain.StageStatusSucceeded,
		Seed:      seed,
		Metrics:   domain.Metrics{Loss: loss, Accuracy: accuracy},
		Payload:   payload,
		StartedAt: started,
		EndedAt:   t.now().UTC(),
	}, nil
}

// Evaluate scores an encoded artifact against a freshly drawn held-out set.
func (t *CaptchaTrainer) Evaluate(ctx context.Context, payload []byte, seed int64) (domain.Metrics, error) {
	if err := ctx.Err(); err != nil {
		return domain.Metrics{}, err
	}
	weights, err := DecodeWeights(payload)
	if err != nil {
		return domain.Metrics{}, err
	}
	if weights.CharSet != t.cfg.CharSet || weights.Model != t.cfg.Model {
		return domain.Metrics{}, fmt.Errorf("artifact was trained with char set %q and model %q", weights.CharSet, weights.Model)
	}

	protos := prototypes(t.cfg.CharSet, weights.FeatureDim)
	rng := rand.New(rand.NewSource(levelSeed(seed, weights.Length) + 1))
	testSet := synthesize(rng, protos, weights.Length, weights.FeatureDim, 4*t.cfg.BatchSize)

	return domain.Metrics{
		Loss:     meanLoss(weights, testSet),
		Accuracy: exactMatchAccuracy(weights, testSet),
	}, nil
}

func (t *CaptchaTrainer) initWeights(level int, prior []byte) (*Weights, error) {
	featureDim := t.cfg.FeatureDim()
	weights := newWeights(t.cfg.Model, t.cfg.CharSet, level, featureDim)
	if level == 1 {
		return weights, nil
	}
	if len(prior) == 0 {
		return nil, fmt.Errorf("level %d requires the level %d artifact", level, level-1)
	}
	priorWeights, err := DecodeWeights(prior)
	if err != nil {
		return nil, err
	}
	if priorWeights.Length != level-1 {
		return nil, fmt.Errorf("prior artifact covers length %d, expected %d", priorWeights.Length, level-1)
	}
	if priorWeights.CharSet != t.cfg.CharSet || priorWeights.FeatureDim != featureDim {
		return nil, fmt.Errorf("prior artifact is incompatible with char set %q and model %q", t.cfg.CharSet, t.cfg.Model)
	}
	for p := 0; p < priorWeights.Length; p++ {
		for c := range priorWeights.W[p] {
			copy(weights.W[p][c], priorWeights.W[p][c])
		}
		copy(weights.B[p], priorWeights.B[p])
	}
	return weights, nil
}

func trainEpoch(rng *rand.Rand, w *Weights, set []sample) float64 {
	total := 0.0
	for _, i := range rng.Perm(len(set)) {
		s := set[i]
		for p := 0; p < w.Length; p++ {
			probs := softmax(w, p, s.features)
			total += -math.Log(math.Max(probs[s.classes[p]], 1e-12))
			for c := range probs {
				grad := probs[c]
				if c == s.classes[p] {
					grad -= 1
				}
				step := learningRate * grad
				row := w.W[p][c]
				for j, x := range s.features {
					row[j] -= step * x
				}
				w.B[p][c] -= step
			}
		}
	}
	return total / float64(len(set)*w.Length)
}

func meanLoss(w *Weights, set []sample) float64 {
	total := 0.0
	for _, s := range set {
		for p := 0; p < w.Length; p++ {
			probs := softmax(w, p, s.features)
			total += -math.Log(math.Max(probs[s.classes[p]], 1e-12))
		}
	}
	return total / float64(len(set)*w.Length)
}

// exactMatchAccuracy counts a captcha as correct only when every position
// decodes to its label, mirroring how the recognizer is scored end to end.
func exactMatchAccuracy(w *Weights, set []sample) float64 {
	correct := 0
	for _, s := range set {
		match := true
		for p := 0; p < w.Length; p++ {
			if argmax(softmax(w, p, s.features)) != s.classes[p] {
				match = false
				break
			}
		}
		if match {
			correct++
		}
	}
	return float64(correct) / float64(len(set))
}

func softmax(w *Weights, position int, features []float64) []float64 {
	logits := make([]float64, len(w.W[position]))
	maxLogit := math.Inf(-1)
	for c, row := range w.W[position] {
		z := w.B[position][c]
		for j, x := range features {
			z += row[j] * x
		}
		logits[c] = z
		if z > maxLogit {
			maxLogit = z
		}
	}
	sum := 0.0
	for c, z := range logits {
		logits[c] = math.Exp(z - maxLogit)
		sum += logits[c]
	}
	for c := range logits {
		logits[c] /= sum
	}
	return logits
}

func argmax(probs []float64) int {
	best := 0
	for c, p := range probs {
		if p > probs[best] {
			best = c
		}
	}
	return best
}

func levelSeed(seed int64, level int) int64 {
	return seed*1000003 + int64(level)
}

var (
	_ Runner    = (*CaptchaTrainer)(nil)
	_ Evaluator = (*CaptchaTrainer)(nil)
)
