// Package trainer executes a single curriculum level: it fits a
// per-position classifier for length-n captchas, warm-started from the
// previous level's weights. Durable persistence of the produced artifact
// is the checkpoint store's job, not the trainer's.
package trainer

import (
	"context"

	"github.com/kcaptcha/trainpipe/internal/domain"
)

// Runner executes one level. prior is the encoded artifact of the previous
// level, nil for level 1. The seed comes from the pipeline state so resumed
// runs stay on the original stream; implementations must be deterministic
// given the same configuration and seed.
type Runner interface {
	Run(ctx context.Context, level int, seed int64, prior []byte) (domain.StageResult, error)
}

// Evaluator scores an encoded artifact against a held-out set.
type Evaluator interface {
	Evaluate(ctx context.Context, payload []byte, seed int64) (domain.Metrics, error)
}
