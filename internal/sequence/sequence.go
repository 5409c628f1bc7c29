// Package sequence derives the ordered set of training levels for a run.
// The sequence is finite and deterministic; it is re-derived on resume
// rather than persisted, only progress against it is durable.
package sequence

import (
	"fmt"

	"github.com/kcaptcha/trainpipe/internal/domain"
)

// Levels returns the ascending levels 1..maxLevel.
func Levels(maxLevel int) ([]int, error) {
	if maxLevel < 1 {
		return nil, fmt.Errorf("%w: max level must be >= 1, got %d", domain.ErrInvalidConfiguration, maxLevel)
	}
	levels := make([]int, maxLevel)
	for i := range levels {
		levels[i] = i + 1
	}
	return levels, nil
}
