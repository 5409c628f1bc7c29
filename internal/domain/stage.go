package domain

import (
	"errors"
	"time"
)

// StageStatus is the terminal outcome of one level's execution.
type StageStatus string

const (
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
)

// Metrics summarizes training quality for one level.
type Metrics struct {
	Loss     float64 `yaml:"loss"`
	Accuracy float64 `yaml:"accuracy"`
}

// StageResult is produced by one level's execution. The payload is the
// encoded model state; durable persistence belongs to the checkpoint store.
type StageResult struct {
	Level     int
	Status    StageStatus
	Seed      int64
	Metrics   Metrics
	Payload   []byte
	StartedAt time.Time
	EndedAt   time.Time
}

func (r StageResult) Validate() error {
	if r.Level < 1 {
		return errors.New("stage result level must be >= 1")
	}
	if r.Status == "" {
		return errors.New("stage result status is required")
	}
	if r.Status == StageStatusSucceeded && len(r.Payload) == 0 {
		return errors.New("succeeded stage result requires a payload")
	}
	return nil
}

// Duration reports wall-clock time spent training the level.
func (r StageResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
