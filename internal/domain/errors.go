package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidConfiguration marks configuration errors detected before any
// level runs. Wrapped errors carry the offending field.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// StageExecutionError reports a failed training level. Committed lower
// levels stay valid; the run aborts without advancing.
type StageExecutionError struct {
	Level int
	Cause error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage execution failed at level %d: %v", e.Level, e.Cause)
}

func (e *StageExecutionError) Unwrap() error { return e.Cause }

// PersistenceError reports an unusable or corrupt output directory. It is
// fatal; no partial commit may leak as valid state.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }
