// Package pipeline orchestrates the leveled training run: it derives the
// level sequence, resumes from checkpointed progress, drives the stage
// runner level by level and hands every result to the checkpoint store
// before advancing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kcaptcha/trainpipe/internal/checkpoint"
	"github.com/kcaptcha/trainpipe/internal/config"
	"github.com/kcaptcha/trainpipe/internal/domain"
	"github.com/kcaptcha/trainpipe/internal/ledger"
	"github.com/kcaptcha/trainpipe/internal/mirror"
	"github.com/kcaptcha/trainpipe/internal/sequence"
	"github.com/kcaptcha/trainpipe/internal/trainer"
)

// LevelState tracks one level through the run.
type LevelState string

const (
	LevelPending   LevelState = "pending"
	LevelRunning   LevelState = "running"
	LevelCommitted LevelState = "committed"
	LevelFailed    LevelState = "failed"
)

// RunOutcome is the terminal state of one invocation.
type RunOutcome string

const (
	RunCompleted RunOutcome = "completed"
	RunAborted   RunOutcome = "aborted"
)

// Controller is the pipeline state machine. A failed level aborts the run;
// re-invocation resumes from the last committed level. No level is retried
// automatically.
type Controller struct {
	cfg    config.Config
	store  *checkpoint.Store
	runner trainer.Runner
	logger *slog.Logger

	attempts *ledger.Ledger
	mirror   *mirror.Mirror

	now      func() time.Time
	newRunID func() string
}

func New(cfg config.Config, store *checkpoint.Store, runner trainer.Runner, logger *slog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if runner == nil {
		return nil, errors.New("stage runner is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		logger:   logger,
		now:      time.Now,
		newRunID: uuid.NewString,
	}, nil
}

// AttachLedger enables attempt bookkeeping. Ledger failures are logged,
// never fatal.
func (c *Controller) AttachLedger(l *ledger.Ledger) { c.attempts = l }

// AttachMirror enables artifact mirroring after each commit.
func (c *Controller) AttachMirror(m *mirror.Mirror) { c.mirror = m }

// Run executes the pipeline to max level, resuming from checkpointed
// progress. It returns the final pipeline state together with the error
// that aborted the run, if any.
func (c *Controller) Run(ctx context.Context) (domain.PipelineState, error) {
	levels, err := sequence.Levels(c.cfg.MaxLevel)
	if err != nil {
		return domain.PipelineState{}, err
	}

	state, err := c.loadOrCreateState()
	if err != nil {
		return state, err
	}
	resume := state.HighestCompleted + 1
	c.logger.Info("pipeline starting",
		"run_id", state.RunID,
		"max_level", c.cfg.MaxLevel,
		"resume_level", resume,
		"seed", state.Config.Seed,
	)

	for _, level := range levels {
		done, err := c.store.HasCompleted(level)
		if err != nil {
			return state, err
		}
		if done {
			// Repairs the marker after a crash between artifact rename
			// and state write.
			if level > state.HighestCompleted {
				if state, err = c.store.RecordCompleted(state, level); err != nil {
					return state, err
				}
			}
			c.logger.Debug("level already committed, skipping", "level", level)
			continue
		}

		if state, err = c.runLevel(ctx, state, level); err != nil {
			c.logger.Error("pipeline aborted", "run_id", state.RunID, "level", level, "outcome", RunAborted, "error", err)
			return state, err
		}
	}

	c.logger.Info("pipeline completed",
		"run_id", state.RunID,
		"outcome", RunCompleted,
		"highest_completed", state.HighestCompleted,
		"latest_artifact", state.LatestArtifact,
	)
	return state, nil
}

func (c *Controller) runLevel(ctx context.Context, state domain.PipelineState, level int) (domain.PipelineState, error) {
	c.logger.Debug("level state", "level", level, "state", LevelPending)

	attempt := c.startAttempt(ctx, state, level)

	var prior []byte
	if level > 1 {
		payload, err := c.store.ReadArtifact(level - 1)
		if err != nil {
			c.finishAttempt(ctx, state, level, attempt, ledger.StatusFailed, err)
			return state, err
		}
		prior = payload
	}

	c.logger.Info("level started", "level", level, "state", LevelRunning)
	result, err := c.runner.Run(ctx, level, c.cfg.Seed, prior)
	if err == nil && result.Status != domain.StageStatusSucceeded {
		err = fmt.Errorf("stage reported status %q", result.Status)
	}
	if err != nil {
		stageErr := &domain.StageExecutionError{Level: level, Cause: err}
		c.finishAttempt(ctx, state, level, attempt, ledger.StatusFailed, stageErr)
		c.logger.Debug("level state", "level", level, "state", LevelFailed)
		return state, stageErr
	}

	state, err = c.store.Commit(state, result)
	if err != nil {
		c.finishAttempt(ctx, state, level, attempt, ledger.StatusFailed, err)
		return state, err
	}
	c.finishAttempt(ctx, state, level, attempt, ledger.StatusSucceeded, nil)
	c.mirrorLevel(ctx, state, level, result)

	c.logger.Info("level committed",
		"level", level,
		"state", LevelCommitted,
		"duration", result.Duration().String(),
		"loss", result.Metrics.Loss,
		"accuracy", result.Metrics.Accuracy,
		"artifact_bytes", len(result.Payload),
	)
	return state, nil
}

func (c *Controller) loadOrCreateState() (domain.PipelineState, error) {
	state, found, err := c.store.LoadState()
	if err != nil {
		return domain.PipelineState{}, err
	}
	if found {
		if !state.Config.CompatibleWith(c.cfg.CharSet, c.cfg.Model) {
			return state, fmt.Errorf(
				"%w: output directory was trained with char set %q and model %q",
				domain.ErrInvalidConfiguration, state.Config.CharSet, state.Config.Model,
			)
		}
		// The recorded seed keeps resumed levels on the original stream.
		if c.cfg.Seed == 0 {
			c.cfg.Seed = state.Config.Seed
		}
		return state, nil
	}

	if c.cfg.Seed == 0 {
		c.cfg.Seed = c.now().UnixNano()
	}
	now := c.now().UTC()
	state = domain.PipelineState{
		RunID:     c.newRunID(),
		Config:    c.cfg.Snapshot(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.SaveState(state); err != nil {
		return state, err
	}
	return state, nil
}

// Config returns the effective configuration, including the resolved seed.
func (c *Controller) Config() config.Config { return c.cfg }

func (c *Controller) startAttempt(ctx context.Context, state domain.PipelineState, level int) int {
	if c.attempts == nil {
		return 0
	}
	attempt, err := c.attempts.NextAttempt(ctx, state.RunID, level)
	if err != nil {
		c.logger.Warn("ledger unavailable", "level", level, "error", err)
		return 0
	}
	err = c.attempts.StartAttempt(ctx, ledger.Attempt{
		RunID:   state.RunID,
		Level:   level,
		Attempt: attempt,
		Seed:    c.cfg.Seed,
	})
	if err != nil {
		c.logger.Warn("ledger write failed", "level", level, "error", err)
		return 0
	}
	return attempt
}

func (c *Controller) finishAttempt(ctx context.Context, state domain.PipelineState, level, attempt int, status string, cause error) {
	if c.attempts == nil || attempt == 0 {
		return
	}
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	if err := c.attempts.FinishAttempt(ctx, state.RunID, level, attempt, status, errText); err != nil {
		c.logger.Warn("ledger write failed", "level", level, "error", err)
	}
}

func (c *Controller) mirrorLevel(ctx context.Context, state domain.PipelineState, level int, result domain.StageResult) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.UploadArtifact(ctx, state.RunID, level, "weights.gob", result.Payload); err != nil {
		c.logger.Warn("artifact mirroring failed", "level", level, "error", err)
	}
}
