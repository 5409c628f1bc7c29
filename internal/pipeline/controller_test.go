package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/kcaptcha/trainpipe/internal/checkpoint"
	"github.com/kcaptcha/trainpipe/internal/config"
	"github.com/kcaptcha/trainpipe/internal/domain"
	"github.com/kcaptcha/trainpipe/internal/ledger"
)

type stubRunner struct {
	calls []int
	seeds []int64

	failAt int
}

func (r *stubRunner) Run(ctx context.Context, level int, seed int64, prior []byte) (domain.StageResult, error) {
	r.calls = append(r.calls, level)
	r.seeds = append(r.seeds, seed)
	if r.failAt != 0 && level == r.failAt {
		return domain.StageResult{}, errors.New("induced failure")
	}
	if level > 1 {
		want := fmt.Sprintf("weights-%d", level-1)
		if string(prior) != want {
			return domain.StageResult{}, fmt.Errorf("prior=%q, want %q", prior, want)
		}
	} else if len(prior) != 0 {
		return domain.StageResult{}, errors.New("level 1 received a prior artifact")
	}
	now := time.Now().UTC()
	return domain.StageResult{
		Level:     level,
		Status:    domain.StageStatusSucceeded,
		Seed:      seed,
		Metrics:   domain.Metrics{Loss: 0.2, Accuracy: 0.9},
		Payload:   []byte(fmt.Sprintf("weights-%d", level)),
		StartedAt: now,
		EndedAt:   now,
	}, nil
}

func testCfg(outputDir string, maxLevel int) config.Config {
	return config.Config{
		MaxLevel:  maxLevel,
		OutputDir: outputDir,
		Epochs:    2,
		BatchSize: 4,
		CharSet:   "01",
		Model:     "densenet121",
		Seed:      42,
	}
}

func newTestController(t *testing.T, cfg config.Config, runner *stubRunner) (*Controller, *checkpoint.Store) {
	t.Helper()
	store, err := checkpoint.NewStore(cfg.OutputDir, slog.Default())
	if err != nil {
		t.Fatalf("NewStore() err=%v", err)
	}
	ctrl, err := New(cfg, store, runner, slog.Default())
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return ctrl, store
}

func TestRun_SingleLevel(t *testing.T) {
	out := t.TempDir()
	runner := &stubRunner{}
	ctrl, store := newTestController(t, testCfg(out, 1), runner)

	state, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if state.HighestCompleted != 1 {
		t.Fatalf("HighestCompleted=%d, want 1", state.HighestCompleted)
	}
	if len(runner.calls) != 1 || runner.calls[0] != 1 {
		t.Fatalf("runner calls=%v, want [1]", runner.calls)
	}
	if runner.seeds[0] != 42 {
		t.Fatalf("runner seed=%d, want 42", runner.seeds[0])
	}
	done, err := store.HasCompleted(1)
	if err != nil || !done {
		t.Fatalf("HasCompleted(1)=%v err=%v", done, err)
	}
}

func TestRun_ResumeSkipsCommittedLevels(t *testing.T) {
	out := t.TempDir()

	first := &stubRunner{}
	ctrl, _ := newTestController(t, testCfg(out, 1), first)
	if _, err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("first Run() err=%v", err)
	}

	second := &stubRunner{}
	ctrl, _ = newTestController(t, testCfg(out, 3), second)
	state, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() err=%v", err)
	}
	if state.HighestCompleted != 3 {
		t.Fatalf("HighestCompleted=%d, want 3", state.HighestCompleted)
	}
	if len(second.calls) != 2 || second.calls[0] != 2 || second.calls[1] != 3 {
		t.Fatalf("runner calls=%v, want [2 3]", second.calls)
	}
}

func TestRun_CompletedRunIsIdempotent(t *testing.T) {
	out := t.TempDir()
	ctrl, _ := newTestController(t, testCfg(out, 2), &stubRunner{})
	if _, err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("first Run() err=%v", err)
	}

	rerun := &stubRunner{}
	ctrl, _ = newTestController(t, testCfg(out, 2), rerun)
	state, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("rerun err=%v", err)
	}
	if len(rerun.calls) != 0 {
		t.Fatalf("rerun executed levels %v", rerun.calls)
	}
	if state.HighestCompleted != 2 {
		t.Fatalf("HighestCompleted=%d, want 2", state.HighestCompleted)
	}
}

func TestRun_FailureAborts(t *testing.T) {
	out := t.TempDir()
	runner := &stubRunner{failAt: 2}
	ctrl, store := newTestController(t, testCfg(out, 3), runner)

	state, err := ctrl.Run(context.Background())
	if err == nil {
		t.Fatalf("Run() expected error")
	}
	var stageErr *domain.StageExecutionError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageExecutionError, got %v", err)
	}
	if stageErr.Level != 2 {
		t.Fatalf("error level=%d, want 2", stageErr.Level)
	}
	if state.HighestCompleted != 1 {
		t.Fatalf("HighestCompleted=%d, want 1", state.HighestCompleted)
	}
	done, _ := store.HasCompleted(2)
	if done {
		t.Fatalf("failed level 2 is committed")
	}
	for _, level := range runner.calls {
		if level == 3 {
			t.Fatalf("runner advanced past the failed level: %v", runner.calls)
		}
	}

	// The failed level is re-executed exactly once on the next invocation.
	retry := &stubRunner{}
	ctrl, _ = newTestController(t, testCfg(out, 3), retry)
	if _, err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("recovery Run() err=%v", err)
	}
	if len(retry.calls) != 2 || retry.calls[0] != 2 {
		t.Fatalf("recovery calls=%v, want [2 3]", retry.calls)
	}
}

func TestNew_InvalidConfiguration(t *testing.T) {
	store, err := checkpoint.NewStore(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("NewStore() err=%v", err)
	}
	_, err = New(testCfg(t.TempDir(), 0), store, &stubRunner{}, slog.Default())
	if !errors.Is(err, domain.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}
}

func TestRun_RepairsMarkerBehindArtifacts(t *testing.T) {
	out := t.TempDir()
	ctrl, store := newTestController(t, testCfg(out, 1), &stubRunner{})
	state, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}

	// Simulate a crash after the artifact rename but before the state
	// write: the committed level exists while the marker lags behind.
	state.HighestCompleted = 0
	state.LatestArtifact = ""
	if err := store.SaveState(state); err != nil {
		t.Fatalf("SaveState() err=%v", err)
	}

	repair := &stubRunner{}
	ctrl, _ = newTestController(t, testCfg(out, 1), repair)
	repaired, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("repair Run() err=%v", err)
	}
	if len(repair.calls) != 0 {
		t.Fatalf("repair re-executed levels %v", repair.calls)
	}
	if repaired.HighestCompleted != 1 {
		t.Fatalf("HighestCompleted=%d, want 1", repaired.HighestCompleted)
	}
}

func TestRun_SnapshotMismatch(t *testing.T) {
	out := t.TempDir()
	ctrl, _ := newTestController(t, testCfg(out, 1), &stubRunner{})
	if _, err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run() err=%v", err)
	}

	cfg := testCfg(out, 2)
	cfg.CharSet = "ab"
	ctrl, _ = newTestController(t, cfg, &stubRunner{})
	_, err := ctrl.Run(context.Background())
	if !errors.Is(err, domain.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}
}

func TestRun_AdoptsRecordedSeed(t *testing.T) {
	out := t.TempDir()
	cfg := testCfg(out, 1)
	cfg.Seed = 0
	ctrl, store := newTestController(t, cfg, &stubRunner{})
	if _, err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	recorded := ctrl.Config().Seed
	if recorded == 0 {
		t.Fatalf("fresh run did not resolve a seed")
	}
	state, found, err := store.LoadState()
	if err != nil || !found {
		t.Fatalf("LoadState() found=%v err=%v", found, err)
	}
	if state.Config.Seed != recorded {
		t.Fatalf("snapshot seed=%d, controller seed=%d", state.Config.Seed, recorded)
	}

	cfg = testCfg(out, 2)
	cfg.Seed = 0
	resumed := &stubRunner{}
	ctrl, _ = newTestController(t, cfg, resumed)
	if _, err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("resume Run() err=%v", err)
	}
	if ctrl.Config().Seed != recorded {
		t.Fatalf("resume seed=%d, want recorded %d", ctrl.Config().Seed, recorded)
	}
	if len(resumed.seeds) != 1 || resumed.seeds[0] != recorded {
		t.Fatalf("resumed runner seeds=%v, want [%d]", resumed.seeds, recorded)
	}
}

func TestRun_WithLedger(t *testing.T) {
	out := t.TempDir()
	runner := &stubRunner{failAt: 2}
	ctrl, store := newTestController(t, testCfg(out, 2), runner)

	l, err := ledger.Open(store.LedgerPath())
	if err != nil {
		t.Fatalf("ledger.Open() err=%v", err)
	}
	defer l.Close()
	ctrl.AttachLedger(l)

	state, err := ctrl.Run(context.Background())
	if err == nil {
		t.Fatalf("Run() expected failure at level 2")
	}

	attempts, err := l.ListAttempts(context.Background(), state.RunID, 10)
	if err != nil {
		t.Fatalf("ListAttempts() err=%v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts got %d", len(attempts))
	}
	// Newest first: the level 2 failure, then the level 1 success.
	if attempts[0].Level != 2 || attempts[0].Status != ledger.StatusFailed {
		t.Fatalf("attempt[0]=%+v", attempts[0])
	}
	if attempts[1].Level != 1 || attempts[1].Status != ledger.StatusSucceeded {
		t.Fatalf("attempt[1]=%+v", attempts[1])
	}
}
