// Package checkpoint persists pipeline progress and per-level artifacts
// under the output directory. Commits are atomic with respect to process
// crash: artifacts are staged under tmp/ and published with a single
// rename, and the progress marker is updated only after the artifact
// rename succeeded. A partially written artifact is never observable as
// completed.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kcaptcha/trainpipe/internal/domain"
)

const (
	stateFile    = "state.yaml"
	lockFile     = "train.lock"
	levelsDir    = "levels"
	stagingDir   = "tmp"
	weightsFile  = "weights.gob"
	manifestFile = "manifest.yaml"
)

// Manifest describes one committed artifact.
type Manifest struct {
	RunID     string         `yaml:"run_id"`
	Level     int            `yaml:"level"`
	Status    string         `yaml:"status"`
	Seed      int64          `yaml:"seed"`
	SHA256    string         `yaml:"sha256"`
	SizeBytes int64          `yaml:"size_bytes"`
	Metrics   domain.Metrics `yaml:"metrics"`
	CreatedAt time.Time      `yaml:"created_at"`
}

// Store is a file-backed checkpoint store rooted at the output directory.
// One store instance owns the directory for the lifetime of a run.
type Store struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(root string, logger *slog.Logger) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, &domain.PersistenceError{Op: "init", Cause: errors.New("output directory is required")}
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{root, filepath.Join(root, levelsDir), filepath.Join(root, stagingDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &domain.PersistenceError{Op: "init", Cause: err}
		}
	}
	return &Store{root: root, logger: logger, now: time.Now}, nil
}

// AcquireLock takes the exclusive run lock for the output directory. A
// second concurrent invocation fails instead of corrupting shared state.
func (s *Store) AcquireLock() (func(), error) {
	path := filepath.Join(s.root, lockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, &domain.PersistenceError{
				Op:    "lock",
				Cause: fmt.Errorf("output directory is locked by another run (remove %s if stale)", path),
			}
		}
		return nil, &domain.PersistenceError{Op: "lock", Cause: err}
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Close()
	return func() {
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to release run lock", "path", path, "error", err)
		}
	}, nil
}

// LoadState reads prior progress. The second return value is false for a
// fresh output directory.
func (s *Store) LoadState() (domain.PipelineState, bool, error) {
	raw, err := os.ReadFile(filepath.Join(s.root, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.PipelineState{}, false, nil
		}
		return domain.PipelineState{}, false, &domain.PersistenceError{Op: "load state", Cause: err}
	}
	var state domain.PipelineState
	if err := yaml.Unmarshal(raw, &state); err != nil {
		return domain.PipelineState{}, false, &domain.PersistenceError{Op: "load state", Cause: err}
	}
	if err := state.Validate(); err != nil {
		return domain.PipelineState{}, false, &domain.PersistenceError{Op: "load state", Cause: err}
	}
	return state, true, nil
}

// SaveState durably replaces the pipeline state record.
func (s *Store) SaveState(state domain.PipelineState) error {
	if err := state.Validate(); err != nil {
		return &domain.PersistenceError{Op: "save state", Cause: err}
	}
	raw, err := yaml.Marshal(state)
	if err != nil {
		return &domain.PersistenceError{Op: "save state", Cause: err}
	}
	if err := s.writeAtomic(filepath.Join(s.root, stateFile), raw); err != nil {
		return &domain.PersistenceError{Op: "save state", Cause: err}
	}
	return nil
}

// HasCompleted reports whether the level's artifact is durably committed.
func (s *Store) HasCompleted(level int) (bool, error) {
	_, err := os.Stat(filepath.Join(s.levelDir(level), manifestFile))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &domain.PersistenceError{Op: "check level", Cause: err}
}

// Commit publishes a stage result: stage under tmp/, rename into levels/,
// then advance the progress marker. Returns the updated state.
func (s *Store) Commit(state domain.PipelineState, result domain.StageResult) (domain.PipelineState, error) {
	if err := result.Validate(); err != nil {
		return state, &domain.PersistenceError{Op: "commit", Cause: err}
	}

	staging := filepath.Join(s.root, stagingDir, fmt.Sprintf("%s.partial", levelName(result.Level)))
	if err := os.RemoveAll(staging); err != nil {
		return state, &domain.PersistenceError{Op: "commit", Cause: err}
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return state, &domain.PersistenceError{Op: "commit", Cause: err}
	}

	sum := sha256.Sum256(result.Payload)
	manifest := Manifest{
		RunID:     state.RunID,
		Level:     result.Level,
		Status:    string(result.Status),
		Seed:      result.Seed,
		SHA256:    hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(result.Payload)),
		Metrics:   result.Metrics,
		CreatedAt: s.now().UTC(),
	}
	manifestRaw, err := yaml.Marshal(manifest)
	if err != nil {
		return state, &domain.PersistenceError{Op: "commit", Cause: err}
	}
	if err := writeFileSync(filepath.Join(staging, weightsFile), result.Payload); err != nil {
		return state, &domain.PersistenceError{Op: "commit", Cause: err}
	}
	if err := writeFileSync(filepath.Join(staging, manifestFile), manifestRaw); err != nil {
		return state, &domain.PersistenceError{Op: "commit", Cause: err}
	}

	target := s.levelDir(result.Level)
	if err := os.Rename(staging, target); err != nil {
		return state, &domain.PersistenceError{Op: "commit", Cause: err}
	}
	s.logger.Debug("artifact committed", "level", result.Level, "sha256", manifest.SHA256, "size_bytes", manifest.SizeBytes)

	return s.RecordCompleted(state, result.Level)
}

// RecordCompleted advances the progress marker for an already committed
// level. The marker never decreases; recording a lower level only bumps
// the timestamp. Also used to repair state after a crash between artifact
// rename and state write.
func (s *Store) RecordCompleted(state domain.PipelineState, level int) (domain.PipelineState, error) {
	if level > state.HighestCompleted {
		state.HighestCompleted = level
		state.LatestArtifact = filepath.Join(levelsDir, levelName(level), weightsFile)
	}
	state.UpdatedAt = s.now().UTC()
	if err := s.SaveState(state); err != nil {
		return state, err
	}
	return state, nil
}

// ReadArtifact loads a committed artifact and verifies its digest.
func (s *Store) ReadArtifact(level int) ([]byte, error) {
	manifest, err := s.ReadManifest(level)
	if err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(filepath.Join(s.levelDir(level), weightsFile))
	if err != nil {
		return nil, &domain.PersistenceError{Op: "read artifact", Cause: err}
	}
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != manifest.SHA256 {
		return nil, &domain.PersistenceError{
			Op:    "read artifact",
			Cause: fmt.Errorf("level %d artifact digest mismatch", level),
		}
	}
	return payload, nil
}

// ReadManifest loads a committed level's manifest.
func (s *Store) ReadManifest(level int) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(s.levelDir(level), manifestFile))
	if err != nil {
		return Manifest{}, &domain.PersistenceError{Op: "read manifest", Cause: err}
	}
	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return Manifest{}, &domain.PersistenceError{Op: "read manifest", Cause: err}
	}
	return manifest, nil
}

// LatestArtifact returns the payload of the highest committed level.
func (s *Store) LatestArtifact() ([]byte, int, error) {
	state, found, err := s.LoadState()
	if err != nil {
		return nil, 0, err
	}
	if !found || state.HighestCompleted < 1 {
		return nil, 0, &domain.PersistenceError{Op: "latest artifact", Cause: errors.New("no committed level")}
	}
	payload, err := s.ReadArtifact(state.HighestCompleted)
	if err != nil {
		return nil, 0, err
	}
	return payload, state.HighestCompleted, nil
}

// LedgerPath is where the attempt ledger database lives.
func (s *Store) LedgerPath() string {
	return filepath.Join(s.root, "ledger.db")
}

func (s *Store) levelDir(level int) string {
	return filepath.Join(s.root, levelsDir, levelName(level))
}

func levelName(level int) string {
	return fmt.Sprintf("level-%04d", level)
}

func (s *Store) writeAtomic(path string, raw []byte) error {
	tmp := filepath.Join(s.root, stagingDir, filepath.Base(path)+".tmp")
	if err := writeFileSync(tmp, raw); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeFileSync(path string, raw []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
