package domain

import (
	"errors"
	"strings"
	"time"
)

// ConfigSnapshot is the run configuration recorded alongside pipeline
// progress. Resumed runs must stay compatible with it: changing the
// character set or model family invalidates every committed artifact.
type ConfigSnapshot struct {
	MaxLevel  int    `yaml:"max_level"`
	OutputDir string `yaml:"output_dir"`
	Verbose   bool   `yaml:"verbose"`
	Epochs    int    `yaml:"epochs"`
	BatchSize int    `yaml:"batch_size"`
	CharSet   string `yaml:"char_set"`
	Model     string `yaml:"model"`
	Seed      int64  `yaml:"seed"`
}

// PipelineState is the durable record of pipeline progress. It lives for
// the lifetime of the output directory and survives process restarts.
type PipelineState struct {
	RunID            string         `yaml:"run_id"`
	HighestCompleted int            `yaml:"highest_completed"`
	LatestArtifact   string         `yaml:"latest_artifact"`
	Config           ConfigSnapshot `yaml:"config"`
	CreatedAt        time.Time      `yaml:"created_at"`
	UpdatedAt        time.Time      `yaml:"updated_at"`
}

func (s PipelineState) Validate() error {
	if strings.TrimSpace(s.RunID) == "" {
		return errors.New("run id is required")
	}
	if s.HighestCompleted < 0 {
		return errors.New("highest completed level must not be negative")
	}
	if s.HighestCompleted > 0 && strings.TrimSpace(s.LatestArtifact) == "" {
		return errors.New("latest artifact is required once a level completed")
	}
	return nil
}

// CompatibleWith reports whether a resumed run may build on artifacts
// produced under this snapshot.
func (s ConfigSnapshot) CompatibleWith(charSet, model string) bool {
	return s.CharSet == charSet && s.Model == model
}
