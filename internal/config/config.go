package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kcaptcha/trainpipe/internal/domain"
	"github.com/kcaptcha/trainpipe/internal/platform/env"
)

const (
	DefaultEpochs    = 15
	DefaultBatchSize = 64
	DefaultCharSet   = "0123456789"
	DefaultModel     = "densenet121"
)

// Models maps each supported baseline family to the width of the embedding
// its feature extractor produces.
var Models = map[string]int{
	"mobilenetv2":    1280,
	"densenet121":    1024,
	"efficientnetb0": 1280,
}

// Config is the run configuration, immutable for one invocation. It is
// built once from the CLI flags, with TRAINPIPE_* environment overrides
// applied on top.
type Config struct {
	MaxLevel  int
	OutputDir string
	Verbose   bool

	Epochs    int
	BatchSize int
	CharSet   string
	Model     string
	Seed      int64
	EvalOnly  bool
}

// ApplyEnv overlays environment overrides onto flag-derived values.
func ApplyEnv(cfg Config) (Config, error) {
	var err error
	if cfg.Epochs, err = env.Int("TRAINPIPE_EPOCHS", cfg.Epochs); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = env.Int("TRAINPIPE_BATCH_SIZE", cfg.BatchSize); err != nil {
		return Config{}, err
	}
	cfg.CharSet = env.String("TRAINPIPE_CHAR_SET", cfg.CharSet)
	cfg.Model = env.String("TRAINPIPE_MODEL", cfg.Model)
	if cfg.Seed, err = env.Int64("TRAINPIPE_SEED", cfg.Seed); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxLevel < 1 {
		return fmt.Errorf("%w: max level must be >= 1, got %d", domain.ErrInvalidConfiguration, c.MaxLevel)
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		return fmt.Errorf("%w: output directory is required", domain.ErrInvalidConfiguration)
	}
	if c.Epochs < 1 {
		return fmt.Errorf("%w: epochs must be >= 1, got %d", domain.ErrInvalidConfiguration, c.Epochs)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be >= 1, got %d", domain.ErrInvalidConfiguration, c.BatchSize)
	}
	if len(c.CharSet) < 2 {
		return fmt.Errorf("%w: char set needs at least two characters", domain.ErrInvalidConfiguration)
	}
	if hasDuplicateChars(c.CharSet) {
		return fmt.Errorf("%w: char set contains duplicate characters", domain.ErrInvalidConfiguration)
	}
	if _, ok := Models[c.Model]; !ok {
		return fmt.Errorf("%w: model %q not supported, available: %s",
			domain.ErrInvalidConfiguration, c.Model, strings.Join(ModelNames(), ", "))
	}
	return nil
}

// Snapshot captures the configuration for the durable pipeline state.
func (c Config) Snapshot() domain.ConfigSnapshot {
	return domain.ConfigSnapshot{
		MaxLevel:  c.MaxLevel,
		OutputDir: c.OutputDir,
		Verbose:   c.Verbose,
		Epochs:    c.Epochs,
		BatchSize: c.BatchSize,
		CharSet:   c.CharSet,
		Model:     c.Model,
		Seed:      c.Seed,
	}
}

// FeatureDim returns the embedding width of the configured model family.
func (c Config) FeatureDim() int {
	return Models[c.Model]
}

func ModelNames() []string {
	names := make([]string, 0, len(Models))
	for name := range Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func hasDuplicateChars(s string) bool {
	seen := map[rune]struct{}{}
	for _, r := range s {
		if _, ok := seen[r]; ok {
			return true
		}
		seen[r] = struct{}{}
	}
	return false
}
