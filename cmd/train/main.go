// Command train runs the leveled captcha training pipeline against an
// output directory, typically a mounted volume:
//
//	train -l 6 -o .data -v
//
// Progress is checkpointed after every level; re-invocation resumes from
// the first uncompleted level.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kcaptcha/trainpipe/internal/checkpoint"
	"github.com/kcaptcha/trainpipe/internal/config"
	"github.com/kcaptcha/trainpipe/internal/domain"
	"github.com/kcaptcha/trainpipe/internal/ledger"
	"github.com/kcaptcha/trainpipe/internal/mirror"
	"github.com/kcaptcha/trainpipe/internal/pipeline"
	"github.com/kcaptcha/trainpipe/internal/trainer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if errors.Is(err, domain.ErrInvalidConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfg config.Config

	cmd := &cobra.Command{
		Use:           "train",
		Short:         "Leveled, resumable captcha model training",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&cfg.MaxLevel, "max-level", "l", 0, "maximum level (captcha length) to reach")
	flags.StringVarP(&cfg.OutputDir, "output", "o", "", "output/checkpoint directory (created if absent)")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "verbose diagnostics")
	flags.IntVar(&cfg.Epochs, "epochs", config.DefaultEpochs, "training epochs per level")
	flags.IntVar(&cfg.BatchSize, "batch-size", config.DefaultBatchSize, "batch size")
	flags.StringVar(&cfg.CharSet, "char-set", config.DefaultCharSet, "available captcha characters")
	flags.StringVar(&cfg.Model, "model", config.DefaultModel, "baseline model family")
	flags.Int64Var(&cfg.Seed, "seed", 0, "training seed (0 derives one and records it)")
	flags.BoolVar(&cfg.EvalOnly, "eval-only", false, "evaluate the latest committed artifact without training")
	_ = cmd.MarkFlagRequired("max-level")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg.Verbose)

	cfg, err := config.ApplyEnv(cfg)
	if err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrInvalidConfiguration, err)
		logger.Error("invalid configuration", "error", err)
		return err
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return err
	}

	store, err := checkpoint.NewStore(cfg.OutputDir, logger)
	if err != nil {
		logger.Error("output directory unusable", "output", cfg.OutputDir, "error", err)
		return err
	}
	release, err := store.AcquireLock()
	if err != nil {
		logger.Error("failed to lock output directory", "output", cfg.OutputDir, "error", err)
		return err
	}
	defer release()

	captcha, err := trainer.New(cfg, logger)
	if err != nil {
		return err
	}

	if cfg.EvalOnly {
		return evaluateLatest(ctx, logger, store, captcha, cfg.Seed)
	}

	ctrl, err := pipeline.New(cfg, store, captcha, logger)
	if err != nil {
		return err
	}

	if attempts, err := ledger.Open(store.LedgerPath()); err != nil {
		logger.Warn("attempt ledger unavailable", "error", err)
	} else {
		defer attempts.Close()
		ctrl.AttachLedger(attempts)
	}

	if m, err := newMirror(ctx, logger); err != nil {
		logger.Error("invalid mirror configuration", "error", err)
		return fmt.Errorf("%w: %v", domain.ErrInvalidConfiguration, err)
	} else if m != nil {
		ctrl.AttachMirror(m)
	}

	if _, err := ctrl.Run(ctx); err != nil {
		return err
	}
	return nil
}

func evaluateLatest(ctx context.Context, logger *slog.Logger, store *checkpoint.Store, captcha *trainer.CaptchaTrainer, seed int64) error {
	payload, level, err := store.LatestArtifact()
	if err != nil {
		logger.Error("no artifact to evaluate", "error", err)
		return err
	}
	if seed == 0 {
		if state, found, err := store.LoadState(); err == nil && found {
			seed = state.Config.Seed
		}
	}
	metrics, err := captcha.Evaluate(ctx, payload, seed)
	if err != nil {
		logger.Error("evaluation failed", "level", level, "error", err)
		return err
	}
	logger.Info("evaluation finished", "level", level, "loss", metrics.Loss, "accuracy", metrics.Accuracy)
	return nil
}

func newMirror(ctx context.Context, logger *slog.Logger) (*mirror.Mirror, error) {
	cfg, enabled, err := mirror.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, nil
	}
	store, err := mirror.NewMinioStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx, cfg); err != nil {
		logger.Warn("mirror bucket check failed, uploads may fail", "bucket", cfg.Bucket, "error", err)
	}
	return mirror.New(store, cfg.Bucket, logger)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
