package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"clothseg/internal/config"
	"clothseg/internal/dataset"
	"clothseg/internal/history"
	"clothseg/internal/logging"
	"clothseg/internal/model"
	"clothseg/internal/trainer"
)

const (
	modeTrain     = "train"
	modeEval      = "eval"
	modeTrainEval = "train+eval"
)

// cliArgs is the parsed command line.
type cliArgs struct {
	configPath string
	mode       string
	overrides  config.Overrides
}

func parseFlags(args []string) (cliArgs, error) {
	fs := flag.NewFlagSet("clothseg", flag.ContinueOnError)
	cfgPath := fs.String("config", "configs/clothseg.yaml", "Path to YAML config")
	mode := fs.String("mode", modeTrainEval, "One of train, eval, train+eval")
	trainImages := fs.String("train-images", "", "Override training image directory")
	trainMasks := fs.String("train-masks", "", "Override training mask directory")
	valImages := fs.String("val-images", "", "Override validation image directory")
	valMasks := fs.String("val-masks", "", "Override validation mask directory")
	epochs := fs.Int("epochs", 0, "Number of training epochs")
	batchSize := fs.Int("batch-size", 0, "Batch size")
	numWorkers := fs.Int("num-workers", 0, "Number of data loader workers")
	lr := fs.Float64("lr", 0, "Learning rate")
	ckptPath := fs.String("checkpoint", "", "Checkpoint path")
	loadCkpt := fs.Bool("load-checkpoint", false, "Resume from the checkpoint")
	predDir := fs.String("prediction-dir", "", "Directory for exported predictions")
	seed := fs.Int64("seed", 0, "PRNG seed")
	logEvery := fs.Int("log-every", 0, "Log every N batches")
	historyPath := fs.String("history", "", "SQLite run history database")

	if err := fs.Parse(args); err != nil {
		return cliArgs{}, err
	}

	out := cliArgs{
		configPath: *cfgPath,
		mode:       *mode,
		overrides: config.Overrides{
			TrainImages:    *trainImages,
			TrainMasks:     *trainMasks,
			ValImages:      *valImages,
			ValMasks:       *valMasks,
			BatchSize:      *batchSize,
			NumWorkers:     *numWorkers,
			LearningRate:   *lr,
			CheckpointPath: *ckptPath,
			PredictionDir:  *predDir,
			LogEvery:       *logEvery,
			HistoryPath:    *historyPath,
		},
	}
	// zero is a meaningful value for these, so only explicitly passed flags count
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "epochs":
			out.overrides.Epochs = epochs
		case "seed":
			out.overrides.Seed = seed
		case "load-checkpoint":
			out.overrides.LoadCheckpoint = loadCkpt
		}
	})
	return out, nil
}

func main() {
	args, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(args.configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyOverrides(args.overrides)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := logging.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logging.Sync(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, args.mode, logger); err != nil {
		logger.Error("run failed", zap.String("mode", args.mode), zap.Error(err))
		logging.Sync(logger)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, mode string, logger *zap.Logger) error {
	doTrain := mode == modeTrain || mode == modeTrainEval
	doEval := mode == modeEval || mode == modeTrainEval
	if !doTrain && !doEval {
		return errors.Errorf("unknown mode %q", mode)
	}

	policy, err := dataset.ParseMaskPolicy(cfg.MaskPolicy)
	if err != nil {
		return err
	}

	sess, err := trainer.NewSession(trainer.SessionConfig{
		Model: model.Config{
			InChannels:  cfg.InChannels,
			OutChannels: cfg.OutChannels,
			Features:    cfg.Features,
			Seed:        cfg.Seed,
		},
		LearningRate:          cfg.LearningRate,
		ScheduleStep:          cfg.ScheduleStep,
		ScheduleGamma:         cfg.ScheduleGamma,
		CheckpointPath:        cfg.CheckpointPath,
		Resume:                cfg.LoadCheckpoint || mode == modeEval,
		ResetScheduleOnResume: cfg.ResetScheduleOnResume,
	}, logger)
	if err != nil {
		return err
	}

	if cfg.HistoryPath != "" {
		store, err := history.Open(ctx, cfg.HistoryPath, time.Now().UTC().Format("20060102T150405Z"))
		if err != nil {
			return err
		}
		defer store.Close()
		sess.History = store
		logger.Info("recording history", zap.String("path", cfg.HistoryPath), zap.String("run_id", store.RunID()))
	}

	if doTrain {
		train, err := dataset.Open(cfg.TrainImages, cfg.TrainMasks,
			trainer.BuildTransform(cfg.ImageHeight, cfg.ImageWidth, cfg.HFlipProb), policy)
		if err != nil {
			return errors.Wrap(err, "open training set")
		}
		logger.Info("training set", zap.String("images", cfg.TrainImages), zap.Int("samples", train.Len()))

		_, err = trainer.Train(ctx, sess, train, trainer.RunConfig{
			Epochs:          cfg.Epochs,
			BatchSize:       cfg.BatchSize,
			NumWorkers:      cfg.NumWorkers,
			LogEvery:        cfg.LogEvery,
			Seed:            cfg.Seed,
			CheckpointPath:  cfg.CheckpointPath,
			CheckpointEvery: cfg.CheckpointEvery,
		})
		if err != nil {
			return errors.Wrap(err, "training failed")
		}
	}

	if doEval {
		val, err := dataset.Open(cfg.ValImages, cfg.ValMasks,
			trainer.BuildTransform(cfg.ImageHeight, cfg.ImageWidth, 0), policy)
		if err != nil {
			return errors.Wrap(err, "open validation set")
		}
		logger.Info("validation set", zap.String("images", cfg.ValImages), zap.Int("samples", val.Len()))

		report, err := trainer.Evaluate(ctx, sess, val, trainer.EvalConfig{
			BatchSize:     cfg.BatchSize,
			NumWorkers:    cfg.NumWorkers,
			PredictionDir: cfg.PredictionDir,
			ExportBatches: cfg.ExportBatches,
		})
		if err != nil {
			return errors.Wrap(err, "evaluation failed")
		}
		logger.Info("validation result",
			zap.Float64("pixel_accuracy", report.PixelAccuracy),
			zap.Float64("dice", report.Dice),
			zap.Int("batches", report.Batches),
		)
	}
	return nil
}
