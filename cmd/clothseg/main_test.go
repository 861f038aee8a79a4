package main

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"gotest.tools/v3/assert"

	"clothseg/internal/config"
)

func TestParseFlagsZeroOverrides(t *testing.T) {
	args, err := parseFlags([]string{"-epochs", "0", "-seed", "0", "-mode", "eval"})
	assert.NilError(t, err)
	assert.Equal(t, args.mode, modeEval)
	assert.Assert(t, args.overrides.Epochs != nil)
	assert.Assert(t, args.overrides.Seed != nil)

	cfg, err := config.Load("")
	assert.NilError(t, err)
	cfg.ApplyOverrides(args.overrides)
	assert.Equal(t, cfg.Epochs, 0)
	assert.Equal(t, cfg.Seed, int64(0))
}

func TestParseFlagsUnsetLeavesConfig(t *testing.T) {
	args, err := parseFlags([]string{"-batch-size", "4"})
	assert.NilError(t, err)
	assert.Equal(t, args.configPath, "configs/clothseg.yaml")
	assert.Assert(t, args.overrides.Epochs == nil)
	assert.Assert(t, args.overrides.Seed == nil)
	assert.Assert(t, args.overrides.LoadCheckpoint == nil)

	cfg, err := config.Load("")
	assert.NilError(t, err)
	cfg.ApplyOverrides(args.overrides)
	assert.Equal(t, cfg.Epochs, 30)
	assert.Equal(t, cfg.Seed, int64(42))
	assert.Equal(t, cfg.BatchSize, 4)
}

func TestParseFlagsRejectsUnknown(t *testing.T) {
	_, err := parseFlags([]string{"-no-such-flag"})
	assert.Assert(t, err != nil)
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg, err := config.Load("")
	assert.NilError(t, err)
	err = run(context.Background(), cfg, "predict", zap.NewNop())
	assert.ErrorContains(t, err, "unknown mode")
}
