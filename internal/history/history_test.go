package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(ctx, path, "run-a")
	assert.NilError(t, err)
	defer s.Close()
	assert.Equal(t, s.RunID(), "run-a")

	assert.NilError(t, s.RecordEpoch(ctx, EpochRecord{Epoch: 1, AvgLoss: 0.4, LR: 1e-4, Duration: 1500 * time.Millisecond}))
	assert.NilError(t, s.RecordEpoch(ctx, EpochRecord{Epoch: 0, AvgLoss: 0.7, LR: 1e-4, Duration: time.Second}))
	assert.NilError(t, s.RecordEval(ctx, EvalRecord{Epoch: 2, PixelAccuracy: 91.5, Dice: 0.8, Batches: 3}))

	epochs, err := s.Epochs(ctx)
	assert.NilError(t, err)
	assert.DeepEqual(t, epochs, []EpochRecord{
		{Epoch: 0, AvgLoss: 0.7, LR: 1e-4, Duration: time.Second},
		{Epoch: 1, AvgLoss: 0.4, LR: 1e-4, Duration: 1500 * time.Millisecond},
	})
	evals, err := s.Evals(ctx)
	assert.NilError(t, err)
	assert.DeepEqual(t, evals, []EvalRecord{{Epoch: 2, PixelAccuracy: 91.5, Dice: 0.8, Batches: 3}})
}

func TestStoreSeparatesRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")
	a, err := Open(ctx, path, "a")
	assert.NilError(t, err)
	assert.NilError(t, a.RecordEpoch(ctx, EpochRecord{Epoch: 0, AvgLoss: 1}))
	assert.NilError(t, a.Close())

	b, err := Open(ctx, path, "b")
	assert.NilError(t, err)
	defer b.Close()
	epochs, err := b.Epochs(ctx)
	assert.NilError(t, err)
	assert.Equal(t, len(epochs), 0)
}
