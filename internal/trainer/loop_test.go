package trainer

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"gotest.tools/v3/assert"

	"clothseg/internal/checkpoint"
	"clothseg/internal/dataset"
	"clothseg/internal/history"
	"clothseg/internal/model"
)

const side = 8

func mustPNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

// fixture writes n pairs whose foreground is a vertical band starting at a
// per-sample column; the image's red channel carries the mask.
func fixture(t *testing.T, n int, maskAt func(i, x, y int) uint8) *dataset.Dataset {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, side, side))
		mask := image.NewGray(image.Rect(0, 0, side, side))
		for y := 0; y < side; y++ {
			for x := 0; x < side; x++ {
				v := maskAt(i, x, y)
				img.SetRGBA(x, y, color.RGBA{R: v, G: 40, B: 90, A: 255})
				mask.SetGray(x, y, color.Gray{Y: v})
			}
		}
		name := fmt.Sprintf("%03d.png", i)
		mustPNG(t, filepath.Join(dir, "images", name), img)
		mustPNG(t, filepath.Join(dir, "masks", name), mask)
	}
	ds, err := dataset.Open(filepath.Join(dir, "images"), filepath.Join(dir, "masks"),
		BuildTransform(side, side, 0), dataset.MaskExact)
	assert.NilError(t, err)
	return ds
}

func bands(i, x, y int) uint8 {
	if x >= i%side && x < i%side+side/2 {
		return 255
	}
	return 0
}

func allOnes(int, int, int) uint8 { return 255 }

func tinySession(t *testing.T, ckptPath string, resume, reset bool) *Session {
	t.Helper()
	sess, err := NewSession(SessionConfig{
		Model:                 model.Config{InChannels: 3, OutChannels: 1, Features: []int{2, 4}, Seed: 3},
		LearningRate:          0.01,
		ScheduleStep:          2,
		ScheduleGamma:         0.5,
		CheckpointPath:        ckptPath,
		Resume:                resume,
		ResetScheduleOnResume: reset,
	}, zap.NewNop())
	assert.NilError(t, err)
	return sess
}

func runConfig(ckptPath string, epochs int) RunConfig {
	return RunConfig{
		Epochs:          epochs,
		BatchSize:       4,
		NumWorkers:      2,
		LogEvery:        1,
		Seed:            5,
		CheckpointPath:  ckptPath,
		CheckpointEvery: 1,
	}
}

func TestTrainLossDecreases(t *testing.T) {
	ds := fixture(t, 4, bands)
	ckpt := filepath.Join(t.TempDir(), "unet.ckpt")
	sess := tinySession(t, ckpt, false, false)

	records, err := Train(context.Background(), sess, ds, runConfig(ckpt, 12))
	assert.NilError(t, err)
	assert.Equal(t, len(records), 12)
	assert.Equal(t, sess.Epoch, 12)
	first, last := records[0].AvgLoss, records[len(records)-1].AvgLoss
	assert.Assert(t, last < first, "loss went from %f to %f", first, last)
}

func TestTrainStepsScheduleAndCheckpoints(t *testing.T) {
	ds := fixture(t, 5, bands)
	ckpt := filepath.Join(t.TempDir(), "sub", "unet.ckpt")
	sess := tinySession(t, ckpt, false, false)

	cfg := runConfig(ckpt, 4)
	cfg.BatchSize = 2
	cfg.CheckpointEvery = 3
	records, err := Train(context.Background(), sess, ds, cfg)
	assert.NilError(t, err)

	// 5 samples in batches of 2: three updates per epoch
	assert.Equal(t, sess.Opt.Steps(), 12)
	assert.Equal(t, records[0].LR, 0.01)
	assert.Equal(t, records[1].LR, 0.005)
	assert.Equal(t, records[3].LR, 0.0025)

	// saved after epochs 0 and 3
	saved, err := checkpoint.Load(ckpt)
	assert.NilError(t, err)
	assert.Equal(t, saved.Epoch, 4)
	assert.Equal(t, saved.Scheduler.LastEpoch, 4)
	assert.Equal(t, saved.Optimizer.Step, 12)
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	ds := fixture(t, 4, bands)
	ckpt := filepath.Join(t.TempDir(), "unet.ckpt")
	sess := tinySession(t, ckpt, false, false)
	_, err := Train(context.Background(), sess, ds, runConfig(ckpt, 3))
	assert.NilError(t, err)

	resumed := tinySession(t, ckpt, true, false)
	assert.Equal(t, resumed.Epoch, 3)
	assert.Equal(t, resumed.Sched.Epoch(), 3)
	assert.Equal(t, resumed.Sched.LR(), 0.005)
	assert.Equal(t, resumed.Opt.Steps(), 3)
	assert.DeepEqual(t, resumed.Net.StateDict(), sess.Net.StateDict())

	records, err := Train(context.Background(), resumed, ds, runConfig(ckpt, 4))
	assert.NilError(t, err)
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].Epoch, 3)
	assert.Equal(t, resumed.Epoch, 4)
}

func TestResumeWithScheduleReset(t *testing.T) {
	ds := fixture(t, 4, bands)
	ckpt := filepath.Join(t.TempDir(), "unet.ckpt")
	sess := tinySession(t, ckpt, false, false)
	_, err := Train(context.Background(), sess, ds, runConfig(ckpt, 3))
	assert.NilError(t, err)

	resumed := tinySession(t, ckpt, true, true)
	assert.Equal(t, resumed.Epoch, 0)
	assert.Equal(t, resumed.Sched.LR(), 0.01)
	assert.Equal(t, resumed.Opt.Steps(), 0)
	assert.DeepEqual(t, resumed.Net.StateDict(), sess.Net.StateDict())
}

func TestResumeMissingCheckpoint(t *testing.T) {
	_, err := NewSession(SessionConfig{
		Model:          model.Config{Features: []int{2}},
		LearningRate:   0.01,
		CheckpointPath: filepath.Join(t.TempDir(), "absent.ckpt"),
		Resume:         true,
	}, nil)
	assert.ErrorContains(t, err, "no checkpoint to resume from")
}

func TestTrainHonoursCancellation(t *testing.T) {
	ds := fixture(t, 4, bands)
	ckpt := filepath.Join(t.TempDir(), "unet.ckpt")
	sess := tinySession(t, ckpt, false, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Train(ctx, sess, ds, runConfig(ckpt, 2))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, sess.Epoch, 0)
	assert.Assert(t, !checkpoint.Exists(ckpt))
}

func TestTrainRecordsHistory(t *testing.T) {
	ds := fixture(t, 4, bands)
	dir := t.TempDir()
	ckpt := filepath.Join(dir, "unet.ckpt")
	sess := tinySession(t, ckpt, false, false)

	store, err := history.Open(context.Background(), filepath.Join(dir, "runs.db"), "run-1")
	assert.NilError(t, err)
	defer store.Close()
	sess.History = store

	_, err = Train(context.Background(), sess, ds, runConfig(ckpt, 2))
	assert.NilError(t, err)
	_, err = Evaluate(context.Background(), sess, ds, EvalConfig{BatchSize: 4, NumWorkers: 1})
	assert.NilError(t, err)

	epochs, err := store.Epochs(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, len(epochs), 2)
	assert.Equal(t, epochs[1].Epoch, 1)
	evals, err := store.Evals(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, len(evals), 1)
	assert.Equal(t, evals[0].Epoch, 2)
}
