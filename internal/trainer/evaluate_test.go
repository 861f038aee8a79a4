package trainer

import (
	"context"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"clothseg/internal/checkpoint"
	"clothseg/internal/dataset"
)

// saturate turns the network into a constant "foreground everywhere" predictor.
func saturate(t *testing.T, sess *Session) {
	t.Helper()
	state := sess.Net.StateDict()
	for i := range state["final_conv.weight"] {
		state["final_conv.weight"][i] = 0
	}
	state["final_conv.bias"][0] = 10
	assert.NilError(t, sess.Net.LoadStateDict(state))
}

func TestEvaluatePerfectPrediction(t *testing.T) {
	ds := fixture(t, 3, allOnes)
	sess := tinySession(t, "", false, false)
	saturate(t, sess)

	report, err := Evaluate(context.Background(), sess, ds, EvalConfig{BatchSize: 2, NumWorkers: 2})
	assert.NilError(t, err)
	assert.Equal(t, report.PixelAccuracy, 100.0)
	assert.Assert(t, report.Dice > 0.999999, "dice %f", report.Dice)
	assert.Equal(t, report.Batches, 2)
	assert.Equal(t, report.Pixels, 3*side*side)
}

func TestEvaluateExportsPredictions(t *testing.T) {
	ds := fixture(t, 3, bands)
	sess := tinySession(t, "", false, false)
	saturate(t, sess)
	out := filepath.Join(t.TempDir(), "saved")

	_, err := Evaluate(context.Background(), sess, ds, EvalConfig{
		BatchSize:     2,
		NumWorkers:    1,
		PredictionDir: out,
		ExportBatches: 1,
	})
	assert.NilError(t, err)

	for _, name := range []string{"pred_0_0.png", "pred_0_1.png", "gt_0_0.png", "gt_0_1.png"} {
		_, err := os.Stat(filepath.Join(out, name))
		assert.NilError(t, err, name)
	}
	_, err = os.Stat(filepath.Join(out, "pred_1_0.png"))
	assert.Assert(t, os.IsNotExist(err), "only the first batch is exported")

	f, err := os.Open(filepath.Join(out, "gt_0_0.png"))
	assert.NilError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	assert.NilError(t, err)
	assert.Equal(t, img.Bounds().Dx(), side)
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			want := uint32(0)
			if bands(0, x, y) == 255 {
				want = 0xffff
			}
			assert.Equal(t, r, want, "pixel (%d,%d)", x, y)
		}
	}
}

func TestEvaluateIsRepeatableAfterReload(t *testing.T) {
	ds := fixture(t, 4, bands)
	ckpt := filepath.Join(t.TempDir(), "unet.ckpt")
	sess := tinySession(t, ckpt, false, false)
	_, err := Train(context.Background(), sess, ds, runConfig(ckpt, 2))
	assert.NilError(t, err)

	cfg := EvalConfig{BatchSize: 3, NumWorkers: 2}
	before, err := Evaluate(context.Background(), sess, ds, cfg)
	assert.NilError(t, err)
	again, err := Evaluate(context.Background(), sess, ds, cfg)
	assert.NilError(t, err)
	assert.DeepEqual(t, again, before)

	assert.NilError(t, sess.Save(ckpt))
	reloaded := tinySession(t, ckpt, true, false)
	after, err := Evaluate(context.Background(), reloaded, ds, cfg)
	assert.NilError(t, err)
	assert.DeepEqual(t, after, before)
}

func TestEvaluateLeavesParametersUntouched(t *testing.T) {
	ds := fixture(t, 2, bands)
	sess := tinySession(t, "", false, false)
	state := sess.Net.StateDict()

	_, err := Evaluate(context.Background(), sess, ds, EvalConfig{BatchSize: 2, NumWorkers: 1})
	assert.NilError(t, err)
	assert.DeepEqual(t, sess.Net.StateDict(), state)
}

func TestSaveWritesLoadableCheckpoint(t *testing.T) {
	sess := tinySession(t, "", false, false)
	path := filepath.Join(t.TempDir(), "model.ckpt")
	assert.NilError(t, sess.Save(path))
	ckpt, err := checkpoint.Load(path)
	assert.NilError(t, err)
	assert.Equal(t, ckpt.Epoch, 0)
	assert.Equal(t, len(ckpt.Model), len(sess.Net.StateDict()))
}

func TestBuildTransform(t *testing.T) {
	assert.DeepEqual(t, BuildTransform(4, 6, 0), dataset.Resize{Height: 4, Width: 6})
	assert.DeepEqual(t, BuildTransform(4, 6, 0.5),
		dataset.Compose{dataset.Resize{Height: 4, Width: 6}, dataset.HorizontalFlip{P: 0.5}})
}
