package trainer

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"clothseg/internal/dataset"
	"clothseg/internal/history"
	"clothseg/internal/metrics"
	"clothseg/internal/nn"
	"clothseg/internal/tensor"
)

// EvalConfig captures the knobs required by the evaluation loop.
type EvalConfig struct {
	BatchSize  int
	NumWorkers int
	// PredictionDir receives pred_<batch>_<index>.png and gt_<batch>_<index>.png
	// for the first ExportBatches batches.
	PredictionDir string
	ExportBatches int
}

// EvalReport summarises one evaluation pass.
type EvalReport struct {
	PixelAccuracy float64 // percent
	Dice          float64
	Batches       int
	Pixels        int
}

// Evaluate scores the network on ds in inference mode. Parameters and
// normalisation statistics are left untouched.
func Evaluate(parent context.Context, sess *Session, ds *dataset.Dataset, cfg EvalConfig) (EvalReport, error) {
	if cfg.BatchSize <= 0 {
		return EvalReport{}, errors.New("trainer: batch size must be > 0")
	}
	if cfg.ExportBatches > 0 {
		if err := os.MkdirAll(cfg.PredictionDir, 0o755); err != nil {
			return EvalReport{}, errors.Wrap(err, "create prediction directory")
		}
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	batches, loaderErr, err := dataset.StartLoader(ctx, dataset.LoaderOptions{
		Dataset:    ds,
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.NumWorkers,
	})
	if err != nil {
		return EvalReport{}, err
	}

	start := time.Now()
	var acc metrics.Segmentation
	for idx := 0; ; idx++ {
		batch, ok, err := nextBatch(ctx, batches, loaderErr)
		if err != nil {
			return EvalReport{}, err
		}
		if !ok {
			break
		}
		logits, err := sess.Net.Forward(batch.Images, false)
		if err != nil {
			return EvalReport{}, errors.Wrapf(err, "eval batch %d", idx)
		}
		pred := metrics.Threshold(nn.Sigmoid(logits))
		if err := acc.Add(pred, batch.Masks); err != nil {
			return EvalReport{}, errors.Wrapf(err, "eval batch %d", idx)
		}
		if idx < cfg.ExportBatches {
			if err := exportBatch(cfg.PredictionDir, idx, pred, batch.Masks); err != nil {
				return EvalReport{}, err
			}
		}
	}

	res, err := acc.Result()
	if err != nil {
		return EvalReport{}, err
	}
	report := EvalReport{
		PixelAccuracy: res.PixelAccuracy,
		Dice:          res.Dice,
		Batches:       res.Batches,
		Pixels:        res.Pixels,
	}
	sess.Logger.Info("evaluation done",
		zap.Int("epoch", sess.Epoch),
		zap.String("accuracy", fmt.Sprintf("%d/%d", res.Correct, res.Pixels)),
		zap.Float64("pixel_accuracy", report.PixelAccuracy),
		zap.Float64("dice", report.Dice),
		zap.Duration("took", time.Since(start)),
	)
	if sess.History != nil {
		err := sess.History.RecordEval(ctx, history.EvalRecord{
			Epoch:         sess.Epoch,
			PixelAccuracy: report.PixelAccuracy,
			Dice:          report.Dice,
			Batches:       report.Batches,
		})
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func exportBatch(dir string, batch int, pred, target *tensor.Tensor) error {
	for i := 0; i < pred.Shape.N; i++ {
		if err := writeMask(filepath.Join(dir, fmt.Sprintf("pred_%d_%d.png", batch, i)), pred, i); err != nil {
			return err
		}
		if err := writeMask(filepath.Join(dir, fmt.Sprintf("gt_%d_%d.png", batch, i)), target, i); err != nil {
			return err
		}
	}
	return nil
}

// writeMask stores channel 0 of sample n as an 8-bit grayscale PNG, mapping
// [0, 1] onto [0, 255] and clamping anything outside.
func writeMask(path string, t *tensor.Tensor, n int) (err error) {
	plane := t.Channel(n, 0)
	img := image.NewGray(image.Rect(0, 0, t.Shape.W, t.Shape.H))
	for i, v := range plane {
		switch {
		case v <= 0:
		case v >= 1:
			img.Pix[i] = 255
		default:
			img.Pix[i] = uint8(v*255 + 0.5)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create prediction image")
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "close %s", path)
		}
	}()
	if err := png.Encode(f, img); err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	return nil
}
