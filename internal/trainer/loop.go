package trainer

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"clothseg/internal/dataset"
	"clothseg/internal/history"
	"clothseg/internal/metrics"
	"clothseg/internal/model"
	"clothseg/internal/nn"
)

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	// Epochs is the total epoch count; a resumed session only runs the rest.
	Epochs          int
	BatchSize       int
	NumWorkers      int
	LogEvery        int
	Seed            int64
	CheckpointPath  string
	CheckpointEvery int
}

// Train runs epochs sess.Epoch..cfg.Epochs-1 over ds and returns one record
// per completed epoch.
func Train(ctx context.Context, sess *Session, ds *dataset.Dataset, cfg RunConfig) ([]history.EpochRecord, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.New("trainer: batch size must be > 0")
	}
	if cfg.CheckpointEvery <= 0 {
		return nil, errors.New("trainer: checkpoint interval must be > 0")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 10
	}

	var records []history.EpochRecord
	for epoch := sess.Epoch; epoch < cfg.Epochs; epoch++ {
		start := time.Now()
		avgLoss, err := trainEpoch(ctx, sess, ds, cfg, epoch)
		if err != nil {
			return records, errors.Wrapf(err, "epoch %d", epoch)
		}
		sess.Sched.Step()
		sess.Epoch = epoch + 1

		rec := history.EpochRecord{Epoch: epoch, AvgLoss: avgLoss, LR: sess.Sched.LR(), Duration: time.Since(start)}
		records = append(records, rec)
		sess.Logger.Info("epoch done",
			zap.Int("epoch", epoch),
			zap.Float64("avg_loss", avgLoss),
			zap.Float64("lr", rec.LR),
			zap.Duration("took", rec.Duration),
		)
		if sess.History != nil {
			if err := sess.History.RecordEpoch(ctx, rec); err != nil {
				return records, err
			}
		}
		if epoch%cfg.CheckpointEvery == 0 {
			if err := sess.Save(cfg.CheckpointPath); err != nil {
				return records, err
			}
		}
	}
	return records, nil
}

func trainEpoch(parent context.Context, sess *Session, ds *dataset.Dataset, cfg RunConfig, epoch int) (float64, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	batches, loaderErr, err := dataset.StartLoader(ctx, dataset.LoaderOptions{
		Dataset:    ds,
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.NumWorkers,
		Shuffle:    true,
		Seed:       cfg.Seed + int64(epoch),
	})
	if err != nil {
		return 0, err
	}

	var window metrics.Window
	var total float64
	steps := 0
	for {
		startData := time.Now()
		batch, ok, err := nextBatch(ctx, batches, loaderErr)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		loss, err := trainStep(sess, batch)
		if err != nil {
			return 0, errors.Wrapf(err, "batch %d", steps)
		}
		computeTime := time.Since(startCompute)

		window.Record(batch.Len(), dataTime, computeTime, loss)
		total += loss
		steps++

		if steps%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			sess.Logger.Info("train progress",
				zap.Int("epoch", epoch),
				zap.Int("batch", steps),
				zap.Float64("images_per_sec", snap.ImagesPerSec),
				zap.Float64("data_ms", snap.AvgDataMS),
				zap.Float64("compute_ms", snap.AvgComputeMS),
				zap.Float64("loss", snap.AvgLoss),
			)
		}
	}
	if steps == 0 {
		return 0, errors.New("trainer: epoch produced no batches")
	}
	return total / float64(steps), nil
}

func trainStep(sess *Session, batch model.Batch) (float64, error) {
	logits, err := sess.Net.Forward(batch.Images, true)
	if err != nil {
		return 0, err
	}
	loss, grad, err := nn.BCEWithLogits(logits, batch.Masks)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, errors.Errorf("trainer: non-finite loss %v", loss)
	}
	sess.Opt.ZeroGrad()
	if _, err := sess.Net.Backward(grad); err != nil {
		return 0, err
	}
	sess.Opt.Step()
	return loss, nil
}

// nextBatch returns the next batch, or ok=false once the loader is drained.
func nextBatch(ctx context.Context, batches <-chan model.Batch, errs <-chan error) (model.Batch, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Batch{}, false, err
	}
	select {
	case <-ctx.Done():
		return model.Batch{}, false, ctx.Err()
	case batch, ok := <-batches:
		if ok {
			return batch, true, nil
		}
		if err := <-errs; err != nil {
			return model.Batch{}, false, err
		}
		if err := ctx.Err(); err != nil {
			return model.Batch{}, false, err
		}
		return model.Batch{}, false, nil
	}
}
