package dataset

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"clothseg/internal/model"
	"clothseg/internal/tensor"
)

// LoaderOptions configures one pass over a dataset.
type LoaderOptions struct {
	Dataset    *Dataset
	BatchSize  int
	NumWorkers int
	Shuffle    bool
	Seed       int64
}

// StartLoader launches a prefetching pass over opts.Dataset. Workers load
// batches concurrently; batches are emitted in traversal order. The batch
// channel closes after the last batch or on the first error, which is sent on
// the error channel.
func StartLoader(parent context.Context, opts LoaderOptions) (<-chan model.Batch, <-chan error, error) {
	if opts.Dataset == nil || opts.Dataset.Len() == 0 {
		return nil, nil, errors.New("loader: empty dataset")
	}
	if opts.BatchSize <= 0 {
		return nil, nil, errors.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan batchJob, opts.NumWorkers)
	results := make(chan batchResult, opts.NumWorkers)
	out := make(chan model.Batch, opts.NumWorkers)
	errCh := make(chan error, 1)

	go produceJobs(ctx, jobs, planBatches(opts))

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, opts.Dataset, jobs, results)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(errCh)
		defer close(out)
		runAggregator(ctx, results, out, errCh)
	}()

	return out, errCh, nil
}

type batchJob struct {
	id      int
	indices []int
	seeds   []int64
}

type batchResult struct {
	id    int
	batch model.Batch
	err   error
}

// planBatches fixes the traversal order and the per-sample transform seeds up
// front so the output does not depend on worker scheduling.
func planBatches(opts LoaderOptions) []batchJob {
	rng := rand.New(rand.NewSource(opts.Seed))
	n := opts.Dataset.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if opts.Shuffle {
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	var jobs []batchJob
	for start := 0; start < n; start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > n {
			end = n
		}
		job := batchJob{id: len(jobs), indices: order[start:end], seeds: make([]int64, end-start)}
		for i := range job.seeds {
			job.seeds[i] = rng.Int63()
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func produceJobs(ctx context.Context, jobs chan<- batchJob, plan []batchJob) {
	defer close(jobs)
	for _, job := range plan {
		select {
		case <-ctx.Done():
			return
		case jobs <- job:
		}
	}
}

func worker(ctx context.Context, ds *Dataset, jobs <-chan batchJob, results chan<- batchResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			batch, err := loadBatch(ds, job)
			select {
			case <-ctx.Done():
				return
			case results <- batchResult{id: job.id, batch: batch, err: err}:
			}
		}
	}
}

func loadBatch(ds *Dataset, job batchJob) (model.Batch, error) {
	images := make([]*tensor.Tensor, 0, len(job.indices))
	masks := make([]*tensor.Tensor, 0, len(job.indices))
	keys := make([]string, 0, len(job.indices))
	for i, idx := range job.indices {
		s, err := ds.Load(idx, rand.New(rand.NewSource(job.seeds[i])))
		if err != nil {
			return model.Batch{}, err
		}
		images = append(images, s.Image)
		masks = append(masks, s.Mask)
		keys = append(keys, s.Key)
	}
	return Collate(images, masks, keys)
}

// Collate stacks per-sample tensors into a batch. Every sample must have the
// same spatial size; images must have 3 channels and masks 1.
func Collate(images, masks []*tensor.Tensor, keys []string) (model.Batch, error) {
	if len(images) != len(masks) || len(images) != len(keys) {
		return model.Batch{}, errors.Errorf("collate: %d images, %d masks, %d keys", len(images), len(masks), len(keys))
	}
	if len(images) == 0 {
		return model.Batch{}, errors.New("collate: empty batch")
	}
	first := images[0].Shape
	for i := range images {
		if err := images[i].Expect(tensor.Shape{N: 1, C: 3, H: first.H, W: first.W}, "collate image "+keys[i]); err != nil {
			return model.Batch{}, err
		}
		if err := masks[i].Expect(tensor.Shape{N: 1, C: 1, H: first.H, W: first.W}, "collate mask "+keys[i]); err != nil {
			return model.Batch{}, err
		}
	}
	img, err := tensor.Stack(images)
	if err != nil {
		return model.Batch{}, err
	}
	msk, err := tensor.Stack(masks)
	if err != nil {
		return model.Batch{}, err
	}
	return model.Batch{Images: img, Masks: msk, Keys: keys}, nil
}

func runAggregator(ctx context.Context, results <-chan batchResult, out chan<- model.Batch, errCh chan<- error) {
	pending := make(map[int]batchResult)
	next := 0
	for {
		res, ok := pending[next]
		if !ok {
			select {
			case <-ctx.Done():
				return
			case res, ok = <-results:
				if !ok {
					return
				}
				if res.err != nil {
					errCh <- res.err
					return
				}
				pending[res.id] = res
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case out <- res.batch:
		}
		delete(pending, next)
		next++
	}
}
