// Package loader turns a dataset split into an ordered stream of collated
// batches. Samples are fetched by a bounded worker pool and one batch is
// prefetched ahead of the consumer; consumption order is always the epoch's
// sample order.
package loader

import (
	"context"
	"fmt"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-vqa/internal/batch"
	"github.com/23skdu/longbow-vqa/internal/dataset"
)

// Config controls batching and prefetch.
type Config struct {
	BatchSize int
	Workers   int
	Prefetch  int
	Seed      uint64
}

// Loader iterates a dataset. Dataset.Sample must be safe for concurrent use.
type Loader struct {
	ds      dataset.Dataset
	batcher *batch.Batcher
	cfg     Config
}

func New(ds dataset.Dataset, batcher *batch.Batcher, cfg Config) (*Loader, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size: %d (must be positive)", cfg.BatchSize)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Loader{ds: ds, batcher: batcher, cfg: cfg}, nil
}

// Order is the sample order for split in epoch: a permutation derived from
// (seed, epoch) for training, identity for validation.
func (l *Loader) Order(split dataset.Split, epoch, n int) []int {
	if split == dataset.Train {
		r := rand.New(rand.NewPCG(l.cfg.Seed, uint64(epoch)))
		return r.Perm(n)
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// NumBatches is the batch count for n samples, including a final short batch.
func (l *Loader) NumBatches(n int) int {
	return (n + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Run switches the dataset to split and calls fn for every batch of the
// epoch, in order. The first error from loading, collating or fn stops the
// iteration and is returned.
func (l *Loader) Run(ctx context.Context, split dataset.Split, epoch int, fn func(i, total int, b *batch.Batch) error) error {
	if err := l.ds.SetMode(split); err != nil {
		return err
	}
	n := l.ds.Len()
	order := l.Order(split, epoch, n)
	total := l.NumBatches(n)

	g, gctx := errgroup.WithContext(ctx)
	out := make(chan *batch.Batch, l.cfg.Prefetch)

	g.Go(func() error {
		defer close(out)
		for start := 0; start < n; start += l.cfg.BatchSize {
			end := min(start+l.cfg.BatchSize, n)
			b, err := l.load(gctx, order[start:end])
			if err != nil {
				return err
			}
			select {
			case out <- b:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		i := 0
		for b := range out {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fn(i, total, b); err != nil {
				return err
			}
			i++
		}
		return nil
	})

	return g.Wait()
}

func (l *Loader) load(ctx context.Context, idxs []int) (*batch.Batch, error) {
	samples := make([]batch.Sample, len(idxs))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Workers)
	for i, idx := range idxs {
		g.Go(func() error {
			s, err := l.ds.Sample(idx)
			if err != nil {
				return fmt.Errorf("failed to load sample %d: %w", idx, err)
			}
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return l.batcher.Collate(samples)
}
