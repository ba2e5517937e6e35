package data

import (
	"context"
	"fmt"
	"iter"

	"golang.org/x/sync/errgroup"
)

// Loader streams collated batches of a dataset in sampler order.
type Loader struct {
	dataset  *Dataset
	sampler  Sampler
	collator *Collator
	prefetch int
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPrefetch collates up to n batches ahead of the consumer on a background
// goroutine. Batches are still delivered in sampler order.
func WithPrefetch(n int) LoaderOption {
	return func(l *Loader) { l.prefetch = n }
}

func NewLoader(ds *Dataset, sampler Sampler, collator *Collator, opts ...LoaderOption) *Loader {
	l := &Loader{dataset: ds, sampler: sampler, collator: collator}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Len returns the number of batches in one pass.
func (l *Loader) Len() int {
	return l.sampler.Len()
}

// Batches returns an iterator over one pass of the dataset. Iteration stops
// at the first error, which is yielded with a nil batch.
func (l *Loader) Batches(ctx context.Context) iter.Seq2[Batch, error] {
	plan := l.sampler.Plan()
	if l.prefetch > 0 {
		return l.prefetched(ctx, plan)
	}
	return func(yield func(Batch, error) bool) {
		for _, idx := range plan {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			b, err := l.collate(idx)
			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}

func (l *Loader) prefetched(ctx context.Context, plan [][]int) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		out := make(chan Batch, l.prefetch)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer close(out)
			for _, idx := range plan {
				b, err := l.collate(idx)
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

		for b := range out {
			if !yield(b, nil) {
				cancel()
				for range out {
				}
				_ = g.Wait()
				return
			}
		}
		if err := g.Wait(); err != nil {
			yield(nil, err)
		}
	}
}

func (l *Loader) collate(idx []int) (Batch, error) {
	samples := make([]Sample, len(idx))
	for i, k := range idx {
		if k < 0 || k >= len(l.dataset.Samples) {
			return nil, fmt.Errorf("sample index %d out of range", k)
		}
		samples[i] = l.dataset.Samples[k]
	}
	return l.collator.Collate(samples)
}
