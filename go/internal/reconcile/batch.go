package reconcile

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// BatchOptions bounds concurrency for bulk reconciliation
type BatchOptions struct {
	Size  int
	Delay time.Duration
	Clock clockwork.Clock
	// Name is attached to log lines
	Name string
}

// DefaultBatchOptions returns groups of 3 with a short pause between groups
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{
		Size:  3,
		Delay: 100 * time.Millisecond,
		Clock: clockwork.NewRealClock(),
	}
}

// BatchResult is the outcome for one item
type BatchResult[T, R any] struct {
	Index int
	Item  T
	Value R
	Err   error
}

// OK reports whether the item succeeded
func (r BatchResult[T, R]) OK() bool { return r.Err == nil }

// RunBatches runs fn over items in fixed size groups. Items inside a group run
// concurrently; groups run one after another with opts.Delay in between. A
// failing item is recorded in its result and never aborts the others.
//
// When ctx is done no further group is started and ctx.Err() is returned
// together with the results gathered so far. Callers that no longer exist
// should discard those results.
func RunBatches[T, R any](ctx context.Context, items []T, opts BatchOptions, fn func(ctx context.Context, item T) (R, error)) ([]BatchResult[T, R], error) {
	size := opts.Size
	if size <= 0 {
		size = 1
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	results := make([]BatchResult[T, R], 0, len(items))
	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if start > 0 && opts.Delay > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-clock.After(opts.Delay):
			}
		}

		end := start + size
		if end > len(items) {
			end = len(items)
		}

		batch := make([]BatchResult[T, R], end-start)
		var g errgroup.Group
		g.SetLimit(size)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				r := BatchResult[T, R]{Index: i, Item: items[i]}
				r.Value, r.Err = safeCall(ctx, items[i], fn)
				if r.Err != nil {
					log.Warn().
						Err(r.Err).
						Str("batch", opts.Name).
						Int("index", i).
						Msg("batch item failed")
				}
				batch[i-start] = r
				return nil
			})
		}
		_ = g.Wait()
		results = append(results, batch...)
	}

	return results, nil
}

func safeCall[T, R any](ctx context.Context, item T, fn func(context.Context, T) (R, error)) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn(ctx, item)
}
