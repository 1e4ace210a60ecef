// Package forkjoin runs a bounded batch of indexed work across a fixed
// number of goroutines and waits for all of them before returning.
//
// Two scheduling policies are available. Static gives worker i the
// contiguous range [count*i/T, count*(i+1)/T), which suits uniform per-index
// cost. Dynamic has every worker claim the next unprocessed index from a
// shared cursor, which suits variable cost. Under both policies every index
// in [0, count) is visited exactly once for any worker count, including one
// worker and more workers than indices.
package forkjoin

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Policy selects how indices are distributed across workers.
type Policy int

const (
	// Static partitions the index range into one contiguous slice per worker.
	Static Policy = iota
	// Dynamic hands out indices one at a time from a shared cursor.
	Dynamic
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case Static:
		return "static"
	case Dynamic:
		return "dynamic"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

var (
	// ErrInvalidWorkers indicates a worker count below one.
	ErrInvalidWorkers = errors.New("forkjoin: worker count must be positive")

	// ErrInvalidCount indicates a negative index count.
	ErrInvalidCount = errors.New("forkjoin: count must not be negative")

	// ErrUnknownPolicy indicates a Policy value outside Static and Dynamic.
	ErrUnknownPolicy = errors.New("forkjoin: unknown policy")
)

// Run calls fn(index, worker) for every index in [0, count) using exactly
// workers goroutines, and returns once all of them have finished.
func Run(workers int, policy Policy, count int, fn func(index, worker int)) error {
	return RunContext(context.Background(), workers, policy, count,
		func(_ context.Context, index, worker int) error {
			fn(index, worker)
			return nil
		})
}

// RunContext is like Run but fn may fail. The first error cancels the
// context passed to the remaining calls and stops workers from claiming
// further indices; it is returned after every worker has exited.
func RunContext(ctx context.Context, workers int, policy Policy, count int, fn func(ctx context.Context, index, worker int) error) error {
	if workers < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, workers)
	}
	if count < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}

	var body func(ctx context.Context, worker int) error
	switch policy {
	case Static:
		body = staticWorker(workers, count, fn)
	case Dynamic:
		body = dynamicWorker(count, fn)
	default:
		return fmt.Errorf("%w: %v", ErrUnknownPolicy, policy)
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			return body(gctx, w)
		})
	}
	return g.Wait()
}

// Partition returns the half-open index range static scheduling assigns to
// worker of workers for count indices.
func Partition(count, workers, worker int) (start, end int) {
	start = int(int64(count) * int64(worker) / int64(workers))
	end = int(int64(count) * int64(worker+1) / int64(workers))
	return start, end
}

func staticWorker(workers, count int, fn func(context.Context, int, int) error) func(context.Context, int) error {
	return func(ctx context.Context, worker int) error {
		start, end := Partition(count, workers, worker)
		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, i, worker); err != nil {
				return err
			}
		}
		return nil
	}
}

func dynamicWorker(count int, fn func(context.Context, int, int) error) func(context.Context, int) error {
	var cursor atomic.Int64
	return func(ctx context.Context, worker int) error {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			i := int(cursor.Add(1) - 1)
			if i >= count {
				return nil
			}
			if err := fn(ctx, i, worker); err != nil {
				return err
			}
		}
	}
}
