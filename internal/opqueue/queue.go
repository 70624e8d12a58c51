// Package opqueue serialises lease-mutating operations: one in flight at a
// time, started in submission order.
package opqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"docdraft/internal/metrics"

	"golang.org/x/sync/semaphore"
)

// ErrPanicked wraps a panic recovered from a queued operation.
var ErrPanicked = errors.New("queued operation panicked")

// Queue is a FIFO lane of width one. semaphore.Weighted grants waiters in
// arrival order, which gives the queue its ordering.
type Queue struct {
	sem     *semaphore.Weighted
	pending atomic.Int64
}

func New() *Queue {
	return &Queue{sem: semaphore.NewWeighted(1)}
}

// Do runs op once it reaches the head of the queue and returns its result.
// If ctx ends while op is still waiting, op is never run and ctx's error is
// returned. A panic in op is returned to this caller only.
func (q *Queue) Do(ctx context.Context, op func(ctx context.Context) error) error {
	q.pending.Add(1)
	defer q.pending.Add(-1)

	queued := time.Now()
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer q.sem.Release(1)
	metrics.OpQueueWait.Observe(time.Since(queued).Seconds())

	return runGuarded(ctx, op)
}

// Run is Do for operations that produce a value.
func Run[T any](ctx context.Context, q *Queue, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := q.Do(ctx, func(ctx context.Context) error {
		value, err := op(ctx)
		result = value
		return err
	})
	return result, err
}

// Pending reports whether any operation is queued or running.
func (q *Queue) Pending() bool {
	return q.pending.Load() > 0
}

func runGuarded(ctx context.Context, op func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanicked, r, debug.Stack())
		}
	}()
	return op(ctx)
}
