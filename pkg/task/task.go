// Package task runs long operations in the background and hands the caller a
// handle that exposes progress, cancellation and the final result.
package task

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
)

// Func is the body of a task. It must report progress through report, check
// ctx periodically and remove any partial output before returning an error.
type Func[T any] func(ctx context.Context, report func(float64)) (T, error)

// Task is a cancellable future.
type Task[T any] struct {
	cancel   context.CancelFunc
	done     chan struct{}
	progress chan float64
	value    atomic.Uint64

	mu     sync.Mutex
	closed bool
	result T
	err    error
}

// Start launches fn on its own goroutine under a child of ctx.
func Start[T any](ctx context.Context, fn Func[T]) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{
		cancel:   cancel,
		done:     make(chan struct{}),
		progress: make(chan float64, 1),
	}

	go func() {
		defer cancel()
		result, err := fn(ctx, t.report)
		if err == nil {
			t.report(1)
		}
		t.result, t.err = result, err
		close(t.done)
		t.closeUpdates()
	}()

	return t
}

// Done returns a task that already finished with the given outcome.
func Done[T any](result T, err error) *Task[T] {
	t := &Task[T]{
		cancel:   func() {},
		done:     make(chan struct{}),
		progress: make(chan float64),
		result:   result,
		err:      err,
	}
	if err == nil {
		t.value.Store(math.Float64bits(1))
	}
	close(t.done)
	t.closeUpdates()
	return t
}

func (t *Task[T]) closeUpdates() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	close(t.progress)
}

func (t *Task[T]) report(p float64) {
	p = math.Max(0, math.Min(1, p))

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || p < t.Progress() {
		return
	}
	t.value.Store(math.Float64bits(p))

	// Keep only the latest value so a slow reader never blocks the producer.
	select {
	case <-t.progress:
	default:
	}
	select {
	case t.progress <- p:
	default:
	}
}

// Progress returns the latest fraction in [0, 1].
func (t *Task[T]) Progress() float64 {
	return math.Float64frombits(t.value.Load())
}

// Updates delivers progress fractions and is closed when the task ends.
// Intermediate values may be skipped.
func (t *Task[T]) Updates() <-chan float64 {
	return t.progress
}

// Cancel asks the task to stop. It does not wait.
func (t *Task[T]) Cancel() {
	t.cancel()
}

func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task ends or ctx is done.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Finished reports whether the task has ended.
func (t *Task[T]) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
