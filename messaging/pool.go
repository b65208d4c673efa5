package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by futures submitted after the pool was closed.
var ErrPoolClosed = errors.New("worker pool closed")

// DefaultPoolSize bounds concurrent background I/O when no size is configured.
const DefaultPoolSize = 4

// Pool runs background I/O with bounded concurrency. Closing the pool cancels the context
// every task receives.
type Pool struct {
	sem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Stop rejects new tasks and cancels running ones without waiting for them. It is safe to
// call from inside a task.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
}

// Close stops the pool and waits for running tasks to return.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.Stop()
		p.wg.Wait()
	})
}

// Future is the pending result of a pool task.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(value T, err error) {
	f.value, f.err = value, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finishes or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit schedules fn on p and returns immediately.
func Submit[T any](p *Pool, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		var zero T
		f.complete(zero, ErrPoolClosed)
		return f
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		var zero T
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			f.complete(zero, fmt.Errorf("%w: %w", ErrPoolClosed, err))
			return
		}
		defer p.sem.Release(1)

		value, err := fn(p.ctx)
		f.complete(value, err)
	}()
	return f
}

// completed returns a future that already holds value and err.
func completed[T any](value T, err error) *Future[T] {
	f := newFuture[T]()
	f.complete(value, err)
	return f
}
