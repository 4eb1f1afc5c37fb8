package mofka

import (
	"context"
	"sync"

	"github.com/mochi-hpc/mofka-go/errext"
)

type futureState[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	value    T
	err      error
	settled  bool
	onWait   func()
	waitOnce sync.Once
}

// Future is the read side of a one-shot asynchronous result.
type Future[T any] struct {
	st *futureState[T]
}

// Promise is the write side. Promises must always be completed, even when
// the matching future was dropped, so no sender task is left orphaned.
type Promise[T any] struct {
	st *futureState[T]
}

// NewFuture creates a connected future/promise pair.
func NewFuture[T any]() (Future[T], Promise[T]) {
	st := &futureState[T]{done: make(chan struct{})}
	return Future[T]{st: st}, Promise[T]{st: st}
}

// CompletedFuture returns a future already carrying a value.
func CompletedFuture[T any](value T) Future[T] {
	f, p := NewFuture[T]()
	p.SetValue(value)
	return f
}

// FailedFuture returns a future already carrying an error.
func FailedFuture[T any](err error) Future[T] {
	f, p := NewFuture[T]()
	p.SetError(err)
	return f
}

// Wait blocks until the result is available and returns it.
func (f Future[T]) Wait() (T, error) {
	if f.st == nil {
		var zero T
		return zero, errext.Errorf(errext.Cancelled, "waiting on an invalid future")
	}
	if f.st.onWait != nil {
		f.st.waitOnce.Do(f.st.onWait)
	}
	<-f.st.done
	return f.st.value, f.st.err
}

// WaitContext is Wait bounded by a context.
func (f Future[T]) WaitContext(ctx context.Context) (T, error) {
	if f.st == nil {
		var zero T
		return zero, errext.Errorf(errext.Cancelled, "waiting on an invalid future")
	}
	if f.st.onWait != nil {
		f.st.waitOnce.Do(f.st.onWait)
	}
	select {
	case <-f.st.done:
		return f.st.value, f.st.err
	case <-ctx.Done():
		var zero T
		return zero, errext.WithKind(ctx.Err(), errext.Cancelled)
	}
}

// Completed reports whether the result is available. It never blocks.
func (f Future[T]) Completed() bool {
	if f.st == nil {
		return false
	}
	select {
	case <-f.st.done:
		return true
	default:
		return false
	}
}

// setOnWait installs a hook run once before the first Wait blocks.
func (f Future[T]) setOnWait(hook func()) {
	f.st.onWait = hook
}

// SetValue completes the future. Later completions are ignored.
func (p Promise[T]) SetValue(value T) {
	p.st.mu.Lock()
	defer p.st.mu.Unlock()
	if p.st.settled {
		return
	}
	p.st.value = value
	p.st.settled = true
	close(p.st.done)
}

// SetError fails the future. Later completions are ignored.
func (p Promise[T]) SetError(err error) {
	p.st.mu.Lock()
	defer p.st.mu.Unlock()
	if p.st.settled {
		return
	}
	p.st.err = err
	p.st.settled = true
	close(p.st.done)
}
