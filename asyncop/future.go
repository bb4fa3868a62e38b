package asyncop

import (
	"context"
)

// Future is the result of an operation started with Go. Cancel aborts the
// operation's context with ErrManuallyStopped as its cause.
type Future[T any] struct {
	done   chan struct{}
	val    T
	err    error
	cancel context.CancelCauseFunc
}

// Go runs fn in its own goroutine under a child of ctx.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	inner, cancel := context.WithCancelCause(ctx)
	f := &Future[T]{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(f.done)
		defer cancel(nil)
		v, err := fn(inner)
		if err != nil && inner.Err() != nil && IsAborted(err) {
			err = ErrManuallyStopped
		}
		f.val, f.err = v, err
	}()
	return f
}

// Cancel releases the in-flight operation.
func (f *Future[T]) Cancel() {
	f.cancel(ErrManuallyStopped)
}

// Done is closed once the operation has returned.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await waits for the result. If ctx ends first, Await returns
// ErrManuallyStopped and leaves the operation running.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ErrManuallyStopped
	}
}
