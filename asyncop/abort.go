// Package asyncop holds the asynchronous combinators shared by every
// I/O-bound component: bounded exponential backoff, single-flight refresh
// with a trailing run, cancellable futures and per-key locking.
package asyncop

import (
	"context"
	"errors"
	"time"
)

// ErrManuallyStopped is the outcome of any operation whose context was
// cancelled by its owner. It is never recorded as a failure.
var ErrManuallyStopped = errors.New("manually stopped")

// ThrowIfAborted returns ErrManuallyStopped once ctx is done.
func ThrowIfAborted(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ErrManuallyStopped
	}
	return nil
}

// IsAborted reports whether err is an abort rather than a failure.
func IsAborted(err error) bool {
	return errors.Is(err, ErrManuallyStopped) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ThrowIfAborted(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ErrManuallyStopped
	case <-timer.C:
		return nil
	}
}

// IsRetryable is the predicate shared by the sync engines. Aborts are never
// retried. Errors anywhere in the chain may opt out by implementing
// Retryable() bool.
func IsRetryable(err error) bool {
	if err == nil || IsAborted(err) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
