package asyncop

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultRetryCount    = 3
	DefaultRetryDelay    = 200 * time.Millisecond
	DefaultRetryMaxDelay = 15 * time.Second
)

// RetryConfig describes an exponential backoff schedule. The n-th retry
// waits min(MaxDelay, Delay*2^(n-1)).
type RetryConfig struct {
	// Count is the number of retries after the first attempt.
	Count    int
	Delay    time.Duration
	MaxDelay time.Duration
	// When reports whether err may be retried. Errors it rejects are
	// returned immediately without consuming an attempt.
	When func(err error) bool
	// OnRetry is called before each wait.
	OnRetry func(err error, delay time.Duration)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Count <= 0 {
		c.Count = DefaultRetryCount
	}
	if c.Delay <= 0 {
		c.Delay = DefaultRetryDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultRetryMaxDelay
	}
	if c.MaxDelay < c.Delay {
		c.MaxDelay = c.Delay
	}
	return c
}

func (c RetryConfig) schedule() *hintedBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.Delay
	eb.MaxInterval = c.MaxDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return &hintedBackOff{BackOff: backoff.WithMaxRetries(eb, uint64(c.Count)), max: c.MaxDelay}
}

// NextDelay returns the wait before retry n, counted from 1, after err. It
// reports false once the retry budget is spent. The schedule is the one
// BackoffRetry follows, for callers that reschedule work themselves.
func (c RetryConfig) NextDelay(n int, err error) (time.Duration, bool) {
	c = c.withDefaults()
	if n < 1 || n > c.Count {
		return 0, false
	}
	d := c.Delay
	for i := 1; i < n && d < c.MaxDelay; i++ {
		d *= 2
	}
	d = min(d, c.MaxDelay)
	var rd retryDelayer
	if errors.As(err, &rd) && rd.RetryDelay() > d {
		d = min(rd.RetryDelay(), c.MaxDelay)
	}
	return d, true
}

// hintedBackOff stretches the next wait to the delay the last error asked
// for, never past max.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
	max  time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d != backoff.Stop && b.hint > d {
		d = min(b.hint, b.max)
	}
	b.hint = 0
	return d
}

// retryDelayer is implemented by errors that carry a server-requested wait,
// such as an HTTP Retry-After.
type retryDelayer interface {
	RetryDelay() time.Duration
}

// BackoffRetry runs op until it succeeds, the retry budget is spent, the
// predicate rejects the error, or ctx is cancelled. Cancellation yields
// ErrManuallyStopped. An error with a RetryDelay() method may lengthen the
// wait before the next attempt up to MaxDelay.
func BackoffRetry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	_, err := BackoffRetryValue(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// BackoffRetryValue is BackoffRetry for operations producing a value.
func BackoffRetryValue[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	schedule := cfg.schedule()
	var out T
	attempt := func() error {
		if err := ThrowIfAborted(ctx); err != nil {
			return backoff.Permanent(err)
		}
		v, err := op(ctx)
		if err == nil {
			out = v
			return nil
		}
		if IsAborted(err) && ctx.Err() != nil {
			return backoff.Permanent(ErrManuallyStopped)
		}
		if errors.Is(err, ErrManuallyStopped) {
			return backoff.Permanent(err)
		}
		if cfg.When != nil && !cfg.When(err) {
			return backoff.Permanent(err)
		}
		var rd retryDelayer
		if errors.As(err, &rd) {
			schedule.hint = rd.RetryDelay()
		}
		return err
	}
	var notify backoff.Notify
	if cfg.OnRetry != nil {
		notify = cfg.OnRetry
	}
	err := backoff.RetryNotify(attempt, backoff.WithContext(schedule, ctx), notify)
	if err != nil && ctx.Err() != nil {
		err = ErrManuallyStopped
	}
	return out, err
}
