package asyncop

import (
	"context"
	"sync"
)

// ExhaustWithTrailing coalesces refresh requests for one logical stream.
// At most one run is in flight. Triggers that arrive during a run collapse
// into exactly one trailing run started after the current one returns.
type ExhaustWithTrailing struct {
	ctx     context.Context
	fn      func(ctx context.Context) error
	onError func(err error)

	mu      sync.Mutex
	running bool
	pending bool
	idle    chan struct{}
	runs    int
}

// NewExhaustWithTrailing binds fn to ctx; runs stop being started once ctx
// is done. onError, if set, receives every non-abort error returned by fn.
func NewExhaustWithTrailing(ctx context.Context, fn func(ctx context.Context) error, onError func(err error)) *ExhaustWithTrailing {
	idle := make(chan struct{})
	close(idle)
	return &ExhaustWithTrailing{
		ctx:     ctx,
		fn:      fn,
		onError: onError,
		idle:    idle,
	}
}

// Trigger requests a run. It never blocks.
func (e *ExhaustWithTrailing) Trigger() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return
	}
	if e.running {
		e.pending = true
		return
	}
	e.running = true
	e.idle = make(chan struct{})
	go e.loop()
}

func (e *ExhaustWithTrailing) loop() {
	for {
		e.mu.Lock()
		e.runs++
		e.mu.Unlock()

		if err := e.fn(e.ctx); err != nil && !IsAborted(err) && e.onError != nil {
			e.onError(err)
		}

		e.mu.Lock()
		if e.pending && e.ctx.Err() == nil {
			e.pending = false
			e.mu.Unlock()
			continue
		}
		e.pending = false
		e.running = false
		close(e.idle)
		e.mu.Unlock()
		return
	}
}

// Wait blocks until no run is in flight or pending.
func (e *ExhaustWithTrailing) Wait(ctx context.Context) error {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ErrManuallyStopped
	}
}

// Runs reports how many times fn has been started.
func (e *ExhaustWithTrailing) Runs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs
}
