// Package nbsync moves docs, blobs and index progress between a local
// storage and its remote peers. Every engine schedules items through a
// priority queue, retries network failures with bounded backoff and exposes
// its progress as observable cells.
package nbsync

import (
	"context"
	"errors"
	"sync"

	"github.com/agentworkforce/nbstore/asyncop"
	"github.com/agentworkforce/nbstore/signal"
)

// ItemState is the sync progress of one doc or blob.
type ItemState int

const (
	NeverSynced ItemState = iota
	Syncing
	Synced
	Errored
	// Disposed is terminal. A disposed item is never retried and never
	// reports an error.
	Disposed
)

func (s ItemState) String() string {
	switch s {
	case NeverSynced:
		return "never-synced"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	case Errored:
		return "error"
	case Disposed:
		return "disposed"
	}
	return "unknown"
}

// ErrDisposed is returned to waiters of an item that was disposed.
var ErrDisposed = errors.New("sync item disposed")

// EngineState summarizes an engine or one of its peers.
type EngineState struct {
	Total   int
	Synced  int
	Pending int
	Errors  int
	// Err is the last failure that exhausted its retries. Aborts never land
	// here.
	Err error
}

func (s EngineState) add(o EngineState) EngineState {
	s.Total += o.Total
	s.Synced += o.Synced
	s.Pending += o.Pending
	s.Errors += o.Errors
	if o.Err != nil {
		s.Err = o.Err
	}
	return s
}

type trackedItem struct {
	state   ItemState
	queued  bool
	running bool
	err     error
}

func (it *trackedItem) done() bool {
	return it.state == Synced && !it.queued && !it.running
}

// tracker owns the item states of one engine peer and wakes waiters on
// every change.
type tracker struct {
	engine string
	peer   string

	mu       sync.Mutex
	items    map[string]*trackedItem
	changed  chan struct{}
	stopped  chan struct{}
	halted   bool
	lastErr  error

	pubMu sync.Mutex
	state *signal.Cell[EngineState]
}

func newTracker(engine, peer string) *tracker {
	return &tracker{
		engine:  engine,
		peer:    peer,
		items:   map[string]*trackedItem{},
		changed: make(chan struct{}),
		stopped: make(chan struct{}),
		state:   signal.New(EngineState{}),
	}
}

func (t *tracker) itemLocked(id string) *trackedItem {
	it, ok := t.items[id]
	if !ok {
		it = &trackedItem{}
		t.items[id] = it
	}
	return it
}

// change runs fn under the lock, then wakes waiters and publishes the new
// summary.
func (t *tracker) change(fn func() bool) bool {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	t.mu.Lock()
	ok := fn()
	close(t.changed)
	t.changed = make(chan struct{})
	snap := t.snapshotLocked()
	t.mu.Unlock()
	t.state.Set(snap)
	stats.Pending(t.engine, t.peer, snap.Pending)
	return ok
}

// queue marks id as waiting. It reports false for disposed items.
func (t *tracker) queue(id string) bool {
	return t.change(func() bool {
		it := t.itemLocked(id)
		if it.state == Disposed {
			return false
		}
		it.queued = true
		return true
	})
}

func (t *tracker) start(id string) bool {
	return t.change(func() bool {
		it := t.itemLocked(id)
		it.queued = false
		if it.state == Disposed {
			return false
		}
		it.state, it.running = Syncing, true
		return true
	})
}

// finish records the outcome of a job and returns its metric label.
func (t *tracker) finish(id string, err error) string {
	outcome := "synced"
	t.change(func() bool {
		it := t.itemLocked(id)
		it.running = false
		switch {
		case it.state == Disposed:
			outcome = "disposed"
		case err == nil:
			it.state, it.err = Synced, nil
		case asyncop.IsAborted(err):
			it.state = NeverSynced
			outcome = "aborted"
		default:
			it.state, it.err = Errored, err
			t.lastErr = err
			outcome = "error"
		}
		return true
	})
	return outcome
}

// synced marks an idle item as already up to date.
func (t *tracker) synced(id string) {
	t.change(func() bool {
		it := t.itemLocked(id)
		if it.state == Disposed || it.queued || it.running {
			return false
		}
		it.state, it.err = Synced, nil
		return true
	})
}

func (t *tracker) dispose(id string) {
	t.change(func() bool {
		it := t.itemLocked(id)
		it.state, it.queued, it.err = Disposed, false, nil
		return true
	})
}

// fail fills the error slot for failures not tied to one item.
func (t *tracker) fail(err error) {
	if err == nil || asyncop.IsAborted(err) {
		return
	}
	t.change(func() bool {
		t.lastErr = err
		return true
	})
}

func (t *tracker) isDisposed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	it, ok := t.items[id]
	return ok && it.state == Disposed
}

func (t *tracker) stateOf(id string) ItemState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if it, ok := t.items[id]; ok {
		return it.state
	}
	return NeverSynced
}

func (t *tracker) errOf(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if it, ok := t.items[id]; ok {
		return it.err
	}
	return nil
}

func (t *tracker) snapshot() EngineState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *tracker) snapshotLocked() EngineState {
	s := EngineState{Err: t.lastErr}
	for _, it := range t.items {
		if it.state == Disposed {
			continue
		}
		s.Total++
		if it.queued || it.running {
			s.Pending++
		}
		switch it.state {
		case Synced:
			s.Synced++
		case Errored:
			s.Errors++
		}
	}
	return s
}

// stop releases every waiter with ErrManuallyStopped until restart.
func (t *tracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.halted {
		t.halted = true
		close(t.stopped)
	}
}

func (t *tracker) restart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.halted {
		t.halted = false
		t.stopped = make(chan struct{})
	}
}

func (t *tracker) stopCh() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// retryLater keeps a failed item pending until its retry is picked up.
func (t *tracker) retryLater(id string, err error) {
	t.change(func() bool {
		it := t.itemLocked(id)
		it.running = false
		if it.state == Disposed {
			return false
		}
		it.queued, it.err = true, err
		return true
	})
}

// wait blocks until cond holds. cond runs under the tracker lock.
func (t *tracker) wait(ctx context.Context, cond func() (bool, error)) error {
	for {
		t.mu.Lock()
		ok, err := cond()
		ch, stopped := t.changed, t.stopped
		t.mu.Unlock()
		if ok || err != nil {
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return asyncop.ErrManuallyStopped
		case <-stopped:
			return asyncop.ErrManuallyStopped
		}
	}
}

func (t *tracker) waitItem(ctx context.Context, id string) error {
	return t.wait(ctx, func() (bool, error) {
		it, ok := t.items[id]
		if !ok {
			return false, nil
		}
		if it.state == Disposed {
			return false, ErrDisposed
		}
		return it.done(), nil
	})
}

func (t *tracker) waitIdle(ctx context.Context) error {
	return t.wait(ctx, func() (bool, error) {
		for _, it := range t.items {
			if it.queued || it.running {
				return false, nil
			}
		}
		return true, nil
	})
}

// mergeStates folds per-peer item states into one: disposal wins, then
// errors, then work in progress.
func mergeStates(states []ItemState) ItemState {
	if len(states) == 0 {
		return NeverSynced
	}
	has := map[ItemState]bool{}
	for _, s := range states {
		has[s] = true
	}
	switch {
	case has[Disposed]:
		return Disposed
	case has[Errored]:
		return Errored
	case has[Syncing]:
		return Syncing
	case has[NeverSynced]:
		return NeverSynced
	}
	return Synced
}
