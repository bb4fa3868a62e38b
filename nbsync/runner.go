package nbsync

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/agentworkforce/nbstore/asyncop"
)

// runner drains a priority queue one item at a time. A failed job goes back
// on the queue once its backoff delay has passed, so one failing item never
// holds up the others. Disposing an item cancels its in-flight job and
// suppresses any further retry.
type runner struct {
	engine string
	queue  *PriorityQueue
	track  *tracker
	retry  asyncop.RetryConfig
	logger log.Logger
	job    func(ctx context.Context, id string) error

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	attempts map[string]int
}

func newRunner(engine, peer string, retry asyncop.RetryConfig, logger log.Logger, job func(ctx context.Context, id string) error) *runner {
	return &runner{
		engine:   engine,
		queue:    NewPriorityQueue(),
		track:    newTracker(engine, peer),
		retry:    retry,
		logger:   logger,
		job:      job,
		cancels:  map[string]context.CancelFunc{},
		attempts: map[string]int{},
	}
}

func (r *runner) enqueue(id string) {
	if r.track.queue(id) {
		r.queue.Push(id)
	}
}

func (r *runner) dispose(id string) {
	r.track.dispose(id)
	r.queue.Remove(id)
	r.mu.Lock()
	cancel := r.cancels[id]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *runner) loop(ctx context.Context) {
	for {
		for {
			id, ok := r.queue.Pop()
			if !ok {
				break
			}
			r.process(ctx, id)
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-r.queue.Ready():
		case <-ctx.Done():
			return
		}
	}
}

func (r *runner) process(ctx context.Context, id string) {
	if !r.track.start(id) {
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[id] = cancel
	r.mu.Unlock()

	err := asyncop.ThrowIfAborted(jobCtx)
	if err == nil {
		err = r.job(jobCtx, id)
	}
	if err != nil && ctx.Err() != nil {
		err = asyncop.ErrManuallyStopped
	}

	r.mu.Lock()
	delete(r.cancels, id)
	retry := 0
	if err != nil && r.retryable(id, err) {
		r.attempts[id]++
		retry = r.attempts[id]
	}
	delay, again := r.retry.NextDelay(retry, err)
	if !again {
		delete(r.attempts, id)
	}
	r.mu.Unlock()
	cancel()

	if again {
		stats.Retried(r.engine)
		level.Debug(r.logger).Log("op", "retry", "item", id, "error", err, "delay", delay)
		r.track.retryLater(id, err)
		time.AfterFunc(delay, func() {
			if !r.track.isDisposed(id) {
				r.queue.Push(id)
			}
		})
		return
	}
	outcome := r.track.finish(id, err)
	stats.JobDone(r.engine, outcome)
	if outcome == "error" {
		level.Warn(r.logger).Log("op", "sync", "item", id, "error", err)
	}
}

func (r *runner) retryable(id string, err error) bool {
	if r.track.isDisposed(id) || !asyncop.IsRetryable(err) {
		return false
	}
	return r.retry.When == nil || r.retry.When(err)
}
