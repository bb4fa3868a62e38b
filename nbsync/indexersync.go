package nbsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/agentworkforce/nbstore/asyncop"
	"github.com/agentworkforce/nbstore/signal"
	"github.com/agentworkforce/nbstore/storage"
)

const defaultIndexRefreshInterval = 30 * time.Second

// Indexer is the full-text engine fed by IndexerSync.
type Indexer interface {
	IndexDoc(ctx context.Context, doc storage.DocRecord) error
	RemoveDoc(ctx context.Context, docID string) error
}

type IndexerSyncOptions struct {
	Docs    storage.DocStorage
	Clocks  storage.IndexerSyncStorage
	Indexer Indexer
	Retry   asyncop.RetryConfig
	// RefreshInterval is how often doc clocks are compared with index
	// clocks.
	RefreshInterval time.Duration
	Logger          log.Logger
}

// IndexerSync keeps the index caught up with the local doc storage.
type IndexerSync struct {
	opts   IndexerSyncOptions
	logger log.Logger
	runner *runner

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	refresh   *asyncop.ExhaustWithTrailing
	refreshed chan struct{}
	once      sync.Once
}

func NewIndexerSync(opts IndexerSyncOptions) (*IndexerSync, error) {
	if opts.Docs == nil || opts.Clocks == nil || opts.Indexer == nil {
		return nil, fmt.Errorf("%w: indexer sync needs docs, clocks and an indexer", storage.ErrInvalidInput)
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultIndexRefreshInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	s := &IndexerSync{
		opts:      opts,
		logger:    log.With(opts.Logger, "engine", "index"),
		refreshed: make(chan struct{}),
	}
	s.runner = newRunner("index", "local", opts.Retry, s.logger, s.indexDoc)
	return s, nil
}

func (s *IndexerSync) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.runner.track.restart()
	s.refresh = asyncop.NewExhaustWithTrailing(ctx, s.refreshClocks, func(err error) {
		level.Warn(s.logger).Log("op", "refresh", "error", err)
		s.runner.track.fail(err)
	})
	go s.run(ctx, s.refresh, s.done)
}

func (s *IndexerSync) run(ctx context.Context, refresh *asyncop.ExhaustWithTrailing, done chan struct{}) {
	defer close(done)
	if err := connectAll(ctx, s.logger, s.opts.Docs.Connection(), s.opts.Clocks.Connection()); err != nil {
		return
	}
	unsub := s.opts.Docs.Subscribe(func(e storage.DocUpdatedEvent) {
		s.runner.enqueue(e.DocID)
	})
	defer unsub()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.runner.loop(ctx)
	}()
	defer func() { <-loopDone }()

	refresh.Trigger()
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh.Trigger()
		}
	}
}

// Stop ends indexing and releases every waiter. The engine may be started
// again.
func (s *IndexerSync) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel, s.done = nil, nil
	}
	s.runner.track.stop()
}

func (s *IndexerSync) refreshClocks(ctx context.Context) error {
	times, err := s.opts.Docs.GetDocTimestamps(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("doc timestamps: %w", err)
	}
	lag := 0
	for docID, ts := range times {
		clock, err := s.opts.Clocks.GetDocIndexedClock(ctx, docID)
		if err != nil {
			return err
		}
		if clock == nil || ts.After(clock.Timestamp) {
			lag++
			s.runner.enqueue(docID)
		} else {
			s.runner.track.synced(docID)
		}
	}
	stats.IndexLag(lag)
	s.once.Do(func() { close(s.refreshed) })
	return nil
}

// indexDoc indexes the current state of docID and records the doc clock it
// reflects. A doc that no longer exists is dropped from the index.
func (s *IndexerSync) indexDoc(ctx context.Context, docID string) error {
	doc, err := s.opts.Docs.GetDoc(ctx, docID)
	if err != nil {
		return err
	}
	if doc == nil {
		if err := s.opts.Indexer.RemoveDoc(ctx, docID); err != nil {
			return err
		}
		return s.opts.Clocks.ClearDocIndexedClock(ctx, docID)
	}
	clock, err := s.opts.Clocks.GetDocIndexedClock(ctx, docID)
	if err != nil {
		return err
	}
	if clock != nil && !doc.Timestamp.After(clock.Timestamp) {
		return nil
	}
	if err := s.opts.Indexer.IndexDoc(ctx, *doc); err != nil {
		return err
	}
	return s.opts.Clocks.SetDocIndexedClock(ctx, storage.DocClock{DocID: docID, Timestamp: doc.Timestamp})
}

// RemoveDoc stops indexing docID, drops it from the index and clears its
// clock.
func (s *IndexerSync) RemoveDoc(ctx context.Context, docID string) error {
	s.runner.dispose(docID)
	if err := s.opts.Indexer.RemoveDoc(ctx, docID); err != nil {
		return err
	}
	return s.opts.Clocks.ClearDocIndexedClock(ctx, docID)
}

func (s *IndexerSync) AddPriority(docID string, priority int) (undo func()) {
	return s.runner.queue.AddPriority(docID, priority)
}

func (s *IndexerSync) State() *signal.Cell[EngineState] { return s.runner.track.state }

func (s *IndexerSync) DocState(docID string) ItemState { return s.runner.track.stateOf(docID) }

func (s *IndexerSync) WaitForCompleted(ctx context.Context) error {
	select {
	case <-s.refreshed:
	case <-ctx.Done():
		return asyncop.ErrManuallyStopped
	case <-s.runner.track.stopCh():
		return asyncop.ErrManuallyStopped
	}
	s.mu.Lock()
	refresh := s.refresh
	s.mu.Unlock()
	if err := refresh.Wait(ctx); err != nil {
		return err
	}
	return s.runner.track.waitIdle(ctx)
}

func (s *IndexerSync) WaitForDocCompleted(ctx context.Context, docID string) error {
	return s.runner.track.waitItem(ctx, docID)
}

// WaitForDocCompletedWithPriority boosts docID while waiting for it. The
// boost is withdrawn however the wait ends.
func (s *IndexerSync) WaitForDocCompletedWithPriority(ctx context.Context, docID string, priority int) error {
	undo := s.AddPriority(docID, priority)
	defer undo()
	return s.WaitForDocCompleted(ctx, docID)
}
