package nbsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/agentworkforce/nbstore/asyncop"
	"github.com/agentworkforce/nbstore/crdt"
	"github.com/agentworkforce/nbstore/signal"
	"github.com/agentworkforce/nbstore/storage"
)

const defaultDocRefreshInterval = 30 * time.Second

// DocPeer is a remote doc storage synced with the local one.
type DocPeer struct {
	ID     string
	Remote storage.DocStorage
}

type DocSyncOptions struct {
	Local  storage.DocStorage
	Clocks storage.DocSyncStorage
	Peers  []DocPeer
	Retry  asyncop.RetryConfig
	// RefreshInterval is how often remote doc timestamps are polled.
	RefreshInterval time.Duration
	Logger          log.Logger
}

// DocSync pushes local updates to every peer and pulls theirs back.
type DocSync struct {
	opts  DocSyncOptions
	peers []*docSyncPeer
	state *signal.Cell[EngineState]

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDocSync(opts DocSyncOptions) (*DocSync, error) {
	if opts.Local == nil || opts.Clocks == nil {
		return nil, fmt.Errorf("%w: doc sync needs local and clock storages", storage.ErrInvalidInput)
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultDocRefreshInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	s := &DocSync{opts: opts, state: signal.New(EngineState{})}
	seen := map[string]bool{}
	for _, p := range opts.Peers {
		if p.ID == "" || p.Remote == nil || seen[p.ID] {
			return nil, fmt.Errorf("%w: doc peer %q", storage.ErrInvalidInput, p.ID)
		}
		seen[p.ID] = true
		peer := newDocSyncPeer(opts, p)
		peer.runner.track.state.Subscribe(func(EngineState) { s.publish() })
		s.peers = append(s.peers, peer)
	}
	return s, nil
}

func (s *DocSync) publish() {
	var total EngineState
	for _, p := range s.peers {
		total = total.add(p.runner.track.snapshot())
	}
	s.state.Set(total)
}

// Start runs every peer until Stop is called or ctx ends. Calling Start on a
// running engine does nothing; a stopped engine may be started again.
func (s *DocSync) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, p := range s.peers {
		p := p
		p.runner.track.restart()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			p.run(ctx)
		}()
	}
}

// Stop cancels in-flight jobs and releases every waiter.
func (s *DocSync) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
	for _, p := range s.peers {
		p.runner.track.stop()
	}
}

func (s *DocSync) State() *signal.Cell[EngineState] { return s.state }

// DocState merges the state of docID across peers.
func (s *DocSync) DocState(docID string) ItemState {
	states := make([]ItemState, 0, len(s.peers))
	for _, p := range s.peers {
		states = append(states, p.runner.track.stateOf(docID))
	}
	return mergeStates(states)
}

// DocError returns the last error any peer recorded for docID.
func (s *DocSync) DocError(docID string) error {
	for _, p := range s.peers {
		if err := p.runner.track.errOf(docID); err != nil {
			return err
		}
	}
	return nil
}

// AddPriority boosts docID on every peer.
func (s *DocSync) AddPriority(docID string, priority int) (undo func()) {
	undos := make([]func(), 0, len(s.peers))
	for _, p := range s.peers {
		undos = append(undos, p.runner.queue.AddPriority(docID, priority))
	}
	return func() {
		for _, u := range undos {
			u()
		}
	}
}

// WaitForCompleted blocks until every peer finished its first refresh and
// drained its queue.
func (s *DocSync) WaitForCompleted(ctx context.Context) error {
	for _, p := range s.peers {
		if err := p.waitForCompleted(ctx); err != nil {
			return err
		}
	}
	return nil
}

// WaitForDocCompleted blocks until docID is synced with every peer.
func (s *DocSync) WaitForDocCompleted(ctx context.Context, docID string) error {
	for _, p := range s.peers {
		if err := p.runner.track.waitItem(ctx, docID); err != nil {
			return err
		}
	}
	return nil
}

// WaitForDocCompletedWithPriority boosts docID while waiting for it. The
// boost is withdrawn however the wait ends.
func (s *DocSync) WaitForDocCompletedWithPriority(ctx context.Context, docID string, priority int) error {
	undo := s.AddPriority(docID, priority)
	defer undo()
	return s.WaitForDocCompleted(ctx, docID)
}

// DisposeDoc stops syncing docID for good. An in-flight job is cancelled
// and its outcome is discarded.
func (s *DocSync) DisposeDoc(docID string) {
	for _, p := range s.peers {
		p.runner.dispose(docID)
	}
}

type docSyncPeer struct {
	id       string
	origin   string
	local    storage.DocStorage
	remote   storage.DocStorage
	clocks   storage.DocSyncStorage
	retry    asyncop.RetryConfig
	interval time.Duration
	logger   log.Logger
	runner   *runner

	mu        sync.Mutex
	refresh   *asyncop.ExhaustWithTrailing
	cursor    time.Time
	refreshed chan struct{}
	once      sync.Once
}

func newDocSyncPeer(opts DocSyncOptions, p DocPeer) *docSyncPeer {
	logger := log.With(opts.Logger, "engine", "doc", "peer", p.ID)
	peer := &docSyncPeer{
		id:        p.ID,
		origin:    "nbsync:" + p.ID,
		local:     opts.Local,
		remote:    p.Remote,
		clocks:    opts.Clocks,
		retry:     opts.Retry,
		interval:  opts.RefreshInterval,
		logger:    logger,
		refreshed: make(chan struct{}),
	}
	peer.runner = newRunner("doc", p.ID, opts.Retry, logger, peer.syncDoc)
	return peer
}

func (p *docSyncPeer) run(ctx context.Context) {
	if err := connectAll(ctx, p.logger, p.local.Connection(), p.remote.Connection()); err != nil {
		return
	}
	refresh := asyncop.NewExhaustWithTrailing(ctx, p.refreshClocks, func(err error) {
		level.Warn(p.logger).Log("op", "refresh", "error", err)
		p.runner.track.fail(err)
	})
	p.mu.Lock()
	p.refresh = refresh
	p.mu.Unlock()

	unsubLocal := p.local.Subscribe(func(e storage.DocUpdatedEvent) {
		if e.Origin != p.origin {
			p.runner.enqueue(e.DocID)
		}
	})
	defer unsubLocal()
	unsubRemote := p.remote.Subscribe(func(e storage.DocUpdatedEvent) {
		if e.Origin != p.origin {
			p.runner.enqueue(e.DocID)
			refresh.Trigger()
		}
	})
	defer unsubRemote()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.runner.loop(ctx)
	}()
	defer func() { <-done }()

	level.Info(p.logger).Log("op", "start", "msg", "doc sync started")
	refresh.Trigger()
	ticker := time.NewTicker(p.interval)
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

func (p *docSyncPeer) waitForCompleted(ctx context.Context) error {
	select {
	case <-p.refreshed:
	case <-ctx.Done():
		return asyncop.ErrManuallyStopped
	case <-p.runner.track.stopCh():
		return asyncop.ErrManuallyStopped
	}
	p.mu.Lock()
	refresh := p.refresh
	p.mu.Unlock()
	if err := refresh.Wait(ctx); err != nil {
		return err
	}
	return p.runner.track.waitIdle(ctx)
}

// refreshClocks compares local and remote doc timestamps with the pushed
// and pulled clocks and queues every doc that is behind on either side.
func (p *docSyncPeer) refreshClocks(ctx context.Context) error {
	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()

	remoteTimes, err := asyncop.BackoffRetryValue(ctx, p.retry, func(ctx context.Context) (map[string]time.Time, error) {
		return p.remote.GetDocTimestamps(ctx, cursor)
	})
	if err != nil {
		return fmt.Errorf("remote timestamps: %w", err)
	}
	for docID, ts := range remoteTimes {
		if err := p.clocks.SetPeerClock(ctx, p.id, storage.ClockRemote, storage.DocClock{DocID: docID, Timestamp: ts}); err != nil {
			return err
		}
		if ts.After(cursor) {
			cursor = ts
		}
	}
	p.mu.Lock()
	if cursor.After(p.cursor) {
		p.cursor = cursor
	}
	p.mu.Unlock()

	localTimes, err := p.local.GetDocTimestamps(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("local timestamps: %w", err)
	}
	remote, err := p.clocks.GetPeerClocks(ctx, p.id, storage.ClockRemote)
	if err != nil {
		return err
	}
	pulled, err := p.clocks.GetPeerClocks(ctx, p.id, storage.ClockPulled)
	if err != nil {
		return err
	}
	pushed, err := p.clocks.GetPeerClocks(ctx, p.id, storage.ClockPushed)
	if err != nil {
		return err
	}

	docs := map[string]bool{}
	for id := range localTimes {
		docs[id] = true
	}
	for id := range remote {
		docs[id] = true
	}
	for id := range docs {
		if localTimes[id].After(pushed[id]) || remote[id].After(pulled[id]) {
			p.runner.enqueue(id)
		} else {
			p.runner.track.synced(id)
		}
	}
	p.once.Do(func() { close(p.refreshed) })
	return nil
}

// syncDoc pulls what the peer has that the local doc lacks, then pushes
// the reverse, advancing the pulled and pushed clocks.
func (p *docSyncPeer) syncDoc(ctx context.Context, docID string) error {
	remoteDoc, err := p.remote.GetDoc(ctx, docID)
	if err != nil {
		return err
	}
	localDoc, err := p.local.GetDoc(ctx, docID)
	if err != nil {
		return err
	}

	if remoteDoc != nil {
		if err := p.clocks.SetPeerClock(ctx, p.id, storage.ClockRemote, storage.DocClock{DocID: docID, Timestamp: remoteDoc.Timestamp}); err != nil {
			return err
		}
		pulled, err := p.clocks.GetPeerClock(ctx, p.id, storage.ClockPulled, docID)
		if err != nil {
			return err
		}
		if remoteDoc.Timestamp.After(pulled) {
			diff, err := missingFrom(docID, remoteDoc.Bin, localDoc)
			if err != nil {
				return err
			}
			if diff != nil {
				if _, err := p.local.PushUpdate(ctx, docID, diff, p.origin); err != nil {
					return err
				}
				if localDoc, err = p.local.GetDoc(ctx, docID); err != nil {
					return err
				}
			}
			if err := p.clocks.SetPeerClock(ctx, p.id, storage.ClockPulled, storage.DocClock{DocID: docID, Timestamp: remoteDoc.Timestamp}); err != nil {
				return err
			}
		}
	}

	if localDoc == nil {
		return nil
	}
	pushed, err := p.clocks.GetPeerClock(ctx, p.id, storage.ClockPushed, docID)
	if err != nil {
		return err
	}
	if !localDoc.Timestamp.After(pushed) {
		return nil
	}
	diff, err := missingFrom(docID, localDoc.Bin, remoteDoc)
	if err != nil {
		return err
	}
	if diff != nil {
		if _, err := p.remote.PushUpdate(ctx, docID, diff, p.origin); err != nil {
			return err
		}
	}
	return p.clocks.SetPeerClock(ctx, p.id, storage.ClockPushed, storage.DocClock{DocID: docID, Timestamp: localDoc.Timestamp})
}

// missingFrom returns the part of bin that base has not seen, or nil.
func missingFrom(docID string, bin []byte, base *storage.DocRecord) ([]byte, error) {
	var sv crdt.StateVector
	if base != nil {
		var err error
		if sv, err = crdt.UpdateStateVector(base.Bin); err != nil {
			return nil, serializationError(docID, err)
		}
	}
	diff, err := crdt.DiffUpdate(bin, sv)
	if err != nil {
		return nil, serializationError(docID, err)
	}
	return diff, nil
}

func serializationError(docID string, err error) error {
	if errors.Is(err, crdt.ErrMalformedUpdate) {
		return fmt.Errorf("%w: doc %s: %v", storage.ErrSerialization, docID, err)
	}
	return err
}

// connectAll connects every connection, backing off between failed rounds
// until ctx ends.
func connectAll(ctx context.Context, logger log.Logger, conns ...storage.Connection) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = asyncop.DefaultRetryDelay
	b.MaxInterval = asyncop.DefaultRetryMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	for {
		err := connectEach(ctx, conns)
		if err == nil {
			return nil
		}
		if asyncop.IsAborted(err) || ctx.Err() != nil {
			return asyncop.ErrManuallyStopped
		}
		delay := b.NextBackOff()
		level.Warn(logger).Log("op", "connect", "error", err, "retry_in", delay)
		if err := asyncop.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func connectEach(ctx context.Context, conns []storage.Connection) error {
	for _, c := range conns {
		if err := c.WaitForConnected(ctx); err != nil {
			return err
		}
	}
	return nil
}
