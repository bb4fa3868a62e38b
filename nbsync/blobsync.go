package nbsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/nbstore/asyncop"
	"github.com/agentworkforce/nbstore/signal"
	"github.com/agentworkforce/nbstore/storage"
)

const (
	defaultUploadInterval     = 15 * time.Second
	defaultDownloadRetryDelay = time.Second
	downloadRetryMaxDelay     = 10 * time.Second
	downloadAttempts          = 5
	// Uploads with at most this many candidates skip listing the remote.
	smallUploadBatch = 3

	msgOverCapacity = "Remote storage over capacity"
	msgOverSize     = "Blob size too large"
)

var (
	errBlobNotFound = errors.New("blob not found on peer")
	errBlobFound    = errors.New("blob found")
)

// BlobPeer is a remote blob storage mirrored with the local one.
type BlobPeer struct {
	ID     string
	Remote storage.BlobStorage
}

type BlobSyncOptions struct {
	Local storage.BlobStorage
	Sync  storage.BlobSyncStorage
	Peers []BlobPeer
	// UploadInterval is the period of the full upload loop.
	UploadInterval time.Duration
	// DownloadRetryDelay is the first wait before asking a peer again for a
	// blob it does not have yet.
	DownloadRetryDelay time.Duration
	// UploadRetry is the backoff for sending one blob to a peer. Quota and
	// size rejections are never retried.
	UploadRetry asyncop.RetryConfig
	Logger      log.Logger
}

// BlobSyncState summarizes blob transfers of one peer or of all of them.
type BlobSyncState struct {
	Uploading    int
	Downloading  int
	Errors       int
	OverCapacity bool
}

// BlobState is the transfer state of one blob.
type BlobState struct {
	Uploading    bool
	Downloading  bool
	OverSize     bool
	ErrorMessage string
}

// BlobSync mirrors blobs between the local storage and every peer.
type BlobSync struct {
	opts  BlobSyncOptions
	peers []*blobSyncPeer
	state *signal.Cell[BlobSyncState]

	fullDownloads singleflight.Group

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBlobSync(opts BlobSyncOptions) (*BlobSync, error) {
	if opts.Local == nil || opts.Sync == nil {
		return nil, fmt.Errorf("%w: blob sync needs local and sync storages", storage.ErrInvalidInput)
	}
	if opts.UploadInterval <= 0 {
		opts.UploadInterval = defaultUploadInterval
	}
	if opts.DownloadRetryDelay <= 0 {
		opts.DownloadRetryDelay = defaultDownloadRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	s := &BlobSync{opts: opts, state: signal.NewComparable(BlobSyncState{})}
	seen := map[string]bool{}
	for _, p := range opts.Peers {
		if p.ID == "" || p.Remote == nil || seen[p.ID] {
			return nil, fmt.Errorf("%w: blob peer %q", storage.ErrInvalidInput, p.ID)
		}
		seen[p.ID] = true
		peer := newBlobSyncPeer(opts, p)
		peer.state.Subscribe(func(BlobSyncState) { s.publish() })
		s.peers = append(s.peers, peer)
	}
	return s, nil
}

func (s *BlobSync) publish() {
	var total BlobSyncState
	for _, p := range s.peers {
		ps := p.state.Get()
		total.Uploading += ps.Uploading
		total.Downloading += ps.Downloading
		total.Errors += ps.Errors
		total.OverCapacity = total.OverCapacity || ps.OverCapacity
	}
	s.state.Set(total)
}

func (s *BlobSync) State() *signal.Cell[BlobSyncState] { return s.state }

// BlobState merges the state of key across peers. The first recorded error
// message wins.
func (s *BlobSync) BlobState(key string) BlobState {
	var out BlobState
	for _, p := range s.peers {
		b := p.blobState(key)
		out.Uploading = out.Uploading || b.Uploading
		out.Downloading = out.Downloading || b.Downloading
		out.OverSize = out.OverSize || b.OverSize
		if out.ErrorMessage == "" {
			out.ErrorMessage = b.ErrorMessage
		}
	}
	return out
}

// Start launches the full upload loop of every peer.
func (s *BlobSync) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, p := range s.peers {
		p := p
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			p.uploadLoop(ctx, s.opts.UploadInterval)
		}()
	}
}

// Stop ends the upload loops. The engine may be started again.
func (s *BlobSync) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}

// NotifyLocalChange runs the upload loops early, for example after the
// local blob directory changed on disk.
func (s *BlobSync) NotifyLocalChange() {
	for _, p := range s.peers {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// DownloadBlob asks every peer for key and stores the first copy found
// locally. Slower peers are cancelled once one succeeds.
func (s *BlobSync) DownloadBlob(ctx context.Context, key string) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.peers {
		p := p
		g.Go(func() error {
			ok, err := p.downloadBlob(gctx, key)
			if ok {
				return errBlobFound
			}
			return err
		})
	}
	err := g.Wait()
	switch {
	case errors.Is(err, errBlobFound):
		return true, nil
	case asyncop.IsAborted(err) || ctx.Err() != nil:
		return false, asyncop.ErrManuallyStopped
	}
	return false, err
}

// UploadBlob pushes the local copy of key to every writable peer.
func (s *BlobSync) UploadBlob(ctx context.Context, key string) error {
	var g errgroup.Group
	for _, p := range s.peers {
		p := p
		g.Go(func() error { return p.uploadBlob(ctx, key) })
	}
	return g.Wait()
}

// FullDownload fetches every blob a peer has that is missing locally. An
// empty peerID means every peer. Concurrent calls for the same peer share
// one run.
func (s *BlobSync) FullDownload(ctx context.Context, peerID string) error {
	_, err, _ := s.fullDownloads.Do(peerID, func() (any, error) {
		var g errgroup.Group
		found := false
		for _, p := range s.peers {
			if peerID != "" && p.id != peerID {
				continue
			}
			p := p
			found = true
			g.Go(func() error { return p.fullDownload(ctx) })
		}
		if !found {
			return nil, fmt.Errorf("%w: unknown blob peer %q", storage.ErrInvalidInput, peerID)
		}
		return nil, g.Wait()
	})
	return err
}

// FullUpload runs one upload pass on every peer.
func (s *BlobSync) FullUpload(ctx context.Context) error {
	var g errgroup.Group
	for _, p := range s.peers {
		p := p
		g.Go(func() error { return p.fullUpload(ctx) })
	}
	return g.Wait()
}

type blobStatus struct {
	BlobState
	willUpload   bool
	willDownload bool
}

type blobSyncPeer struct {
	id         string
	local      storage.BlobStorage
	remote     storage.BlobStorage
	sync       storage.BlobSyncStorage
	retryDelay time.Duration
	retry      asyncop.RetryConfig
	logger     log.Logger
	wake       chan struct{}

	downloads singleflight.Group
	uploads   singleflight.Group

	mu           sync.Mutex
	blobs        map[string]*blobStatus
	overCapacity bool
	state        *signal.Cell[BlobSyncState]
}

func newBlobSyncPeer(opts BlobSyncOptions, p BlobPeer) *blobSyncPeer {
	return &blobSyncPeer{
		id:         p.ID,
		local:      opts.Local,
		remote:     p.Remote,
		sync:       opts.Sync,
		retryDelay: opts.DownloadRetryDelay,
		retry:      opts.UploadRetry,
		logger:     log.With(opts.Logger, "engine", "blob", "peer", p.ID),
		wake:       make(chan struct{}, 1),
		blobs:      map[string]*blobStatus{},
		state:      signal.NewComparable(BlobSyncState{}),
	}
}

// update mutates the status of key and republishes the peer summary.
func (p *blobSyncPeer) update(key string, fn func(b *blobStatus)) {
	p.mu.Lock()
	b, ok := p.blobs[key]
	if !ok {
		b = &blobStatus{}
		p.blobs[key] = b
	}
	fn(b)
	if *b == (blobStatus{}) {
		delete(p.blobs, key)
	}
	s := p.summaryLocked()
	p.mu.Unlock()
	p.state.Set(s)
}

func (p *blobSyncPeer) setOverCapacity(v bool) {
	p.mu.Lock()
	p.overCapacity = v
	s := p.summaryLocked()
	p.mu.Unlock()
	p.state.Set(s)
}

func (p *blobSyncPeer) isOverCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overCapacity
}

func (p *blobSyncPeer) summaryLocked() BlobSyncState {
	s := BlobSyncState{OverCapacity: p.overCapacity}
	for _, b := range p.blobs {
		if b.Uploading || b.willUpload {
			s.Uploading++
		}
		if b.Downloading || b.willDownload {
			s.Downloading++
		}
		if b.ErrorMessage != "" {
			s.Errors++
		}
	}
	return s
}

func (p *blobSyncPeer) blobState(key string) BlobState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.blobs[key]; ok {
		return b.BlobState
	}
	return BlobState{}
}

func (p *blobSyncPeer) setError(key, msg string) {
	p.update(key, func(b *blobStatus) { b.ErrorMessage = msg })
}

func (p *blobSyncPeer) downloadBlob(ctx context.Context, key string) (bool, error) {
	v, err, _ := p.downloads.Do(key, func() (any, error) {
		return p.download(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// download polls the peer for key, waiting longer each time it is missing.
// Failures other than aborts are recorded on the blob and reported as not
// found.
func (p *blobSyncPeer) download(ctx context.Context, key string) (bool, error) {
	p.update(key, func(b *blobStatus) { b.Downloading = true })
	defer p.update(key, func(b *blobStatus) { b.Downloading, b.willDownload = false, false })

	get := func(ctx context.Context) (*storage.BlobRecord, error) {
		rec, err := p.remote.Get(ctx, key)
		if err == nil && rec == nil {
			return nil, errBlobNotFound
		}
		return rec, err
	}
	var rec *storage.BlobRecord
	var err error
	if p.remote.Readonly() {
		rec, err = get(ctx)
	} else {
		rec, err = asyncop.BackoffRetryValue(ctx, asyncop.RetryConfig{
			Count:    downloadAttempts - 1,
			Delay:    p.retryDelay,
			MaxDelay: downloadRetryMaxDelay,
			When:     func(err error) bool { return errors.Is(err, errBlobNotFound) },
		}, get)
	}
	switch {
	case err == nil:
	case asyncop.IsAborted(err):
		return false, asyncop.ErrManuallyStopped
	case errors.Is(err, errBlobNotFound):
		return false, nil
	default:
		level.Warn(p.logger).Log("op", "download", "blob", key, "error", err)
		p.setError(key, err.Error())
		return false, nil
	}

	if err := p.sync.SetBlobUploadedAt(ctx, p.id, key, storage.Now()); err != nil {
		return false, p.recordFailure(key, err)
	}
	if err := p.local.Set(ctx, *rec); err != nil {
		return false, p.recordFailure(key, err)
	}
	stats.Downloaded(p.id, int64(len(rec.Data)))
	p.setError(key, "")
	return true, nil
}

// recordFailure keeps aborts distinct and notes anything else on the blob.
func (p *blobSyncPeer) recordFailure(key string, err error) error {
	if asyncop.IsAborted(err) {
		return asyncop.ErrManuallyStopped
	}
	p.setError(key, err.Error())
	return nil
}

func (p *blobSyncPeer) uploadBlob(ctx context.Context, key string) error {
	if p.remote.Readonly() {
		return nil
	}
	_, err, _ := p.uploads.Do(key, func() (any, error) {
		return nil, p.upload(ctx, key)
	})
	return err
}

func (p *blobSyncPeer) upload(ctx context.Context, key string) error {
	rec, err := p.local.Get(ctx, key)
	if err != nil || rec == nil {
		return err
	}
	p.update(key, func(b *blobStatus) { b.Uploading = true })
	defer p.update(key, func(b *blobStatus) { b.Uploading, b.willUpload = false, false })

	if err := p.sync.SetBlobUploadedAt(ctx, p.id, key, time.Time{}); err != nil {
		return err
	}
	retry := p.retry
	retry.When = asyncop.IsRetryable
	retry.OnRetry = func(err error, d time.Duration) {
		level.Debug(p.logger).Log("op", "upload", "blob", key, "retry_in", d, "error", err)
	}
	err = asyncop.BackoffRetry(ctx, retry, func(ctx context.Context) error {
		return p.remote.Set(ctx, *rec)
	})
	switch {
	case err == nil:
		if err := p.sync.SetBlobUploadedAt(ctx, p.id, key, storage.Now()); err != nil {
			return err
		}
		p.setOverCapacity(false)
		p.update(key, func(b *blobStatus) { b.ErrorMessage, b.OverSize = "", false })
		stats.Uploaded(p.id, int64(len(rec.Data)))
		return nil
	case asyncop.IsAborted(err):
		return asyncop.ErrManuallyStopped
	case storage.IsOverCapacity(err):
		p.setOverCapacity(true)
		p.setError(key, msgOverCapacity)
	case storage.IsOverSize(err):
		p.update(key, func(b *blobStatus) { b.OverSize, b.ErrorMessage = true, msgOverSize })
	default:
		p.setError(key, err.Error())
	}
	level.Warn(p.logger).Log("op", "upload", "blob", key, "error", err)
	return err
}

func (p *blobSyncPeer) markUploaded(ctx context.Context, key string) error {
	if err := p.sync.SetBlobUploadedAt(ctx, p.id, key, storage.Now()); err != nil {
		return err
	}
	p.update(key, func(b *blobStatus) { b.ErrorMessage = "" })
	return nil
}

func (p *blobSyncPeer) uploadLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := p.fullUpload(ctx); err != nil {
			if asyncop.IsAborted(err) {
				return
			}
			level.Error(p.logger).Log("op", "full-upload", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// fullUpload sends every local blob the peer has not acknowledged. Large
// batches first list the peer to skip blobs it already holds.
func (p *blobSyncPeer) fullUpload(ctx context.Context) error {
	if p.remote.Readonly() || p.isOverCapacity() {
		return nil
	}
	if err := connectEach(ctx, []storage.Connection{p.local.Connection(), p.remote.Connection()}); err != nil {
		return err
	}
	local, err := p.local.List(ctx)
	if err != nil {
		return err
	}
	var need []string
	for _, b := range local {
		at, err := p.sync.GetBlobUploadedAt(ctx, p.id, b.Key)
		if err != nil {
			return err
		}
		if at.IsZero() {
			need = append(need, b.Key)
		} else {
			p.update(b.Key, func(s *blobStatus) { s.ErrorMessage = "" })
		}
	}
	for _, key := range need {
		p.update(key, func(b *blobStatus) { b.willUpload = true })
	}
	defer func() {
		for _, key := range need {
			p.update(key, func(b *blobStatus) { b.willUpload = false })
		}
	}()

	var remote map[string]bool
	if len(need) > smallUploadBatch {
		listed, err := p.remote.List(ctx)
		if err != nil {
			return err
		}
		remote = make(map[string]bool, len(listed))
		for _, b := range listed {
			remote[b.Key] = true
		}
	}
	for _, key := range need {
		if remote[key] {
			if err := p.markUploaded(ctx, key); err != nil {
				return err
			}
			continue
		}
		if remote != nil && p.blobState(key).OverSize {
			continue
		}
		if err := p.uploadBlob(ctx, key); asyncop.IsAborted(err) {
			return err
		}
		if p.isOverCapacity() {
			return nil
		}
	}
	return nil
}

func (p *blobSyncPeer) fullDownload(ctx context.Context) error {
	if err := connectEach(ctx, []storage.Connection{p.local.Connection(), p.remote.Connection()}); err != nil {
		return err
	}
	local, err := p.local.List(ctx)
	if err != nil {
		return err
	}
	remote, err := p.remote.List(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(local))
	for _, b := range local {
		have[b.Key] = true
	}
	var missing []string
	for _, b := range remote {
		if !have[b.Key] {
			missing = append(missing, b.Key)
		}
	}
	for _, key := range missing {
		p.update(key, func(b *blobStatus) { b.willDownload = true })
	}
	defer func() {
		for _, key := range missing {
			p.update(key, func(b *blobStatus) { b.willDownload = false })
		}
	}()
	for _, key := range missing {
		if _, err := p.downloadBlob(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
