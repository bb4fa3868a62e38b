package nbstore

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/agentworkforce/nbstore/asyncop"
	"github.com/agentworkforce/nbstore/nbsync"
	"github.com/agentworkforce/nbstore/storage"
	"github.com/agentworkforce/nbstore/workspace"
)

type BlobFrontendOptions struct {
	// MaxBlobSize caps the size of blobs accepted by Set. Zero means
	// DefaultMaxBlobSize.
	MaxBlobSize int64
	Logger      log.Logger
}

// BlobFrontend serves blobs from local storage and falls back to the
// remote peers for blobs not downloaded yet. Reads and writes of one key
// are serialized.
type BlobFrontend struct {
	local  storage.BlobStorage
	sync   *nbsync.BlobSync
	locks  *asyncop.KeyedLocker
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	maxSize   int64
	listeners map[int]func(size int64)
	nextID    int
}

func NewBlobFrontend(local storage.BlobStorage, bs *nbsync.BlobSync, opts BlobFrontendOptions) *BlobFrontend {
	if opts.MaxBlobSize <= 0 {
		opts.MaxBlobSize = DefaultMaxBlobSize
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BlobFrontend{
		local:     local,
		sync:      bs,
		locks:     asyncop.NewKeyedLocker(),
		logger:    log.With(opts.Logger, "component", "blob-frontend"),
		ctx:       ctx,
		cancel:    cancel,
		maxSize:   opts.MaxBlobSize,
		listeners: map[int]func(int64){},
	}
}

// Get returns the blob for key, downloading it from a peer when the local
// storage does not have it. A blob no peer has yields nil without error.
func (f *BlobFrontend) Get(ctx context.Context, key string) (*storage.BlobRecord, error) {
	rec, err := f.getLocal(ctx, key)
	if err != nil || rec != nil {
		return rec, err
	}
	found, err := f.sync.DownloadBlob(ctx, key)
	if err != nil || !found {
		return nil, err
	}
	return f.getLocal(ctx, key)
}

func (f *BlobFrontend) getLocal(ctx context.Context, key string) (*storage.BlobRecord, error) {
	unlock, err := f.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return f.local.Get(ctx, key)
}

// Set stores rec locally and uploads it to the peers in the background. An
// empty key is replaced by the content hash. Blobs above the size limit
// notify the OnReachedMaxBlobSize listeners and fail with *OverSizeError.
func (f *BlobFrontend) Set(ctx context.Context, rec storage.BlobRecord) (string, error) {
	size := int64(len(rec.Data))
	if limit := f.MaxBlobSize(); size > limit {
		f.reachedMax(size)
		return "", &storage.OverSizeError{Key: rec.Key, Size: size, Limit: limit}
	}
	if rec.Key == "" {
		rec.Key = storage.BlobKey(rec.Data)
	}
	rec.Size = size
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = storage.Now()
	}

	unlock, err := f.locks.Lock(ctx, rec.Key)
	if err != nil {
		return "", err
	}
	err = f.local.Set(ctx, rec)
	unlock()
	if err != nil {
		return "", err
	}

	f.wg.Add(1)
	go func(key string) {
		defer f.wg.Done()
		if err := f.sync.UploadBlob(f.ctx, key); err != nil && !asyncop.IsAborted(err) {
			level.Warn(f.logger).Log("op", "upload", "blob", key, "error", err)
		}
	}(rec.Key)
	return rec.Key, nil
}

func (f *BlobFrontend) Delete(ctx context.Context, key string, permanently bool) error {
	unlock, err := f.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return f.local.Delete(ctx, key, permanently)
}

func (f *BlobFrontend) Release(ctx context.Context) error { return f.local.Release(ctx) }

func (f *BlobFrontend) List(ctx context.Context) ([]storage.ListedBlob, error) {
	return f.local.List(ctx)
}

// FullDownload pulls every blob of peerID, or of every peer when peerID is
// empty, into local storage.
func (f *BlobFrontend) FullDownload(ctx context.Context, peerID string) error {
	return f.sync.FullDownload(ctx, peerID)
}

// State returns the sync state of key across peers.
func (f *BlobFrontend) State(key string) nbsync.BlobState { return f.sync.BlobState(key) }

func (f *BlobFrontend) MaxBlobSize() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSize
}

// SetMaxBlobSize changes the limit. Non-positive values restore the default.
func (f *BlobFrontend) SetMaxBlobSize(n int64) {
	if n <= 0 {
		n = DefaultMaxBlobSize
	}
	f.mu.Lock()
	f.maxSize = n
	f.mu.Unlock()
}

// OnReachedMaxBlobSize registers fn to be called with the size of every
// rejected blob, before Set returns.
func (f *BlobFrontend) OnReachedMaxBlobSize(fn func(size int64)) (remove func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *BlobFrontend) reachedMax(size int64) {
	f.mu.Lock()
	fns := make([]func(int64), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(size)
	}
}

// Wait blocks until every background upload started by Set has finished.
func (f *BlobFrontend) Wait() { f.wg.Wait() }

// Close cancels background uploads and waits for them to return. Blobs
// left behind are picked up by the next full upload.
func (f *BlobFrontend) Close() {
	f.cancel()
	f.wg.Wait()
}

// Source adapts the frontend to a workspace blob source.
func (f *BlobFrontend) Source() workspace.BlobSource { return blobSource{f} }

type blobSource struct{ f *BlobFrontend }

func (s blobSource) Name() string   { return "nbstore" }
func (s blobSource) Readonly() bool { return s.f.local.Readonly() }

func (s blobSource) Get(ctx context.Context, key string) ([]byte, error) {
	rec, err := s.f.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Data, nil
}

func (s blobSource) Set(ctx context.Context, key string, data []byte) (string, error) {
	return s.f.Set(ctx, storage.BlobRecord{Key: key, Data: data})
}

func (s blobSource) Delete(ctx context.Context, key string) error {
	return s.f.Delete(ctx, key, false)
}

func (s blobSource) List(ctx context.Context) ([]string, error) {
	blobs, err := s.f.List(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(blobs))
	for _, b := range blobs {
		keys = append(keys, b.Key)
	}
	return keys, nil
}
