// Package fsblob keeps blobs as plain files in a directory: the content in
// <key>.blob and its metadata in a <key>.meta.json sidecar. With Watch set,
// changes made by other processes are reported to subscribers.
package fsblob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/agentworkforce/nbstore/asyncop"
	"github.com/agentworkforce/nbstore/storage"
)

const (
	blobSuffix = ".blob"
	metaSuffix = ".meta.json"
)

type Options struct {
	Readonly bool
	// Watch reports blob files created, rewritten or removed behind the
	// storage's back.
	Watch  bool
	Logger log.Logger
}

// ChangeEvent names a blob whose file changed on disk.
type ChangeEvent struct {
	Key     string
	Removed bool
}

type blobMeta struct {
	Mime      string `json:"mime"`
	Size      int64  `json:"size"`
	CreatedAt int64  `json:"createdAt"`
	DeletedAt int64  `json:"deletedAt,omitempty"`
}

type BlobStorage struct {
	dir    string
	opts   Options
	logger log.Logger
	conn   *storage.BaseConnection
	events storage.Emitter[ChangeEvent]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func New(dir string, opts Options) (*BlobStorage, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, storage.ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &BlobStorage{dir: dir, opts: opts, logger: log.With(logger, "component", "fsblob", "dir", dir)}
	s.conn = storage.NewBaseConnection(s.open, s.close)
	return s, nil
}

func (s *BlobStorage) Type() storage.Type             { return storage.TypeFS }
func (s *BlobStorage) Connection() storage.Connection { return s.conn }
func (s *BlobStorage) Readonly() bool                 { return s.opts.Readonly }

// Subscribe registers fn for on-disk change events. Events only flow when
// the storage was opened with Watch.
func (s *BlobStorage) Subscribe(fn func(ChangeEvent)) func() {
	return s.events.Subscribe(fn)
}

func (s *BlobStorage) open(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	if !s.opts.Watch {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return err
	}
	s.mu.Lock()
	s.watcher, s.done = w, make(chan struct{})
	s.mu.Unlock()
	go s.watch(w, s.done)
	return nil
}

func (s *BlobStorage) close() error {
	s.mu.Lock()
	w, done := s.watcher, s.done
	s.watcher = nil
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}

func (s *BlobStorage) watch(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, blobSuffix) {
				continue
			}
			key, err := url.PathUnescape(strings.TrimSuffix(name, blobSuffix))
			if err != nil {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
				s.events.Emit(ChangeEvent{Key: key, Removed: true})
			case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
				s.events.Emit(ChangeEvent{Key: key})
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			level.Warn(s.logger).Log("op", "watch", "error", err)
		}
	}
}

func (s *BlobStorage) ready(ctx context.Context) error {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return err
	}
	return s.conn.Connect(ctx)
}

func (s *BlobStorage) paths(key string) (blobPath, metaPath string) {
	name := url.PathEscape(key)
	return filepath.Join(s.dir, name+blobSuffix), filepath.Join(s.dir, name+metaSuffix)
}

func (s *BlobStorage) Get(ctx context.Context, key string) (*storage.BlobRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	blobPath, metaPath := s.paths(key)
	meta, err := readMeta(metaPath)
	if err != nil || meta == nil || meta.DeletedAt != 0 {
		return nil, err
	}
	data, err := os.ReadFile(blobPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &storage.BlobRecord{
		Key:       key,
		Data:      data,
		Mime:      meta.Mime,
		Size:      meta.Size,
		CreatedAt: fromMillis(meta.CreatedAt),
	}, nil
}

func (s *BlobStorage) Set(ctx context.Context, rec storage.BlobRecord) error {
	if s.opts.Readonly {
		return storage.ErrReadonly
	}
	if rec.Key == "" {
		return storage.ErrInvalidInput
	}
	if err := s.ready(ctx); err != nil {
		return err
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	blobPath, metaPath := s.paths(rec.Key)
	if err := writeFileAtomic(blobPath, rec.Data); err != nil {
		return err
	}
	return writeMeta(metaPath, blobMeta{Mime: rec.Mime, Size: int64(len(rec.Data)), CreatedAt: created.UnixMilli()})
}

func (s *BlobStorage) Delete(ctx context.Context, key string, permanently bool) error {
	if s.opts.Readonly {
		return storage.ErrReadonly
	}
	if err := s.ready(ctx); err != nil {
		return err
	}
	blobPath, metaPath := s.paths(key)
	if permanently {
		return removeFiles(blobPath, metaPath)
	}
	meta, err := readMeta(metaPath)
	if err != nil || meta == nil || meta.DeletedAt != 0 {
		return err
	}
	meta.DeletedAt = time.Now().UnixMilli()
	return writeMeta(metaPath, *meta)
}

func (s *BlobStorage) Release(ctx context.Context) error {
	if s.opts.Readonly {
		return storage.ErrReadonly
	}
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.eachMeta(func(key string, meta blobMeta) error {
		if meta.DeletedAt == 0 {
			return nil
		}
		return removeFiles(s.paths(key))
	})
}

func (s *BlobStorage) List(ctx context.Context) ([]storage.ListedBlob, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var out []storage.ListedBlob
	err := s.eachMeta(func(key string, meta blobMeta) error {
		if meta.DeletedAt == 0 {
			out = append(out, storage.ListedBlob{Key: key, Mime: meta.Mime, Size: meta.Size, CreatedAt: fromMillis(meta.CreatedAt)})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, err
}

func (s *BlobStorage) eachMeta(fn func(key string, meta blobMeta) error) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, metaSuffix))
		if err != nil {
			continue
		}
		meta, err := readMeta(filepath.Join(s.dir, name))
		if err != nil {
			return err
		}
		if meta == nil {
			continue
		}
		if err := fn(key, *meta); err != nil {
			return err
		}
	}
	return nil
}

func readMeta(path string) (*blobMeta, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta blobMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", storage.ErrSerialization, filepath.Base(path), err)
	}
	return &meta, nil
}

func writeMeta(path string, meta blobMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func removeFiles(paths ...string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
