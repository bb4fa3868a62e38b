package workspace

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/agentworkforce/nbstore/storage"
)

// BlobSource is where a workspace reads and writes blobs. Get returns nil
// without error for unknown keys.
type BlobSource interface {
	Name() string
	Readonly() bool
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte) (string, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// MemoryBlobSource keeps blobs in process memory.
type MemoryBlobSource struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryBlobSource() *MemoryBlobSource {
	return &MemoryBlobSource{blobs: map[string][]byte{}}
}

func (*MemoryBlobSource) Name() string   { return "memory" }
func (*MemoryBlobSource) Readonly() bool { return false }

func (m *MemoryBlobSource) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBlobSource) Set(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), data...)
	return key, nil
}

func (m *MemoryBlobSource) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

func (m *MemoryBlobSource) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.blobs))
	for k := range m.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// BlobEngine reads from a main source and falls back to shadow sources.
// Writes land on the main source first and are copied to writable shadows
// in the background.
type BlobEngine struct {
	main    BlobSource
	shadows []BlobSource
	logger  log.Logger
	wg      sync.WaitGroup
}

func NewBlobEngine(main BlobSource, shadows []BlobSource, logger log.Logger) *BlobEngine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &BlobEngine{main: main, shadows: shadows, logger: log.With(logger, "component", "blob-engine")}
}

func (e *BlobEngine) Name() string   { return e.main.Name() }
func (e *BlobEngine) Readonly() bool { return e.main.Readonly() }

func (e *BlobEngine) Get(ctx context.Context, key string) ([]byte, error) {
	var errs []error
	for _, src := range e.sources() {
		data, err := src.Get(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		if data != nil {
			return data, nil
		}
	}
	return nil, errors.Join(errs...)
}

func (e *BlobEngine) Set(ctx context.Context, key string, data []byte) (string, error) {
	if e.main.Readonly() {
		return "", storage.ErrReadonly
	}
	key, err := e.main.Set(ctx, key, data)
	if err != nil {
		return "", err
	}
	for _, src := range e.shadows {
		if src.Readonly() {
			continue
		}
		src := src
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if _, err := src.Set(context.Background(), key, data); err != nil {
				level.Warn(e.logger).Log("op", "shadow-set", "source", src.Name(), "blob", key, "error", err)
			}
		}()
	}
	return key, nil
}

func (e *BlobEngine) Delete(ctx context.Context, key string) error {
	if e.main.Readonly() {
		return storage.ErrReadonly
	}
	var errs []error
	for _, src := range e.sources() {
		if src.Readonly() {
			continue
		}
		if err := src.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *BlobEngine) List(ctx context.Context) ([]string, error) {
	return e.main.List(ctx)
}

// Sync copies blobs that the main source lacks from the shadows, and the
// main source's blobs to writable shadows that lack them.
func (e *BlobEngine) Sync(ctx context.Context) error {
	mainKeys, err := e.main.List(ctx)
	if err != nil {
		return err
	}
	have := toSet(mainKeys)
	for _, src := range e.shadows {
		keys, err := src.List(ctx)
		if err != nil {
			return err
		}
		theirs := toSet(keys)
		if !e.main.Readonly() {
			for _, k := range keys {
				if have[k] {
					continue
				}
				if err := copyBlob(ctx, src, e.main, k); err != nil {
					return err
				}
				have[k] = true
			}
		}
		if src.Readonly() {
			continue
		}
		for _, k := range mainKeys {
			if theirs[k] {
				continue
			}
			if err := copyBlob(ctx, e.main, src, k); err != nil {
				return err
			}
		}
	}
	return nil
}

// Wait blocks until background shadow writes finish.
func (e *BlobEngine) Wait() { e.wg.Wait() }

func (e *BlobEngine) sources() []BlobSource {
	return append([]BlobSource{e.main}, e.shadows...)
}

func copyBlob(ctx context.Context, from, to BlobSource, key string) error {
	data, err := from.Get(ctx, key)
	if err != nil || data == nil {
		return err
	}
	_, err = to.Set(ctx, key, data)
	return err
}

func toSet(keys []string) map[string]bool {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	return out
}
