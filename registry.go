package nbstore

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/go-kit/log"

	"github.com/agentworkforce/nbstore/storage"
)

// Backend bundles the storages one DSN resolves to. Remote backends may
// leave the sync bookkeeping storages nil.
type Backend struct {
	Name        string
	Doc         storage.DocStorage
	Blob        storage.BlobStorage
	DocSync     storage.DocSyncStorage
	BlobSync    storage.BlobSyncStorage
	IndexerSync storage.IndexerSyncStorage

	// OnBlobChange, when set, subscribes to blob writes made outside the
	// storage's own API.
	OnBlobChange func(fn func(key string)) (stop func())

	closeFn func() error
}

// Close releases every connection the backend holds.
func (b *Backend) Close() error {
	if b == nil || b.closeFn == nil {
		return nil
	}
	return b.closeFn()
}

// FactoryOptions carries the settings a factory may need beyond the DSN.
type FactoryOptions struct {
	Token      string
	HTTPClient *http.Client
	Logger     log.Logger
}

type Factory func(ctx context.Context, dsn string, opts FactoryOptions) (*Backend, error)

type factoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var backendRegistry = factoryRegistry{
	factories: map[string]Factory{},
}

// RegisterFactory installs f for scheme, replacing any built-in handler.
func RegisterFactory(scheme string, f Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || f == nil {
		return
	}
	backendRegistry.mu.Lock()
	defer backendRegistry.mu.Unlock()
	backendRegistry.factories[scheme] = f
}

func unregisterFactory(scheme string) {
	scheme = normalizeScheme(scheme)
	backendRegistry.mu.Lock()
	defer backendRegistry.mu.Unlock()
	delete(backendRegistry.factories, scheme)
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	backendRegistry.mu.RLock()
	defer backendRegistry.mu.RUnlock()
	f, ok := backendRegistry.factories[scheme]
	return f, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
