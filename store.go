// Package nbstore bundles a local storage, its remote peers and the sync
// engines between them behind doc, blob and indexer frontends.
package nbstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/agentworkforce/nbstore/nbsync"
	"github.com/agentworkforce/nbstore/storage"
)

type Store struct {
	local   *Backend
	remotes []*Backend
	logger  log.Logger

	DocSync     *nbsync.DocSync
	BlobSync    *nbsync.BlobSync
	IndexerSync *nbsync.IndexerSync

	Doc     *DocFrontend
	Blob    *BlobFrontend
	Indexer *IndexerFrontend

	mu        sync.Mutex
	started   bool
	closed    bool
	stopWatch func()
}

// Open builds the local backend and every remote peer from their DSNs and
// wires the sync engines between them. Nothing runs until Start.
func Open(ctx context.Context, opts Options) (_ *Store, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.LocalDSN == "" {
		opts.LocalDSN = defaultLocalDSN
	}
	fopts := FactoryOptions{Token: opts.Token, HTTPClient: opts.HTTPClient, Logger: logger}

	s := &Store{logger: logger}
	defer func() {
		if err != nil {
			s.closeBackends()
		}
	}()

	s.local, err = BuildBackendFromDSN(ctx, opts.LocalDSN, fopts)
	if err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	if s.local.Doc == nil || s.local.Blob == nil || s.local.DocSync == nil || s.local.BlobSync == nil {
		return nil, fmt.Errorf("%w: local storage %s lacks sync bookkeeping", storage.ErrInvalidInput, s.local.Name)
	}

	var docPeers []nbsync.DocPeer
	var blobPeers []nbsync.BlobPeer
	for _, dsn := range opts.RemoteDSNs {
		remote, err := BuildBackendFromDSN(ctx, dsn, fopts)
		if err != nil {
			return nil, fmt.Errorf("remote storage: %w", err)
		}
		s.remotes = append(s.remotes, remote)
		if remote.Doc != nil {
			docPeers = append(docPeers, nbsync.DocPeer{ID: remote.Name, Remote: remote.Doc})
		}
		if remote.Blob != nil {
			blobPeers = append(blobPeers, nbsync.BlobPeer{ID: remote.Name, Remote: remote.Blob})
		}
	}

	s.DocSync, err = nbsync.NewDocSync(nbsync.DocSyncOptions{
		Local:           s.local.Doc,
		Clocks:          s.local.DocSync,
		Peers:           docPeers,
		Retry:           opts.Retry,
		RefreshInterval: opts.DocRefreshInterval,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	s.BlobSync, err = nbsync.NewBlobSync(nbsync.BlobSyncOptions{
		Local:          s.local.Blob,
		Sync:           s.local.BlobSync,
		Peers:          blobPeers,
		UploadInterval: opts.BlobUploadInterval,
		UploadRetry:    opts.Retry,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	if opts.Indexer != nil {
		if s.local.IndexerSync == nil {
			return nil, fmt.Errorf("%w: local storage %s cannot track index clocks", storage.ErrInvalidInput, s.local.Name)
		}
		s.IndexerSync, err = nbsync.NewIndexerSync(nbsync.IndexerSyncOptions{
			Docs:    s.local.Doc,
			Clocks:  s.local.IndexerSync,
			Indexer: opts.Indexer,
			Retry:   opts.Retry,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
	}

	s.Blob = NewBlobFrontend(s.local.Blob, s.BlobSync, BlobFrontendOptions{MaxBlobSize: opts.MaxBlobSize, Logger: logger})
	s.Indexer = &IndexerFrontend{sync: s.IndexerSync}
	s.Doc = &DocFrontend{local: s.local.Doc, sync: s.DocSync, indexer: s.IndexerSync, logger: logger}
	return s, nil
}

// Local returns the backend the frontends read and write.
func (s *Store) Local() *Backend { return s.local }

// Start runs the sync engines until Close or until ctx ends.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	if s.local.OnBlobChange != nil {
		if err := s.local.Blob.Connection().Connect(ctx); err != nil {
			level.Warn(s.logger).Log("op", "start", "msg", "local blob storage unavailable", "error", err)
		}
		s.stopWatch = s.local.OnBlobChange(func(string) { s.BlobSync.NotifyLocalChange() })
	}
	s.DocSync.Start(ctx)
	s.BlobSync.Start(ctx)
	if s.IndexerSync != nil {
		s.IndexerSync.Start(ctx)
	}
	level.Info(s.logger).Log("op", "start", "local", s.local.Name, "remotes", len(s.remotes))
}

// Close cancels background uploads, stops the engines and closes every
// backend. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stopWatch := s.stopWatch
	s.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	s.Blob.Close()
	s.DocSync.Stop()
	s.BlobSync.Stop()
	if s.IndexerSync != nil {
		s.IndexerSync.Stop()
	}
	return s.closeBackends()
}

func (s *Store) closeBackends() error {
	var errs []error
	for _, b := range append([]*Backend{s.local}, s.remotes...) {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", b.Name, err))
		}
	}
	return errors.Join(errs...)
}
