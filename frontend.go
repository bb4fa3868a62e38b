package nbstore

import (
	"context"
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/agentworkforce/nbstore/nbsync"
	"github.com/agentworkforce/nbstore/storage"
	"github.com/agentworkforce/nbstore/workspace"
)

// ErrNoIndexer is returned by indexer waits on a store opened without an
// indexer.
var ErrNoIndexer = errors.New("nbstore: no indexer configured")

// openDocPriority is the sync boost an opened doc keeps until disposed.
const openDocPriority = 10

// DocFrontend connects workspaces and their docs to the local doc storage.
type DocFrontend struct {
	local   storage.DocStorage
	sync    *nbsync.DocSync
	indexer *nbsync.IndexerSync
	logger  log.Logger
}

// Attach loads the root doc of ws and keeps it persisted. Docs removed from
// ws stop syncing and leave the index before their meta entry is deleted.
func (f *DocFrontend) Attach(ctx context.Context, ws *workspace.Workspace) (detach func(), err error) {
	if err := ws.Load(ctx, f.local); err != nil {
		return nil, err
	}
	stop := ws.Persist(f.local)
	unsub := ws.OnBeforeRemoveDoc(f.removeDoc)
	return func() {
		unsub()
		stop()
	}, nil
}

// OpenDoc loads doc from local storage and persists its later updates. The
// doc is synced ahead of others until it is disposed.
func (f *DocFrontend) OpenDoc(ctx context.Context, doc *workspace.Doc) error {
	if err := doc.Load(ctx, f.local); err != nil {
		return err
	}
	doc.Persist(f.local)
	undo := f.sync.AddPriority(doc.ID(), openDocPriority)
	doc.OnDispose(undo)
	return nil
}

func (f *DocFrontend) removeDoc(docID string) {
	if docID == "" {
		return
	}
	f.sync.DisposeDoc(docID)
	if f.indexer == nil {
		return
	}
	if err := f.indexer.RemoveDoc(context.Background(), docID); err != nil {
		level.Warn(f.logger).Log("op", "remove-doc", "doc", docID, "error", err)
	}
}

func (f *DocFrontend) State() nbsync.EngineState { return f.sync.State().Get() }

func (f *DocFrontend) DocState(docID string) nbsync.ItemState { return f.sync.DocState(docID) }

func (f *DocFrontend) WaitForSynced(ctx context.Context) error {
	return f.sync.WaitForCompleted(ctx)
}

func (f *DocFrontend) WaitForDocSynced(ctx context.Context, docID string) error {
	return f.sync.WaitForDocCompleted(ctx, docID)
}

// IndexerFrontend exposes the indexer sync engine. Every method is usable on
// a store without an indexer.
type IndexerFrontend struct {
	sync *nbsync.IndexerSync
}

func (f *IndexerFrontend) Enabled() bool { return f.sync != nil }

func (f *IndexerFrontend) AddPriority(docID string, priority int) (undo func()) {
	if f.sync == nil {
		return func() {}
	}
	return f.sync.AddPriority(docID, priority)
}

func (f *IndexerFrontend) State() nbsync.EngineState {
	if f.sync == nil {
		return nbsync.EngineState{}
	}
	return f.sync.State().Get()
}

func (f *IndexerFrontend) DocState(docID string) nbsync.ItemState {
	if f.sync == nil {
		return nbsync.NeverSynced
	}
	return f.sync.DocState(docID)
}

func (f *IndexerFrontend) WaitForCompleted(ctx context.Context) error {
	if f.sync == nil {
		return ErrNoIndexer
	}
	return f.sync.WaitForCompleted(ctx)
}

func (f *IndexerFrontend) WaitForDocCompleted(ctx context.Context, docID string) error {
	if f.sync == nil {
		return ErrNoIndexer
	}
	return f.sync.WaitForDocCompleted(ctx, docID)
}

// WaitForDocCompletedWithPriority boosts docID for the duration of the wait.
// The boost is withdrawn however the wait ends.
func (f *IndexerFrontend) WaitForDocCompletedWithPriority(ctx context.Context, docID string, priority int) error {
	if f.sync == nil {
		return ErrNoIndexer
	}
	undo := f.sync.AddPriority(docID, priority)
	defer undo()
	return f.sync.WaitForDocCompleted(ctx, docID)
}
