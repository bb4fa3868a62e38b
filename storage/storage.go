// Package storage defines the backend-agnostic storage contracts for docs,
// blobs and sync bookkeeping. Every method takes a context; cancelling it
// aborts the call.
package storage

import (
	"context"
	"time"
)

// Type discriminates backend implementations.
type Type string

const (
	TypeMemory   Type = "memory"
	TypeDummy    Type = "dummy"
	TypeLocal    Type = "local"
	TypePostgres Type = "postgres"
	TypeFS       Type = "fs"
	TypeCloud    Type = "cloud"
)

type BlobRecord struct {
	Key       string
	Data      []byte
	Mime      string
	Size      int64
	CreatedAt time.Time
}

// ListedBlob is a BlobRecord without its payload.
type ListedBlob struct {
	Key       string
	Mime      string
	Size      int64
	CreatedAt time.Time
}

type DocClock struct {
	DocID     string
	Timestamp time.Time
}

// DocRecord is the merged state of one doc.
type DocRecord struct {
	DocID     string
	Bin       []byte
	Timestamp time.Time
}

// DocUpdate is one pending update not yet merged into the snapshot.
type DocUpdate struct {
	ID        uint64
	DocID     string
	Bin       []byte
	Timestamp time.Time
}

// DocUpdatedEvent is published after an update is stored.
type DocUpdatedEvent struct {
	DocID     string
	Bin       []byte
	Timestamp time.Time
	// Origin is the peer or component that produced the update.
	Origin string
}

// Storage is implemented by every backend.
type Storage interface {
	Type() Type
	Connection() Connection
}

type DocStorage interface {
	Storage
	GetDocSnapshot(ctx context.Context, docID string) (*DocRecord, error)
	// SetDocSnapshot stores rec unless a newer snapshot exists. It reports
	// whether rec was stored.
	SetDocSnapshot(ctx context.Context, rec DocRecord) (bool, error)
	GetDocUpdates(ctx context.Context, docID string) ([]DocUpdate, error)
	MarkUpdatesMerged(ctx context.Context, docID string, ids []uint64) (int, error)
	// PushUpdate appends an update and returns it with its timestamp.
	PushUpdate(ctx context.Context, docID string, bin []byte, origin string) (DocUpdate, error)
	// GetDoc returns the snapshot merged with pending updates, or nil.
	GetDoc(ctx context.Context, docID string) (*DocRecord, error)
	// GetDocTimestamps lists docs changed after the given time. A zero time
	// lists every doc.
	GetDocTimestamps(ctx context.Context, after time.Time) (map[string]time.Time, error)
	DeleteDoc(ctx context.Context, docID string) error
	Subscribe(fn func(DocUpdatedEvent)) (unsubscribe func())
}

type BlobStorage interface {
	Storage
	Readonly() bool
	// Get returns nil without error when key is unknown.
	Get(ctx context.Context, key string) (*BlobRecord, error)
	// Set stores rec. Size limits are checked before any network I/O and
	// reported as *OverSizeError or *OverCapacityError.
	Set(ctx context.Context, rec BlobRecord) error
	Delete(ctx context.Context, key string, permanently bool) error
	// Release purges soft-deleted blobs.
	Release(ctx context.Context) error
	List(ctx context.Context) ([]ListedBlob, error)
}

// IndexerSyncStorage records how far the search index has processed each
// doc. Clocks never move backwards.
type IndexerSyncStorage interface {
	Storage
	GetDocIndexedClock(ctx context.Context, docID string) (*DocClock, error)
	SetDocIndexedClock(ctx context.Context, clock DocClock) error
	ClearDocIndexedClock(ctx context.Context, docID string) error
}

// BlobSyncStorage remembers when a blob was last uploaded to a peer.
type BlobSyncStorage interface {
	Storage
	GetBlobUploadedAt(ctx context.Context, peer, key string) (time.Time, error)
	SetBlobUploadedAt(ctx context.Context, peer, key string, at time.Time) error
}

// ClockKind selects one of the per-peer doc clocks.
type ClockKind string

const (
	// ClockRemote is the latest timestamp the peer reported for a doc.
	ClockRemote ClockKind = "remote"
	// ClockPulled is the remote timestamp up to which updates were pulled.
	ClockPulled ClockKind = "pulled"
	// ClockPushed is the local timestamp up to which updates were pushed.
	ClockPushed ClockKind = "pushed"
)

// DocSyncStorage keeps per-peer doc clocks. Setting a clock older than the
// stored one is a no-op.
type DocSyncStorage interface {
	Storage
	GetPeerClock(ctx context.Context, peer string, kind ClockKind, docID string) (time.Time, error)
	GetPeerClocks(ctx context.Context, peer string, kind ClockKind) (map[string]time.Time, error)
	SetPeerClock(ctx context.Context, peer string, kind ClockKind, clock DocClock) error
	ClearPeerClocks(ctx context.Context, docID string) error
}
