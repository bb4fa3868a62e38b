// Package dummy provides storages that persist nothing. Reads are empty and
// writes succeed without effect.
package dummy

import (
	"context"
	"time"

	"github.com/agentworkforce/nbstore/storage"
)

type base struct{}

func (base) Type() storage.Type             { return storage.TypeDummy }
func (base) Connection() storage.Connection { return storage.NoopConnection{} }

type DocStorage struct{ base }

func NewDocStorage() *DocStorage { return &DocStorage{} }

func (*DocStorage) GetDocSnapshot(context.Context, string) (*storage.DocRecord, error) {
	return nil, nil
}

func (*DocStorage) SetDocSnapshot(context.Context, storage.DocRecord) (bool, error) {
	return false, nil
}

func (*DocStorage) GetDocUpdates(context.Context, string) ([]storage.DocUpdate, error) {
	return nil, nil
}

func (*DocStorage) MarkUpdatesMerged(context.Context, string, []uint64) (int, error) {
	return 0, nil
}

func (*DocStorage) PushUpdate(_ context.Context, docID string, bin []byte, _ string) (storage.DocUpdate, error) {
	return storage.DocUpdate{DocID: docID, Bin: bin, Timestamp: storage.Now()}, nil
}

func (*DocStorage) GetDoc(context.Context, string) (*storage.DocRecord, error) {
	return nil, nil
}

func (*DocStorage) GetDocTimestamps(context.Context, time.Time) (map[string]time.Time, error) {
	return map[string]time.Time{}, nil
}

func (*DocStorage) DeleteDoc(context.Context, string) error { return nil }

func (*DocStorage) Subscribe(func(storage.DocUpdatedEvent)) func() { return func() {} }

type BlobStorage struct{ base }

func NewBlobStorage() *BlobStorage { return &BlobStorage{} }

func (*BlobStorage) Readonly() bool { return false }

func (*BlobStorage) Get(context.Context, string) (*storage.BlobRecord, error) { return nil, nil }
func (*BlobStorage) Set(context.Context, storage.BlobRecord) error           { return nil }
func (*BlobStorage) Delete(context.Context, string, bool) error              { return nil }
func (*BlobStorage) Release(context.Context) error                           { return nil }

func (*BlobStorage) List(context.Context) ([]storage.ListedBlob, error) {
	return nil, nil
}

type IndexerSyncStorage struct{ base }

func NewIndexerSyncStorage() *IndexerSyncStorage { return &IndexerSyncStorage{} }

func (*IndexerSyncStorage) GetDocIndexedClock(context.Context, string) (*storage.DocClock, error) {
	return nil, nil
}

func (*IndexerSyncStorage) SetDocIndexedClock(context.Context, storage.DocClock) error { return nil }
func (*IndexerSyncStorage) ClearDocIndexedClock(context.Context, string) error         { return nil }

type BlobSyncStorage struct{ base }

func NewBlobSyncStorage() *BlobSyncStorage { return &BlobSyncStorage{} }

func (*BlobSyncStorage) GetBlobUploadedAt(context.Context, string, string) (time.Time, error) {
	return time.Time{}, nil
}

func (*BlobSyncStorage) SetBlobUploadedAt(context.Context, string, string, time.Time) error {
	return nil
}

type DocSyncStorage struct{ base }

func NewDocSyncStorage() *DocSyncStorage { return &DocSyncStorage{} }

func (*DocSyncStorage) GetPeerClock(context.Context, string, storage.ClockKind, string) (time.Time, error) {
	return time.Time{}, nil
}

func (*DocSyncStorage) GetPeerClocks(context.Context, string, storage.ClockKind) (map[string]time.Time, error) {
	return map[string]time.Time{}, nil
}

func (*DocSyncStorage) SetPeerClock(context.Context, string, storage.ClockKind, storage.DocClock) error {
	return nil
}

func (*DocSyncStorage) ClearPeerClocks(context.Context, string) error { return nil }

var (
	_ storage.DocStorage         = (*DocStorage)(nil)
	_ storage.BlobStorage        = (*BlobStorage)(nil)
	_ storage.IndexerSyncStorage = (*IndexerSyncStorage)(nil)
	_ storage.BlobSyncStorage    = (*BlobSyncStorage)(nil)
	_ storage.DocSyncStorage     = (*DocSyncStorage)(nil)
)
