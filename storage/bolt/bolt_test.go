package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/nbstore/storage"
	"github.com/agentworkforce/nbstore/storage/storagetest"
)

func openTemp(t *testing.T) *Storages {
	t.Helper()
	s := Open(filepath.Join(t.TempDir(), "local.db"), Options{NoSync: true})
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("close failed: %v", err)
		}
	})
	return s
}

func TestDocStorageConformance(t *testing.T) {
	storagetest.RunDocStorage(t, func(t *testing.T) storage.DocStorage { return openTemp(t).Doc })
}

func TestBlobStorageConformance(t *testing.T) {
	storagetest.RunBlobStorage(t, func(t *testing.T) storage.BlobStorage { return openTemp(t).Blob })
}

func TestIndexerSyncStorageConformance(t *testing.T) {
	storagetest.RunIndexerSyncStorage(t, func(t *testing.T) storage.IndexerSyncStorage { return openTemp(t).IndexerSync })
}

func TestBlobSyncStorageConformance(t *testing.T) {
	storagetest.RunBlobSyncStorage(t, func(t *testing.T) storage.BlobSyncStorage { return openTemp(t).BlobSync })
}

func TestDocSyncStorageConformance(t *testing.T) {
	storagetest.RunDocSyncStorage(t, func(t *testing.T) storage.DocSyncStorage { return openTemp(t).DocSync })
}

func TestStoragesShareOneFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	a := Open(path, Options{NoSync: true})
	ctx := context.Background()
	if err := a.Blob.Set(ctx, storage.BlobRecord{Key: "k", Data: []byte("v")}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := a.Doc.GetDocTimestamps(ctx, time.Time{}); err != nil {
		t.Fatalf("timestamps failed: %v", err)
	}
	key := connKey(path)
	if refs := storage.SharedRefs(key); refs != 2 {
		t.Fatalf("expected 2 holders of the shared db, got %d", refs)
	}

	// A second bundle on the same path reuses the open handle rather than
	// blocking on bbolt's file lock.
	b := Open(path, Options{NoSync: true})
	got, err := b.Blob.Get(ctx, "k")
	if err != nil || got == nil || string(got.Data) != "v" {
		t.Fatalf("expected blob through shared handle, got %+v (%v)", got, err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close a failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close b failed: %v", err)
	}
	if refs := storage.SharedRefs(key); refs != 0 {
		t.Fatalf("expected handle released, got %d refs", refs)
	}

	reopened := Open(path, Options{NoSync: true})
	defer reopened.Close()
	got, err = reopened.Blob.Get(ctx, "k")
	if err != nil || got == nil {
		t.Fatalf("expected blob to persist across reopen, got %+v (%v)", got, err)
	}
}
