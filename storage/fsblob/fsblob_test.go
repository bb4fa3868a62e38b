package fsblob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/nbstore/storage"
	"github.com/agentworkforce/nbstore/storage/storagetest"
)

func newTestStorage(t *testing.T, opts Options) *BlobStorage {
	t.Helper()
	s, err := New(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("new fs blob storage failed: %v", err)
	}
	if err := s.Connection().Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Connection().Close() })
	return s
}

func TestBlobStorageConformance(t *testing.T) {
	storagetest.RunBlobStorage(t, func(t *testing.T) storage.BlobStorage { return newTestStorage(t, Options{}) })
}

func TestKeysAreEscapedOnDisk(t *testing.T) {
	s := newTestStorage(t, Options{})
	ctx := context.Background()
	if err := s.Set(ctx, storage.BlobRecord{Key: "a/b", Data: []byte("x")}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.dir, "a%2Fb.blob")); err != nil {
		t.Fatalf("expected escaped blob file: %v", err)
	}
	list, err := s.List(ctx)
	if err != nil || len(list) != 1 || list[0].Key != "a/b" {
		t.Fatalf("expected key round trip, got %+v (%v)", list, err)
	}
}

func TestReadonlyRejectsWrites(t *testing.T) {
	s := newTestStorage(t, Options{Readonly: true})
	ctx := context.Background()
	if err := s.Set(ctx, storage.BlobRecord{Key: "k", Data: []byte("x")}); !errors.Is(err, storage.ErrReadonly) {
		t.Fatalf("expected ErrReadonly from set, got %v", err)
	}
	if err := s.Delete(ctx, "k", true); !errors.Is(err, storage.ErrReadonly) {
		t.Fatalf("expected ErrReadonly from delete, got %v", err)
	}
	if !s.Readonly() {
		t.Fatalf("expected readonly storage")
	}
}

func TestCorruptMetaIsSerializationError(t *testing.T) {
	s := newTestStorage(t, Options{})
	if err := os.WriteFile(filepath.Join(s.dir, "bad"+metaSuffix), []byte("{"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := s.Get(context.Background(), "bad"); !errors.Is(err, storage.ErrSerialization) {
		t.Fatalf("expected ErrSerialization, got %v", err)
	}
}

func TestWatchReportsExternalChanges(t *testing.T) {
	s := newTestStorage(t, Options{Watch: true})
	events := make(chan ChangeEvent, 16)
	unsub := s.Subscribe(func(e ChangeEvent) { events <- e })
	defer unsub()

	if err := os.WriteFile(filepath.Join(s.dir, "ext"+blobSuffix), []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	waitEvent(t, events, ChangeEvent{Key: "ext"})

	if err := os.Remove(filepath.Join(s.dir, "ext"+blobSuffix)); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	waitEvent(t, events, ChangeEvent{Key: "ext", Removed: true})
}

func waitEvent(t *testing.T, events <-chan ChangeEvent, want ChangeEvent) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-events:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %+v", want)
		}
	}
}
