// Package storagetest is a conformance suite for storage backends.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/agentworkforce/nbstore/crdt"
	"github.com/agentworkforce/nbstore/storage"
)

func update(t *testing.T, client uint64, key string, value any) []byte {
	t.Helper()
	d := crdt.NewDocWithClientID("doc", client)
	if err := d.Map("m").Set(key, value); err != nil {
		t.Fatalf("build update failed: %v", err)
	}
	return d.EncodeStateAsUpdate(nil)
}

func applied(t *testing.T, bin []byte) map[string]any {
	t.Helper()
	d := crdt.NewDocWithClientID("reader", 99)
	if err := d.ApplyUpdate(bin, nil); err != nil {
		t.Fatalf("apply update failed: %v", err)
	}
	return d.Map("m").Entries()
}

// RunDocStorage exercises a DocStorage. newStorage must return an empty,
// connected storage.
func RunDocStorage(t *testing.T, newStorage func(t *testing.T) storage.DocStorage) {
	ctx := context.Background()

	t.Run("missing doc", func(t *testing.T) {
		s := newStorage(t)
		doc, err := s.GetDoc(ctx, "nope")
		if err != nil || doc != nil {
			t.Fatalf("expected nil doc, got %+v (%v)", doc, err)
		}
	})

	t.Run("push and squash", func(t *testing.T) {
		s := newStorage(t)
		var events []storage.DocUpdatedEvent
		unsub := s.Subscribe(func(e storage.DocUpdatedEvent) { events = append(events, e) })
		defer unsub()

		u1, err := s.PushUpdate(ctx, "doc", update(t, 1, "a", "x"), "test")
		if err != nil {
			t.Fatalf("push failed: %v", err)
		}
		u2, err := s.PushUpdate(ctx, "doc", update(t, 2, "b", int64(2)), "test")
		if err != nil {
			t.Fatalf("push failed: %v", err)
		}
		if !u2.Timestamp.After(u1.Timestamp) {
			t.Fatalf("expected increasing timestamps, got %s then %s", u1.Timestamp, u2.Timestamp)
		}
		if len(events) != 2 || events[0].DocID != "doc" || events[1].Origin != "test" {
			t.Fatalf("unexpected events: %+v", events)
		}

		doc, err := s.GetDoc(ctx, "doc")
		if err != nil || doc == nil {
			t.Fatalf("get doc failed: %+v (%v)", doc, err)
		}
		if !doc.Timestamp.Equal(u2.Timestamp) {
			t.Fatalf("expected doc timestamp %s, got %s", u2.Timestamp, doc.Timestamp)
		}
		want := map[string]any{"a": "x", "b": int64(2)}
		if diff := cmp.Diff(want, applied(t, doc.Bin)); diff != "" {
			t.Fatalf("merged doc mismatch (-want +got):\n%s", diff)
		}

		pending, err := s.GetDocUpdates(ctx, "doc")
		if err != nil || len(pending) != 0 {
			t.Fatalf("expected updates squashed, got %d (%v)", len(pending), err)
		}
		snap, err := s.GetDocSnapshot(ctx, "doc")
		if err != nil || snap == nil {
			t.Fatalf("expected snapshot after squash, got %+v (%v)", snap, err)
		}
	})

	t.Run("snapshot never regresses", func(t *testing.T) {
		s := newStorage(t)
		now := storage.Now()
		ok, err := s.SetDocSnapshot(ctx, storage.DocRecord{DocID: "doc", Bin: update(t, 1, "v", "new"), Timestamp: now})
		if err != nil || !ok {
			t.Fatalf("set snapshot failed: %v (%v)", ok, err)
		}
		ok, err = s.SetDocSnapshot(ctx, storage.DocRecord{DocID: "doc", Bin: update(t, 1, "v", "old"), Timestamp: now.Add(-time.Second)})
		if err != nil || ok {
			t.Fatalf("expected older snapshot to be rejected, got %v (%v)", ok, err)
		}
		snap, _ := s.GetDocSnapshot(ctx, "doc")
		if got := applied(t, snap.Bin)["v"]; got != "new" {
			t.Fatalf("expected newest snapshot kept, got %v", got)
		}
	})

	t.Run("timestamps and delete", func(t *testing.T) {
		s := newStorage(t)
		a, _ := s.PushUpdate(ctx, "a", update(t, 1, "k", 1), "")
		b, _ := s.PushUpdate(ctx, "b", update(t, 1, "k", 2), "")
		all, err := s.GetDocTimestamps(ctx, time.Time{})
		if err != nil {
			t.Fatalf("timestamps failed: %v", err)
		}
		if len(all) != 2 || !all["a"].Equal(a.Timestamp) || !all["b"].Equal(b.Timestamp) {
			t.Fatalf("unexpected timestamps: %v", all)
		}
		later, _ := s.GetDocTimestamps(ctx, b.Timestamp)
		if len(later) != 0 {
			t.Fatalf("expected nothing after newest timestamp, got %v", later)
		}
		if err := s.DeleteDoc(ctx, "a"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if doc, _ := s.GetDoc(ctx, "a"); doc != nil {
			t.Fatalf("expected deleted doc to be gone, got %+v", doc)
		}
	})

	t.Run("malformed update", func(t *testing.T) {
		s := newStorage(t)
		_, err := s.PushUpdate(ctx, "doc", []byte{0xc1}, "")
		if !errors.Is(err, storage.ErrSerialization) {
			t.Fatalf("expected serialization error, got %v", err)
		}
	})
}

// RunBlobStorage exercises a writable BlobStorage.
func RunBlobStorage(t *testing.T, newStorage func(t *testing.T) storage.BlobStorage) {
	ctx := context.Background()

	t.Run("set get list", func(t *testing.T) {
		s := newStorage(t)
		created := storage.Millis(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
		rec := storage.BlobRecord{Key: "k1", Data: []byte("hello"), Mime: "text/plain", CreatedAt: created}
		if err := s.Set(ctx, rec); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		got, err := s.Get(ctx, "k1")
		if err != nil || got == nil {
			t.Fatalf("get failed: %+v (%v)", got, err)
		}
		rec.Size = 5
		if diff := cmp.Diff(rec, *got); diff != "" {
			t.Fatalf("blob mismatch (-want +got):\n%s", diff)
		}
		missing, err := s.Get(ctx, "absent")
		if err != nil || missing != nil {
			t.Fatalf("expected nil for absent blob, got %+v (%v)", missing, err)
		}
		list, err := s.List(ctx)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		want := []storage.ListedBlob{{Key: "k1", Mime: "text/plain", Size: 5, CreatedAt: created}}
		if diff := cmp.Diff(want, list); diff != "" {
			t.Fatalf("list mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("soft delete and release", func(t *testing.T) {
		s := newStorage(t)
		for _, k := range []string{"a", "b"} {
			if err := s.Set(ctx, storage.BlobRecord{Key: k, Data: []byte(k)}); err != nil {
				t.Fatalf("set %s failed: %v", k, err)
			}
		}
		if err := s.Delete(ctx, "a", false); err != nil {
			t.Fatalf("soft delete failed: %v", err)
		}
		if err := s.Delete(ctx, "b", true); err != nil {
			t.Fatalf("hard delete failed: %v", err)
		}
		if got, _ := s.Get(ctx, "a"); got != nil {
			t.Fatalf("soft-deleted blob still readable")
		}
		if list, _ := s.List(ctx); len(list) != 0 {
			t.Fatalf("expected empty list, got %+v", list)
		}
		if err := s.Release(ctx); err != nil {
			t.Fatalf("release failed: %v", err)
		}
		if err := s.Set(ctx, storage.BlobRecord{Key: "a", Data: []byte("again")}); err != nil {
			t.Fatalf("re-set after release failed: %v", err)
		}
		if got, _ := s.Get(ctx, "a"); got == nil || string(got.Data) != "again" {
			t.Fatalf("expected re-set blob, got %+v", got)
		}
	})
}

// RunIndexerSyncStorage exercises an IndexerSyncStorage.
func RunIndexerSyncStorage(t *testing.T, newStorage func(t *testing.T) storage.IndexerSyncStorage) {
	ctx := context.Background()
	s := newStorage(t)

	if c, err := s.GetDocIndexedClock(ctx, "doc"); err != nil || c != nil {
		t.Fatalf("expected no clock, got %+v (%v)", c, err)
	}
	t1 := storage.Millis(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	t0 := t1.Add(-time.Hour)
	if err := s.SetDocIndexedClock(ctx, storage.DocClock{DocID: "doc", Timestamp: t1}); err != nil {
		t.Fatalf("set clock failed: %v", err)
	}
	if err := s.SetDocIndexedClock(ctx, storage.DocClock{DocID: "doc", Timestamp: t0}); err != nil {
		t.Fatalf("set older clock failed: %v", err)
	}
	c, err := s.GetDocIndexedClock(ctx, "doc")
	if err != nil || c == nil || !c.Timestamp.Equal(t1) {
		t.Fatalf("expected clock to stay at %s, got %+v (%v)", t1, c, err)
	}
	if err := s.ClearDocIndexedClock(ctx, "doc"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if c, _ := s.GetDocIndexedClock(ctx, "doc"); c != nil {
		t.Fatalf("expected cleared clock, got %+v", c)
	}
}

// RunBlobSyncStorage exercises a BlobSyncStorage.
func RunBlobSyncStorage(t *testing.T, newStorage func(t *testing.T) storage.BlobSyncStorage) {
	ctx := context.Background()
	s := newStorage(t)
	at := storage.Millis(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	if err := s.SetBlobUploadedAt(ctx, "cloud", "k", at); err != nil {
		t.Fatalf("set uploaded failed: %v", err)
	}
	got, err := s.GetBlobUploadedAt(ctx, "cloud", "k")
	if err != nil || !got.Equal(at) {
		t.Fatalf("expected %s, got %s (%v)", at, got, err)
	}
	if other, _ := s.GetBlobUploadedAt(ctx, "other", "k"); !other.IsZero() {
		t.Fatalf("expected zero time for other peer, got %s", other)
	}
}

// RunDocSyncStorage exercises a DocSyncStorage.
func RunDocSyncStorage(t *testing.T, newStorage func(t *testing.T) storage.DocSyncStorage) {
	ctx := context.Background()
	s := newStorage(t)
	t1 := storage.Millis(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	for _, kind := range []storage.ClockKind{storage.ClockRemote, storage.ClockPulled, storage.ClockPushed} {
		if err := s.SetPeerClock(ctx, "cloud", kind, storage.DocClock{DocID: "doc", Timestamp: t1}); err != nil {
			t.Fatalf("set %s clock failed: %v", kind, err)
		}
		if err := s.SetPeerClock(ctx, "cloud", kind, storage.DocClock{DocID: "doc", Timestamp: t1.Add(-time.Minute)}); err != nil {
			t.Fatalf("set older %s clock failed: %v", kind, err)
		}
		got, err := s.GetPeerClock(ctx, "cloud", kind, "doc")
		if err != nil || !got.Equal(t1) {
			t.Fatalf("%s clock: expected %s, got %s (%v)", kind, t1, got, err)
		}
	}
	all, err := s.GetPeerClocks(ctx, "cloud", storage.ClockPulled)
	if err != nil || len(all) != 1 || !all["doc"].Equal(t1) {
		t.Fatalf("unexpected clocks: %v (%v)", all, err)
	}
	if err := s.ClearPeerClocks(ctx, "doc"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if got, _ := s.GetPeerClock(ctx, "cloud", storage.ClockPushed, "doc"); !got.IsZero() {
		t.Fatalf("expected cleared clock, got %s", got)
	}
}
