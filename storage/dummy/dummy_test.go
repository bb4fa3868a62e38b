package dummy

import (
	"context"
	"testing"

	"github.com/agentworkforce/nbstore/storage"
)

func TestDummyStoragesAreEmpty(t *testing.T) {
	ctx := context.Background()
	blobs := NewBlobStorage()
	if err := blobs.Set(ctx, storage.BlobRecord{Key: "k", Data: []byte("x")}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	rec, err := blobs.Get(ctx, "k")
	if err != nil || rec != nil {
		t.Fatalf("expected nil blob, got %+v (%v)", rec, err)
	}

	docs := NewDocStorage()
	if _, err := docs.PushUpdate(ctx, "doc", []byte{1}, "test"); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	doc, err := docs.GetDoc(ctx, "doc")
	if err != nil || doc != nil {
		t.Fatalf("expected nil doc, got %+v (%v)", doc, err)
	}

	clocks := NewIndexerSyncStorage()
	_ = clocks.SetDocIndexedClock(ctx, storage.DocClock{DocID: "doc", Timestamp: storage.Now()})
	if c, _ := clocks.GetDocIndexedClock(ctx, "doc"); c != nil {
		t.Fatalf("expected nil clock, got %+v", c)
	}
	if docs.Type() != storage.TypeDummy {
		t.Fatalf("expected dummy type, got %s", docs.Type())
	}
}
