package nbsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/nbstore/asyncop"
	"github.com/agentworkforce/nbstore/storage"
	"github.com/agentworkforce/nbstore/storage/memory"
)

type fakeIndexer struct {
	mu      sync.Mutex
	indexed map[string]int
	removed []string
	failFor string
}

func newFakeIndexer() *fakeIndexer { return &fakeIndexer{indexed: map[string]int{}} }

func (f *fakeIndexer) IndexDoc(ctx context.Context, doc storage.DocRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc.DocID == f.failFor {
		return storage.ErrSerialization
	}
	f.indexed[doc.DocID]++
	return nil
}

func (f *fakeIndexer) RemoveDoc(ctx context.Context, docID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, docID)
	return nil
}

func (f *fakeIndexer) count(docID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.indexed[docID]
}

func newTestIndexerSync(t *testing.T, docs storage.DocStorage, clocks storage.IndexerSyncStorage, idx Indexer) *IndexerSync {
	t.Helper()
	s, err := NewIndexerSync(IndexerSyncOptions{
		Docs:    docs,
		Clocks:  clocks,
		Indexer: idx,
		Retry:   asyncop.RetryConfig{Count: 1, Delay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new indexer sync: %v", err)
	}
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func TestIndexerSyncCatchesUp(t *testing.T) {
	ctx := testContext(t)
	docs := memory.NewDocStorage()
	clocks := memory.NewIndexerSyncStorage()
	idx := newFakeIndexer()
	for _, id := range []string{"a", "b"} {
		if _, err := docs.PushUpdate(ctx, id, propsUpdate(t, 1, "title", id), "editor"); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}

	s := newTestIndexerSync(t, docs, clocks, idx)
	if err := s.WaitForCompleted(ctx); err != nil {
		t.Fatalf("wait for completed: %v", err)
	}
	if idx.count("a") != 1 || idx.count("b") != 1 {
		t.Fatalf("expected both docs indexed once, got a=%d b=%d", idx.count("a"), idx.count("b"))
	}

	u, err := docs.PushUpdate(ctx, "a", propsUpdate(t, 1, "title", "renamed"), "editor")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := s.WaitForDocCompleted(ctx, "a"); err != nil {
		t.Fatalf("wait for doc: %v", err)
	}
	if idx.count("a") != 2 {
		t.Fatalf("expected reindex of a, got %d", idx.count("a"))
	}
	clock, err := clocks.GetDocIndexedClock(ctx, "a")
	if err != nil || clock == nil || !clock.Timestamp.Equal(u.Timestamp) {
		t.Fatalf("indexed clock %+v, %v; want %v", clock, err, u.Timestamp)
	}
}

func TestIndexerSyncSkipsUpToDateDocs(t *testing.T) {
	ctx := testContext(t)
	docs := memory.NewDocStorage()
	clocks := memory.NewIndexerSyncStorage()
	u, err := docs.PushUpdate(ctx, "a", propsUpdate(t, 1, "title", "a"), "editor")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := clocks.SetDocIndexedClock(ctx, storage.DocClock{DocID: "a", Timestamp: u.Timestamp}); err != nil {
		t.Fatalf("seed clock: %v", err)
	}
	idx := newFakeIndexer()
	s := newTestIndexerSync(t, docs, clocks, idx)
	if err := s.WaitForCompleted(ctx); err != nil {
		t.Fatalf("wait for completed: %v", err)
	}
	if idx.count("a") != 0 {
		t.Fatalf("up to date doc was reindexed")
	}
	if got := s.DocState("a"); got != Synced {
		t.Fatalf("expected synced, got %s", got)
	}
}

func TestIndexerSyncRemoveDoc(t *testing.T) {
	ctx := testContext(t)
	docs := memory.NewDocStorage()
	clocks := memory.NewIndexerSyncStorage()
	idx := newFakeIndexer()
	if _, err := docs.PushUpdate(ctx, "a", propsUpdate(t, 1, "title", "a"), "editor"); err != nil {
		t.Fatalf("push: %v", err)
	}
	s := newTestIndexerSync(t, docs, clocks, idx)
	if err := s.WaitForDocCompleted(ctx, "a"); err != nil {
		t.Fatalf("wait for doc: %v", err)
	}
	if err := s.RemoveDoc(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if clock, _ := clocks.GetDocIndexedClock(ctx, "a"); clock != nil {
		t.Fatalf("clock not cleared: %+v", clock)
	}
	if len(idx.removed) != 1 || idx.removed[0] != "a" {
		t.Fatalf("indexer removals %v", idx.removed)
	}
	if got := s.DocState("a"); got != Disposed {
		t.Fatalf("expected disposed, got %s", got)
	}
}

func TestIndexerSyncRecordsPermanentFailure(t *testing.T) {
	ctx := testContext(t)
	docs := memory.NewDocStorage()
	idx := newFakeIndexer()
	idx.failFor = "bad"
	if _, err := docs.PushUpdate(ctx, "bad", propsUpdate(t, 1, "title", "x"), "editor"); err != nil {
		t.Fatalf("push: %v", err)
	}
	s := newTestIndexerSync(t, docs, memory.NewIndexerSyncStorage(), idx)
	if err := s.WaitForCompleted(ctx); err != nil {
		t.Fatalf("wait for completed: %v", err)
	}
	if got := s.DocState("bad"); got != Errored {
		t.Fatalf("expected error state, got %s", got)
	}
	if err := s.State().Get().Err; !errors.Is(err, storage.ErrSerialization) {
		t.Fatalf("expected serialization error in slot, got %v", err)
	}
}

func TestIndexerWaitWithPriorityWithdrawsBoostOnAbort(t *testing.T) {
	s := newTestIndexerSync(t, memory.NewDocStorage(), memory.NewIndexerSyncStorage(), newFakeIndexer())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.WaitForDocCompletedWithPriority(ctx, "x", 5); !errors.Is(err, asyncop.ErrManuallyStopped) {
		t.Fatalf("expected manual stop, got %v", err)
	}
	if got := s.runner.queue.Priority("x"); got != 0 {
		t.Fatalf("boost not withdrawn: %d", got)
	}
}
