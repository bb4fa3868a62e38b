package nbsync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/nbstore/asyncop"
	"github.com/agentworkforce/nbstore/storage"
	"github.com/agentworkforce/nbstore/storage/memory"
)

// peerBlobs wraps a memory blob storage with call counters and injected
// failures.
type peerBlobs struct {
	*memory.BlobStorage
	readonly bool
	setErr   error
	failSets int32
	missing  int32
	gets     atomic.Int32
	sets     atomic.Int32
}

func newPeerBlobs() *peerBlobs { return &peerBlobs{BlobStorage: memory.NewBlobStorage()} }

func (p *peerBlobs) Readonly() bool { return p.readonly }

func (p *peerBlobs) Get(ctx context.Context, key string) (*storage.BlobRecord, error) {
	if n := p.gets.Add(1); n <= p.missing {
		return nil, nil
	}
	return p.BlobStorage.Get(ctx, key)
}

func (p *peerBlobs) Set(ctx context.Context, rec storage.BlobRecord) error {
	n := p.sets.Add(1)
	if p.setErr != nil {
		return p.setErr
	}
	if n <= p.failSets {
		return fmt.Errorf("%w: connection reset", storage.ErrNetwork)
	}
	return p.BlobStorage.Set(ctx, rec)
}

func putBlob(t *testing.T, s storage.BlobStorage, key string) {
	t.Helper()
	data := []byte("data of " + key)
	if err := s.Set(context.Background(), storage.BlobRecord{Key: key, Data: data, Mime: "text/plain", Size: int64(len(data))}); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
}

func hasBlob(t *testing.T, s storage.BlobStorage, key string) bool {
	t.Helper()
	rec, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	return rec != nil
}

func newTestBlobSync(t *testing.T, local storage.BlobStorage, sync storage.BlobSyncStorage, peers ...BlobPeer) *BlobSync {
	t.Helper()
	s, err := NewBlobSync(BlobSyncOptions{
		Local:              local,
		Sync:               sync,
		Peers:              peers,
		UploadInterval:     time.Hour,
		DownloadRetryDelay: time.Millisecond,
		UploadRetry:        asyncop.RetryConfig{Count: 3, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new blob sync: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestUploadBlobRecordsUploadTime(t *testing.T) {
	ctx := testContext(t)
	local := memory.NewBlobStorage()
	remote := newPeerBlobs()
	sync := memory.NewBlobSyncStorage()
	putBlob(t, local, "k1")

	s := newTestBlobSync(t, local, sync, BlobPeer{ID: "cloud", Remote: remote})
	if err := s.UploadBlob(ctx, "k1"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !hasBlob(t, remote.BlobStorage, "k1") {
		t.Fatalf("remote is missing k1")
	}
	at, err := sync.GetBlobUploadedAt(ctx, "cloud", "k1")
	if err != nil || at.IsZero() {
		t.Fatalf("expected upload time, got %v, %v", at, err)
	}
	if st := s.BlobState("k1"); st != (BlobState{}) {
		t.Fatalf("expected idle blob state, got %+v", st)
	}
}

func TestReadonlyPeerIsNeverWritten(t *testing.T) {
	ctx := testContext(t)
	local := memory.NewBlobStorage()
	remote := newPeerBlobs()
	remote.readonly = true
	putBlob(t, local, "k1")

	s := newTestBlobSync(t, local, memory.NewBlobSyncStorage(), BlobPeer{ID: "ro", Remote: remote})
	if err := s.UploadBlob(ctx, "k1"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := s.FullUpload(ctx); err != nil {
		t.Fatalf("full upload: %v", err)
	}
	if n := remote.sets.Load(); n != 0 {
		t.Fatalf("readonly peer received %d writes", n)
	}
}

func TestFullUploadSkipsBlobsThePeerHas(t *testing.T) {
	ctx := testContext(t)
	local := memory.NewBlobStorage()
	remote := newPeerBlobs()
	sync := memory.NewBlobSyncStorage()
	for i := 0; i < 5; i++ {
		putBlob(t, local, fmt.Sprintf("k%d", i))
	}
	putBlob(t, remote.BlobStorage, "k0")
	putBlob(t, remote.BlobStorage, "k1")

	s := newTestBlobSync(t, local, sync, BlobPeer{ID: "cloud", Remote: remote})
	if err := s.FullUpload(ctx); err != nil {
		t.Fatalf("full upload: %v", err)
	}
	if n := remote.sets.Load(); n != 3 {
		t.Fatalf("expected 3 uploads, got %d", n)
	}
	for i := 0; i < 5; i++ {
		at, err := sync.GetBlobUploadedAt(ctx, "cloud", fmt.Sprintf("k%d", i))
		if err != nil || at.IsZero() {
			t.Fatalf("k%d not marked uploaded: %v, %v", i, at, err)
		}
	}

	if err := s.FullUpload(ctx); err != nil {
		t.Fatalf("second full upload: %v", err)
	}
	if n := remote.sets.Load(); n != 3 {
		t.Fatalf("second pass re-uploaded blobs: %d writes", n)
	}
}

func TestOverCapacityStopsUploads(t *testing.T) {
	ctx := testContext(t)
	local := memory.NewBlobStorage()
	remote := newPeerBlobs()
	remote.setErr = &storage.OverCapacityError{Message: "full"}
	putBlob(t, local, "a")
	putBlob(t, local, "b")

	s := newTestBlobSync(t, local, memory.NewBlobSyncStorage(), BlobPeer{ID: "cloud", Remote: remote})
	if err := s.FullUpload(ctx); err != nil {
		t.Fatalf("full upload: %v", err)
	}
	if n := remote.sets.Load(); n != 1 {
		t.Fatalf("expected uploads to stop after the first over-capacity error, got %d", n)
	}
	if !s.State().Get().OverCapacity {
		t.Fatalf("expected over capacity state")
	}
	if msg := s.BlobState("a").ErrorMessage; msg != msgOverCapacity {
		t.Fatalf("unexpected error message %q", msg)
	}
	if err := s.FullUpload(ctx); err != nil {
		t.Fatalf("full upload: %v", err)
	}
	if n := remote.sets.Load(); n != 1 {
		t.Fatalf("over capacity peer received more uploads: %d", n)
	}
}

func TestOverSizeMarksBlob(t *testing.T) {
	ctx := testContext(t)
	local := memory.NewBlobStorage()
	remote := newPeerBlobs()
	remote.setErr = &storage.OverSizeError{Key: "big", Size: 10, Limit: 1}
	putBlob(t, local, "big")

	s := newTestBlobSync(t, local, memory.NewBlobSyncStorage(), BlobPeer{ID: "cloud", Remote: remote})
	if err := s.UploadBlob(ctx, "big"); !storage.IsOverSize(err) {
		t.Fatalf("expected over size error, got %v", err)
	}
	st := s.BlobState("big")
	if !st.OverSize || st.ErrorMessage != msgOverSize {
		t.Fatalf("unexpected blob state %+v", st)
	}
	if n := remote.sets.Load(); n != 1 {
		t.Fatalf("over size upload was retried: %d sets", n)
	}
	if s.State().Get().OverCapacity {
		t.Fatalf("over size must not flag over capacity")
	}
}

func TestUploadBlobRetriesTransientFailures(t *testing.T) {
	ctx := testContext(t)
	local := memory.NewBlobStorage()
	remote := newPeerBlobs()
	remote.failSets = 2
	putBlob(t, local, "flaky")
	clocks := memory.NewBlobSyncStorage()

	s := newTestBlobSync(t, local, clocks, BlobPeer{ID: "cloud", Remote: remote})
	if err := s.UploadBlob(ctx, "flaky"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if n := remote.sets.Load(); n != 3 {
		t.Fatalf("expected 2 failures then success, got %d sets", n)
	}
	if !hasBlob(t, remote.BlobStorage, "flaky") {
		t.Fatalf("blob not on peer")
	}
	if st := s.BlobState("flaky"); st.ErrorMessage != "" || st.Uploading {
		t.Fatalf("unexpected blob state %+v", st)
	}
	at, err := clocks.GetBlobUploadedAt(ctx, "cloud", "flaky")
	if err != nil || at.IsZero() {
		t.Fatalf("upload time not recorded: %v %v", at, err)
	}
}

func TestUploadBlobGivesUpAfterRetries(t *testing.T) {
	ctx := testContext(t)
	local := memory.NewBlobStorage()
	remote := newPeerBlobs()
	remote.failSets = 100
	putBlob(t, local, "down")

	s := newTestBlobSync(t, local, memory.NewBlobSyncStorage(), BlobPeer{ID: "cloud", Remote: remote})
	if err := s.UploadBlob(ctx, "down"); !errors.Is(err, storage.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if n := remote.sets.Load(); n != 4 {
		t.Fatalf("expected first attempt plus 3 retries, got %d", n)
	}
	if msg := s.BlobState("down").ErrorMessage; msg == "" {
		t.Fatalf("failure not recorded on blob")
	}
}

func TestDownloadBlobRetriesUntilFound(t *testing.T) {
	ctx := testContext(t)
	local := memory.NewBlobStorage()
	remote := newPeerBlobs()
	remote.missing = 2
	sync := memory.NewBlobSyncStorage()
	putBlob(t, remote.BlobStorage, "late")

	s := newTestBlobSync(t, local, sync, BlobPeer{ID: "cloud", Remote: remote})
	ok, err := s.DownloadBlob(ctx, "late")
	if err != nil || !ok {
		t.Fatalf("download = %v, %v", ok, err)
	}
	if n := remote.gets.Load(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
	if !hasBlob(t, local, "late") {
		t.Fatalf("blob not stored locally")
	}
	if at, _ := sync.GetBlobUploadedAt(ctx, "cloud", "late"); at.IsZero() {
		t.Fatalf("downloaded blob not marked as present on peer")
	}
}

func TestDownloadBlobGivesUpAfterAttempts(t *testing.T) {
	ctx := testContext(t)
	remote := newPeerBlobs()
	readonly := newPeerBlobs()
	readonly.readonly = true

	s := newTestBlobSync(t, memory.NewBlobStorage(), memory.NewBlobSyncStorage(),
		BlobPeer{ID: "rw", Remote: remote}, BlobPeer{ID: "ro", Remote: readonly})
	ok, err := s.DownloadBlob(ctx, "absent")
	if err != nil || ok {
		t.Fatalf("download = %v, %v; want false, nil", ok, err)
	}
	if n := remote.gets.Load(); n != downloadAttempts {
		t.Fatalf("expected %d attempts on writable peer, got %d", downloadAttempts, n)
	}
	if n := readonly.gets.Load(); n != 1 {
		t.Fatalf("expected one attempt on readonly peer, got %d", n)
	}
}

func TestDownloadBlobRacesPeers(t *testing.T) {
	ctx := testContext(t)
	local := memory.NewBlobStorage()
	empty := newPeerBlobs()
	full := newPeerBlobs()
	putBlob(t, full.BlobStorage, "k")

	s := newTestBlobSync(t, local, memory.NewBlobSyncStorage(),
		BlobPeer{ID: "empty", Remote: empty}, BlobPeer{ID: "full", Remote: full})
	ok, err := s.DownloadBlob(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("download = %v, %v", ok, err)
	}
	if !hasBlob(t, local, "k") {
		t.Fatalf("blob not stored locally")
	}
}

func TestFullDownloadFetchesMissingBlobs(t *testing.T) {
	ctx := testContext(t)
	local := memory.NewBlobStorage()
	remote := newPeerBlobs()
	putBlob(t, local, "both")
	putBlob(t, remote.BlobStorage, "both")
	putBlob(t, remote.BlobStorage, "r1")
	putBlob(t, remote.BlobStorage, "r2")

	s := newTestBlobSync(t, local, memory.NewBlobSyncStorage(), BlobPeer{ID: "cloud", Remote: remote})
	if err := s.FullDownload(ctx, ""); err != nil {
		t.Fatalf("full download: %v", err)
	}
	for _, key := range []string{"r1", "r2"} {
		if !hasBlob(t, local, key) {
			t.Fatalf("%s not downloaded", key)
		}
	}
	if n := remote.gets.Load(); n != 2 {
		t.Fatalf("expected 2 downloads, got %d", n)
	}
	if err := s.FullDownload(ctx, "nope"); err == nil {
		t.Fatalf("expected error for unknown peer")
	}
}

func TestUploadLoopRunsOnLocalChange(t *testing.T) {
	local := memory.NewBlobStorage()
	remote := newPeerBlobs()
	putBlob(t, local, "first")

	s := newTestBlobSync(t, local, memory.NewBlobSyncStorage(), BlobPeer{ID: "cloud", Remote: remote})
	s.Start(context.Background())
	waitFor(t, func() bool { return hasBlob(t, remote.BlobStorage, "first") })

	putBlob(t, local, "second")
	s.NotifyLocalChange()
	waitFor(t, func() bool { return hasBlob(t, remote.BlobStorage, "second") })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
