// Package memory holds transient in-process storages. Nothing survives the
// process; values are copied on the way in and out.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/nbstore/asyncop"
	"github.com/agentworkforce/nbstore/storage"
)

type base struct{ conn storage.NoopConnection }

func (base) Type() storage.Type              { return storage.TypeMemory }
func (b base) Connection() storage.Connection { return b.conn }

type DocStorage struct {
	base
	mu        sync.Mutex
	snapshots map[string]storage.DocRecord
	updates   map[string][]storage.DocUpdate
	times     map[string]time.Time
	seq       uint64
	events    storage.Emitter[storage.DocUpdatedEvent]
}

func NewDocStorage() *DocStorage {
	return &DocStorage{
		snapshots: map[string]storage.DocRecord{},
		updates:   map[string][]storage.DocUpdate{},
		times:     map[string]time.Time{},
	}
}

func (s *DocStorage) GetDocSnapshot(ctx context.Context, docID string) (*storage.DocRecord, error) {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.snapshots[docID]
	if !ok {
		return nil, nil
	}
	rec.Bin = cloneBytes(rec.Bin)
	return &rec, nil
}

func (s *DocStorage) SetDocSnapshot(ctx context.Context, rec storage.DocRecord) (bool, error) {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return false, err
	}
	if err := storage.ValidateUpdate(rec.DocID, rec.Bin); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Timestamp = storage.Millis(rec.Timestamp)
	if cur, ok := s.snapshots[rec.DocID]; ok && cur.Timestamp.After(rec.Timestamp) {
		return false, nil
	}
	rec.Bin = cloneBytes(rec.Bin)
	s.snapshots[rec.DocID] = rec
	s.touch(rec.DocID, rec.Timestamp)
	return true, nil
}

func (s *DocStorage) GetDocUpdates(ctx context.Context, docID string) ([]storage.DocUpdate, error) {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.DocUpdate, len(s.updates[docID]))
	for i, u := range s.updates[docID] {
		u.Bin = cloneBytes(u.Bin)
		out[i] = u
	}
	return out, nil
}

func (s *DocStorage) MarkUpdatesMerged(ctx context.Context, docID string, ids []uint64) (int, error) {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return 0, err
	}
	drop := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.updates[docID][:0]
	n := 0
	for _, u := range s.updates[docID] {
		if drop[u.ID] {
			n++
			continue
		}
		kept = append(kept, u)
	}
	if len(kept) == 0 {
		delete(s.updates, docID)
	} else {
		s.updates[docID] = kept
	}
	return n, nil
}

func (s *DocStorage) PushUpdate(ctx context.Context, docID string, bin []byte, origin string) (storage.DocUpdate, error) {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return storage.DocUpdate{}, err
	}
	if err := storage.ValidateUpdate(docID, bin); err != nil {
		return storage.DocUpdate{}, err
	}
	s.mu.Lock()
	s.seq++
	u := storage.DocUpdate{
		ID:        s.seq,
		DocID:     docID,
		Bin:       cloneBytes(bin),
		Timestamp: storage.NextTimestamp(s.times[docID]),
	}
	s.updates[docID] = append(s.updates[docID], u)
	s.touch(docID, u.Timestamp)
	s.mu.Unlock()

	s.events.Emit(storage.DocUpdatedEvent{DocID: docID, Bin: cloneBytes(bin), Timestamp: u.Timestamp, Origin: origin})
	u.Bin = cloneBytes(u.Bin)
	return u, nil
}

func (s *DocStorage) GetDoc(ctx context.Context, docID string) (*storage.DocRecord, error) {
	return storage.ReadDoc(ctx, s, docID)
}

func (s *DocStorage) GetDocTimestamps(ctx context.Context, after time.Time) (map[string]time.Time, error) {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]time.Time{}
	for id, ts := range s.times {
		if after.IsZero() || ts.After(after) {
			out[id] = ts
		}
	}
	return out, nil
}

func (s *DocStorage) DeleteDoc(ctx context.Context, docID string) error {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, docID)
	delete(s.updates, docID)
	delete(s.times, docID)
	return nil
}

func (s *DocStorage) Subscribe(fn func(storage.DocUpdatedEvent)) func() {
	return s.events.Subscribe(fn)
}

func (s *DocStorage) touch(docID string, ts time.Time) {
	if ts.After(s.times[docID]) {
		s.times[docID] = ts
	}
}

type blobEntry struct {
	rec     storage.BlobRecord
	deleted bool
}

type BlobStorage struct {
	base
	mu    sync.Mutex
	blobs map[string]blobEntry
}

func NewBlobStorage() *BlobStorage {
	return &BlobStorage{blobs: map[string]blobEntry{}}
}

func (s *BlobStorage) Readonly() bool { return false }

func (s *BlobStorage) Get(ctx context.Context, key string) (*storage.BlobRecord, error) {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.blobs[key]
	if !ok || e.deleted {
		return nil, nil
	}
	rec := e.rec
	rec.Data = cloneBytes(rec.Data)
	return &rec, nil
}

func (s *BlobStorage) Set(ctx context.Context, rec storage.BlobRecord) error {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return err
	}
	if rec.Key == "" {
		return storage.ErrInvalidInput
	}
	rec.Data = cloneBytes(rec.Data)
	rec.Size = int64(len(rec.Data))
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = storage.Now()
	}
	rec.CreatedAt = storage.Millis(rec.CreatedAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[rec.Key] = blobEntry{rec: rec}
	return nil
}

func (s *BlobStorage) Delete(ctx context.Context, key string, permanently bool) error {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if permanently {
		delete(s.blobs, key)
		return nil
	}
	if e, ok := s.blobs[key]; ok {
		e.deleted = true
		s.blobs[key] = e
	}
	return nil
}

func (s *BlobStorage) Release(ctx context.Context) error {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.blobs {
		if e.deleted {
			delete(s.blobs, k)
		}
	}
	return nil
}

func (s *BlobStorage) List(ctx context.Context) ([]storage.ListedBlob, error) {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.ListedBlob, 0, len(s.blobs))
	for _, e := range s.blobs {
		if e.deleted {
			continue
		}
		out = append(out, storage.ListedBlob{Key: e.rec.Key, Mime: e.rec.Mime, Size: e.rec.Size, CreatedAt: e.rec.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type IndexerSyncStorage struct {
	base
	mu     sync.Mutex
	clocks map[string]time.Time
}

func NewIndexerSyncStorage() *IndexerSyncStorage {
	return &IndexerSyncStorage{clocks: map[string]time.Time{}}
}

func (s *IndexerSyncStorage) GetDocIndexedClock(ctx context.Context, docID string) (*storage.DocClock, error) {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.clocks[docID]
	if !ok {
		return nil, nil
	}
	return &storage.DocClock{DocID: docID, Timestamp: ts}, nil
}

func (s *IndexerSyncStorage) SetDocIndexedClock(ctx context.Context, clock storage.DocClock) error {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := storage.Millis(clock.Timestamp)
	if cur, ok := s.clocks[clock.DocID]; ok && !ts.After(cur) {
		return nil
	}
	s.clocks[clock.DocID] = ts
	return nil
}

func (s *IndexerSyncStorage) ClearDocIndexedClock(ctx context.Context, docID string) error {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clocks, docID)
	return nil
}

type BlobSyncStorage struct {
	base
	mu       sync.Mutex
	uploaded map[[2]string]time.Time
}

func NewBlobSyncStorage() *BlobSyncStorage {
	return &BlobSyncStorage{uploaded: map[[2]string]time.Time{}}
}

func (s *BlobSyncStorage) GetBlobUploadedAt(ctx context.Context, peer, key string) (time.Time, error) {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploaded[[2]string{peer, key}], nil
}

func (s *BlobSyncStorage) SetBlobUploadedAt(ctx context.Context, peer, key string, at time.Time) error {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.IsZero() {
		delete(s.uploaded, [2]string{peer, key})
		return nil
	}
	s.uploaded[[2]string{peer, key}] = storage.Millis(at)
	return nil
}

type peerClockKey struct {
	peer string
	kind storage.ClockKind
}

type DocSyncStorage struct {
	base
	mu     sync.Mutex
	clocks map[peerClockKey]map[string]time.Time
}

func NewDocSyncStorage() *DocSyncStorage {
	return &DocSyncStorage{clocks: map[peerClockKey]map[string]time.Time{}}
}

func (s *DocSyncStorage) GetPeerClock(ctx context.Context, peer string, kind storage.ClockKind, docID string) (time.Time, error) {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clocks[peerClockKey{peer, kind}][docID], nil
}

func (s *DocSyncStorage) GetPeerClocks(ctx context.Context, peer string, kind storage.ClockKind) (map[string]time.Time, error) {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]time.Time{}
	for id, ts := range s.clocks[peerClockKey{peer, kind}] {
		out[id] = ts
	}
	return out, nil
}

func (s *DocSyncStorage) SetPeerClock(ctx context.Context, peer string, kind storage.ClockKind, clock storage.DocClock) error {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := peerClockKey{peer, kind}
	clocks, ok := s.clocks[k]
	if !ok {
		clocks = map[string]time.Time{}
		s.clocks[k] = clocks
	}
	ts := storage.Millis(clock.Timestamp)
	if ts.After(clocks[clock.DocID]) {
		clocks[clock.DocID] = ts
	}
	return nil
}

func (s *DocSyncStorage) ClearPeerClocks(ctx context.Context, docID string) error {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, clocks := range s.clocks {
		delete(clocks, docID)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
