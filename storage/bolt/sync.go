package bolt

import (
	"context"
	"time"

	"go.etcd.io/bbolt"

	"github.com/agentworkforce/nbstore/storage"
)

type IndexerSyncStorage struct {
	base
}

func NewIndexerSyncStorage(path string, opts Options) *IndexerSyncStorage {
	return &IndexerSyncStorage{base: newBase(path, opts)}
}

func (s *IndexerSyncStorage) GetDocIndexedClock(ctx context.Context, docID string) (*storage.DocClock, error) {
	var out *storage.DocClock
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		if ts, ok := getMillis(tx.Bucket(bucketIndexerSync), []byte(docID)); ok {
			out = &storage.DocClock{DocID: docID, Timestamp: ts}
		}
		return nil
	})
	return out, err
}

func (s *IndexerSyncStorage) SetDocIndexedClock(ctx context.Context, clock storage.DocClock) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		return putNewer(tx.Bucket(bucketIndexerSync), []byte(clock.DocID), clock.Timestamp)
	})
}

func (s *IndexerSyncStorage) ClearDocIndexedClock(ctx context.Context, docID string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIndexerSync).Delete([]byte(docID))
	})
}

type BlobSyncStorage struct {
	base
}

func NewBlobSyncStorage(path string, opts Options) *BlobSyncStorage {
	return &BlobSyncStorage{base: newBase(path, opts)}
}

func (s *BlobSyncStorage) GetBlobUploadedAt(ctx context.Context, peer, key string) (time.Time, error) {
	var out time.Time
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		out, _ = getMillis(tx.Bucket(bucketBlobSync), pairKey(peer, key))
		return nil
	})
	return out, err
}

func (s *BlobSyncStorage) SetBlobUploadedAt(ctx context.Context, peer, key string, at time.Time) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBlobSync)
		if at.IsZero() {
			return b.Delete(pairKey(peer, key))
		}
		return putMillis(b, pairKey(peer, key), at)
	})
}

type DocSyncStorage struct {
	base
}

func NewDocSyncStorage(path string, opts Options) *DocSyncStorage {
	return &DocSyncStorage{base: newBase(path, opts)}
}

func (s *DocSyncStorage) GetPeerClock(ctx context.Context, peer string, kind storage.ClockKind, docID string) (time.Time, error) {
	var out time.Time
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketDocSync).Bucket(pairKey(peer, string(kind))); b != nil {
			out, _ = getMillis(b, []byte(docID))
		}
		return nil
	})
	return out, err
}

func (s *DocSyncStorage) GetPeerClocks(ctx context.Context, peer string, kind storage.ClockKind) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDocSync).Bucket(pairKey(peer, string(kind)))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			if ts, ok := getMillis(b, k); ok {
				out[string(k)] = ts
			}
			return nil
		})
	})
	return out, err
}

func (s *DocSyncStorage) SetPeerClock(ctx context.Context, peer string, kind storage.ClockKind, clock storage.DocClock) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketDocSync).CreateBucketIfNotExists(pairKey(peer, string(kind)))
		if err != nil {
			return err
		}
		return putNewer(b, []byte(clock.DocID), clock.Timestamp)
	})
}

func (s *DocSyncStorage) ClearPeerClocks(ctx context.Context, docID string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketDocSync)
		var names [][]byte
		err := root.ForEach(func(k, v []byte) error {
			if v == nil {
				names = append(names, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := root.Bucket(name).Delete([]byte(docID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func putNewer(b *bbolt.Bucket, key []byte, ts time.Time) error {
	if cur, ok := getMillis(b, key); ok && toMillis(ts) <= toMillis(cur) {
		return nil
	}
	return putMillis(b, key, ts)
}
