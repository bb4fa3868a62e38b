package bolt

import (
	"context"
	"time"

	"go.etcd.io/bbolt"

	"github.com/agentworkforce/nbstore/storage"
)

type snapshotRow struct {
	Bin       []byte `msgpack:"b"`
	Timestamp int64  `msgpack:"t"`
}

type updateRow struct {
	Bin       []byte `msgpack:"b"`
	Timestamp int64  `msgpack:"t"`
}

type DocStorage struct {
	base
	events storage.Emitter[storage.DocUpdatedEvent]
}

func NewDocStorage(path string, opts Options) *DocStorage {
	return &DocStorage{base: newBase(path, opts)}
}

func (s *DocStorage) GetDocSnapshot(ctx context.Context, docID string) (*storage.DocRecord, error) {
	var out *storage.DocRecord
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(docID))
		if v == nil {
			return nil
		}
		var row snapshotRow
		if err := decode(v, &row); err != nil {
			return err
		}
		out = &storage.DocRecord{DocID: docID, Bin: row.Bin, Timestamp: fromMillis(row.Timestamp)}
		return nil
	})
	return out, err
}

func (s *DocStorage) SetDocSnapshot(ctx context.Context, rec storage.DocRecord) (bool, error) {
	if err := storage.ValidateUpdate(rec.DocID, rec.Bin); err != nil {
		return false, err
	}
	stored := false
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if v := b.Get([]byte(rec.DocID)); v != nil {
			var cur snapshotRow
			if err := decode(v, &cur); err != nil {
				return err
			}
			if cur.Timestamp > toMillis(rec.Timestamp) {
				return nil
			}
		}
		data, err := encode(snapshotRow{Bin: rec.Bin, Timestamp: toMillis(rec.Timestamp)})
		if err != nil {
			return err
		}
		if err := b.Put([]byte(rec.DocID), data); err != nil {
			return err
		}
		stored = true
		return touchDoc(tx, rec.DocID, storage.Millis(rec.Timestamp))
	})
	return stored, err
}

func (s *DocStorage) GetDocUpdates(ctx context.Context, docID string) ([]storage.DocUpdate, error) {
	var out []storage.DocUpdate
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUpdates).Bucket([]byte(docID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var row updateRow
			if err := decode(v, &row); err != nil {
				return err
			}
			bin := make([]byte, len(row.Bin))
			copy(bin, row.Bin)
			out = append(out, storage.DocUpdate{
				ID:        bytesToSeq(k),
				DocID:     docID,
				Bin:       bin,
				Timestamp: fromMillis(row.Timestamp),
			})
			return nil
		})
	})
	return out, err
}

func (s *DocStorage) MarkUpdatesMerged(ctx context.Context, docID string, ids []uint64) (int, error) {
	n := 0
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUpdates).Bucket([]byte(docID))
		if b == nil {
			return nil
		}
		for _, id := range ids {
			if b.Get(seqKey(id)) == nil {
				continue
			}
			if err := b.Delete(seqKey(id)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (s *DocStorage) PushUpdate(ctx context.Context, docID string, bin []byte, origin string) (storage.DocUpdate, error) {
	if err := storage.ValidateUpdate(docID, bin); err != nil {
		return storage.DocUpdate{}, err
	}
	u := storage.DocUpdate{DocID: docID, Bin: bin}
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketUpdates).CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		last, _ := getMillis(tx.Bucket(bucketDocTimes), []byte(docID))
		u.ID = seq
		u.Timestamp = storage.NextTimestamp(last)
		data, err := encode(updateRow{Bin: bin, Timestamp: toMillis(u.Timestamp)})
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		return touchDoc(tx, docID, u.Timestamp)
	})
	if err != nil {
		return storage.DocUpdate{}, err
	}
	s.events.Emit(storage.DocUpdatedEvent{DocID: docID, Bin: bin, Timestamp: u.Timestamp, Origin: origin})
	return u, nil
}

func (s *DocStorage) GetDoc(ctx context.Context, docID string) (*storage.DocRecord, error) {
	return storage.ReadDoc(ctx, s, docID)
}

func (s *DocStorage) GetDocTimestamps(ctx context.Context, after time.Time) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDocTimes)
		return b.ForEach(func(k, _ []byte) error {
			ts, ok := getMillis(b, k)
			if ok && (after.IsZero() || ts.After(after)) {
				out[string(k)] = ts
			}
			return nil
		})
	})
	return out, err
}

func (s *DocStorage) DeleteDoc(ctx context.Context, docID string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		key := []byte(docID)
		if err := tx.Bucket(bucketSnapshots).Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDocTimes).Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketUpdates).DeleteBucket(key); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		return nil
	})
}

func (s *DocStorage) Subscribe(fn func(storage.DocUpdatedEvent)) func() {
	return s.events.Subscribe(fn)
}

func touchDoc(tx *bbolt.Tx, docID string, ts time.Time) error {
	b := tx.Bucket(bucketDocTimes)
	if cur, ok := getMillis(b, []byte(docID)); ok && !ts.After(cur) {
		return nil
	}
	return putMillis(b, []byte(docID), ts)
}

func bytesToSeq(k []byte) uint64 {
	var n uint64
	for _, c := range k {
		n = n<<8 | uint64(c)
	}
	return n
}
