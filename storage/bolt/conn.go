// Package bolt is the local persistent backend. Every storage kind lives in
// its own bucket of one bbolt file, and all storages opened on the same path
// share a single reference-counted *bbolt.DB.
package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/agentworkforce/nbstore/asyncop"
	"github.com/agentworkforce/nbstore/storage"
)

var (
	bucketSnapshots   = []byte("snapshots")
	bucketUpdates     = []byte("updates")
	bucketDocTimes    = []byte("doc_times")
	bucketBlobs       = []byte("blobs")
	bucketBlobMeta    = []byte("blob_meta")
	bucketIndexerSync = []byte("indexer_sync")
	bucketBlobSync    = []byte("blob_sync")
	bucketDocSync     = []byte("doc_sync")

	allBuckets = [][]byte{
		bucketSnapshots, bucketUpdates, bucketDocTimes, bucketBlobs,
		bucketBlobMeta, bucketIndexerSync, bucketBlobSync, bucketDocSync,
	}
)

type Options struct {
	// NoSync skips fsync after every commit. Only for tests.
	NoSync  bool
	Timeout time.Duration
}

// dbConn is the shared handle behind every storage on one path.
type dbConn struct {
	*storage.BaseConnection
	path string
	db   *bbolt.DB
}

func newDBConn(path string, opts Options) *dbConn {
	c := &dbConn{path: path}
	c.BaseConnection = storage.NewBaseConnection(func(ctx context.Context) error {
		bopt := *bbolt.DefaultOptions
		bopt.Timeout = opts.Timeout
		if bopt.Timeout <= 0 {
			bopt.Timeout = 10 * time.Second
		}
		bopt.NoSync = opts.NoSync
		bopt.FreelistType = bbolt.FreelistMapType
		db, err := bbolt.Open(path, 0o600, &bopt)
		if err != nil {
			return fmt.Errorf("bolt: open %s: %w", path, err)
		}
		err = db.Update(func(tx *bbolt.Tx) error {
			for _, name := range allBuckets {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("bolt: prepare buckets: %w", err)
		}
		c.db = db
		return nil
	}, func() error {
		if c.db == nil {
			return nil
		}
		return c.db.Close()
	})
	return c
}

func connKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "bolt:" + path
}

type base struct {
	ref *storage.SharedRef[*dbConn]
}

func newBase(path string, opts Options) base {
	return base{ref: storage.NewSharedRef(connKey(path), func() (*dbConn, error) {
		return newDBConn(path, opts), nil
	})}
}

func (base) Type() storage.Type               { return storage.TypeLocal }
func (b base) Connection() storage.Connection { return b.ref }

func (b base) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	db, err := b.db(ctx)
	if err != nil {
		return err
	}
	return db.View(fn)
}

func (b base) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	db, err := b.db(ctx)
	if err != nil {
		return err
	}
	return db.Update(fn)
}

func (b base) db(ctx context.Context) (*bbolt.DB, error) {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return nil, err
	}
	c, err := b.ref.Get(ctx)
	if err != nil {
		return nil, err
	}
	return c.db, nil
}

// Storages bundles one storage of every kind over the same file.
type Storages struct {
	Doc         *DocStorage
	Blob        *BlobStorage
	IndexerSync *IndexerSyncStorage
	BlobSync    *BlobSyncStorage
	DocSync     *DocSyncStorage
}

func Open(path string, opts Options) *Storages {
	return &Storages{
		Doc:         NewDocStorage(path, opts),
		Blob:        NewBlobStorage(path, opts),
		IndexerSync: NewIndexerSyncStorage(path, opts),
		BlobSync:    NewBlobSyncStorage(path, opts),
		DocSync:     NewDocSyncStorage(path, opts),
	}
}

// Close releases every storage's reference to the file.
func (s *Storages) Close() error {
	var first error
	for _, c := range []storage.Connection{
		s.Doc.Connection(), s.Blob.Connection(), s.IndexerSync.Connection(),
		s.BlobSync.Connection(), s.DocSync.Connection(),
	} {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decode(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrSerialization, err)
	}
	return nil
}

func putMillis(b *bbolt.Bucket, key []byte, t time.Time) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.UnixMilli()))
	return b.Put(key, buf[:])
}

func getMillis(b *bbolt.Bucket, key []byte) (time.Time, bool) {
	v := b.Get(key)
	if len(v) != 8 {
		return time.Time{}, false
	}
	return fromMillis(int64(binary.BigEndian.Uint64(v))), true
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func seqKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}

func pairKey(a, b string) []byte {
	return []byte(a + "\x00" + b)
}
