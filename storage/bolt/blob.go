package bolt

import (
	"context"
	"time"

	"go.etcd.io/bbolt"

	"github.com/agentworkforce/nbstore/storage"
)

type blobMetaRow struct {
	Mime      string `msgpack:"m"`
	Size      int64  `msgpack:"s"`
	CreatedAt int64  `msgpack:"c"`
	DeletedAt int64  `msgpack:"d,omitempty"`
}

type BlobStorage struct {
	base
}

func NewBlobStorage(path string, opts Options) *BlobStorage {
	return &BlobStorage{base: newBase(path, opts)}
}

func (s *BlobStorage) Readonly() bool { return false }

func (s *BlobStorage) Get(ctx context.Context, key string) (*storage.BlobRecord, error) {
	var out *storage.BlobRecord
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		meta, ok, err := getBlobMeta(tx, key)
		if err != nil || !ok || meta.DeletedAt != 0 {
			return err
		}
		raw := tx.Bucket(bucketBlobs).Get([]byte(key))
		if raw == nil {
			return nil
		}
		data := make([]byte, len(raw))
		copy(data, raw)
		out = &storage.BlobRecord{
			Key:       key,
			Data:      data,
			Mime:      meta.Mime,
			Size:      meta.Size,
			CreatedAt: fromMillis(meta.CreatedAt),
		}
		return nil
	})
	return out, err
}

func (s *BlobStorage) Set(ctx context.Context, rec storage.BlobRecord) error {
	if rec.Key == "" {
		return storage.ErrInvalidInput
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	meta := blobMetaRow{Mime: rec.Mime, Size: int64(len(rec.Data)), CreatedAt: toMillis(created)}
	data, err := encode(meta)
	if err != nil {
		return err
	}
	return s.update(ctx, func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketBlobs).Put([]byte(rec.Key), rec.Data); err != nil {
			return err
		}
		return tx.Bucket(bucketBlobMeta).Put([]byte(rec.Key), data)
	})
}

func (s *BlobStorage) Delete(ctx context.Context, key string, permanently bool) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		if permanently {
			return deleteBlob(tx, []byte(key))
		}
		meta, ok, err := getBlobMeta(tx, key)
		if err != nil || !ok {
			return err
		}
		meta.DeletedAt = time.Now().UnixMilli()
		data, err := encode(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBlobMeta).Put([]byte(key), data)
	})
}

func (s *BlobStorage) Release(ctx context.Context) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		var doomed [][]byte
		err := tx.Bucket(bucketBlobMeta).ForEach(func(k, v []byte) error {
			var meta blobMetaRow
			if err := decode(v, &meta); err != nil {
				return err
			}
			if meta.DeletedAt != 0 {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := deleteBlob(tx, k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BlobStorage) List(ctx context.Context) ([]storage.ListedBlob, error) {
	var out []storage.ListedBlob
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobMeta).ForEach(func(k, v []byte) error {
			var meta blobMetaRow
			if err := decode(v, &meta); err != nil {
				return err
			}
			if meta.DeletedAt != 0 {
				return nil
			}
			out = append(out, storage.ListedBlob{
				Key:       string(k),
				Mime:      meta.Mime,
				Size:      meta.Size,
				CreatedAt: fromMillis(meta.CreatedAt),
			})
			return nil
		})
	})
	return out, err
}

func getBlobMeta(tx *bbolt.Tx, key string) (blobMetaRow, bool, error) {
	var meta blobMetaRow
	v := tx.Bucket(bucketBlobMeta).Get([]byte(key))
	if v == nil {
		return meta, false, nil
	}
	if err := decode(v, &meta); err != nil {
		return meta, false, err
	}
	return meta, true, nil
}

func deleteBlob(tx *bbolt.Tx, key []byte) error {
	if err := tx.Bucket(bucketBlobs).Delete(key); err != nil {
		return err
	}
	return tx.Bucket(bucketBlobMeta).Delete(key)
}
