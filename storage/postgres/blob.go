package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/nbstore/storage"
)

type BlobStorage struct {
	base
}

func NewBlobStorage(dsn string, opts Options) (*BlobStorage, error) {
	b, err := newBase(dsn, opts)
	if err != nil {
		return nil, err
	}
	return &BlobStorage{base: b}, nil
}

func (s *BlobStorage) Readonly() bool { return false }

func (s *BlobStorage) Get(ctx context.Context, key string) (*storage.BlobRecord, error) {
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf("SELECT data, mime, size, created_at FROM %s WHERE key = $1 AND deleted_at IS NULL", c.t.blobs)
	rec := storage.BlobRecord{Key: key}
	var created int64
	err = c.db.QueryRowContext(opCtx, query, key).Scan(&rec.Data, &rec.Mime, &rec.Size, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = fromMillis(created)
	return &rec, nil
}

func (s *BlobStorage) Set(ctx context.Context, rec storage.BlobRecord) error {
	if rec.Key == "" {
		return storage.ErrInvalidInput
	}
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	data := rec.Data
	if data == nil {
		data = []byte{}
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, data, mime, size, created_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, NULL)
		ON CONFLICT (key)
		DO UPDATE SET data = EXCLUDED.data, mime = EXCLUDED.mime, size = EXCLUDED.size,
			created_at = EXCLUDED.created_at, deleted_at = NULL`, c.t.blobs)
	_, err = c.db.ExecContext(opCtx, query, rec.Key, data, rec.Mime, int64(len(rec.Data)), toMillis(created))
	return err
}

func (s *BlobStorage) Delete(ctx context.Context, key string, permanently bool) error {
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if permanently {
		_, err = c.db.ExecContext(opCtx, fmt.Sprintf("DELETE FROM %s WHERE key = $1", c.t.blobs), key)
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET deleted_at = $2 WHERE key = $1 AND deleted_at IS NULL", c.t.blobs)
	_, err = c.db.ExecContext(opCtx, query, key, time.Now().UnixMilli())
	return err
}

func (s *BlobStorage) Release(ctx context.Context) error {
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = c.db.ExecContext(opCtx, fmt.Sprintf("DELETE FROM %s WHERE deleted_at IS NOT NULL", c.t.blobs))
	return err
}

func (s *BlobStorage) List(ctx context.Context) ([]storage.ListedBlob, error) {
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf("SELECT key, mime, size, created_at FROM %s WHERE deleted_at IS NULL ORDER BY key", c.t.blobs)
	rows, err := c.db.QueryContext(opCtx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.ListedBlob
	for rows.Next() {
		var (
			b       storage.ListedBlob
			created int64
		)
		if err := rows.Scan(&b.Key, &b.Mime, &b.Size, &created); err != nil {
			return nil, err
		}
		b.CreatedAt = fromMillis(created)
		out = append(out, b)
	}
	return out, rows.Err()
}
