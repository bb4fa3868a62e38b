package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/nbstore/storage"
)

type IndexerSyncStorage struct {
	base
}

func NewIndexerSyncStorage(dsn string, opts Options) (*IndexerSyncStorage, error) {
	b, err := newBase(dsn, opts)
	if err != nil {
		return nil, err
	}
	return &IndexerSyncStorage{base: b}, nil
}

func (s *IndexerSyncStorage) GetDocIndexedClock(ctx context.Context, docID string) (*storage.DocClock, error) {
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var ts int64
	query := fmt.Sprintf("SELECT ts FROM %s WHERE doc_id = $1", c.t.indexerSync)
	err = c.db.QueryRowContext(opCtx, query, docID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &storage.DocClock{DocID: docID, Timestamp: fromMillis(ts)}, nil
}

func (s *IndexerSyncStorage) SetDocIndexedClock(ctx context.Context, clock storage.DocClock) error {
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s AS c (doc_id, ts)
		VALUES ($1, $2)
		ON CONFLICT (doc_id)
		DO UPDATE SET ts = EXCLUDED.ts
		WHERE c.ts < EXCLUDED.ts`, c.t.indexerSync)
	_, err = c.db.ExecContext(opCtx, query, clock.DocID, toMillis(clock.Timestamp))
	return err
}

func (s *IndexerSyncStorage) ClearDocIndexedClock(ctx context.Context, docID string) error {
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = c.db.ExecContext(opCtx, fmt.Sprintf("DELETE FROM %s WHERE doc_id = $1", c.t.indexerSync), docID)
	return err
}

type BlobSyncStorage struct {
	base
}

func NewBlobSyncStorage(dsn string, opts Options) (*BlobSyncStorage, error) {
	b, err := newBase(dsn, opts)
	if err != nil {
		return nil, err
	}
	return &BlobSyncStorage{base: b}, nil
}

func (s *BlobSyncStorage) GetBlobUploadedAt(ctx context.Context, peer, key string) (time.Time, error) {
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer cancel()

	var ts int64
	query := fmt.Sprintf("SELECT ts FROM %s WHERE peer = $1 AND key = $2", c.t.blobSync)
	err = c.db.QueryRowContext(opCtx, query, peer, key).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return fromMillis(ts), nil
}

func (s *BlobSyncStorage) SetBlobUploadedAt(ctx context.Context, peer, key string, at time.Time) error {
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if at.IsZero() {
		query := fmt.Sprintf("DELETE FROM %s WHERE peer = $1 AND key = $2", c.t.blobSync)
		_, err = c.db.ExecContext(opCtx, query, peer, key)
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (peer, key, ts)
		VALUES ($1, $2, $3)
		ON CONFLICT (peer, key)
		DO UPDATE SET ts = EXCLUDED.ts`, c.t.blobSync)
	_, err = c.db.ExecContext(opCtx, query, peer, key, toMillis(at))
	return err
}

type DocSyncStorage struct {
	base
}

func NewDocSyncStorage(dsn string, opts Options) (*DocSyncStorage, error) {
	b, err := newBase(dsn, opts)
	if err != nil {
		return nil, err
	}
	return &DocSyncStorage{base: b}, nil
}

func (s *DocSyncStorage) GetPeerClock(ctx context.Context, peer string, kind storage.ClockKind, docID string) (time.Time, error) {
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer cancel()

	var ts int64
	query := fmt.Sprintf("SELECT ts FROM %s WHERE peer = $1 AND kind = $2 AND doc_id = $3", c.t.docSync)
	err = c.db.QueryRowContext(opCtx, query, peer, string(kind), docID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return fromMillis(ts), nil
}

func (s *DocSyncStorage) GetPeerClocks(ctx context.Context, peer string, kind storage.ClockKind) (map[string]time.Time, error) {
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf("SELECT doc_id, ts FROM %s WHERE peer = $1 AND kind = $2", c.t.docSync)
	rows, err := c.db.QueryContext(opCtx, query, peer, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var (
			docID string
			ts    int64
		)
		if err := rows.Scan(&docID, &ts); err != nil {
			return nil, err
		}
		out[docID] = fromMillis(ts)
	}
	return out, rows.Err()
}

func (s *DocSyncStorage) SetPeerClock(ctx context.Context, peer string, kind storage.ClockKind, clock storage.DocClock) error {
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s AS c (peer, kind, doc_id, ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (peer, kind, doc_id)
		DO UPDATE SET ts = EXCLUDED.ts
		WHERE c.ts < EXCLUDED.ts`, c.t.docSync)
	_, err = c.db.ExecContext(opCtx, query, peer, string(kind), clock.DocID, toMillis(clock.Timestamp))
	return err
}

func (s *DocSyncStorage) ClearPeerClocks(ctx context.Context, docID string) error {
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = c.db.ExecContext(opCtx, fmt.Sprintf("DELETE FROM %s WHERE doc_id = $1", c.t.docSync), docID)
	return err
}
