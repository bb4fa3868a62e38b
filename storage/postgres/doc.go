package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/agentworkforce/nbstore/storage"
)

type DocStorage struct {
	base
	events storage.Emitter[storage.DocUpdatedEvent]
}

func NewDocStorage(dsn string, opts Options) (*DocStorage, error) {
	b, err := newBase(dsn, opts)
	if err != nil {
		return nil, err
	}
	return &DocStorage{base: b}, nil
}

func (s *DocStorage) GetDocSnapshot(ctx context.Context, docID string) (*storage.DocRecord, error) {
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf("SELECT bin, ts FROM %s WHERE doc_id = $1", c.t.snapshots)
	var (
		bin []byte
		ts  int64
	)
	err = c.db.QueryRowContext(opCtx, query, docID).Scan(&bin, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &storage.DocRecord{DocID: docID, Bin: bin, Timestamp: fromMillis(ts)}, nil
}

func (s *DocStorage) SetDocSnapshot(ctx context.Context, rec storage.DocRecord) (bool, error) {
	if err := storage.ValidateUpdate(rec.DocID, rec.Bin); err != nil {
		return false, err
	}
	stored := false
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx, t tables) error {
		query := fmt.Sprintf(`
			INSERT INTO %s AS s (doc_id, bin, ts)
			VALUES ($1, $2, $3)
			ON CONFLICT (doc_id)
			DO UPDATE SET bin = EXCLUDED.bin, ts = EXCLUDED.ts
			WHERE s.ts <= EXCLUDED.ts`, t.snapshots)
		res, err := tx.ExecContext(ctx, query, rec.DocID, rec.Bin, toMillis(rec.Timestamp))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		stored = true
		return touchDoc(ctx, tx, t, rec.DocID, toMillis(rec.Timestamp))
	})
	if err != nil {
		return false, err
	}
	return stored, nil
}

func (s *DocStorage) GetDocUpdates(ctx context.Context, docID string) ([]storage.DocUpdate, error) {
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf("SELECT id, bin, ts FROM %s WHERE doc_id = $1 ORDER BY id", c.t.updates)
	rows, err := c.db.QueryContext(opCtx, query, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.DocUpdate
	for rows.Next() {
		var (
			id  int64
			bin []byte
			ts  int64
		)
		if err := rows.Scan(&id, &bin, &ts); err != nil {
			return nil, err
		}
		out = append(out, storage.DocUpdate{ID: uint64(id), DocID: docID, Bin: bin, Timestamp: fromMillis(ts)})
	}
	return out, rows.Err()
}

func (s *DocStorage) MarkUpdatesMerged(ctx context.Context, docID string, ids []uint64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	signed := make([]int64, len(ids))
	for i, id := range ids {
		signed[i] = int64(id)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE doc_id = $1 AND id = ANY($2)", c.t.updates)
	res, err := c.db.ExecContext(opCtx, query, docID, pq.Array(signed))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *DocStorage) PushUpdate(ctx context.Context, docID string, bin []byte, origin string) (storage.DocUpdate, error) {
	if err := storage.ValidateUpdate(docID, bin); err != nil {
		return storage.DocUpdate{}, err
	}
	u := storage.DocUpdate{DocID: docID, Bin: bin}
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx, t tables) error {
		lockQuery := fmt.Sprintf("INSERT INTO %s (doc_id, ts) VALUES ($1, 0) ON CONFLICT (doc_id) DO NOTHING", t.docTimes)
		if _, err := tx.ExecContext(ctx, lockQuery, docID); err != nil {
			return err
		}
		var last int64
		selectQuery := fmt.Sprintf("SELECT ts FROM %s WHERE doc_id = $1 FOR UPDATE", t.docTimes)
		if err := tx.QueryRowContext(ctx, selectQuery, docID).Scan(&last); err != nil {
			return err
		}
		u.Timestamp = storage.NextTimestamp(fromMillis(last))

		insertQuery := fmt.Sprintf("INSERT INTO %s (doc_id, bin, ts) VALUES ($1, $2, $3) RETURNING id", t.updates)
		var id int64
		if err := tx.QueryRowContext(ctx, insertQuery, docID, bin, toMillis(u.Timestamp)).Scan(&id); err != nil {
			return err
		}
		u.ID = uint64(id)
		return touchDoc(ctx, tx, t, docID, toMillis(u.Timestamp))
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
	c, opCtx, cancel, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf("SELECT doc_id, ts FROM %s WHERE ts > $1", c.t.docTimes)
	rows, err := c.db.QueryContext(opCtx, query, toMillis(after))
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

func (s *DocStorage) DeleteDoc(ctx context.Context, docID string) error {
	return s.inTx(ctx, func(ctx context.Context, tx *sql.Tx, t tables) error {
		for _, table := range []string{t.snapshots, t.updates, t.docTimes} {
			query := fmt.Sprintf("DELETE FROM %s WHERE doc_id = $1", table)
			if _, err := tx.ExecContext(ctx, query, docID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *DocStorage) Subscribe(fn func(storage.DocUpdatedEvent)) func() {
	return s.events.Subscribe(fn)
}

func touchDoc(ctx context.Context, tx *sql.Tx, t tables, docID string, ts int64) error {
	query := fmt.Sprintf(`
		INSERT INTO %s AS d (doc_id, ts)
		VALUES ($1, $2)
		ON CONFLICT (doc_id)
		DO UPDATE SET ts = EXCLUDED.ts
		WHERE d.ts < EXCLUDED.ts`, t.docTimes)
	_, err := tx.ExecContext(ctx, query, docID, ts)
	return err
}
