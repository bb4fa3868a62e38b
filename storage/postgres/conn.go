// Package postgres stores docs, blobs and sync clocks in PostgreSQL tables.
// Tables are created lazily on first use, and every storage opened with the
// same DSN and table prefix shares one *sql.DB.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/nbstore/asyncop"
	"github.com/agentworkforce/nbstore/storage"
)

const (
	defaultTablePrefix = "nbstore"
	operationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type Options struct {
	// TablePrefix namespaces every table. Defaults to "nbstore".
	TablePrefix string

	openDB sqlOpenFunc
}

type tables struct {
	snapshots   string
	updates     string
	docTimes    string
	blobs       string
	indexerSync string
	blobSync    string
	docSync     string
}

func tableNames(prefix string) []string {
	return []string{
		prefix + "_snapshots",
		prefix + "_updates",
		prefix + "_doc_times",
		prefix + "_blobs",
		prefix + "_indexer_sync",
		prefix + "_blob_sync",
		prefix + "_doc_sync",
	}
}

func newTables(prefix string) tables {
	n := tableNames(prefix)
	q := postgresQuoteIdentifier
	return tables{
		snapshots:   q(n[0]),
		updates:     q(n[1]),
		docTimes:    q(n[2]),
		blobs:       q(n[3]),
		indexerSync: q(n[4]),
		blobSync:    q(n[5]),
		docSync:     q(n[6]),
	}
}

type dbConn struct {
	*storage.BaseConnection
	db *sql.DB
	t  tables
}

func newDBConn(dsn string, opts Options) *dbConn {
	c := &dbConn{t: newTables(opts.TablePrefix)}
	c.BaseConnection = storage.NewBaseConnection(func(ctx context.Context) error {
		db, err := opts.openDB("postgres", dsn)
		if err != nil {
			return err
		}
		if err := createTables(ctx, db, opts.TablePrefix, c.t); err != nil {
			_ = db.Close()
			return err
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

func createTables(ctx context.Context, db *sql.DB, prefix string, t tables) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				doc_id TEXT PRIMARY KEY,
				bin BYTEA NOT NULL,
				ts BIGINT NOT NULL
			)`, t.snapshots),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				doc_id TEXT NOT NULL,
				bin BYTEA NOT NULL,
				ts BIGINT NOT NULL
			)`, t.updates),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (doc_id, id)",
			postgresQuoteIdentifier(prefix+"_updates_doc_id_idx"), t.updates),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				doc_id TEXT PRIMARY KEY,
				ts BIGINT NOT NULL
			)`, t.docTimes),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				data BYTEA NOT NULL,
				mime TEXT NOT NULL,
				size BIGINT NOT NULL,
				created_at BIGINT NOT NULL,
				deleted_at BIGINT
			)`, t.blobs),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				doc_id TEXT PRIMARY KEY,
				ts BIGINT NOT NULL
			)`, t.indexerSync),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				peer TEXT NOT NULL,
				key TEXT NOT NULL,
				ts BIGINT NOT NULL,
				PRIMARY KEY (peer, key)
			)`, t.blobSync),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				peer TEXT NOT NULL,
				kind TEXT NOT NULL,
				doc_id TEXT NOT NULL,
				ts BIGINT NOT NULL,
				PRIMARY KEY (peer, kind, doc_id)
			)`, t.docSync),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: prepare tables: %w", err)
		}
	}
	return nil
}

type base struct {
	ref *storage.SharedRef[*dbConn]
}

func newBase(dsn string, opts Options) (base, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return base{}, storage.ErrInvalidInput
	}
	if strings.TrimSpace(opts.TablePrefix) == "" {
		opts.TablePrefix = defaultTablePrefix
	}
	if opts.openDB == nil {
		opts.openDB = sql.Open
	}
	key := "postgres:" + dsn + "#" + opts.TablePrefix
	return base{ref: storage.NewSharedRef(key, func() (*dbConn, error) {
		return newDBConn(dsn, opts), nil
	})}, nil
}

func (base) Type() storage.Type               { return storage.TypePostgres }
func (b base) Connection() storage.Connection { return b.ref }

// conn returns the ready connection and a context bounded by the
// per-operation timeout.
func (b base) conn(ctx context.Context) (*dbConn, context.Context, context.CancelFunc, error) {
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return nil, nil, nil, err
	}
	c, err := b.ref.Get(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	return c, opCtx, cancel, nil
}

func (b base) inTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx, t tables) error) error {
	c, opCtx, cancel, err := b.conn(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	tx, err := c.db.BeginTx(opCtx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(opCtx, tx, c.t); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Storages bundles one storage of every kind over the same database.
type Storages struct {
	Doc         *DocStorage
	Blob        *BlobStorage
	IndexerSync *IndexerSyncStorage
	BlobSync    *BlobSyncStorage
	DocSync     *DocSyncStorage
}

func Open(dsn string, opts Options) (*Storages, error) {
	doc, err := NewDocStorage(dsn, opts)
	if err != nil {
		return nil, err
	}
	blob, _ := NewBlobStorage(dsn, opts)
	indexer, _ := NewIndexerSyncStorage(dsn, opts)
	blobSync, _ := NewBlobSyncStorage(dsn, opts)
	docSync, _ := NewDocSyncStorage(dsn, opts)
	return &Storages{Doc: doc, Blob: blob, IndexerSync: indexer, BlobSync: blobSync, DocSync: docSync}, nil
}

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

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
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
