package nbstore

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/agentworkforce/nbstore/storage"
	"github.com/agentworkforce/nbstore/storage/bolt"
	"github.com/agentworkforce/nbstore/storage/cloud"
	"github.com/agentworkforce/nbstore/storage/dummy"
	"github.com/agentworkforce/nbstore/storage/fsblob"
	"github.com/agentworkforce/nbstore/storage/memory"
	"github.com/agentworkforce/nbstore/storage/postgres"
)

const (
	boltFileName = "nbstore.db"
	blobDirName  = "blobs"
)

// BuildBackendFromDSN resolves dsn to a backend. Registered factories win
// over the built-in schemes.
func BuildBackendFromDSN(ctx context.Context, dsn string, opts FactoryOptions) (*Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty storage dsn", storage.ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse storage dsn: %v", storage.ErrInvalidInput, err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if f, ok := lookupFactory(scheme); ok {
		return f(ctx, dsn, opts)
	}

	switch scheme {
	case "memory", "mem", "inmem":
		return &Backend{
			Name:        "memory:" + parsed.Host + parsed.Path,
			Doc:         memory.NewDocStorage(),
			Blob:        memory.NewBlobStorage(),
			DocSync:     memory.NewDocSyncStorage(),
			BlobSync:    memory.NewBlobSyncStorage(),
			IndexerSync: memory.NewIndexerSyncStorage(),
		}, nil
	case "dummy":
		return &Backend{
			Name:        "dummy",
			Doc:         dummy.NewDocStorage(),
			Blob:        dummy.NewBlobStorage(),
			DocSync:     dummy.NewDocSyncStorage(),
			BlobSync:    dummy.NewBlobSyncStorage(),
			IndexerSync: dummy.NewIndexerSyncStorage(),
		}, nil
	case "bolt":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return boltBackend(path, parsed.Query()), nil
	case "", "file":
		dir, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return fileBackend(dir, parsed.Query(), opts)
	case "postgres", "postgresql":
		s, err := postgres.Open(dsn, postgres.Options{})
		if err != nil {
			return nil, err
		}
		return &Backend{
			Name:        "postgres:" + parsed.Host + parsed.Path,
			Doc:         s.Doc,
			Blob:        s.Blob,
			DocSync:     s.DocSync,
			BlobSync:    s.BlobSync,
			IndexerSync: s.IndexerSync,
			closeFn:     s.Close,
		}, nil
	case "http", "https":
		return cloudBackend(parsed, opts)
	default:
		return nil, fmt.Errorf("%w: unsupported storage scheme: %s", storage.ErrInvalidInput, scheme)
	}
}

func boltBackend(path string, q url.Values) *Backend {
	s := bolt.Open(path, bolt.Options{NoSync: queryBool(q, "nosync", false)})
	return &Backend{
		Name:        "bolt:" + path,
		Doc:         s.Doc,
		Blob:        s.Blob,
		DocSync:     s.DocSync,
		BlobSync:    s.BlobSync,
		IndexerSync: s.IndexerSync,
		closeFn:     s.Close,
	}
}

// fileBackend keeps docs and bookkeeping in a bolt file under dir and blobs
// as plain files in dir/blobs.
func fileBackend(dir string, q url.Values, opts FactoryOptions) (*Backend, error) {
	blobs, err := fsblob.New(filepath.Join(dir, blobDirName), fsblob.Options{
		Readonly: queryBool(q, "readonly", false),
		Watch:    queryBool(q, "watch", true),
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	b := boltBackend(filepath.Join(dir, boltFileName), q)
	b.Name = "file:" + dir
	b.Blob = blobs
	b.OnBlobChange = func(fn func(key string)) func() {
		return blobs.Subscribe(func(e fsblob.ChangeEvent) { fn(e.Key) })
	}
	closeDB := b.closeFn
	b.closeFn = func() error {
		blobErr := blobs.Connection().Close()
		if err := closeDB(); err != nil {
			return err
		}
		return blobErr
	}
	return b, nil
}

func cloudBackend(parsed *url.URL, opts FactoryOptions) (*Backend, error) {
	q := parsed.Query()
	workspaceID := strings.TrimSpace(q.Get("workspace"))
	if workspaceID == "" {
		return nil, fmt.Errorf("%w: cloud dsn needs a workspace parameter", storage.ErrInvalidInput)
	}
	server := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: strings.TrimRight(parsed.Path, "/")}
	s, err := cloud.Open(cloud.Options{
		ServerURL:   server.String(),
		WorkspaceID: workspaceID,
		Token:       opts.Token,
		Readonly:    queryBool(q, "readonly", false),
		Events:      queryBool(q, "events", true),
		HTTPClient:  opts.HTTPClient,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Backend{
		Name:    "cloud:" + parsed.Host + "/" + workspaceID,
		Doc:     s.Doc,
		Blob:    s.Blob,
		closeFn: s.Close,
	}, nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	} else if parsed.Host != "" {
		path = parsed.Host + path
	}
	if path == "" {
		return "", fmt.Errorf("%w: storage dsn %q has no path", storage.ErrInvalidInput, raw)
	}
	return path, nil
}

func queryBool(q url.Values, name string, fallback bool) bool {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
