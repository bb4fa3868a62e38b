package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/nbstore/storage"
)

const blobLimitTTL = 120 * time.Second

type BlobOptions struct {
	WorkspaceID string
	Readonly    bool
}

// BlobStorage stores blobs in a server workspace.
type BlobStorage struct {
	conn *HTTPConnection
	opts BlobOptions
	now  func() time.Time

	mu          sync.Mutex
	blobLimit   int64
	limitLoaded time.Time
}

func NewBlobStorage(conn *HTTPConnection, opts BlobOptions) (*BlobStorage, error) {
	if conn == nil || opts.WorkspaceID == "" {
		return nil, storage.ErrInvalidInput
	}
	return &BlobStorage{conn: conn, opts: opts, now: time.Now}, nil
}

func (s *BlobStorage) Type() storage.Type             { return storage.TypeCloud }
func (s *BlobStorage) Connection() storage.Connection { return s.conn }
func (s *BlobStorage) Readonly() bool                 { return s.opts.Readonly }

func (s *BlobStorage) blobPath(key string) string {
	return "/api/workspaces/" + url.PathEscape(s.opts.WorkspaceID) + "/blobs/" + url.PathEscape(key)
}

func (s *BlobStorage) Get(ctx context.Context, key string) (*storage.BlobRecord, error) {
	resp, err := s.conn.Fetch(ctx, http.MethodGet, s.blobPath(key), nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := statusError(resp); err != nil {
		return nil, fmt.Errorf("blob download %s: %w", key, err)
	}
	created := s.now()
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			created = t
		}
	}
	return &storage.BlobRecord{
		Key:       key,
		Data:      resp.Body,
		Mime:      resp.Header.Get("Content-Type"),
		Size:      int64(len(resp.Body)),
		CreatedAt: storage.Millis(created),
	}, nil
}

func (s *BlobStorage) Set(ctx context.Context, rec storage.BlobRecord) error {
	if s.opts.Readonly {
		return storage.ErrReadonly
	}
	limit, err := s.BlobSizeLimit(ctx)
	if err != nil {
		return err
	}
	size := int64(len(rec.Data))
	if size > limit {
		return &storage.OverSizeError{Key: rec.Key, Size: size, Limit: limit}
	}
	err = s.conn.GQL(ctx, GQLRequest{
		Query:     setBlobMutation,
		Variables: map[string]any{"workspaceId": s.opts.WorkspaceID},
		Files:     map[string]UploadFile{"blob": {Name: rec.Key, Mime: rec.Mime, Data: rec.Data}},
	}, nil)
	return s.mapQuotaError(rec, limit, err)
}

func (s *BlobStorage) mapQuotaError(rec storage.BlobRecord, limit int64, err error) error {
	var gqlErr *GQLError
	if !errors.As(err, &gqlErr) {
		return err
	}
	switch gqlErr.Name {
	case errBlobQuotaExceeded:
		return &storage.OverCapacityError{Message: gqlErr.Message}
	case errContentTooLarge:
		return &storage.OverSizeError{Key: rec.Key, Size: int64(len(rec.Data)), Limit: limit}
	}
	return err
}

func (s *BlobStorage) Delete(ctx context.Context, key string, permanently bool) error {
	if s.opts.Readonly {
		return storage.ErrReadonly
	}
	return s.conn.GQL(ctx, GQLRequest{
		Query:     deleteBlobMutation,
		Variables: map[string]any{"workspaceId": s.opts.WorkspaceID, "key": key, "permanently": permanently},
	}, nil)
}

func (s *BlobStorage) Release(ctx context.Context) error {
	if s.opts.Readonly {
		return storage.ErrReadonly
	}
	return s.conn.GQL(ctx, GQLRequest{
		Query:     releaseDeletedBlobsMutation,
		Variables: map[string]any{"workspaceId": s.opts.WorkspaceID},
	}, nil)
}

func (s *BlobStorage) List(ctx context.Context) ([]storage.ListedBlob, error) {
	var out struct {
		Workspace struct {
			Blobs []struct {
				Key       string    `json:"key"`
				Size      int64     `json:"size"`
				Mime      string    `json:"mime"`
				CreatedAt time.Time `json:"createdAt"`
			} `json:"blobs"`
		} `json:"workspace"`
	}
	err := s.conn.GQL(ctx, GQLRequest{
		Query:     listBlobsQuery,
		Variables: map[string]any{"workspaceId": s.opts.WorkspaceID},
	}, &out)
	if err != nil {
		return nil, err
	}
	blobs := make([]storage.ListedBlob, 0, len(out.Workspace.Blobs))
	for _, b := range out.Workspace.Blobs {
		blobs = append(blobs, storage.ListedBlob{Key: b.Key, Mime: b.Mime, Size: b.Size, CreatedAt: storage.Millis(b.CreatedAt)})
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Key < blobs[j].Key })
	return blobs, nil
}

// BlobSizeLimit returns the workspace's per-blob limit, refreshed at most
// every two minutes.
func (s *BlobStorage) BlobSizeLimit(ctx context.Context) (int64, error) {
	s.mu.Lock()
	if !s.limitLoaded.IsZero() && s.now().Sub(s.limitLoaded) < blobLimitTTL {
		limit := s.blobLimit
		s.mu.Unlock()
		return limit, nil
	}
	s.mu.Unlock()

	var out struct {
		Workspace struct {
			Quota struct {
				BlobLimit int64 `json:"blobLimit"`
			} `json:"quota"`
		} `json:"workspace"`
	}
	err := s.conn.GQL(ctx, GQLRequest{
		Query:     workspaceQuotaQuery,
		Variables: map[string]any{"id": s.opts.WorkspaceID},
	}, &out)
	if err != nil {
		return 0, fmt.Errorf("workspace quota: %w", err)
	}
	s.mu.Lock()
	s.blobLimit, s.limitLoaded = out.Workspace.Quota.BlobLimit, s.now()
	s.mu.Unlock()
	return out.Workspace.Quota.BlobLimit, nil
}
