package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/nbstore/asyncop"
	"github.com/agentworkforce/nbstore/storage"
	"github.com/agentworkforce/nbstore/storage/memory"
	"github.com/agentworkforce/nbstore/storage/storagetest"
)

const testToken = "secret-token"

// fakeServer is a workspace server backed by the memory storages.
type fakeServer struct {
	t     *testing.T
	srv   *httptest.Server
	docs  *memory.DocStorage
	blobs *memory.BlobStorage

	blobLimit  int64
	setBlobErr string
	failures   atomic.Int32
	requests   atomic.Int32
	quotaCalls atomic.Int32
	setCalls   atomic.Int32

	mu           sync.Mutex
	correlations []string
	sockets      []*websocket.Conn
	connected    chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		t:         t,
		docs:      memory.NewDocStorage(),
		blobs:     memory.NewBlobStorage(),
		blobLimit: 1 << 20,
		connected: make(chan struct{}, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /graphql", f.graphql)
	mux.HandleFunc("GET /api/workspaces/{ws}/blobs/{key}", f.getBlob)
	mux.HandleFunc("GET /api/workspaces/{ws}/docs/timestamps", f.timestamps)
	mux.HandleFunc("GET /api/workspaces/{ws}/docs/events", f.events)
	mux.HandleFunc("GET /api/workspaces/{ws}/docs/{doc}", f.getDoc)
	mux.HandleFunc("PUT /api/workspaces/{ws}/docs/{doc}", f.putDoc)
	mux.HandleFunc("DELETE /api/workspaces/{ws}/docs/{doc}", f.deleteDoc)
	mux.HandleFunc("POST /api/workspaces/{ws}/docs/{doc}/updates", f.pushUpdate)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, `{"code":"UNAUTHORIZED"}`, http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.correlations = append(f.correlations, r.Header.Get("X-Correlation-Id"))
		f.mu.Unlock()
		if f.failures.Add(-1) >= 0 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) open(t *testing.T, mutate func(*Options)) *Storages {
	t.Helper()
	opts := Options{
		ServerURL:   f.srv.URL,
		WorkspaceID: "ws1",
		Token:       testToken,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := Open(opts)
	if err != nil {
		t.Fatalf("open cloud storages failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func gqlFail(w http.ResponseWriter, name, message string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"errors": []map[string]any{{"message": message, "extensions": map[string]any{"name": name}}},
	})
}

func (f *fakeServer) graphql(w http.ResponseWriter, r *http.Request) {
	var (
		op struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		upload []byte
		name   string
		mime   string
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := json.Unmarshal([]byte(r.FormValue("operations")), &op); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var fileMap map[string][]string
		if err := json.Unmarshal([]byte(r.FormValue("map")), &fileMap); err != nil || len(fileMap["0"]) != 1 || fileMap["0"][0] != "variables.blob" {
			http.Error(w, "bad map", http.StatusBadRequest)
			return
		}
		file, hdr, err := r.FormFile("0")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		upload, _ = io.ReadAll(file)
		_ = file.Close()
		name, mime = hdr.Filename, hdr.Header.Get("Content-Type")
	} else if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	switch {
	case strings.Contains(op.Query, "workspaceQuota"):
		f.quotaCalls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"workspace": map[string]any{"quota": map[string]any{"blobLimit": f.blobLimit}},
		}})
	case strings.Contains(op.Query, "setBlob"):
		f.setCalls.Add(1)
		if f.setBlobErr != "" {
			gqlFail(w, f.setBlobErr, "rejected")
			return
		}
		_ = f.blobs.Set(ctx, storage.BlobRecord{Key: name, Data: upload, Mime: mime})
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"setBlob": name}})
	case strings.Contains(op.Query, "deleteBlob"):
		key, _ := op.Variables["key"].(string)
		permanently, _ := op.Variables["permanently"].(bool)
		_ = f.blobs.Delete(ctx, key, permanently)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"deleteBlob": true}})
	case strings.Contains(op.Query, "releaseDeletedBlobs"):
		_ = f.blobs.Release(ctx)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"releaseDeletedBlobs": true}})
	case strings.Contains(op.Query, "listBlobs"):
		list, _ := f.blobs.List(ctx)
		blobs := make([]map[string]any, 0, len(list))
		for _, b := range list {
			blobs = append(blobs, map[string]any{"key": b.Key, "size": b.Size, "mime": b.Mime, "createdAt": b.CreatedAt})
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"workspace": map[string]any{"blobs": blobs}}})
	default:
		gqlFail(w, "UNKNOWN_OPERATION", op.Query)
	}
}

func (f *fakeServer) getBlob(w http.ResponseWriter, r *http.Request) {
	rec, _ := f.blobs.Get(r.Context(), r.PathValue("key"))
	if rec == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", rec.Mime)
	w.Header().Set("Last-Modified", rec.CreatedAt.UTC().Format(http.TimeFormat))
	_, _ = w.Write(rec.Data)
}

func (f *fakeServer) getDoc(w http.ResponseWriter, r *http.Request) {
	doc, err := f.docs.GetDoc(r.Context(), r.PathValue("doc"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	if doc == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "DOC_NOT_FOUND"})
		return
	}
	writeJSON(w, http.StatusOK, docPayload{DocID: doc.DocID, Bin: doc.Bin, Timestamp: doc.Timestamp.UnixMilli()})
}

func (f *fakeServer) putDoc(w http.ResponseWriter, r *http.Request) {
	var body docPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stored, err := f.docs.SetDocSnapshot(r.Context(), storage.DocRecord{
		DocID: r.PathValue("doc"), Bin: body.Bin, Timestamp: fromMillis(body.Timestamp),
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stored": stored})
}

func (f *fakeServer) deleteDoc(w http.ResponseWriter, r *http.Request) {
	_ = f.docs.DeleteDoc(r.Context(), r.PathValue("doc"))
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeServer) pushUpdate(w http.ResponseWriter, r *http.Request) {
	var body docPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u, err := f.docs.PushUpdate(r.Context(), r.PathValue("doc"), body.Bin, "http")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": u.ID, "timestamp": u.Timestamp.UnixMilli()})
}

func (f *fakeServer) timestamps(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	stamps, _ := f.docs.GetDocTimestamps(r.Context(), fromMillis(after))
	out := make(map[string]int64, len(stamps))
	for id, ts := range stamps {
		out[id] = ts.UnixMilli()
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeServer) events(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.sockets = append(f.sockets, c)
	f.mu.Unlock()
	f.connected <- struct{}{}
	for {
		if _, _, err := c.Read(context.Background()); err != nil {
			return
		}
	}
}

func (f *fakeServer) broadcast(msg eventMessage) {
	f.mu.Lock()
	sockets := append([]*websocket.Conn(nil), f.sockets...)
	f.mu.Unlock()
	for _, c := range sockets {
		_ = wsjson.Write(context.Background(), c, msg)
	}
}

func (f *fakeServer) dropSockets() {
	f.mu.Lock()
	sockets := f.sockets
	f.sockets = nil
	f.mu.Unlock()
	for _, c := range sockets {
		_ = c.Close(websocket.StatusGoingAway, "restart")
	}
}

func TestDocStorageConformance(t *testing.T) {
	storagetest.RunDocStorage(t, func(t *testing.T) storage.DocStorage {
		return newFakeServer(t).open(t, nil).Doc
	})
}

func TestBlobRoundTrip(t *testing.T) {
	f := newFakeServer(t)
	s := f.open(t, nil)
	ctx := context.Background()

	missing, err := s.Blob.Get(ctx, "absent")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for absent blob, got %+v (%v)", missing, err)
	}
	if err := s.Blob.Set(ctx, storage.BlobRecord{Key: "k1", Data: []byte("hello"), Mime: "text/plain"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err := s.Blob.Get(ctx, "k1")
	if err != nil || got == nil {
		t.Fatalf("get failed: %+v (%v)", got, err)
	}
	if string(got.Data) != "hello" || got.Mime != "text/plain" || got.Size != 5 || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected blob: %+v", got)
	}
	list, err := s.Blob.List(ctx)
	if err != nil || len(list) != 1 || list[0].Key != "k1" || list[0].Size != 5 {
		t.Fatalf("unexpected list: %+v (%v)", list, err)
	}
	if err := s.Blob.Delete(ctx, "k1", false); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := s.Blob.Release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if list, _ := s.Blob.List(ctx); len(list) != 0 {
		t.Fatalf("expected empty list after release, got %+v", list)
	}
}

func TestBlobSetChecksCachedSizeLimit(t *testing.T) {
	f := newFakeServer(t)
	f.blobLimit = 4
	s := f.open(t, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Blob.now = func() time.Time { return now }
	ctx := context.Background()

	err := s.Blob.Set(ctx, storage.BlobRecord{Key: "big", Data: []byte("too big")})
	if !storage.IsOverSize(err) || !errors.Is(err, storage.ErrQuotaExceeded) {
		t.Fatalf("expected OverSizeError, got %v", err)
	}
	if asyncop.IsRetryable(err) {
		t.Fatalf("over size must not be retried")
	}
	if n := f.setCalls.Load(); n != 0 {
		t.Fatalf("expected no upload for an oversized blob, got %d", n)
	}
	if err := s.Blob.Set(ctx, storage.BlobRecord{Key: "ok", Data: []byte("tiny")}); err != nil {
		t.Fatalf("set within limit failed: %v", err)
	}
	if n := f.quotaCalls.Load(); n != 1 {
		t.Fatalf("expected quota cached, got %d queries", n)
	}
	now = now.Add(121 * time.Second)
	if _, err := s.Blob.BlobSizeLimit(ctx); err != nil {
		t.Fatalf("limit refresh failed: %v", err)
	}
	if n := f.quotaCalls.Load(); n != 2 {
		t.Fatalf("expected quota refreshed after ttl, got %d queries", n)
	}
}

func TestBlobSetMapsServerQuotaErrors(t *testing.T) {
	f := newFakeServer(t)
	s := f.open(t, nil)
	ctx := context.Background()

	f.setBlobErr = errBlobQuotaExceeded
	if err := s.Blob.Set(ctx, storage.BlobRecord{Key: "k", Data: []byte("x")}); !storage.IsOverCapacity(err) {
		t.Fatalf("expected OverCapacityError, got %v", err)
	}
	f.setBlobErr = errContentTooLarge
	if err := s.Blob.Set(ctx, storage.BlobRecord{Key: "k", Data: []byte("x")}); !storage.IsOverSize(err) {
		t.Fatalf("expected OverSizeError, got %v", err)
	}
	f.setBlobErr = "SOMETHING_ELSE"
	err := s.Blob.Set(ctx, storage.BlobRecord{Key: "k", Data: []byte("x")})
	if !IsGQLError(err, "SOMETHING_ELSE") {
		t.Fatalf("expected raw graphql error, got %v", err)
	}
}

func TestReadonlyBlobStorage(t *testing.T) {
	f := newFakeServer(t)
	s := f.open(t, func(o *Options) { o.Readonly = true })
	if err := s.Blob.Set(context.Background(), storage.BlobRecord{Key: "k"}); !errors.Is(err, storage.ErrReadonly) {
		t.Fatalf("expected ErrReadonly, got %v", err)
	}
	if f.requests.Load() != 0 {
		t.Fatalf("readonly set must not reach the server")
	}
}

var fastRetry = asyncop.RetryConfig{Count: 3, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond, When: asyncop.IsRetryable}

func TestTransientFailuresAreRetried(t *testing.T) {
	f := newFakeServer(t)
	s := f.open(t, nil)
	f.failures.Store(2)
	err := asyncop.BackoffRetry(context.Background(), fastRetry, func(ctx context.Context) error {
		_, err := s.Blob.Get(ctx, "absent")
		return err
	})
	if err != nil {
		t.Fatalf("expected recovery after retries, got %v", err)
	}
	if n := f.requests.Load(); n != 3 {
		t.Fatalf("expected 3 requests, got %d", n)
	}
	f.mu.Lock()
	seen := map[string]bool{}
	for _, id := range f.correlations {
		if !strings.HasPrefix(id, "nbstore_") || seen[id] {
			t.Fatalf("expected unique correlation ids, got %v", f.correlations)
		}
		seen[id] = true
	}
	f.mu.Unlock()
}

func TestRequestsAreSentOnce(t *testing.T) {
	f := newFakeServer(t)
	s := f.open(t, nil)
	f.failures.Store(100)
	_, err := s.Doc.GetDocTimestamps(context.Background(), time.Time{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 HTTPError, got %v", err)
	}
	if !asyncop.IsRetryable(err) {
		t.Fatalf("expected 503 to be retryable")
	}
	if n := f.requests.Load(); n != 1 {
		t.Fatalf("expected a single request, got %d", n)
	}
}

func TestBackoffOwnsRetryBudget(t *testing.T) {
	f := newFakeServer(t)
	s := f.open(t, nil)
	f.failures.Store(100)
	err := asyncop.BackoffRetry(context.Background(), fastRetry, func(ctx context.Context) error {
		_, err := s.Doc.GetDocTimestamps(ctx, time.Time{})
		return err
	})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 HTTPError, got %v", err)
	}
	if n := f.requests.Load(); n != 4 {
		t.Fatalf("expected first attempt plus 3 retries, got %d", n)
	}
}

func TestRetryAfterIsReported(t *testing.T) {
	statuses := []int{http.StatusTooManyRequests, http.StatusBadRequest}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(statuses[calls.Add(1)-1])
	}))
	defer srv.Close()
	conn := NewHTTPConnection(srv.URL, HTTPOptions{})

	err := conn.JSON(context.Background(), http.MethodGet, "/x", nil, nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.RetryAfter != 2*time.Second {
		t.Fatalf("expected 429 asking for 2s, got %#v", err)
	}
	if httpErr.RetryDelay() != 2*time.Second {
		t.Fatalf("retry delay = %s", httpErr.RetryDelay())
	}

	err = conn.JSON(context.Background(), http.MethodGet, "/x", nil, nil)
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest || httpErr.RetryAfter != 0 {
		t.Fatalf("expected plain 400, got %#v", err)
	}
	if asyncop.IsRetryable(err) {
		t.Fatalf("400 must not be retried")
	}
}

func TestRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	resp := &Response{
		StatusCode: http.StatusServiceUnavailable,
		Header:     http.Header{"Retry-After": []string{now.Add(90 * time.Second).Format(http.TimeFormat)}},
	}
	if got := retryAfter(resp, now); got != 90*time.Second {
		t.Fatalf("retry after = %s", got)
	}
	resp.Header.Set("Retry-After", "soon")
	if got := retryAfter(resp, now); got != 0 {
		t.Fatalf("unparseable header gave %s", got)
	}
}

func TestCancelledFetchIsAbort(t *testing.T) {
	f := newFakeServer(t)
	s := f.open(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Blob.Get(ctx, "k"); !asyncop.IsAborted(err) {
		t.Fatalf("expected abort, got %v", err)
	}
}

func TestDocEventsStreamReconnects(t *testing.T) {
	f := newFakeServer(t)
	conn := NewHTTPConnection(f.srv.URL, HTTPOptions{Token: testToken})
	docs, err := NewDocStorage(conn, DocOptions{WorkspaceID: "ws1", Events: true, ReconnectDelay: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new doc storage failed: %v", err)
	}
	t.Cleanup(func() { _ = docs.Connection().Close() })

	events := make(chan storage.DocUpdatedEvent, 8)
	unsub := docs.Subscribe(func(e storage.DocUpdatedEvent) { events <- e })
	defer unsub()

	if err := docs.Connection().Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitConnected(t, f)
	f.broadcast(eventMessage{Type: "doc-updated", DocID: "d1", Bin: []byte{1}, Timestamp: 1700000000000})
	got := waitDocEvent(t, events)
	if got.DocID != "d1" || got.Origin != OriginRemote || !got.Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("unexpected event: %+v", got)
	}

	f.dropSockets()
	waitConnected(t, f)
	f.broadcast(eventMessage{Type: "doc-updated", DocID: "d2", Timestamp: 1700000000001})
	if got := waitDocEvent(t, events); got.DocID != "d2" {
		t.Fatalf("expected event after reconnect, got %+v", got)
	}
}

func waitConnected(t *testing.T, f *fakeServer) {
	t.Helper()
	select {
	case <-f.connected:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event stream")
	}
}

func waitDocEvent(t *testing.T, events <-chan storage.DocUpdatedEvent) storage.DocUpdatedEvent {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for doc event")
		return storage.DocUpdatedEvent{}
	}
}
