package cloud

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/nbstore/asyncop"
	"github.com/agentworkforce/nbstore/storage"
)

// OriginRemote marks doc-updated events that arrived over the event stream.
const OriginRemote = "cloud"

type DocOptions struct {
	WorkspaceID string
	// Events opens a websocket stream of doc updates made by other clients.
	Events         bool
	ReconnectDelay time.Duration
	Logger         log.Logger
}

type docPayload struct {
	DocID     string `json:"docId,omitempty"`
	Bin       []byte `json:"bin"`
	Timestamp int64  `json:"timestamp"`
}

type eventMessage struct {
	Type      string `json:"type"`
	DocID     string `json:"docId"`
	Bin       []byte `json:"bin"`
	Timestamp int64  `json:"timestamp"`
}

// DocStorage keeps docs on the server. The server merges updates as they
// arrive, so there are never pending updates to squash client side.
type DocStorage struct {
	http   *HTTPConnection
	opts   DocOptions
	logger log.Logger
	conn   *storage.BaseConnection
	events storage.Emitter[storage.DocUpdatedEvent]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDocStorage(conn *HTTPConnection, opts DocOptions) (*DocStorage, error) {
	if conn == nil || opts.WorkspaceID == "" {
		return nil, storage.ErrInvalidInput
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = conn.logger
	}
	s := &DocStorage{
		http:   conn,
		opts:   opts,
		logger: log.With(logger, "component", "cloud-doc", "workspace", opts.WorkspaceID),
	}
	s.conn = storage.NewBaseConnection(s.open, s.close)
	return s, nil
}

func (s *DocStorage) Type() storage.Type             { return storage.TypeCloud }
func (s *DocStorage) Connection() storage.Connection { return s.conn }

func (s *DocStorage) open(ctx context.Context) error {
	if err := s.http.Connect(ctx); err != nil {
		return err
	}
	if !s.opts.Events {
		return nil
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()
	go s.stream(streamCtx, done)
	return nil
}

func (s *DocStorage) close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (s *DocStorage) stream(ctx context.Context, done chan struct{}) {
	defer close(done)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ReconnectDelay
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	for {
		err := s.readEvents(ctx, b)
		if ctx.Err() != nil {
			return
		}
		delay := b.NextBackOff()
		level.Warn(s.logger).Log("op", "doc-events", "error", err, "retry_in", delay)
		if asyncop.Sleep(ctx, delay) != nil {
			return
		}
	}
}

func (s *DocStorage) readEvents(ctx context.Context, b backoff.BackOff) error {
	header := http.Header{}
	if s.http.token != "" {
		header.Set("Authorization", "Bearer "+s.http.token)
	}
	header.Set(clientVersionHeader, ClientVersion)
	ws, _, err := websocket.Dial(ctx, s.http.baseURL+s.docsPath()+"/events", &websocket.DialOptions{
		HTTPClient: s.http.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return err
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	b.Reset()
	level.Info(s.logger).Log("op", "doc-events", "msg", "stream connected")
	for {
		var msg eventMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			return err
		}
		if msg.Type != "doc-updated" || msg.DocID == "" {
			continue
		}
		s.events.Emit(storage.DocUpdatedEvent{
			DocID:     msg.DocID,
			Bin:       msg.Bin,
			Timestamp: fromMillis(msg.Timestamp),
			Origin:    OriginRemote,
		})
	}
}

func (s *DocStorage) docsPath() string {
	return "/api/workspaces/" + url.PathEscape(s.opts.WorkspaceID) + "/docs"
}

func (s *DocStorage) docPath(docID string) string {
	return s.docsPath() + "/" + url.PathEscape(docID)
}

func (s *DocStorage) GetDocSnapshot(ctx context.Context, docID string) (*storage.DocRecord, error) {
	var out docPayload
	err := s.http.JSON(ctx, http.MethodGet, s.docPath(docID), nil, &out)
	if isStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &storage.DocRecord{DocID: docID, Bin: out.Bin, Timestamp: fromMillis(out.Timestamp)}, nil
}

func (s *DocStorage) SetDocSnapshot(ctx context.Context, rec storage.DocRecord) (bool, error) {
	if err := storage.ValidateUpdate(rec.DocID, rec.Bin); err != nil {
		return false, err
	}
	var out struct {
		Stored bool `json:"stored"`
	}
	body := docPayload{Bin: rec.Bin, Timestamp: toMillis(rec.Timestamp)}
	if err := s.http.JSON(ctx, http.MethodPut, s.docPath(rec.DocID), body, &out); err != nil {
		return false, err
	}
	return out.Stored, nil
}

func (s *DocStorage) GetDocUpdates(ctx context.Context, docID string) ([]storage.DocUpdate, error) {
	return nil, asyncop.ThrowIfAborted(ctx)
}

func (s *DocStorage) MarkUpdatesMerged(ctx context.Context, docID string, ids []uint64) (int, error) {
	return 0, asyncop.ThrowIfAborted(ctx)
}

func (s *DocStorage) PushUpdate(ctx context.Context, docID string, bin []byte, origin string) (storage.DocUpdate, error) {
	if err := storage.ValidateUpdate(docID, bin); err != nil {
		return storage.DocUpdate{}, err
	}
	var out struct {
		ID        uint64 `json:"id"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := s.http.JSON(ctx, http.MethodPost, s.docPath(docID)+"/updates", docPayload{Bin: bin}, &out); err != nil {
		return storage.DocUpdate{}, err
	}
	u := storage.DocUpdate{ID: out.ID, DocID: docID, Bin: bin, Timestamp: fromMillis(out.Timestamp)}
	s.events.Emit(storage.DocUpdatedEvent{DocID: docID, Bin: bin, Timestamp: u.Timestamp, Origin: origin})
	return u, nil
}

func (s *DocStorage) GetDoc(ctx context.Context, docID string) (*storage.DocRecord, error) {
	return s.GetDocSnapshot(ctx, docID)
}

func (s *DocStorage) GetDocTimestamps(ctx context.Context, after time.Time) (map[string]time.Time, error) {
	var out map[string]int64
	path := s.docsPath() + "/timestamps?after=" + strconv.FormatInt(toMillis(after), 10)
	if err := s.http.JSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	stamps := make(map[string]time.Time, len(out))
	for id, ms := range out {
		stamps[id] = fromMillis(ms)
	}
	return stamps, nil
}

func (s *DocStorage) DeleteDoc(ctx context.Context, docID string) error {
	err := s.http.JSON(ctx, http.MethodDelete, s.docPath(docID), nil, nil)
	if isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func (s *DocStorage) Subscribe(fn func(storage.DocUpdatedEvent)) func() {
	return s.events.Subscribe(fn)
}

func isStatus(err error, code int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == code
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
