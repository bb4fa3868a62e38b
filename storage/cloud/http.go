// Package cloud talks to the workspace server over HTTP and GraphQL, with a
// websocket stream for doc-updated events.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/agentworkforce/nbstore/asyncop"
	"github.com/agentworkforce/nbstore/storage"
)

const clientVersionHeader = "X-Nbstore-Version"

// ClientVersion is sent with every request.
var ClientVersion = "0.1.0"

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	// RetryAfter is the wait the server asked for, zero when it named none.
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the server might accept the request later.
func (e *HTTPError) Retryable() bool { return retryableStatus(e.StatusCode) }

// RetryDelay lets asyncop.BackoffRetry wait as long as the server asked.
func (e *HTTPError) RetryDelay() time.Duration { return e.RetryAfter }

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

// GQLError is the first error of a GraphQL response. Name carries the
// server's error identifier, such as BLOB_QUOTA_EXCEEDED.
type GQLError struct {
	Name       string
	Message    string
	Status     int
	RetryAfter time.Duration
}

func (e *GQLError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("graphql %s: %s", e.Name, e.Message)
	}
	return "graphql: " + e.Message
}

func (e *GQLError) Retryable() bool { return retryableStatus(e.Status) }

func (e *GQLError) RetryDelay() time.Duration { return e.RetryAfter }

type HTTPOptions struct {
	Token      string
	HTTPClient *http.Client
	Logger     log.Logger
}

// HTTPConnection is a base URL plus credentials. Connecting it does no I/O;
// the first request is the real reachability check. Every request is sent
// once; callers retry through asyncop.BackoffRetry.
type HTTPConnection struct {
	*storage.BaseConnection

	baseURL    string
	token      string
	httpClient *http.Client
	logger     log.Logger
}

func NewHTTPConnection(baseURL string, opts HTTPOptions) *HTTPConnection {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	return &HTTPConnection{
		BaseConnection: storage.NewBaseConnection(nil, nil),
		baseURL:        baseURL,
		token:          strings.TrimSpace(opts.Token),
		httpClient:     opts.HTTPClient,
		logger:         log.With(opts.Logger, "component", "cloud-http"),
	}
}

func (c *HTTPConnection) BaseURL() string { return c.baseURL }

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type requestBody func() (io.Reader, string, error)

func jsonBody(v any) (requestBody, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return func() (io.Reader, string, error) {
		return bytes.NewReader(data), "application/json", nil
	}, nil
}

// Fetch sends a request and returns whatever the server answered.
// Transport failures surface as storage.ErrNetwork.
func (c *HTTPConnection) Fetch(ctx context.Context, method, requestPath string, headers map[string]string, body any) (*Response, error) {
	b, err := jsonBody(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, method, requestPath, headers, b)
}

// JSON sends body encoded as JSON and decodes a 2xx response into out.
// Any other status becomes an *HTTPError.
func (c *HTTPConnection) JSON(ctx context.Context, method, requestPath string, body, out any) error {
	resp, err := c.Fetch(ctx, method, requestPath, nil, body)
	if err != nil {
		return err
	}
	if err := statusError(resp); err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", storage.ErrSerialization, method, requestPath, err)
	}
	return nil
}

func statusError(resp *Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	var payload struct {
		Code    string `json:"code"`
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(resp.Body, &payload)
	code := payload.Code
	if code == "" {
		code = payload.Name
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       code,
		Message:    payload.Message,
		RetryAfter: retryAfter(resp, time.Now()),
	}
}

// retryAfter reads a Retry-After header given either as seconds or as an
// HTTP date. It is only honoured on statuses worth retrying.
func retryAfter(resp *Response, now time.Time) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" || !retryableStatus(resp.StatusCode) {
		return 0
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(max(n, 0)) * time.Second
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0
	}
	return max(at.Sub(now), 0)
}

func (c *HTTPConnection) do(ctx context.Context, method, requestPath string, headers map[string]string, body requestBody) (*Response, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	if err := asyncop.ThrowIfAborted(ctx); err != nil {
		return nil, err
	}
	var (
		reader      io.Reader
		contentType string
	)
	if body != nil {
		var err error
		if reader, contentType, err = body(); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, reader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	req.Header.Set(clientVersionHeader, ClientVersion)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, asyncop.ErrManuallyStopped
		}
		level.Debug(c.logger).Log("op", "fetch", "method", method, "path", requestPath, "error", err)
		return nil, fmt.Errorf("%w: %s %s: %v", storage.ErrNetwork, method, requestPath, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		if ctx.Err() != nil {
			return nil, asyncop.ErrManuallyStopped
		}
		return nil, fmt.Errorf("%w: read %s: %v", storage.ErrNetwork, requestPath, readErr)
	}
	if retryableStatus(resp.StatusCode) {
		level.Debug(c.logger).Log("op", "fetch", "method", method, "path", requestPath, "status", resp.StatusCode)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
}

// GQLRequest is one GraphQL operation. Files are sent as a multipart
// upload; each key names the variable the file is bound to.
type GQLRequest struct {
	Query     string
	Variables map[string]any
	Files     map[string]UploadFile
}

type UploadFile struct {
	Name string
	Mime string
	Data []byte
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message    string `json:"message"`
		Extensions struct {
			Name   string `json:"name"`
			Code   string `json:"code"`
			Status int    `json:"status"`
		} `json:"extensions"`
	} `json:"errors"`
}

// GQL runs op against /graphql and decodes its data into out.
func (c *HTTPConnection) GQL(ctx context.Context, op GQLRequest, out any) error {
	body, err := gqlBody(op)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/graphql", nil, body)
	if err != nil {
		return err
	}
	var decoded gqlResponse
	jsonErr := json.Unmarshal(resp.Body, &decoded)
	if jsonErr == nil && len(decoded.Errors) > 0 {
		first := decoded.Errors[0]
		name := first.Extensions.Name
		if name == "" {
			name = first.Extensions.Code
		}
		status := first.Extensions.Status
		if status == 0 && resp.StatusCode >= 400 {
			status = resp.StatusCode
		}
		return &GQLError{Name: name, Message: first.Message, Status: status, RetryAfter: retryAfter(resp, time.Now())}
	}
	if err := statusError(resp); err != nil {
		return err
	}
	if jsonErr != nil {
		return fmt.Errorf("%w: graphql: %v", storage.ErrSerialization, jsonErr)
	}
	if out == nil || len(decoded.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded.Data, out); err != nil {
		return fmt.Errorf("%w: graphql data: %v", storage.ErrSerialization, err)
	}
	return nil
}

func gqlBody(op GQLRequest) (requestBody, error) {
	if len(op.Files) == 0 {
		return jsonBody(map[string]any{"query": op.Query, "variables": op.Variables})
	}

	// GraphQL multipart request: operations with null file slots, a map
	// from part name to variable path, then the parts.
	vars := make(map[string]any, len(op.Variables)+len(op.Files))
	for k, v := range op.Variables {
		vars[k] = v
	}
	names := make([]string, 0, len(op.Files))
	for name := range op.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	fileMap := make(map[string][]string, len(names))
	for i, name := range names {
		vars[name] = nil
		fileMap[strconv.Itoa(i)] = []string{"variables." + name}
	}
	operations, err := json.Marshal(map[string]any{"query": op.Query, "variables": vars})
	if err != nil {
		return nil, err
	}
	mapping, err := json.Marshal(fileMap)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("operations", string(operations)); err != nil {
		return nil, err
	}
	if err := w.WriteField("map", string(mapping)); err != nil {
		return nil, err
	}
	for i, name := range names {
		f := op.Files[name]
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%d"; filename="%s"`, i, escapeQuotes(f.Name)))
		mime := f.Mime
		if mime == "" {
			mime = "application/octet-stream"
		}
		h.Set("Content-Type", mime)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	data, contentType := buf.Bytes(), w.FormDataContentType()
	return func() (io.Reader, string, error) {
		return bytes.NewReader(data), contentType, nil
	}, nil
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func correlationID() string {
	return "nbstore_" + uuid.NewString()
}

// IsGQLError reports whether err is a GraphQL error named name.
func IsGQLError(err error, name string) bool {
	var e *GQLError
	return errors.As(err, &e) && e.Name == name
}
