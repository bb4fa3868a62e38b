package cloud

import (
	"net/http"

	"github.com/go-kit/log"
)

type Options struct {
	ServerURL   string
	WorkspaceID string
	Token       string
	Readonly    bool
	// Events opens the doc-updated websocket stream on Connect.
	Events     bool
	HTTPClient *http.Client
	Logger     log.Logger
}

// Storages is the doc and blob storage of one server workspace over a
// single HTTP connection.
type Storages struct {
	HTTP *HTTPConnection
	Doc  *DocStorage
	Blob *BlobStorage
}

func Open(opts Options) (*Storages, error) {
	conn := NewHTTPConnection(opts.ServerURL, HTTPOptions{
		Token:      opts.Token,
		HTTPClient: opts.HTTPClient,
		Logger:     opts.Logger,
	})
	doc, err := NewDocStorage(conn, DocOptions{WorkspaceID: opts.WorkspaceID, Events: opts.Events, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	blob, err := NewBlobStorage(conn, BlobOptions{WorkspaceID: opts.WorkspaceID, Readonly: opts.Readonly})
	if err != nil {
		return nil, err
	}
	return &Storages{HTTP: conn, Doc: doc, Blob: blob}, nil
}

func (s *Storages) Close() error {
	docErr := s.Doc.Connection().Close()
	if err := s.HTTP.Close(); err != nil {
		return err
	}
	return docErr
}
