package storage

import (
	"context"
	"fmt"
	"sync"
)

type ConnectionStatus string

const (
	StatusIdle       ConnectionStatus = "idle"
	StatusConnecting ConnectionStatus = "connecting"
	StatusConnected  ConnectionStatus = "connected"
	StatusError      ConnectionStatus = "error"
	StatusClosed     ConnectionStatus = "closed"
)

// Connection is a handle to a backend resource. Connect is idempotent.
type Connection interface {
	Connect(ctx context.Context) error
	WaitForConnected(ctx context.Context) error
	Close() error
	Status() ConnectionStatus
}

// BaseConnection runs open once on first Connect and close on Close. A
// failed open is retried by the next Connect.
type BaseConnection struct {
	open  func(ctx context.Context) error
	close func() error

	mu     sync.Mutex
	status ConnectionStatus
	err    error
}

func NewBaseConnection(open func(ctx context.Context) error, close func() error) *BaseConnection {
	return &BaseConnection{open: open, close: close, status: StatusIdle}
}

func (c *BaseConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status {
	case StatusConnected:
		return nil
	case StatusClosed:
		return ErrClosed
	}
	c.status = StatusConnecting
	if c.open != nil {
		if err := c.open(ctx); err != nil {
			c.status, c.err = StatusError, err
			return err
		}
	}
	c.status, c.err = StatusConnected, nil
	return nil
}

func (c *BaseConnection) WaitForConnected(ctx context.Context) error {
	return c.Connect(ctx)
}

func (c *BaseConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusClosed {
		return nil
	}
	wasOpen := c.status == StatusConnected
	c.status = StatusClosed
	if wasOpen && c.close != nil {
		return c.close()
	}
	return nil
}

func (c *BaseConnection) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the error of the last failed Connect.
func (c *BaseConnection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

type sharedEntry struct {
	conn Connection
	refs int
}

var shared = struct {
	mu      sync.Mutex
	entries map[string]*sharedEntry
}{entries: map[string]*sharedEntry{}}

// Share returns the connection registered under key, creating it with open
// on first use. Every successful call must be paired with one call of the
// returned release; the last release closes the connection.
func Share[C Connection](key string, open func() (C, error)) (C, func() error, error) {
	var zero C
	shared.mu.Lock()
	defer shared.mu.Unlock()
	e, ok := shared.entries[key]
	if !ok {
		conn, err := open()
		if err != nil {
			return zero, nil, err
		}
		e = &sharedEntry{conn: conn}
		shared.entries[key] = e
	}
	conn, ok := e.conn.(C)
	if !ok {
		return zero, nil, fmt.Errorf("%w: shared connection %q is %T", ErrInvalidInput, key, e.conn)
	}
	e.refs++
	var once sync.Once
	release := func() error {
		var err error
		once.Do(func() { err = releaseShared(key, e) })
		return err
	}
	return conn, release, nil
}

func releaseShared(key string, e *sharedEntry) error {
	shared.mu.Lock()
	e.refs--
	last := e.refs <= 0
	if last && shared.entries[key] == e {
		delete(shared.entries, key)
	}
	shared.mu.Unlock()
	if last {
		return e.conn.Close()
	}
	return nil
}

// SharedRefs reports how many holders share key.
func SharedRefs(key string) int {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if e, ok := shared.entries[key]; ok {
		return e.refs
	}
	return 0
}

// SharedRef is the Connection a storage owns when its underlying resource
// is shared with other storages. Connect takes a reference, Close drops it.
type SharedRef[C Connection] struct {
	key  string
	open func() (C, error)

	mu      sync.Mutex
	conn    C
	release func() error
	status  ConnectionStatus
}

func NewSharedRef[C Connection](key string, open func() (C, error)) *SharedRef[C] {
	return &SharedRef[C]{key: key, open: open, status: StatusIdle}
}

func (r *SharedRef[C]) Key() string { return r.key }

func (r *SharedRef[C]) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status {
	case StatusClosed:
		return ErrClosed
	case StatusConnected:
		return nil
	}
	if r.release == nil {
		conn, release, err := Share(r.key, r.open)
		if err != nil {
			r.status = StatusError
			return err
		}
		r.conn, r.release = conn, release
	}
	r.status = StatusConnecting
	if err := r.conn.Connect(ctx); err != nil {
		r.status = StatusError
		return err
	}
	r.status = StatusConnected
	return nil
}

func (r *SharedRef[C]) WaitForConnected(ctx context.Context) error {
	return r.Connect(ctx)
}

// Get connects if needed and returns the shared connection.
func (r *SharedRef[C]) Get(ctx context.Context) (C, error) {
	if err := r.Connect(ctx); err != nil {
		var zero C
		return zero, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn, nil
}

func (r *SharedRef[C]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusClosed {
		return nil
	}
	r.status = StatusClosed
	if r.release != nil {
		return r.release()
	}
	return nil
}

func (r *SharedRef[C]) Status() ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// NoopConnection is always connected.
type NoopConnection struct{}

func (NoopConnection) Connect(context.Context) error          { return nil }
func (NoopConnection) WaitForConnected(context.Context) error { return nil }
func (NoopConnection) Close() error                           { return nil }
func (NoopConnection) Status() ConnectionStatus               { return StatusConnected }
