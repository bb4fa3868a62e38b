package workspace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/agentworkforce/nbstore/binding"
	"github.com/agentworkforce/nbstore/crdt"
	"github.com/agentworkforce/nbstore/storage"
)

// PropsMap is the CRDT map a doc's properties are mirrored from.
const PropsMap = "props"

// fromStorage tags transactions that apply updates read from a storage, so
// they are not written back.
type fromStorage struct{}

// Doc is a live handle on one doc of a workspace.
type Doc struct {
	id     string
	doc    *crdt.Doc
	logger log.Logger
	origin string

	mu        sync.Mutex
	props     *binding.FlatMap
	disposed  bool
	listeners map[int]func()
	nextID    int
	detach    []func()
}

func newDoc(id string, logger log.Logger) *Doc {
	d := &Doc{
		id:        id,
		doc:       crdt.NewDoc(id),
		logger:    log.With(logger, "doc", id),
		listeners: map[int]func(){},
	}
	d.origin = "doc:" + strconv.FormatUint(d.doc.ClientID(), 16)
	return d
}

func (d *Doc) ID() string { return d.id }

// CRDT returns the replicated document behind the handle.
func (d *Doc) CRDT() *crdt.Doc { return d.doc }

// Props returns the reactive mirror of the doc's property map.
func (d *Doc) Props() *binding.FlatMap {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.props == nil {
		d.props = binding.Bind(d.doc.Map(PropsMap), binding.Options{})
	}
	return d.props
}

// Snapshot encodes the full doc state.
func (d *Doc) Snapshot() []byte { return d.doc.EncodeStateAsUpdate(nil) }

// Load applies the state s holds for the doc.
func (d *Doc) Load(ctx context.Context, s storage.DocStorage) error {
	if d.Disposed() {
		return ErrDisposed
	}
	return loadDoc(ctx, d.doc, d.id, s)
}

// Persist writes every local change of the doc to s and applies updates
// others store in s. It stops when the returned func is called or the doc is
// disposed.
func (d *Doc) Persist(s storage.DocStorage) (stop func()) {
	stop = persistDoc(d.doc, d.id, d.origin, s, d.logger)
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		stop()
		return func() {}
	}
	d.detach = append(d.detach, stop)
	d.mu.Unlock()
	return stop
}

// OnDispose registers fn to run when the doc is disposed.
func (d *Doc) OnDispose(fn func()) (remove func()) {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		fn()
		return func() {}
	}
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

func (d *Doc) Disposed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposed
}

// Dispose runs the disposal listeners in registration order, then detaches
// the doc from its storages and observers. It is idempotent.
func (d *Doc) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	ids := make([]int, 0, len(d.listeners))
	for id := range d.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), len(ids))
	for i, id := range ids {
		fns[i] = d.listeners[id]
	}
	d.listeners = map[int]func(){}
	detach, props := d.detach, d.props
	d.detach, d.props = nil, nil
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	for _, stop := range detach {
		stop()
	}
	if props != nil {
		props.Dispose()
	}
	d.doc.Destroy()
}

func loadDoc(ctx context.Context, doc *crdt.Doc, docID string, s storage.DocStorage) error {
	rec, err := s.GetDoc(ctx, docID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	return applyStored(doc, docID, rec.Bin)
}

func applyStored(doc *crdt.Doc, docID string, bin []byte) error {
	if err := doc.ApplyUpdate(bin, fromStorage{}); err != nil {
		if errors.Is(err, crdt.ErrMalformedUpdate) {
			return fmt.Errorf("%w: doc %s: %v", storage.ErrSerialization, docID, err)
		}
		return err
	}
	return nil
}

func persistDoc(doc *crdt.Doc, docID, origin string, s storage.DocStorage, logger log.Logger) func() {
	offUpdate := doc.OnUpdate(func(update []byte, txOrigin any, local bool) {
		if _, ok := txOrigin.(fromStorage); ok {
			return
		}
		if _, err := s.PushUpdate(context.Background(), docID, update, origin); err != nil {
			level.Error(logger).Log("op", "persist", "error", err)
		}
	})
	offStorage := s.Subscribe(func(e storage.DocUpdatedEvent) {
		if e.DocID != docID || e.Origin == origin {
			return
		}
		if err := applyStored(doc, docID, e.Bin); err != nil {
			level.Warn(logger).Log("op", "apply", "error", err)
		}
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			offUpdate()
			offStorage()
		})
	}
}
