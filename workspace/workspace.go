// Package workspace is the runtime view of one workspace: a root CRDT doc
// holding the doc list, live doc handles and the blob source the docs use.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"

	"github.com/agentworkforce/nbstore/crdt"
	"github.com/agentworkforce/nbstore/signal"
	"github.com/agentworkforce/nbstore/storage"
)

var (
	ErrDocExists       = errors.New("doc already exists")
	ErrDocMetaNotFound = errors.New("doc meta not found")
	ErrInvalidMeta     = errors.New("invalid doc meta")
	ErrDisposed        = errors.New("disposed")
)

// MetaMap is the root doc map holding one meta entry per doc id.
const MetaMap = "pages"

type Options struct {
	// ID defaults to a fresh ULID.
	ID string
	// Blobs defaults to a MemoryBlobSource.
	Blobs  BlobSource
	Logger log.Logger
	Now    func() time.Time
}

type CreateDocOptions struct {
	// ID defaults to a fresh ULID.
	ID    string
	Title string
	Tags  []string
}

// Workspace owns the root doc and every live doc handle.
type Workspace struct {
	id     string
	root   *crdt.Doc
	meta   *crdt.Map
	blobs  BlobSource
	logger log.Logger
	now    func() time.Time
	origin string

	// DocCreated and DocRemoved carry the id of the last doc added or
	// removed. DocListUpdated carries the number of docs.
	DocCreated     *signal.Cell[string]
	DocRemoved     *signal.Cell[string]
	DocListUpdated *signal.Cell[int]

	mu        sync.Mutex
	docs      map[string]*Doc
	removing  map[int]func(id string)
	nextHook  int
	disposed  bool
	unobserve func()
	detach    []func()
}

func New(opts Options) *Workspace {
	if opts.ID == "" {
		opts.ID = ulid.Make().String()
	}
	if opts.Blobs == nil {
		opts.Blobs = NewMemoryBlobSource()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	root := crdt.NewDoc(opts.ID)
	w := &Workspace{
		id:             opts.ID,
		root:           root,
		meta:           root.Map(MetaMap),
		blobs:          opts.Blobs,
		logger:         log.With(opts.Logger, "workspace", opts.ID),
		now:            opts.Now,
		origin:         "workspace:" + strconv.FormatUint(root.ClientID(), 16),
		DocCreated:     signal.New(""),
		DocRemoved:     signal.New(""),
		DocListUpdated: signal.New(0),
		docs:           map[string]*Doc{},
		removing:       map[int]func(string){},
	}
	w.unobserve = w.meta.Observe(w.observeMeta)
	return w
}

func (w *Workspace) ID() string { return w.id }

// Root returns the workspace root doc. Its id is the workspace id.
func (w *Workspace) Root() *crdt.Doc { return w.root }

// Blobs returns the blob source bound to the workspace.
func (w *Workspace) Blobs() BlobSource { return w.blobs }

// Load applies the stored root doc state from s.
func (w *Workspace) Load(ctx context.Context, s storage.DocStorage) error {
	return loadDoc(ctx, w.root, w.id, s)
}

// Persist keeps the root doc and s in step until the returned func is
// called or the workspace is disposed.
func (w *Workspace) Persist(s storage.DocStorage) (stop func()) {
	stop = persistDoc(w.root, w.id, w.origin, s, w.logger)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.detach = append(w.detach, stop)
	return stop
}

func (w *Workspace) CreateDoc(opts CreateDocOptions) (*Doc, error) {
	if opts.ID == "" {
		opts.ID = ulid.Make().String()
	}
	meta := DocMeta{
		ID:         opts.ID,
		Title:      opts.Title,
		CreateDate: w.now().UnixMilli(),
		Tags:       opts.Tags,
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return nil, ErrDisposed
	}
	if _, ok := w.docs[opts.ID]; ok || w.meta.Has(opts.ID) {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDocExists, opts.ID)
	}
	doc := newDoc(opts.ID, w.logger)
	w.docs[opts.ID] = doc
	n := len(w.docs)
	w.mu.Unlock()

	var setErr error
	w.root.Transact(w.origin, func(tx *crdt.Tx) {
		setErr = tx.Set(w.meta, opts.ID, meta.toValue())
	})
	if setErr != nil {
		w.mu.Lock()
		delete(w.docs, opts.ID)
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrInvalidMeta, setErr)
	}
	w.DocCreated.Set(opts.ID)
	w.DocListUpdated.Set(n)
	return doc, nil
}

// GetDoc returns the live handle of id, creating it when only the meta
// entry is known. It returns nil for unknown ids.
func (w *Workspace) GetDoc(id string) *Doc {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disposed {
		return nil
	}
	if doc, ok := w.docs[id]; ok {
		return doc
	}
	if !w.meta.Has(id) {
		return nil
	}
	doc := newDoc(id, w.logger)
	w.docs[id] = doc
	return doc
}

// DocMeta returns the meta entry of id.
func (w *Workspace) DocMeta(id string) (DocMeta, bool) {
	v, ok := w.meta.Get(id)
	if !ok {
		return DocMeta{}, false
	}
	return metaFromValue(id, v), true
}

// Docs lists the meta of every doc, oldest first.
func (w *Workspace) Docs() []DocMeta {
	entries := w.meta.Entries()
	metas := make([]DocMeta, 0, len(entries))
	for id, v := range entries {
		metas = append(metas, metaFromValue(id, v))
	}
	sortMetas(metas)
	return metas
}

// OnBeforeRemoveDoc registers fn to run for every doc removed by RemoveDoc
// after its handle is disposed and before its meta entry is deleted. Docs
// removed by another replica have already lost their meta when fn runs.
func (w *Workspace) OnBeforeRemoveDoc(fn func(id string)) (remove func()) {
	w.mu.Lock()
	id := w.nextHook
	w.nextHook++
	w.removing[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.removing, id)
		w.mu.Unlock()
	}
}

func (w *Workspace) beforeRemove(id string) {
	w.mu.Lock()
	ids := make([]int, 0, len(w.removing))
	for k := range w.removing {
		ids = append(ids, k)
	}
	sort.Ints(ids)
	hooks := make([]func(string), 0, len(ids))
	for _, k := range ids {
		hooks = append(hooks, w.removing[k])
	}
	w.mu.Unlock()
	for _, fn := range hooks {
		fn(id)
	}
}

// RemoveDoc disposes the handle of id and runs the OnBeforeRemoveDoc hooks
// before deleting its meta entry, so anything still syncing the doc sees it
// disposed rather than missing.
func (w *Workspace) RemoveDoc(id string) error {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return ErrDisposed
	}
	if !w.meta.Has(id) {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDocMetaNotFound, id)
	}
	doc := w.docs[id]
	w.mu.Unlock()

	if doc != nil {
		doc.Dispose()
	}
	w.beforeRemove(id)
	w.root.Transact(w.origin, func(tx *crdt.Tx) {
		tx.Delete(w.meta, id)
	})

	w.mu.Lock()
	delete(w.docs, id)
	n := len(w.docs)
	w.mu.Unlock()
	w.DocRemoved.Set(id)
	w.DocListUpdated.Set(n)
	return nil
}

// observeMeta follows meta changes made by other replicas: new entries get
// a handle, removed entries have theirs disposed.
func (w *Workspace) observeMeta(e crdt.MapEvent) {
	if e.Local {
		return
	}
	var created, removed []string
	var disposeList []*Doc
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	for _, id := range e.KeysChanged() {
		switch e.Changes[id].Action {
		case crdt.ActionAdd:
			if _, ok := w.docs[id]; !ok {
				w.docs[id] = newDoc(id, w.logger)
				created = append(created, id)
			}
		case crdt.ActionDelete:
			if doc, ok := w.docs[id]; ok {
				disposeList = append(disposeList, doc)
				delete(w.docs, id)
			}
			removed = append(removed, id)
		}
	}
	n := len(w.docs)
	w.mu.Unlock()

	for _, doc := range disposeList {
		level.Info(w.logger).Log("op", "remote-remove", "doc", doc.ID())
		doc.Dispose()
	}
	for _, id := range removed {
		w.beforeRemove(id)
	}
	for _, id := range created {
		w.DocCreated.Set(id)
	}
	for _, id := range removed {
		w.DocRemoved.Set(id)
	}
	if len(created) > 0 || len(removed) > 0 {
		w.DocListUpdated.Set(n)
	}
}

// Dispose disposes every live doc and detaches the root doc.
func (w *Workspace) Dispose() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.disposed = true
	docs := make([]*Doc, 0, len(w.docs))
	for _, d := range w.docs {
		docs = append(docs, d)
	}
	w.docs = map[string]*Doc{}
	detach := w.detach
	w.detach = nil
	w.mu.Unlock()

	for _, d := range docs {
		d.Dispose()
	}
	w.unobserve()
	for _, stop := range detach {
		stop()
	}
	w.root.Destroy()
}
