// Package binding mirrors a flat CRDT map onto a nested in-memory object.
//
// Nested paths are flattened into keys of the form "prop:a.b.c". Each
// top-level field has one observable cell, created lazily. Writes flow from
// the mirror into the CRDT in a single transaction; remote changes flow back
// through a map observer. Fields may be stashed to keep edits local until
// they are popped.
package binding

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/agentworkforce/nbstore/crdt"
	"github.com/agentworkforce/nbstore/signal"
)

// KeyPrefix marks CRDT keys that belong to the mirrored object.
const KeyPrefix = "prop:"

// MutationOrigin tags where a mirror mutation came from. It decides which
// directions a change is propagated in.
type MutationOrigin int

const (
	// LocalEdit writes through to the CRDT and updates the field cell.
	LocalEdit MutationOrigin = iota
	// RemoteApply updates the mirror and cell but never writes the CRDT.
	RemoteApply
	// CellPropagation writes the CRDT but leaves the originating cell alone.
	CellPropagation
)

func (o MutationOrigin) String() string {
	switch o {
	case LocalEdit:
		return "local"
	case RemoteApply:
		return "remote"
	case CellPropagation:
		return "cell"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

func (o MutationOrigin) writesCRDT() bool { return o != RemoteApply }
func (o MutationOrigin) updatesCell() bool { return o != CellPropagation }

// OnChange is told which top-level field changed and whether the change was
// made on this replica.
type OnChange func(field string, isLocal bool)

type Options struct {
	OnChange OnChange
}

// txOrigin is the transaction origin of writes made by a FlatMap, so its own
// observer can recognise them.
type txOrigin struct{ fm *FlatMap }

var registry = xsync.NewMapOf[*crdt.Map, *FlatMap]()

// Bind returns the FlatMap mirroring m, creating it on first use. Options
// are only applied by the call that creates it.
func Bind(m *crdt.Map, opts Options) *FlatMap {
	fm, _ := registry.LoadOrCompute(m, func() *FlatMap {
		return newFlatMap(m, opts)
	})
	return fm
}

// FlatMap is the mirror of one flat CRDT map.
type FlatMap struct {
	m        *crdt.Map
	origin   *txOrigin
	onChange OnChange

	mu      sync.Mutex
	data    map[string]any
	stashed map[string]bool
	// fields indexes cells; cells never shrink while the map is bound.
	fields   map[string]int
	cells    []*signal.Cell[any]
	cellSubs []func()
	// watchers hold Text and Boxed listeners by full path.
	watchers  map[string]func()
	unobserve func()
	disposed  bool
}

func newFlatMap(m *crdt.Map, opts Options) *FlatMap {
	fm := &FlatMap{
		m:        m,
		onChange: opts.OnChange,
		data:     map[string]any{},
		stashed:  map[string]bool{},
		fields:   map[string]int{},
		watchers: map[string]func(){},
	}
	fm.origin = &txOrigin{fm: fm}

	entries := m.Entries()
	keys := make([]string, 0, len(entries))
	for k := range entries {
		if strings.HasPrefix(k, KeyPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := strings.TrimPrefix(k, KeyPrefix)
		fm.watch(path, entries[k])
		setPath(fm.data, splitPath(path), entries[k])
	}
	fm.unobserve = m.Observe(fm.observe)
	return fm
}

// Map returns the bound CRDT map.
func (f *FlatMap) Map() *crdt.Map { return f.m }

// Get returns the value at the dotted path.
func (f *FlatMap) Get(path string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := getPath(f.data, splitPath(path))
	if !ok {
		return nil, false
	}
	return crdt.Clone(v), true
}

// Value returns a deep copy of the whole mirror.
func (f *FlatMap) Value() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return crdt.Clone(f.data).(map[string]any)
}

// Set writes v at the dotted path. A map[string]any replaces the whole
// subtree under path.
func (f *FlatMap) Set(path string, v any) error {
	return f.set(path, v, LocalEdit)
}

// Delete removes the value at path and prunes empty ancestors.
func (f *FlatMap) Delete(path string) {
	f.remove(path, LocalEdit)
}

// Stash keeps later writes to field out of the CRDT until Pop.
func (f *FlatMap) Stash(field string) {
	f.mu.Lock()
	f.stashed[field] = true
	f.mu.Unlock()
}

func (f *FlatMap) IsStashed(field string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stashed[field]
}

// Pop releases a stashed field and writes its current value once.
func (f *FlatMap) Pop(field string) error {
	f.mu.Lock()
	if !f.stashed[field] {
		f.mu.Unlock()
		return nil
	}
	delete(f.stashed, field)
	v, ok := f.data[field]
	v = crdt.Clone(v)
	f.mu.Unlock()
	if !ok {
		f.remove(field, LocalEdit)
		return nil
	}
	return f.set(field, v, LocalEdit)
}

// Cell returns the observable cell of a top-level field. Setting the cell
// writes the field; a nil value deletes it.
func (f *FlatMap) Cell(field string) *signal.Cell[any] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cellLocked(field)
}

func (f *FlatMap) cellLocked(field string) *signal.Cell[any] {
	if idx, ok := f.fields[field]; ok {
		return f.cells[idx]
	}
	cell := signal.New[any](crdt.Clone(f.data[field]))
	idx := len(f.cells)
	f.cells = append(f.cells, cell)
	f.fields[field] = idx
	if !f.disposed {
		f.cellSubs = append(f.cellSubs, cell.Subscribe(func(next any) {
			f.propagate(idx, field, next)
		}))
	}
	return cell
}

// Dispose detaches the mirror from the CRDT map. The next Bind creates a
// fresh FlatMap.
func (f *FlatMap) Dispose() {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}
	f.disposed = true
	subs := f.cellSubs
	f.cellSubs = nil
	watchers := f.watchers
	f.watchers = map[string]func(){}
	f.mu.Unlock()

	f.unobserve()
	for _, unsub := range subs {
		unsub()
	}
	for _, unsub := range watchers {
		unsub()
	}
	registry.Compute(f.m, func(cur *FlatMap, loaded bool) (*FlatMap, bool) {
		return cur, loaded && cur == f
	})
}

func (f *FlatMap) set(path string, v any, origin MutationOrigin) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("binding: empty path")
	}
	field := segs[0]

	value, err := normalizeTree(v)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return nil
	}
	write := origin.writesCRDT() && !f.stashed[field]
	f.mu.Unlock()

	if write {
		f.writeCRDT(path, value)
	}

	f.mu.Lock()
	f.mirrorSetLocked(path, value)
	f.mu.Unlock()

	f.afterChange(field, origin)
	return nil
}

func (f *FlatMap) mirrorSetLocked(path string, value any) {
	f.unwatchUnder(path)
	if sub, ok := value.(map[string]any); ok {
		for leafPath, leaf := range flatten(path, sub) {
			f.watch(leafPath, leaf)
		}
	} else {
		f.watch(path, value)
	}
	setPath(f.data, splitPath(path), value)
}

func (f *FlatMap) remove(path string, origin MutationOrigin) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return
	}
	field := segs[0]

	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}
	write := origin.writesCRDT() && !f.stashed[field]
	f.mu.Unlock()

	if write {
		full := KeyPrefix + path
		f.m.Doc().Transact(f.origin, func(tx *crdt.Tx) {
			for _, k := range f.m.Keys() {
				if k == full || strings.HasPrefix(k, full+".") {
					tx.Delete(f.m, k)
				}
			}
		})
	}

	f.mu.Lock()
	f.unwatchUnder(path)
	deletePath(f.data, segs)
	f.mu.Unlock()

	f.afterChange(field, origin)
}

// writeCRDT replaces everything at and under path, and any leaf stored at
// an ancestor of path, with value in one transaction. An empty object is
// stored as an empty leaf so that it survives a round trip.

func (f *FlatMap) writeCRDT(path string, value any) {
	full := KeyPrefix + path
	leaves := map[string]any{full: value}
	if sub, ok := value.(map[string]any); ok && len(sub) > 0 {
		leaves = map[string]any{}
		for p, leaf := range flatten(path, sub) {
			leaves[KeyPrefix+p] = leaf
		}
	}
	segs := splitPath(path)
	f.m.Doc().Transact(f.origin, func(tx *crdt.Tx) {
		for i := 1; i < len(segs); i++ {
			ancestor := KeyPrefix + strings.Join(segs[:i], ".")
			tx.Delete(f.m, ancestor)
		}
		for _, k := range f.m.Keys() {
			if _, keep := leaves[k]; keep {
				continue
			}
			if k == full || strings.HasPrefix(k, full+".") {
				tx.Delete(f.m, k)
			}
		}
		for _, k := range sortedKeys(leaves) {
			// values were normalized by the caller
			_ = tx.Set(f.m, k, leaves[k])
		}
	})
}

// observe applies a remote transaction to the mirror in full before any
// cell or OnChange listener hears of it. Deletes go first so that a subtree
// replaced within one transaction is pruned before its new leaves land.
func (f *FlatMap) observe(e crdt.MapEvent) {
	if e.Origin == f.origin {
		return
	}
	var dels, sets []string
	for _, key := range e.KeysChanged() {
		if !strings.HasPrefix(key, KeyPrefix) {
			continue
		}
		switch e.Changes[key].Action {
		case crdt.ActionAdd, crdt.ActionUpdate:
			sets = append(sets, key)
		case crdt.ActionDelete:
			dels = append(dels, key)
		}
	}

	var fields []string
	touched := map[string]bool{}
	touch := func(field string) {
		if !touched[field] {
			touched[field] = true
			fields = append(fields, field)
		}
	}
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}
	for _, key := range dels {
		path := strings.TrimPrefix(key, KeyPrefix)
		field := splitPath(path)[0]
		if f.stashed[field] {
			continue
		}
		f.unwatchUnder(path)
		deletePath(f.data, splitPath(path))
		touch(field)
	}
	for _, key := range sets {
		path := strings.TrimPrefix(key, KeyPrefix)
		field := splitPath(path)[0]
		if f.stashed[field] {
			continue
		}
		v, ok := f.m.Get(key)
		if !ok {
			continue
		}
		if cur, has := getPath(f.data, splitPath(path)); has && isContainer(v) && cur == v {
			// in-place container edits are reported by its own listener
			continue
		}
		f.mirrorSetLocked(path, v)
		touch(field)
	}
	f.mu.Unlock()

	for _, field := range fields {
		f.afterChange(field, RemoteApply)
	}
}

func isContainer(v any) bool {
	switch v.(type) {
	case *crdt.Text, *crdt.Boxed:
		return true
	}
	return false
}

func (f *FlatMap) afterChange(field string, origin MutationOrigin) {
	if origin.updatesCell() {
		f.mu.Lock()
		var cell *signal.Cell[any]
		if idx, ok := f.fields[field]; ok {
			cell = f.cells[idx]
		} else if origin == LocalEdit {
			cell = f.cellLocked(field)
		}
		cur := crdt.Clone(f.data[field])
		f.mu.Unlock()
		if cell != nil {
			cell.Set(cur)
		}
	}
	if f.onChange != nil {
		f.onChange(field, origin != RemoteApply)
	}
}

// propagate carries a value set on a field cell into the mirror and CRDT.
// Echoes of values the mirror already holds are ignored.
func (f *FlatMap) propagate(idx int, field string, next any) {
	f.mu.Lock()
	cur, has := f.data[field]
	same := f.fields[field] == idx && ((!has && next == nil) || (has && crdt.Equal(cur, next)))
	f.mu.Unlock()
	if same {
		return
	}
	if next == nil {
		f.remove(field, CellPropagation)
		return
	}
	_ = f.set(field, next, CellPropagation)
}

// watch binds Text and Boxed values so in-place edits refresh their field.
// Callers hold f.mu.
func (f *FlatMap) watch(path string, v any) {
	field := splitPath(path)[0]
	var unsub func()
	switch x := v.(type) {
	case *crdt.Text:
		unsub = x.Observe(func(e crdt.TextEvent) { f.containerChanged(field, e.Local) })
	case *crdt.Boxed:
		unsub = x.Observe(func(e crdt.BoxedEvent) { f.containerChanged(field, e.Local) })
	default:
		return
	}
	if old, ok := f.watchers[path]; ok {
		old()
	}
	f.watchers[path] = unsub
}

// unwatchUnder drops listeners at and under path. Callers hold f.mu.
func (f *FlatMap) unwatchUnder(path string) {
	for p, unsub := range f.watchers {
		if p == path || strings.HasPrefix(p, path+".") || strings.HasPrefix(path, p+".") {
			unsub()
			delete(f.watchers, p)
		}
	}
}

func (f *FlatMap) containerChanged(field string, isLocal bool) {
	f.mu.Lock()
	var cell *signal.Cell[any]
	if idx, ok := f.fields[field]; ok {
		cell = f.cells[idx]
	}
	cur := crdt.Clone(f.data[field])
	f.mu.Unlock()
	if cell != nil {
		cell.Set(cur)
	}
	if f.onChange != nil {
		f.onChange(field, isLocal)
	}
}
