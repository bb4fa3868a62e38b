package crdt

import (
	"strings"
	"sync"
)

// opID names one write by the replica that made it and its clock there.
type opID struct {
	Clock  uint64 `msgpack:"c"`
	Client uint64 `msgpack:"a"`
}

func (id opID) isZero() bool { return id.Clock == 0 && id.Client == 0 }

// after orders ids the way concurrent inserts at one position are laid out:
// the later insert goes first.
func (id opID) after(o opID) bool {
	if id.Clock != o.Clock {
		return id.Clock > o.Clock
	}
	return id.Client > o.Client
}

type textItem struct {
	id opID
	// origin is the character left of this one when it was inserted. The
	// zero id is the start of the text.
	origin  opID
	char    string
	deletes []opID
}

func (it *textItem) deleted() bool { return len(it.deletes) > 0 }

// TextEvent is delivered to text observers once per transaction that
// changed the text.
type TextEvent struct {
	Text   string
	Origin any
	// Local is true for edits made through Transact on this replica.
	Local bool
}

// Text is a collaborative string stored as a replicated growable array.
// Each character keeps the id of its insert and the id of its left neighbour
// at that time, so concurrent edits interleave instead of overwriting each
// other. Deleted characters stay behind as tombstones.
type Text struct {
	mu sync.Mutex
	m  *Map
	// id is the map write that created the text in m.
	id       opID
	key      string
	items    []*textItem
	byID     map[opID]*textItem
	detached string

	listeners map[int]func(TextEvent)
	nextID    int
}

// NewText returns a detached Text holding s. It becomes collaborative once
// stored in a Map.
func NewText(s string) *Text {
	return &Text{detached: s}
}

func (t *Text) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stringLocked()
}

func (t *Text) stringLocked() string {
	if t.m == nil {
		return t.detached
	}
	var b strings.Builder
	for _, it := range t.items {
		if !it.deleted() {
			b.WriteString(it.char)
		}
	}
	return b.String()
}

func (t *Text) Len() int { return len([]rune(t.String())) }

// Insert inserts s at rune offset pos, clamped to the content bounds.
func (t *Text) Insert(pos int, s string) {
	if m := t.attached(); m != nil {
		m.doc.Transact(nil, func(tx *Tx) { _ = tx.InsertText(t, pos, s) })
		return
	}
	t.mu.Lock()
	r := []rune(t.detached)
	pos = clamp(pos, 0, len(r))
	t.detached = string(r[:pos]) + s + string(r[pos:])
	t.mu.Unlock()
	t.emit(nil, true)
}

// Delete removes n runes starting at pos.
func (t *Text) Delete(pos, n int) {
	if m := t.attached(); m != nil {
		m.doc.Transact(nil, func(tx *Tx) { _ = tx.DeleteText(t, pos, n) })
		return
	}
	t.mu.Lock()
	r := []rune(t.detached)
	pos = clamp(pos, 0, len(r))
	end := clamp(pos+n, pos, len(r))
	t.detached = string(r[:pos]) + string(r[end:])
	t.mu.Unlock()
	t.emit(nil, true)
}

// Set replaces the content in one transaction.
func (t *Text) Set(s string) {
	if m := t.attached(); m != nil {
		m.doc.Transact(nil, func(tx *Tx) {
			_ = tx.DeleteText(t, 0, t.Len())
			_ = tx.InsertText(t, 0, s)
		})
		return
	}
	t.mu.Lock()
	t.detached = s
	t.mu.Unlock()
	t.emit(nil, true)
}

// Observe registers fn for content changes, local or remote.
func (t *Text) Observe(fn func(TextEvent)) (unobserve func()) {
	t.mu.Lock()
	if t.listeners == nil {
		t.listeners = map[int]func(TextEvent){}
	}
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// OnChange registers fn with the new content after every change.
func (t *Text) OnChange(fn func(string)) (unsubscribe func()) {
	return t.Observe(func(e TextEvent) { fn(e.Text) })
}

// attached returns the map t lives in, or nil after t was overwritten or
// never stored. An overwritten text keeps its last content detached.
func (t *Text) attached() *Map {
	t.mu.Lock()
	m, key := t.m, t.key
	t.mu.Unlock()
	if m == nil {
		return nil
	}
	if m.holds(key, t) {
		return m
	}
	t.mu.Lock()
	if t.m == m && t.key == key {
		t.detached = t.stringLocked()
		t.m, t.key, t.id = nil, "", opID{}
		t.items, t.byID = nil, nil
	}
	t.mu.Unlock()
	return nil
}

// reset binds t to the map write id and drops its characters.
func (t *Text) reset(m *Map, key string, id opID) {
	t.mu.Lock()
	t.m, t.key, t.id = m, key, id
	t.items, t.byID = nil, map[opID]*textItem{}
	t.detached = ""
	t.mu.Unlock()
}

// originLocked returns the id of the visible character before rune offset
// pos, or the zero id at the start.
func (t *Text) originLocked(pos int) opID {
	var origin opID
	seen := 0
	for _, it := range t.items {
		if seen >= pos {
			break
		}
		if !it.deleted() {
			origin = it.id
			seen++
		}
	}
	return origin
}

// visibleLocked returns up to n visible characters from rune offset pos.
func (t *Text) visibleLocked(pos, n int) []*textItem {
	var out []*textItem
	seen := 0
	for _, it := range t.items {
		if len(out) >= n {
			break
		}
		if it.deleted() {
			continue
		}
		if seen >= pos {
			out = append(out, it)
		}
		seen++
	}
	return out
}

// integrateLocked places it after its origin, past the run of characters
// inserted there later than it. It reports whether the origin was known and
// whether it was new.
func (t *Text) integrateLocked(it *textItem) (applied, fresh bool) {
	if _, dup := t.byID[it.id]; dup {
		return true, false
	}
	i := 0
	if !it.origin.isZero() {
		o, ok := t.byID[it.origin]
		if !ok {
			return false, false
		}
		i = t.indexLocked(o) + 1
	}
	for i < len(t.items) && t.items[i].id.after(it.id) {
		i++
	}
	t.items = append(t.items, nil)
	copy(t.items[i+1:], t.items[i:])
	t.items[i] = it
	t.byID[it.id] = it
	return true, true
}

// tombstoneLocked records del as a delete of target.
func (t *Text) tombstoneLocked(target, del opID) (applied, fresh bool) {
	it, ok := t.byID[target]
	if !ok {
		return false, false
	}
	for _, x := range it.deletes {
		if x == del {
			return true, false
		}
	}
	it.deletes = append(it.deletes, del)
	return true, true
}

func (t *Text) indexLocked(it *textItem) int {
	for i, x := range t.items {
		if x == it {
			return i
		}
	}
	return -1
}

// appendWireLocked adds every insert and delete of t that sv lacks.
func (t *Text) appendWireLocked(out []wireEntry, sv StateVector) []wireEntry {
	parent := t.id
	for _, it := range t.items {
		if it.id.Clock > sv[it.id.Client] {
			out = append(out, insertWire(t.m.name, t.key, parent, it))
		}
		for _, del := range it.deletes {
			if del.Clock > sv[del.Client] {
				out = append(out, deleteWire(t.m.name, t.key, parent, it.id, del))
			}
		}
	}
	return out
}

func insertWire(name, key string, parent opID, it *textItem) wireEntry {
	w := wireEntry{Map: name, Key: key, Clock: it.id.Clock, Client: it.id.Client, Kind: kindTextInsert, Value: it.char}
	w.Parent = &parent
	if !it.origin.isZero() {
		origin := it.origin
		w.Ref = &origin
	}
	return w
}

func deleteWire(name, key string, parent, target, del opID) wireEntry {
	w := wireEntry{Map: name, Key: key, Clock: del.Clock, Client: del.Client, Kind: kindTextDelete}
	w.Parent = &parent
	w.Ref = &target
	return w
}

func (t *Text) emit(origin any, local bool) {
	t.mu.Lock()
	e := TextEvent{Text: t.stringLocked(), Origin: origin, Local: local}
	fns := make([]func(TextEvent), 0, len(t.listeners))
	for _, id := range sortedIDs(t.listeners) {
		fns = append(fns, t.listeners[id])
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

// InsertText inserts s into t at rune offset pos, clamped to its bounds. t
// must be stored in a map of the transaction's document.
func (tx *Tx) InsertText(t *Text, pos int, s string) error {
	if tx.closed {
		return ErrTransactionClosed
	}
	d := tx.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	if !tx.ownsLocked(t) {
		return ErrDetachedText
	}
	if s == "" {
		return nil
	}
	t.mu.Lock()
	tx.insertRunesLocked(t, t.originLocked(pos), s)
	t.mu.Unlock()
	tx.touchText(t)
	return nil
}

// DeleteText removes n runes of t starting at pos.
func (tx *Tx) DeleteText(t *Text, pos, n int) error {
	if tx.closed {
		return ErrTransactionClosed
	}
	d := tx.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	if !tx.ownsLocked(t) {
		return ErrDetachedText
	}
	if n <= 0 {
		return nil
	}
	t.mu.Lock()
	targets := t.visibleLocked(max(pos, 0), n)
	for _, it := range targets {
		del := tx.nextIDLocked()
		it.deletes = append(it.deletes, del)
		tx.wire = append(tx.wire, deleteWire(t.m.name, t.key, t.id, it.id, del))
	}
	t.mu.Unlock()
	if len(targets) > 0 {
		tx.touchText(t)
	}
	return nil
}

// insertRunesLocked chains one insert per rune of s after origin. Callers
// hold the doc and text locks.
func (tx *Tx) insertRunesLocked(t *Text, origin opID, s string) {
	for _, r := range s {
		it := &textItem{id: tx.nextIDLocked(), origin: origin, char: string(r)}
		t.integrateLocked(it)
		tx.wire = append(tx.wire, insertWire(t.m.name, t.key, t.id, it))
		origin = it.id
	}
}

func (tx *Tx) ownsLocked(t *Text) bool {
	t.mu.Lock()
	m, key := t.m, t.key
	t.mu.Unlock()
	if m == nil || m.doc != tx.doc {
		return false
	}
	e, ok := m.entries[key]
	return ok && e.visible() && e.value == t
}

func (tx *Tx) nextIDLocked() opID {
	d := tx.doc
	d.clock++
	d.sv[d.clientID] = d.clock
	return opID{Clock: d.clock, Client: d.clientID}
}

// applyTextOpLocked integrates a remote insert or delete. applied is false
// when the op depends on writes not seen yet. Ops of a text that has since
// been overwritten are obsolete and count as applied.
func (d *Doc) applyTextOpLocked(tx *Tx, w wireEntry) (applied, fresh bool) {
	m := d.mapLocked(w.Map)
	parent := entry{clock: w.Parent.Clock, client: w.Parent.Client}
	cur, ok := m.entries[w.Key]
	switch {
	case ok && cur.kind == kindText && cur.clock == parent.clock && cur.client == parent.client:
	case ok && cur.beats(parent):
		return true, false
	default:
		return false, false
	}
	t := cur.value.(*Text)
	id := opID{Clock: w.Clock, Client: w.Client}
	t.mu.Lock()
	if w.Kind == kindTextInsert {
		it := &textItem{id: id, char: w.Value.(string)}
		if w.Ref != nil {
			it.origin = *w.Ref
		}
		applied, fresh = t.integrateLocked(it)
	} else {
		applied, fresh = t.tombstoneLocked(*w.Ref, id)
	}
	t.mu.Unlock()
	if fresh {
		tx.touchText(t)
	}
	return applied, fresh
}
