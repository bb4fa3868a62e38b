package crdt

import "sync"

// Action classifies a key change in a MapEvent.
type Action int

const (
	ActionAdd Action = iota + 1
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// KeyChange describes how one key changed in a transaction.
type KeyChange struct {
	Action   Action
	OldValue any
}

// MapEvent is delivered to map observers once per transaction.
type MapEvent struct {
	Target  *Map
	Changes map[string]KeyChange
	Origin  any
	// Local is true for changes made through Transact on this replica.
	Local bool
}

// KeysChanged lists the changed keys in sorted order.
func (e MapEvent) KeysChanged() []string {
	return sortedKeys(e.Changes)
}

// Map is a last-writer-wins map inside a Doc.
type Map struct {
	doc  *Doc
	name string

	entries   map[string]entry
	observers map[int]func(MapEvent)
	nextID    int
}

func (m *Map) Name() string { return m.name }
func (m *Map) Doc() *Doc    { return m.doc }

// Get returns the current value of key. Leaves are copies; Text and Boxed
// are returned as the live containers.
func (m *Map) Get(key string) (any, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !e.visible() {
		return nil, false
	}
	return clone(e.value), true
}

func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys returns the visible keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if e.visible() {
			keys = append(keys, k)
		}
	}
	sortStrings(keys)
	return keys
}

func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.visible() {
			n++
		}
	}
	return n
}

// Entries returns a snapshot of every visible key.
func (m *Map) Entries() map[string]any {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	out := make(map[string]any, len(m.entries))
	for k, e := range m.entries {
		if e.visible() {
			out[k] = clone(e.value)
		}
	}
	return out
}

// Set writes key in its own transaction.
func (m *Map) Set(key string, value any) error {
	var err error
	m.doc.Transact(nil, func(tx *Tx) {
		err = tx.Set(m, key, value)
	})
	return err
}

// Delete removes key in its own transaction.
func (m *Map) Delete(key string) {
	m.doc.Transact(nil, func(tx *Tx) {
		tx.Delete(m, key)
	})
}

// Observe registers fn for changes to this map.
func (m *Map) Observe(fn func(MapEvent)) (unobserve func()) {
	m.doc.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	m.doc.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.doc.mu.Lock()
			delete(m.observers, id)
			m.doc.mu.Unlock()
		})
	}
}

type pendingChange struct {
	hadVisible bool
	oldValue   any
}

// Tx is an open transaction. It is only valid inside the Transact callback.
type Tx struct {
	doc    *Doc
	origin any
	local  bool
	closed bool

	order   []*Map
	changes map[*Map]map[string]pendingChange
	wire    []wireEntry
	texts   []*Text
	boxes   []*Boxed
}

func newTx(d *Doc, origin any, local bool) *Tx {
	return &Tx{doc: d, origin: origin, local: local, changes: map[*Map]map[string]pendingChange{}}
}

func (tx *Tx) Origin() any { return tx.origin }

// Set writes value under key.
func (tx *Tx) Set(m *Map, key string, value any) error {
	if tx.closed {
		return ErrTransactionClosed
	}
	var (
		k   = kindValue
		val any
	)
	switch v := value.(type) {
	case *Text:
		k, val = kindText, v
	case *Boxed:
		k, val = kindBoxed, v
	default:
		n, err := normalize(value)
		if err != nil {
			return err
		}
		val = n
	}

	d := tx.doc
	d.mu.Lock()
	old, had := m.entries[key]
	if t, ok := val.(*Text); ok && had && old.visible() && old.value == t {
		// storing a text where it already lives keeps its history
		d.mu.Unlock()
		return nil
	}
	var content string
	if t, ok := val.(*Text); ok {
		content = t.String()
	}
	d.clock++
	e := entry{value: val, clock: d.clock, client: d.clientID, kind: k}
	d.sv[d.clientID] = d.clock
	m.entries[key] = e
	tx.wire = append(tx.wire, toWire(m.name, key, e))
	switch v := val.(type) {
	case *Text:
		v.reset(m, key, opID{Clock: e.clock, Client: e.client})
		v.mu.Lock()
		tx.insertRunesLocked(v, opID{}, content)
		v.mu.Unlock()
		tx.touchText(v)
	case *Boxed:
		v.attach(m, key, v.Get())
		tx.touchBoxed(v)
	}
	d.mu.Unlock()
	tx.record(m, key, old, had)
	return nil
}

// Delete removes key. Deleting an absent key writes nothing.
func (tx *Tx) Delete(m *Map, key string) {
	if tx.closed {
		return
	}
	d := tx.doc
	d.mu.Lock()
	old, had := m.entries[key]
	if !had || !old.visible() {
		d.mu.Unlock()
		return
	}
	d.clock++
	e := entry{clock: d.clock, client: d.clientID, kind: kindDeleted}
	d.sv[d.clientID] = d.clock
	m.entries[key] = e
	tx.wire = append(tx.wire, toWire(m.name, key, e))
	d.mu.Unlock()
	tx.record(m, key, old, had)
}

func (tx *Tx) record(m *Map, key string, old entry, had bool) {
	keys, ok := tx.changes[m]
	if !ok {
		keys = map[string]pendingChange{}
		tx.changes[m] = keys
		tx.order = append(tx.order, m)
	}
	if _, seen := keys[key]; seen {
		return
	}
	pc := pendingChange{hadVisible: had && old.visible()}
	if pc.hadVisible {
		pc.oldValue = old.value
	}
	keys[key] = pc
}

func (tx *Tx) touchText(t *Text) {
	for _, x := range tx.texts {
		if x == t {
			return
		}
	}
	tx.texts = append(tx.texts, t)
}

func (tx *Tx) touchBoxed(b *Boxed) {
	for _, x := range tx.boxes {
		if x == b {
			return
		}
	}
	tx.boxes = append(tx.boxes, b)
}

func (tx *Tx) commit() {
	d := tx.doc
	type delivery struct {
		observers []func(MapEvent)
		event     MapEvent
	}
	var deliveries []delivery
	var listeners []UpdateListener

	d.mu.Lock()
	for _, m := range tx.order {
		changes := map[string]KeyChange{}
		for key, pc := range tx.changes[m] {
			cur := m.entries[key]
			switch {
			case !pc.hadVisible && cur.visible():
				changes[key] = KeyChange{Action: ActionAdd}
			case pc.hadVisible && !cur.visible():
				changes[key] = KeyChange{Action: ActionDelete, OldValue: pc.oldValue}
			case pc.hadVisible && cur.visible():
				changes[key] = KeyChange{Action: ActionUpdate, OldValue: pc.oldValue}
			}
		}
		if len(changes) == 0 || len(m.observers) == 0 {
			continue
		}
		obs := make([]func(MapEvent), 0, len(m.observers))
		for _, id := range sortedIDs(m.observers) {
			obs = append(obs, m.observers[id])
		}
		deliveries = append(deliveries, delivery{
			observers: obs,
			event:     MapEvent{Target: m, Changes: changes, Origin: tx.origin, Local: tx.local},
		})
	}
	if len(tx.wire) > 0 {
		for _, id := range sortedIDs(d.listeners) {
			listeners = append(listeners, d.listeners[id])
		}
	}
	d.mu.Unlock()

	for _, t := range tx.texts {
		t.emit(tx.origin, tx.local)
	}
	for _, b := range tx.boxes {
		b.emit(tx.origin, tx.local)
	}
	for _, dl := range deliveries {
		for _, fn := range dl.observers {
			fn(dl.event)
		}
	}
	if len(listeners) > 0 {
		update := encodeUpdate(tx.wire)
		for _, fn := range listeners {
			fn(update, tx.origin, tx.local)
		}
	}
}
