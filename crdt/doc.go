// Package crdt is a small state-based CRDT: documents made of named
// last-writer-wins maps whose values are JSON-like leaves, Text or Boxed
// containers. Concurrent writes to one key converge on the write with the
// highest (clock, replica) pair. Text is a sequence of characters with
// their own ids, so concurrent edits to one text all survive. Merges are
// commutative, associative and idempotent. Updates are exchanged as
// msgpack-encoded deltas.
package crdt

import (
	"math/rand"
	"sort"
	"sync"
)

type entry struct {
	value  any
	clock  uint64
	client uint64
	kind   kind
}

func (e entry) visible() bool { return e.kind != kindDeleted }

func (e entry) beats(o entry) bool {
	if e.clock != o.clock {
		return e.clock > o.clock
	}
	return e.client > o.client
}

// UpdateListener receives the delta produced by a transaction together with
// the origin it was committed with. local is false for applied updates.
type UpdateListener func(update []byte, origin any, local bool)

// Doc is one replicated document.
type Doc struct {
	guid     string
	clientID uint64

	// txMu serializes transactions; mu guards state and is held only for
	// short critical sections.
	txMu sync.Mutex
	mu   sync.Mutex

	clock     uint64
	sv        StateVector
	maps      map[string]*Map
	// pending holds text ops whose text or neighbour has not arrived.
	pending   map[opID]wireEntry
	listeners map[int]UpdateListener
	nextID    int
	destroyed bool
}

// NewDoc returns an empty document with a random replica id.
func NewDoc(guid string) *Doc {
	id := rand.Uint64()
	for id == 0 {
		id = rand.Uint64()
	}
	return NewDocWithClientID(guid, id)
}

// NewDocWithClientID is NewDoc with a fixed replica id. Ids must be unique
// among replicas that exchange updates.
func NewDocWithClientID(guid string, clientID uint64) *Doc {
	if clientID == 0 {
		clientID = 1
	}
	return &Doc{
		guid:      guid,
		clientID:  clientID,
		sv:        StateVector{},
		maps:      map[string]*Map{},
		pending:   map[opID]wireEntry{},
		listeners: map[int]UpdateListener{},
	}
}

func (d *Doc) GUID() string     { return d.guid }
func (d *Doc) ClientID() uint64 { return d.clientID }

// Map returns the top-level map called name, creating it if needed.
func (d *Doc) Map(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapLocked(name)
}

func (d *Doc) mapLocked(name string) *Map {
	m, ok := d.maps[name]
	if !ok {
		m = &Map{doc: d, name: name, entries: map[string]entry{}, observers: map[int]func(MapEvent){}}
		d.maps[name] = m
	}
	return m
}

// StateVector reports the highest clock seen from every replica.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sv.Clone()
}

// OnUpdate registers fn to receive every committed delta.
func (d *Doc) OnUpdate(fn UpdateListener) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.listeners, id)
			d.mu.Unlock()
		})
	}
}

// Destroy detaches every observer and listener. Further transactions still
// mutate state but notify nobody.
func (d *Doc) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	d.listeners = map[int]UpdateListener{}
	for _, m := range d.maps {
		m.observers = map[int]func(MapEvent){}
	}
}

// Destroyed reports whether Destroy has been called.
func (d *Doc) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// Transact runs fn as one transaction. Observers and update listeners fire
// once, after fn returns, with every change made inside it. fn must not
// start another transaction on d.
func (d *Doc) Transact(origin any, fn func(tx *Tx)) {
	d.txMu.Lock()
	tx := newTx(d, origin, true)
	fn(tx)
	tx.closed = true
	d.txMu.Unlock()
	tx.commit()
}

// EncodeStateAsUpdate encodes every write the holder of sv has not seen. A
// nil sv encodes the full state.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []wireEntry
	for name, m := range d.maps {
		for key, e := range m.entries {
			if t, ok := e.value.(*Text); ok {
				t.mu.Lock()
				out = t.appendWireLocked(out, sv)
				t.mu.Unlock()
			}
			if e.clock <= sv[e.client] {
				continue
			}
			out = append(out, toWire(name, key, e))
		}
	}
	for _, w := range d.pending {
		if w.Clock > sv[w.Client] {
			out = append(out, w)
		}
	}
	return encodeUpdate(out)
}

// ApplyUpdate merges a remote delta. The call is a no-op for writes that
// are already known or lose to the current value. Text ops that arrive ahead
// of the writes they build on are held back and applied once those arrive.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	entries, err := decodeUpdate(update)
	if err != nil {
		return err
	}
	d.txMu.Lock()
	tx := newTx(d, origin, false)
	d.mu.Lock()
	for id, w := range d.pending {
		entries = append(entries, w)
		delete(d.pending, id)
	}
	// every write has a higher clock than the writes it builds on
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[j].id().after(entries[i].id())
	})
	for _, w := range entries {
		if w.Kind.textOp() {
			applied, fresh := d.applyTextOpLocked(tx, w)
			if !applied {
				d.pending[w.id()] = w
				continue
			}
			d.observeClockLocked(w)
			if fresh {
				tx.wire = append(tx.wire, w)
			}
			continue
		}
		d.observeClockLocked(w)
		m := d.mapLocked(w.Map)
		inc := entry{value: w.Value, clock: w.Clock, client: w.Client, kind: w.Kind}
		old, had := m.entries[w.Key]
		if had && !inc.beats(old) {
			continue
		}
		switch w.Kind {
		case kindText:
			t, ok := old.value.(*Text)
			if !ok {
				t = &Text{}
			}
			t.reset(m, w.Key, w.id())
			inc.value = t
			tx.touchText(t)
		case kindBoxed:
			b, ok := old.value.(*Boxed)
			if !ok {
				b = &Boxed{}
			}
			b.attach(m, w.Key, w.Value)
			inc.value = b
			tx.touchBoxed(b)
		}
		m.entries[w.Key] = inc
		tx.record(m, w.Key, old, had)
		tx.wire = append(tx.wire, w)
	}
	d.mu.Unlock()
	tx.closed = true
	d.txMu.Unlock()
	tx.commit()
	return nil
}

func (d *Doc) observeClockLocked(w wireEntry) {
	if w.Clock > d.clock {
		d.clock = w.Clock
	}
	if w.Clock > d.sv[w.Client] {
		d.sv[w.Client] = w.Clock
	}
}

func toWire(name, key string, e entry) wireEntry {
	w := wireEntry{Map: name, Key: key, Clock: e.clock, Client: e.client, Kind: e.kind}
	switch v := e.value.(type) {
	case *Text:
		w.Value = nil
	case *Boxed:
		w.Value = v.Get()
	default:
		w.Value = v
	}
	return w
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortStrings(s []string) { sort.Strings(s) }

func sortedIDs[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
