package crdt

import "sync"

// Boxed holds an opaque leaf value that is replaced as a whole.
type Boxed struct {
	mu        sync.Mutex
	value     any
	m         *Map
	key       string
	listeners map[int]func(BoxedEvent)
	nextID    int
}

// BoxedEvent is delivered to Boxed observers when the value is replaced.
type BoxedEvent struct {
	Value  any
	Origin any
	Local  bool
}

// NewBoxed wraps v, which must be a supported leaf.
func NewBoxed(v any) (*Boxed, error) {
	n, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return &Boxed{value: n}, nil
}

// Get returns a copy of the boxed value.
func (b *Boxed) Get() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.value)
}

// Set replaces the boxed value.
func (b *Boxed) Set(v any) error {
	n, err := normalize(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.value = n
	m, key := b.m, b.key
	b.mu.Unlock()
	if m == nil || !m.holds(key, b) {
		b.detach()
		b.emit(nil, true)
		return nil
	}
	m.doc.Transact(nil, func(tx *Tx) {
		err = tx.Set(m, key, b)
	})
	return err
}

// Observe registers fn for value changes, local or remote.
func (b *Boxed) Observe(fn func(BoxedEvent)) (unobserve func()) {
	b.mu.Lock()
	if b.listeners == nil {
		b.listeners = map[int]func(BoxedEvent){}
	}
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// OnChange registers fn with the new value after every change.
func (b *Boxed) OnChange(fn func(any)) (unsubscribe func()) {
	return b.Observe(func(e BoxedEvent) { fn(e.Value) })
}

func (b *Boxed) attach(m *Map, key string, v any) {
	b.mu.Lock()
	b.m, b.key, b.value = m, key, v
	b.mu.Unlock()
}

func (b *Boxed) detach() {
	b.mu.Lock()
	b.m, b.key = nil, ""
	b.mu.Unlock()
}

func (b *Boxed) emit(origin any, local bool) {
	b.mu.Lock()
	v := clone(b.value)
	fns := make([]func(BoxedEvent), 0, len(b.listeners))
	for _, id := range sortedIDs(b.listeners) {
		fns = append(fns, b.listeners[id])
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(BoxedEvent{Value: clone(v), Origin: origin, Local: local})
	}
}

func (m *Map) holds(key string, v any) bool {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	e, ok := m.entries[key]
	return ok && e.visible() && e.value == v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
