package storage

import (
	"sort"
	"sync"
)

// Emitter fans events out to subscribers in subscription order.
type Emitter[T any] struct {
	mu     sync.Mutex
	subs   map[int]func(T)
	nextID int
}

func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = map[int]func(T){}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = e.subs[id]
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
