// Package signal provides observable value cells.
package signal

import (
	"sort"
	"sync"
)

// Cell holds a value and notifies subscribers synchronously on change.
type Cell[T any] struct {
	mu     sync.Mutex
	value  T
	equal  func(a, b T) bool
	subs   map[int]func(T)
	nextID int
}

// New returns a cell holding initial. Every Set notifies subscribers.
func New[T any](initial T) *Cell[T] {
	return &Cell[T]{value: initial, subs: map[int]func(T){}}
}

// NewComparable returns a cell that skips notification when the value does
// not change.
func NewComparable[T comparable](initial T) *Cell[T] {
	c := New(initial)
	c.equal = func(a, b T) bool { return a == b }
	return c
}

// SetEqual installs the comparison used to suppress redundant updates.
func (c *Cell[T]) SetEqual(fn func(a, b T) bool) {
	c.mu.Lock()
	c.equal = fn
	c.mu.Unlock()
}

func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Peek is Get without tracking; kept separate for readers that must not be
// mistaken for dependents.
func (c *Cell[T]) Peek() T { return c.Get() }

// Set stores v and calls every subscriber with it.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	if c.equal != nil && c.equal(c.value, v) {
		c.mu.Unlock()
		return
	}
	c.value = v
	subs := c.snapshot()
	c.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
}

// Update applies fn to the current value and stores the result.
func (c *Cell[T]) Update(fn func(T) T) {
	c.Set(fn(c.Get()))
}

// Subscribe registers fn. It is not called with the current value.
func (c *Cell[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Subscribers reports how many subscribers are registered.
func (c *Cell[T]) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Cell[T]) snapshot() []func(T) {
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(T), len(ids))
	for i, id := range ids {
		out[i] = c.subs[id]
	}
	return out
}
