package nbsync

import (
	"container/heap"
	"sync"
)

// PriorityQueue holds pending item ids. Pop returns the id with the highest
// aggregate priority, oldest first among equals. Priorities are kept for ids
// that are not queued so a boost registered early applies once they are.
type PriorityQueue struct {
	mu      sync.Mutex
	items   map[string]*queueItem
	heap    queueHeap
	boosts  map[string]map[uint64]int
	nextTok uint64
	seq     uint64
	ready   chan struct{}
}

type queueItem struct {
	id       string
	priority int
	seq      uint64
	index    int
}

func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{
		items:  map[string]*queueItem{},
		boosts: map[string]map[uint64]int{},
		ready:  make(chan struct{}, 1),
	}
}

// Push queues id. It reports false if id was already queued.
func (q *PriorityQueue) Push(id string) bool {
	q.mu.Lock()
	if _, ok := q.items[id]; ok {
		q.mu.Unlock()
		return false
	}
	q.seq++
	it := &queueItem{id: id, priority: q.priorityLocked(id), seq: q.seq}
	q.items[id] = it
	heap.Push(&q.heap, it)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *PriorityQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return "", false
	}
	it := heap.Pop(&q.heap).(*queueItem)
	delete(q.items, it.id)
	return it.id, true
}

func (q *PriorityQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.items, id)
	return true
}

func (q *PriorityQueue) Has(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[id]
	return ok
}

func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Ready receives a value after a Push. Consumers drain with Pop until it
// reports false, then wait on Ready again.
func (q *PriorityQueue) Ready() <-chan struct{} { return q.ready }

// Priority is the sum of every contribution registered for id.
func (q *PriorityQueue) Priority(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.priorityLocked(id)
}

func (q *PriorityQueue) priorityLocked(id string) int {
	sum := 0
	for _, p := range q.boosts[id] {
		sum += p
	}
	return sum
}

// AddPriority adds p to id's priority. The returned undo removes exactly
// this contribution and may be called more than once.
func (q *PriorityQueue) AddPriority(id string, p int) (undo func()) {
	q.mu.Lock()
	q.nextTok++
	tok := q.nextTok
	if q.boosts[id] == nil {
		q.boosts[id] = map[uint64]int{}
	}
	q.boosts[id][tok] = p
	q.refreshLocked(id)
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			delete(q.boosts[id], tok)
			if len(q.boosts[id]) == 0 {
				delete(q.boosts, id)
			}
			q.refreshLocked(id)
		})
	}
}

func (q *PriorityQueue) refreshLocked(id string) {
	if it, ok := q.items[id]; ok {
		it.priority = q.priorityLocked(id)
		heap.Fix(&q.heap, it.index)
	}
}

type queueHeap []*queueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *queueHeap) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
