package nbsync

import "testing"

func TestPriorityQueueOrdersByPriorityThenArrival(t *testing.T) {
	q := NewPriorityQueue()
	for _, id := range []string{"a", "b", "c", "d"} {
		q.Push(id)
	}
	q.AddPriority("c", 5)
	q.AddPriority("d", 5)
	q.AddPriority("b", 1)

	want := []string{"c", "d", "b", "a"}
	for i, w := range want {
		got, ok := q.Pop()
		if !ok || got != w {
			t.Fatalf("pop %d = %q, %v; want %q", i, got, ok, w)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestPriorityQueuePushIsIdempotent(t *testing.T) {
	q := NewPriorityQueue()
	if !q.Push("a") {
		t.Fatalf("first push should queue")
	}
	if q.Push("a") {
		t.Fatalf("second push should be ignored")
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 queued item, got %d", q.Len())
	}
	if !q.Remove("a") || q.Has("a") {
		t.Fatalf("expected a to be removed")
	}
}

func TestAddPriorityUndoRestoresBaseline(t *testing.T) {
	q := NewPriorityQueue()
	base := q.AddPriority("doc", 2)
	var undos []func()
	for i := 1; i <= 5; i++ {
		undos = append(undos, q.AddPriority("doc", i*10))
	}
	if got := q.Priority("doc"); got != 152 {
		t.Fatalf("expected aggregate priority 152, got %d", got)
	}
	for _, undo := range undos {
		undo()
		undo()
	}
	if got := q.Priority("doc"); got != 2 {
		t.Fatalf("expected baseline priority 2 after undo, got %d", got)
	}
	base()
	if got := q.Priority("doc"); got != 0 {
		t.Fatalf("expected priority 0, got %d", got)
	}
}

func TestPriorityRegisteredBeforePushApplies(t *testing.T) {
	q := NewPriorityQueue()
	q.Push("a")
	undo := q.AddPriority("b", 3)
	q.Push("b")
	if got, _ := q.Pop(); got != "b" {
		t.Fatalf("expected boosted b first, got %q", got)
	}
	undo()
	q.Push("b")
	if got, _ := q.Pop(); got != "a" {
		t.Fatalf("expected a after boost withdrawn, got %q", got)
	}
}
