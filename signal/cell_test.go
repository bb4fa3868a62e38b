package signal

import "testing"

func TestCellNotifiesSubscribers(t *testing.T) {
	c := New(1)
	var got []int
	unsub := c.Subscribe(func(v int) { got = append(got, v) })
	c.Set(2)
	c.Set(2)
	c.Update(func(v int) int { return v + 1 })
	unsub()
	c.Set(9)
	if len(got) != 3 || got[0] != 2 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("unexpected notifications: %v", got)
	}
	if c.Get() != 9 || c.Subscribers() != 0 {
		t.Fatalf("expected value 9 and no subscribers, got %d and %d", c.Get(), c.Subscribers())
	}
}

func TestComparableCellSkipsUnchanged(t *testing.T) {
	c := NewComparable("a")
	calls := 0
	c.Subscribe(func(string) { calls++ })
	c.Set("a")
	c.Set("b")
	if calls != 1 {
		t.Fatalf("expected 1 notification, got %d", calls)
	}
}

func TestSubscriberMaySetOtherCell(t *testing.T) {
	a, b := New(0), New(0)
	a.Subscribe(func(v int) { b.Set(v * 2) })
	a.Set(4)
	if b.Peek() != 8 {
		t.Fatalf("expected 8, got %d", b.Peek())
	}
}
