package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapSetGet(t *testing.T) {
	d := NewDocWithClientID("doc", 1)
	m := d.Map("props")
	require.NoError(t, m.Set("title", "hello"))
	require.NoError(t, m.Set("count", 3))
	require.NoError(t, m.Set("tags", []any{"a", int32(2)}))

	v, ok := m.Get("title")
	assert.True(t, ok)
	assert.Equal(t, "hello", v)
	v, _ = m.Get("count")
	assert.Equal(t, int64(3), v)
	v, _ = m.Get("tags")
	assert.Equal(t, []any{"a", int64(2)}, v)
	assert.Equal(t, []string{"count", "tags", "title"}, m.Keys())

	m.Delete("count")
	assert.False(t, m.Has("count"))
	assert.Equal(t, 2, m.Len())
}

func TestUnsupportedValue(t *testing.T) {
	d := NewDocWithClientID("doc", 1)
	err := d.Map("m").Set("ch", make(chan int))
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestTransactionFiresObserversOnce(t *testing.T) {
	d := NewDocWithClientID("doc", 1)
	m := d.Map("m")
	require.NoError(t, m.Set("old", "x"))

	var events []MapEvent
	m.Observe(func(e MapEvent) {
		// every change from the transaction is already applied
		assert.Equal(t, 2, m.Len())
		events = append(events, e)
	})
	d.Transact("edit", func(tx *Tx) {
		require.NoError(t, tx.Set(m, "a", 1))
		require.NoError(t, tx.Set(m, "b", 2))
		tx.Delete(m, "old")
		require.NoError(t, tx.Set(m, "a", 10))
	})

	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "edit", e.Origin)
	assert.True(t, e.Local)
	assert.Equal(t, []string{"a", "b", "old"}, e.KeysChanged())
	assert.Equal(t, ActionAdd, e.Changes["a"].Action)
	assert.Equal(t, ActionDelete, e.Changes["old"].Action)
	assert.Equal(t, "x", e.Changes["old"].OldValue)
}

func TestUpdatesConverge(t *testing.T) {
	a := NewDocWithClientID("doc", 1)
	b := NewDocWithClientID("doc", 2)
	require.NoError(t, a.Map("m").Set("k", "from-a"))
	require.NoError(t, b.Map("m").Set("k", "from-b"))
	require.NoError(t, b.Map("m").Set("only-b", true))

	ua := a.EncodeStateAsUpdate(nil)
	ub := b.EncodeStateAsUpdate(nil)
	require.NoError(t, a.ApplyUpdate(ub, "remote"))
	require.NoError(t, b.ApplyUpdate(ua, "remote"))

	assert.Equal(t, a.Map("m").Entries(), b.Map("m").Entries())
	v, _ := a.Map("m").Get("k")
	// equal clocks, larger replica id wins
	assert.Equal(t, "from-b", v)

	// idempotent
	require.NoError(t, a.ApplyUpdate(ub, "remote"))
	assert.Equal(t, a.EncodeStateAsUpdate(nil), b.EncodeStateAsUpdate(nil))
}

func TestLaterWriteWinsAfterSync(t *testing.T) {
	a := NewDocWithClientID("doc", 9)
	b := NewDocWithClientID("doc", 1)
	require.NoError(t, a.Map("m").Set("k", "first"))
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate(nil), nil))
	require.NoError(t, b.Map("m").Set("k", "second"))
	require.NoError(t, a.ApplyUpdate(b.EncodeStateAsUpdate(a.StateVector()), nil))
	v, _ := a.Map("m").Get("k")
	assert.Equal(t, "second", v)
}

func TestMergeUpdatesEquivalentToApply(t *testing.T) {
	a := NewDocWithClientID("doc", 1)
	var updates [][]byte
	a.OnUpdate(func(u []byte, origin any, local bool) {
		updates = append(updates, u)
	})
	require.NoError(t, a.Map("m").Set("x", 1))
	require.NoError(t, a.Map("m").Set("x", 2))
	require.NoError(t, a.Map("n").Set("y", "z"))
	a.Map("n").Delete("y")
	require.Len(t, updates, 4)

	merged, err := MergeUpdates(updates...)
	require.NoError(t, err)
	reversed, err := MergeUpdates(updates[3], updates[2], updates[1], updates[0])
	require.NoError(t, err)
	assert.Equal(t, merged, reversed)

	b := NewDocWithClientID("doc", 2)
	require.NoError(t, b.ApplyUpdate(merged, nil))
	assert.Equal(t, a.Map("m").Entries(), b.Map("m").Entries())
	assert.False(t, b.Map("n").Has("y"))
	assert.Equal(t, a.StateVector(), b.StateVector())
}

func TestMalformedUpdate(t *testing.T) {
	d := NewDocWithClientID("doc", 1)
	assert.ErrorIs(t, d.ApplyUpdate([]byte{0xc1, 0x00}, nil), ErrMalformedUpdate)
	_, err := MergeUpdates([]byte("not msgpack"))
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	assert.NoError(t, d.ApplyUpdate(nil, nil))
}

func TestTextSyncsThroughMap(t *testing.T) {
	a := NewDocWithClientID("doc", 1)
	text := NewText("hello")
	require.NoError(t, a.Map("m").Set("body", text))

	b := NewDocWithClientID("doc", 2)
	a.OnUpdate(func(u []byte, origin any, local bool) {
		require.NoError(t, b.ApplyUpdate(u, "remote"))
	})
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate(nil), "remote"))

	got, ok := b.Map("m").Get("body")
	require.True(t, ok)
	remote := got.(*Text)
	var seen []string
	remote.OnChange(func(s string) { seen = append(seen, s) })

	text.Insert(5, " world")
	assert.Equal(t, "hello world", remote.String())
	assert.Equal(t, []string{"hello world"}, seen)

	text.Delete(0, 6)
	assert.Equal(t, "world", remote.String())
}

func TestBoxedNotifiesOnRemoteChange(t *testing.T) {
	a := NewDocWithClientID("doc", 1)
	box, err := NewBoxed(map[string]any{"w": 1})
	require.NoError(t, err)
	require.NoError(t, a.Map("m").Set("size", box))

	b := NewDocWithClientID("doc", 2)
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate(nil), nil))
	got, _ := b.Map("m").Get("size")
	remote := got.(*Boxed)
	var seen []any
	remote.OnChange(func(v any) { seen = append(seen, v) })

	require.NoError(t, box.Set(map[string]any{"w": 2}))
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate(b.StateVector()), nil))
	assert.Equal(t, map[string]any{"w": int64(2)}, remote.Get())
	assert.Len(t, seen, 1)
}

func TestDestroyDetachesObservers(t *testing.T) {
	d := NewDocWithClientID("doc", 1)
	calls := 0
	d.Map("m").Observe(func(MapEvent) { calls++ })
	d.OnUpdate(func([]byte, any, bool) { calls++ })
	d.Destroy()
	require.NoError(t, d.Map("m").Set("k", 1))
	assert.Equal(t, 0, calls)
	assert.True(t, d.Destroyed())
}

func TestDiffUpdateSkipsSeenEntries(t *testing.T) {
	a := NewDocWithClientID("doc", 1)
	require.NoError(t, a.Map("m").Set("x", "one"))
	b := NewDocWithClientID("doc", 2)
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate(nil), "sync"))
	require.NoError(t, a.Map("m").Set("y", "two"))

	full := a.EncodeStateAsUpdate(nil)
	diff, err := DiffUpdate(full, b.StateVector())
	require.NoError(t, err)
	require.NotNil(t, diff)
	require.NoError(t, b.ApplyUpdate(diff, "sync"))
	assert.Equal(t, a.Map("m").Entries(), b.Map("m").Entries())

	none, err := DiffUpdate(full, b.StateVector())
	require.NoError(t, err)
	assert.Nil(t, none)
}

// seededPair returns two replicas that both hold the text s under m/body.
func seededPair(t *testing.T, s string) (*Doc, *Doc, *Text, *Text) {
	t.Helper()
	a := NewDocWithClientID("doc", 1)
	require.NoError(t, a.Map("m").Set("body", NewText(s)))
	b := NewDocWithClientID("doc", 2)
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate(nil), nil))
	ta, _ := a.Map("m").Get("body")
	tb, _ := b.Map("m").Get("body")
	return a, b, ta.(*Text), tb.(*Text)
}

func exchange(t *testing.T, a, b *Doc) {
	t.Helper()
	toB := a.EncodeStateAsUpdate(b.StateVector())
	toA := b.EncodeStateAsUpdate(a.StateVector())
	require.NoError(t, b.ApplyUpdate(toB, "sync"))
	require.NoError(t, a.ApplyUpdate(toA, "sync"))
}

func TestConcurrentTextInsertsBothSurvive(t *testing.T) {
	a, b, ta, tb := seededPair(t, "hello")
	ta.Insert(0, "A")
	tb.Insert(5, "B")
	exchange(t, a, b)

	assert.Equal(t, "AhelloB", ta.String())
	assert.Equal(t, "AhelloB", tb.String())
	assert.Equal(t, a.StateVector(), b.StateVector())
}

func TestConcurrentTextInsertsAtSamePositionConverge(t *testing.T) {
	a, b, ta, tb := seededPair(t, "hello")
	ta.Insert(5, " world")
	tb.Insert(5, " there")
	exchange(t, a, b)

	assert.Equal(t, ta.String(), tb.String())
	assert.Equal(t, 17, ta.Len())
	assert.Contains(t, ta.String(), " world")
	assert.Contains(t, ta.String(), " there")
}

func TestConcurrentTextDeleteAndInsert(t *testing.T) {
	a, b, ta, tb := seededPair(t, "abcdef")
	ta.Delete(1, 3)
	tb.Insert(3, "X")
	tb.Delete(0, 1)
	exchange(t, a, b)

	assert.Equal(t, "Xef", ta.String())
	assert.Equal(t, "Xef", tb.String())

	// repeating the exchange changes nothing
	exchange(t, a, b)
	assert.Equal(t, "Xef", tb.String())
}

func TestTextOpsAppliedOutOfOrder(t *testing.T) {
	a := NewDocWithClientID("doc", 1)
	var updates [][]byte
	a.OnUpdate(func(u []byte, origin any, local bool) {
		updates = append(updates, u)
	})
	text := NewText("ab")
	require.NoError(t, a.Map("m").Set("body", text))
	text.Insert(2, "c")
	text.Insert(0, "_")
	require.Len(t, updates, 3)

	b := NewDocWithClientID("doc", 2)
	require.NoError(t, b.ApplyUpdate(updates[2], nil))
	require.NoError(t, b.ApplyUpdate(updates[1], nil))
	assert.False(t, b.Map("m").Has("body"))
	// ops held back are still relayed
	relay := NewDocWithClientID("doc", 3)
	require.NoError(t, relay.ApplyUpdate(b.EncodeStateAsUpdate(nil), nil))

	require.NoError(t, b.ApplyUpdate(updates[0], nil))
	got, ok := b.Map("m").Get("body")
	require.True(t, ok)
	assert.Equal(t, "_abc", got.(*Text).String())
	assert.Equal(t, a.StateVector(), b.StateVector())

	require.NoError(t, relay.ApplyUpdate(updates[0], nil))
	got, _ = relay.Map("m").Get("body")
	assert.Equal(t, "_abc", got.(*Text).String())
}

func TestMergeUpdatesKeepsConcurrentTextEdits(t *testing.T) {
	a, b, ta, tb := seededPair(t, "hello")
	base := a.EncodeStateAsUpdate(nil)
	ta.Insert(0, "A")
	tb.Insert(5, "B")

	merged, err := MergeUpdates(b.EncodeStateAsUpdate(nil), base, a.EncodeStateAsUpdate(nil))
	require.NoError(t, err)
	c := NewDocWithClientID("doc", 3)
	require.NoError(t, c.ApplyUpdate(merged, nil))
	got, _ := c.Map("m").Get("body")
	assert.Equal(t, "AhelloB", got.(*Text).String())
}

func TestTextEventCarriesOrigin(t *testing.T) {
	a, b, ta, tb := seededPair(t, "hi")
	var local, remote []TextEvent
	ta.Observe(func(e TextEvent) { local = append(local, e) })
	tb.Observe(func(e TextEvent) { remote = append(remote, e) })

	a.Transact("typing", func(tx *Tx) {
		require.NoError(t, tx.InsertText(ta, 2, "!"))
		require.NoError(t, tx.InsertText(ta, 3, "!"))
	})
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate(b.StateVector()), "sync"))

	require.Len(t, local, 1)
	assert.Equal(t, TextEvent{Text: "hi!!", Origin: "typing", Local: true}, local[0])
	require.Len(t, remote, 1)
	assert.Equal(t, TextEvent{Text: "hi!!", Origin: "sync", Local: false}, remote[0])
}

func TestTextEditOutsideItsDoc(t *testing.T) {
	a, _, ta, _ := seededPair(t, "hi")
	other := NewDocWithClientID("other", 5)
	other.Transact(nil, func(tx *Tx) {
		assert.ErrorIs(t, tx.InsertText(ta, 0, "x"), ErrDetachedText)
	})

	// an overwritten text keeps its last content and edits stay local
	require.NoError(t, a.Map("m").Set("body", "plain"))
	ta.Insert(2, "!")
	assert.Equal(t, "hi!", ta.String())
	v, _ := a.Map("m").Get("body")
	assert.Equal(t, "plain", v)
}
