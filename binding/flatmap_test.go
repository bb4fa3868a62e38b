package binding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/nbstore/crdt"
)

func newPair(t *testing.T) (*FlatMap, *crdt.Doc, *crdt.Doc) {
	t.Helper()
	local := crdt.NewDocWithClientID("doc", 1)
	remote := crdt.NewDocWithClientID("doc", 2)
	local.OnUpdate(func(u []byte, origin any, isLocal bool) {
		if isLocal {
			require.NoError(t, remote.ApplyUpdate(u, "sync"))
		}
	})
	fm := Bind(local.Map("props"), Options{})
	t.Cleanup(fm.Dispose)
	return fm, local, remote
}

func TestReadAfterWrite(t *testing.T) {
	fm, _, remote := newPair(t)
	require.NoError(t, fm.Set("title", "draft"))
	require.NoError(t, fm.Set("title", "final"))
	require.NoError(t, fm.Set("style.color", "red"))

	v, ok := fm.Get("title")
	require.True(t, ok)
	assert.Equal(t, "final", v)
	v, _ = fm.Get("style.color")
	assert.Equal(t, "red", v)

	got, _ := remote.Map("props").Get("prop:style.color")
	assert.Equal(t, "red", got)
}

func TestNestedReplaceDropsStaleLeaves(t *testing.T) {
	fm, _, remote := newPair(t)
	require.NoError(t, fm.Set("xywh", map[string]any{"x": 1, "y": 2, "meta": map[string]any{"z": 3}}))
	assert.Equal(t, []string{"prop:xywh.meta.z", "prop:xywh.x", "prop:xywh.y"}, remote.Map("props").Keys())

	updates := 0
	fm.Map().Doc().OnUpdate(func([]byte, any, bool) { updates++ })
	require.NoError(t, fm.Set("xywh", map[string]any{"x": 5}))
	assert.Equal(t, 1, updates, "replace must be one transaction")
	assert.Equal(t, []string{"prop:xywh.x"}, remote.Map("props").Keys())
	assert.Equal(t, map[string]any{"xywh": map[string]any{"x": int64(5)}}, fm.Value())
}

func TestDeletePrunesEmptyAncestors(t *testing.T) {
	fm, _, remote := newPair(t)
	require.NoError(t, fm.Set("a", map[string]any{"b": map[string]any{"c": true}}))
	require.NoError(t, fm.Set("keep", 1))
	fm.Delete("a.b.c")

	_, ok := fm.Get("a")
	assert.False(t, ok)
	assert.Equal(t, map[string]any{"keep": int64(1)}, fm.Value())
	assert.Equal(t, []string{"prop:keep"}, remote.Map("props").Keys())
}

func TestStashPopWritesOnce(t *testing.T) {
	fm, _, remote := newPair(t)
	require.NoError(t, fm.Set("title", "start"))

	var seen []any
	remote.Map("props").Observe(func(e crdt.MapEvent) {
		v, _ := remote.Map("props").Get("prop:title")
		seen = append(seen, v)
	})

	fm.Stash("title")
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, fm.Set("title", s))
	}
	v, _ := fm.Get("title")
	assert.Equal(t, "c", v)
	got, _ := remote.Map("props").Get("prop:title")
	assert.Equal(t, "start", got, "stashed writes must stay local")

	require.NoError(t, fm.Pop("title"))
	assert.False(t, fm.IsStashed("title"))
	assert.Equal(t, []any{"c"}, seen)
}

func TestStashedFieldIgnoresRemote(t *testing.T) {
	fm, local, remote := newPair(t)
	require.NoError(t, fm.Set("title", "mine"))
	fm.Stash("title")

	require.NoError(t, remote.Map("props").Set("prop:title", "theirs"))
	require.NoError(t, local.ApplyUpdate(remote.EncodeStateAsUpdate(local.StateVector()), "sync"))
	v, _ := fm.Get("title")
	assert.Equal(t, "mine", v)
}

func TestRemoteChangesReachMirrorAndCell(t *testing.T) {
	fm, local, remote := newPair(t)
	var changes []string
	fm.onChange = func(field string, isLocal bool) {
		if !isLocal {
			changes = append(changes, field)
		}
	}
	cell := fm.Cell("meta")

	rm := remote.Map("props")
	remote.Transact(nil, func(tx *crdt.Tx) {
		require.NoError(t, tx.Set(rm, "prop:meta.author", "ann"))
		require.NoError(t, tx.Set(rm, "prop:meta.rev", 3))
	})
	require.NoError(t, local.ApplyUpdate(remote.EncodeStateAsUpdate(local.StateVector()), "sync"))

	assert.Equal(t, map[string]any{"author": "ann", "rev": int64(3)}, cell.Get())
	assert.Equal(t, []string{"meta"}, changes)

	rm.Delete("prop:meta.author")
	rm.Delete("prop:meta.rev")
	require.NoError(t, local.ApplyUpdate(remote.EncodeStateAsUpdate(local.StateVector()), "sync"))
	_, ok := fm.Get("meta")
	assert.False(t, ok)
	assert.Nil(t, cell.Get())
}

func TestCellSetPropagatesWithoutReentry(t *testing.T) {
	fm, _, remote := newPair(t)
	cell := fm.Cell("count")
	notifications := 0
	cell.Subscribe(func(any) { notifications++ })

	updates := 0
	fm.Map().Doc().OnUpdate(func([]byte, any, bool) { updates++ })
	cell.Set(7)

	v, _ := fm.Get("count")
	assert.Equal(t, int64(7), v)
	got, _ := remote.Map("props").Get("prop:count")
	assert.Equal(t, int64(7), got)
	assert.Equal(t, 1, updates)
	assert.Equal(t, 1, notifications)
}

func TestOneBindingPerMap(t *testing.T) {
	doc := crdt.NewDocWithClientID("doc", 1)
	a := Bind(doc.Map("props"), Options{})
	b := Bind(doc.Map("props"), Options{})
	assert.Same(t, a, b)
	assert.Same(t, a.Cell("x"), b.Cell("x"))

	a.Dispose()
	c := Bind(doc.Map("props"), Options{})
	assert.NotSame(t, a, c)
	c.Dispose()
}

func TestInitialStateFromExistingMap(t *testing.T) {
	doc := crdt.NewDocWithClientID("doc", 1)
	m := doc.Map("props")
	require.NoError(t, m.Set("prop:a.b", "x"))
	require.NoError(t, m.Set("prop:title", "t"))
	require.NoError(t, m.Set("sys:flavour", "page"))

	fm := Bind(m, Options{})
	defer fm.Dispose()
	assert.Equal(t, map[string]any{"a": map[string]any{"b": "x"}, "title": "t"}, fm.Value())
}

func TestTextEditRefiresCell(t *testing.T) {
	fm, _, remote := newPair(t)
	text := crdt.NewText("hi")
	require.NoError(t, fm.Set("body", text))
	cell := fm.Cell("body")
	fired := 0
	cell.Subscribe(func(any) { fired++ })

	text.Insert(2, "!")
	assert.Equal(t, 1, fired)
	got, _ := remote.Map("props").Get("prop:body")
	assert.Equal(t, "hi!", got.(*crdt.Text).String())
}

func TestRemoteSubtreeSwapFiresOnce(t *testing.T) {
	fm, local, remote := newPair(t)
	require.NoError(t, fm.Set("xywh", map[string]any{"x": 1, "y": 2}))

	type change struct {
		field   string
		isLocal bool
	}
	var changes []change
	fm.onChange = func(field string, isLocal bool) { changes = append(changes, change{field, isLocal}) }
	var fired []any
	fm.Cell("xywh").Subscribe(func(v any) { fired = append(fired, v) })

	rm := remote.Map("props")
	remote.Transact(nil, func(tx *crdt.Tx) {
		tx.Delete(rm, "prop:xywh.x")
		tx.Delete(rm, "prop:xywh.y")
		require.NoError(t, tx.Set(rm, "prop:xywh.w", 3))
		require.NoError(t, tx.Set(rm, "prop:xywh.h", 4))
	})
	require.NoError(t, local.ApplyUpdate(remote.EncodeStateAsUpdate(local.StateVector()), "sync"))

	want := map[string]any{"w": int64(3), "h": int64(4)}
	assert.Equal(t, []any{want}, fired)
	assert.Equal(t, []change{{"xywh", false}}, changes)
	v, _ := fm.Get("xywh")
	assert.Equal(t, want, v)
}

func TestEmptyObjectSurvivesRoundTrip(t *testing.T) {
	fm, _, remote := newPair(t)
	require.NoError(t, fm.Set("meta", map[string]any{}))
	require.NoError(t, fm.Set("style", map[string]any{"inner": map[string]any{}}))

	v, ok := fm.Get("meta")
	require.True(t, ok)
	assert.Equal(t, map[string]any{}, v)
	assert.Equal(t, []string{"prop:meta", "prop:style.inner"}, remote.Map("props").Keys())

	mirror := Bind(remote.Map("props"), Options{})
	defer mirror.Dispose()
	assert.Equal(t, map[string]any{
		"meta":  map[string]any{},
		"style": map[string]any{"inner": map[string]any{}},
	}, mirror.Value())

	// writing below the empty object replaces it
	require.NoError(t, fm.Set("meta.author", "ann"))
	assert.Equal(t, []string{"prop:meta.author", "prop:style.inner"}, remote.Map("props").Keys())
	assert.Equal(t, map[string]any{"author": "ann"}, mirror.Value()["meta"])
}

func TestTextEditsReportWhereTheyCameFrom(t *testing.T) {
	fm, local, remote := newPair(t)
	require.NoError(t, fm.Set("body", crdt.NewText("hi")))
	var changes []bool
	fm.onChange = func(field string, isLocal bool) { changes = append(changes, isLocal) }

	got, _ := fm.Get("body")
	got.(*crdt.Text).Insert(2, "!")

	theirs, _ := remote.Map("props").Get("prop:body")
	theirs.(*crdt.Text).Insert(0, ">")
	require.NoError(t, local.ApplyUpdate(remote.EncodeStateAsUpdate(local.StateVector()), "sync"))

	assert.Equal(t, []bool{true, false}, changes)
	assert.Equal(t, ">hi!", got.(*crdt.Text).String())
}
