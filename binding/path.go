package binding

import (
	"sort"
	"strings"

	"github.com/agentworkforce/nbstore/crdt"
)

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func getPath(root map[string]any, segs []string) (any, bool) {
	var cur any = root
	for _, s := range segs {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[s]
		if !ok {
			return nil, false
		}
	}
	return cur, len(segs) > 0
}

// setPath stores v, replacing non-object intermediates with objects.
func setPath(root map[string]any, segs []string, v any) {
	obj := root
	for _, s := range segs[:len(segs)-1] {
		next, ok := obj[s].(map[string]any)
		if !ok {
			next = map[string]any{}
			obj[s] = next
		}
		obj = next
	}
	obj[segs[len(segs)-1]] = v
}

// deletePath removes the value at segs and then every ancestor left empty.
func deletePath(root map[string]any, segs []string) {
	parents := make([]map[string]any, 0, len(segs))
	obj := root
	for _, s := range segs[:len(segs)-1] {
		next, ok := obj[s].(map[string]any)
		if !ok {
			return
		}
		parents = append(parents, obj)
		obj = next
	}
	delete(obj, segs[len(segs)-1])
	for i := len(parents) - 1; i >= 0 && len(obj) == 0; i-- {
		delete(parents[i], segs[i])
		obj = parents[i]
	}
}

// flatten maps every leaf under v to its dotted path below base. Empty
// objects are leaves.
func flatten(base string, v map[string]any) map[string]any {
	out := map[string]any{}
	var walk func(prefix string, obj map[string]any)
	walk = func(prefix string, obj map[string]any) {
		for k, x := range obj {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if sub, ok := x.(map[string]any); ok && len(sub) > 0 {
				walk(p, sub)
				continue
			}
			out[p] = x
		}
	}
	walk(base, v)
	return out
}

// normalizeTree normalizes leaves while keeping nested objects walkable and
// allowing Text and Boxed anywhere in the tree.
func normalizeTree(v any) (any, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return crdt.Normalize(v)
	}
	out := make(map[string]any, len(obj))
	for k, x := range obj {
		n, err := normalizeTree(x)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
