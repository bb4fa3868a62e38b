package crdt

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrMalformedUpdate is returned when an update payload cannot be decoded.
	ErrMalformedUpdate = errors.New("malformed crdt update")
	// ErrUnsupportedValue is returned by Set for values with no CRDT
	// representation.
	ErrUnsupportedValue = errors.New("unsupported crdt value")
	// ErrTransactionClosed is returned when a Tx is used after its callback
	// has returned.
	ErrTransactionClosed = errors.New("transaction closed")
	// ErrDetachedText is returned by Tx text edits on a Text that is not
	// stored in the transaction's document.
	ErrDetachedText = errors.New("text not stored in this document")
)

// normalize converts v into the canonical leaf form stored in a Map:
// nil, bool, int64, float64, string, []byte, []any and map[string]any.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return uintToInt(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintToInt(x)
	case float32:
		return float64(x), nil
	case []byte:
		out := make([]byte, len(x))
		copy(out, x)
		return out, nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

func uintToInt(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("%w: integer %d overflows int64", ErrUnsupportedValue, u)
	}
	return int64(u), nil
}

// clone deep-copies a normalized leaf so callers cannot alias stored state.
func clone(v any) any {
	switch x := v.(type) {
	case []byte:
		out := make([]byte, len(x))
		copy(out, x)
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = clone(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = clone(item)
		}
		return out
	default:
		return x
	}
}

// Equal reports whether two normalized leaves hold the same value.
func Equal(a, b any) bool {
	switch x := a.(type) {
	case []byte:
		y, ok := b.([]byte)
		return ok && string(x) == string(y)
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !Equal(xv, yv) {
				return false
			}
		}
		return true
	case *Text:
		y, ok := b.(*Text)
		return ok && x == y
	case *Boxed:
		y, ok := b.(*Boxed)
		return ok && x == y
	default:
		return a == b
	}
}

// Normalize converts v into the form a Map stores it in. Text and Boxed
// pass through unchanged.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case *Text, *Boxed:
		return v, nil
	}
	return normalize(v)
}

// Clone deep-copies a normalized value. Text and Boxed are shared.
func Clone(v any) any { return clone(v) }
