package crdt

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

const updateVersion = 1

type kind uint8

const (
	kindValue kind = iota
	kindText
	kindBoxed
	kindDeleted
	kindTextInsert
	kindTextDelete
)

func (k kind) textOp() bool { return k == kindTextInsert || k == kindTextDelete }

// StateVector maps a replica id to the highest clock seen from it.
type StateVector map[uint64]uint64

// Clone returns an independent copy of sv.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// Covers reports whether sv has seen everything other has.
func (sv StateVector) Covers(other StateVector) bool {
	for client, clock := range other {
		if sv[client] < clock {
			return false
		}
	}
	return true
}

type wireEntry struct {
	Map    string `msgpack:"m"`
	Key    string `msgpack:"k"`
	Clock  uint64 `msgpack:"c"`
	Client uint64 `msgpack:"a"`
	Kind   kind   `msgpack:"t"`
	Value  any    `msgpack:"v"`
	// Parent is the write that created the text a text op edits. Ref is the
	// left neighbour of an insert, or the character a delete removes.
	Parent *opID `msgpack:"p,omitempty"`
	Ref    *opID `msgpack:"r,omitempty"`
}

func (w wireEntry) id() opID { return opID{Clock: w.Clock, Client: w.Client} }

type wireUpdate struct {
	Version int         `msgpack:"ver"`
	Entries []wireEntry `msgpack:"e"`
}

// beats orders writes to the same key: higher clock wins, ties broken by
// replica id.
func (w wireEntry) beats(o wireEntry) bool {
	if w.Clock != o.Clock {
		return w.Clock > o.Clock
	}
	return w.Client > o.Client
}

func encodeUpdate(entries []wireEntry) []byte {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Map != b.Map {
			return a.Map < b.Map
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return b.id().after(a.id())
	})
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	// Every value reaching here is normalized, so encoding cannot fail.
	if err := enc.Encode(wireUpdate{Version: updateVersion, Entries: entries}); err != nil {
		panic(fmt.Sprintf("crdt: encode update: %v", err))
	}
	return buf.Bytes()
}

func decodeUpdate(update []byte) ([]wireEntry, error) {
	if len(update) == 0 {
		return nil, nil
	}
	var u wireUpdate
	if err := msgpack.Unmarshal(update, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if u.Version != updateVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrMalformedUpdate, u.Version)
	}
	for i := range u.Entries {
		e := &u.Entries[i]
		if e.Map == "" || e.Client == 0 || e.Clock == 0 {
			return nil, fmt.Errorf("%w: entry %d lacks map, client or clock", ErrMalformedUpdate, i)
		}
		switch e.Kind {
		case kindValue, kindBoxed:
			v, err := normalize(e.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedUpdate, i, err)
			}
			e.Value = v
		case kindText, kindDeleted:
			e.Value = nil
		case kindTextInsert:
			s, ok := e.Value.(string)
			if !ok || s == "" || e.Parent == nil {
				return nil, fmt.Errorf("%w: entry %d: bad text insert", ErrMalformedUpdate, i)
			}
		case kindTextDelete:
			if e.Parent == nil || e.Ref == nil {
				return nil, fmt.Errorf("%w: entry %d: bad text delete", ErrMalformedUpdate, i)
			}
			e.Value = nil
		default:
			return nil, fmt.Errorf("%w: entry %d: unknown kind %d", ErrMalformedUpdate, i, e.Kind)
		}
	}
	return u.Entries, nil
}

// MergeUpdates folds updates into one that is equivalent to applying all of
// them. The merge is commutative, associative and idempotent.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	type slot struct {
		m, k string
		op   opID
	}
	winners := map[slot]wireEntry{}
	for _, u := range updates {
		entries, err := decodeUpdate(u)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			s := slot{m: e.Map, k: e.Key}
			if e.Kind.textOp() {
				// text ops are never superseded, only repeated
				s.op = e.id()
			}
			if cur, ok := winners[s]; ok && !e.beats(cur) {
				continue
			}
			winners[s] = e
		}
	}
	out := make([]wireEntry, 0, len(winners))
	for _, e := range winners {
		out = append(out, e)
	}
	return encodeUpdate(out), nil
}

// UpdateStateVector returns the state vector an update would contribute.
func UpdateStateVector(update []byte) (StateVector, error) {
	entries, err := decodeUpdate(update)
	if err != nil {
		return nil, err
	}
	sv := StateVector{}
	for _, e := range entries {
		if e.Clock > sv[e.Client] {
			sv[e.Client] = e.Clock
		}
	}
	return sv, nil
}

// ValidateUpdate checks that update is decodable.
func ValidateUpdate(update []byte) error {
	_, err := decodeUpdate(update)
	return err
}

// DiffUpdate returns the part of update that a replica at sv has not seen.
// A nil sv yields the whole update; nil is returned when nothing is missing.
func DiffUpdate(update []byte, sv StateVector) ([]byte, error) {
	entries, err := decodeUpdate(update)
	if err != nil {
		return nil, err
	}
	missing := entries[:0]
	for _, e := range entries {
		if e.Clock > sv[e.Client] {
			missing = append(missing, e)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return encodeUpdate(missing), nil
}
