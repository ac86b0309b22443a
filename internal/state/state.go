// Package state holds the in-memory reconstruction of a user's tracked
// resources and the pure delta fold that advances it.
package state

import (
	"fmt"

	"github.com/roach88/rewind/internal/ir"
)

// State maps resource type to resource id to record.
// A State is produced fresh per replay and never shared across calls.
type State map[ir.ResourceType]map[string]ir.Object

// New returns an empty state.
func New() State {
	return make(State)
}

// Get returns the record for (rt, id).
func (s State) Get(rt ir.ResourceType, id string) (ir.Object, bool) {
	rec, ok := s[rt][id]
	return rec, ok
}

// Put stores a deep copy of rec under (rt, id).
func (s State) Put(rt ir.ResourceType, id string, rec ir.Object) {
	coll, ok := s[rt]
	if !ok {
		coll = make(map[string]ir.Object)
		s[rt] = coll
	}
	coll[id] = rec.Clone()
}

// Remove deletes (rt, id) and reports whether it was present.
// Empty collections are dropped so equal states compare equal.
func (s State) Remove(rt ir.ResourceType, id string) bool {
	coll, ok := s[rt]
	if !ok {
		return false
	}
	if _, ok := coll[id]; !ok {
		return false
	}
	delete(coll, id)
	if len(coll) == 0 {
		delete(s, rt)
	}
	return true
}

// Records returns the collection for rt. The map must not be mutated.
func (s State) Records(rt ir.ResourceType) map[string]ir.Object {
	return s[rt]
}

// Count returns the number of records of type rt.
func (s State) Count(rt ir.ResourceType) int {
	return len(s[rt])
}

// Counts returns the number of records per non-empty resource type.
func (s State) Counts() map[ir.ResourceType]int {
	out := make(map[ir.ResourceType]int, len(s))
	for rt, coll := range s {
		if len(coll) > 0 {
			out[rt] = len(coll)
		}
	}
	return out
}

// Total returns the number of records across all types.
func (s State) Total() int {
	n := 0
	for _, coll := range s {
		n += len(coll)
	}
	return n
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := make(State, len(s))
	for rt, coll := range s {
		c := make(map[string]ir.Object, len(coll))
		for id, rec := range coll {
			c[id] = rec.Clone()
		}
		out[rt] = c
	}
	return out
}

// Equal reports whether two states hold the same records.
// Empty collections are ignored.
func Equal(a, b State) bool {
	for _, rt := range unionTypes(a, b) {
		ca, cb := a[rt], b[rt]
		if len(ca) != len(cb) {
			return false
		}
		for id, ra := range ca {
			rb, ok := cb[id]
			if !ok || !ir.Equal(ra, rb) {
				return false
			}
		}
	}
	return true
}

func unionTypes(a, b State) []ir.ResourceType {
	seen := make(map[ir.ResourceType]bool, len(a)+len(b))
	var out []ir.ResourceType
	for _, s := range []State{a, b} {
		for rt := range s {
			if !seen[rt] {
				seen[rt] = true
				out = append(out, rt)
			}
		}
	}
	return out
}

// ToValue renders the state in its canonical layout:
// {"<type>":{"<id>":record}} with empty collections omitted.
func (s State) ToValue() ir.Object {
	out := make(ir.Object, len(s))
	for rt, coll := range s {
		if len(coll) == 0 {
			continue
		}
		c := make(ir.Object, len(coll))
		for id, rec := range coll {
			c[id] = rec
		}
		out[string(rt)] = c
	}
	return out
}

// FromValue is the inverse of ToValue. Unknown resource types and
// non-object records are rejected.
func FromValue(v ir.Value) (State, error) {
	root, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("state root must be an object, got %T", v)
	}

	s := New()
	for _, key := range root.SortedKeys() {
		rt, err := ir.ParseResourceType(key)
		if err != nil {
			return nil, err
		}
		coll, ok := root[key].(ir.Object)
		if !ok {
			return nil, fmt.Errorf("collection %q must be an object, got %T", key, root[key])
		}
		for id, raw := range coll {
			rec, ok := raw.(ir.Object)
			if !ok {
				return nil, fmt.Errorf("record %s/%s must be an object, got %T", key, id, raw)
			}
			s.Put(rt, id, rec)
		}
	}
	return s, nil
}
