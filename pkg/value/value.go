// Package value implements the tagged-sum document value used throughout
// the sync engine: null, bool, int, float, string, ordered sequence,
// insertion-ordered mapping, and set of hashable scalars.
package value

import (
	"fmt"
	"sort"
)

// Kind identifies which alternative of the tagged sum a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindSeq
	KindMap
	KindSet
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindSeq:
		return "seq"
	case KindMap:
		return "map"
	case KindSet:
		return "set"
	default:
		return "unknown"
	}
}

// Value is an immutable-by-convention tagged union. Seq, Map and Set hold
// pointers to their backing storage, so a Value copy shares structure with
// its source until Clone is called explicitly.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	seq  []Value
	m    *Map
	set  *SetData
}

func Null() Value              { return Value{kind: KindNull} }
func Bool(b bool) Value        { return Value{kind: KindBool, b: b} }
func Int(i int64) Value        { return Value{kind: KindInt, i: i} }
func Float(f float64) Value    { return Value{kind: KindFloat, f: f} }
func String(s string) Value    { return Value{kind: KindString, s: s} }
func Seq(items ...Value) Value { return Value{kind: KindSeq, seq: append([]Value(nil), items...)} }
func FromMap(m *Map) Value     { return Value{kind: KindMap, m: m} }
func FromSet(s *SetData) Value     { return Value{kind: KindSet, set: s} }
func NewMapValue() Value       { return FromMap(NewMap()) }
func NewSetValue() Value       { return FromSet(NewSet()) }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)     { return v.b, v.kind == KindBool }
func (v Value) AsInt() (int64, bool)     { return v.i, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }
func (v Value) AsSeq() ([]Value, bool)   { return v.seq, v.kind == KindSeq }
func (v Value) AsMap() (*Map, bool)      { return v.m, v.kind == KindMap }
func (v Value) AsSet() (*SetData, bool)      { return v.set, v.kind == KindSet }

// IsContainer reports whether v can hold nested paths (map or seq).
func (v Value) IsContainer() bool { return v.kind == KindMap || v.kind == KindSeq }

// IsScalar reports whether v is hashable and may live inside a Set.
func (v Value) IsScalar() bool {
	switch v.kind {
	case KindNull, KindBool, KindInt, KindFloat, KindString:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy of v.
func Clone(v Value) Value {
	switch v.kind {
	case KindSeq:
		out := make([]Value, len(v.seq))
		for i, e := range v.seq {
			out[i] = Clone(e)
		}
		return Value{kind: KindSeq, seq: out}
	case KindMap:
		return FromMap(v.m.Clone())
	case KindSet:
		return FromSet(v.set.Clone())
	default:
		return v
	}
}

// Equal reports deep structural equality. Map equality ignores key order;
// Set equality ignores element order. Int and Float are distinct kinds and
// never compare equal to one another even when numerically identical.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindSeq:
		if len(a.seq) != len(b.seq) {
			return false
		}
		for i := range a.seq {
			if !Equal(a.seq[i], b.seq[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return a.m.Equal(b.m)
	case KindSet:
		return a.set.Equal(b.set)
	default:
		return false
	}
}

// ScalarKey returns a canonical, collision-free string key for a scalar
// value, used as the hash key for Set membership and Map iteration helpers.
func ScalarKey(v Value) string {
	switch v.kind {
	case KindNull:
		return "n:"
	case KindBool:
		if v.b {
			return "b:1"
		}
		return "b:0"
	case KindInt:
		return fmt.Sprintf("i:%d", v.i)
	case KindFloat:
		return fmt.Sprintf("f:%v", v.f)
	case KindString:
		return "s:" + v.s
	default:
		panic(fmt.Sprintf("value: %s is not scalar, cannot key", v.kind))
	}
}

// Map is an insertion-ordered string-keyed mapping.
type Map struct {
	order []string
	items map[string]Value
}

func NewMap() *Map { return &Map{items: map[string]Value{}} }

func (m *Map) Get(key string) (Value, bool) {
	v, ok := m.items[key]
	return v, ok
}

func (m *Map) Set(key string, v Value) {
	if _, exists := m.items[key]; !exists {
		m.order = append(m.order, key)
	}
	m.items[key] = v
}

func (m *Map) Delete(key string) {
	if _, exists := m.items[key]; !exists {
		return
	}
	delete(m.items, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Map) Len() int { return len(m.order) }

// Keys returns keys in insertion order.
func (m *Map) Keys() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// SortedKeys returns keys in lexicographic order, for canonical encoding.
func (m *Map) SortedKeys() []string {
	out := m.Keys()
	sort.Strings(out)
	return out
}

func (m *Map) Clone() *Map {
	out := NewMap()
	out.order = append([]string(nil), m.order...)
	out.items = make(map[string]Value, len(m.items))
	for k, v := range m.items {
		out.items[k] = Clone(v)
	}
	return out
}

func (m *Map) Equal(o *Map) bool {
	if m.Len() != o.Len() {
		return false
	}
	for k, v := range m.items {
		ov, ok := o.items[k]
		if !ok || !Equal(v, ov) {
			return false
		}
	}
	return true
}

// Set holds hashable scalars with no defined iteration order of its own;
// Elements returns them in canonical (sorted-key) order for determinism.
type SetData struct {
	items map[string]Value
}

func NewSet() *SetData { return &SetData{items: map[string]Value{}} }

func (s *SetData) Add(v Value) {
	if !v.IsScalar() {
		panic("value: set elements must be scalar")
	}
	s.items[ScalarKey(v)] = v
}

func (s *SetData) Remove(v Value) { delete(s.items, ScalarKey(v)) }

func (s *SetData) Contains(v Value) bool {
	_, ok := s.items[ScalarKey(v)]
	return ok
}

func (s *SetData) Len() int { return len(s.items) }

func (s *SetData) Elements() []Value {
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Value, len(keys))
	for i, k := range keys {
		out[i] = s.items[k]
	}
	return out
}

func (s *SetData) Clone() *SetData {
	out := NewSet()
	for k, v := range s.items {
		out.items[k] = v
	}
	return out
}

func (s *SetData) Equal(o *SetData) bool {
	if s.Len() != o.Len() {
		return false
	}
	for k := range s.items {
		if _, ok := o.items[k]; !ok {
			return false
		}
	}
	return true
}
