// Package value defines the serializable values the storage layer accepts:
// null, booleans, numbers, strings, ordered lists and ordered string-keyed maps
// of the same. Every Value built through this package round-trips through the
// codec unchanged.
package value

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"unicode/utf8"

	storeerrors "github.com/gozephyr/prefcache/errors"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a serializable value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    *Map
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float. NaN and infinities are accepted here but rejected by
// Validate and by the codec.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// Int wraps an integer as a number.
func Int(i int64) Value { return Number(float64(i)) }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List wraps an ordered list.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

// Object wraps an ordered map. A nil map becomes an empty one.
func Object(m *Map) Value {
	if m == nil {
		m = NewMap()
	}
	return Value{kind: KindMap, m: m}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the number held by v.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsList returns the items held by v.
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

// AsMap returns the map held by v.
func (v Value) AsMap() (*Map, bool) { return v.m, v.kind == KindMap }

// Clone returns a deep copy of v. Lists and maps in the copy share no
// storage with v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.Clone()
		}
		return Value{kind: KindList, list: items}
	case KindMap:
		m := &Map{
			keys:  make([]string, 0, v.m.Len()),
			vals:  make([]Value, 0, v.m.Len()),
			index: make(map[string]int, v.m.Len()),
		}
		v.m.Range(func(k string, item Value) bool {
			m.Set(k, item.Clone())
			return true
		})
		return Value{kind: KindMap, m: m}
	default:
		return v
	}
}

// Validate reports values the codec cannot represent.
func (v Value) Validate() error {
	switch v.kind {
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return fmt.Errorf("%w: non-finite number %v", storeerrors.ErrSerialization, v.n)
		}
	case KindList:
		for i, item := range v.list {
			if err := item.Validate(); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
	case KindString:
		if !utf8.ValidString(v.s) {
			return fmt.Errorf("%w: string is not valid UTF-8", storeerrors.ErrSerialization)
		}
	case KindMap:
		var err error
		v.m.Range(func(k string, item Value) bool {
			if !utf8.ValidString(k) {
				err = fmt.Errorf("%w: key %q is not valid UTF-8", storeerrors.ErrSerialization, k)
				return false
			}
			if e := item.Validate(); e != nil {
				err = fmt.Errorf("key %q: %w", k, e)
				return false
			}
			return true
		})
		return err
	case KindNull, KindBool:
	default:
		return fmt.Errorf("%w: unknown kind %d", storeerrors.ErrSerialization, v.kind)
	}
	return nil
}

// Equal reports deep equality. Map comparison ignores member order.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if v.m.Len() != o.m.Len() {
			return false
		}
		equal := true
		v.m.Range(func(k string, item Value) bool {
			other, ok := o.m.Get(k)
			if !ok || !item.Equal(other) {
				equal = false
			}
			return equal
		})
		return equal
	}
	return false
}

// ToAny converts v to plain Go values: nil, bool, float64, string, []any and
// map[string]any.
func (v Value) ToAny() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, v.m.Len())
		v.m.Range(func(k string, item Value) bool {
			out[k] = item.ToAny()
			return true
		})
		return out
	default:
		return nil
	}
}

// From converts plain Go values into a Value. Go maps are converted with
// their keys sorted so the result is deterministic.
func From(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case *Map:
		return Object(t), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case []Value:
		return List(t...), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := From(item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			items[i] = v
		}
		return List(items...), nil
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = String(s)
		}
		return List(items...), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := NewMap()
		for _, k := range keys {
			v, err := From(t[k])
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			m.Set(k, v)
		}
		return Object(m), nil
	case map[string]string:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := NewMap()
		for _, k := range keys {
			m.Set(k, String(t[k]))
		}
		return Object(m), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported type %s", storeerrors.ErrSerialization, reflect.TypeOf(x))
	}
}

// MustFrom is like From but panics on unsupported input. Intended for literals.
func MustFrom(x any) Value {
	v, err := From(x)
	if err != nil {
		panic(err)
	}
	return v
}

// Map is a string-keyed map that remembers insertion order.
type Map struct {
	keys  []string
	vals  []Value
	index map[string]int
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{index: make(map[string]int)}
}

// Set inserts or replaces k. A replaced key keeps its original position.
func (m *Map) Set(k string, v Value) *Map {
	if i, ok := m.index[k]; ok {
		m.vals[i] = v
		return m
	}
	m.index[k] = len(m.keys)
	m.keys = append(m.keys, k)
	m.vals = append(m.vals, v)
	return m
}

// Get returns the value stored under k.
func (m *Map) Get(k string) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	i, ok := m.index[k]
	if !ok {
		return Value{}, false
	}
	return m.vals[i], true
}

// Delete removes k if present.
func (m *Map) Delete(k string) {
	i, ok := m.index[k]
	if !ok {
		return
	}
	m.keys = append(m.keys[:i], m.keys[i+1:]...)
	m.vals = append(m.vals[:i], m.vals[i+1:]...)
	delete(m.index, k)
	for j := i; j < len(m.keys); j++ {
		m.index[m.keys[j]] = j
	}
}

// Len returns the number of members.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Range calls fn for each member in insertion order until fn returns false.
func (m *Map) Range(fn func(k string, v Value) bool) {
	if m == nil {
		return
	}
	for i, k := range m.keys {
		if !fn(k, m.vals[i]) {
			return
		}
	}
}
