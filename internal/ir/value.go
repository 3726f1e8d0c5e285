package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the document value types.
// Only String, Int, Bool, Counter, List and Map implement it.
// There is deliberately no float and no null: both break determinism.
type Value interface {
	value()
}

// String is a UTF-8 string register value.
type String string

func (String) value() {}

// Int is a 64-bit integer register value.
type Int int64

func (Int) value() {}

// Bool is a boolean register value.
type Bool bool

func (Bool) value() {}

// Counter is a mergeable counter. Concurrent increments add up instead of
// overwriting each other. In exported trees it is written as {"$counter": n}.
type Counter int64

func (Counter) value() {}

// List is an ordered sequence of values.
type List []Value

func (List) value() {}

// Map is a string-keyed collection of values.
// Use SortedKeys for deterministic iteration.
type Map map[string]Value

func (Map) value() {}

// CounterKey is the reserved key marking an exported counter.
const CounterKey = "$counter"

// ReservedKey reports whether a map key is reserved for internal encodings.
// Application maps may not use keys starting with '$'.
func ReservedKey(key string) bool {
	return strings.HasPrefix(key, "$")
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's sort.Strings compares UTF-8 bytes and orders some keys differently.
func (m Map) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, CompareKeys)
	return keys
}

// CompareKeys orders two strings by UTF-16 code units.
func CompareKeys(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// Equal reports deep equality of two values.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case String, Int, Bool, Counter:
		return a == b
	case List:
		bv, ok := b.(List)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Map:
		bv, ok := b.(Map)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	}
	return false
}

// Clone returns a deep copy of v.
func Clone(v Value) Value {
	switch val := v.(type) {
	case List:
		out := make(List, len(val))
		for i, e := range val {
			out[i] = Clone(e)
		}
		return out
	case Map:
		return val.Clone()
	default:
		return v
	}
}

// Clone returns a deep copy of the map.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = Clone(v)
	}
	return out
}

// Plain replaces counters with their integer value, recursively.
// Application code sees counters as plain integers.
func Plain(v Value) Value {
	switch val := v.(type) {
	case Counter:
		return Int(val)
	case List:
		out := make(List, len(val))
		for i, e := range val {
			out[i] = Plain(e)
		}
		return out
	case Map:
		out := make(Map, len(val))
		for k, e := range val {
			out[k] = Plain(e)
		}
		return out
	default:
		return v
	}
}

// FromGo converts decoded YAML/JSON natives into a Value.
// Integral float64 values are accepted (JSON decoders produce them); any
// fractional number, null, or unsupported type is an error.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is not a document value")
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		return Int(int64(val)), nil
	case float64:
		if val != float64(int64(val)) {
			return nil, fmt.Errorf("floats are not document values: %v", val)
		}
		return Int(int64(val)), nil
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("floats are not document values: %s", val)
		}
		return Int(n), nil
	case []any:
		out := make(List, len(val))
		for i, e := range val {
			ev, err := FromGo(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	case map[string]any:
		if n, ok := counterShape(val); ok {
			return n, nil
		}
		out := make(Map, len(val))
		for k, e := range val {
			ev, err := FromGo(e)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[k] = ev
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// counterShape recognises the exported {"$counter": n} form.
func counterShape(m map[string]any) (Counter, bool) {
	if len(m) != 1 {
		return 0, false
	}
	raw, ok := m[CounterKey]
	if !ok {
		return 0, false
	}
	switch n := raw.(type) {
	case json.Number:
		i, err := n.Int64()
		return Counter(i), err == nil
	case int:
		return Counter(n), true
	case int64:
		return Counter(n), true
	case float64:
		return Counter(int64(n)), n == float64(int64(n))
	}
	return 0, false
}

// ParseValue decodes JSON into a Value, rejecting floats and null.
func ParseValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromGo(raw)
}

// MarshalJSON writes the map in canonical form.
func (m Map) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(m)
}

// UnmarshalJSON decodes a map, rejecting floats and null.
func (m *Map) UnmarshalJSON(data []byte) error {
	v, err := ParseValue(data)
	if err != nil {
		return err
	}
	mv, ok := v.(Map)
	if !ok {
		return fmt.Errorf("expected object, got %T", v)
	}
	*m = mv
	return nil
}

// MarshalJSON writes the list in canonical form.
func (l List) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(l)
}

// UnmarshalJSON decodes a list, rejecting floats and null.
func (l *List) UnmarshalJSON(data []byte) error {
	v, err := ParseValue(data)
	if err != nil {
		return err
	}
	lv, ok := v.(List)
	if !ok {
		return fmt.Errorf("expected array, got %T", v)
	}
	*l = lv
	return nil
}

// MarshalJSON writes the counter in its exported object form.
func (c Counter) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(c)
}
