package meta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the metadata variant types.
// Only String, Int, Bool, Array, and Object implement it.
// There is deliberately no float variant: canonical bytes feed the
// integrity tag and float formatting is not deterministic across
// serializers.
type Value interface {
	metaValue() // sealed
}

// String is a string metadata value.
type String string

func (String) metaValue() {}

// Int is an integer metadata value. Always int64.
type Int int64

func (Int) metaValue() {}

// Bool is a boolean metadata value.
type Bool bool

func (Bool) metaValue() {}

// Array is an ordered list of metadata values.
type Array []Value

func (Array) metaValue() {}

// Object is a mapping of string keys to metadata values.
// Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) metaValue() {}

// Strings builds an Array from plain strings. Convenience for the common
// tags-list case.
func Strings(ss ...string) Array {
	arr := make(Array, len(ss))
	for i, s := range ss {
		arr[i] = String(s)
	}
	return arr
}

// Clone returns a deep copy. Mutating the copy, including nested arrays
// and objects, leaves the original untouched. Clone of nil is nil.
func (obj Object) Clone() Object {
	if obj == nil {
		return nil
	}
	out := make(Object, len(obj))
	for k, v := range obj {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	case Object:
		return val.Clone()
	default:
		// String, Int, Bool are value types.
		return v
	}
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings compares UTF-8 bytes, which produces a different order
// for strings outside the BMP.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings by UTF-16 code units as required by
// RFC 8785. utf16.Encode handles surrogate pairs correctly.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	if len(a16) < len(b16) {
		return -1
	}
	if len(a16) > len(b16) {
		return 1
	}
	return 0
}

// MarshalJSON implements json.Marshaler for Object with RFC 8785 key
// ordering. This is the display serialization; it may HTML-escape.
// Use MarshalCanonical for tag computation.
func (obj Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalValue marshals a Value to ordinary JSON bytes.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case String:
		return json.Marshal(string(val))
	case Int:
		return json.Marshal(int64(val))
	case Bool:
		return json.Marshal(bool(val))
	case Array:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			elemBytes, err := MarshalValue(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			buf.Write(elemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case Object:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown meta.Value type: %T", v)
	}
}

// UnmarshalJSON implements json.Unmarshaler for Object.
// Rejects floats and nulls.
func (obj *Object) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*obj = make(Object, len(raw))
	for k, v := range raw {
		val, err := UnmarshalValue(v)
		if err != nil {
			return fmt.Errorf("metadata key %q: %w", k, err)
		}
		(*obj)[k] = val
	}
	return nil
}

// UnmarshalValue decodes JSON into a Value with strict validation:
// only string, integer, bool, array, and object are accepted.
func UnmarshalValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return toValue(raw)
}

// toValue recursively converts a decoded JSON value to a Value,
// rejecting nulls and floats.
func toValue(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is not a valid metadata value")
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are not valid metadata values: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			mv, err := toValue(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = mv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			mv, err := toValue(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = mv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported metadata type: %T", v)
	}
}

// StringAt returns the string value at key, or "" if absent or not a string.
func (obj Object) StringAt(key string) string {
	if s, ok := obj[key].(String); ok {
		return string(s)
	}
	return ""
}

// HasTag reports whether the conventional "tags" array contains tag.
func (obj Object) HasTag(tag string) bool {
	arr, ok := obj["tags"].(Array)
	if !ok {
		return false
	}
	for _, v := range arr {
		if s, ok := v.(String); ok && string(s) == tag {
			return true
		}
	}
	return false
}
