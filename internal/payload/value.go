package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Map is a string-keyed mapping of Values. Key order is irrelevant; JSON
// output is sorted by key.
type Map map[string]Value

// Value is a JSON-compatible tagged value: null, string, number, bool, map or
// list. The zero Value is null. Numbers keep their literal text so they
// serialize exactly as they were decoded.
type Value struct {
	kind Kind
	text string
	b    bool
	m    Map
	l    []Value
}

func Null() Value { return Value{} }

func String(s string) Value { return Value{kind: KindString, text: s} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Int(n int64) Value { return Value{kind: KindNumber, text: strconv.FormatInt(n, 10)} }

// Float returns a number Value. NaN and infinities have no JSON form and
// become null.
func Float(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Null()
	}
	return Value{kind: KindNumber, text: strconv.FormatFloat(f, 'g', -1, 64)}
}

// Number returns a number Value from a JSON number literal. An invalid
// literal becomes null.
func Number(n json.Number) Value {
	s := string(n)
	if s == "" || (s[0] != '-' && (s[0] < '0' || s[0] > '9')) || !json.Valid([]byte(s)) {
		return Null()
	}
	return Value{kind: KindNumber, text: s}
}

func MapOf(m Map) Value { return Value{kind: KindMap, m: m} }

func ListOf(items ...Value) Value { return Value{kind: KindList, l: items} }

// FromAny converts a decoded JSON tree (or plain Go scalars) into a Value.
func FromAny(v any) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case Value:
		return x
	case string:
		return String(x)
	case bool:
		return Bool(x)
	case json.Number:
		return Number(x)
	case float64:
		return Float(x)
	case float32:
		return Float(float64(x))
	case int:
		return Int(int64(x))
	case int32:
		return Int(int64(x))
	case int64:
		return Int(x)
	case uint:
		return Number(json.Number(strconv.FormatUint(uint64(x), 10)))
	case uint32:
		return Int(int64(x))
	case uint64:
		return Number(json.Number(strconv.FormatUint(x, 10)))
	case Map:
		return MapOf(x)
	case map[string]any:
		out := make(Map, len(x))
		for k, item := range x {
			out[k] = FromAny(item)
		}
		return MapOf(out)
	case map[string]string:
		out := make(Map, len(x))
		for k, item := range x {
			out[k] = String(item)
		}
		return MapOf(out)
	case []Value:
		return ListOf(x...)
	case []any:
		out := make([]Value, 0, len(x))
		for _, item := range x {
			out = append(out, FromAny(item))
		}
		return ListOf(out...)
	case []string:
		out := make([]Value, 0, len(x))
		for _, item := range x {
			out = append(out, String(item))
		}
		return ListOf(out...)
	default:
		return String(fmt.Sprint(x))
	}
}

// MapFromAny converts a generic object into a Map. Nil input yields nil.
func MapFromAny(in map[string]any) Map {
	if in == nil {
		return nil
	}
	out := make(Map, len(in))
	for k, v := range in {
		out[k] = FromAny(v)
	}
	return out
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// IsBlank reports whether v is null or a string with no visible characters.
func (v Value) IsBlank() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return strings.TrimSpace(v.text) == ""
	default:
		return false
	}
}

func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.text, true
}

func (v Value) Num() (json.Number, bool) {
	if v.kind != KindNumber {
		return "", false
	}
	return json.Number(v.text), true
}

func (v Value) Boolean() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) Map() (Map, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

func (v Value) List() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.l, true
}

// Any converts v back into plain Go values (json.Number for numbers).
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.text
	case KindNumber:
		return json.Number(v.text)
	case KindBool:
		return v.b
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.Any()
		}
		return out
	case KindList:
		out := make([]any, 0, len(v.l))
		for _, item := range v.l {
			out = append(out, item.Any())
		}
		return out
	default:
		return nil
	}
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString, KindNumber:
		return v.text == o.text
	case KindBool:
		return v.b == o.b
	case KindMap:
		return v.m.Equal(o.m)
	case KindList:
		if len(v.l) != len(o.l) {
			return false
		}
		for i := range v.l {
			if !v.l[i].Equal(o.l[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	b, err := json.Marshal(v)
	if err != nil {
		return "<invalid>"
	}
	return string(b)
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.text)
	case KindNumber:
		return []byte(v.text), nil
	case KindBool:
		if v.b {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(map[string]Value(v.m))
	case KindList:
		if v.l == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.l)
	default:
		return nil, fmt.Errorf("payload: unknown value kind %d", v.kind)
	}
}

func (v *Value) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// Clone returns a shallow copy of m. Nested maps and lists are shared.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns a copy of m with every entry of other applied on top.
func (m Map) Merge(other Map) Map {
	if m == nil && other == nil {
		return nil
	}
	out := make(Map, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

func (m Map) Equal(o Map) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// cleaned drops null and blank string entries. An empty result is nil.
func (m Map) cleaned() Map {
	if len(m) == 0 {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		if v.IsBlank() {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
