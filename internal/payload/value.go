// internal/payload/value.go
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMapping
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
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Value is an immutable, recursively defined payload node.
// The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	seq  []Value
	m    map[string]Value
}

func Null() Value            { return Value{} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value  { return Value{kind: KindString, s: s} }
func Sequence(items ...Value) Value {
	return Value{kind: KindSequence, seq: items}
}

// Mapping wraps fields as a mapping value. The map is not copied.
func Mapping(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindMapping, m: fields}
}

func (v Value) Kind() Kind        { return v.kind }
func (v Value) IsNull() bool      { return v.kind == KindNull }
func (v Value) AsBool() bool      { return v.b }
func (v Value) AsNumber() float64 { return v.n }
func (v Value) AsString() string  { return v.s }

// Items returns the elements of a sequence, or nil for any other kind.
func (v Value) Items() []Value {
	if v.kind != KindSequence {
		return nil
	}
	return v.seq
}

// Fields returns the entries of a mapping, or nil for any other kind.
func (v Value) Fields() map[string]Value {
	if v.kind != KindMapping {
		return nil
	}
	return v.m
}

// Field returns the direct child of a mapping.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindMapping {
		return Value{}, false
	}
	child, ok := v.m[key]
	return child, ok
}

// Len reports the number of children of a sequence or mapping, or the
// byte length of a string.
func (v Value) Len() int {
	switch v.kind {
	case KindSequence:
		return len(v.seq)
	case KindMapping:
		return len(v.m)
	case KindString:
		return len(v.s)
	}
	return 0
}

// Truthy follows the usual scripting notion of emptiness.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0
	case KindString, KindSequence, KindMapping:
		return v.Len() > 0
	}
	return false
}

// Text renders a scalar as text. Containers render as compact JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return formatNumber(v.n)
	case KindString:
		return v.s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func formatNumber(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

// Equal reports deep equality. Numbers compare by value.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.n == b.n
	case KindString:
		return a.s == b.s
	case KindSequence:
		if len(a.seq) != len(b.seq) {
			return false
		}
		for i := range a.seq {
			if !Equal(a.seq[i], b.seq[i]) {
				return false
			}
		}
		return true
	case KindMapping:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// FromAny converts decoded JSON or YAML data into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case []byte:
		return String(string(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("converting number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int8:
		return Number(float64(t)), nil
	case int16:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
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
	case time.Time:
		return String(t.UTC().Format(time.RFC3339Nano)), nil
	case time.Duration:
		return Number(t.Seconds()), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			items[i] = v
		}
		return Sequence(items...), nil
	case []string:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = String(item)
		}
		return Sequence(items...), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			fields[k] = v
		}
		return Mapping(fields), nil
	case map[string]string:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fields[k] = String(item)
		}
		return Mapping(fields), nil
	case map[any]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("key %v: %w", k, err)
			}
			fields[fmt.Sprint(k)] = v
		}
		return Mapping(fields), nil
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v, err := FromAny(rv.Index(i).Interface())
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			items[i] = v
		}
		return Sequence(items...), nil
	case reflect.Map:
		fields := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			v, err := FromAny(iter.Value().Interface())
			if err != nil {
				return Value{}, err
			}
			fields[fmt.Sprint(iter.Key().Interface())] = v
		}
		return Mapping(fields), nil
	case reflect.Pointer:
		if rv.IsNil() {
			return Null(), nil
		}
		return FromAny(rv.Elem().Interface())
	}
	return Value{}, fmt.Errorf("unsupported payload type %T", x)
}

// MustFromAny is FromAny for literals known to be convertible.
func MustFromAny(x any) Value {
	v, err := FromAny(x)
	if err != nil {
		panic(err)
	}
	return v
}

// ToAny converts a Value back into plain Go data.
func (v Value) ToAny() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindSequence:
		out := make([]any, len(v.seq))
		for i, item := range v.seq {
			out[i] = item.ToAny()
		}
		return out
	case KindMapping:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.ToAny()
		}
		return out
	}
	return nil
}

// MarshalJSON encodes mapping keys in sorted order so equal values
// always produce equal bytes.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return fmt.Errorf("cannot encode number %v", v.n)
		}
		buf.WriteString(formatNumber(v.n))
	case KindString:
		data, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindSequence:
		buf.WriteByte('[')
		for i, item := range v.seq {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMapping:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			data, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(data)
			buf.WriteByte(':')
			if err := v.m[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// UnmarshalJSON decodes any JSON document into a Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Parse decodes a JSON document.
func Parse(data []byte) (Value, error) {
	var v Value
	if len(bytes.TrimSpace(data)) == 0 {
		return Null(), nil
	}
	if err := v.UnmarshalJSON(data); err != nil {
		return Value{}, fmt.Errorf("parsing payload: %w", err)
	}
	return v, nil
}

// With returns a copy of mapping v with key set to child. A non-mapping
// receiver is treated as an empty mapping.
func (v Value) With(key string, child Value) Value {
	fields := make(map[string]Value, len(v.m)+1)
	if v.kind == KindMapping {
		for k, item := range v.m {
			fields[k] = item
		}
	}
	fields[key] = child
	return Mapping(fields)
}
