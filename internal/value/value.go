// Package value implements the JSON value type carried by presence,
// storage records and broadcast events. Values are validated when they
// cross a boundary (wire frames, YAML seeds, caller input) so the rest of
// the code can rely on a closed set of kinds.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	apperrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/tidwall/gjson"
)

// Kind discriminates the variants of Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
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
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}

	return "unknown"
}

// Value is a JSON value. The zero Value is null. Values are treated as
// immutable: constructors copy their inputs and accessors return copies
// of composite contents.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Array(items ...Value) Value {
	arr := make([]Value, len(items))
	copy(arr, items)

	return Value{kind: KindArray, arr: arr}
}

// Object builds an object value from m. A nil map yields an empty object.
func Object(m map[string]Value) Value {
	obj := make(map[string]Value, len(m))
	for k, v := range m {
		obj[k] = v
	}

	return Value{kind: KindObject, obj: obj}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) IsObject() bool { return v.kind == KindObject }
func (v Value) Bool() bool { return v.b }
func (v Value) Number() float64 { return v.n }
func (v Value) Str() string { return v.s }
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	case KindString:
		return len(v.s)
	}

	return 0
}

// Items returns a copy of the array elements, or nil for non-arrays.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}

	out := make([]Value, len(v.arr))
	copy(out, v.arr)

	return out
}

// Fields returns a copy of the object entries, or nil for non-objects.
func (v Value) Fields() map[string]Value {
	if v.kind != KindObject {
		return nil
	}

	out := make(map[string]Value, len(v.obj))
	for k, f := range v.obj {
		out[k] = f
	}

	return out
}

// Get returns the object field named key.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}

	f, ok := v.obj[key]

	return f, ok
}

// Keys returns the object keys in sorted order.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}

	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// With returns a copy of an object value with key set to f. A null
// receiver is treated as an empty object.
func (v Value) With(key string, f Value) Value {
	out := v.Fields()
	if out == nil {
		out = make(map[string]Value, 1)
	}

	out[key] = f

	return Value{kind: KindObject, obj: out}
}

// Without returns a copy of an object value with key removed.
func (v Value) Without(key string) Value {
	out := v.Fields()
	if out == nil {
		return Object(nil)
	}

	delete(out, key)

	return Value{kind: KindObject, obj: out}
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		arr := make([]Value, len(v.arr))
		for i, item := range v.arr {
			arr[i] = item.Clone()
		}

		return Value{kind: KindArray, arr: arr}
	case KindObject:
		obj := make(map[string]Value, len(v.obj))
		for k, f := range v.obj {
			obj[k] = f.Clone()
		}

		return Value{kind: KindObject, obj: obj}
	}

	return v
}

// Equal reports deep equality.
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
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}

		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}

		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}

		for k, f := range v.obj {
			g, ok := o.obj[k]
			if !ok || !f.Equal(g) {
				return false
			}
		}

		return true
	}

	return false
}

// Interface converts v to plain Go values: nil, bool, float64, string,
// []any and map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}

		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, f := range v.obj {
			out[k] = f.Interface()
		}

		return out
	}

	return nil
}

// String renders v as compact JSON.
func (v Value) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid: %v>", err)
	}

	return string(data)
}

// MarshalJSON encodes v. Object keys are emitted in sorted order so equal
// values always encode to equal bytes.
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
			return fmt.Errorf("unsupported number %v", v.n)
		}

		data, err := json.Marshal(v.n)
		if err != nil {
			return err
		}

		buf.Write(data)
	case KindString:
		data, err := json.Marshal(v.s)
		if err != nil {
			return err
		}

		buf.Write(data)
	case KindArray:
		buf.WriteByte('[')

		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}

			if err := item.encode(buf); err != nil {
				return err
			}
		}

		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')

		for i, k := range v.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}

			key, err := json.Marshal(k)
			if err != nil {
				return err
			}

			buf.Write(key)
			buf.WriteByte(':')

			if err := v.obj[k].encode(buf); err != nil {
				return err
			}
		}

		buf.WriteByte('}')
	}

	return nil
}

// UnmarshalJSON decodes any JSON document into v.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}

	*v = parsed

	return nil
}

// Parse validates data as JSON and converts it to a Value.
func Parse(data []byte) (Value, error) {
	if !gjson.ValidBytes(data) {
		return Value{}, fmt.Errorf("%w: invalid JSON", apperrors.ErrInvalidOperation)
	}

	return fromResult(gjson.ParseBytes(data)), nil
}

func fromResult(r gjson.Result) Value {
	switch r.Type {
	case gjson.True:
		return Bool(true)
	case gjson.False:
		return Bool(false)
	case gjson.Number:
		return Number(r.Num)
	case gjson.String:
		return String(r.Str)
	case gjson.JSON:
		if r.IsArray() {
			items := make([]Value, 0)

			r.ForEach(func(_, item gjson.Result) bool {
				items = append(items, fromResult(item))
				return true
			})

			return Value{kind: KindArray, arr: items}
		}

		obj := make(map[string]Value)

		r.ForEach(func(k, f gjson.Result) bool {
			obj[k.Str] = fromResult(f)
			return true
		})

		return Value{kind: KindObject, obj: obj}
	}

	return Null()
}

// FromAny converts decoded Go data (encoding/json or yaml.v3 output, or
// hand-built maps and slices) into a Value. Unsupported types, including
// maps with non-string keys, fail with ErrInvalidOperation.
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
	case float64:
		return checkedNumber(t)
	case float32:
		return checkedNumber(float64(t))
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %q", apperrors.ErrInvalidOperation, t.String())
		}

		return checkedNumber(f)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}

			items[i] = v
		}

		return Value{kind: KindArray, arr: items}, nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", k, err)
			}

			obj[k] = v
		}

		return Value{kind: KindObject, obj: obj}, nil
	case map[string]Value:
		return Object(t), nil
	}

	return Value{}, fmt.Errorf("%w: unsupported type %s", apperrors.ErrInvalidOperation, reflect.TypeOf(x))
}

// MustFromAny is FromAny for literals in tests and seeds; it panics on
// unsupported input.
func MustFromAny(x any) Value {
	v, err := FromAny(x)
	if err != nil {
		panic(err)
	}

	return v
}

func checkedNumber(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("%w: number %v is not representable in JSON", apperrors.ErrInvalidOperation, f)
	}

	return Number(f), nil
}
