// Package value implements the tagged union described in spec.md §3:
// empty, raw bytes, bool, the four numeric scalar types, and arrays of
// the four numeric types. Values are immutable once constructed.
package value

import (
	"fmt"

	"github.com/tomtzook/obsr-go/internal/obsrerr"
)

// Type is the tag of a Value.
type Type uint8

const (
	TypeEmpty Type = iota
	TypeRaw
	TypeBoolean
	TypeInt32
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeInt32Array
	TypeInt64Array
	TypeFloat32Array
	TypeFloat64Array
)

func (t Type) String() string {
	switch t {
	case TypeEmpty:
		return "empty"
	case TypeRaw:
		return "raw"
	case TypeBoolean:
		return "boolean"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeInt32Array:
		return "int32_array"
	case TypeInt64Array:
		return "int64_array"
	case TypeFloat32Array:
		return "float32_array"
	case TypeFloat64Array:
		return "float64_array"
	default:
		return "unknown"
	}
}

// MaxElements is the maximum element/byte count of a raw or array value
// (spec.md §3: "must fit in 8 bits (<= 254 elements/bytes)").
const MaxElements = 254

// Value is an immutable tagged union. The zero Value is the empty value.
// Once constructed, a Value's fields are never mutated; "changing" a
// value means replacing the Value in the holding slot.
type Value struct {
	typ Type

	raw      []byte
	boolean  bool
	i32      int32
	i64      int64
	f32      float32
	f64      float64
	i32Array []int32
	i64Array []int64
	f32Array []float32
	f64Array []float64
}

// Empty returns the empty value.
func Empty() Value { return Value{typ: TypeEmpty} }

// Type returns the value's tag.
func (v Value) Type() Type { return v.typ }

// IsEmpty reports whether this is the empty value.
func (v Value) IsEmpty() bool { return v.typ == TypeEmpty }

func tooLarge(op string, n int) error {
	return obsrerr.New(obsrerr.KindDataTooLarge, op, fmt.Errorf("length %d exceeds max %d", n, MaxElements))
}

// NewRaw builds a raw byte-blob value. Fails with DataTooLarge if len(b) > 254.
func NewRaw(b []byte) (Value, error) {
	if len(b) > MaxElements {
		return Value{}, tooLarge("value.NewRaw", len(b))
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{typ: TypeRaw, raw: cp}, nil
}

// NewBoolean builds a boolean value.
func NewBoolean(b bool) Value { return Value{typ: TypeBoolean, boolean: b} }

// NewInt32 builds an int32 scalar value.
func NewInt32(i int32) Value { return Value{typ: TypeInt32, i32: i} }

// NewInt64 builds an int64 scalar value.
func NewInt64(i int64) Value { return Value{typ: TypeInt64, i64: i} }

// NewFloat32 builds a float32 scalar value.
func NewFloat32(f float32) Value { return Value{typ: TypeFloat32, f32: f} }

// NewFloat64 builds a float64 scalar value.
func NewFloat64(f float64) Value { return Value{typ: TypeFloat64, f64: f} }

// NewInt32Array builds an int32 array value. Fails with DataTooLarge if
// len(a) > 254.
func NewInt32Array(a []int32) (Value, error) {
	if len(a) > MaxElements {
		return Value{}, tooLarge("value.NewInt32Array", len(a))
	}
	cp := make([]int32, len(a))
	copy(cp, a)
	return Value{typ: TypeInt32Array, i32Array: cp}, nil
}

// NewInt64Array builds an int64 array value. Fails with DataTooLarge if
// len(a) > 254.
func NewInt64Array(a []int64) (Value, error) {
	if len(a) > MaxElements {
		return Value{}, tooLarge("value.NewInt64Array", len(a))
	}
	cp := make([]int64, len(a))
	copy(cp, a)
	return Value{typ: TypeInt64Array, i64Array: cp}, nil
}

// NewFloat32Array builds a float32 array value. Fails with DataTooLarge if
// len(a) > 254.
func NewFloat32Array(a []float32) (Value, error) {
	if len(a) > MaxElements {
		return Value{}, tooLarge("value.NewFloat32Array", len(a))
	}
	cp := make([]float32, len(a))
	copy(cp, a)
	return Value{typ: TypeFloat32Array, f32Array: cp}, nil
}

// NewFloat64Array builds a float64 array value. Fails with DataTooLarge if
// len(a) > 254.
func NewFloat64Array(a []float64) (Value, error) {
	if len(a) > MaxElements {
		return Value{}, tooLarge("value.NewFloat64Array", len(a))
	}
	cp := make([]float64, len(a))
	copy(cp, a)
	return Value{typ: TypeFloat64Array, f64Array: cp}, nil
}

// Raw returns the raw byte value and whether the tag matched.
func (v Value) Raw() ([]byte, bool) {
	if v.typ != TypeRaw {
		return nil, false
	}
	cp := make([]byte, len(v.raw))
	copy(cp, v.raw)
	return cp, true
}

// Boolean returns the boolean value and whether the tag matched.
func (v Value) Boolean() (bool, bool) { return v.boolean, v.typ == TypeBoolean }

// Int32 returns the int32 value and whether the tag matched.
func (v Value) Int32() (int32, bool) { return v.i32, v.typ == TypeInt32 }

// Int64 returns the int64 value and whether the tag matched.
func (v Value) Int64() (int64, bool) { return v.i64, v.typ == TypeInt64 }

// Float32 returns the float32 value and whether the tag matched.
func (v Value) Float32() (float32, bool) { return v.f32, v.typ == TypeFloat32 }

// Float64 returns the float64 value and whether the tag matched.
func (v Value) Float64() (float64, bool) { return v.f64, v.typ == TypeFloat64 }

// Int32Array returns the int32 array value and whether the tag matched.
func (v Value) Int32Array() ([]int32, bool) {
	if v.typ != TypeInt32Array {
		return nil, false
	}
	cp := make([]int32, len(v.i32Array))
	copy(cp, v.i32Array)
	return cp, true
}

// Int64Array returns the int64 array value and whether the tag matched.
func (v Value) Int64Array() ([]int64, bool) {
	if v.typ != TypeInt64Array {
		return nil, false
	}
	cp := make([]int64, len(v.i64Array))
	copy(cp, v.i64Array)
	return cp, true
}

// Float32Array returns the float32 array value and whether the tag matched.
func (v Value) Float32Array() ([]float32, bool) {
	if v.typ != TypeFloat32Array {
		return nil, false
	}
	cp := make([]float32, len(v.f32Array))
	copy(cp, v.f32Array)
	return cp, true
}

// Float64Array returns the float64 array value and whether the tag matched.
func (v Value) Float64Array() ([]float64, bool) {
	if v.typ != TypeFloat64Array {
		return nil, false
	}
	cp := make([]float64, len(v.f64Array))
	copy(cp, v.f64Array)
	return cp, true
}

// Equal reports whether two values have the same tag and content.
func Equal(a, b Value) bool {
	if a.typ != b.typ {
		return false
	}
	switch a.typ {
	case TypeEmpty:
		return true
	case TypeRaw:
		return bytesEqual(a.raw, b.raw)
	case TypeBoolean:
		return a.boolean == b.boolean
	case TypeInt32:
		return a.i32 == b.i32
	case TypeInt64:
		return a.i64 == b.i64
	case TypeFloat32:
		return a.f32 == b.f32
	case TypeFloat64:
		return a.f64 == b.f64
	case TypeInt32Array:
		return int32sEqual(a.i32Array, b.i32Array)
	case TypeInt64Array:
		return int64sEqual(a.i64Array, b.i64Array)
	case TypeFloat32Array:
		return float32sEqual(a.f32Array, b.f32Array)
	case TypeFloat64Array:
		return float64sEqual(a.f64Array, b.f64Array)
	default:
		return false
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func int32sEqual(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func int64sEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func float32sEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func float64sEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
