package mmdb

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the scalar kind of a field.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindString
	KindBytes
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	KindBool:    "bool",
	KindInt8:    "int8",
	KindInt16:   "int16",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindUint8:   "uint8",
	KindUint16:  "uint16",
	KindUint32:  "uint32",
	KindUint64:  "uint64",
	KindFloat32: "float32",
	KindFloat64: "float64",
	KindString:  "string",
	KindBytes:   "bytes",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

func (k Kind) Valid() bool {
	return k > KindInvalid && k <= KindBytes
}

type class uint8

const (
	classNone class = iota
	classBool
	classInt
	classUint
	classFloat
	classString
)

func (k Kind) class() class {
	switch k {
	case KindBool:
		return classBool
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return classInt
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return classUint
	case KindFloat32, KindFloat64:
		return classFloat
	case KindString, KindBytes:
		return classString
	default:
		return classNone
	}
}

func (k Kind) IsNumeric() bool {
	c := k.class()
	return c == classInt || c == classUint || c == classFloat
}

func (k Kind) IsInteger() bool {
	c := k.class()
	return c == classInt || c == classUint
}

func (k Kind) intRange() (lo int64, hi uint64) {
	switch k {
	case KindInt8:
		return math.MinInt8, math.MaxInt8
	case KindInt16:
		return math.MinInt16, math.MaxInt16
	case KindInt32:
		return math.MinInt32, math.MaxInt32
	case KindInt64:
		return math.MinInt64, math.MaxInt64
	case KindUint8:
		return 0, math.MaxUint8
	case KindUint16:
		return 0, math.MaxUint16
	case KindUint32:
		return 0, math.MaxUint32
	case KindUint64:
		return 0, math.MaxUint64
	default:
		panic(fmt.Errorf("intRange of %v", k))
	}
}

// Value is a scalar field value tagged with its kind. The zero Value is
// invalid.
type Value struct {
	kind Kind
	n    uint64 // bool, integer bits or float64 bits
	s    string // string and bytes
}

func BoolValue(v bool) Value {
	if v {
		return Value{kind: KindBool, n: 1}
	}
	return Value{kind: KindBool}
}

func IntValue(v int64) Value {
	return Value{kind: KindInt64, n: uint64(v)}
}

func UintValue(v uint64) Value {
	return Value{kind: KindUint64, n: v}
}

func FloatValue(v float64) Value {
	return Value{kind: KindFloat64, n: math.Float64bits(v)}
}

func StringValue(v string) Value {
	return Value{kind: KindString, s: v}
}

func BytesValue(v []byte) Value {
	return Value{kind: KindBytes, s: string(v)}
}

// ValueOf converts a Go scalar into a Value of the matching kind.
func ValueOf(v any) (Value, error) {
	switch v := v.(type) {
	case Value:
		return v, nil
	case bool:
		return BoolValue(v), nil
	case int:
		return IntValue(int64(v)), nil
	case int8:
		return Value{kind: KindInt8, n: uint64(int64(v))}, nil
	case int16:
		return Value{kind: KindInt16, n: uint64(int64(v))}, nil
	case int32:
		return Value{kind: KindInt32, n: uint64(int64(v))}, nil
	case int64:
		return IntValue(v), nil
	case uint:
		return UintValue(uint64(v)), nil
	case uint8:
		return Value{kind: KindUint8, n: uint64(v)}, nil
	case uint16:
		return Value{kind: KindUint16, n: uint64(v)}, nil
	case uint32:
		return Value{kind: KindUint32, n: uint64(v)}, nil
	case uint64:
		return UintValue(v), nil
	case float32:
		return Value{kind: KindFloat32, n: math.Float64bits(float64(v))}, nil
	case float64:
		return FloatValue(v), nil
	case string:
		return StringValue(v), nil
	case []byte:
		return BytesValue(v), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported Go type %T", ErrTypeMismatch, v)
	}
}

// MustValueOf is like ValueOf but panics on unsupported types.
func MustValueOf(v any) Value {
	return must(ValueOf(v))
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) Bool() bool {
	return v.n != 0
}

// Int returns the value as int64; unsigned values are reinterpreted and
// floats are truncated.
func (v Value) Int() int64 {
	switch v.kind.class() {
	case classFloat:
		return int64(v.Float())
	default:
		return int64(v.n)
	}
}

func (v Value) Uint() uint64 {
	switch v.kind.class() {
	case classFloat:
		return uint64(v.Float())
	default:
		return v.n
	}
}

func (v Value) Float() float64 {
	switch v.kind.class() {
	case classInt:
		return float64(int64(v.n))
	case classUint, classBool:
		return float64(v.n)
	case classFloat:
		return math.Float64frombits(v.n)
	default:
		return 0
	}
}

func (v Value) Str() string {
	return v.s
}

func (v Value) Bytes() []byte {
	return []byte(v.s)
}

// Interface returns the value as the Go type matching its kind.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.Bool()
	case KindInt8:
		return int8(v.n)
	case KindInt16:
		return int16(v.n)
	case KindInt32:
		return int32(v.n)
	case KindInt64:
		return int64(v.n)
	case KindUint8:
		return uint8(v.n)
	case KindUint16:
		return uint16(v.n)
	case KindUint32:
		return uint32(v.n)
	case KindUint64:
		return v.n
	case KindFloat32:
		return float32(v.Float())
	case KindFloat64:
		return v.Float()
	case KindString:
		return v.s
	case KindBytes:
		return []byte(v.s)
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind.class() {
	case classBool:
		return strconv.FormatBool(v.Bool())
	case classInt:
		return strconv.FormatInt(int64(v.n), 10)
	case classUint:
		return strconv.FormatUint(v.n, 10)
	case classFloat:
		bits := 64
		if v.kind == KindFloat32 {
			bits = 32
		}
		return strconv.FormatFloat(v.Float(), 'g', -1, bits)
	case classString:
		if v.kind == KindBytes {
			return fmt.Sprintf("0x%x", v.s)
		}
		return strconv.Quote(v.s)
	default:
		return "<invalid>"
	}
}

func (v Value) Equal(o Value) bool {
	return Compare(v, o) == 0
}

// same reports whether v and o are identical, kind included.
func (v Value) same(o Value) bool {
	return v.kind == o.kind && v.n == o.n && v.s == o.s
}

// Compare orders values. Numbers of different kinds compare numerically;
// strings and bytes compare lexicographically. Values of unrelated classes
// are ordered by class.
func Compare(a, b Value) int {
	ac, bc := a.kind.class(), b.kind.class()
	switch {
	case ac == classInt && bc == classInt:
		return cmp.Compare(int64(a.n), int64(b.n))
	case ac == classUint && bc == classUint:
		return cmp.Compare(a.n, b.n)
	case ac == classInt && bc == classUint:
		if int64(a.n) < 0 {
			return -1
		}
		return cmp.Compare(a.n, b.n)
	case ac == classUint && bc == classInt:
		if int64(b.n) < 0 {
			return 1
		}
		return cmp.Compare(a.n, b.n)
	case ac == classFloat || bc == classFloat:
		if isNumClass(ac) && isNumClass(bc) {
			return compareFloat(a, b)
		}
	case ac == classString && bc == classString:
		return strings.Compare(a.s, b.s)
	case ac == classBool && bc == classBool:
		return cmp.Compare(a.n, b.n)
	}
	return cmp.Compare(ac, bc)
}

func isNumClass(c class) bool {
	return c == classInt || c == classUint || c == classFloat
}

// compareFloat compares a float with a float or an integer. Integers are
// never rounded to float64, so the result is exact across the whole int64
// and uint64 ranges.
func compareFloat(a, b Value) int {
	if a.kind.class() == classFloat && b.kind.class() == classFloat {
		return cmp.Compare(a.Float(), b.Float())
	}
	if a.kind.class() != classFloat {
		return -compareFloat(b, a)
	}
	f := a.Float()
	switch {
	case math.IsNaN(f), f < -(1 << 63):
		return -1
	case f >= 1<<64:
		return 1
	}
	fl := math.Floor(f)
	var c int
	switch {
	case fl >= 1<<63:
		if b.kind.class() == classInt {
			return 1
		}
		c = cmp.Compare(uint64(fl), b.n)
	case b.kind.class() == classInt:
		c = cmp.Compare(int64(fl), int64(b.n))
	case fl < 0:
		return -1
	default:
		c = cmp.Compare(uint64(fl), b.n)
	}
	if c == 0 && fl != f {
		return 1
	}
	return c
}

// conform converts v to kind k, failing if the value cannot be represented.
// Float32 targets round; every other conversion is exact.
func conform(k Kind, v Value) (Value, bool) {
	if v.kind == k {
		return v, true
	}
	vc := v.kind.class()
	switch k.class() {
	case classBool:
		return Value{}, false
	case classInt, classUint:
		lo, hi := k.intRange()
		switch vc {
		case classInt:
			i := int64(v.n)
			if i < lo || (i >= 0 && uint64(i) > hi) {
				return Value{}, false
			}
			return Value{kind: k, n: uint64(i)}, true
		case classUint:
			if v.n > hi {
				return Value{}, false
			}
			return Value{kind: k, n: v.n}, true
		case classFloat:
			f := v.Float()
			if f != math.Trunc(f) || math.IsInf(f, 0) {
				return Value{}, false
			}
			if f < 0 {
				if f < float64(lo) || f < math.MinInt64 {
					return Value{}, false
				}
				return Value{kind: k, n: uint64(int64(f))}, true
			}
			if f >= 1<<64 || f > float64(hi) || (k.class() == classInt && f >= 1<<63) {
				return Value{}, false
			}
			return Value{kind: k, n: uint64(f)}, true
		}
	case classFloat:
		if !isNumClass(vc) {
			return Value{}, false
		}
		f := v.Float()
		if k == KindFloat32 {
			if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
				return Value{}, false
			}
			f = float64(float32(f))
		}
		return Value{kind: k, n: math.Float64bits(f)}, true
	case classString:
		if vc == classString {
			return Value{kind: k, s: v.s}, true
		}
	}
	return Value{}, false
}

// appendKey appends the canonical byte form of v hashed by hash indexes.
// Values equal under Compare and of the same kind produce equal bytes.
func appendKey(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.kind.class()))
	switch v.kind.class() {
	case classString:
		return append(buf, v.s...)
	case classFloat:
		f := v.Float()
		if f == 0 {
			f = 0 // -0 and +0
		}
		if math.IsNaN(f) {
			f = math.NaN()
		}
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
	default:
		return binary.LittleEndian.AppendUint64(buf, v.n)
	}
}
