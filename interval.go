package tracehist

import (
	"bytes"
	"fmt"
	"math"
)

// MaxValuePayload is the maximum encoded size of a string or custom state
// value, in bytes.
const MaxValuePayload = math.MaxInt16

// ValueKind identifies the type held by a StateValue.
type ValueKind uint8

// The kinds of state values a quark can hold.
const (
	ValueNull ValueKind = iota
	ValueInt32
	ValueInt64
	ValueFloat64
	ValueString
	ValueCustom
)

// StateValue is the tagged union of values an attribute can hold over an
// interval. The zero value is the null state value.
type StateValue struct {
	kind   ValueKind
	num    uint64
	str    string
	custom []byte
}

// NullValue returns the null state value.
func NullValue() StateValue {
	return StateValue{}
}

// Int32Value returns a 32-bit integer state value.
func Int32Value(v int32) StateValue {
	return StateValue{kind: ValueInt32, num: uint64(uint32(v))}
}

// Int64Value returns a 64-bit integer state value.
func Int64Value(v int64) StateValue {
	return StateValue{kind: ValueInt64, num: uint64(v)}
}

// Float64Value returns a floating-point state value.
func Float64Value(v float64) StateValue {
	return StateValue{kind: ValueFloat64, num: math.Float64bits(v)}
}

// StringValue returns a UTF-8 string state value.
func StringValue(s string) StateValue {
	return StateValue{kind: ValueString, str: s}
}

// CustomValue returns an opaque binary state value. The payload is copied.
func CustomValue(b []byte) StateValue {
	return StateValue{kind: ValueCustom, custom: append([]byte(nil), b...)}
}

// Kind returns the kind of this value.
func (v StateValue) Kind() ValueKind {
	return v.kind
}

// IsNull reports whether this is the null state value.
func (v StateValue) IsNull() bool {
	return v.kind == ValueNull
}

// Int32 returns the value as an int32. Valid only for ValueInt32.
func (v StateValue) Int32() int32 {
	return int32(uint32(v.num))
}

// Int64 returns the value as an int64. Valid only for ValueInt64.
func (v StateValue) Int64() int64 {
	return int64(v.num)
}

// Float64 returns the value as a float64. Valid only for ValueFloat64.
func (v StateValue) Float64() float64 {
	return math.Float64frombits(v.num)
}

// Text returns the value as a string. Valid only for ValueString.
func (v StateValue) Text() string {
	return v.str
}

// Bytes returns the opaque payload of a ValueCustom value.
func (v StateValue) Bytes() []byte {
	return v.custom
}

// Equals reports whether two state values hold the same kind and content.
func (v StateValue) Equals(other StateValue) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case ValueNull:
		return true
	case ValueString:
		return v.str == other.str
	case ValueCustom:
		return bytes.Equal(v.custom, other.custom)
	default:
		return v.num == other.num
	}
}

// String returns a human-readable representation for logs and tests.
func (v StateValue) String() string {
	switch v.kind {
	case ValueNull:
		return "null"
	case ValueInt32:
		return fmt.Sprintf("int32(%d)", v.Int32())
	case ValueInt64:
		return fmt.Sprintf("int64(%d)", v.Int64())
	case ValueFloat64:
		return fmt.Sprintf("float64(%g)", v.Float64())
	case ValueString:
		return fmt.Sprintf("string(%q)", v.str)
	case ValueCustom:
		return fmt.Sprintf("custom(%d bytes)", len(v.custom))
	}
	return fmt.Sprintf("unknown(%d)", v.kind)
}

// Interval assigns a state value to an attribute quark for the inclusive time
// range [Start, End]. Intervals are immutable once stored, except that an open
// tile may extend a not-yet-finalised run's end time while coalescing.
type Interval struct {
	Start int64
	End   int64
	Quark int
	Value StateValue
}

// Intersects reports whether the interval covers timestamp t.
func (in *Interval) Intersects(t int64) bool {
	return t >= in.Start && t <= in.End
}

func (in *Interval) String() string {
	return fmt.Sprintf("[%d, %d] quark %d = %v", in.Start, in.End, in.Quark, in.Value)
}
