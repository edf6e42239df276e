package tracehist

import "testing"

func TestStateValueKinds(t *testing.T) {
	if !NullValue().IsNull() {
		t.Error("null value must report IsNull")
	}
	if v := Int32Value(-7); v.Kind() != ValueInt32 || v.Int32() != -7 {
		t.Errorf("int32 value: got %v", v)
	}
	if v := Int64Value(1 << 40); v.Int64() != 1<<40 {
		t.Errorf("int64 value: got %v", v)
	}
	if v := Float64Value(1.5); v.Float64() != 1.5 {
		t.Errorf("float64 value: got %v", v)
	}
	if v := StringValue("idle"); v.Text() != "idle" {
		t.Errorf("string value: got %v", v)
	}

	payload := []byte{1, 2, 3}
	v := CustomValue(payload)
	payload[0] = 99
	if v.Bytes()[0] != 1 {
		t.Error("custom value must copy its payload")
	}
}

func TestStateValueEquals(t *testing.T) {
	if !Int32Value(5).Equals(Int32Value(5)) {
		t.Error("equal int32 values differ")
	}
	if Int32Value(5).Equals(Int64Value(5)) {
		t.Error("values of different kinds compare equal")
	}
	if !CustomValue([]byte{1}).Equals(CustomValue([]byte{1})) {
		t.Error("equal custom values differ")
	}
}

func TestIntervalIntersects(t *testing.T) {
	in := &Interval{Start: 10, End: 20}
	for ts, want := range map[int64]bool{9: false, 10: true, 15: true, 20: true, 21: false} {
		if got := in.Intersects(ts); got != want {
			t.Errorf("intersects(%d) = %v, want %v", ts, got, want)
		}
	}
}
