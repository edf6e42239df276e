package tracehist

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestIntervalCodecRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		value StateValue
	}{
		{"null", NullValue()},
		{"int32", Int32Value(-42)},
		{"int64", Int64Value(1 << 40)},
		{"float64", Float64Value(3.25)},
		{"string", StringValue("running")},
		{"empty string", StringValue("")},
		{"custom", CustomValue([]byte{0xDE, 0xAD, 0xBE, 0xEF})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := &Interval{Start: 100, End: 250, Quark: 7, Value: tc.value}

			buf := &bytes.Buffer{}
			if err := encodeInterval(buf, in); err != nil {
				t.Fatalf("encode: %v", err)
			}
			if got := intervalSizeOnDisk(in); got != buf.Len() {
				t.Errorf("size on disk = %d, encoded %d bytes", got, buf.Len())
			}

			decoded, err := decodeInterval(bytes.NewReader(buf.Bytes()), in.Start, in.Quark)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if decoded.Start != in.Start || decoded.End != in.End || decoded.Quark != in.Quark {
				t.Errorf("bounds round trip: got %v, want %v", decoded, in)
			}
			if !decoded.Value.Equals(in.Value) {
				t.Errorf("value round trip: got %v, want %v", decoded.Value, in.Value)
			}
		})
	}
}

func TestIntervalCodecUnknownType(t *testing.T) {
	raw := []byte{0x42, 0x01}
	if _, err := decodeInterval(bytes.NewReader(raw), 0, 0); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for unknown type, got %v", err)
	}
}

func TestIntervalCodecMissingStringTrailer(t *testing.T) {
	in := &Interval{Start: 0, End: 5, Quark: 0, Value: StringValue("abc")}
	buf := &bytes.Buffer{}
	if err := encodeInterval(buf, in); err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw := buf.Bytes()
	// The byte before the duration varint is the string's trailing zero.
	raw[len(raw)-2] = 0x7F

	if _, err := decodeInterval(bytes.NewReader(raw), 0, 0); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for missing trailer, got %v", err)
	}
}

func TestIntervalCodecTruncated(t *testing.T) {
	in := &Interval{Start: 0, End: 5, Quark: 0, Value: Int64Value(99)}
	buf := &bytes.Buffer{}
	if err := encodeInterval(buf, in); err != nil {
		t.Fatalf("encode: %v", err)
	}

	truncated := buf.Bytes()[:4]
	if _, err := decodeInterval(bytes.NewReader(truncated), 0, 0); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for truncated value, got %v", err)
	}
}

func TestIntervalCodecOversizedString(t *testing.T) {
	in := &Interval{Start: 0, End: 5, Quark: 0, Value: StringValue(strings.Repeat("x", MaxValuePayload+1))}
	if err := encodeInterval(&bytes.Buffer{}, in); !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("expected ErrValueTooLarge, got %v", err)
	}
}
