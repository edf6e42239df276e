package tracehist

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/tracehist-db/tracehist/internal/encoding"
)

// Wire type tags for state values inside a tile.
const (
	typeNull    byte = 0xFF
	typeInt32   byte = 0x00
	typeString  byte = 0x01
	typeInt64   byte = 0x02
	typeFloat64 byte = 0x03
	typeCustom  byte = 0x14
)

// intervalSizeOnDisk returns the encoded size of one interval: the type tag,
// the value payload, and the varint duration.
func intervalSizeOnDisk(in *Interval) int {
	size := 1 + encoding.UvarintLen(uint64(in.End-in.Start))
	switch in.Value.Kind() {
	case ValueNull:
	case ValueInt32:
		size += 4
	case ValueInt64, ValueFloat64:
		size += 8
	case ValueString:
		// 2 bytes for the length, the bytes, 1 byte for the trailing zero.
		size += 2 + len(in.Value.Text()) + 1
	case ValueCustom:
		size += 2 + len(in.Value.Bytes())
	}
	return size
}

// encodeInterval appends the wire form of one interval to the buffer. The
// start time is not stored; it is carried by the per-quark run header.
func encodeInterval(buf *bytes.Buffer, in *Interval) error {
	switch in.Value.Kind() {
	case ValueNull:
		buf.WriteByte(typeNull)
	case ValueInt32:
		buf.WriteByte(typeInt32)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(in.Value.Int32()))
		buf.Write(b[:])
	case ValueInt64:
		buf.WriteByte(typeInt64)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(in.Value.Int64()))
		buf.Write(b[:])
	case ValueFloat64:
		buf.WriteByte(typeFloat64)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(in.Value.Float64()))
		buf.Write(b[:])
	case ValueString:
		s := in.Value.Text()
		if len(s) > MaxValuePayload {
			return fmt.Errorf("%w: string of %d bytes", ErrValueTooLarge, len(s))
		}
		buf.WriteByte(typeString)
		encoding.WriteString(buf, s)
	case ValueCustom:
		payload := in.Value.Bytes()
		if len(payload) > MaxValuePayload {
			return fmt.Errorf("%w: custom payload of %d bytes", ErrValueTooLarge, len(payload))
		}
		buf.WriteByte(typeCustom)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(len(payload)))
		buf.Write(b[:])
		buf.Write(payload)
	default:
		return fmt.Errorf("unknown state value kind %d", in.Value.Kind())
	}
	encoding.WriteUvarint(buf, uint64(in.End-in.Start))
	return nil
}

// decodeInterval reads one interval from the reader. The caller supplies the
// run position: consecutive intervals of a quark are contiguous, so the start
// time is reconstructed as the previous interval's end time.
func decodeInterval(r *bytes.Reader, start int64, quark int) (*Interval, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, newCorruptError("", "truncated interval", err)
	}

	var value StateValue
	switch tag {
	case typeNull:
		value = NullValue()
	case typeInt32:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, newCorruptError("", "truncated int32 value", err)
		}
		value = Int32Value(int32(binary.LittleEndian.Uint32(b[:])))
	case typeInt64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, newCorruptError("", "truncated int64 value", err)
		}
		value = Int64Value(int64(binary.LittleEndian.Uint64(b[:])))
	case typeFloat64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, newCorruptError("", "truncated float64 value", err)
		}
		value = Float64Value(math.Float64frombits(binary.LittleEndian.Uint64(b[:])))
	case typeString:
		s, err := encoding.ReadString(r)
		if err != nil {
			return nil, newCorruptError("", "bad string value", err)
		}
		value = StringValue(s)
	case typeCustom:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, newCorruptError("", "truncated custom value", err)
		}
		payload := make([]byte, binary.LittleEndian.Uint16(b[:]))
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, newCorruptError("", "truncated custom value", err)
		}
		value = StateValue{kind: ValueCustom, custom: payload}
	default:
		return nil, newCorruptError("", fmt.Sprintf("unknown value type 0x%02X", tag), nil)
	}

	duration, err := encoding.ReadUvarint(r)
	if err != nil {
		return nil, newCorruptError("", "bad interval duration", err)
	}
	return &Interval{Start: start, End: start + int64(duration), Quark: quark, Value: value}, nil
}
