// Package encoding provides the low-level byte encodings shared by the
// history file formats: unsigned LEB128 varints for interval durations and
// run start times, and length-prefixed strings.
package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// ErrOverflow names a varint that does not terminate within 10 bytes.
// ReadUvarint does not return it: it reports such a varint with the overflow
// error of encoding/binary.
var ErrOverflow = errors.New("encoding: varint overflows 64 bits")

// WriteUvarint appends the LEB128 encoding of v to the buffer.
func WriteUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// ReadUvarint decodes a LEB128 varint from the reader.
func ReadUvarint(r io.ByteReader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return v, nil
}

// UvarintLen returns the number of bytes the LEB128 encoding of v occupies.
func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// WriteString writes a 16-bit length prefix, the raw bytes, and a trailing
// zero byte, matching the history interval string encoding.
func WriteString(buf *bytes.Buffer, s string) {
	var length [2]byte
	binary.LittleEndian.PutUint16(length[:], uint16(len(s)))
	buf.Write(length[:])
	buf.WriteString(s)
	buf.WriteByte(0)
}

// ReadString reads a string written by WriteString. A missing trailing zero
// byte is reported as an error.
func ReadString(r *bytes.Reader) (string, error) {
	var length [2]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return "", err
	}
	n := int(binary.LittleEndian.Uint16(length[:]))
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", err
	}
	trailer, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if trailer != 0 {
		return "", errors.New("encoding: string missing trailing zero byte")
	}
	return string(raw), nil
}
