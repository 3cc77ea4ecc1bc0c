package vj

import (
	"encoding/binary"
	"fmt"
)

// DecodeUnsignedDelta reads one delta field starting at off. A non-zero
// first byte is the delta itself; a zero byte is followed by the delta as a
// big-endian uint16. It returns the delta and the offset just past it.
func DecodeUnsignedDelta(b []byte, off int) (uint32, int, error) {
	if off >= len(b) {
		return 0, off, fmt.Errorf("%w: delta at offset %d", ErrTruncated, off)
	}
	if b[off] != 0 {
		return uint32(b[off]), off + 1, nil
	}
	if off+3 > len(b) {
		return 0, off, fmt.Errorf("%w: long delta at offset %d", ErrTruncated, off)
	}
	return uint32(binary.BigEndian.Uint16(b[off+1 : off+3])), off + 3, nil
}

// DecodeSignedDelta is DecodeUnsignedDelta for the window field. The long
// form is a two's complement int16 so the window may shrink; the short form
// only ever carries 1..255.
func DecodeSignedDelta(b []byte, off int) (int32, int, error) {
	if off >= len(b) {
		return 0, off, fmt.Errorf("%w: delta at offset %d", ErrTruncated, off)
	}
	if b[off] != 0 {
		return int32(b[off]), off + 1, nil
	}
	if off+3 > len(b) {
		return 0, off, fmt.Errorf("%w: long delta at offset %d", ErrTruncated, off)
	}
	return int32(int16(binary.BigEndian.Uint16(b[off+1 : off+3]))), off + 3, nil
}

// deltaLen returns how many bytes the delta field at off occupies without
// decoding it.
func deltaLen(b []byte, off int) (int, error) {
	if off >= len(b) {
		return 0, fmt.Errorf("%w: delta at offset %d", ErrTruncated, off)
	}
	if b[off] != 0 {
		return 1, nil
	}
	return 3, nil
}

// AppendUnsignedDelta encodes v (which must fit in 16 bits) the way a
// compressor does: one byte for 1..255, otherwise a zero byte and two bytes.
func AppendUnsignedDelta(dst []byte, v uint16) []byte {
	if v >= 1 && v <= 255 {
		return append(dst, byte(v))
	}
	return append(dst, 0, byte(v>>8), byte(v))
}

// AppendSignedDelta encodes a window delta.
func AppendSignedDelta(dst []byte, v int16) []byte {
	if v >= 1 && v <= 255 {
		return append(dst, byte(v))
	}
	return append(dst, 0, byte(uint16(v)>>8), byte(uint16(v)))
}
