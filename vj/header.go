package vj

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Change mask bits of a compressed packet, most significant first.
const (
	BitR = 0x80 // reserved
	BitC = 0x40 // explicit connection number
	BitI = 0x20 // IP ID delta
	BitP = 0x10 // TCP push flag
	BitS = 0x08 // sequence delta
	BitA = 0x04 // ack delta
	BitW = 0x02 // window delta
	BitU = 0x01 // urgent pointer

	specialsMask = BitS | BitA | BitW | BitU
	// specialD is unidirectional data: seq advances by the last payload size.
	specialD = BitS | BitA | BitW | BitU
	// specialI is echoed interactive traffic: seq and ack both advance.
	specialI = BitS | BitW | BitU
)

// Mode says how seq/ack are derived for a compressed packet.
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeUnidirectional
	ModeEchoedInteractive
)

func (m Mode) String() string {
	switch m {
	case ModeUnidirectional:
		return "unidirectional"
	case ModeEchoedInteractive:
		return "echoed-interactive"
	default:
		return "normal"
	}
}

// CompressedHeader is the parsed form of a compressed packet header. None of
// its fields depend on flow state.
type CompressedHeader struct {
	Mask        uint8
	Conn        *uint8
	TCPChecksum uint16
	Urgent      *uint16
	WindowDelta *int32
	AckDelta    uint32
	SeqDelta    uint32
	// IPIDDelta is 1 when the I bit is clear.
	IPIDDelta uint32
	Mode      Mode
	Consumed  int
}

// Push reports the P bit.
func (h *CompressedHeader) Push() bool { return h.Mask&BitP != 0 }

func modeOf(mask uint8) Mode {
	switch mask & specialsMask {
	case specialD:
		return ModeUnidirectional
	case specialI:
		return ModeEchoedInteractive
	default:
		return ModeNormal
	}
}

// CompressedHeaderLen computes how many bytes the compressed header at the
// start of b occupies, looking only at the discriminator bytes.
func CompressedHeaderLen(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, fmt.Errorf("%w: missing change mask", ErrTruncated)
	}
	mask := b[0]
	n := 3
	if mask&BitC != 0 {
		n++
	}
	if n > len(b) {
		return 0, fmt.Errorf("%w: need %d header bytes, have %d", ErrTruncated, n, len(b))
	}
	if modeOf(mask) == ModeNormal {
		if mask&BitU != 0 {
			n += 2
			if n > len(b) {
				return 0, fmt.Errorf("%w: urgent pointer", ErrTruncated)
			}
		}
		for _, bit := range []uint8{BitW, BitA, BitS} {
			if mask&bit == 0 {
				continue
			}
			l, err := deltaLen(b, n)
			if err != nil {
				return 0, err
			}
			n += l
		}
	}
	if mask&BitI != 0 {
		l, err := deltaLen(b, n)
		if err != nil {
			return 0, err
		}
		n += l
	}
	if n > len(b) {
		return 0, fmt.Errorf("%w: need %d header bytes, have %d", ErrTruncated, n, len(b))
	}
	return n, nil
}

// ParseCompressed decodes the compressed header at the start of b.
func ParseCompressed(b []byte) (CompressedHeader, error) {
	var h CompressedHeader
	if len(b) < 1 {
		return h, fmt.Errorf("%w: missing change mask", ErrTruncated)
	}
	h.Mask = b[0]
	h.Mode = modeOf(h.Mask)
	off := 1

	if h.Mask&BitC != 0 {
		if off >= len(b) {
			return h, fmt.Errorf("%w: connection number", ErrTruncated)
		}
		conn := b[off]
		h.Conn = &conn
		off++
	}

	if off+2 > len(b) {
		return h, fmt.Errorf("%w: TCP checksum", ErrTruncated)
	}
	h.TCPChecksum = binary.BigEndian.Uint16(b[off:])
	off += 2

	var err error
	if h.Mode == ModeNormal {
		if h.Mask&BitU != 0 {
			if off+2 > len(b) {
				return h, fmt.Errorf("%w: urgent pointer", ErrTruncated)
			}
			urg := binary.BigEndian.Uint16(b[off:])
			h.Urgent = &urg
			off += 2
		}
		if h.Mask&BitW != 0 {
			var win int32
			if win, off, err = DecodeSignedDelta(b, off); err != nil {
				return h, err
			}
			h.WindowDelta = &win
		}
		if h.Mask&BitA != 0 {
			if h.AckDelta, off, err = DecodeUnsignedDelta(b, off); err != nil {
				return h, err
			}
		}
		if h.Mask&BitS != 0 {
			if h.SeqDelta, off, err = DecodeUnsignedDelta(b, off); err != nil {
				return h, err
			}
		}
	}

	h.IPIDDelta = 1
	if h.Mask&BitI != 0 {
		if h.IPIDDelta, off, err = DecodeUnsignedDelta(b, off); err != nil {
			return h, err
		}
	}

	h.Consumed = off
	return h, nil
}

// ErrNotCompressible is returned by AppendTo for a header that has no
// compressed encoding. The packet has to be sent uncompressed instead.
var ErrNotCompressible = errors.New("vj: header cannot be sent compressed")

// AppendTo serializes h. In normal mode the mask bits for the optional fields
// are derived from which fields are set. In the special modes the S/A/W/U
// bits are the mode's pattern and the seq/ack fields are not sent.
//
// A normal header whose fields would spell out one of the special patterns,
// or whose deltas do not fit in 16 bits, is rejected with ErrNotCompressible.
func (h *CompressedHeader) AppendTo(dst []byte) ([]byte, error) {
	mask := h.Mask &^ (BitC | BitI | specialsMask)
	switch h.Mode {
	case ModeUnidirectional:
		mask |= specialD
	case ModeEchoedInteractive:
		mask |= specialI
	default:
		if h.Urgent != nil {
			mask |= BitU
		}
		if h.WindowDelta != nil {
			if *h.WindowDelta < math.MinInt16 || *h.WindowDelta > math.MaxInt16 {
				return dst, fmt.Errorf("%w: window delta %d", ErrNotCompressible, *h.WindowDelta)
			}
			mask |= BitW
		}
		if h.AckDelta != 0 {
			if h.AckDelta > math.MaxUint16 {
				return dst, fmt.Errorf("%w: ack delta %d", ErrNotCompressible, h.AckDelta)
			}
			mask |= BitA
		}
		if h.SeqDelta != 0 {
			if h.SeqDelta > math.MaxUint16 {
				return dst, fmt.Errorf("%w: seq delta %d", ErrNotCompressible, h.SeqDelta)
			}
			mask |= BitS
		}
		if p := mask & specialsMask; p == specialD || p == specialI {
			return dst, fmt.Errorf("%w: fields collide with special pattern %#02x", ErrNotCompressible, p)
		}
	}
	if h.IPIDDelta > math.MaxUint16 {
		return dst, fmt.Errorf("%w: IP ID delta %d", ErrNotCompressible, h.IPIDDelta)
	}
	if h.Conn != nil {
		mask |= BitC
	}
	if h.IPIDDelta != 1 {
		mask |= BitI
	}

	dst = append(dst, mask)
	if h.Conn != nil {
		dst = append(dst, *h.Conn)
	}
	dst = binary.BigEndian.AppendUint16(dst, h.TCPChecksum)
	if h.Mode == ModeNormal {
		if h.Urgent != nil {
			dst = binary.BigEndian.AppendUint16(dst, *h.Urgent)
		}
		if h.WindowDelta != nil {
			dst = AppendSignedDelta(dst, int16(*h.WindowDelta))
		}
		if h.AckDelta != 0 {
			dst = AppendUnsignedDelta(dst, uint16(h.AckDelta))
		}
		if h.SeqDelta != 0 {
			dst = AppendUnsignedDelta(dst, uint16(h.SeqDelta))
		}
	}
	if h.IPIDDelta != 1 {
		dst = AppendUnsignedDelta(dst, uint16(h.IPIDDelta))
	}
	return dst, nil
}
