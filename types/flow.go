package types

import (
	"fmt"
	"time"
)

// Direction tags which side of a point-to-point link handed us a frame.
// The link layer strips addresses, so this is the only way to tell the two
// halves of a conversation apart.
type Direction uint8

const (
	DirectionReceived Direction = iota
	DirectionSent
)

func (d Direction) String() string {
	switch d {
	case DirectionReceived:
		return "received"
	case DirectionSent:
		return "sent"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// FrameID is the stable identity of one captured frame, usually its
// 1-based position in the capture.
type FrameID uint64

// PacketKind is decided by the link layer protocol number that tagged the
// frame.
type PacketKind uint8

const (
	KindUnknown PacketKind = iota
	KindCompressed
	KindUncompressed
)

func (k PacketKind) String() string {
	switch k {
	case KindCompressed:
		return "compressed"
	case KindUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

// FlowKey identifies one unidirectional flow on the link.
type FlowKey struct {
	Conn      uint8
	Direction Direction
}

func (fk FlowKey) String() string {
	return fmt.Sprintf("%s/conn=%d", fk.Direction, fk.Conn)
}

// FrameSnapshot records the header values decoded from one frame. It is
// written once and never modified afterwards.
type FrameSnapshot struct {
	IPID        uint16
	Seq         uint32
	Ack         uint32
	Window      uint16
	Urgent      uint16
	TCPChecksum uint16
	Push        bool

	// Header holds the reconstructed IPv4+TCP header bytes emitted for the
	// frame. HeaderLen is the number of input bytes that preceded the
	// payload (the compressed header, or the full header on a refresh).
	Header    []byte
	HeaderLen int
}

// FlowStats accumulates per-flow decoding counters for reporting.
type FlowStats struct {
	Key FlowKey

	Refreshes   int
	Compressed  int
	Replays     int
	Errors      int
	Degraded    int
	PayloadSize []int

	WireHeaderBytes          uint64
	ReconstructedHeaderBytes uint64
	PayloadBytes             uint64

	LastSeq   uint32
	LastAck   uint32
	LastSeen  time.Time
	FirstSeen time.Time
}
