package vj

import (
	"encoding/binary"
	"fmt"
	"math"

	"vj-decoder/types"
)

// reconstruct applies h to the values of the previous frame of the flow and
// serializes a fresh header from the flow template. payloadLen is the
// on-the-wire payload size of the current packet. The result must fit the
// 16-bit IP total length.
func reconstruct(fs *FlowState, prev types.FrameSnapshot, h *CompressedHeader, payloadLen int) (types.FrameSnapshot, error) {
	total := len(fs.Template) + payloadLen
	if total > math.MaxUint16 {
		return types.FrameSnapshot{}, fmt.Errorf("%w: IP total length %d exceeds %d", ErrBadHeaderLength, total, math.MaxUint16)
	}
	next := types.FrameSnapshot{
		IPID:        prev.IPID + uint16(h.IPIDDelta),
		Seq:         prev.Seq,
		Ack:         prev.Ack,
		Window:      prev.Window,
		Urgent:      prev.Urgent,
		TCPChecksum: h.TCPChecksum,
		Push:        h.Push(),
		HeaderLen:   h.Consumed,
	}

	urg := false
	switch h.Mode {
	case ModeUnidirectional:
		next.Seq += fs.LastAppDataLen
	case ModeEchoedInteractive:
		next.Seq += fs.LastAppDataLen
		next.Ack += fs.LastAppDataLen
	default:
		if h.Urgent != nil {
			next.Urgent = *h.Urgent
			urg = true
		}
		if h.WindowDelta != nil {
			next.Window = uint16(int32(prev.Window) + *h.WindowDelta)
		}
		next.Ack += h.AckDelta
		next.Seq += h.SeqDelta
	}

	hdr := append([]byte(nil), fs.Template...)
	ip := hdr[:fs.IPHeaderLen]
	binary.BigEndian.PutUint16(ip[ipTotalLenOffset:], uint16(total))
	binary.BigEndian.PutUint16(ip[ipIDOffset:], next.IPID)
	setIPChecksum(ip)

	tcp := hdr[fs.IPHeaderLen:]
	binary.BigEndian.PutUint32(tcp[tcpSeqOffset:], next.Seq)
	binary.BigEndian.PutUint32(tcp[tcpAckOffset:], next.Ack)
	binary.BigEndian.PutUint16(tcp[tcpWindowOffset:], next.Window)
	binary.BigEndian.PutUint16(tcp[tcpChecksumOffset:], next.TCPChecksum)
	binary.BigEndian.PutUint16(tcp[tcpUrgentOffset:], next.Urgent)
	tcp[tcpFlagsOffset] = setFlag(tcp[tcpFlagsOffset], tcpFlagURG, urg)
	tcp[tcpFlagsOffset] = setFlag(tcp[tcpFlagsOffset], tcpFlagPSH, next.Push)

	next.Header = hdr
	return next, nil
}

func setFlag(flags, bit uint8, on bool) uint8 {
	if on {
		return flags | bit
	}
	return flags &^ bit
}

// decodeCompressed handles the first visit of a compressed packet. Caller
// holds the session lock.
func (s *Session) decodeCompressed(f Frame) (Result, *uint8, error) {
	h, err := ParseCompressed(f.Data)
	conn, known := s.lastConn(f.Direction)
	if h.Conn != nil {
		conn, known = *h.Conn, true
	}
	if err != nil {
		if h.Conn != nil {
			s.setLastConn(f.Direction, conn)
		}
		if known {
			if fs, ok := s.store.Lookup(types.FlowKey{Conn: conn, Direction: f.Direction}); ok {
				fs.Stale = true
			}
			return Result{}, &conn, err
		}
		return Result{}, nil, err
	}
	if !known {
		return Result{}, nil, ErrNoConnectionContext
	}
	if h.Conn != nil {
		s.setLastConn(f.Direction, conn)
	}

	key := types.FlowKey{Conn: conn, Direction: f.Direction}
	fs, ok := s.store.Lookup(key)
	if !ok || !fs.HasTemplate {
		return Result{}, &conn, ErrNoTemplateYet
	}
	if fs.Stale && h.Conn == nil {
		return Result{}, &conn, ErrNoConnectionState
	}
	prev, ok := s.store.SnapshotFor(key, fs.LastSource)
	if !ok {
		return Result{}, &conn, ErrNoSnapshotForPreviousFrame
	}

	payloadLen := f.wireLength() - h.Consumed
	next, err := reconstruct(fs, prev, &h, payloadLen)
	if err != nil {
		return Result{}, &conn, err
	}

	s.store.RecordSnapshot(key, f.ID, next)
	s.frameFlows[f.ID] = key
	fs.Template = next.Header
	fs.Stale = false
	fs.LastSource = f.ID
	fs.LastAppDataLen = uint32(payloadLen)

	return Result{
		Kind:             types.KindCompressed,
		Mode:             h.Mode,
		Flow:             key,
		Header:           append([]byte(nil), next.Header...),
		Payload:          f.Data[h.Consumed:],
		PayloadTruncated: f.truncated(),
	}, &conn, nil
}
