package vj

import (
	"encoding/binary"
	"fmt"

	"vj-decoder/types"
)

const (
	ipProtocolOffset  = 9
	ipChecksumOffset  = 10
	ipTotalLenOffset  = 2
	ipIDOffset        = 4
	ipProtocolTCP     = 6
	minIPHeaderLen    = 20
	minTCPHeaderLen   = 20
	tcpSeqOffset      = 4
	tcpAckOffset      = 8
	tcpDataOffOffset  = 12
	tcpFlagsOffset    = 13
	tcpWindowOffset   = 14
	tcpChecksumOffset = 16
	tcpUrgentOffset   = 18

	tcpFlagPSH = 0x08
	tcpFlagURG = 0x20
)

// refresh is a validated uncompressed packet.
type refresh struct {
	conn   uint8
	header []byte
	ipLen  int
}

// parseUncompressed validates an uncompressed packet and returns its header
// with the real protocol number restored. The input is not modified.
func parseUncompressed(b []byte) (refresh, error) {
	var r refresh
	if len(b) <= ipProtocolOffset {
		return r, fmt.Errorf("%w: %d bytes, need %d to reach the connection number", ErrTruncated, len(b), ipProtocolOffset+1)
	}
	if v := b[0] >> 4; v != 4 {
		return r, fmt.Errorf("%w: version %d", ErrUnsupportedIPVersion, v)
	}
	r.ipLen = int(b[0]&0x0f) * 4
	if r.ipLen < minIPHeaderLen {
		return r, fmt.Errorf("%w: IP header length %d", ErrBadHeaderLength, r.ipLen)
	}
	if len(b) < r.ipLen+minTCPHeaderLen {
		return r, fmt.Errorf("%w: %d bytes, need %d for IP and TCP headers", ErrTruncated, len(b), r.ipLen+minTCPHeaderLen)
	}
	tcpLen := int(b[r.ipLen+tcpDataOffOffset]>>4) * 4
	if tcpLen < minTCPHeaderLen {
		return r, fmt.Errorf("%w: TCP header length %d", ErrBadHeaderLength, tcpLen)
	}
	if len(b) < r.ipLen+tcpLen {
		return r, fmt.Errorf("%w: %d bytes, need %d for TCP options", ErrTruncated, len(b), r.ipLen+tcpLen)
	}

	r.conn = b[ipProtocolOffset]
	r.header = append([]byte(nil), b[:r.ipLen+tcpLen]...)
	r.header[ipProtocolOffset] = ipProtocolTCP
	return r, nil
}

// snapshotOf reads the logical header values out of a serialized header.
func snapshotOf(hdr []byte, ipLen, consumed int) types.FrameSnapshot {
	tcp := hdr[ipLen:]
	return types.FrameSnapshot{
		IPID:        binary.BigEndian.Uint16(hdr[ipIDOffset:]),
		Seq:         binary.BigEndian.Uint32(tcp[tcpSeqOffset:]),
		Ack:         binary.BigEndian.Uint32(tcp[tcpAckOffset:]),
		Window:      binary.BigEndian.Uint16(tcp[tcpWindowOffset:]),
		Urgent:      binary.BigEndian.Uint16(tcp[tcpUrgentOffset:]),
		TCPChecksum: binary.BigEndian.Uint16(tcp[tcpChecksumOffset:]),
		Push:        tcp[tcpFlagsOffset]&tcpFlagPSH != 0,
		Header:      hdr,
		HeaderLen:   consumed,
	}
}

// decodeUncompressed handles the first visit of an uncompressed packet.
// Caller holds the session lock.
func (s *Session) decodeUncompressed(f Frame) (Result, error) {
	r, err := parseUncompressed(f.Data)
	if err != nil {
		return Result{}, err
	}
	key := types.FlowKey{Conn: r.conn, Direction: f.Direction}
	payload := f.Data[len(r.header):]

	fs := s.store.GetOrCreate(key)
	fs.Template = r.header
	fs.IPHeaderLen = r.ipLen
	fs.LastAppDataLen = uint32(f.wireLength() - len(r.header))
	fs.LastSource = f.ID
	fs.HasTemplate = true
	fs.Stale = false

	s.store.RecordSnapshot(key, f.ID, snapshotOf(r.header, r.ipLen, len(r.header)))
	s.setLastConn(f.Direction, r.conn)
	s.frameFlows[f.ID] = key

	return Result{
		Kind:             types.KindUncompressed,
		Flow:             key,
		Header:           append([]byte(nil), r.header...),
		Payload:          payload,
		PayloadTruncated: f.truncated(),
	}, nil
}
