package vj

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"vj-decoder/types"
)

// segment describes the fields of one test TCP/IP packet.
type segment struct {
	id        uint16
	seq       uint32
	ack       uint32
	window    uint16
	urgent    uint16
	psh       bool
	urg       bool
	payload   []byte
	options   []layers.TCPOption
	ipOptions []layers.IPv4Option
}

// buildPacket serializes seg as a complete, checksummed IPv4+TCP packet.
func buildPacket(t *testing.T, seg segment) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       seg.id,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
		Options:  seg.ipOptions,
	}
	tcp := &layers.TCP{
		SrcPort: 1025,
		DstPort: 23,
		Seq:     seg.seq,
		Ack:     seg.ack,
		ACK:     true,
		PSH:     seg.psh,
		URG:     seg.urg,
		Window:  seg.window,
		Urgent:  seg.urgent,
		Options: seg.options,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(seg.payload)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

// asUncompressed turns a real packet into a VJ uncompressed packet for conn.
func asUncompressed(pkt []byte, conn uint8) []byte {
	out := append([]byte(nil), pkt...)
	if len(out) > ipProtocolOffset {
		out[ipProtocolOffset] = conn
	}
	return out
}

// compress builds the compressed form of next relative to prev, both real
// packets of the same flow. conn is sent explicitly when non-nil.
func compress(t *testing.T, prev, next []byte, conn *uint8) []byte {
	t.Helper()
	pip, ptcp := decodePacket(t, prev)
	nip, ntcp := decodePacket(t, next)

	h := CompressedHeader{
		Conn:        conn,
		TCPChecksum: ntcp.Checksum,
		AckDelta:    ntcp.Ack - ptcp.Ack,
		SeqDelta:    ntcp.Seq - ptcp.Seq,
		IPIDDelta:   uint32(nip.Id - pip.Id),
	}
	if ntcp.PSH {
		h.Mask |= BitP
	}
	if ntcp.URG {
		urg := ntcp.Urgent
		h.Urgent = &urg
	}
	if ntcp.Window != ptcp.Window {
		w := int32(int16(ntcp.Window - ptcp.Window))
		h.WindowDelta = &w
	}
	hdrLen := int(nip.IHL)*4 + int(ntcp.DataOffset)*4
	enc, err := h.AppendTo(nil)
	if err != nil {
		t.Fatalf("AppendTo() error = %v", err)
	}
	return append(enc, next[hdrLen:]...)
}

func decodePacket(t *testing.T, pkt []byte) (*layers.IPv4, *layers.TCP) {
	t.Helper()
	p := gopacket.NewPacket(pkt, layers.LayerTypeIPv4, gopacket.Default)
	ipLayer := p.Layer(layers.LayerTypeIPv4)
	tcpLayer := p.Layer(layers.LayerTypeTCP)
	if ipLayer == nil || tcpLayer == nil {
		t.Fatalf("packet does not decode as IPv4/TCP: %v", p.ErrorLayer())
	}
	return ipLayer.(*layers.IPv4), tcpLayer.(*layers.TCP)
}

func mustDecode(t *testing.T, s *Session, f Frame) Result {
	t.Helper()
	res, err := s.Decode(f)
	if err != nil {
		t.Fatalf("Decode(frame %d) error = %v", f.ID, err)
	}
	return res
}

func uncompressedFrame(id types.FrameID, data []byte) Frame {
	return Frame{ID: id, Direction: types.DirectionReceived, Kind: types.KindUncompressed, Data: data}
}

func compressedFrame(id types.FrameID, data []byte) Frame {
	return Frame{ID: id, Direction: types.DirectionReceived, Kind: types.KindCompressed, Data: data}
}

func ipChecksumValid(hdr []byte) bool {
	ihl := int(hdr[0]&0x0f) * 4
	return Checksum(hdr[:ihl]) == 0
}

func u8(v uint8) *uint8 { return &v }

func seqOf(hdr []byte) uint32 {
	ihl := int(hdr[0]&0x0f) * 4
	return binary.BigEndian.Uint32(hdr[ihl+tcpSeqOffset:])
}

func ackOf(hdr []byte) uint32 {
	ihl := int(hdr[0]&0x0f) * 4
	return binary.BigEndian.Uint32(hdr[ihl+tcpAckOffset:])
}
