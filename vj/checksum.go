package vj

import "encoding/binary"

// Checksum computes the RFC 1071 one's complement sum over b. An odd
// trailing byte is padded with zero.
func Checksum(b []byte) uint16 {
	var sum uint32
	for len(b) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// setIPChecksum zeroes the checksum field of the IPv4 header in hdr and
// writes the freshly computed one.
func setIPChecksum(hdr []byte) {
	hdr[ipChecksumOffset] = 0
	hdr[ipChecksumOffset+1] = 0
	binary.BigEndian.PutUint16(hdr[ipChecksumOffset:], Checksum(hdr))
}
