package ipstack

import (
	"net/netip"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
)

// pseudoHeaderSum is the one's-complement sum of the IPv4 pseudo header
// covered by UDP and TCP checksums.
func pseudoHeaderSum(proto uint8, src, dst netip.Addr, length int) uint16 {
	return header.PseudoHeaderChecksum(tcpip.TransportProtocolNumber(proto), toTCPIP(src), toTCPIP(dst), uint16(length))
}

// transportChecksum computes the checksum of seg, whose checksum field must
// be zero.
func transportChecksum(proto uint8, src, dst netip.Addr, seg []byte) uint16 {
	return ^header.Checksum(seg, pseudoHeaderSum(proto, src, dst, len(seg)))
}

// transportChecksumValid verifies seg including its checksum field.
func transportChecksumValid(proto uint8, src, dst netip.Addr, seg []byte) bool {
	return header.Checksum(seg, pseudoHeaderSum(proto, src, dst, len(seg))) == 0xffff
}
