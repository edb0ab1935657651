package ipstack

import (
	"net/netip"
	"testing"

	"github.com/google/netstack/tcpip/header"
)

func TestPseudoHeaderSum(t *testing.T) {
	// 0a00 + 0001 + 0a00 + 0002 + 0006 + 0028
	if got := pseudoHeaderSum(protoTCP, hostA, hostB, 40); got != 0x1431 {
		t.Errorf("pseudoHeaderSum() = %#04x, want 0x1431", got)
	}
	if a, b := pseudoHeaderSum(protoUDP, hostA, hostB, 12), pseudoHeaderSum(protoUDP, hostB, hostA, 12); a != b {
		t.Errorf("pseudoHeaderSum() depends on direction: %#04x != %#04x", a, b)
	}
}

func TestTransportChecksum(t *testing.T) {
	seg := make([]byte, header.UDPMinimumSize+5)
	u := header.UDP(seg)
	u.Encode(&header.UDPFields{SrcPort: 5000, DstPort: 9, Length: uint16(len(seg))})
	copy(seg[header.UDPMinimumSize:], "hello")

	u.SetChecksum(transportChecksum(protoUDP, hostA, hostB, seg))
	if !transportChecksumValid(protoUDP, hostA, hostB, seg) {
		t.Fatal("segment with computed checksum does not verify")
	}
	if transportChecksumValid(protoUDP, hostA, netip.MustParseAddr("10.0.0.3"), seg) {
		t.Error("checksum verified against the wrong destination")
	}
	seg[len(seg)-1] ^= 0x01
	if transportChecksumValid(protoUDP, hostA, hostB, seg) {
		t.Error("corrupted payload verified")
	}
}
