package ping

import (
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"inetcore/pkg/inet"
)

const (
	TypeEchoReply   = uint8(header.ICMPv4EchoReply)
	TypeEchoRequest = uint8(header.ICMPv4Echo)

	// HeaderLen is the size of an echo message without payload.
	HeaderLen = 8
	// IPv4HeaderLen is the header length replies are assumed to carry.
	// Options are not supported.
	IPv4HeaderLen = 20
)

// Checksum is the Internet checksum of b: the one's complement of the
// one's-complement sum of its 16-bit big-endian words, an odd trailing
// byte padded with zero.
func Checksum(b []byte) uint16 {
	return ^header.Checksum(b, 0)
}

// Echo is an ICMP echo request or reply.
type Echo struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	Ident    uint16
	Seq      uint16
	Payload  []byte
}

func NewRequest(ident, seq uint16, payload []byte) Echo {
	return Echo{Type: TypeEchoRequest, Ident: ident, Seq: seq, Payload: payload}
}

// Marshal encodes e with a freshly computed checksum. The message is
// written with a zero checksum first and patched afterwards.
func (e Echo) Marshal() []byte {
	b := make([]byte, HeaderLen+len(e.Payload))
	m := header.ICMPv4(b)
	m.SetType(header.ICMPv4Type(e.Type))
	m.SetCode(e.Code)
	m.SetChecksum(0)
	m.SetIdent(e.Ident)
	m.SetSequence(e.Seq)
	copy(b[HeaderLen:], e.Payload)
	m.SetChecksum(Checksum(b))
	return b
}

// ParseEcho decodes an ICMP echo message. The checksum is not verified.
func ParseEcho(b []byte) (Echo, error) {
	if len(b) < HeaderLen {
		return Echo{}, errors.Wrapf(inet.ErrInvalidArgument, "echo message of %d bytes", len(b))
	}
	m := header.ICMPv4(b)
	return Echo{
		Type:     uint8(m.Type()),
		Code:     m.Code(),
		Checksum: m.Checksum(),
		Ident:    m.Ident(),
		Seq:      m.Sequence(),
		Payload:  b[HeaderLen:],
	}, nil
}

// ChecksumValid recomputes the checksum of an encoded message with its
// checksum field zeroed and compares it with the stored one.
func ChecksumValid(b []byte) bool {
	if len(b) < HeaderLen {
		return false
	}
	stored := header.ICMPv4(b).Checksum()
	c := header.ICMPv4(append([]byte(nil), b...))
	c.SetChecksum(0)
	return Checksum(c) == stored
}

// Reply is a received IPv4 datagram viewed as an echo message. The ICMP
// message starts right after a 20-byte IPv4 header.
type Reply struct {
	Echo
	ChecksumOK bool
}

// ParseReply decodes pkt, a whole IPv4 datagram as read from a raw socket.
// Datagrams too short to hold the IPv4 header and an echo header are
// rejected with inet.ErrInvalidArgument.
func ParseReply(pkt []byte) (Reply, error) {
	if len(pkt) < IPv4HeaderLen+HeaderLen {
		return Reply{}, errors.Wrapf(inet.ErrInvalidArgument, "reply of %d bytes", len(pkt))
	}
	msg := pkt[IPv4HeaderLen:]
	e, err := ParseEcho(msg)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Echo: e, ChecksumOK: ChecksumValid(msg)}, nil
}
