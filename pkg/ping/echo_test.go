package ping

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"inetcore/pkg/inet"
)

func TestChecksum(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want uint16
	}{
		{"empty", nil, 0xffff},
		{"echo request seq 1", []byte{8, 0, 0, 0, 0, 0, 0, 1}, 0xf7fe},
		{"echo reply seq 1", []byte{0, 0, 0, 0, 0, 0, 0, 1}, 0xfffe},
		{"odd length", []byte{0x01}, 0xfeff},
		{"carry", []byte{0xff, 0xff, 0x00, 0x01}, 0xfffe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Checksum(tt.in); got != tt.want {
				t.Errorf("Checksum(% x) = %#04x, want %#04x", tt.in, got, tt.want)
			}
		})
	}
}

func TestChecksum_SelfVerifies(t *testing.T) {
	msg := NewRequest(0x1234, 77, []byte("some payload!")).Marshal()
	if got := Checksum(msg); got != 0 {
		t.Errorf("checksum over a message with its checksum = %#04x, want 0", got)
	}

	// Appending the checksum of any even-length sequence makes the whole
	// sequence sum to zero.
	rnd := rand.New(rand.NewSource(1))
	inputs := [][]byte{
		{},
		{0x00, 0x00},
		{0xff, 0xff},
		{0x12, 0x34, 0x56, 0x78},
		{0xff, 0xff, 0xff, 0xff, 0x00, 0x01},
	}
	for n := 2; n <= 512; n *= 2 {
		b := make([]byte, n)
		rnd.Read(b)
		inputs = append(inputs, b)
	}
	for _, in := range inputs {
		c := Checksum(in)
		withSum := append(append([]byte(nil), in...), byte(c>>8), byte(c))
		if got := Checksum(withSum); got != 0 {
			t.Errorf("Checksum(% x ++ %#04x) = %#04x, want 0", in, c, got)
		}
	}
}

func TestChecksum_DetectsBitFlips(t *testing.T) {
	msg := NewRequest(7, 3, []byte("abcdefgh")).Marshal()
	for i := 0; i < len(msg)*8; i++ {
		c := append([]byte(nil), msg...)
		c[i/8] ^= 1 << (i % 8)
		if ChecksumValid(c) {
			t.Fatalf("flipping bit %d went unnoticed", i)
		}
	}
}

func TestMarshal(t *testing.T) {
	got := NewRequest(0, 1, nil).Marshal()
	want := []byte{0x08, 0x00, 0xf7, 0xfe, 0x00, 0x00, 0x00, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("Marshal() = % x, want % x", got, want)
	}
}

func TestMarshal_MatchesXNetICMP(t *testing.T) {
	payload := []byte("0123456789")
	got := NewRequest(0xbeef, 513, payload).Marshal()

	want, err := (&icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: 0xbeef, Seq: 513, Data: payload},
	}).Marshal(nil)
	if err != nil {
		t.Fatalf("icmp Marshal() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Marshal() = % x\nx/net/icmp = % x", got, want)
	}

	m, err := icmp.ParseMessage(1, got)
	if err != nil {
		t.Fatalf("icmp.ParseMessage() error = %v", err)
	}
	if diff := cmp.Diff(&icmp.Echo{ID: 0xbeef, Seq: 513, Data: payload}, m.Body); diff != "" {
		t.Errorf("echo body mismatch (-want +got):\n%s", diff)
	}
}

func TestParseEcho(t *testing.T) {
	msg := NewRequest(9, 10, []byte("xy")).Marshal()
	got, err := ParseEcho(msg)
	if err != nil {
		t.Fatalf("ParseEcho() error = %v", err)
	}
	want := Echo{
		Type:     TypeEchoRequest,
		Ident:    9,
		Seq:      10,
		Checksum: header.ICMPv4(msg).Checksum(),
		Payload:  []byte("xy"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseEcho() mismatch (-want +got):\n%s", diff)
	}
	if _, err := ParseEcho(msg[:7]); !errors.Is(err, inet.ErrInvalidArgument) {
		t.Errorf("ParseEcho(short) error = %v, want ErrInvalidArgument", err)
	}
}

func TestParseReply(t *testing.T) {
	ok := withIPHeader(0x00, 0x00, 0xff, 0xfe, 0x00, 0x00, 0x00, 0x01)
	r, err := ParseReply(ok)
	if err != nil {
		t.Fatalf("ParseReply() error = %v", err)
	}
	if r.Type != TypeEchoReply || r.Ident != 0 || r.Seq != 1 || !r.ChecksumOK {
		t.Errorf("ParseReply() = %+v", r)
	}

	bad := withIPHeader(0x00, 0x00, 0xfe, 0xff, 0x00, 0x00, 0x00, 0x01)
	if r, err := ParseReply(bad); err != nil || r.ChecksumOK {
		t.Errorf("ParseReply(bad checksum) = %+v, %v", r, err)
	}

	for _, n := range []int{0, 20, 27} {
		if _, err := ParseReply(make([]byte, n)); !errors.Is(err, inet.ErrInvalidArgument) {
			t.Errorf("ParseReply(%d bytes) error = %v, want ErrInvalidArgument", n, err)
		}
	}
}

// withIPHeader prefixes an ICMP message with 20 zero bytes standing in for
// the IPv4 header.
func withIPHeader(msg ...byte) []byte {
	return append(make([]byte, IPv4HeaderLen), msg...)
}
