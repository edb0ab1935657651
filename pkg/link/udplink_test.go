package link_test

import (
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/pkg/errors"

	"inetcore/pkg/inet"
	"inetcore/pkg/ipstack"
	"inetcore/pkg/link"
	"inetcore/pkg/ping"
	"inetcore/pkg/socket"
)

var (
	ipA = netip.MustParseAddr("10.0.0.1")
	ipB = netip.MustParseAddr("10.0.0.2")
)

func listen(t *testing.T) *link.UDP {
	t.Helper()
	l, err := link.ListenUDP(netip.MustParseAddrPort("127.0.0.1:0"), nil, nil)
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// pair builds two hosts that reach each other over real UDP sockets.
func pair(t *testing.T) (a, b *ipstack.Stack) {
	t.Helper()
	la, lb := listen(t), listen(t)
	la.AddNeighbor(link.Neighbor{IP: ipB, UDP: lb.LocalAddr()})
	lb.AddNeighbor(link.Neighbor{IP: ipA, UDP: la.LocalAddr()})

	var err error
	if a, err = ipstack.New(ipA, ipstack.DefaultConfig(), la, nil, nil); err != nil {
		t.Fatalf("ipstack.New() error = %v", err)
	}
	if b, err = ipstack.New(ipB, ipstack.DefaultConfig(), lb, nil, nil); err != nil {
		t.Fatalf("ipstack.New() error = %v", err)
	}
	return a, b
}

func TestUDP_Ping(t *testing.T) {
	a, _ := pair(t)
	cfg := ping.DefaultConfig()
	cfg.Timeout = 2 * time.Second
	if _, err := ping.Host(a, ipB, cfg); err != nil {
		t.Fatalf("ping.Host() error = %v", err)
	}
}

func TestUDP_Stream(t *testing.T) {
	a, b := pair(t)

	ln, _ := socket.New(b, socket.AFInet, socket.TypeStream)
	defer ln.Close()
	if err := ln.Bind(inet.Addr{Port: 8080}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := ln.Listen(1); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	c, _ := socket.New(a, socket.AFInet, socket.TypeStream)
	defer c.Close()
	if err := c.Connect(inet.AddrFrom(ipB, 8080)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn, peer, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	defer conn.Close()
	if peer.IP != ipA {
		t.Errorf("Accept() peer = %v, want host %v", peer, ipA)
	}

	msg := []byte("across the wire")
	if _, err := c.Send(msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(recvReader{conn}, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("received %q, want %q", buf, msg)
	}
}

type recvReader struct{ s *socket.Socket }

func (r recvReader) Read(b []byte) (int, error) {
	n, _, err := r.s.RecvFrom(b)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

func TestUDP_WritePacket(t *testing.T) {
	l := listen(t)
	if err := l.WritePacket(ipB, []byte{0x45}); !errors.Is(err, inet.ErrInvalidArgument) {
		t.Errorf("WritePacket(unknown neighbor) error = %v, want ErrInvalidArgument", err)
	}

	peer := listen(t)
	l.AddNeighbor(link.Neighbor{IP: ipB, UDP: peer.LocalAddr()})
	got := make(chan []byte, 1)
	peer.Attach(func(pkt []byte) { got <- pkt })
	if err := l.WritePacket(ipB, []byte("frame")); err != nil {
		t.Fatalf("WritePacket() error = %v", err)
	}
	select {
	case pkt := <-got:
		if string(pkt) != "frame" {
			t.Errorf("delivered %q, want frame", pkt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := l.WritePacket(ipB, []byte("late")); !errors.Is(err, inet.ErrClosed) {
		t.Errorf("WritePacket() after Close error = %v, want ErrClosed", err)
	}
}

func TestUDP_Neighbors(t *testing.T) {
	l, err := link.ListenUDP(netip.MustParseAddrPort("127.0.0.1:0"), []link.Neighbor{
		{IP: ipB, UDP: netip.MustParseAddrPort("127.0.0.1:2")},
		{IP: ipA, UDP: netip.MustParseAddrPort("127.0.0.1:1")},
	}, nil)
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer l.Close()

	n := l.Neighbors()
	if len(n) != 2 || n[0].IP != ipA || n[1].IP != ipB {
		t.Errorf("Neighbors() = %v, want sorted by address", n)
	}
	l.AddNeighbor(link.Neighbor{IP: ipA, UDP: netip.MustParseAddrPort("127.0.0.1:3")})
	if n := l.Neighbors(); len(n) != 2 || n[0].UDP.Port() != 3 {
		t.Errorf("Neighbors() after replace = %v", n)
	}
}
