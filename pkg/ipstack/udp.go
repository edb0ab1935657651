package ipstack

import (
	"net/netip"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"inetcore/pkg/channel"
	"inetcore/pkg/inet"
	"inetcore/pkg/metrics"
)

// UDPEndpoint is the control block of a datagram socket. Once connected it
// only accepts datagrams from its remote address.
type UDPEndpoint struct {
	stack *Stack
	rx    *channel.Packets

	mu     sync.Mutex
	local  inet.Addr
	remote inet.Addr
	bound  bool
	closed bool
}

func (s *Stack) NewUDP() *UDPEndpoint {
	return &UDPEndpoint{
		stack: s,
		rx:    channel.NewPackets(s.cfg.UDPQueueLen),
	}
}

// Bind reserves addr's port. Port 0 selects an ephemeral port.
func (e *UDPEndpoint) Bind(addr inet.Addr) (inet.Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bindLocked(addr)
}

func (e *UDPEndpoint) bindLocked(addr inet.Addr) (inet.Addr, error) {
	switch {
	case e.closed:
		return inet.Addr{}, inet.ErrClosed
	case e.bound:
		return inet.Addr{}, errors.Wrap(inet.ErrInvalidState, "udp endpoint already bound")
	}
	ip, err := e.stack.localIP(addr.IP)
	if err != nil {
		return inet.Addr{}, err
	}
	e.stack.mu.Lock()
	port, err := e.stack.udpPorts.bind(addr.Port, e)
	e.stack.mu.Unlock()
	if err != nil {
		return inet.Addr{}, errors.Wrap(err, "udp bind")
	}
	e.local = inet.AddrFrom(ip, port)
	e.bound = true
	return e.local, nil
}

// Connect fixes the default destination. No datagram is sent.
func (e *UDPEndpoint) Connect(remote inet.Addr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.bound {
		if _, err := e.bindLocked(inet.Addr{}); err != nil {
			return err
		}
	}
	e.remote = remote
	return nil
}

// WriteTo sends one datagram to to, binding an ephemeral port first if
// needed.
func (e *UDPEndpoint) WriteTo(b []byte, to inet.Addr) (int, error) {
	if header.IPv4MinimumSize+header.UDPMinimumSize+len(b) > maxDatagram {
		return 0, errors.Wrapf(inet.ErrInvalidArgument, "udp payload of %d bytes too large", len(b))
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, inet.ErrClosed
	}
	if !e.bound {
		if _, err := e.bindLocked(inet.Addr{}); err != nil {
			e.mu.Unlock()
			return 0, err
		}
	}
	local := e.local
	e.mu.Unlock()

	seg := make([]byte, header.UDPMinimumSize+len(b))
	u := header.UDP(seg)
	u.Encode(&header.UDPFields{
		SrcPort: local.Port,
		DstPort: to.Port,
		Length:  uint16(len(seg)),
	})
	copy(seg[header.UDPMinimumSize:], b)
	xsum := transportChecksum(protoUDP, local.IP, to.IP, seg)
	if xsum == 0 {
		xsum = 0xffff
	}
	u.SetChecksum(xsum)

	if err := e.stack.output(protoUDP, local.IP, to.IP, seg); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Write sends to the connected remote address.
func (e *UDPEndpoint) Write(b []byte) (int, error) {
	e.mu.Lock()
	remote := e.remote
	e.mu.Unlock()
	if !remote.IsValid() {
		return 0, inet.ErrNoRemoteAddress
	}
	return e.WriteTo(b, remote)
}

// ReadFrom blocks for the next datagram.
func (e *UDPEndpoint) ReadFrom(b []byte) (int, inet.Addr, error) {
	return e.rx.ReadFrom(b)
}

func (e *UDPEndpoint) Read(b []byte) (int, error) {
	return e.rx.Read(b)
}

func (e *UDPEndpoint) SetReadDeadline(t time.Time) error {
	return e.rx.SetReadDeadline(t)
}

func (e *UDPEndpoint) LocalAddr() inet.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

// Close releases the port and the receive queue. Closing twice is a no-op.
func (e *UDPEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	bound, port := e.bound, e.local.Port
	e.mu.Unlock()

	if bound {
		e.stack.mu.Lock()
		e.stack.udpPorts.release(port, e)
		e.stack.mu.Unlock()
	}
	return e.rx.Close()
}

func (e *UDPEndpoint) info() EndpointInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := "bound"
	if e.remote.IsValid() {
		state = "connected"
	}
	return EndpointInfo{
		Proto:  "udp",
		Local:  e.local,
		Remote: e.remote,
		State:  state,
		RecvQ:  e.rx.Len(),
		Drops:  e.rx.Dropped(),
	}
}

func (s *Stack) udpInput(src, dst netip.Addr, seg []byte) {
	if len(seg) < header.UDPMinimumSize {
		s.drop(metrics.DropMalformed, "short udp header", len(seg))
		return
	}
	u := header.UDP(seg)
	length := int(u.Length())
	if length < header.UDPMinimumSize || length > len(seg) {
		s.drop(metrics.DropMalformed, "bad udp length", len(seg))
		return
	}
	seg = seg[:length]
	if u.Checksum() != 0 && !transportChecksumValid(protoUDP, src, dst, seg) {
		s.drop(metrics.DropChecksum, "bad udp checksum", len(seg))
		return
	}

	s.mu.Lock()
	e, ok := s.udpPorts.lookup(u.DestinationPort())
	s.mu.Unlock()
	if !ok {
		s.drop(metrics.DropNoEndpoint, "udp port", len(seg))
		return
	}

	from := inet.AddrFrom(src, u.SourcePort())
	e.mu.Lock()
	remote := e.remote
	e.mu.Unlock()
	if remote.IsValid() && remote != from {
		s.drop(metrics.DropNoEndpoint, "udp peer mismatch", len(seg))
		return
	}
	data := append([]byte(nil), seg[header.UDPMinimumSize:]...)
	if !e.rx.Offer(channel.Datagram{From: from, Data: data}) {
		s.drop(metrics.DropQueueFull, "udp queue", len(seg))
	}
}
