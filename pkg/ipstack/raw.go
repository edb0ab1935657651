package ipstack

import (
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"

	"inetcore/pkg/channel"
	"inetcore/pkg/inet"
)

// RawEndpoint sends ICMP messages and receives a copy of every inbound ICMP
// datagram, IPv4 header included. Checksums are left for the reader to
// verify.
type RawEndpoint struct {
	stack *Stack
	rx    *channel.Packets

	mu     sync.Mutex
	local  netip.Addr
	remote netip.Addr
	closed bool
}

// NewRaw registers a raw ICMP endpoint. It receives from the moment it is
// created.
func (s *Stack) NewRaw() *RawEndpoint {
	e := &RawEndpoint{
		stack: s,
		rx:    channel.NewPackets(s.cfg.RawQueueLen),
		local: s.addr,
	}
	s.mu.Lock()
	s.raw[e] = struct{}{}
	s.mu.Unlock()
	return e
}

// Bind checks that ip is local. Raw endpoints have no ports.
func (e *RawEndpoint) Bind(ip netip.Addr) (netip.Addr, error) {
	local, err := e.stack.localIP(ip)
	if err != nil {
		return netip.Addr{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return netip.Addr{}, inet.ErrClosed
	}
	e.local = local
	return local, nil
}

func (e *RawEndpoint) Connect(remote netip.Addr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return inet.ErrClosed
	}
	e.remote = remote
	return nil
}

// WriteTo sends b, a complete ICMP message, to dst.
func (e *RawEndpoint) WriteTo(b []byte, dst netip.Addr) (int, error) {
	if !dst.Is4() {
		return 0, errors.Wrapf(inet.ErrInvalidArgument, "raw destination %v", dst)
	}
	e.mu.Lock()
	closed, local := e.closed, e.local
	e.mu.Unlock()
	if closed {
		return 0, inet.ErrClosed
	}
	if err := e.stack.output(protoICMP, local, dst, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (e *RawEndpoint) Write(b []byte) (int, error) {
	e.mu.Lock()
	remote := e.remote
	e.mu.Unlock()
	if !remote.IsValid() {
		return 0, inet.ErrNoRemoteAddress
	}
	return e.WriteTo(b, remote)
}

// ReadFrom returns the next whole IPv4 datagram and its source. The port
// of the returned address is always zero.
func (e *RawEndpoint) ReadFrom(b []byte) (int, inet.Addr, error) {
	return e.rx.ReadFrom(b)
}

func (e *RawEndpoint) Read(b []byte) (int, error) {
	return e.rx.Read(b)
}

func (e *RawEndpoint) SetReadDeadline(t time.Time) error {
	return e.rx.SetReadDeadline(t)
}

func (e *RawEndpoint) LocalAddr() netip.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

func (e *RawEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.stack.mu.Lock()
	delete(e.stack.raw, e)
	e.stack.mu.Unlock()
	return e.rx.Close()
}

func (e *RawEndpoint) info() EndpointInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := EndpointInfo{
		Proto: "icmp",
		Local: inet.AddrFrom(e.local, 0),
		State: "raw",
		RecvQ: e.rx.Len(),
		Drops: e.rx.Dropped(),
	}
	if e.remote.IsValid() {
		info.Remote = inet.AddrFrom(e.remote, 0)
	}
	return info
}
