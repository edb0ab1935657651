// Package socket is the BSD-style API over the stack. One Socket type
// covers stream (TCP), datagram (UDP) and raw ICMP sockets; operations that
// make no sense for a socket's type or state fail instead of doing nothing.
//
// A Socket is meant to be driven by one goroutine at a time. Sockets
// returned by Accept are independent of their listener.
package socket

import (
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"

	"inetcore/pkg/channel"
	"inetcore/pkg/inet"
	"inetcore/pkg/ipstack"
)

type Domain int

// AFInet is the only supported address family.
const AFInet Domain = 2

type Type int

const (
	TypeStream Type = 1
	TypeDgram  Type = 2
	TypeRaw    Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeStream:
		return "stream"
	case TypeDgram:
		return "dgram"
	case TypeRaw:
		return "raw"
	}
	return "unknown"
}

type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateBound
	StateListening
	StateConnecting
	StateEstablished
	// StateConnected is a datagram or raw socket with a default remote.
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitialized:
		return "INITIALIZED"
	case StateBound:
		return "BOUND"
	case StateListening:
		return "LISTENING"
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Socket holds a channel and the stack's control block behind it. Exactly
// one of tcp, udp and raw is set, matching typ.
type Socket struct {
	typ   Type
	stack *ipstack.Stack
	ch    channel.Channel

	tcp *ipstack.TCPEndpoint
	udp *ipstack.UDPEndpoint
	raw *ipstack.RawEndpoint

	mu     sync.Mutex
	state  State
	local  inet.Addr
	remote inet.Addr
}

// New creates a socket of typ in domain. No datagram is sent.
func New(stack *ipstack.Stack, domain Domain, typ Type) (*Socket, error) {
	if stack == nil {
		return nil, errors.Wrap(inet.ErrInvalidArgument, "nil stack")
	}
	if domain != AFInet {
		return nil, errors.Wrapf(inet.ErrUnsupportedDomain, "domain %d", domain)
	}
	s := &Socket{typ: typ, stack: stack, state: StateInitialized}
	switch typ {
	case TypeStream:
		s.tcp = stack.NewTCP()
		s.ch = s.tcp
	case TypeDgram:
		s.udp = stack.NewUDP()
		s.ch = s.udp
	case TypeRaw:
		s.raw = stack.NewRaw()
		s.ch = s.raw
		s.local = inet.AddrFrom(stack.Addr(), 0)
	default:
		return nil, errors.Wrapf(inet.ErrUnsupportedType, "type %d", typ)
	}
	stack.Metrics().SocketsOpen.WithLabelValues(typ.String()).Inc()
	return s, nil
}

func (s *Socket) Type() Type {
	return s.typ
}

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) LocalAddr() inet.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Socket) RemoteAddr() inet.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Bind assigns the local address. The zero IP and the unspecified IP mean
// the host's address; port 0 picks an ephemeral port. Raw sockets ignore
// the port.
func (s *Socket) Bind(addr inet.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateClosed:
		return inet.ErrClosed
	case s.state != StateInitialized:
		return errors.Wrapf(inet.ErrInvalidState, "bind in state %v", s.state)
	case addr.IP.IsValid() && !addr.IP.Is4():
		return errors.Wrapf(inet.ErrInvalidArgument, "bind address %v", addr)
	}

	var err error
	switch s.typ {
	case TypeStream:
		s.local, err = s.tcp.Bind(addr)
	case TypeDgram:
		s.local, err = s.udp.Bind(addr)
	case TypeRaw:
		var ip netip.Addr
		ip, err = s.raw.Bind(addr.IP)
		s.local = inet.AddrFrom(ip, 0)
	}
	if err != nil {
		return err
	}
	s.state = StateBound
	return nil
}

// SetReadDeadline bounds subsequent RecvFrom calls. An expired deadline
// yields inet.ErrTimeout and leaves the socket usable; the zero time
// removes it.
func (s *Socket) SetReadDeadline(t time.Time) error {
	if s.State() == StateClosed {
		return inet.ErrClosed
	}
	return s.ch.(channel.Deadliner).SetReadDeadline(t)
}

// Close releases the channel and the control block. Closing twice is a
// no-op.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.stack.Metrics().SocketsOpen.WithLabelValues(s.typ.String()).Dec()
	return s.ch.Close()
}

// refreshLocal picks up the implicit bind done by a first send or connect.
// s.mu must be held.
func (s *Socket) refreshLocal() {
	switch s.typ {
	case TypeStream:
		s.local = s.tcp.LocalAddr()
	case TypeDgram:
		s.local = s.udp.LocalAddr()
	}
	if s.state == StateInitialized && s.local.Port != 0 {
		s.state = StateBound
	}
}
