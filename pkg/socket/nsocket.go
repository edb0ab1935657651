package socket

import (
	"io"

	"github.com/pkg/errors"

	"inetcore/pkg/inet"
)

// Connect sets the peer. Stream sockets run the handshake and block until
// it completes, failing with inet.ErrConnectionRefused or inet.ErrTimeout
// and falling back to BOUND. Datagram and raw sockets only record the
// default destination. A second Connect is inet.ErrInvalidState.
func (s *Socket) Connect(addr inet.Addr) error {
	if !addr.IsValid() {
		return errors.Wrapf(inet.ErrInvalidArgument, "connect to %v", addr)
	}
	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		return inet.ErrClosed
	case s.state != StateInitialized && s.state != StateBound:
		state := s.state
		s.mu.Unlock()
		return errors.Wrapf(inet.ErrInvalidState, "connect in state %v", state)
	}

	switch s.typ {
	case TypeDgram:
		defer s.mu.Unlock()
		if err := s.udp.Connect(addr); err != nil {
			return err
		}
		s.refreshLocal()
		s.remote = addr
		s.state = StateConnected
		return nil
	case TypeRaw:
		defer s.mu.Unlock()
		if err := s.raw.Connect(addr.IP); err != nil {
			return err
		}
		s.remote = inet.AddrFrom(addr.IP, 0)
		s.state = StateConnected
		return nil
	}

	s.state = StateConnecting
	s.mu.Unlock()
	err := s.tcp.Connect(addr)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return inet.ErrClosed
	}
	s.state = StateInitialized
	s.refreshLocal()
	if err != nil {
		return err
	}
	s.remote = addr
	s.state = StateEstablished
	return nil
}

// Send is SendTo without an explicit destination.
func (s *Socket) Send(b []byte) (int, error) {
	return s.SendTo(b, inet.Addr{})
}

// SendTo sends b. The zero Addr means no explicit destination. Datagram
// and raw sockets prefer to over the connected default and fail with
// inet.ErrNoRemoteAddress when neither is set. Stream sockets always send
// to their peer and reject any other explicit destination.
func (s *Socket) SendTo(b []byte, to inet.Addr) (int, error) {
	s.mu.Lock()
	state, remote := s.state, s.remote
	s.mu.Unlock()
	if state == StateClosed {
		return 0, inet.ErrClosed
	}
	if !to.IsZero() && !to.IsValid() {
		return 0, errors.Wrapf(inet.ErrInvalidArgument, "destination %v", to)
	}

	switch s.typ {
	case TypeStream:
		if state != StateEstablished {
			return 0, errors.Wrapf(inet.ErrInvalidState, "send in state %v", state)
		}
		if !to.IsZero() && to != remote {
			return 0, errors.Wrapf(inet.ErrInvalidArgument, "stream peer is %v, not %v", remote, to)
		}
		return s.tcp.Write(b)
	}

	dst := to
	if dst.IsZero() {
		dst = remote
	}
	if !dst.IsValid() {
		return 0, inet.ErrNoRemoteAddress
	}
	if s.typ == TypeRaw {
		return s.raw.WriteTo(b, dst.IP)
	}
	n, err := s.udp.WriteTo(b, dst)
	s.mu.Lock()
	if s.state != StateClosed {
		s.refreshLocal()
	}
	s.mu.Unlock()
	return n, err
}

// RecvFrom blocks until data arrives and returns the sender. Stream
// sockets always report their peer and return 0 bytes with a nil error
// once the peer has closed. Raw sockets return the whole IPv4 datagram.
func (s *Socket) RecvFrom(b []byte) (int, inet.Addr, error) {
	s.mu.Lock()
	state, remote := s.state, s.remote
	s.mu.Unlock()

	switch {
	case state == StateClosed:
		return 0, inet.Addr{}, inet.ErrClosed
	case s.typ == TypeStream:
		if state != StateEstablished {
			return 0, inet.Addr{}, errors.Wrapf(inet.ErrInvalidState, "receive in state %v", state)
		}
		n, err := s.tcp.Read(b)
		if errors.Is(err, io.EOF) {
			return 0, remote, nil
		}
		return n, remote, err
	case s.typ == TypeDgram:
		if state == StateInitialized {
			return 0, inet.Addr{}, errors.Wrap(inet.ErrInvalidState, "receive on unbound socket")
		}
		return s.udp.ReadFrom(b)
	}
	return s.raw.ReadFrom(b)
}
