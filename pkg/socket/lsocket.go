package socket

import (
	"github.com/pkg/errors"

	"inetcore/pkg/inet"
)

// Listen turns a bound stream socket into a listener. backlog is only a
// hint: the stack's accept_backlog decides when new connections are
// refused.
func (s *Socket) Listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateClosed:
		return inet.ErrClosed
	case s.typ != TypeStream:
		return errors.Wrapf(inet.ErrUnsupportedType, "listen on %v socket", s.typ)
	case s.state != StateBound:
		return errors.Wrapf(inet.ErrInvalidState, "listen in state %v", s.state)
	}
	if err := s.tcp.Listen(); err != nil {
		return err
	}
	s.state = StateListening
	return nil
}

// Accept blocks until a connection completes its handshake and returns it
// as a new established socket. The listener keeps listening.
func (s *Socket) Accept() (*Socket, inet.Addr, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch {
	case state == StateClosed:
		return nil, inet.Addr{}, inet.ErrClosed
	case s.typ != TypeStream:
		return nil, inet.Addr{}, errors.Wrapf(inet.ErrUnsupportedType, "accept on %v socket", s.typ)
	case state != StateListening:
		return nil, inet.Addr{}, errors.Wrapf(inet.ErrInvalidState, "accept in state %v", state)
	}

	c, err := s.tcp.Accept()
	if err != nil {
		return nil, inet.Addr{}, err
	}
	conn := &Socket{
		typ:    TypeStream,
		stack:  s.stack,
		ch:     c,
		tcp:    c,
		state:  StateEstablished,
		local:  c.LocalAddr(),
		remote: c.RemoteAddr(),
	}
	s.stack.Metrics().SocketsOpen.WithLabelValues(TypeStream.String()).Inc()
	return conn, conn.remote, nil
}
