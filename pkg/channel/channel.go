// Package channel provides the blocking endpoints every transport in the
// stack reads and writes through.
//
// A Read or Write on a channel is the only place a caller may be suspended.
// Read blocks until at least one byte (or one datagram) is available, the
// producer signals end of stream (io.EOF), the channel is closed
// (inet.ErrClosed), the transport failed (inet.ErrReset or the error given
// to Reset) or the read deadline expired (inet.ErrTimeout). An expired
// deadline leaves the channel usable.
package channel

import (
	"time"

	"inetcore/pkg/inet"
)

// Channel is the transport-agnostic contract sockets are built on.
type Channel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Deadliner is implemented by channels whose reads accept a deadline.
type Deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Datagram is one message together with the address it came from.
type Datagram struct {
	From inet.Addr
	Data []byte
}

// Signal wakes every goroutine waiting on its current generation. The
// owner's mutex guards it.
type Signal struct {
	ch chan struct{}
}

func NewSignal() Signal {
	return Signal{ch: make(chan struct{})}
}

// Wait returns a channel closed by the next Broadcast.
func (s *Signal) Wait() <-chan struct{} {
	return s.ch
}

func (s *Signal) Broadcast() {
	close(s.ch)
	s.ch = make(chan struct{})
}

// block waits for ch or the deadline. A zero deadline never expires.
// Callers re-check their state afterwards.
func block(ch <-chan struct{}, deadline time.Time) {
	if deadline.IsZero() {
		<-ch
		return
	}
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-ch:
	case <-t.C:
	}
}

func expired(deadline time.Time) bool {
	return !deadline.IsZero() && !time.Now().Before(deadline)
}
