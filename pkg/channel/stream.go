package channel

import (
	"io"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"

	"inetcore/pkg/inet"
)

// Stream is a blocking byte pipe. Producers either Write (blocking until
// everything fits) or Offer (taking what fits right now); consumers Read.
type Stream struct {
	mu       sync.Mutex
	buf      *ringbuffer.RingBuffer
	changed  Signal
	eof      bool
	closed   bool
	err      error
	deadline time.Time
}

func NewStream(size int) *Stream {
	return &Stream{
		buf:     ringbuffer.New(size),
		changed: NewSignal(),
	}
}

func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, inet.ErrClosed
		}
		if s.buf.Length() > 0 {
			n, _ := s.buf.Read(p)
			s.changed.Broadcast()
			s.mu.Unlock()
			return n, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return 0, err
		}
		if s.eof {
			s.mu.Unlock()
			return 0, io.EOF
		}
		if expired(s.deadline) {
			s.mu.Unlock()
			return 0, inet.ErrTimeout
		}
		ch, deadline := s.changed.Wait(), s.deadline
		s.mu.Unlock()
		block(ch, deadline)
	}
}

// Write blocks until all of p is buffered.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		s.mu.Lock()
		if err := s.writableLocked(); err != nil {
			s.mu.Unlock()
			return written, err
		}
		if free := s.buf.Free(); free > 0 {
			n, _ := s.buf.Write(p[written:min(len(p), written+free)])
			written += n
			s.changed.Broadcast()
			s.mu.Unlock()
			continue
		}
		ch := s.changed.Wait()
		s.mu.Unlock()
		<-ch
	}
	return written, nil
}

// Offer buffers as much of p as fits without blocking and returns the
// number of bytes taken.
func (s *Stream) Offer(p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writableLocked() != nil || len(p) == 0 {
		return 0
	}
	free := s.buf.Free()
	if free == 0 {
		return 0
	}
	n, _ := s.buf.Write(p[:min(len(p), free)])
	s.changed.Broadcast()
	return n
}

func (s *Stream) writableLocked() error {
	switch {
	case s.closed, s.eof:
		return inet.ErrClosed
	case s.err != nil:
		return s.err
	}
	return nil
}

// CloseWrite marks the end of the stream. Buffered bytes remain readable;
// afterwards Read returns io.EOF.
func (s *Stream) CloseWrite() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eof {
		s.eof = true
		s.changed.Broadcast()
	}
}

// Reset fails the stream with err (inet.ErrReset when nil).
func (s *Stream) Reset(err error) {
	if err == nil {
		err = inet.ErrReset
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
		s.changed.Broadcast()
	}
}

// Close discards buffered data and fails later reads and writes with
// inet.ErrClosed. Closing twice is a no-op.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.buf.Reset()
	s.changed.Broadcast()
	return nil
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = t
	s.changed.Broadcast()
	return nil
}

// Len is the number of buffered bytes.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Length()
}

// Free is the number of bytes that can be buffered without blocking.
func (s *Stream) Free() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writableLocked() != nil {
		return 0
	}
	return s.buf.Free()
}
