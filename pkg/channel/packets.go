package channel

import (
	"sync"
	"time"

	"inetcore/pkg/inet"
)

// Packets is a bounded queue of datagrams. Message boundaries are kept:
// each Read returns one datagram, truncated to the caller's buffer.
type Packets struct {
	mu       sync.Mutex
	queue    []Datagram
	limit    int
	changed  Signal
	closed   bool
	deadline time.Time
	dropped  uint64
}

func NewPackets(limit int) *Packets {
	if limit <= 0 {
		limit = 1
	}
	return &Packets{
		limit:   limit,
		changed: NewSignal(),
	}
}

// Offer queues d without blocking. It reports false, and counts a drop,
// when the queue is full or closed.
func (q *Packets) Offer(d Datagram) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.queue) >= q.limit {
		q.dropped++
		return false
	}
	q.queue = append(q.queue, d)
	q.changed.Broadcast()
	return true
}

// Write queues a copy of p as one datagram with no sender, blocking while
// the queue is full.
func (q *Packets) Write(p []byte) (int, error) {
	d := Datagram{Data: append([]byte(nil), p...)}
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return 0, inet.ErrClosed
		}
		if len(q.queue) < q.limit {
			q.queue = append(q.queue, d)
			q.changed.Broadcast()
			q.mu.Unlock()
			return len(p), nil
		}
		ch := q.changed.Wait()
		q.mu.Unlock()
		<-ch
	}
}

func (q *Packets) Read(p []byte) (int, error) {
	n, _, err := q.ReadFrom(p)
	return n, err
}

// ReadFrom dequeues the oldest datagram into p and returns its sender.
func (q *Packets) ReadFrom(p []byte) (int, inet.Addr, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return 0, inet.Addr{}, inet.ErrClosed
		}
		if len(q.queue) > 0 {
			d := q.queue[0]
			q.queue[0] = Datagram{}
			q.queue = q.queue[1:]
			q.changed.Broadcast()
			q.mu.Unlock()
			return copy(p, d.Data), d.From, nil
		}
		if expired(q.deadline) {
			q.mu.Unlock()
			return 0, inet.Addr{}, inet.ErrTimeout
		}
		ch, deadline := q.changed.Wait(), q.deadline
		q.mu.Unlock()
		block(ch, deadline)
	}
}

func (q *Packets) SetReadDeadline(t time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadline = t
	q.changed.Broadcast()
	return nil
}

// Close drops queued datagrams. Closing twice is a no-op.
func (q *Packets) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.queue = nil
	q.changed.Broadcast()
	return nil
}

func (q *Packets) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Dropped counts datagrams refused by Offer.
func (q *Packets) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
