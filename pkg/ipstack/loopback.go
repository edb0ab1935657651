package ipstack

import (
	"net/netip"
	"sync"

	"github.com/pkg/errors"

	"inetcore/pkg/inet"
)

// Loopback is a Link that hands every written datagram back to the stack
// on its own goroutine, like a wire that loops back to the same host.
type Loopback struct {
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// NewLoopback creates a loopback link queueing up to depth datagrams.
// Datagrams written while the queue is full are dropped.
func NewLoopback(depth int) *Loopback {
	return &Loopback{
		queue: make(chan []byte, max(depth, 1)),
		done:  make(chan struct{}),
	}
}

func (l *Loopback) Attach(deliver func(pkt []byte)) {
	go func() {
		for {
			select {
			case pkt := <-l.queue:
				deliver(pkt)
			case <-l.done:
				return
			}
		}
	}()
}

func (l *Loopback) WritePacket(_ netip.Addr, pkt []byte) error {
	select {
	case <-l.done:
		return inet.ErrClosed
	default:
	}
	select {
	case l.queue <- append([]byte(nil), pkt...):
		return nil
	default:
		return errors.New("loopback queue full")
	}
}

func (l *Loopback) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
