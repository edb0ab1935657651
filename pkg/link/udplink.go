// Package link carries virtual IPv4 datagrams between hosts, one datagram
// per real UDP datagram.
package link

import (
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"inetcore/pkg/inet"
	"inetcore/pkg/logging"
)

const (
	// maxFrame is the largest datagram the link reads.
	maxFrame = 1 << 16

	minReadBackoff = 5 * time.Millisecond
	maxReadBackoff = time.Second
)

// Neighbor maps a virtual IPv4 address to the UDP address of the host
// owning it.
type Neighbor struct {
	IP  netip.Addr
	UDP netip.AddrPort
}

// UDP is a Link backed by a UDP socket. Datagrams to unknown neighbors
// are refused.
type UDP struct {
	conn *net.UDPConn
	log  *slog.Logger

	mu        sync.RWMutex
	neighbors map[netip.Addr]netip.AddrPort

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// ListenUDP opens the link's socket on listen.
func ListenUDP(listen netip.AddrPort, neighbors []Neighbor, log *slog.Logger) (*UDP, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(listen))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %v", listen)
	}
	l := &UDP{
		conn:      conn,
		log:       logging.OrNop(log).With(logging.KeyComponent, "link"),
		neighbors: make(map[netip.Addr]netip.AddrPort, len(neighbors)),
		done:      make(chan struct{}),
	}
	for _, n := range neighbors {
		l.neighbors[n.IP] = n.UDP
	}
	return l, nil
}

// LocalAddr is the UDP address the link receives on.
func (l *UDP) LocalAddr() netip.AddrPort {
	return l.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// AddNeighbor adds or replaces the UDP address of ip.
func (l *UDP) AddNeighbor(n Neighbor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.neighbors[n.IP] = n.UDP
}

// Neighbors lists the table sorted by virtual address.
func (l *UDP) Neighbors() []Neighbor {
	l.mu.RLock()
	out := make([]Neighbor, 0, len(l.neighbors))
	for ip, udp := range l.neighbors {
		out = append(out, Neighbor{IP: ip, UDP: udp})
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out
}

func (l *UDP) Attach(deliver func(pkt []byte)) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.readLoop(l.conn, deliver)
	}()
}

type frameReader interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
}

// readLoop delivers frames until the link is closed. Consecutive read
// errors back off exponentially up to maxReadBackoff.
func (l *UDP) readLoop(r frameReader, deliver func(pkt []byte)) {
	buf := make([]byte, maxFrame)
	var backoff time.Duration
	for {
		n, from, err := r.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				l.log.Warn("link socket closed", logging.KeyError, err)
				return
			}
			backoff = min(max(2*backoff, minReadBackoff), maxReadBackoff)
			l.log.Warn("link read failed", logging.KeyError, err, logging.KeyDuration, backoff)
			select {
			case <-l.done:
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0
		l.log.Debug("frame received", logging.KeyRemoteAddr, from, logging.KeyLen, n)
		deliver(append([]byte(nil), buf[:n]...))
	}
}

func (l *UDP) WritePacket(dst netip.Addr, pkt []byte) error {
	l.mu.RLock()
	to, ok := l.neighbors[dst]
	l.mu.RUnlock()
	if !ok {
		return errors.Wrapf(inet.ErrInvalidArgument, "no neighbor for %v", dst)
	}
	if _, err := l.conn.WriteToUDPAddrPort(pkt, to); err != nil {
		select {
		case <-l.done:
			return inet.ErrClosed
		default:
		}
		return errors.Wrapf(err, "send to %v", to)
	}
	return nil
}

// Close stops the reader and closes the socket. Closing twice is a no-op.
func (l *UDP) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.conn.Close()
		l.wg.Wait()
	})
	return err
}
