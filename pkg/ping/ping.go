// Package ping implements ICMP echo over a raw socket: it builds echo
// requests, waits for the matching reply and reports the round-trip time.
//
// A reply is accepted only when it is an echo reply carrying the request's
// identifier and sequence number with a valid checksum. Anything else is
// discarded and waiting continues until the timeout. A matching reply with
// a bad checksum turns the final error into inet.ErrChecksumMismatch
// instead of inet.ErrNoReply.
package ping

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"inetcore/pkg/inet"
	"inetcore/pkg/ipstack"
	"inetcore/pkg/logging"
	"inetcore/pkg/metrics"
	"inetcore/pkg/socket"
)

const maxReply = 0xffff

// Conn is the part of a raw socket the pinger needs.
type Conn interface {
	SendTo(b []byte, to inet.Addr) (int, error)
	RecvFrom(b []byte) (int, inet.Addr, error)
	SetReadDeadline(t time.Time) error
}

type Config struct {
	// Ident is the identifier of every request this pinger sends.
	Ident       uint16        `yaml:"ident"`
	Timeout     time.Duration `yaml:"timeout"`
	PayloadSize int           `yaml:"payload_size"`
}

func DefaultConfig() Config {
	return Config{Timeout: 3 * time.Second}
}

func (c Config) Validate() error {
	switch {
	case c.Timeout <= 0:
		return errors.New("ping timeout must be positive")
	case c.PayloadSize < 0 || c.PayloadSize > maxReply-IPv4HeaderLen-HeaderLen:
		return errors.Errorf("ping payload_size %d out of range", c.PayloadSize)
	}
	return nil
}

type Option func(*Pinger)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pinger) { p.log = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pinger) { p.metrics = metrics.OrNew(m) }
}

// Pinger sends echo requests through one connection. Sequence numbers
// start at 1 and grow by one per Ping.
type Pinger struct {
	conn    Conn
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	seq     uint16
	payload []byte
	stats   Stats
	buf     []byte
}

func NewPinger(conn Conn, cfg Config, opts ...Option) *Pinger {
	p := &Pinger{
		conn:    conn,
		cfg:     cfg,
		log:     logging.NopLogger(),
		metrics: metrics.New(nil),
		payload: make([]byte, cfg.PayloadSize),
		buf:     make([]byte, maxReply),
	}
	for i := range p.payload {
		p.payload[i] = byte(i)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stats returns the statistics of all pings so far.
func (p *Pinger) Stats() Stats {
	return p.stats
}

// Ping sends one echo request to dst and waits up to the configured
// timeout for its reply. Requests are never resent.
func (p *Pinger) Ping(dst netip.Addr) (time.Duration, error) {
	if !dst.Is4() {
		return 0, errors.Wrapf(inet.ErrInvalidArgument, "ping %v", dst)
	}
	p.seq++
	req := NewRequest(p.cfg.Ident, p.seq, p.payload)
	msg := req.Marshal()

	deadline := time.Now().Add(p.cfg.Timeout)
	if err := p.conn.SetReadDeadline(deadline); err != nil {
		return 0, errors.Wrap(err, "set reply deadline")
	}
	defer p.conn.SetReadDeadline(time.Time{})

	start := time.Now()
	if _, err := p.conn.SendTo(msg, inet.AddrFrom(dst, 0)); err != nil {
		p.metrics.PingFailures.WithLabelValues(metrics.FailSend).Inc()
		return 0, errors.Wrapf(err, "send echo request to %v", dst)
	}
	p.stats.Sent++
	p.metrics.PingsSent.Inc()

	mismatch := false
	for {
		n, from, err := p.conn.RecvFrom(p.buf)
		if errors.Is(err, inet.ErrTimeout) {
			break
		}
		if err != nil {
			return 0, errors.Wrapf(err, "wait for echo reply from %v", dst)
		}
		stop := time.Now()

		r, err := ParseReply(p.buf[:n])
		switch {
		case err != nil:
			p.discard("short packet", from, req)
			continue
		case from.IP.IsValid() && from.IP != dst:
			p.discard("other source", from, req)
			continue
		case r.Type != TypeEchoReply || r.Code != 0:
			p.discard("not an echo reply", from, req)
			continue
		// Matched before the checksum: a corrupted reply to another
		// request is not ours.
		case r.Ident != req.Ident || r.Seq != req.Seq:
			p.discard("identifier or sequence mismatch", from, req)
			continue
		case !r.ChecksumOK:
			mismatch = true
			p.discard("checksum mismatch", from, req)
			continue
		}

		rtt := max(stop.Sub(start), 0)
		p.stats.observe(rtt)
		p.metrics.PingReplies.Inc()
		p.metrics.PingRTT.Observe(rtt.Seconds())
		p.log.Debug("echo reply", logging.KeyRemoteAddr, dst, logging.KeySeq, req.Seq, logging.KeyDuration, rtt)
		return rtt, nil
	}

	if mismatch {
		p.metrics.PingFailures.WithLabelValues(metrics.FailChecksumMismatch).Inc()
		return 0, errors.Wrapf(inet.ErrChecksumMismatch, "echo reply from %v", dst)
	}
	p.metrics.PingFailures.WithLabelValues(metrics.FailNoReply).Inc()
	return 0, errors.Wrapf(inet.ErrNoReply, "%v within %v", dst, p.cfg.Timeout)
}

func (p *Pinger) discard(reason string, from inet.Addr, req Echo) {
	p.metrics.PingDiscarded.Inc()
	p.log.Debug("discarded packet", logging.KeyReason, reason, logging.KeyRemoteAddr, from,
		logging.KeyIdent, req.Ident, logging.KeySeq, req.Seq)
}

// Host opens a raw socket on stack, pings dst once and closes the socket.
func Host(stack *ipstack.Stack, dst netip.Addr, cfg Config, opts ...Option) (time.Duration, error) {
	sock, err := socket.New(stack, socket.AFInet, socket.TypeRaw)
	if err != nil {
		return 0, errors.Wrap(err, "open raw socket")
	}
	defer sock.Close()
	return NewPinger(sock, cfg, opts...).Ping(dst)
}
