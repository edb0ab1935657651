// Package ipstack is a small IPv4 host stack. It owns the transport control
// blocks behind sockets (UDP, TCP and raw ICMP endpoints), demultiplexes
// inbound datagrams to them, answers echo requests addressed to the host
// and hands outbound datagrams to a Link.
//
// Inbound processing never blocks: payloads are offered to endpoint queues
// and dropped when a queue is full.
package ipstack

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"inetcore/pkg/inet"
	"inetcore/pkg/logging"
	"inetcore/pkg/metrics"
)

const (
	protoICMP = uint8(header.ICMPv4ProtocolNumber)
	protoTCP  = uint8(header.TCPProtocolNumber)
	protoUDP  = uint8(header.UDPProtocolNumber)

	maxDatagram = 0xffff
)

// Link carries whole IPv4 datagrams below the stack.
type Link interface {
	// Attach installs the inbound handler. It is called once, by New.
	Attach(deliver func(pkt []byte))
	WritePacket(dst netip.Addr, pkt []byte) error
	Close() error
}

type Config struct {
	TTL           uint8     `yaml:"ttl"`
	EchoReply     bool      `yaml:"echo_reply"`
	EchoRateLimit float64   `yaml:"echo_rate_limit"`
	UDPQueueLen   int       `yaml:"udp_queue_len"`
	RawQueueLen   int       `yaml:"raw_queue_len"`
	TCP           TCPConfig `yaml:"tcp"`
}

type TCPConfig struct {
	BufferSize       int           `yaml:"buffer_size"`
	MSS              int           `yaml:"mss"`
	AcceptBacklog    int           `yaml:"accept_backlog"`
	SynRetries       int           `yaml:"syn_retries"`
	SynRetryInterval time.Duration `yaml:"syn_retry_interval"`
}

func DefaultConfig() Config {
	return Config{
		TTL:         64,
		EchoReply:   true,
		UDPQueueLen: 64,
		RawQueueLen: 64,
		TCP: TCPConfig{
			BufferSize:       65535,
			MSS:              1460,
			AcceptBacklog:    100,
			SynRetries:       3,
			SynRetryInterval: 3 * time.Second,
		},
	}
}

func (c Config) Validate() error {
	switch {
	case c.TTL == 0:
		return errors.New("ttl must be positive")
	case c.UDPQueueLen <= 0 || c.RawQueueLen <= 0:
		return errors.New("queue lengths must be positive")
	case c.TCP.BufferSize <= 0 || c.TCP.BufferSize > 0xffff:
		return errors.Errorf("tcp buffer_size %d out of range", c.TCP.BufferSize)
	case c.TCP.MSS <= 0 || c.TCP.MSS > maxDatagram-header.IPv4MinimumSize-header.TCPMinimumSize:
		return errors.Errorf("tcp mss %d out of range", c.TCP.MSS)
	case c.TCP.AcceptBacklog <= 0:
		return errors.New("tcp accept_backlog must be positive")
	case c.TCP.SynRetries < 0 || c.TCP.SynRetryInterval <= 0:
		return errors.New("tcp syn retry settings must be positive")
	case c.EchoRateLimit < 0:
		return errors.New("echo_rate_limit must not be negative")
	}
	return nil
}

type Stack struct {
	cfg     Config
	addr    netip.Addr
	link    Link
	log     *slog.Logger
	metrics *metrics.Metrics
	echo    *rate.Limiter

	mu       sync.Mutex
	ipID     uint16
	closed   bool
	udpPorts *portTable[*UDPEndpoint]
	tcpPorts *portTable[*TCPEndpoint]
	tcpConns map[connKey]*TCPEndpoint
	raw      map[*RawEndpoint]struct{}
}

// New creates a stack owning addr and attaches it to link.
func New(addr netip.Addr, cfg Config, link Link, log *slog.Logger, m *metrics.Metrics) (*Stack, error) {
	if !addr.Is4() || addr.IsUnspecified() {
		return nil, errors.Wrapf(inet.ErrInvalidArgument, "host address %v", addr)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "stack config")
	}
	limit := rate.Inf
	burst := 0
	if cfg.EchoRateLimit > 0 {
		limit = rate.Limit(cfg.EchoRateLimit)
		burst = max(1, int(cfg.EchoRateLimit))
	}
	s := &Stack{
		cfg:      cfg,
		addr:     addr,
		link:     link,
		log:      logging.OrNop(log).With(logging.KeyComponent, "ipstack"),
		metrics:  metrics.OrNew(m),
		echo:     rate.NewLimiter(limit, burst),
		udpPorts: newPortTable[*UDPEndpoint](),
		tcpPorts: newPortTable[*TCPEndpoint](),
		tcpConns: make(map[connKey]*TCPEndpoint),
		raw:      make(map[*RawEndpoint]struct{}),
	}
	link.Attach(s.deliver)
	return s, nil
}

// Addr is the host's IPv4 address.
func (s *Stack) Addr() netip.Addr {
	return s.addr
}

func (s *Stack) Config() Config {
	return s.cfg
}

func (s *Stack) Metrics() *metrics.Metrics {
	return s.metrics
}

// Close detaches the stack from its link. Endpoints keep their state but
// further output fails with inet.ErrClosed.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return errors.Wrap(s.link.Close(), "close link")
}

// localIP maps a bind address onto the host address. The unspecified
// address and the zero value both mean "this host".
func (s *Stack) localIP(ip netip.Addr) (netip.Addr, error) {
	switch {
	case !ip.IsValid(), ip.IsUnspecified():
		return s.addr, nil
	case !ip.Is4():
		return netip.Addr{}, errors.Wrapf(inet.ErrInvalidArgument, "not an IPv4 address: %v", ip)
	case ip != s.addr:
		return netip.Addr{}, errors.Wrapf(inet.ErrInvalidArgument, "%v is not a local address", ip)
	}
	return ip, nil
}

func (s *Stack) deliver(pkt []byte) {
	if len(pkt) < header.IPv4MinimumSize || header.IPVersion(pkt) != header.IPv4Version {
		s.drop(metrics.DropMalformed, "short or non-IPv4 datagram", len(pkt))
		return
	}
	ip := header.IPv4(pkt)
	if !ip.IsValid(len(pkt)) || int(ip.HeaderLength()) < header.IPv4MinimumSize {
		s.drop(metrics.DropMalformed, "bad IPv4 header", len(pkt))
		return
	}
	if ip.CalculateChecksum() != 0xffff {
		s.drop(metrics.DropChecksum, "bad IPv4 checksum", len(pkt))
		return
	}
	if ip.Flags()&header.IPv4FlagMoreFragments != 0 || ip.FragmentOffset() != 0 {
		s.drop(metrics.DropUnsupported, "fragment", len(pkt))
		return
	}
	src, _ := fromTCPIP(ip.SourceAddress())
	dst, _ := fromTCPIP(ip.DestinationAddress())
	if dst != s.addr {
		s.drop(metrics.DropNotForUs, "destination "+dst.String(), len(pkt))
		return
	}
	pkt = pkt[:ip.TotalLength()]
	payload := pkt[ip.HeaderLength():]
	s.metrics.BytesIn.Add(float64(len(pkt)))

	switch ip.Protocol() {
	case protoICMP:
		s.metrics.PacketsIn.WithLabelValues("icmp").Inc()
		s.icmpInput(pkt, src, dst, payload)
	case protoTCP:
		s.metrics.PacketsIn.WithLabelValues("tcp").Inc()
		s.tcpInput(src, dst, payload)
	case protoUDP:
		s.metrics.PacketsIn.WithLabelValues("udp").Inc()
		s.udpInput(src, dst, payload)
	default:
		s.drop(metrics.DropUnsupported, "protocol", len(pkt))
	}
}

func (s *Stack) drop(reason, detail string, n int) {
	s.metrics.PacketsDropped.WithLabelValues(reason).Inc()
	s.log.Debug("dropped datagram", logging.KeyReason, reason, "detail", detail, logging.KeyLen, n)
}

// output prepends an IPv4 header to payload and writes it to the link.
func (s *Stack) output(proto uint8, src, dst netip.Addr, payload []byte) error {
	if header.IPv4MinimumSize+len(payload) > maxDatagram {
		return errors.Wrapf(inet.ErrInvalidArgument, "datagram of %d bytes too large", len(payload))
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return inet.ErrClosed
	}
	s.ipID++
	id := s.ipID
	s.mu.Unlock()

	pkt := make([]byte, header.IPv4MinimumSize+len(payload))
	ip := header.IPv4(pkt)
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: uint16(len(pkt)),
		ID:          id,
		TTL:         s.cfg.TTL,
		Protocol:    proto,
		SrcAddr:     toTCPIP(src),
		DstAddr:     toTCPIP(dst),
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	copy(pkt[header.IPv4MinimumSize:], payload)

	if err := s.link.WritePacket(dst, pkt); err != nil {
		return errors.Wrapf(err, "write datagram to %v", dst)
	}
	s.metrics.PacketsOut.WithLabelValues(protoName(proto)).Inc()
	s.metrics.BytesOut.Add(float64(len(pkt)))
	return nil
}

// EndpointInfo describes one endpoint for listings.
type EndpointInfo struct {
	Proto  string
	Local  inet.Addr
	Remote inet.Addr
	State  string
	// RecvQ is queued bytes for TCP and queued datagrams otherwise.
	RecvQ int
	// Drops counts datagrams refused because the queue was full.
	Drops uint64
}

// Endpoints lists raw, TCP and UDP endpoints in that order. Bound ports
// are listed in ascending order.
func (s *Stack) Endpoints() []EndpointInfo {
	s.mu.Lock()
	var udp []*UDPEndpoint
	s.udpPorts.each(func(_ uint16, e *UDPEndpoint) bool {
		udp = append(udp, e)
		return true
	})
	var tcp []*TCPEndpoint
	s.tcpPorts.each(func(_ uint16, e *TCPEndpoint) bool {
		tcp = append(tcp, e)
		return true
	})
	for _, e := range s.tcpConns {
		if !e.ownsPort {
			tcp = append(tcp, e)
		}
	}
	raw := make([]*RawEndpoint, 0, len(s.raw))
	for e := range s.raw {
		raw = append(raw, e)
	}
	s.mu.Unlock()

	out := make([]EndpointInfo, 0, len(udp)+len(tcp)+len(raw))
	for _, e := range raw {
		out = append(out, e.info())
	}
	for _, e := range tcp {
		out = append(out, e.info())
	}
	for _, e := range udp {
		out = append(out, e.info())
	}
	return out
}

func protoName(proto uint8) string {
	switch proto {
	case protoICMP:
		return "icmp"
	case protoTCP:
		return "tcp"
	case protoUDP:
		return "udp"
	}
	return "unknown"
}

func toTCPIP(a netip.Addr) tcpip.Address {
	b := a.As4()
	return tcpip.Address(string(b[:]))
}

func fromTCPIP(a tcpip.Address) (netip.Addr, bool) {
	return netip.AddrFromSlice([]byte(a))
}
