package ping

import (
	"net/netip"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"inetcore/pkg/inet"
	"inetcore/pkg/ipstack"
	"inetcore/pkg/metrics"
)

var target = netip.MustParseAddr("1.1.1.1")

// stubConn answers RecvFrom from a fixed list of datagrams and then times
// out.
type stubConn struct {
	replies [][]byte
	from    inet.Addr
	sent    [][]byte
	sendErr error
}

func (c *stubConn) SendTo(b []byte, to inet.Addr) (int, error) {
	if c.sendErr != nil {
		return 0, c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), b...))
	return len(b), nil
}

func (c *stubConn) RecvFrom(b []byte) (int, inet.Addr, error) {
	if len(c.replies) == 0 {
		return 0, inet.Addr{}, inet.ErrTimeout
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	return copy(b, r), c.from, nil
}

func (c *stubConn) SetReadDeadline(time.Time) error { return nil }

func TestPing_Replies(t *testing.T) {
	tests := []struct {
		name    string
		replies [][]byte
		wantErr error
	}{
		{
			name:    "valid reply",
			replies: [][]byte{withIPHeader(0x00, 0x00, 0xff, 0xfe, 0x00, 0x00, 0x00, 0x01)},
		},
		{
			name:    "bad checksum",
			replies: [][]byte{withIPHeader(0x00, 0x00, 0xfe, 0xff, 0x00, 0x00, 0x00, 0x01)},
			wantErr: inet.ErrChecksumMismatch,
		},
		{
			name:    "wrong sequence",
			replies: [][]byte{withIPHeader(0x00, 0x00, 0xff, 0xfd, 0x00, 0x00, 0x00, 0x02)},
			wantErr: inet.ErrNoReply,
		},
		{
			// Identifier and sequence are matched before the checksum, so a
			// stale reply with a bad checksum is still just not ours.
			name:    "wrong sequence and bad checksum",
			replies: [][]byte{withIPHeader(0x00, 0x00, 0xff, 0xfe, 0x00, 0x00, 0x00, 0x02)},
			wantErr: inet.ErrNoReply,
		},
		{
			name:    "wrong identifier and bad checksum",
			replies: [][]byte{withIPHeader(0x00, 0x00, 0xff, 0xfe, 0x00, 0x01, 0x00, 0x01)},
			wantErr: inet.ErrNoReply,
		},
		{
			name:    "wrong identifier",
			replies: [][]byte{withIPHeader(0x00, 0x00, 0xff, 0xfd, 0x00, 0x01, 0x00, 0x01)},
			wantErr: inet.ErrNoReply,
		},
		{
			name:    "echo request",
			replies: [][]byte{withIPHeader(0x08, 0x00, 0xf7, 0xfe, 0x00, 0x00, 0x00, 0x01)},
			wantErr: inet.ErrNoReply,
		},
		{
			name:    "no reply",
			wantErr: inet.ErrNoReply,
		},
		{
			name: "valid reply after noise",
			replies: [][]byte{
				{0x45},
				withIPHeader(0x00, 0x00, 0xff, 0xfd, 0x00, 0x00, 0x00, 0x02),
				withIPHeader(0x00, 0x00, 0xfe, 0xff, 0x00, 0x00, 0x00, 0x01),
				withIPHeader(0x00, 0x00, 0xff, 0xfe, 0x00, 0x00, 0x00, 0x01),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &stubConn{replies: tt.replies, from: inet.AddrFrom(target, 0)}
			p := NewPinger(conn, DefaultConfig())
			rtt, err := p.Ping(target)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Ping() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Ping() error = %v", err)
			}
			if rtt < 0 {
				t.Errorf("Ping() rtt = %v", rtt)
			}
			want := []byte{0x08, 0x00, 0xf7, 0xfe, 0x00, 0x00, 0x00, 0x01}
			if len(conn.sent) != 1 || string(conn.sent[0]) != string(want) {
				t.Errorf("sent % x, want one request % x", conn.sent, want)
			}
		})
	}
}

func TestPing_OtherSourceDiscarded(t *testing.T) {
	conn := &stubConn{
		replies: [][]byte{withIPHeader(0x00, 0x00, 0xff, 0xfe, 0x00, 0x00, 0x00, 0x01)},
		from:    inet.AddrFrom(netip.MustParseAddr("8.8.8.8"), 0),
	}
	m := metrics.New(nil)
	if _, err := NewPinger(conn, DefaultConfig(), WithMetrics(m)).Ping(target); !errors.Is(err, inet.ErrNoReply) {
		t.Fatalf("Ping() error = %v, want ErrNoReply", err)
	}
	if got := testutil.ToFloat64(m.PingDiscarded); got != 1 {
		t.Errorf("discarded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PingFailures.WithLabelValues(metrics.FailNoReply)); got != 1 {
		t.Errorf("no_reply failures = %v, want 1", got)
	}
}

func TestPing_SequenceAdvances(t *testing.T) {
	conn := &stubConn{from: inet.AddrFrom(target, 0)}
	p := NewPinger(conn, Config{Ident: 0x0102, Timeout: time.Millisecond})
	for i := 0; i < 3; i++ {
		p.Ping(target)
	}
	for i, msg := range conn.sent {
		e, err := ParseEcho(msg)
		if err != nil {
			t.Fatalf("ParseEcho() error = %v", err)
		}
		if e.Ident != 0x0102 || e.Seq != uint16(i+1) || !ChecksumValid(msg) {
			t.Errorf("request %d = %+v", i, e)
		}
	}
	if s := p.Stats(); s.Sent != 3 || s.Received != 0 || s.Loss() != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestPing_Errors(t *testing.T) {
	p := NewPinger(&stubConn{}, DefaultConfig())
	if _, err := p.Ping(netip.MustParseAddr("::1")); !errors.Is(err, inet.ErrInvalidArgument) {
		t.Errorf("Ping(IPv6) error = %v, want ErrInvalidArgument", err)
	}

	m := metrics.New(nil)
	p = NewPinger(&stubConn{sendErr: inet.ErrClosed}, DefaultConfig(), WithMetrics(m))
	if _, err := p.Ping(target); !errors.Is(err, inet.ErrClosed) {
		t.Errorf("Ping() error = %v, want ErrClosed", err)
	}
	if got := testutil.ToFloat64(m.PingFailures.WithLabelValues(metrics.FailSend)); got != 1 {
		t.Errorf("send failures = %v, want 1", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error = %v", err)
	}
	if err := (Config{}).Validate(); err == nil {
		t.Error("zero timeout accepted")
	}
	if err := (Config{Timeout: time.Second, PayloadSize: 70000}).Validate(); err == nil {
		t.Error("oversized payload accepted")
	}
}

func TestHost(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.1")
	stack, err := ipstack.New(addr, ipstack.DefaultConfig(), ipstack.NewLoopback(64), nil, nil)
	if err != nil {
		t.Fatalf("ipstack.New() error = %v", err)
	}
	defer stack.Close()

	cfg := DefaultConfig()
	cfg.PayloadSize = 32
	m := metrics.New(nil)
	if _, err := Host(stack, addr, cfg, WithMetrics(m)); err != nil {
		t.Fatalf("Host() error = %v", err)
	}
	if got := testutil.ToFloat64(m.PingReplies); got != 1 {
		t.Errorf("replies = %v, want 1", got)
	}

	// A host that does not answer.
	quiet := ipstack.DefaultConfig()
	quiet.EchoReply = false
	silent, err := ipstack.New(addr, quiet, ipstack.NewLoopback(64), nil, nil)
	if err != nil {
		t.Fatalf("ipstack.New() error = %v", err)
	}
	defer silent.Close()
	cfg.Timeout = 50 * time.Millisecond
	if _, err := Host(silent, addr, cfg); !errors.Is(err, inet.ErrNoReply) {
		t.Errorf("Host() error = %v, want ErrNoReply", err)
	}
}

func TestStats(t *testing.T) {
	var s Stats
	s.Sent = 4
	s.observe(80 * time.Millisecond)
	s.observe(40 * time.Millisecond)
	s.observe(120 * time.Millisecond)

	if s.Min != 40*time.Millisecond || s.Max != 120*time.Millisecond || s.Last != 120*time.Millisecond {
		t.Errorf("Min/Max/Last = %v/%v/%v", s.Min, s.Max, s.Last)
	}
	// 80 -> 0.875*80+0.125*40 = 75 -> 0.875*75+0.125*120 = 80.625
	if want := 80625 * time.Microsecond; s.SRTT != want {
		t.Errorf("SRTT = %v, want %v", s.SRTT, want)
	}
	if s.Loss() != 0.25 {
		t.Errorf("Loss() = %v, want 0.25", s.Loss())
	}
	if (Stats{}).Loss() != 0 {
		t.Error("Loss() without pings is not 0")
	}
}
