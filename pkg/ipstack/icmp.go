package ipstack

import (
	"net/netip"

	"github.com/google/netstack/tcpip/header"

	"inetcore/pkg/channel"
	"inetcore/pkg/inet"
	"inetcore/pkg/logging"
	"inetcore/pkg/metrics"
)

// icmpEchoHeaderLen covers type, code, checksum, identifier and sequence.
const icmpEchoHeaderLen = 8

// icmpInput hands a copy of pkt to every raw endpoint, then answers echo
// requests.
func (s *Stack) icmpInput(pkt []byte, src, dst netip.Addr, msg []byte) {
	s.mu.Lock()
	raw := make([]*RawEndpoint, 0, len(s.raw))
	for e := range s.raw {
		raw = append(raw, e)
	}
	s.mu.Unlock()

	for _, e := range raw {
		d := channel.Datagram{From: inet.AddrFrom(src, 0), Data: append([]byte(nil), pkt...)}
		if !e.rx.Offer(d) {
			s.drop(metrics.DropQueueFull, "raw queue", len(pkt))
		}
	}

	if len(msg) < icmpEchoHeaderLen {
		s.drop(metrics.DropMalformed, "short icmp message", len(msg))
		return
	}
	if header.ICMPv4(msg).Type() != header.ICMPv4Echo || !s.cfg.EchoReply {
		return
	}
	if header.Checksum(msg, 0) != 0xffff {
		s.drop(metrics.DropChecksum, "bad icmp checksum", len(msg))
		return
	}
	if !s.echo.Allow() {
		s.drop(metrics.DropRateLimited, "echo reply", len(msg))
		return
	}

	reply := append([]byte(nil), msg...)
	r := header.ICMPv4(reply)
	r.SetType(header.ICMPv4EchoReply)
	r.SetCode(0)
	r.SetChecksum(0)
	r.SetChecksum(^header.Checksum(reply, 0))
	if err := s.output(protoICMP, dst, src, reply); err != nil {
		s.log.Debug("echo reply failed", logging.KeyRemoteAddr, src, logging.KeyError, err)
		return
	}
	s.metrics.EchoReplies.Inc()
}
