package ipstack

import (
	"math/rand"
	"net/netip"

	"github.com/google/netstack/tcpip/header"

	"inetcore/pkg/inet"
	"inetcore/pkg/logging"
	"inetcore/pkg/metrics"
)

func (s *Stack) tcpInput(src, dst netip.Addr, seg []byte) {
	if len(seg) < header.TCPMinimumSize {
		s.drop(metrics.DropMalformed, "short tcp header", len(seg))
		return
	}
	t := header.TCP(seg)
	off := int(t.DataOffset())
	if off < header.TCPMinimumSize || off > len(seg) {
		s.drop(metrics.DropMalformed, "bad tcp data offset", len(seg))
		return
	}
	if !transportChecksumValid(protoTCP, src, dst, seg) {
		s.drop(metrics.DropChecksum, "bad tcp checksum", len(seg))
		return
	}
	local := inet.AddrFrom(dst, t.DestinationPort())
	remote := inet.AddrFrom(src, t.SourcePort())
	payload := seg[off:]

	s.mu.Lock()
	e := s.tcpConns[connKey{local: local, remote: remote}]
	var l *TCPEndpoint
	if e == nil {
		l, _ = s.tcpPorts.lookup(local.Port)
	}
	s.mu.Unlock()

	switch {
	case e != nil:
		e.segment(t, payload)
	case l != nil && l.listenInput(local, remote, t):
	default:
		s.drop(metrics.DropNoEndpoint, "tcp "+local.String(), len(seg))
		s.sendReset(local, remote, t, len(payload))
	}
}

// sendReset answers a segment that no endpoint wants. A RST is never
// answered.
func (s *Stack) sendReset(local, remote inet.Addr, t header.TCP, payloadLen int) {
	flags := t.Flags()
	if flags&header.TCPFlagRst != 0 {
		return
	}
	var seq, ack uint32
	out := uint8(header.TCPFlagRst)
	if flags&header.TCPFlagAck != 0 {
		seq = t.AckNumber()
	} else {
		ack = t.SequenceNumber() + uint32(payloadLen)
		if flags&header.TCPFlagSyn != 0 {
			ack++
		}
		if flags&header.TCPFlagFin != 0 {
			ack++
		}
		out |= header.TCPFlagAck
	}
	if err := s.writeTCP(local, remote, seq, ack, out, 0, nil); err != nil {
		s.log.Debug("reset failed", logging.KeyRemoteAddr, remote, logging.KeyError, err)
		return
	}
	s.metrics.TCPResets.Inc()
}

// listenInput handles a segment for a listener. It reports false when the
// segment should be answered with RST.
func (l *TCPEndpoint) listenInput(local, remote inet.Addr, t header.TCP) bool {
	s := l.stack
	flags := t.Flags()

	l.mu.Lock()
	switch {
	case l.state != stateListen:
		l.mu.Unlock()
		return false
	case flags&header.TCPFlagRst != 0:
		l.mu.Unlock()
		return true
	case flags&header.TCPFlagSyn == 0 || flags&header.TCPFlagAck != 0:
		l.mu.Unlock()
		return false
	case len(l.acceptq)+l.pending >= s.cfg.TCP.AcceptBacklog:
		l.mu.Unlock()
		s.metrics.TCPHandshakes.WithLabelValues("backlog_full").Inc()
		s.log.Debug("accept queue full", logging.KeyLocalAddr, local, logging.KeyRemoteAddr, remote)
		return false
	}
	l.pending++
	l.mu.Unlock()

	c := s.newTCP(false)
	c.parent = l
	c.local = local
	c.remote = remote
	c.bound = true
	c.irs = t.SequenceNumber()
	c.rcvNxt = c.irs + 1
	c.iss = rand.Uint32()
	c.sndUna = c.iss
	c.sndNxt = c.iss + 1
	c.sndWnd = uint32(t.WindowSize())
	c.state = stateSynReceived

	key := connKey{local: local, remote: remote}
	s.mu.Lock()
	if _, dup := s.tcpConns[key]; dup {
		s.mu.Unlock()
		l.mu.Lock()
		l.pending--
		l.mu.Unlock()
		return true
	}
	s.tcpConns[key] = c
	c.registered = true
	s.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendLocked(c.iss, header.TCPFlagSyn, nil); err != nil {
		s.log.Debug("SYN-ACK failed", logging.KeyRemoteAddr, remote, logging.KeyError, err)
	}
	return true
}

// enqueue hands a completed connection to Accept.
func (l *TCPEndpoint) enqueue(c *TCPEndpoint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending--
	if l.userClosed || l.state != stateListen {
		return false
	}
	l.acceptq = append(l.acceptq, c)
	l.changed.Broadcast()
	return true
}

// segment processes one inbound segment for a connection.
func (e *TCPEndpoint) segment(t header.TCP, payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stack
	flags := t.Flags()
	seq, ack := t.SequenceNumber(), t.AckNumber()

	switch e.state {
	case stateSynSent:
		e.synSentInput(t)
		return
	case stateSynReceived:
		switch {
		case flags&header.TCPFlagRst != 0:
			e.resetLocked(inet.ErrReset)
			return
		case flags&header.TCPFlagSyn != 0:
			_ = e.sendLocked(e.iss, header.TCPFlagSyn, nil)
			return
		case flags&header.TCPFlagAck == 0 || ack != e.sndNxt:
			return
		}
		e.sndUna = ack
		e.sndWnd = uint32(t.WindowSize())
		e.state = stateEstablished
		if !e.parent.enqueue(e) {
			e.resetLocked(nil)
			return
		}
		s.metrics.TCPHandshakes.WithLabelValues("accepted").Inc()
		s.log.Debug("accepted", logging.KeyLocalAddr, e.local, logging.KeyRemoteAddr, e.remote)
	case stateEstablished, stateCloseWait, stateFinWait, stateLastAck:
	default:
		return
	}

	if flags&header.TCPFlagRst != 0 {
		s.log.Debug("connection reset", logging.KeyRemoteAddr, e.remote, logging.KeyState, e.state)
		e.resetLocked(inet.ErrReset)
		return
	}
	if flags&header.TCPFlagSyn != 0 {
		// Our ACK of the SYN-ACK was lost.
		if seq == e.irs {
			_ = e.sendLocked(e.sndNxt, header.TCPFlagAck, nil)
		}
		return
	}
	if flags&header.TCPFlagAck != 0 && !seqLess(ack, e.sndUna) && !seqLess(e.sndNxt, ack) {
		e.sndUna = ack
		e.sndWnd = uint32(t.WindowSize())
		e.changed.Broadcast()
		if e.state == stateLastAck && e.sndUna == e.sndNxt {
			e.releaseLocked()
			return
		}
	}

	fin := flags&header.TCPFlagFin != 0
	if len(payload) == 0 && !fin {
		if seq != e.rcvNxt {
			_ = e.sendLocked(e.sndNxt, header.TCPFlagAck, nil)
		}
		return
	}
	if seq != e.rcvNxt {
		_ = e.sendLocked(e.sndNxt, header.TCPFlagAck, nil)
		return
	}
	if len(payload) > 0 {
		n := len(payload)
		if !e.userClosed {
			n = e.rx.Offer(payload)
		}
		e.rcvNxt += uint32(n)
		if n < len(payload) {
			fin = false
		}
	}
	if fin {
		e.rcvNxt++
		e.rx.CloseWrite()
		switch e.state {
		case stateEstablished:
			e.state = stateCloseWait
		case stateFinWait:
			_ = e.sendLocked(e.sndNxt, header.TCPFlagAck, nil)
			e.releaseLocked()
			return
		}
	}
	_ = e.sendLocked(e.sndNxt, header.TCPFlagAck, nil)
}

func (e *TCPEndpoint) synSentInput(t header.TCP) {
	flags := t.Flags()
	ack := t.AckNumber()
	hasAck := flags&header.TCPFlagAck != 0
	if hasAck && ack != e.iss+1 {
		if flags&header.TCPFlagRst == 0 {
			_ = e.stack.writeTCP(e.local, e.remote, ack, 0, header.TCPFlagRst, 0, nil)
		}
		return
	}
	if flags&header.TCPFlagRst != 0 {
		if hasAck {
			e.err = inet.ErrConnectionRefused
			e.changed.Broadcast()
		}
		return
	}
	if flags&header.TCPFlagSyn == 0 || !hasAck {
		return
	}
	e.irs = t.SequenceNumber()
	e.rcvNxt = e.irs + 1
	e.sndUna = ack
	e.sndWnd = uint32(t.WindowSize())
	e.state = stateEstablished
	_ = e.sendLocked(e.sndNxt, header.TCPFlagAck, nil)
	e.changed.Broadcast()
}
