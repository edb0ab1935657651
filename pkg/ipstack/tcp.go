package ipstack

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"inetcore/pkg/channel"
	"inetcore/pkg/inet"
	"inetcore/pkg/logging"
)

const (
	// zeroWindowProbe is how long a writer waits on a closed peer window
	// before probing it.
	zeroWindowProbe = time.Second
	// closeLinger bounds how long a closed connection waits for the
	// peer's FIN or final ACK before its control block is released.
	closeLinger = 10 * time.Second
)

type tcpState int

const (
	stateIdle tcpState = iota
	stateListen
	stateSynSent
	stateSynReceived
	stateEstablished
	stateCloseWait
	stateFinWait
	stateLastAck
	stateClosed
)

func (s tcpState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateListen:
		return "listen"
	case stateSynSent:
		return "syn-sent"
	case stateSynReceived:
		return "syn-received"
	case stateEstablished:
		return "established"
	case stateCloseWait:
		return "close-wait"
	case stateFinWait:
		return "fin-wait"
	case stateLastAck:
		return "last-ack"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

type connKey struct {
	local, remote inet.Addr
}

// TCPEndpoint is the control block of a stream socket: either a listener
// or one connection. Data is never retransmitted; the receive window is
// the only flow control.
type TCPEndpoint struct {
	stack *Stack
	rx    *channel.Stream
	// ownsPort is false for connections created by a listener; they share
	// the listener's port.
	ownsPort bool

	mu         sync.Mutex
	changed    channel.Signal
	state      tcpState
	bound      bool
	registered bool
	userClosed bool
	err        error
	local      inet.Addr
	remote     inet.Addr

	iss, irs      uint32
	sndUna        uint32
	sndNxt        uint32
	sndWnd        uint32
	rcvNxt        uint32
	rcvAdvertised uint16

	// listener
	acceptq []*TCPEndpoint
	pending int
	// accepted connection
	parent *TCPEndpoint

	linger *time.Timer
}

func (s *Stack) NewTCP() *TCPEndpoint {
	return s.newTCP(true)
}

func (s *Stack) newTCP(ownsPort bool) *TCPEndpoint {
	return &TCPEndpoint{
		stack:    s,
		rx:       channel.NewStream(s.cfg.TCP.BufferSize),
		ownsPort: ownsPort,
		changed:  channel.NewSignal(),
	}
}

func (e *TCPEndpoint) Bind(addr inet.Addr) (inet.Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bindLocked(addr)
}

func (e *TCPEndpoint) bindLocked(addr inet.Addr) (inet.Addr, error) {
	switch {
	case e.userClosed:
		return inet.Addr{}, inet.ErrClosed
	case e.bound || e.state != stateIdle:
		return inet.Addr{}, errors.Wrap(inet.ErrInvalidState, "tcp endpoint already bound")
	}
	ip, err := e.stack.localIP(addr.IP)
	if err != nil {
		return inet.Addr{}, err
	}
	e.stack.mu.Lock()
	port, err := e.stack.tcpPorts.bind(addr.Port, e)
	e.stack.mu.Unlock()
	if err != nil {
		return inet.Addr{}, errors.Wrap(err, "tcp bind")
	}
	e.local = inet.AddrFrom(ip, port)
	e.bound = true
	return e.local, nil
}

// Listen makes a bound endpoint accept connections. At most
// TCPConfig.AcceptBacklog connections wait for Accept; further SYNs are
// refused with RST.
func (e *TCPEndpoint) Listen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.userClosed:
		return inet.ErrClosed
	case !e.bound || e.state != stateIdle:
		return errors.Wrapf(inet.ErrInvalidState, "listen in state %v", e.state)
	}
	e.state = stateListen
	e.stack.log.Debug("listening", logging.KeyLocalAddr, e.local)
	return nil
}

// Accept blocks until a connection completes its handshake.
func (e *TCPEndpoint) Accept() (*TCPEndpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		switch {
		case e.userClosed:
			return nil, inet.ErrClosed
		case e.state != stateListen:
			return nil, errors.Wrapf(inet.ErrInvalidState, "accept in state %v", e.state)
		case len(e.acceptq) > 0:
			c := e.acceptq[0]
			e.acceptq[0] = nil
			e.acceptq = e.acceptq[1:]
			return c, nil
		}
		ch := e.changed.Wait()
		e.mu.Unlock()
		<-ch
		e.mu.Lock()
	}
}

// Connect runs the three-way handshake with remote. SYNs are resent
// TCPConfig.SynRetries times, TCPConfig.SynRetryInterval apart. A failed
// attempt leaves the endpoint bound and idle.
func (e *TCPEndpoint) Connect(remote inet.Addr) error {
	if !remote.IsValid() || remote.Port == 0 {
		return errors.Wrapf(inet.ErrInvalidArgument, "tcp remote %v", remote)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.userClosed:
		return inet.ErrClosed
	case e.state != stateIdle:
		return errors.Wrapf(inet.ErrInvalidState, "connect in state %v", e.state)
	}
	if !e.bound {
		if _, err := e.bindLocked(inet.Addr{}); err != nil {
			return err
		}
	}
	key := connKey{local: e.local, remote: remote}
	s := e.stack
	s.mu.Lock()
	if _, dup := s.tcpConns[key]; dup {
		s.mu.Unlock()
		return errors.Wrapf(inet.ErrAddressInUse, "connection %v -> %v", e.local, remote)
	}
	s.tcpConns[key] = e
	s.mu.Unlock()

	e.registered = true
	e.remote = remote
	e.err = nil
	e.iss = rand.Uint32()
	e.sndUna = e.iss
	e.sndNxt = e.iss + 1
	e.state = stateSynSent

	cfg := s.cfg.TCP
	attempts := 0
	deadline := time.Now().Add(cfg.SynRetryInterval)
	if err := e.sendLocked(e.iss, header.TCPFlagSyn, nil); err != nil {
		e.abortConnectLocked()
		return err
	}
	for {
		switch {
		case e.userClosed:
			return inet.ErrClosed
		case e.state == stateEstablished || e.state == stateCloseWait:
			s.metrics.TCPHandshakes.WithLabelValues("connected").Inc()
			s.log.Debug("connected", logging.KeyLocalAddr, e.local, logging.KeyRemoteAddr, remote)
			return nil
		case e.err != nil:
			err := e.err
			s.metrics.TCPHandshakes.WithLabelValues("refused").Inc()
			e.abortConnectLocked()
			return errors.Wrapf(err, "connect to %v", remote)
		case !time.Now().Before(deadline):
			if attempts >= cfg.SynRetries {
				s.metrics.TCPHandshakes.WithLabelValues("timeout").Inc()
				e.abortConnectLocked()
				return errors.Wrapf(inet.ErrTimeout, "connect to %v: no answer after %d SYNs", remote, attempts+1)
			}
			attempts++
			s.log.Debug("retransmitting SYN", logging.KeyRemoteAddr, remote, "attempt", attempts)
			if err := e.sendLocked(e.iss, header.TCPFlagSyn, nil); err != nil {
				e.abortConnectLocked()
				return err
			}
			deadline = time.Now().Add(cfg.SynRetryInterval)
			continue
		}
		ch := e.changed.Wait()
		e.mu.Unlock()
		await(ch, deadline)
		e.mu.Lock()
	}
}

func (e *TCPEndpoint) abortConnectLocked() {
	e.unregisterLocked()
	e.remote = inet.Addr{}
	e.err = nil
	e.state = stateIdle
}

// Write blocks until all of b has been sent within the peer's window.
func (e *TCPEndpoint) Write(b []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	written := 0
	for written < len(b) {
		if err := e.writableLocked(); err != nil {
			return written, err
		}
		usable := int(e.sndWnd) - int(e.sndNxt-e.sndUna)
		if usable <= 0 {
			ch := e.changed.Wait()
			e.mu.Unlock()
			woken := await(ch, time.Now().Add(zeroWindowProbe))
			e.mu.Lock()
			if !woken && e.writableLocked() == nil {
				// An old sequence number makes the peer answer with its
				// current window.
				_ = e.sendLocked(e.sndNxt-1, header.TCPFlagAck, nil)
			}
			continue
		}
		n := min(usable, e.stack.cfg.TCP.MSS, len(b)-written)
		if err := e.sendLocked(e.sndNxt, header.TCPFlagAck|header.TCPFlagPsh, b[written:written+n]); err != nil {
			return written, err
		}
		e.sndNxt += uint32(n)
		written += n
	}
	return written, nil
}

func (e *TCPEndpoint) writableLocked() error {
	switch {
	case e.userClosed:
		return inet.ErrClosed
	case e.err != nil:
		return e.err
	case e.state != stateEstablished && e.state != stateCloseWait:
		return errors.Wrapf(inet.ErrInvalidState, "write in state %v", e.state)
	}
	return nil
}

// Read blocks for stream data. It returns io.EOF once the peer has closed
// its direction and everything before the FIN was read.
func (e *TCPEndpoint) Read(b []byte) (int, error) {
	e.mu.Lock()
	switch e.state {
	case stateIdle, stateListen, stateSynSent, stateSynReceived:
		state := e.state
		e.mu.Unlock()
		return 0, errors.Wrapf(inet.ErrInvalidState, "read in state %v", state)
	}
	e.mu.Unlock()

	n, err := e.rx.Read(b)
	if n > 0 {
		e.windowUpdate()
	}
	return n, err
}

// windowUpdate advertises buffer space freed by a read once it reaches a
// full segment or half the buffer.
func (e *TCPEndpoint) windowUpdate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateEstablished && e.state != stateCloseWait {
		return
	}
	cfg := e.stack.cfg.TCP
	grown := int(e.windowLocked()) - int(e.rcvAdvertised)
	if grown >= min(cfg.MSS, cfg.BufferSize/2) {
		_ = e.sendLocked(e.sndNxt, header.TCPFlagAck, nil)
	}
}

func (e *TCPEndpoint) SetReadDeadline(t time.Time) error {
	return e.rx.SetReadDeadline(t)
}

func (e *TCPEndpoint) LocalAddr() inet.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

func (e *TCPEndpoint) RemoteAddr() inet.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

// Close ends the endpoint. An open connection sends FIN and lingers until
// the peer finishes closing; a listener resets connections nobody
// accepted. Closing twice is a no-op.
func (e *TCPEndpoint) Close() error {
	e.mu.Lock()
	if e.userClosed {
		e.mu.Unlock()
		return nil
	}
	e.userClosed = true
	var orphans []*TCPEndpoint
	switch e.state {
	case stateEstablished:
		_ = e.sendLocked(e.sndNxt, header.TCPFlagFin|header.TCPFlagAck, nil)
		e.sndNxt++
		e.state = stateFinWait
		e.lingerLocked()
	case stateCloseWait:
		_ = e.sendLocked(e.sndNxt, header.TCPFlagFin|header.TCPFlagAck, nil)
		e.sndNxt++
		e.state = stateLastAck
		e.lingerLocked()
	case stateSynReceived:
		e.resetLocked(nil)
	case stateListen:
		orphans = e.acceptq
		e.acceptq = nil
		e.releaseLocked()
	default:
		e.releaseLocked()
	}
	e.changed.Broadcast()
	e.mu.Unlock()

	for _, c := range orphans {
		c.mu.Lock()
		c.resetLocked(nil)
		c.mu.Unlock()
	}
	return e.rx.Close()
}

// resetLocked sends RST when err is nil (a local abort) and releases the
// endpoint. A non-nil err records a reset received from the peer.
func (e *TCPEndpoint) resetLocked(err error) {
	if err == nil && e.remote.IsValid() {
		if e.stack.writeTCP(e.local, e.remote, e.sndNxt, 0, header.TCPFlagRst, 0, nil) == nil {
			e.stack.metrics.TCPResets.Inc()
		}
	}
	if err == nil {
		err = inet.ErrReset
	}
	if e.err == nil {
		e.err = err
	}
	e.rx.Reset(err)
	e.releaseLocked()
	e.changed.Broadcast()
}

func (e *TCPEndpoint) lingerLocked() {
	e.linger = time.AfterFunc(closeLinger, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.releaseLocked()
	})
}

// releaseLocked drops the endpoint from the stack's tables.
func (e *TCPEndpoint) releaseLocked() {
	if e.state == stateClosed {
		return
	}
	if e.linger != nil {
		e.linger.Stop()
	}
	if e.parent != nil && e.state == stateSynReceived {
		e.parent.mu.Lock()
		e.parent.pending--
		e.parent.mu.Unlock()
	}
	e.unregisterLocked()
	if e.bound && e.ownsPort {
		e.stack.mu.Lock()
		e.stack.tcpPorts.release(e.local.Port, e)
		e.stack.mu.Unlock()
		e.bound = false
	}
	e.state = stateClosed
}

func (e *TCPEndpoint) unregisterLocked() {
	if !e.registered {
		return
	}
	key := connKey{local: e.local, remote: e.remote}
	e.stack.mu.Lock()
	if e.stack.tcpConns[key] == e {
		delete(e.stack.tcpConns, key)
	}
	e.stack.mu.Unlock()
	e.registered = false
}

// sendLocked sends one segment carrying the current acknowledgment and
// receive window.
func (e *TCPEndpoint) sendLocked(seq uint32, flags uint8, payload []byte) error {
	ack := uint32(0)
	if flags&header.TCPFlagSyn == 0 || e.state == stateSynReceived {
		flags |= header.TCPFlagAck
		ack = e.rcvNxt
	}
	wnd := e.windowLocked()
	if err := e.stack.writeTCP(e.local, e.remote, seq, ack, flags, wnd, payload); err != nil {
		return err
	}
	e.rcvAdvertised = wnd
	return nil
}

func (e *TCPEndpoint) windowLocked() uint16 {
	return uint16(min(e.rx.Free(), 0xffff))
}

func (e *TCPEndpoint) info() EndpointInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EndpointInfo{Proto: "tcp", Local: e.local, Remote: e.remote, State: e.state.String(), RecvQ: e.rx.Len()}
}

// writeTCP builds a TCP segment and hands it to the IP layer.
func (s *Stack) writeTCP(local, remote inet.Addr, seq, ack uint32, flags uint8, wnd uint16, payload []byte) error {
	seg := make([]byte, header.TCPMinimumSize+len(payload))
	t := header.TCP(seg)
	t.Encode(&header.TCPFields{
		SrcPort:    local.Port,
		DstPort:    remote.Port,
		SeqNum:     seq,
		AckNum:     ack,
		DataOffset: header.TCPMinimumSize,
		Flags:      flags,
		WindowSize: wnd,
	})
	copy(seg[header.TCPMinimumSize:], payload)
	t.SetChecksum(transportChecksum(protoTCP, local.IP, remote.IP, seg))
	return s.output(protoTCP, local.IP, remote.IP, seg)
}

// await blocks until ch is closed or the deadline passes, reporting
// whether ch fired.
func await(ch <-chan struct{}, deadline time.Time) bool {
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// seqLess compares sequence numbers modulo 2^32.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}
