package netstack

import (
	"fmt"
	"sync"

	"github.com/tinyrange/netkit/internal/wire"
)

////////////////////////////////////////////////////////////////////////////////
// Socket identity and addressing.
////////////////////////////////////////////////////////////////////////////////

// SocketFD identifies a socket within one stack. FDs are never reused.
type SocketFD uint32

// InvalidFD is the sentinel for "no socket".
const InvalidFD SocketFD = ^SocketFD(0)

// SocketType selects the transport protocol.
type SocketType uint8

const (
	SocketTCP SocketType = iota
	SocketUDP
)

func (t SocketType) String() string {
	switch t {
	case SocketTCP:
		return "tcp"
	case SocketUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(t))
	}
}

// SockAddr is an IPv4 address and port pair.
type SockAddr struct {
	Addr wire.Addr
	Port uint16
}

// AnySockAddr binds all local addresses with an ephemeral port.
var AnySockAddr = SockAddr{}

func (a SockAddr) String() string {
	return fmt.Sprintf("%s:%d", a.Addr, a.Port)
}

////////////////////////////////////////////////////////////////////////////////
// Socket states.
////////////////////////////////////////////////////////////////////////////////

// SocketState tracks the API-visible lifecycle, distinct from the TCP
// protocol state carried by the control block.
type SocketState uint8

const (
	StateCreated SocketState = iota
	StateBound
	StateListening
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s SocketState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBound:
		return "bound"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s SocketState) canBind() bool    { return s == StateCreated }
func (s SocketState) canConnect() bool { return s == StateCreated || s == StateBound }
func (s SocketState) canListen() bool  { return s == StateBound }
func (s SocketState) canSend() bool    { return s == StateConnected }
func (s SocketState) canReceive() bool { return s == StateConnected || s == StateClosing }

// validTransition is the allowed state graph. Same-state transitions are
// always permitted.
func validTransition(from, to SocketState, proto SocketType) bool {
	if from == to {
		return true
	}
	switch from {
	case StateCreated:
		return to == StateBound || to == StateConnecting || to == StateClosed
	case StateBound:
		if to == StateConnected {
			// Only UDP jumps straight to connected; TCP handshakes first.
			return proto == SocketUDP
		}
		return to == StateListening || to == StateConnecting || to == StateClosed
	case StateListening:
		return to == StateClosing || to == StateClosed
	case StateConnecting:
		return to == StateConnected || to == StateClosed
	case StateConnected:
		return to == StateClosing || to == StateClosed
	case StateClosing:
		return to == StateClosed
	default:
		return false
	}
}

////////////////////////////////////////////////////////////////////////////////
// Socket internals.
////////////////////////////////////////////////////////////////////////////////

// udpPacket is one queued inbound datagram with its source.
type udpPacket struct {
	data   []byte
	source SockAddr
}

// AcceptedConnection is a completed handshake waiting in a listener's
// accept queue.
type AcceptedConnection struct {
	FD     SocketFD
	Local  SockAddr
	Remote SockAddr
}

// Waker is invoked when a socket becomes ready for the registered
// operation. Wakers run outside the socket lock and must not assume the
// readiness still holds.
type Waker func()

// socketInner holds everything guarded by the per-socket mutex.
type socketInner struct {
	mu sync.Mutex

	state  SocketState
	proto  SocketType
	local  SockAddr
	remote SockAddr

	// Byte FIFOs for stream data.
	recvBuf   []byte
	sendBuf   []byte
	bufLimit  int
	recvDrops uint64

	// Datagram queue (UDP).
	pending []udpPacket

	// Accept queue (TCP listeners).
	acceptQueue []AcceptedConnection
	backlog     int

	lastErr error

	recvWaker    Waker
	sendWaker    Waker
	connectWaker Waker
	acceptWaker  Waker
}

// transitionLocked enforces the state graph.
func (in *socketInner) transitionLocked(to SocketState) error {
	if !validTransition(in.state, to, in.proto) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, in.state, to)
	}
	in.state = to
	return nil
}

// takeAllWakersLocked clears and returns every registered waker.
func (in *socketInner) takeAllWakersLocked() []Waker {
	wakers := make([]Waker, 0, 4)
	for _, w := range []*Waker{&in.recvWaker, &in.sendWaker, &in.connectWaker, &in.acceptWaker} {
		if *w != nil {
			wakers = append(wakers, *w)
			*w = nil
		}
	}
	return wakers
}

func wake(wakers ...Waker) {
	for _, w := range wakers {
		if w != nil {
			w()
		}
	}
}

////////////////////////////////////////////////////////////////////////////////
// Socket API.
////////////////////////////////////////////////////////////////////////////////

// Socket is the stack's connection endpoint. All operations are
// non-blocking: would-block conditions surface as ErrTimeout and callers
// use wakers for readiness.
type Socket struct {
	fd    SocketFD
	proto SocketType
	inner *socketInner
	ns    *NetworkStack
}

func (s *Socket) FD() SocketFD     { return s.fd }
func (s *Socket) Type() SocketType { return s.proto }

func (s *Socket) State() SocketState {
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()
	return s.inner.state
}

func (s *Socket) LocalAddr() SockAddr {
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()
	return s.inner.local
}

func (s *Socket) RemoteAddr() SockAddr {
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()
	return s.inner.remote
}

// LastError returns and clears the most recent asynchronous error, such as
// a refused connection.
func (s *Socket) LastError() error {
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()
	err := s.inner.lastErr
	s.inner.lastErr = nil
	return err
}

// Bind attaches the socket to a local address. Port zero allocates an
// ephemeral port.
func (s *Socket) Bind(addr SockAddr) error {
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()
	return s.bindLocked(addr)
}

func (s *Socket) bindLocked(addr SockAddr) error {
	if !s.inner.state.canBind() {
		return ErrAlreadyBound
	}
	port := addr.Port
	if port == 0 {
		p, err := s.ns.sockets.allocateEphemeralPort(s.proto, s.fd)
		if err != nil {
			return err
		}
		port = p
	} else if err := s.ns.sockets.bindPort(s.proto, port, s.fd); err != nil {
		return err
	}
	if err := s.inner.transitionLocked(StateBound); err != nil {
		s.ns.sockets.releasePort(s.proto, port)
		return err
	}
	s.inner.local = SockAddr{Addr: addr.Addr, Port: port}
	return nil
}

// Listen marks a bound TCP socket as accepting connections. The backlog is
// clamped to [1, 128].
func (s *Socket) Listen(backlog int) error {
	if s.proto != SocketTCP {
		return fmt.Errorf("%w: listen on %s socket", ErrInvalidArgument, s.proto)
	}
	if backlog <= 0 {
		backlog = defaultAcceptBacklog
	}
	if backlog > maxAcceptBacklog {
		backlog = maxAcceptBacklog
	}

	s.inner.mu.Lock()
	if !s.inner.state.canListen() {
		st := s.inner.state
		s.inner.mu.Unlock()
		return fmt.Errorf("%w: listen in state %s", ErrInvalidStateTransition, st)
	}
	if err := s.inner.transitionLocked(StateListening); err != nil {
		s.inner.mu.Unlock()
		return err
	}
	s.inner.backlog = backlog
	local := s.inner.local
	s.inner.mu.Unlock()

	return s.ns.sendEvent(networkEvent{
		kind:    eventListen,
		fd:      s.fd,
		proto:   s.proto,
		local:   local,
		backlog: backlog,
	})
}

// Connect starts a connection to remote. TCP sockets move to Connecting
// and complete asynchronously; there is no connect timeout, so a lost
// handshake leaves the socket Connecting until the SYN retransmission
// path gives up or the caller closes.
//
// TODO(netkit): add a configurable connect deadline once the handler loop
// carries per-event timers.
func (s *Socket) Connect(remote SockAddr) error {
	s.inner.mu.Lock()
	if s.inner.state == StateConnected || s.inner.state == StateConnecting {
		s.inner.mu.Unlock()
		return ErrAlreadyConnected
	}
	if !s.inner.state.canConnect() {
		st := s.inner.state
		s.inner.mu.Unlock()
		return fmt.Errorf("%w: connect in state %s", ErrInvalidStateTransition, st)
	}
	if s.inner.state == StateCreated {
		if err := s.bindLocked(SockAddr{Addr: s.ns.localAddr()}); err != nil {
			s.inner.mu.Unlock()
			return err
		}
	}
	s.inner.remote = remote
	if err := s.inner.transitionLocked(StateConnecting); err != nil {
		s.inner.mu.Unlock()
		return err
	}
	local := s.inner.local
	s.inner.mu.Unlock()

	if s.proto == SocketUDP {
		// UDP connect just fixes the default destination.
		s.inner.mu.Lock()
		err := s.inner.transitionLocked(StateConnected)
		s.inner.mu.Unlock()
		return err
	}

	return s.ns.sendEvent(networkEvent{
		kind:   eventConnect,
		fd:     s.fd,
		proto:  s.proto,
		local:  local,
		remote: remote,
	})
}

// Accept pops one completed connection from the listener. It never
// blocks; an empty queue returns ErrTimeout.
func (s *Socket) Accept() (*Socket, SockAddr, error) {
	s.inner.mu.Lock()
	if s.inner.state != StateListening {
		st := s.inner.state
		s.inner.mu.Unlock()
		return nil, SockAddr{}, fmt.Errorf("%w: accept in state %s", ErrInvalidStateTransition, st)
	}
	if len(s.inner.acceptQueue) == 0 {
		s.inner.mu.Unlock()
		return nil, SockAddr{}, ErrTimeout
	}
	conn := s.inner.acceptQueue[0]
	s.inner.acceptQueue = s.inner.acceptQueue[1:]
	s.inner.mu.Unlock()

	accepted, err := s.ns.sockets.get(conn.FD)
	if err != nil {
		return nil, SockAddr{}, fmt.Errorf("accepted socket vanished: %w", err)
	}
	return accepted, conn.Remote, nil
}

// Send appends to the send FIFO and schedules transmission. Partial
// writes are not performed: a full buffer rejects the whole payload.
// Connected UDP sockets send one datagram to the fixed remote.
func (s *Socket) Send(b []byte) (int, error) {
	s.inner.mu.Lock()
	if !s.inner.state.canSend() {
		s.inner.mu.Unlock()
		return 0, ErrNotConnected
	}
	if s.proto == SocketUDP {
		local := s.inner.local
		remote := s.inner.remote
		s.inner.mu.Unlock()
		if err := s.ns.sendEvent(networkEvent{
			kind:   eventSendTo,
			fd:     s.fd,
			proto:  s.proto,
			local:  local,
			remote: remote,
			data:   append([]byte(nil), b...),
		}); err != nil {
			return 0, err
		}
		return len(b), nil
	}
	if len(s.inner.sendBuf)+len(b) > s.inner.bufLimit {
		s.inner.mu.Unlock()
		return 0, ErrBufferFull
	}
	s.inner.sendBuf = append(s.inner.sendBuf, b...)
	s.inner.mu.Unlock()

	if err := s.ns.sendEvent(networkEvent{kind: eventDataReady, fd: s.fd, proto: s.proto}); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Recv drains up to len(b) bytes from the receive FIFO. An empty buffer
// returns ErrTimeout. Draining wakes a blocked sender. Connected UDP
// sockets pop one datagram, discarding the source address.
func (s *Socket) Recv(b []byte) (int, error) {
	s.inner.mu.Lock()
	if !s.inner.state.canReceive() {
		s.inner.mu.Unlock()
		return 0, ErrNotConnected
	}
	if s.proto == SocketUDP {
		if len(s.inner.pending) == 0 {
			s.inner.mu.Unlock()
			return 0, ErrTimeout
		}
		pkt := s.inner.pending[0]
		s.inner.pending = s.inner.pending[1:]
		s.inner.mu.Unlock()
		return copy(b, pkt.data), nil
	}
	if len(s.inner.recvBuf) == 0 {
		s.inner.mu.Unlock()
		return 0, ErrTimeout
	}
	n := copy(b, s.inner.recvBuf)
	s.inner.recvBuf = s.inner.recvBuf[n:]
	if len(s.inner.recvBuf) == 0 {
		s.inner.recvBuf = nil
	}
	waker := s.inner.sendWaker
	s.inner.sendWaker = nil
	s.inner.mu.Unlock()

	wake(waker)
	return n, nil
}

// SendTo transmits one datagram. The socket auto-binds on first use. The
// payload is copied; the caller keeps ownership of b.
func (s *Socket) SendTo(b []byte, remote SockAddr) (int, error) {
	if s.proto != SocketUDP {
		return 0, fmt.Errorf("%w: send-to on %s socket", ErrInvalidArgument, s.proto)
	}

	s.inner.mu.Lock()
	if s.inner.state == StateCreated {
		if err := s.bindLocked(SockAddr{Addr: s.ns.localAddr()}); err != nil {
			s.inner.mu.Unlock()
			return 0, err
		}
	}
	if s.inner.state == StateClosed || s.inner.state == StateClosing {
		s.inner.mu.Unlock()
		return 0, ErrNotConnected
	}
	local := s.inner.local
	s.inner.mu.Unlock()

	data := append([]byte(nil), b...)
	if err := s.ns.sendEvent(networkEvent{
		kind:   eventSendTo,
		fd:     s.fd,
		proto:  s.proto,
		local:  local,
		remote: remote,
		data:   data,
	}); err != nil {
		return 0, err
	}
	return len(b), nil
}

// RecvFrom pops one pending datagram. An empty queue returns ErrTimeout.
func (s *Socket) RecvFrom(b []byte) (int, SockAddr, error) {
	if s.proto != SocketUDP {
		return 0, SockAddr{}, fmt.Errorf("%w: recv-from on %s socket", ErrInvalidArgument, s.proto)
	}

	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()

	if s.inner.state == StateClosed {
		return 0, SockAddr{}, ErrNotConnected
	}
	if len(s.inner.pending) == 0 {
		return 0, SockAddr{}, ErrTimeout
	}
	pkt := s.inner.pending[0]
	s.inner.pending = s.inner.pending[1:]
	n := copy(b, pkt.data)
	return n, pkt.source, nil
}

// Close releases the socket. It always succeeds: buffers and queues are
// dropped, every waker fires, and the close event is best effort.
func (s *Socket) Close() error {
	s.inner.mu.Lock()
	if s.inner.state == StateClosed {
		s.inner.mu.Unlock()
		return nil
	}
	s.inner.recvBuf = nil
	s.inner.sendBuf = nil
	s.inner.pending = nil
	s.inner.acceptQueue = nil
	wakers := s.inner.takeAllWakersLocked()
	s.inner.state = StateClosed
	local := s.inner.local
	s.inner.mu.Unlock()

	wake(wakers...)

	// A full event queue must not make close fail.
	s.ns.queue.push(networkEvent{kind: eventClose, fd: s.fd, proto: s.proto, local: local})

	s.ns.sockets.unregister(s.fd)
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Readiness callbacks.
////////////////////////////////////////////////////////////////////////////////

// OnReadable registers a one-shot waker fired when receive data or a
// peer FIN arrives.
func (s *Socket) OnReadable(w Waker) {
	s.inner.mu.Lock()
	s.inner.recvWaker = w
	s.inner.mu.Unlock()
}

// OnWritable registers a one-shot waker fired when buffer space frees up.
func (s *Socket) OnWritable(w Waker) {
	s.inner.mu.Lock()
	s.inner.sendWaker = w
	s.inner.mu.Unlock()
}

// OnConnected registers a one-shot waker fired when the handshake
// completes or fails.
func (s *Socket) OnConnected(w Waker) {
	s.inner.mu.Lock()
	s.inner.connectWaker = w
	s.inner.mu.Unlock()
}

// OnAcceptable registers a one-shot waker fired when a connection lands
// in the accept queue.
func (s *Socket) OnAcceptable(w Waker) {
	s.inner.mu.Lock()
	s.inner.acceptWaker = w
	s.inner.mu.Unlock()
}

////////////////////////////////////////////////////////////////////////////////
// Inbound delivery. Called from packet processing.
////////////////////////////////////////////////////////////////////////////////

// pushData appends stream data to the receive FIFO. Overflow drops the
// payload and counts it; TCP flow control is the long-term answer.
func (s *Socket) pushData(b []byte) bool {
	s.inner.mu.Lock()
	if s.inner.state != StateConnected && s.inner.state != StateClosing {
		s.inner.mu.Unlock()
		return false
	}
	if len(s.inner.recvBuf)+len(b) > s.inner.bufLimit {
		s.inner.recvDrops++
		s.inner.mu.Unlock()
		return false
	}
	s.inner.recvBuf = append(s.inner.recvBuf, b...)
	waker := s.inner.recvWaker
	s.inner.recvWaker = nil
	s.inner.mu.Unlock()

	wake(waker)
	return true
}

// pushPacket queues one inbound datagram, dropping when the pending queue
// is full.
func (s *Socket) pushPacket(b []byte, source SockAddr) bool {
	s.inner.mu.Lock()
	if s.inner.state == StateClosed {
		s.inner.mu.Unlock()
		return false
	}
	if len(s.inner.pending) >= defaultPendingPackets {
		s.inner.recvDrops++
		s.inner.mu.Unlock()
		return false
	}
	s.inner.pending = append(s.inner.pending, udpPacket{
		data:   append([]byte(nil), b...),
		source: source,
	})
	waker := s.inner.recvWaker
	s.inner.recvWaker = nil
	s.inner.mu.Unlock()

	wake(waker)
	return true
}

// pushAccepted queues a completed handshake on a listener. False means
// the backlog is full and the caller should reset the connection.
func (s *Socket) pushAccepted(conn AcceptedConnection) bool {
	s.inner.mu.Lock()
	if s.inner.state != StateListening {
		s.inner.mu.Unlock()
		return false
	}
	if len(s.inner.acceptQueue) >= s.inner.backlog {
		s.inner.mu.Unlock()
		return false
	}
	s.inner.acceptQueue = append(s.inner.acceptQueue, conn)
	waker := s.inner.acceptWaker
	s.inner.acceptWaker = nil
	s.inner.mu.Unlock()

	wake(waker)
	return true
}

// connectFinished resolves a pending connect, successfully or not.
func (s *Socket) connectFinished(err error) {
	s.inner.mu.Lock()
	if err == nil {
		if s.inner.state == StateConnecting {
			s.inner.state = StateConnected
		}
	} else {
		s.inner.lastErr = err
		s.inner.state = StateClosed
	}
	waker := s.inner.connectWaker
	s.inner.connectWaker = nil
	s.inner.mu.Unlock()

	wake(waker)
}

// peerClosed marks the read side finished after a FIN.
func (s *Socket) peerClosed() {
	s.inner.mu.Lock()
	if s.inner.state == StateConnected {
		s.inner.state = StateClosing
	}
	waker := s.inner.recvWaker
	s.inner.recvWaker = nil
	s.inner.mu.Unlock()

	wake(waker)
}

// fail records an asynchronous error and wakes everyone.
func (s *Socket) fail(err error) {
	s.inner.mu.Lock()
	s.inner.lastErr = err
	s.inner.state = StateClosed
	wakers := s.inner.takeAllWakersLocked()
	s.inner.mu.Unlock()

	wake(wakers...)
}

// takeSendData drains up to max bytes from the send FIFO, waking a
// blocked sender when space frees up.
func (s *Socket) takeSendData(max int) []byte {
	s.inner.mu.Lock()
	if len(s.inner.sendBuf) == 0 {
		s.inner.mu.Unlock()
		return nil
	}
	n := len(s.inner.sendBuf)
	if n > max {
		n = max
	}
	out := append([]byte(nil), s.inner.sendBuf[:n]...)
	s.inner.sendBuf = s.inner.sendBuf[n:]
	if len(s.inner.sendBuf) == 0 {
		s.inner.sendBuf = nil
	}
	waker := s.inner.sendWaker
	s.inner.sendWaker = nil
	s.inner.mu.Unlock()

	wake(waker)
	return out
}
