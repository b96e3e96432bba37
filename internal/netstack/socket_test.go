package netstack

import (
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/netkit/internal/wire"
)

func TestValidTransitionTable(t *testing.T) {
	cases := []struct {
		from, to SocketState
		proto    SocketType
		want     bool
	}{
		{StateCreated, StateBound, SocketTCP, true},
		{StateCreated, StateConnecting, SocketTCP, true},
		{StateCreated, StateListening, SocketTCP, false},
		{StateBound, StateListening, SocketTCP, true},
		{StateBound, StateConnected, SocketUDP, true},
		{StateBound, StateConnected, SocketTCP, false},
		{StateConnecting, StateConnected, SocketTCP, true},
		{StateConnecting, StateBound, SocketTCP, false},
		{StateConnected, StateClosing, SocketTCP, true},
		{StateClosing, StateClosed, SocketTCP, true},
		{StateClosed, StateBound, SocketTCP, false},
		{StateListening, StateConnected, SocketTCP, false},
		{StateConnected, StateConnected, SocketTCP, true},
	}
	for _, c := range cases {
		if got := validTransition(c.from, c.to, c.proto); got != c.want {
			t.Errorf("validTransition(%s, %s, %s) = %v, want %v", c.from, c.to, c.proto, got, c.want)
		}
	}
}

func TestBindSemantics(t *testing.T) {
	h := newTestStack(t, Config{})

	s := h.ns.NewTCPSocket()
	addr := SockAddr{Addr: h.ns.LocalAddr(), Port: 7000}
	if err := s.Bind(addr); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := s.Bind(addr); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("double bind = %v, want ErrAlreadyBound", err)
	}

	// Same port, same protocol: in use.
	s2 := h.ns.NewTCPSocket()
	if err := s2.Bind(addr); !errors.Is(err, ErrPortInUse) {
		t.Errorf("conflicting bind = %v, want ErrPortInUse", err)
	}

	// Same port, other protocol: fine.
	u := h.ns.NewUDPSocket()
	if err := u.Bind(addr); err != nil {
		t.Errorf("udp bind on tcp-held port = %v", err)
	}

	// Closing frees the port for rebinding.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s2.Bind(addr); err != nil {
		t.Errorf("bind after close = %v", err)
	}
}

func TestBindEphemeralPort(t *testing.T) {
	h := newTestStack(t, Config{})

	s := h.ns.NewUDPSocket()
	if err := s.Bind(SockAddr{Addr: h.ns.LocalAddr()}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	port := s.LocalAddr().Port
	if port < ephemeralPortFirst {
		t.Errorf("allocated port %d outside ephemeral range", port)
	}
}

func TestListenValidation(t *testing.T) {
	h := newTestStack(t, Config{})

	u := h.ns.NewUDPSocket()
	if err := u.Listen(1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("udp listen = %v, want ErrInvalidArgument", err)
	}

	s := h.ns.NewTCPSocket()
	if err := s.Listen(1); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("unbound listen = %v, want ErrInvalidStateTransition", err)
	}
}

func TestConnectValidation(t *testing.T) {
	h := newTestStack(t, Config{})

	remote := SockAddr{Addr: testPeerIP, Port: 80}

	u := h.ns.NewUDPSocket()
	if err := u.Connect(remote); err != nil {
		t.Fatalf("udp connect: %v", err)
	}
	if u.State() != StateConnected {
		t.Errorf("udp state = %s, want connected", u.State())
	}
	if err := u.Connect(remote); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("double connect = %v, want ErrAlreadyConnected", err)
	}

	s := h.ns.NewTCPSocket()
	if err := s.Connect(remote); err != nil {
		t.Fatalf("tcp connect: %v", err)
	}
	if s.State() != StateConnecting {
		t.Errorf("tcp state = %s, want connecting", s.State())
	}
	if err := s.Connect(remote); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("connect while connecting = %v, want ErrAlreadyConnected", err)
	}
}

func TestSendRecvStateChecks(t *testing.T) {
	h := newTestStack(t, Config{})

	s := h.ns.NewTCPSocket()
	if _, err := s.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send on fresh socket = %v, want ErrNotConnected", err)
	}
	buf := make([]byte, 8)
	if _, err := s.Recv(buf); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Recv on fresh socket = %v, want ErrNotConnected", err)
	}
	if _, err := s.SendTo([]byte("x"), SockAddr{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("SendTo on tcp socket = %v, want ErrInvalidArgument", err)
	}
	if _, _, err := s.Accept(); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("Accept on non-listener = %v, want ErrInvalidStateTransition", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	h := newTestStack(t, Config{})

	s := h.ns.NewTCPSocket()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after close = %v, want ErrNotConnected", err)
	}
}

func TestCloseSucceedsWithFullEventQueue(t *testing.T) {
	h := newTestStack(t, Config{EventQueueCapacity: 1})

	// Without the event loop running one SendTo fills the queue.
	u := h.ns.NewUDPSocket()
	remote := SockAddr{Addr: testPeerIP, Port: 9999}
	if _, err := u.SendTo([]byte("first"), remote); err != nil {
		t.Fatalf("first SendTo: %v", err)
	}
	if _, err := u.SendTo([]byte("second"), remote); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("second SendTo = %v, want ErrResourceExhausted", err)
	}

	// Close never fails, even though its event cannot be queued.
	if err := u.Close(); err != nil {
		t.Fatalf("Close with full queue = %v", err)
	}
	if u.State() != StateClosed {
		t.Errorf("state = %s, want closed", u.State())
	}
}

func TestUDPConnectedSendRecv(t *testing.T) {
	h := newTestStack(t, Config{})
	h.start(t)
	h.primeARP(t, testPeerMAC, testPeerIP)

	remote := SockAddr{Addr: testPeerIP, Port: 7777}
	u := h.ns.NewUDPSocket()
	if err := u.Connect(remote); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, err := u.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	pkt, dg := parseUDPFrame(t, h.awaitFrame(t))
	if pkt.Destination() != testPeerIP || dg.DestinationPort() != 7777 {
		t.Fatalf("datagram to %s:%d, want %s:7777", pkt.Destination(), dg.DestinationPort(), testPeerIP)
	}
	if string(dg.Payload()) != "ping" {
		t.Errorf("payload = %q", dg.Payload())
	}

	// A reply to the auto-bound local port comes back through Recv.
	local := SockAddr{Addr: h.ns.LocalAddr(), Port: u.LocalAddr().Port}
	h.ns.Receive(buildUDPFrame(t, testPeerMAC, h.ns.MAC(), remote, local, []byte("pong")))

	buf := make([]byte, 16)
	n, err := u.Recv(buf)
	if err != nil || string(buf[:n]) != "pong" {
		t.Fatalf("Recv = %q, %v", buf[:n], err)
	}
}

func TestReadableWakerFiresOnce(t *testing.T) {
	h := newTestStack(t, Config{})

	sock, err := h.ns.BindUDP(6000)
	if err != nil {
		t.Fatalf("BindUDP: %v", err)
	}

	fired := make(chan struct{}, 2)
	sock.OnReadable(func() { fired <- struct{}{} })

	peer := SockAddr{Addr: testPeerIP, Port: 40002}
	local := SockAddr{Addr: h.ns.LocalAddr(), Port: 6000}
	h.ns.Receive(buildUDPFrame(t, testPeerMAC, h.ns.MAC(), peer, local, []byte("one")))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("readable waker never fired")
	}

	// One-shot: a second datagram does not fire it again.
	h.ns.Receive(buildUDPFrame(t, testPeerMAC, h.ns.MAC(), peer, local, []byte("two")))
	select {
	case <-fired:
		t.Fatalf("waker fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFDsNeverReused(t *testing.T) {
	h := newTestStack(t, Config{})

	a := h.ns.NewTCPSocket()
	fd := a.FD()
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b := h.ns.NewTCPSocket()
	if b.FD() == fd {
		t.Errorf("fd %d reused after close", fd)
	}
}

////////////////////////////////////////////////////////////////////////////////
// Manager.
////////////////////////////////////////////////////////////////////////////////

func TestEphemeralPortRotation(t *testing.T) {
	m := newSocketManager()

	p1, err := m.allocateEphemeralPort(SocketTCP, 1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	m.releasePort(SocketTCP, p1)

	p2, err := m.allocateEphemeralPort(SocketTCP, 1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if p2 == p1 {
		t.Errorf("released port %d immediately reused", p1)
	}
}

func TestEphemeralPortExhaustion(t *testing.T) {
	m := newSocketManager()

	span := int(ephemeralPortLast-ephemeralPortFirst) + 1
	for i := 0; i < span; i++ {
		if _, err := m.allocateEphemeralPort(SocketUDP, 1); err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
	}
	if _, err := m.allocateEphemeralPort(SocketUDP, 1); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("exhausted allocate = %v, want ErrResourceExhausted", err)
	}

	// TCP has its own table and is unaffected.
	if _, err := m.allocateEphemeralPort(SocketTCP, 1); err != nil {
		t.Errorf("tcp allocate = %v", err)
	}
}

func TestUnregisterFreesPorts(t *testing.T) {
	h := newTestStack(t, Config{})

	s := h.ns.NewTCPSocket()
	if err := s.Bind(SockAddr{Addr: h.ns.LocalAddr(), Port: 7100}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	h.ns.sockets.unregister(s.FD())

	if _, ok := h.ns.sockets.findByPort(SocketTCP, 7100); ok {
		t.Errorf("port still mapped after unregister")
	}
}

////////////////////////////////////////////////////////////////////////////////
// Event queue.
////////////////////////////////////////////////////////////////////////////////

func TestEventQueueBounds(t *testing.T) {
	q := newEventQueue(2)

	if !q.push(networkEvent{kind: eventDataReady}) || !q.push(networkEvent{kind: eventClose}) {
		t.Fatalf("pushes within capacity failed")
	}
	if q.push(networkEvent{kind: eventConnect}) {
		t.Fatalf("push beyond capacity succeeded")
	}
	if q.len() != 2 {
		t.Errorf("len = %d, want 2", q.len())
	}

	ev, ok := q.pop()
	if !ok || ev.kind != eventDataReady {
		t.Fatalf("pop = %v/%v", ev.kind, ok)
	}
	drained := q.drain()
	if len(drained) != 1 || drained[0].kind != eventClose {
		t.Fatalf("drain = %d events", len(drained))
	}
	if _, ok := q.pop(); ok {
		t.Errorf("pop on empty queue succeeded")
	}
}

func TestSentinelErrorIdentity(t *testing.T) {
	// Wrapped sentinels must stay matchable.
	h := newTestStack(t, Config{})

	s := h.ns.NewTCPSocket()
	err := s.Bind(SockAddr{Addr: wire.AddrAny, Port: 0})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	s2 := h.ns.NewTCPSocket()
	err = s2.Bind(SockAddr{Addr: wire.AddrAny, Port: s.LocalAddr().Port})
	if !errors.Is(err, ErrPortInUse) {
		t.Errorf("errors.Is(ErrPortInUse) failed for %v", err)
	}
}
