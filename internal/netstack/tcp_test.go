package netstack

import (
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/netkit/internal/wire"
)

// openPassive completes a client-side handshake against a listening port
// and returns the stack's ISN.
func (h *testHarness) openPassive(t *testing.T, clientPort, serverPort uint16, clientISN uint32) uint32 {
	t.Helper()

	client := SockAddr{Addr: testPeerIP, Port: clientPort}
	server := SockAddr{Addr: h.ns.LocalAddr(), Port: serverPort}

	h.ns.Receive(buildTCPFrame(t, h, client, server, clientISN, 0, wire.TCPFlagSYN, nil))

	synack := parseTCPFrame(t, h.awaitFrame(t))
	if !synack.SYN() || !synack.ACK() {
		t.Fatalf("expected syn-ack, got flags %#02x", synack.Flags())
	}
	if synack.AckNumber() != clientISN+1 {
		t.Fatalf("syn-ack acks %d, want %d", synack.AckNumber(), clientISN+1)
	}
	opts := wire.ParseTCPOptions(synack.Options())
	if !opts.HasMSS {
		t.Errorf("syn-ack missing mss option")
	}

	serverISN := synack.SequenceNumber()
	h.ns.Receive(buildTCPFrame(t, h, client, server, clientISN+1, serverISN+1, wire.TCPFlagACK, nil))
	return serverISN
}

func TestTCPPassiveOpenAndData(t *testing.T) {
	h := newTestStack(t, Config{})
	h.start(t)

	ln, err := h.ns.ListenTCP(8080, 4)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}

	client := SockAddr{Addr: testPeerIP, Port: 40000}
	server := SockAddr{Addr: h.ns.LocalAddr(), Port: 8080}
	serverISN := h.openPassive(t, client.Port, server.Port, 1000)

	conn, remote, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if remote != client {
		t.Errorf("accepted remote = %s, want %s", remote, client)
	}
	if conn.State() != StateConnected {
		t.Errorf("accepted state = %s", conn.State())
	}

	// Client -> stack.
	h.ns.Receive(buildTCPFrame(t, h, client, server, 1001, serverISN+1,
		wire.TCPFlagPSH|wire.TCPFlagACK, []byte("ping")))

	ackOut := parseTCPFrame(t, h.awaitFrame(t))
	if !ackOut.ACK() || ackOut.AckNumber() != 1005 {
		t.Fatalf("data ack = %d (flags %#02x), want ack 1005", ackOut.AckNumber(), ackOut.Flags())
	}

	buf := make([]byte, 64)
	n, err := conn.Recv(buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("Recv = %q, %v", buf[:n], err)
	}

	// Stack -> client.
	if _, err := conn.Send([]byte("pong")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	dataOut := parseTCPFrame(t, h.awaitFrame(t))
	if dataOut.SequenceNumber() != serverISN+1 || string(dataOut.Payload()) != "pong" {
		t.Fatalf("sent seq %d payload %q, want %d/pong",
			dataOut.SequenceNumber(), dataOut.Payload(), serverISN+1)
	}
	h.ns.Receive(buildTCPFrame(t, h, client, server, 1005, serverISN+5, wire.TCPFlagACK, nil))

	// Client closes its side.
	h.ns.Receive(buildTCPFrame(t, h, client, server, 1005, serverISN+5,
		wire.TCPFlagFIN|wire.TCPFlagACK, nil))
	finAck := parseTCPFrame(t, h.awaitFrame(t))
	if !finAck.ACK() || finAck.AckNumber() != 1006 {
		t.Fatalf("fin ack = %d, want 1006", finAck.AckNumber())
	}
	if conn.State() != StateClosing {
		t.Errorf("state after peer fin = %s, want closing", conn.State())
	}

	// Our side closes: FIN out, final ACK drops the control block.
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	finOut := parseTCPFrame(t, h.awaitFrame(t))
	if !finOut.FIN() || finOut.SequenceNumber() != serverISN+5 {
		t.Fatalf("fin seq = %d (flags %#02x), want %d", finOut.SequenceNumber(), finOut.Flags(), serverISN+5)
	}
	h.ns.Receive(buildTCPFrame(t, h, client, server, 1006, serverISN+6, wire.TCPFlagACK, nil))

	if n := h.ns.tcbs.count(); n != 0 {
		t.Errorf("control blocks remaining = %d, want 0", n)
	}
}

func TestTCPActiveOpen(t *testing.T) {
	h := newTestStack(t, Config{})
	h.start(t)
	h.primeARP(t, testPeerMAC, testPeerIP)

	remote := SockAddr{Addr: testPeerIP, Port: 9000}
	sock, err := h.ns.ConnectTCP(remote)
	if err != nil {
		t.Fatalf("ConnectTCP: %v", err)
	}
	if sock.State() != StateConnecting {
		t.Fatalf("state after connect = %s, want connecting", sock.State())
	}

	connected := make(chan struct{}, 1)
	sock.OnConnected(func() { connected <- struct{}{} })

	syn := parseTCPFrame(t, h.awaitFrame(t))
	if !syn.SYN() || syn.ACK() {
		t.Fatalf("expected bare syn, got flags %#02x", syn.Flags())
	}
	opts := wire.ParseTCPOptions(syn.Options())
	if !opts.HasMSS || opts.MSS != tcpDefaultMSS {
		t.Errorf("syn mss option = %v/%d, want %d", opts.HasMSS, opts.MSS, tcpDefaultMSS)
	}
	ourISN := syn.SequenceNumber()

	client := SockAddr{Addr: h.ns.LocalAddr(), Port: syn.SourcePort()}
	h.ns.Receive(buildTCPFrame(t, h, remote, client, 7000, ourISN+1,
		wire.TCPFlagSYN|wire.TCPFlagACK, nil))

	ack := parseTCPFrame(t, h.awaitFrame(t))
	if !ack.ACK() || ack.AckNumber() != 7001 || ack.SequenceNumber() != ourISN+1 {
		t.Fatalf("handshake ack seq/ack = %d/%d, want %d/7001",
			ack.SequenceNumber(), ack.AckNumber(), ourISN+1)
	}

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatalf("connect waker never fired")
	}
	if sock.State() != StateConnected {
		t.Fatalf("state = %s, want connected", sock.State())
	}

	// Send and receive over the established connection.
	if _, err := sock.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	dataOut := parseTCPFrame(t, h.awaitFrame(t))
	if dataOut.SequenceNumber() != ourISN+1 || string(dataOut.Payload()) != "hello" {
		t.Fatalf("sent seq %d payload %q", dataOut.SequenceNumber(), dataOut.Payload())
	}
	h.ns.Receive(buildTCPFrame(t, h, remote, client, 7001, ourISN+6, wire.TCPFlagACK, nil))

	h.ns.Receive(buildTCPFrame(t, h, remote, client, 7001, ourISN+6,
		wire.TCPFlagPSH|wire.TCPFlagACK, []byte("world")))
	ackOut := parseTCPFrame(t, h.awaitFrame(t))
	if ackOut.AckNumber() != 7006 {
		t.Fatalf("data ack = %d, want 7006", ackOut.AckNumber())
	}
	buf := make([]byte, 64)
	n, err := sock.Recv(buf)
	if err != nil || string(buf[:n]) != "world" {
		t.Fatalf("Recv = %q, %v", buf[:n], err)
	}
}

func TestTCPConnectionRefused(t *testing.T) {
	h := newTestStack(t, Config{})
	h.start(t)
	h.primeARP(t, testPeerMAC, testPeerIP)

	remote := SockAddr{Addr: testPeerIP, Port: 9001}
	sock, err := h.ns.ConnectTCP(remote)
	if err != nil {
		t.Fatalf("ConnectTCP: %v", err)
	}

	syn := parseTCPFrame(t, h.awaitFrame(t))
	client := SockAddr{Addr: h.ns.LocalAddr(), Port: syn.SourcePort()}
	h.ns.Receive(buildTCPFrame(t, h, remote, client, 0, syn.SequenceNumber()+1,
		wire.TCPFlagRST|wire.TCPFlagACK, nil))

	if sock.State() != StateClosed {
		t.Fatalf("state after rst = %s, want closed", sock.State())
	}
	if err := sock.LastError(); !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("LastError = %v, want ErrConnectionRefused", err)
	}
}

func TestTCPSynToClosedPortDrawsRST(t *testing.T) {
	h := newTestStack(t, Config{})

	client := SockAddr{Addr: testPeerIP, Port: 41000}
	server := SockAddr{Addr: h.ns.LocalAddr(), Port: 9999}
	h.ns.Receive(buildTCPFrame(t, h, client, server, 5000, 0, wire.TCPFlagSYN, nil))

	rst := parseTCPFrame(t, h.awaitFrame(t))
	if !rst.RST() {
		t.Fatalf("expected rst, got flags %#02x", rst.Flags())
	}
	if !rst.ACK() || rst.AckNumber() != 5001 {
		t.Errorf("rst ack = %d, want 5001", rst.AckNumber())
	}
}

func TestTCPAcceptQueueOverflow(t *testing.T) {
	h := newTestStack(t, Config{})

	ln, err := h.ns.ListenTCP(8081, 1)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}

	// First connection fills the backlog.
	h.openPassive(t, 41001, 8081, 2000)

	// Second handshake completes on the wire but cannot be queued.
	client := SockAddr{Addr: testPeerIP, Port: 41002}
	server := SockAddr{Addr: h.ns.LocalAddr(), Port: 8081}
	h.ns.Receive(buildTCPFrame(t, h, client, server, 3000, 0, wire.TCPFlagSYN, nil))
	synack := parseTCPFrame(t, h.awaitFrame(t))
	h.ns.Receive(buildTCPFrame(t, h, client, server, 3001, synack.SequenceNumber()+1, wire.TCPFlagACK, nil))

	rst := parseTCPFrame(t, h.awaitFrame(t))
	if !rst.RST() {
		t.Fatalf("expected rst for overflowed connection, got flags %#02x", rst.Flags())
	}

	// The queued connection is still there; only one.
	if _, _, err := ln.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, _, err := ln.Accept(); err != ErrTimeout {
		t.Fatalf("second Accept = %v, want ErrTimeout", err)
	}
}

func TestTCPOutOfOrderSegmentDropped(t *testing.T) {
	h := newTestStack(t, Config{})
	h.start(t)

	ln, err := h.ns.ListenTCP(8082, 4)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}

	client := SockAddr{Addr: testPeerIP, Port: 41003}
	server := SockAddr{Addr: h.ns.LocalAddr(), Port: 8082}
	serverISN := h.openPassive(t, client.Port, server.Port, 4000)

	conn, _, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// A segment past the expected sequence is not delivered, but the
	// peer hears where the window stands.
	h.ns.Receive(buildTCPFrame(t, h, client, server, 4101, serverISN+1,
		wire.TCPFlagPSH|wire.TCPFlagACK, []byte("late")))
	dup := parseTCPFrame(t, h.awaitFrame(t))
	if !dup.ACK() || dup.AckNumber() != 4001 {
		t.Fatalf("out-of-order ack = %d, want 4001", dup.AckNumber())
	}
	if len(dup.Payload()) != 0 {
		t.Fatalf("out-of-order ack carries %d payload bytes", len(dup.Payload()))
	}

	buf := make([]byte, 16)
	if _, err := conn.Recv(buf); err != ErrTimeout {
		t.Fatalf("Recv after out-of-order = %v, want ErrTimeout", err)
	}

	// In-order data still flows.
	h.ns.Receive(buildTCPFrame(t, h, client, server, 4001, serverISN+1,
		wire.TCPFlagPSH|wire.TCPFlagACK, []byte("ok")))
	ack := parseTCPFrame(t, h.awaitFrame(t))
	if ack.AckNumber() != 4003 {
		t.Fatalf("ack = %d, want 4003", ack.AckNumber())
	}
	n, err := conn.Recv(buf)
	if err != nil || string(buf[:n]) != "ok" {
		t.Fatalf("Recv = %q, %v", buf[:n], err)
	}
}

func TestTCPDuplicateSegmentAckedNotRedelivered(t *testing.T) {
	h := newTestStack(t, Config{})
	h.start(t)

	ln, err := h.ns.ListenTCP(8083, 4)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}

	client := SockAddr{Addr: testPeerIP, Port: 41004}
	server := SockAddr{Addr: h.ns.LocalAddr(), Port: 8083}
	serverISN := h.openPassive(t, client.Port, server.Port, 6000)

	conn, _, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	h.ns.Receive(buildTCPFrame(t, h, client, server, 6001, serverISN+1,
		wire.TCPFlagPSH|wire.TCPFlagACK, []byte("data")))
	ack := parseTCPFrame(t, h.awaitFrame(t))
	if ack.AckNumber() != 6005 {
		t.Fatalf("ack = %d, want 6005", ack.AckNumber())
	}

	buf := make([]byte, 16)
	n, err := conn.Recv(buf)
	if err != nil || string(buf[:n]) != "data" {
		t.Fatalf("Recv = %q, %v", buf[:n], err)
	}

	// The peer retransmits the same segment, as if our ack never
	// arrived. It must be acknowledged again but never delivered twice.
	h.ns.Receive(buildTCPFrame(t, h, client, server, 6001, serverISN+1,
		wire.TCPFlagPSH|wire.TCPFlagACK, []byte("data")))
	dup := parseTCPFrame(t, h.awaitFrame(t))
	if !dup.ACK() || dup.AckNumber() != 6005 {
		t.Fatalf("duplicate ack = %d, want 6005", dup.AckNumber())
	}
	if _, err := conn.Recv(buf); err != ErrTimeout {
		t.Fatalf("Recv after duplicate = %v, want ErrTimeout", err)
	}
}

func TestTCPSendBufferBackpressure(t *testing.T) {
	h := newTestStack(t, Config{SocketBufferSize: 16})

	ln, err := h.ns.ListenTCP(8084, 4)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	h.openPassive(t, 41005, 8084, 7000)
	conn, _, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	fill := make([]byte, 16)
	if n, err := conn.Send(fill); err != nil || n != len(fill) {
		t.Fatalf("Send = %d, %v", n, err)
	}
	if _, err := conn.Send([]byte("x")); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("Send on full buffer = %v, want ErrBufferFull", err)
	}

	woke := make(chan struct{}, 1)
	conn.OnWritable(func() { woke <- struct{}{} })

	// The transmit path draining the FIFO frees space and wakes the
	// registered writer.
	if got := conn.takeSendData(16); len(got) != 16 {
		t.Fatalf("takeSendData = %d bytes, want 16", len(got))
	}
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("writable waker did not fire after drain")
	}
	if n, err := conn.Send([]byte("x")); err != nil || n != 1 {
		t.Fatalf("Send after drain = %d, %v", n, err)
	}
}

func TestTCPConnectRefusedWhileOldConnectionLingers(t *testing.T) {
	h := newTestStack(t, Config{})
	h.start(t)
	h.primeARP(t, testPeerMAC, testPeerIP)

	remote := SockAddr{Addr: testPeerIP, Port: 9005}
	sock, err := h.ns.ConnectTCP(remote)
	if err != nil {
		t.Fatalf("ConnectTCP: %v", err)
	}
	syn := parseTCPFrame(t, h.awaitFrame(t))
	local := sock.LocalAddr()

	h.ns.Receive(buildTCPFrame(t, h, remote, local, 8000, syn.SequenceNumber()+1,
		wire.TCPFlagSYN|wire.TCPFlagACK, nil))
	parseTCPFrame(t, h.awaitFrame(t)) // handshake ack
	if sock.State() != StateConnected {
		t.Fatalf("state = %s, want connected", sock.State())
	}

	// Close releases the port right away while the control block walks
	// through fin-wait. A rebind of the same port must not displace it.
	if err := sock.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	fin := parseTCPFrame(t, h.awaitFrame(t))
	if !fin.FIN() {
		t.Fatalf("expected fin, got flags %#02x", fin.Flags())
	}

	reuse := h.ns.NewTCPSocket()
	if err := reuse.Bind(local); err != nil {
		t.Fatalf("Bind to released port: %v", err)
	}
	if err := reuse.Connect(remote); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for reuse.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("reconnect state = %s, want closed", reuse.State())
		}
		time.Sleep(time.Millisecond)
	}
	if err := reuse.LastError(); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("LastError = %v, want ErrAddressInUse", err)
	}

	// The original connection's block is untouched.
	h.ns.tcpMu.Lock()
	lingering, ok := h.ns.tcbs.get(local, remote)
	h.ns.tcpMu.Unlock()
	if !ok || lingering.fd != sock.fd {
		t.Fatalf("lingering control block missing or displaced")
	}
}

func TestTCPRetransmitBackoffAndTimeout(t *testing.T) {
	h := newTestStack(t, Config{})
	h.start(t)
	h.primeARP(t, testPeerMAC, testPeerIP)

	remote := SockAddr{Addr: testPeerIP, Port: 9002}
	sock, err := h.ns.ConnectTCP(remote)
	if err != nil {
		t.Fatalf("ConnectTCP: %v", err)
	}

	syn := parseTCPFrame(t, h.awaitFrame(t))
	ourISN := syn.SequenceNumber()

	// Before the initial RTO nothing is resent.
	h.ns.UpdateTime(900)
	h.ns.Periodic()
	h.expectNoFrame(t, 50*time.Millisecond)

	// Each sweep past the (doubling) RTO resends the SYN.
	for _, tick := range []uint64{1500, 4000, 9000, 18000, 35000} {
		h.ns.UpdateTime(tick)
		h.ns.Periodic()
		resent := parseTCPFrame(t, h.awaitFrame(t))
		if !resent.SYN() || resent.SequenceNumber() != ourISN {
			t.Fatalf("retransmit at tick %d: flags %#02x seq %d, want syn seq %d",
				tick, resent.Flags(), resent.SequenceNumber(), ourISN)
		}
	}

	// Retries exhausted: the connection is torn down instead of resent.
	h.ns.UpdateTime(70000)
	h.ns.Periodic()
	h.expectNoFrame(t, 100*time.Millisecond)

	if sock.State() != StateClosed {
		t.Fatalf("state after timeout = %s, want closed", sock.State())
	}
	if err := sock.LastError(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("LastError = %v, want ErrTimeout", err)
	}
	if n := h.ns.tcbs.count(); n != 0 {
		t.Errorf("control blocks remaining = %d", n)
	}
}

func TestTCPTimeWaitReaped(t *testing.T) {
	h := newTestStack(t, Config{})
	h.start(t)
	h.primeARP(t, testPeerMAC, testPeerIP)

	remote := SockAddr{Addr: testPeerIP, Port: 9003}
	sock, err := h.ns.ConnectTCP(remote)
	if err != nil {
		t.Fatalf("ConnectTCP: %v", err)
	}

	syn := parseTCPFrame(t, h.awaitFrame(t))
	ourISN := syn.SequenceNumber()
	client := SockAddr{Addr: h.ns.LocalAddr(), Port: syn.SourcePort()}

	h.ns.Receive(buildTCPFrame(t, h, remote, client, 7000, ourISN+1,
		wire.TCPFlagSYN|wire.TCPFlagACK, nil))
	parseTCPFrame(t, h.awaitFrame(t)) // handshake ack

	// Active close: FIN out, peer acks, peer's FIN comes back.
	if err := sock.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	fin := parseTCPFrame(t, h.awaitFrame(t))
	if !fin.FIN() || fin.SequenceNumber() != ourISN+1 {
		t.Fatalf("fin seq = %d (flags %#02x), want %d", fin.SequenceNumber(), fin.Flags(), ourISN+1)
	}
	h.ns.Receive(buildTCPFrame(t, h, remote, client, 7001, ourISN+2, wire.TCPFlagACK, nil))
	h.ns.Receive(buildTCPFrame(t, h, remote, client, 7001, ourISN+2,
		wire.TCPFlagFIN|wire.TCPFlagACK, nil))

	lastAck := parseTCPFrame(t, h.awaitFrame(t))
	if lastAck.AckNumber() != 7002 {
		t.Fatalf("final ack = %d, want 7002", lastAck.AckNumber())
	}

	snaps := h.ns.tcbs.snapshot()
	if len(snaps) != 1 || snaps[0].State != "time-wait" {
		t.Fatalf("connection state = %+v, want one time-wait entry", snaps)
	}

	// 2MSL later the sweep reaps it.
	h.ns.UpdateTime(timeWaitMillis + 1)
	h.ns.Periodic()
	if n := h.ns.tcbs.count(); n != 0 {
		t.Errorf("control blocks after reap = %d, want 0", n)
	}
}

func TestTCPRetransmitQueueAckSampling(t *testing.T) {
	q := newRetransmitQueue(1000)

	q.track(100, []byte("abcd"), wire.TCPFlagPSH, 0)
	q.track(104, []byte("efgh"), wire.TCPFlagPSH, 10)
	if q.inFlight() != 2 {
		t.Fatalf("inFlight = %d", q.inFlight())
	}

	// Partial ack only clears the first segment.
	if acked := q.ackReceived(104, 200); acked != 1 {
		t.Fatalf("acked = %d, want 1", acked)
	}
	if q.inFlight() != 1 {
		t.Fatalf("inFlight after partial ack = %d", q.inFlight())
	}

	// The clean sample tightened the RTO below its initial value.
	if q.rto.rto >= 1000 {
		t.Errorf("rto = %d, want < 1000 after a 200-tick sample", q.rto.rto)
	}

	// A resent segment contributes no sample (Karn's algorithm).
	before := q.rto.rto
	if _, ok := q.oldest(300); !ok {
		t.Fatalf("oldest should allow retry")
	}
	backedOff := q.rto.rto
	if backedOff != before*2 {
		t.Errorf("rto after backoff = %d, want %d", backedOff, before*2)
	}
	q.ackReceived(108, 400)
	if q.rto.rto != backedOff {
		t.Errorf("rto changed by resent segment's ack: %d -> %d", backedOff, q.rto.rto)
	}
	if q.inFlight() != 0 {
		t.Errorf("inFlight = %d, want 0", q.inFlight())
	}
}

func TestTCPSeqSpanCountsSynAndFin(t *testing.T) {
	syn := unackedSegment{flags: wire.TCPFlagSYN}
	if syn.seqSpan() != 1 {
		t.Errorf("syn span = %d", syn.seqSpan())
	}
	data := unackedSegment{payload: []byte("abc"), flags: wire.TCPFlagPSH}
	if data.seqSpan() != 3 {
		t.Errorf("data span = %d", data.seqSpan())
	}
	fin := unackedSegment{flags: wire.TCPFlagFIN}
	if fin.seqSpan() != 1 {
		t.Errorf("fin span = %d", fin.seqSpan())
	}
}
