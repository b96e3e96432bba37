// TCP segment processing: connection establishment in both directions,
// in-order data delivery, acknowledgment handling, and teardown. All of it
// runs under the stack's coarse TCP mutex.

package netstack

import (
	"fmt"

	"github.com/tinyrange/netkit/internal/wire"
)

func (ns *NetworkStack) receiveTCP(pkt wire.IPv4Packet) {
	seg, ok := wire.ParseTCP(pkt.Payload())
	if !ok {
		ns.stats.RxErrors.Add(1)
		return
	}
	if !seg.VerifyChecksum(pkt.Source(), pkt.Destination()) {
		ns.stats.RxErrors.Add(1)
		return
	}

	local := SockAddr{Addr: pkt.Destination(), Port: seg.DestinationPort()}
	remote := SockAddr{Addr: pkt.Source(), Port: seg.SourcePort()}

	ns.tcpMu.Lock()
	defer ns.tcpMu.Unlock()

	t, found := ns.tcbs.get(local, remote)
	if !found {
		ns.handleNewConnectionLocked(local, remote, seg)
		return
	}
	ns.processSegmentLocked(t, seg)
}

// handleNewConnectionLocked deals with a segment for which no control
// block exists. A bare SYN for a listening port starts a passive open;
// everything else draws a reset.
func (ns *NetworkStack) handleNewConnectionLocked(local, remote SockAddr, seg wire.TCPSegment) {
	if !seg.SYN() || seg.ACK() || seg.RST() {
		if !seg.RST() {
			ns.sendRSTLocked(local, remote, seg)
		}
		return
	}

	listener, ok := ns.sockets.findByPort(SocketTCP, local.Port)
	if !ok || listener.State() != StateListening {
		ns.logger.Debug("syn for closed port", "port", local.Port, "from", remote)
		ns.sendRSTLocked(local, remote, seg)
		return
	}

	opts := wire.ParseTCPOptions(seg.Options())
	mss := tcpDefaultMSS
	if opts.HasMSS && opts.MSS < mss {
		mss = opts.MSS
	}

	now := ns.now()
	isn := ns.tcbs.generateISN()
	t := &tcb{
		fd:     listener.fd, // replaced by the accepted fd on completion
		local:  local,
		remote: remote,
		sndNxt: isn + 1,
		sndUna: isn,
		rcvNxt: seg.SequenceNumber() + 1,
		sndWnd: seg.Window(),
		rcvWnd: tcpDefaultWindow,
		mss:    mss,
	}
	if opts.HasWindowScale {
		t.peerWndScale = opts.WindowScale
	}
	t.setState(tcpSynReceived, now)
	ns.tcbs.insert(t)

	q := ns.rtx.create(local, remote)
	ns.sendSegmentLocked(t, isn, wire.TCPFlagSYN|wire.TCPFlagACK, nil, true)
	q.track(isn, nil, wire.TCPFlagSYN, now)

	ns.logger.Debug("passive open", "local", local, "remote", remote, "isn", isn)
}

// processSegmentLocked is the per-state dispatch for an established
// control block.
func (ns *NetworkStack) processSegmentLocked(t *tcb, seg wire.TCPSegment) {
	now := ns.now()

	if seg.RST() {
		ns.handleResetLocked(t)
		return
	}

	switch t.state {
	case tcpSynSent:
		ns.handleSynSentLocked(t, seg, now)
	case tcpSynReceived:
		ns.handleSynReceivedLocked(t, seg, now)
	case tcpEstablished, tcpFinWait1, tcpFinWait2, tcpCloseWait, tcpClosing, tcpLastAck:
		ns.handleStreamSegmentLocked(t, seg, now)
	case tcpTimeWait:
		// A retransmitted FIN needs its ACK again.
		if seg.FIN() {
			ns.sendSegmentLocked(t, t.sndNxt, wire.TCPFlagACK, nil, false)
		}
	default:
		ns.logger.Debug("segment in unexpected state", "state", t.state, "conn", t.local)
	}
}

func (ns *NetworkStack) handleResetLocked(t *tcb) {
	ns.logger.Debug("connection reset by peer", "local", t.local, "remote", t.remote, "state", t.state)

	err := ErrInterrupted
	if t.state == tcpSynSent {
		err = ErrConnectionRefused
	}
	ns.teardownLocked(t, err)
}

// teardownLocked removes the control block and retransmit queue and fails
// the owning socket.
func (ns *NetworkStack) teardownLocked(t *tcb, err error) {
	ns.rtx.remove(t.local, t.remote)
	ns.tcbs.remove(t.local, t.remote)

	if sock, lookupErr := ns.sockets.get(t.fd); lookupErr == nil && sock.proto == SocketTCP {
		if sock.State() != StateListening {
			sock.fail(err)
		}
	}
}

func (ns *NetworkStack) handleSynSentLocked(t *tcb, seg wire.TCPSegment, now uint64) {
	if !seg.SYN() || !seg.ACK() {
		return
	}
	if seg.AckNumber() != t.sndNxt {
		ns.logger.Debug("syn-ack with wrong ack", "got", seg.AckNumber(), "want", t.sndNxt)
		ns.sendRSTLocked(t.local, t.remote, seg)
		return
	}

	opts := wire.ParseTCPOptions(seg.Options())
	if opts.HasMSS && opts.MSS < t.mss {
		t.mss = opts.MSS
	}
	if opts.HasWindowScale {
		t.peerWndScale = opts.WindowScale
	}

	t.rcvNxt = seg.SequenceNumber() + 1
	t.sndUna = seg.AckNumber()
	t.updatePeerWindow(seg.Window())
	t.setState(tcpEstablished, now)

	if q, ok := ns.rtx.get(t.local, t.remote); ok {
		q.ackReceived(seg.AckNumber(), now)
	}

	ns.sendSegmentLocked(t, t.sndNxt, wire.TCPFlagACK, nil, false)

	if sock, err := ns.sockets.get(t.fd); err == nil {
		sock.connectFinished(nil)
	}
	ns.logger.Debug("active open complete", "local", t.local, "remote", t.remote)
}

func (ns *NetworkStack) handleSynReceivedLocked(t *tcb, seg wire.TCPSegment, now uint64) {
	if !seg.ACK() || seg.AckNumber() != t.sndNxt {
		return
	}

	t.sndUna = seg.AckNumber()
	t.updatePeerWindow(seg.Window())
	t.setState(tcpEstablished, now)

	if q, ok := ns.rtx.get(t.local, t.remote); ok {
		q.ackReceived(seg.AckNumber(), now)
	}

	listener, err := ns.sockets.get(t.fd)
	if err != nil || listener.State() != StateListening {
		ns.logger.Warn("handshake completed without listener", "local", t.local)
		ns.teardownLocked(t, ErrNotFound)
		return
	}

	accepted := ns.newSocket(SocketTCP)
	accepted.inner.mu.Lock()
	accepted.inner.state = StateConnected
	accepted.inner.local = t.local
	accepted.inner.remote = t.remote
	accepted.inner.mu.Unlock()
	t.fd = accepted.fd

	conn := AcceptedConnection{FD: accepted.fd, Local: t.local, Remote: t.remote}
	if !listener.pushAccepted(conn) {
		ns.logger.Warn("accept queue full, dropping connection", "local", t.local, "remote", t.remote)
		accepted.Close()
		ns.rtx.remove(t.local, t.remote)
		ns.tcbs.remove(t.local, t.remote)
		ns.sendRSTLocked(t.local, t.remote, seg)
		return
	}

	ns.logger.Debug("passive open complete", "local", t.local, "remote", t.remote, "fd", accepted.fd)

	// The handshake ACK may already carry data.
	if len(seg.Payload()) > 0 {
		ns.handleStreamSegmentLocked(t, seg, now)
	}
}

// handleStreamSegmentLocked covers every state where acknowledgments,
// payload, or a FIN can still arrive.
func (ns *NetworkStack) handleStreamSegmentLocked(t *tcb, seg wire.TCPSegment, now uint64) {
	if seg.ACK() {
		ack := seg.AckNumber()
		if t.onAckReceived(ack) {
			if q, ok := ns.rtx.get(t.local, t.remote); ok {
				q.ackReceived(ack, now)
			}
		}
		t.updatePeerWindow(seg.Window())

		// An ACK covering our FIN advances the closing handshake.
		if ack == t.sndNxt {
			switch t.state {
			case tcpFinWait1:
				t.setState(tcpFinWait2, now)
			case tcpClosing:
				t.setState(tcpTimeWait, now)
			case tcpLastAck:
				t.setState(tcpClosed, now)
				ns.rtx.remove(t.local, t.remote)
				ns.tcbs.remove(t.local, t.remote)
				return
			}
		}
	}

	payload := seg.Payload()
	seq := seg.SequenceNumber()

	if len(payload) > 0 {
		switch t.state {
		case tcpEstablished, tcpFinWait1, tcpFinWait2:
			if seq == t.rcvNxt {
				if sock, err := ns.sockets.get(t.fd); err == nil {
					if !sock.pushData(payload) {
						ns.stats.Dropped.Add(1)
					}
				}
				t.onDataReceived(len(payload))
				ns.sendSegmentLocked(t, t.sndNxt, wire.TCPFlagACK, nil, false)
			} else {
				// Out-of-order or duplicate data is not delivered, but the
				// peer still hears where the receive window stands.
				ns.logger.Debug("out-of-order segment dropped",
					"seq", seq, "want", t.rcvNxt, "len", len(payload))
				ns.stats.Dropped.Add(1)
				ns.sendSegmentLocked(t, t.sndNxt, wire.TCPFlagACK, nil, false)
			}
		default:
			ns.stats.Dropped.Add(1)
		}
	}

	if seg.FIN() && seq+uint32(len(payload)) == t.rcvNxt {
		t.rcvNxt++
		switch t.state {
		case tcpEstablished:
			t.setState(tcpCloseWait, now)
		case tcpFinWait1:
			t.setState(tcpClosing, now)
		case tcpFinWait2:
			t.setState(tcpTimeWait, now)
		}
		ns.sendSegmentLocked(t, t.sndNxt, wire.TCPFlagACK, nil, false)

		if sock, err := ns.sockets.get(t.fd); err == nil {
			sock.peerClosed()
		}
		ns.logger.Debug("fin received", "local", t.local, "remote", t.remote, "state", t.state)
	}
}

////////////////////////////////////////////////////////////////////////////////
// Segment transmission.
////////////////////////////////////////////////////////////////////////////////

// sendSegmentLocked builds and transmits one segment for the connection.
// The ack number and window always reflect the control block.
func (ns *NetworkStack) sendSegmentLocked(t *tcb, seq uint32, flags uint8, payload []byte, withOptions bool) bool {
	dstMAC, ok := ns.resolveMAC(t.remote.Addr)
	if !ok {
		// The retransmission sweep retries once ARP resolves.
		return false
	}

	buf := getFrameBuffer()
	defer putFrameBuffer(buf)

	eb, _ := wire.NewEthernetBuilder(buf)
	eb.SetDestination(dstMAC).SetSource(ns.mac()).SetEtherType(wire.EtherTypeIPv4)

	ib, ok := wire.NewIPv4Builder(eb.Payload())
	if !ok {
		return false
	}
	ib.SetProtocol(wire.ProtocolTCP).SetSource(t.local.Addr).SetDestination(t.remote.Addr)

	tb, ok := wire.NewTCPBuilder(ib.Payload())
	if !ok {
		return false
	}
	tb.SetSourcePort(t.local.Port).SetDestinationPort(t.remote.Port)
	tb.SetSequenceNumber(seq).SetFlags(flags).SetWindow(t.rcvWnd)
	if flags&wire.TCPFlagACK != 0 {
		tb.SetAckNumber(t.rcvNxt)
	}
	if withOptions {
		tb.AppendMSSOption(t.mss)
	}
	if tb.WritePayload(payload) != len(payload) {
		ns.stats.TxErrors.Add(1)
		return false
	}
	ib.SetPayloadLen(len(tb.Finalize(t.local.Addr, t.remote.Addr)))
	eb.SetPayloadLen(len(ib.Finalize()))
	eb.PadToMinimum()

	return ns.transmit(eb.Bytes())
}

// sendRSTLocked answers an unexpected segment with a reset.
func (ns *NetworkStack) sendRSTLocked(local, remote SockAddr, seg wire.TCPSegment) {
	rst := &tcb{
		local:  local,
		remote: remote,
		rcvNxt: seg.SequenceNumber() + uint32(len(seg.Payload())),
	}
	if seg.SYN() {
		rst.rcvNxt++
	}

	seq := uint32(0)
	flags := wire.TCPFlagRST | wire.TCPFlagACK
	if seg.ACK() {
		seq = seg.AckNumber()
		flags = wire.TCPFlagRST
	}
	ns.sendSegmentLocked(rst, seq, flags, nil, false)
}

////////////////////////////////////////////////////////////////////////////////
// Timers.
////////////////////////////////////////////////////////////////////////////////

// checkRetransmitTimeouts resends the oldest unacked segment of every
// connection past its RTO, tearing down connections out of retries.
func (ns *NetworkStack) checkRetransmitTimeouts(now uint64) {
	for _, key := range ns.rtx.keys() {
		q, ok := ns.rtx.get(key.local, key.remote)
		if !ok || !q.timedOut(now) {
			continue
		}

		t, ok := ns.tcbs.get(key.local, key.remote)
		if !ok {
			ns.rtx.remove(key.local, key.remote)
			continue
		}

		seg, canRetry := q.oldest(now)
		if !canRetry {
			ns.logger.Warn("retransmit retries exhausted",
				"local", key.local, "remote", key.remote, "seq", seg.seq)
			ns.teardownLocked(t, fmt.Errorf("%w: %d retransmits", ErrTimeout, seg.retransmits))
			continue
		}

		t.retransmits++
		flags := seg.flags
		if flags&wire.TCPFlagRST == 0 && t.state != tcpSynSent {
			flags |= wire.TCPFlagACK
		}
		ns.logger.Debug("retransmitting",
			"local", key.local, "remote", key.remote,
			"seq", seg.seq, "try", seg.retransmits)
		ns.sendSegmentLocked(t, seg.seq, flags, seg.payload, flags&wire.TCPFlagSYN != 0)
	}
}

// reapTimeWaitLocked drops connections whose 2MSL wait elapsed.
func (ns *NetworkStack) reapTimeWaitLocked(now uint64) {
	for _, t := range ns.tcbs.reapTimeWait(now) {
		ns.rtx.remove(t.local, t.remote)
		ns.logger.Debug("time-wait reaped", "local", t.local, "remote", t.remote)
	}
}
