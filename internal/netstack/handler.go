// The event handler: a single goroutine drains the network event queue
// and turns socket operations into packets.

package netstack

import (
	"context"
	"fmt"

	"github.com/tinyrange/netkit/internal/wire"
)

type eventResult uint8

const (
	resultOK eventResult = iota
	resultSocketNotFound
	resultProtocolError
	resultRetry
)

// runEventLoop blocks on the queue and handles events until ctx is done.
// After each wakeup the remaining backlog is drained as a batch.
func (ns *NetworkStack) runEventLoop(ctx context.Context) {
	ns.logger.Debug("event loop started")
	defer ns.logger.Debug("event loop stopped")

	for {
		ev, ok := ns.queue.wait(ctx)
		if !ok {
			return
		}
		ns.dispatchEvent(ev)

		for _, batched := range ns.queue.drain() {
			ns.dispatchEvent(batched)
		}
	}
}

// dispatchEvent handles one event and applies the result policy: a
// retryable failure re-queues the event exactly once, a second failure is
// dropped with a warning.
func (ns *NetworkStack) dispatchEvent(ev networkEvent) {
	var result eventResult
	var err error

	switch ev.kind {
	case eventConnect:
		result, err = ns.handleConnect(ev)
	case eventDataReady:
		result, err = ns.handleDataReady(ev)
	case eventSendTo:
		result, err = ns.handleSendTo(ev)
	case eventListen:
		ns.logger.Debug("listener active", "fd", ev.fd, "local", ev.local, "backlog", ev.backlog)
		result = resultOK
	case eventClose:
		result, err = ns.handleClose(ev)
	default:
		ns.logger.Warn("unknown event kind", "kind", ev.kind)
		return
	}

	switch result {
	case resultOK:
	case resultSocketNotFound:
		ns.logger.Debug("event for missing socket", "kind", ev.kind, "fd", ev.fd)
	case resultProtocolError:
		ns.logger.Warn("event failed", "kind", ev.kind, "fd", ev.fd, "error", err)
	case resultRetry:
		if ev.attempt == 0 {
			ev.attempt++
			if !ns.queue.push(ev) {
				ns.logger.Warn("retry dropped, queue full", "kind", ev.kind, "fd", ev.fd)
			}
			return
		}
		ns.logger.Warn("event dropped after retry", "kind", ev.kind, "fd", ev.fd, "error", err)
	}
}

// handleConnect starts an active open: a fresh control block in syn-sent
// and a SYN on the wire. A failed transmit (typically an ARP miss) is
// fine; the retransmission sweep resends once resolution completes.
func (ns *NetworkStack) handleConnect(ev networkEvent) (eventResult, error) {
	sock, err := ns.sockets.get(ev.fd)
	if err != nil {
		return resultSocketNotFound, err
	}

	ns.tcpMu.Lock()
	defer ns.tcpMu.Unlock()

	now := ns.now()
	isn := ns.tcbs.generateISN()
	t := &tcb{
		fd:     ev.fd,
		local:  ev.local,
		remote: ev.remote,
		sndNxt: isn + 1,
		sndUna: isn,
		rcvWnd: tcpDefaultWindow,
		mss:    tcpDefaultMSS,
	}
	t.setState(tcpSynSent, now)
	if !ns.tcbs.insert(t) {
		// A previous connection on the same four-tuple is still tearing
		// down. Fail the connect instead of displacing it.
		err := fmt.Errorf("%w: connection to %s still closing", ErrAddressInUse, ev.remote)
		sock.connectFinished(err)
		return resultProtocolError, err
	}

	q := ns.rtx.create(ev.local, ev.remote)
	ns.sendSegmentLocked(t, isn, wire.TCPFlagSYN, nil, true)
	q.track(isn, nil, wire.TCPFlagSYN, now)

	ns.logger.Debug("active open", "local", ev.local, "remote", ev.remote, "isn", isn)
	return resultOK, nil
}

// handleDataReady drains a socket's send FIFO into MSS-sized segments.
// Data queued before the handshake finishes comes back as a retry.
func (ns *NetworkStack) handleDataReady(ev networkEvent) (eventResult, error) {
	sock, err := ns.sockets.get(ev.fd)
	if err != nil {
		return resultSocketNotFound, err
	}

	ns.tcpMu.Lock()
	defer ns.tcpMu.Unlock()

	t, ok := ns.tcbs.findByFD(ev.fd)
	if !ok {
		return resultSocketNotFound, ErrNotFound
	}
	if t.state != tcpEstablished && t.state != tcpCloseWait {
		if t.state == tcpSynSent || t.state == tcpSynReceived {
			return resultRetry, ErrNotConnected
		}
		return resultProtocolError, ErrNotConnected
	}

	q, ok := ns.rtx.get(t.local, t.remote)
	if !ok {
		q = ns.rtx.create(t.local, t.remote)
	}

	now := ns.now()
	for {
		chunk := sock.takeSendData(int(t.mss))
		if chunk == nil {
			break
		}
		seq := t.sndNxt
		ns.sendSegmentLocked(t, seq, wire.TCPFlagPSH|wire.TCPFlagACK, chunk, false)
		q.track(seq, chunk, wire.TCPFlagPSH, now)
		t.onSend(len(chunk), now)
	}
	return resultOK, nil
}

// handleSendTo transmits one datagram. An ARP miss retries once, giving
// resolution a chance to finish.
func (ns *NetworkStack) handleSendTo(ev networkEvent) (eventResult, error) {
	if _, err := ns.sockets.get(ev.fd); err != nil {
		return resultSocketNotFound, err
	}
	if !ns.sendUDP(ev.local.Port, ev.remote, ev.data, nil) {
		return resultRetry, ErrTimeout
	}
	return resultOK, nil
}

// handleClose runs the protocol side of Socket.Close: connected TCP
// sockets send a FIN, everything else just drops its control block.
func (ns *NetworkStack) handleClose(ev networkEvent) (eventResult, error) {
	if ev.proto != SocketTCP {
		return resultOK, nil
	}

	ns.tcpMu.Lock()
	defer ns.tcpMu.Unlock()

	t, ok := ns.tcbs.findByFD(ev.fd)
	if !ok {
		return resultOK, nil
	}

	now := ns.now()
	switch t.state {
	case tcpEstablished:
		ns.sendFinLocked(t, now)
		t.setState(tcpFinWait1, now)
	case tcpCloseWait:
		ns.sendFinLocked(t, now)
		t.setState(tcpLastAck, now)
	case tcpSynSent, tcpSynReceived:
		ns.rtx.remove(t.local, t.remote)
		ns.tcbs.remove(t.local, t.remote)
	case tcpFinWait1, tcpFinWait2, tcpClosing, tcpLastAck, tcpTimeWait:
		// Teardown already in progress.
	default:
		ns.rtx.remove(t.local, t.remote)
		ns.tcbs.remove(t.local, t.remote)
	}
	return resultOK, nil
}

func (ns *NetworkStack) sendFinLocked(t *tcb, now uint64) {
	seq := t.sndNxt
	ns.sendSegmentLocked(t, seq, wire.TCPFlagFIN|wire.TCPFlagACK, nil, false)
	if q, ok := ns.rtx.get(t.local, t.remote); ok {
		q.track(seq, nil, wire.TCPFlagFIN, now)
	}
	t.sndNxt++
	t.lastSendTick = now
	ns.logger.Debug("fin sent", "local", t.local, "remote", t.remote)
}
