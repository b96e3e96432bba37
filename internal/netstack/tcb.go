package netstack

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/netkit/internal/wire"
)

////////////////////////////////////////////////////////////////////////////////
// TCP protocol state.
////////////////////////////////////////////////////////////////////////////////

type tcpState uint8

const (
	tcpClosed tcpState = iota
	tcpListen
	tcpSynSent
	tcpSynReceived
	tcpEstablished
	tcpFinWait1
	tcpFinWait2
	tcpCloseWait
	tcpClosing
	tcpLastAck
	tcpTimeWait
)

func (s tcpState) String() string {
	switch s {
	case tcpClosed:
		return "closed"
	case tcpListen:
		return "listen"
	case tcpSynSent:
		return "syn-sent"
	case tcpSynReceived:
		return "syn-received"
	case tcpEstablished:
		return "established"
	case tcpFinWait1:
		return "fin-wait-1"
	case tcpFinWait2:
		return "fin-wait-2"
	case tcpCloseWait:
		return "close-wait"
	case tcpClosing:
		return "closing"
	case tcpLastAck:
		return "last-ack"
	case tcpTimeWait:
		return "time-wait"
	default:
		return fmt.Sprintf("tcp(%d)", uint8(s))
	}
}

const (
	tcpDefaultMSS    uint16 = 1460
	tcpDefaultWindow uint16 = 65535

	// timeWaitMillis is 2MSL: how long a connection lingers in time-wait
	// before the control block is reaped.
	timeWaitMillis = 60 * 1000
)

////////////////////////////////////////////////////////////////////////////////
// Control blocks.
////////////////////////////////////////////////////////////////////////////////

// connKey identifies one connection by its local and remote endpoints.
type connKey struct {
	local  SockAddr
	remote SockAddr
}

func (k connKey) String() string {
	return fmt.Sprintf("%s<->%s", k.local, k.remote)
}

// tcb is a TCP control block. The table's mutex guards the map itself;
// field mutation happens under the stack's coarse TCP mutex, which both
// packet processing and the event handler hold.
type tcb struct {
	fd     SocketFD
	local  SockAddr
	remote SockAddr
	state  tcpState

	sndNxt uint32 // next sequence number to send
	sndUna uint32 // oldest unacknowledged sequence number
	rcvNxt uint32 // next sequence number expected

	sndWnd uint16 // peer's advertised window
	rcvWnd uint16 // our advertised window

	mss           uint16
	peerWndScale  uint8
	lastSendTick  uint64
	enteredTick   uint64 // tick of the last state change, for time-wait
	retransmits   uint32
	bytesSent     uint64
	bytesReceived uint64
}

func (t *tcb) setState(s tcpState, now uint64) {
	t.state = s
	t.enteredTick = now
}

// onSend advances the send sequence for n payload bytes.
func (t *tcb) onSend(n int, now uint64) {
	t.sndNxt += uint32(n)
	t.lastSendTick = now
	t.bytesSent += uint64(n)
}

// onDataReceived advances the expected receive sequence.
func (t *tcb) onDataReceived(n int) {
	t.rcvNxt += uint32(n)
	t.bytesReceived += uint64(n)
}

// onAckReceived advances sndUna for acceptable acknowledgments only:
// sndUna < ack <= sndNxt.
func (t *tcb) onAckReceived(ack uint32) bool {
	if wire.SeqGT(ack, t.sndUna) && wire.SeqLTE(ack, t.sndNxt) {
		t.sndUna = ack
		return true
	}
	return false
}

func (t *tcb) updatePeerWindow(w uint16) { t.sndWnd = w }

// tcbSnapshot is the JSON shape served by the debug endpoint.
type tcbSnapshot struct {
	Local         string `json:"local"`
	Remote        string `json:"remote"`
	State         string `json:"state"`
	FD            uint32 `json:"fd"`
	SndNxt        uint32 `json:"snd_nxt"`
	SndUna        uint32 `json:"snd_una"`
	RcvNxt        uint32 `json:"rcv_nxt"`
	Retransmits   uint32 `json:"retransmits"`
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
}

////////////////////////////////////////////////////////////////////////////////
// Control block table.
////////////////////////////////////////////////////////////////////////////////

// tcbTable maps connections to control blocks. One table per stack; the
// retransmission queues live alongside in the stack so a torn-down
// connection drops both together.
type tcbTable struct {
	mu     sync.RWMutex
	blocks map[connKey]*tcb

	isnCounter atomic.Uint32
	tickRate   uint64
}

func newTcbTable(tickRate uint64) *tcbTable {
	t := &tcbTable{
		blocks:   make(map[connKey]*tcb),
		tickRate: tickRate,
	}
	return t
}

// generateISN advances the initial sequence number counter. The fixed
// stride keeps successive connections well apart in sequence space.
func (t *tcbTable) generateISN() uint32 {
	return t.isnCounter.Add(64000)
}

// insert registers a control block, refusing to displace a live one for
// the same connection. A lingering block (FinWait, TimeWait) keeps its
// four-tuple until teardown finishes even if the local port was rebound.
func (t *tcbTable) insert(b *tcb) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := connKey{local: b.local, remote: b.remote}
	if _, exists := t.blocks[key]; exists {
		return false
	}
	t.blocks[key] = b
	return true
}

func (t *tcbTable) get(local, remote SockAddr) (*tcb, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.blocks[connKey{local: local, remote: remote}]
	return b, ok
}

func (t *tcbTable) remove(local, remote SockAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.blocks, connKey{local: local, remote: remote})
}

func (t *tcbTable) findByFD(fd SocketFD) (*tcb, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, b := range t.blocks {
		if b.fd == fd {
			return b, true
		}
	}
	return nil, false
}

// reapTimeWait removes connections whose 2MSL wait has elapsed and
// returns them so the caller can drop associated state.
func (t *tcbTable) reapTimeWait(now uint64) []*tcb {
	limit := timeWaitMillis * t.tickRate / 1000

	t.mu.Lock()
	defer t.mu.Unlock()

	var reaped []*tcb
	for key, b := range t.blocks {
		if b.state == tcpTimeWait && now-b.enteredTick > limit {
			delete(t.blocks, key)
			reaped = append(reaped, b)
		}
	}
	return reaped
}

func (t *tcbTable) snapshot() []tcbSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]tcbSnapshot, 0, len(t.blocks))
	for _, b := range t.blocks {
		out = append(out, tcbSnapshot{
			Local:         b.local.String(),
			Remote:        b.remote.String(),
			State:         b.state.String(),
			FD:            uint32(b.fd),
			SndNxt:        b.sndNxt,
			SndUna:        b.sndUna,
			RcvNxt:        b.rcvNxt,
			Retransmits:   b.retransmits,
			BytesSent:     b.bytesSent,
			BytesReceived: b.bytesReceived,
		})
	}
	return out
}

func (t *tcbTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.blocks)
}
