package netstack

import (
	"sync"

	"github.com/tinyrange/netkit/internal/wire"
)

////////////////////////////////////////////////////////////////////////////////
// RTO estimation (RFC 6298).
////////////////////////////////////////////////////////////////////////////////

const (
	rtoInitialMillis = 1000
	rtoMinMillis     = 200
	rtoMaxMillis     = 60000
)

// rtoCalculator keeps the smoothed RTT state. Units are ticks.
type rtoCalculator struct {
	srtt    uint64
	rttvar  uint64
	rto     uint64
	sampled bool

	tickRate uint64
}

func newRtoCalculator(tickRate uint64) rtoCalculator {
	return rtoCalculator{
		rto:      rtoInitialMillis * tickRate / 1000,
		tickRate: tickRate,
	}
}

func (r *rtoCalculator) clampMillis(ms uint64) uint64 { return ms * r.tickRate / 1000 }

// sample folds one clean round-trip measurement into the estimate.
// alpha = 1/8, beta = 1/4.
func (r *rtoCalculator) sample(rtt uint64) {
	if !r.sampled {
		r.srtt = rtt
		r.rttvar = rtt / 2
		r.sampled = true
	} else {
		var diff uint64
		if r.srtt > rtt {
			diff = r.srtt - rtt
		} else {
			diff = rtt - r.srtt
		}
		r.rttvar = r.rttvar - r.rttvar/4 + diff/4
		r.srtt = r.srtt - r.srtt/8 + rtt/8
	}

	rto := r.srtt + 4*r.rttvar
	if min := r.clampMillis(rtoMinMillis); rto < min {
		rto = min
	}
	if max := r.clampMillis(rtoMaxMillis); rto > max {
		rto = max
	}
	r.rto = rto
}

// backoff doubles the RTO after a timeout, capped at the maximum.
func (r *rtoCalculator) backoff() {
	rto := r.rto * 2
	if max := r.clampMillis(rtoMaxMillis); rto > max {
		rto = max
	}
	r.rto = rto
}

////////////////////////////////////////////////////////////////////////////////
// Per-connection retransmission queue.
////////////////////////////////////////////////////////////////////////////////

const maxRetransmitRetries = 5

// unackedSegment is one in-flight segment awaiting acknowledgment. The
// payload is an owned copy; SYN and FIN consume a sequence number with an
// empty payload.
type unackedSegment struct {
	seq         uint32
	payload     []byte
	flags       uint8
	sendTick    uint64
	retransmits uint32
	wasResent   bool
}

// seqSpan is how much sequence space the segment consumes.
func (s *unackedSegment) seqSpan() uint32 {
	n := uint32(len(s.payload))
	if s.flags&(wire.TCPFlagSYN|wire.TCPFlagFIN) != 0 {
		n++
	}
	return n
}

// retransmitQueue tracks unacknowledged segments for one connection.
// Access happens under the stack's TCP mutex.
type retransmitQueue struct {
	segments []unackedSegment
	rto      rtoCalculator
}

func newRetransmitQueue(tickRate uint64) *retransmitQueue {
	return &retransmitQueue{rto: newRtoCalculator(tickRate)}
}

// track records a freshly sent segment.
func (q *retransmitQueue) track(seq uint32, payload []byte, flags uint8, now uint64) {
	q.segments = append(q.segments, unackedSegment{
		seq:      seq,
		payload:  append([]byte(nil), payload...),
		flags:    flags,
		sendTick: now,
	})
}

// ackReceived drops every segment wholly covered by ack. Karn's
// algorithm: only segments never retransmitted contribute RTT samples.
func (q *retransmitQueue) ackReceived(ack uint32, now uint64) int {
	acked := 0
	var lastClean *unackedSegment
	for len(q.segments) > 0 {
		s := &q.segments[0]
		end := s.seq + s.seqSpan()
		if !wire.SeqLTE(end, ack) {
			break
		}
		if !s.wasResent {
			lastClean = &unackedSegment{sendTick: s.sendTick}
		}
		q.segments = q.segments[1:]
		acked++
	}
	if lastClean != nil && now >= lastClean.sendTick {
		q.rto.sample(now - lastClean.sendTick)
	}
	return acked
}

// timedOut reports whether the oldest segment has exceeded the RTO.
func (q *retransmitQueue) timedOut(now uint64) bool {
	if len(q.segments) == 0 {
		return false
	}
	return now-q.segments[0].sendTick >= q.rto.rto
}

// oldest returns the front segment for retransmission, bumping its retry
// count and backing off the RTO. False means retries are exhausted.
func (q *retransmitQueue) oldest(now uint64) (*unackedSegment, bool) {
	if len(q.segments) == 0 {
		return nil, false
	}
	s := &q.segments[0]
	if s.retransmits >= maxRetransmitRetries {
		return s, false
	}
	s.retransmits++
	s.wasResent = true
	s.sendTick = now
	q.rto.backoff()
	return s, true
}

func (q *retransmitQueue) inFlight() int { return len(q.segments) }

func (q *retransmitQueue) clear() { q.segments = nil }

////////////////////////////////////////////////////////////////////////////////
// Queue table.
////////////////////////////////////////////////////////////////////////////////

// retransmitTable holds one queue per connection. It is a stack field, so
// separate stacks never share retransmission state.
type retransmitTable struct {
	mu       sync.Mutex
	queues   map[connKey]*retransmitQueue
	tickRate uint64
}

func newRetransmitTable(tickRate uint64) *retransmitTable {
	return &retransmitTable{
		queues:   make(map[connKey]*retransmitQueue),
		tickRate: tickRate,
	}
}

func (t *retransmitTable) create(local, remote SockAddr) *retransmitQueue {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := connKey{local: local, remote: remote}
	q, ok := t.queues[key]
	if !ok {
		q = newRetransmitQueue(t.tickRate)
		t.queues[key] = q
	}
	return q
}

func (t *retransmitTable) get(local, remote SockAddr) (*retransmitQueue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[connKey{local: local, remote: remote}]
	return q, ok
}

func (t *retransmitTable) remove(local, remote SockAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.queues, connKey{local: local, remote: remote})
}

// keys snapshots the connections with queues, for the timeout sweep.
func (t *retransmitTable) keys() []connKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]connKey, 0, len(t.queues))
	for key := range t.queues {
		out = append(out, key)
	}
	return out
}
