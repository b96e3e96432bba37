package netstack

import (
	"context"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// Network events.
////////////////////////////////////////////////////////////////////////////////

type eventKind uint8

const (
	eventDataReady eventKind = iota
	eventConnect
	eventListen
	eventClose
	eventSendTo
)

func (k eventKind) String() string {
	switch k {
	case eventDataReady:
		return "data-ready"
	case eventConnect:
		return "connect"
	case eventListen:
		return "listen"
	case eventClose:
		return "close"
	case eventSendTo:
		return "send-to"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// networkEvent is one unit of deferred socket work handed from the socket
// API to the processing goroutine.
type networkEvent struct {
	kind  eventKind
	fd    SocketFD
	proto SocketType

	// Connect / Listen / SendTo addressing.
	local  SockAddr
	remote SockAddr

	// Listen.
	backlog int

	// SendTo carries its own copy of the payload; the caller's buffer is
	// not retained.
	data []byte

	// attempt counts processing tries. A failed event is re-queued once.
	attempt int
}

// eventQueue is a bounded FIFO between socket operations and the single
// processing goroutine. A full queue rejects the push so producers can
// surface backpressure.
type eventQueue struct {
	ch chan networkEvent
}

func newEventQueue(capacity int) *eventQueue {
	return &eventQueue{ch: make(chan networkEvent, capacity)}
}

// push enqueues without blocking. False means the queue is full.
func (q *eventQueue) push(ev networkEvent) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		return false
	}
}

// pop dequeues without blocking.
func (q *eventQueue) pop() (networkEvent, bool) {
	select {
	case ev := <-q.ch:
		return ev, true
	default:
		return networkEvent{}, false
	}
}

// wait blocks for the next event or context cancellation.
func (q *eventQueue) wait(ctx context.Context) (networkEvent, bool) {
	select {
	case ev := <-q.ch:
		return ev, true
	case <-ctx.Done():
		return networkEvent{}, false
	}
}

// drain moves everything currently queued into a batch.
func (q *eventQueue) drain() []networkEvent {
	var out []networkEvent
	for {
		select {
		case ev := <-q.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (q *eventQueue) len() int { return len(q.ch) }
