package netstack

import (
	"sync"

	"github.com/tinyrange/netkit/internal/wire"
)

////////////////////////////////////////////////////////////////////////////////
// ARP cache.
////////////////////////////////////////////////////////////////////////////////

const (
	arpCacheSize = 64

	// Resolved entries expire after twenty minutes, incomplete ones after
	// three seconds. Both are in milliseconds and scaled by the tick rate.
	arpCacheTimeoutMillis      = 20 * 60 * 1000
	arpIncompleteTimeoutMillis = 3 * 1000
)

type arpEntryState uint8

const (
	arpIncomplete arpEntryState = iota
	arpResolved
)

// ArpEntry is the debug snapshot of one cache mapping. Incomplete entries
// mark an in-flight resolution and carry a zero MAC.
type ArpEntry struct {
	IP      string `json:"ip"`
	MAC     string `json:"mac"`
	State   string `json:"state"`
	AgeSecs uint64 `json:"age_secs"`
}

type arpEntry struct {
	ip      wire.Addr
	mac     wire.MacAddress
	state   arpEntryState
	updated uint64 // tick of last refresh
}

type arpCache struct {
	mu       sync.RWMutex
	entries  map[wire.Addr]*arpEntry
	tickRate uint64
}

func newArpCache(tickRate uint64) *arpCache {
	return &arpCache{
		entries:  make(map[wire.Addr]*arpEntry, arpCacheSize),
		tickRate: tickRate,
	}
}

func (c *arpCache) ticksFromMillis(ms uint64) uint64 {
	return ms * c.tickRate / 1000
}

// lookup returns the MAC for ip only when a resolved, unexpired entry
// exists.
func (c *arpCache) lookup(ip wire.Addr, now uint64) (wire.MacAddress, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[ip]
	if !ok || e.state != arpResolved {
		return wire.MacZero, false
	}
	if now-e.updated > c.ticksFromMillis(arpCacheTimeoutMillis) {
		return wire.MacZero, false
	}
	return e.mac, true
}

// insert records a resolved mapping, upgrading an incomplete entry in
// place. When the cache is full the oldest entry is evicted.
func (c *arpCache) insert(ip wire.Addr, mac wire.MacAddress, now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[ip]; ok {
		e.mac = mac
		e.state = arpResolved
		e.updated = now
		return
	}
	if len(c.entries) >= arpCacheSize {
		c.evictOldestLocked()
	}
	c.entries[ip] = &arpEntry{ip: ip, mac: mac, state: arpResolved, updated: now}
}

// markIncomplete records that a request for ip is in flight.
func (c *arpCache) markIncomplete(ip wire.Addr, now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[ip]; ok {
		if e.state == arpResolved {
			return
		}
		e.updated = now
		return
	}
	if len(c.entries) >= arpCacheSize {
		c.evictOldestLocked()
	}
	c.entries[ip] = &arpEntry{ip: ip, state: arpIncomplete, updated: now}
}

// isPending reports whether a request for ip is in flight and younger than
// the incomplete timeout.
func (c *arpCache) isPending(ip wire.Addr, now uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[ip]
	if !ok || e.state != arpIncomplete {
		return false
	}
	return now-e.updated <= c.ticksFromMillis(arpIncompleteTimeoutMillis)
}

func (c *arpCache) remove(ip wire.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ip)
}

// expire drops resolved entries past the cache timeout and incomplete
// entries past the resolution timeout.
func (c *arpCache) expire(now uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for ip, e := range c.entries {
		limit := c.ticksFromMillis(arpCacheTimeoutMillis)
		if e.state == arpIncomplete {
			limit = c.ticksFromMillis(arpIncompleteTimeoutMillis)
		}
		if now-e.updated > limit {
			delete(c.entries, ip)
			removed++
		}
	}
	return removed
}

func (c *arpCache) evictOldestLocked() {
	var oldest wire.Addr
	var oldestTick uint64
	first := true
	for ip, e := range c.entries {
		if first || e.updated < oldestTick {
			oldest, oldestTick, first = ip, e.updated, false
		}
	}
	if !first {
		delete(c.entries, oldest)
	}
}

func (c *arpCache) snapshot(now uint64) []ArpEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ArpEntry, 0, len(c.entries))
	for _, e := range c.entries {
		state := "resolved"
		if e.state == arpIncomplete {
			state = "incomplete"
		}
		out = append(out, ArpEntry{
			IP:      e.ip.String(),
			MAC:     e.mac.String(),
			State:   state,
			AgeSecs: (now - e.updated) / c.tickRate,
		})
	}
	return out
}

////////////////////////////////////////////////////////////////////////////////
// ARP processing.
////////////////////////////////////////////////////////////////////////////////

type arpResult uint8

const (
	// arpSendReply: a request for our IP; answer it.
	arpSendReply arpResult = iota
	// arpCacheUpdated: the packet taught us a mapping, nothing to send.
	arpCacheUpdated
	// arpIgnored: valid ARP not addressed to us.
	arpIgnored
	// arpInvalid: malformed packet.
	arpInvalid
)

// processARP classifies an inbound ARP payload and updates the cache.
// Requests for our address also learn the sender's mapping. Replies and
// gratuitous announcements refresh existing entries.
func (ns *NetworkStack) processARP(payload []byte) (arpResult, wire.ARPPacket) {
	pkt, ok := wire.ParseARP(payload)
	if !ok {
		return arpInvalid, pkt
	}

	now := ns.now()
	localIP := ns.localAddr()

	switch pkt.Operation() {
	case wire.ARPOpRequest:
		if pkt.TargetIP() == localIP {
			ns.arp.insert(pkt.SenderIP(), pkt.SenderMAC(), now)
			return arpSendReply, pkt
		}
		// Gratuitous request: refresh a sender we already track.
		if _, known := ns.arp.lookup(pkt.SenderIP(), now); known {
			ns.arp.insert(pkt.SenderIP(), pkt.SenderMAC(), now)
			return arpCacheUpdated, pkt
		}
		return arpIgnored, pkt
	case wire.ARPOpReply:
		if pkt.TargetIP() == localIP || pkt.TargetMAC() == ns.mac() {
			ns.arp.insert(pkt.SenderIP(), pkt.SenderMAC(), now)
			return arpCacheUpdated, pkt
		}
		return arpIgnored, pkt
	default:
		return arpInvalid, pkt
	}
}

// sendARPRequest broadcasts a who-has for ip unless one is already in
// flight.
func (ns *NetworkStack) sendARPRequest(ip wire.Addr) {
	now := ns.now()
	if ns.arp.isPending(ip, now) {
		return
	}
	ns.arp.markIncomplete(ip, now)

	buf := getFrameBuffer()
	defer putFrameBuffer(buf)

	eb, ok := wire.NewEthernetBuilder(buf)
	if !ok {
		return
	}
	eb.SetDestination(wire.MacBroadcast).SetSource(ns.mac()).SetEtherType(wire.EtherTypeARP)
	pkt, ok := wire.BuildARP(eb.Payload(), wire.ARPOpRequest, ns.mac(), ns.localAddr(), wire.MacZero, ip)
	if !ok {
		return
	}
	eb.SetPayloadLen(len(pkt))
	eb.PadToMinimum()

	ns.logger.Debug("arp request", "target", ip)
	ns.transmit(eb.Bytes())
}

// sendARPReply answers a request with our mapping.
func (ns *NetworkStack) sendARPReply(req wire.ARPPacket) {
	buf := getFrameBuffer()
	defer putFrameBuffer(buf)

	eb, ok := wire.NewEthernetBuilder(buf)
	if !ok {
		return
	}
	eb.SetDestination(req.SenderMAC()).SetSource(ns.mac()).SetEtherType(wire.EtherTypeARP)
	pkt, ok := wire.BuildARP(eb.Payload(), wire.ARPOpReply, ns.mac(), ns.localAddr(), req.SenderMAC(), req.SenderIP())
	if !ok {
		return
	}
	eb.SetPayloadLen(len(pkt))
	eb.PadToMinimum()

	ns.logger.Debug("arp reply", "to", req.SenderIP())
	ns.transmit(eb.Bytes())
}
