// DNS resolver: an A-record client over the stack's own UDP layer. The
// message codec (including RFC 1035 name compression) comes from
// github.com/miekg/dns; this file owns transport, matching, and caching.

package netstack

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/tinyrange/netkit/internal/wire"
)

const (
	dnsPort uint16 = 53

	dnsCacheMaxEntries = 256

	// dnsQueryTimeout bounds one round trip to one server.
	dnsQueryTimeout = 3 * time.Second
)

type dnsCacheEntry struct {
	addrs      []wire.Addr
	expiryTick uint64
}

// ResolverStats counts resolver activity.
type ResolverStats struct {
	Queries  atomic.Uint64
	Hits     atomic.Uint64
	Misses   atomic.Uint64
	Failures atomic.Uint64
}

// Resolver answers A-record lookups against the configured servers, with
// a bounded positive cache.
type Resolver struct {
	ns *NetworkStack

	mu      sync.Mutex
	cache   map[string]dnsCacheEntry
	pending map[uint16]chan *dns.Msg
	port    uint16 // bound handler port, zero until first use

	stats ResolverStats
}

func newResolver(ns *NetworkStack) *Resolver {
	return &Resolver{
		ns:      ns,
		cache:   make(map[string]dnsCacheEntry),
		pending: make(map[uint16]chan *dns.Msg),
	}
}

// Stats exposes the resolver counters.
func (r *Resolver) Stats() *ResolverStats { return &r.stats }

// ResolveCached answers from the cache only.
func (r *Resolver) ResolveCached(name string) (wire.Addr, bool) {
	key := dns.CanonicalName(name)
	now := r.ns.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[key]
	if !ok {
		return wire.AddrAny, false
	}
	if now >= entry.expiryTick {
		delete(r.cache, key)
		return wire.AddrAny, false
	}
	r.stats.Hits.Add(1)
	return entry.addrs[0], true
}

// Resolve looks up the A records for name, trying each configured server
// in order. Answers are cached until their minimum TTL.
func (r *Resolver) Resolve(ctx context.Context, name string) (wire.Addr, error) {
	r.stats.Queries.Add(1)

	if addr, ok := r.ResolveCached(name); ok {
		return addr, nil
	}
	r.stats.Misses.Add(1)

	servers := r.ns.dnsServerList()
	if len(servers) == 0 {
		r.stats.Failures.Add(1)
		return wire.AddrAny, fmt.Errorf("%w: no dns servers configured", ErrInvalidArgument)
	}

	if err := r.ensureBound(); err != nil {
		r.stats.Failures.Add(1)
		return wire.AddrAny, err
	}

	var lastErr error
	for _, server := range servers {
		addr, err := r.queryServer(ctx, server, name)
		if err == nil {
			return addr, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	r.stats.Failures.Add(1)
	return wire.AddrAny, fmt.Errorf("resolve %s: %w", name, lastErr)
}

// ensureBound lazily attaches the resolver's UDP handler.
func (r *Resolver) ensureBound() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.port != 0 {
		return nil
	}
	port, err := r.ns.bindUDPHandler(0, r.handleResponse)
	if err != nil {
		return fmt.Errorf("bind resolver port: %w", err)
	}
	r.port = port
	return nil
}

func (r *Resolver) queryServer(ctx context.Context, server wire.Addr, name string) (wire.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.CanonicalName(name), dns.TypeA)
	msg.RecursionDesired = true
	msg.Id = uint16(rand.Uint32())

	packed, err := msg.Pack()
	if err != nil {
		return wire.AddrAny, fmt.Errorf("pack query: %w", err)
	}

	ch := make(chan *dns.Msg, 1)
	r.mu.Lock()
	for {
		if _, taken := r.pending[msg.Id]; !taken {
			break
		}
		msg.Id = uint16(rand.Uint32())
	}
	r.pending[msg.Id] = ch
	port := r.port
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, msg.Id)
		r.mu.Unlock()
	}()

	if !r.ns.sendUDP(port, SockAddr{Addr: server, Port: dnsPort}, packed, nil) {
		return wire.AddrAny, fmt.Errorf("%w: query to %s not sent", ErrTimeout, server)
	}

	timer := time.NewTimer(dnsQueryTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return r.handleAnswer(name, resp)
	case <-timer.C:
		return wire.AddrAny, fmt.Errorf("%w: no answer from %s", ErrTimeout, server)
	case <-ctx.Done():
		return wire.AddrAny, ctx.Err()
	}
}

func (r *Resolver) handleAnswer(name string, resp *dns.Msg) (wire.Addr, error) {
	if resp.Rcode != dns.RcodeSuccess {
		return wire.AddrAny, fmt.Errorf("%w: rcode %s for %s", ErrNotFound, dns.RcodeToString[resp.Rcode], name)
	}

	var addrs []wire.Addr
	minTTL := uint32(0)
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ip4 := a.A.To4()
		if ip4 == nil {
			continue
		}
		addrs = append(addrs, wire.Addr{ip4[0], ip4[1], ip4[2], ip4[3]})
		if minTTL == 0 || a.Hdr.Ttl < minTTL {
			minTTL = a.Hdr.Ttl
		}
	}
	if len(addrs) == 0 {
		return wire.AddrAny, fmt.Errorf("%w: no A records for %s", ErrNotFound, name)
	}

	r.insertCache(dns.CanonicalName(name), addrs, minTTL)
	return addrs[0], nil
}

func (r *Resolver) insertCache(key string, addrs []wire.Addr, ttl uint32) {
	if ttl == 0 {
		return
	}
	expiry := r.ns.now() + uint64(ttl)*r.ns.tickRate

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.cache) >= dnsCacheMaxEntries {
		// Evict the entry closest to expiring.
		var victim string
		var victimExpiry uint64
		first := true
		for k, e := range r.cache {
			if first || e.expiryTick < victimExpiry {
				victim, victimExpiry, first = k, e.expiryTick, false
			}
		}
		if !first {
			delete(r.cache, victim)
		}
	}
	r.cache[key] = dnsCacheEntry{addrs: addrs, expiryTick: expiry}
}

// handleResponse is the UDP handler for the resolver port. It matches
// responses to waiting queries by ID.
func (r *Resolver) handleResponse(payload []byte, src SockAddr) {
	resp := new(dns.Msg)
	if err := resp.Unpack(payload); err != nil {
		r.ns.logger.Debug("bad dns response", "from", src, "error", err)
		return
	}

	r.mu.Lock()
	ch, ok := r.pending[resp.Id]
	if ok {
		delete(r.pending, resp.Id)
	}
	r.mu.Unlock()

	if !ok {
		r.ns.logger.Debug("unmatched dns response", "id", resp.Id, "from", src)
		return
	}
	ch <- resp
}

// close detaches the resolver's UDP handler.
func (r *Resolver) close() {
	r.mu.Lock()
	port := r.port
	r.port = 0
	r.mu.Unlock()

	if port != 0 {
		r.ns.unbindUDPHandler(port)
	}
}

// periodic evicts expired cache entries.
func (r *Resolver) periodic(now uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, entry := range r.cache {
		if now >= entry.expiryTick {
			delete(r.cache, key)
		}
	}
}
