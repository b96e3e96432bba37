// DHCP client: lease acquisition and renewal over the stack's own UDP
// layer. The message format is hand-built; DHCP's fixed header plus a TLV
// option list does not justify a codec dependency.

package netstack

import (
	"encoding/binary"
	"math/rand"
	"sync"

	"github.com/tinyrange/netkit/internal/wire"
)

const (
	dhcpClientPort uint16 = 68
	dhcpServerPort uint16 = 67

	dhcpMaxMessageSize = 576
	dhcpHeaderSize     = 236

	dhcpOpRequest uint8 = 1
	dhcpOpReply   uint8 = 2

	dhcpMaxRetries = 4

	// dhcpBaseTimeoutMillis is the first per-phase timeout; it doubles on
	// every retry.
	dhcpBaseTimeoutMillis = 4000
)

var dhcpMagicCookie = [4]byte{99, 130, 83, 99}

// DHCP message types (option 53).
const (
	dhcpDiscover uint8 = 1
	dhcpOffer    uint8 = 2
	dhcpRequest  uint8 = 3
	dhcpAck      uint8 = 5
	dhcpNak      uint8 = 6
	dhcpRelease  uint8 = 7
)

// DHCP option codes.
const (
	dhcpOptSubnetMask  uint8 = 1
	dhcpOptRouter      uint8 = 3
	dhcpOptDNSServers  uint8 = 6
	dhcpOptRequestedIP uint8 = 50
	dhcpOptLeaseTime   uint8 = 51
	dhcpOptMessageType uint8 = 53
	dhcpOptServerID    uint8 = 54
	dhcpOptParamList   uint8 = 55
	dhcpOptEnd         uint8 = 255
)

// DhcpLease is an address assignment from a DHCP server.
type DhcpLease struct {
	IP           wire.Addr
	Netmask      wire.Addr
	Router       wire.Addr
	DNSServers   []wire.Addr
	ServerID     wire.Addr
	LeaseSeconds uint32
	AcquiredTick uint64
}

// Expired reports whether the lease has run out.
func (l DhcpLease) Expired(now, tickRate uint64) bool {
	return now-l.AcquiredTick >= uint64(l.LeaseSeconds)*tickRate
}

// NeedsRenewal reports whether T1 (half the lease) has passed.
func (l DhcpLease) NeedsRenewal(now, tickRate uint64) bool {
	return now-l.AcquiredTick >= uint64(l.LeaseSeconds)*tickRate/2
}

// needsRebind reports whether T2 (87.5% of the lease) has passed.
func (l DhcpLease) needsRebind(now, tickRate uint64) bool {
	return now-l.AcquiredTick >= uint64(l.LeaseSeconds)*tickRate*7/8
}

type dhcpState uint8

const (
	dhcpStateInit dhcpState = iota
	dhcpStateSelecting
	dhcpStateRequesting
	dhcpStateBound
	dhcpStateRenewing
	dhcpStateRebinding
)

func (s dhcpState) String() string {
	switch s {
	case dhcpStateInit:
		return "init"
	case dhcpStateSelecting:
		return "selecting"
	case dhcpStateRequesting:
		return "requesting"
	case dhcpStateBound:
		return "bound"
	case dhcpStateRenewing:
		return "renewing"
	case dhcpStateRebinding:
		return "rebinding"
	default:
		return "unknown"
	}
}

// dhcpClient walks the lease state machine. Timeouts run from the stack's
// Periodic; responses arrive through the bound UDP handler.
type dhcpClient struct {
	ns *NetworkStack

	mu           sync.Mutex
	state        dhcpState
	xid          uint32
	retries      uint32
	lastAction   uint64
	phaseTimeout uint64 // ticks; doubles per retry

	offerIP       wire.Addr
	offerServerID wire.Addr

	lease    DhcpLease
	hasLease bool

	started bool
}

func newDhcpClient(ns *NetworkStack) *dhcpClient {
	return &dhcpClient{ns: ns}
}

func (c *dhcpClient) currentLease() (DhcpLease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lease, c.hasLease
}

// start binds the client port and begins discovery.
func (c *dhcpClient) start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	if _, err := c.ns.bindUDPHandler(dhcpClientPort, c.handleResponse); err != nil {
		c.ns.logger.Warn("dhcp port bind failed", "error", err)
		return
	}
	c.sendDiscover()
}

// release forgets the lease and notifies the server.
func (c *dhcpClient) release() {
	c.mu.Lock()
	if !c.hasLease {
		c.mu.Unlock()
		return
	}
	lease := c.lease
	c.hasLease = false
	c.state = dhcpStateInit
	c.mu.Unlock()

	msg := c.buildMessage(dhcpRelease, lease.IP, lease.ServerID, false)
	c.ns.sendUDP(dhcpClientPort, SockAddr{Addr: lease.ServerID, Port: dhcpServerPort}, msg, nil)
	c.ns.logger.Info("dhcp lease released", "ip", lease.IP)
}

func (c *dhcpClient) sendDiscover() {
	c.mu.Lock()
	c.xid = rand.Uint32()
	xid := c.xid
	c.state = dhcpStateSelecting
	c.lastAction = c.ns.now()
	c.phaseTimeout = dhcpBaseTimeoutMillis * c.ns.tickRate / 1000
	c.retries = 0
	msg := c.buildMessageLocked(dhcpDiscover, wire.AddrAny, wire.AddrAny, true)
	c.mu.Unlock()

	src := wire.AddrAny
	c.ns.sendUDP(dhcpClientPort, SockAddr{Addr: wire.AddrBroadcast, Port: dhcpServerPort}, msg, &src)
	c.ns.logger.Debug("dhcp discover sent", "xid", xid)
}

func (c *dhcpClient) sendRequest(broadcast bool) {
	c.mu.Lock()
	requested := c.offerIP
	server := c.offerServerID
	c.lastAction = c.ns.now()
	msg := c.buildMessageLocked(dhcpRequest, requested, server, broadcast)
	c.mu.Unlock()

	if broadcast {
		src := wire.AddrAny
		c.ns.sendUDP(dhcpClientPort, SockAddr{Addr: wire.AddrBroadcast, Port: dhcpServerPort}, msg, &src)
	} else {
		c.ns.sendUDP(dhcpClientPort, SockAddr{Addr: server, Port: dhcpServerPort}, msg, nil)
	}
	c.ns.logger.Debug("dhcp request sent", "requested", requested, "server", server, "broadcast", broadcast)
}

////////////////////////////////////////////////////////////////////////////////
// Message building.
////////////////////////////////////////////////////////////////////////////////

func (c *dhcpClient) buildMessage(msgType uint8, requested, server wire.Addr, broadcast bool) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buildMessageLocked(msgType, requested, server, broadcast)
}

func (c *dhcpClient) buildMessageLocked(msgType uint8, requested, server wire.Addr, broadcast bool) []byte {
	buf := make([]byte, 0, dhcpMaxMessageSize)
	hdr := make([]byte, dhcpHeaderSize)

	hdr[0] = dhcpOpRequest
	hdr[1] = 1 // ethernet
	hdr[2] = 6 // hlen
	binary.BigEndian.PutUint32(hdr[4:8], c.xid)
	if broadcast {
		binary.BigEndian.PutUint16(hdr[10:12], 0x8000)
	}
	mac := c.ns.mac()
	copy(hdr[28:34], mac[:])

	buf = append(buf, hdr...)
	buf = append(buf, dhcpMagicCookie[:]...)

	buf = append(buf, dhcpOptMessageType, 1, msgType)
	if !requested.IsAny() && msgType != dhcpRelease {
		buf = append(buf, dhcpOptRequestedIP, 4)
		buf = append(buf, requested[:]...)
	}
	if !server.IsAny() {
		buf = append(buf, dhcpOptServerID, 4)
		buf = append(buf, server[:]...)
	}
	if msgType == dhcpDiscover || msgType == dhcpRequest {
		buf = append(buf, dhcpOptParamList, 4,
			dhcpOptSubnetMask, dhcpOptRouter, dhcpOptDNSServers, dhcpOptLeaseTime)
	}
	buf = append(buf, dhcpOptEnd)
	return buf
}

////////////////////////////////////////////////////////////////////////////////
// Response handling.
////////////////////////////////////////////////////////////////////////////////

// dhcpResponse is the parsed view of an offer or acknowledgment.
type dhcpResponse struct {
	msgType  uint8
	yiaddr   wire.Addr
	netmask  wire.Addr
	router   wire.Addr
	dns      []wire.Addr
	serverID wire.Addr
	leaseSec uint32
}

func (c *dhcpClient) handleResponse(payload []byte, src SockAddr) {
	resp, ok := c.parseResponse(payload)
	if !ok {
		return
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch resp.msgType {
	case dhcpOffer:
		if state != dhcpStateSelecting {
			return
		}
		c.mu.Lock()
		c.offerIP = resp.yiaddr
		c.offerServerID = resp.serverID
		c.state = dhcpStateRequesting
		c.retries = 0
		c.phaseTimeout = dhcpBaseTimeoutMillis * c.ns.tickRate / 1000
		c.mu.Unlock()

		c.ns.logger.Info("dhcp offer", "ip", resp.yiaddr, "server", resp.serverID)
		c.sendRequest(true)

	case dhcpAck:
		if state != dhcpStateRequesting && state != dhcpStateRenewing && state != dhcpStateRebinding {
			return
		}
		lease := DhcpLease{
			IP:           resp.yiaddr,
			Netmask:      resp.netmask,
			Router:       resp.router,
			DNSServers:   resp.dns,
			ServerID:     resp.serverID,
			LeaseSeconds: resp.leaseSec,
			AcquiredTick: c.ns.now(),
		}
		c.mu.Lock()
		c.lease = lease
		c.hasLease = true
		c.state = dhcpStateBound
		c.retries = 0
		c.mu.Unlock()

		c.ns.adoptAddressing(lease.IP, lease.Netmask, lease.Router, lease.DNSServers)
		c.ns.logger.Info("dhcp bound", "ip", lease.IP, "lease_secs", lease.LeaseSeconds)

	case dhcpNak:
		c.ns.logger.Warn("dhcp nak, restarting discovery")
		c.mu.Lock()
		c.hasLease = false
		c.mu.Unlock()
		c.sendDiscover()
	}
}

func (c *dhcpClient) parseResponse(payload []byte) (dhcpResponse, bool) {
	var resp dhcpResponse
	if len(payload) < dhcpHeaderSize+4 {
		return resp, false
	}
	if payload[0] != dhcpOpReply {
		return resp, false
	}
	c.mu.Lock()
	xid := c.xid
	c.mu.Unlock()
	if binary.BigEndian.Uint32(payload[4:8]) != xid {
		return resp, false
	}
	mac := c.ns.mac()
	var chaddr wire.MacAddress
	copy(chaddr[:], payload[28:34])
	if chaddr != mac {
		return resp, false
	}
	if [4]byte(payload[dhcpHeaderSize:dhcpHeaderSize+4]) != dhcpMagicCookie {
		return resp, false
	}

	copy(resp.yiaddr[:], payload[16:20])

	opts := payload[dhcpHeaderSize+4:]
	for i := 0; i < len(opts); {
		code := opts[i]
		if code == dhcpOptEnd {
			break
		}
		if code == 0 { // pad
			i++
			continue
		}
		if i+1 >= len(opts) {
			return resp, false
		}
		length := int(opts[i+1])
		if i+2+length > len(opts) {
			return resp, false
		}
		value := opts[i+2 : i+2+length]

		switch code {
		case dhcpOptMessageType:
			if length == 1 {
				resp.msgType = value[0]
			}
		case dhcpOptSubnetMask:
			if length == 4 {
				copy(resp.netmask[:], value)
			}
		case dhcpOptRouter:
			if length >= 4 {
				copy(resp.router[:], value[:4])
			}
		case dhcpOptDNSServers:
			for off := 0; off+4 <= length; off += 4 {
				var a wire.Addr
				copy(a[:], value[off:off+4])
				resp.dns = append(resp.dns, a)
			}
		case dhcpOptServerID:
			if length == 4 {
				copy(resp.serverID[:], value)
			}
		case dhcpOptLeaseTime:
			if length == 4 {
				resp.leaseSec = binary.BigEndian.Uint32(value)
			}
		}
		i += 2 + length
	}

	return resp, resp.msgType != 0
}

////////////////////////////////////////////////////////////////////////////////
// Timers.
////////////////////////////////////////////////////////////////////////////////

// periodic drives retries, renewal, and expiry from the stack clock.
func (c *dhcpClient) periodic(now uint64) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	state := c.state
	elapsed := now - c.lastAction
	timeout := c.phaseTimeout
	lease := c.lease
	hasLease := c.hasLease
	c.mu.Unlock()

	switch state {
	case dhcpStateSelecting, dhcpStateRequesting:
		if elapsed < timeout {
			return
		}
		c.mu.Lock()
		c.retries++
		retries := c.retries
		c.phaseTimeout *= 2
		c.mu.Unlock()

		if retries > dhcpMaxRetries {
			c.ns.logger.Warn("dhcp retries exhausted, restarting", "state", state)
			c.sendDiscover()
			return
		}
		if state == dhcpStateSelecting {
			c.resendDiscover()
		} else {
			c.sendRequest(true)
		}

	case dhcpStateBound:
		if !hasLease {
			return
		}
		if lease.NeedsRenewal(now, c.ns.tickRate) {
			c.mu.Lock()
			c.state = dhcpStateRenewing
			c.offerIP = lease.IP
			c.offerServerID = lease.ServerID
			c.mu.Unlock()
			c.ns.logger.Info("dhcp renewing", "ip", lease.IP)
			c.sendRequest(false)
		}

	case dhcpStateRenewing:
		if lease.needsRebind(now, c.ns.tickRate) {
			c.mu.Lock()
			c.state = dhcpStateRebinding
			c.mu.Unlock()
			c.ns.logger.Info("dhcp rebinding", "ip", lease.IP)
			c.sendRequest(true)
		}

	case dhcpStateRebinding:
		if lease.Expired(now, c.ns.tickRate) {
			c.ns.logger.Warn("dhcp lease expired")
			c.mu.Lock()
			c.hasLease = false
			c.mu.Unlock()
			c.sendDiscover()
		}
	}
}

// resendDiscover repeats discovery with the same transaction.
func (c *dhcpClient) resendDiscover() {
	c.mu.Lock()
	c.lastAction = c.ns.now()
	msg := c.buildMessageLocked(dhcpDiscover, wire.AddrAny, wire.AddrAny, true)
	c.mu.Unlock()

	src := wire.AddrAny
	c.ns.sendUDP(dhcpClientPort, SockAddr{Addr: wire.AddrBroadcast, Port: dhcpServerPort}, msg, &src)
}
