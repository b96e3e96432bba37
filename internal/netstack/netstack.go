// Package netstack implements a userspace IPv4 network stack with a
// non-blocking socket layer on top.
//
// The goals are:
//   - Minimal correctness for ARP, IPv4, ICMP, UDP, and enough TCP for
//     both inbound and outbound connections: handshakes, data transfer
//     with retransmission and RTT estimation, and orderly teardown.
//   - A socket API (bind/listen/accept/connect/send/recv) whose
//     operations never block; readiness is signalled through wakers and
//     deferred work flows through a bounded event queue drained by a
//     single goroutine.
//   - Explicit memory management: frame buffers are drawn from a
//     sync.Pool and parsing uses zero-copy views from internal/wire.
//
// Notes and limitations:
//   - No IPv6 support.
//   - No IP fragmentation/reassembly.
//   - Out-of-order TCP segments are dropped rather than reassembled; the
//     peer's retransmission fills the gap.
//   - One network interface per stack.
package netstack

import (
	"context"
	cryptoRand "crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/netkit/internal/pcap"
	"github.com/tinyrange/netkit/internal/wire"
)

////////////////////////////////////////////////////////////////////////////////
// Frame buffer pool.
////////////////////////////////////////////////////////////////////////////////

var framePool = sync.Pool{
	New: func() any {
		return make([]byte, wire.EthernetMaxFrame)
	},
}

func getFrameBuffer() []byte {
	return framePool.Get().([]byte)
}

func putFrameBuffer(b []byte) {
	if cap(b) < wire.EthernetMaxFrame {
		return
	}
	framePool.Put(b[:cap(b)])
}

////////////////////////////////////////////////////////////////////////////////
// Transmit hook.
////////////////////////////////////////////////////////////////////////////////

// Transmitter carries outbound Ethernet frames to the backing link. The
// frame buffer is only valid for the duration of the call; implementations
// that queue must copy. False reports a transmit failure.
type Transmitter interface {
	Transmit(frame []byte) bool
}

// TransmitFunc adapts a plain function to Transmitter.
type TransmitFunc func(frame []byte) bool

func (f TransmitFunc) Transmit(frame []byte) bool { return f(frame) }

////////////////////////////////////////////////////////////////////////////////
// Stats.
////////////////////////////////////////////////////////////////////////////////

// Stats carries the stack's atomic counters.
type Stats struct {
	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64
	RxErrors  atomic.Uint64
	TxErrors  atomic.Uint64
	Dropped   atomic.Uint64

	ARPPackets  atomic.Uint64
	ICMPPackets atomic.Uint64
	UDPPackets  atomic.Uint64
	TCPPackets  atomic.Uint64
}

// StatsSnapshot is the JSON shape of the counters.
type StatsSnapshot struct {
	RxPackets uint64 `json:"rx_packets"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxPackets uint64 `json:"tx_packets"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxErrors  uint64 `json:"rx_errors"`
	TxErrors  uint64 `json:"tx_errors"`
	Dropped   uint64 `json:"dropped"`

	ARPPackets  uint64 `json:"arp_packets"`
	ICMPPackets uint64 `json:"icmp_packets"`
	UDPPackets  uint64 `json:"udp_packets"`
	TCPPackets  uint64 `json:"tcp_packets"`
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		RxPackets:   s.RxPackets.Load(),
		RxBytes:     s.RxBytes.Load(),
		TxPackets:   s.TxPackets.Load(),
		TxBytes:     s.TxBytes.Load(),
		RxErrors:    s.RxErrors.Load(),
		TxErrors:    s.TxErrors.Load(),
		Dropped:     s.Dropped.Load(),
		ARPPackets:  s.ARPPackets.Load(),
		ICMPPackets: s.ICMPPackets.Load(),
		UDPPackets:  s.UDPPackets.Load(),
		TCPPackets:  s.TCPPackets.Load(),
	}
}

////////////////////////////////////////////////////////////////////////////////
// The stack.
////////////////////////////////////////////////////////////////////////////////

// udpHandler receives inbound datagram payloads for an internally bound
// port. The payload aliases the receive buffer and must be copied if kept.
type udpHandler func(payload []byte, src SockAddr)

// NetworkStack ties the protocol layers together around one interface.
type NetworkStack struct {
	logger *slog.Logger
	cfg    Config

	tickRate    uint64
	currentTick atomic.Uint64

	// addrMu guards the interface addressing, which a DHCP lease can
	// replace at runtime.
	addrMu     sync.RWMutex
	macAddr    wire.MacAddress
	localIP    wire.Addr
	netmask    wire.Addr
	gateway    wire.Addr
	dnsServers []wire.Addr

	tx    Transmitter
	stats Stats

	arp *arpCache

	// udpHandlers maps local port -> udpHandler for internal consumers
	// (DHCP, DNS). Socket delivery goes through the manager instead.
	udpHandlers sync.Map

	// tcpMu serializes TCP packet processing, event handling, and the
	// periodic retransmission sweep.
	tcpMu sync.Mutex
	tcbs  *tcbTable
	rtx   *retransmitTable

	sockets *socketManager
	queue   *eventQueue

	dhcp     *dhcpClient
	resolver *Resolver

	icmpEchoEnabled bool

	// captureMu guards the optional pcap mirror of all rx/tx frames.
	captureMu sync.Mutex
	capture   *pcap.Writer

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a stack around the supplied transmitter. A nil logger
// discards logs.
func New(cfg Config, tx Transmitter, logger *slog.Logger) (*NetworkStack, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transmitter")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	addr, mask, gw, err := cfg.resolveAddrs()
	if err != nil {
		return nil, fmt.Errorf("resolve addressing: %w", err)
	}

	var mac wire.MacAddress
	if cfg.MAC != "" {
		if mac, err = wire.ParseMAC(cfg.MAC); err != nil {
			return nil, err
		}
	} else if mac, err = randomMAC(); err != nil {
		return nil, fmt.Errorf("generate mac: %w", err)
	}

	tickRate := cfg.tickRate()

	ns := &NetworkStack{
		logger:          logger,
		cfg:             cfg,
		tickRate:        tickRate,
		macAddr:         mac,
		localIP:         addr,
		netmask:         mask,
		gateway:         gw,
		tx:              tx,
		arp:             newArpCache(tickRate),
		tcbs:            newTcbTable(tickRate),
		rtx:             newRetransmitTable(tickRate),
		sockets:         newSocketManager(),
		queue:           newEventQueue(cfg.eventQueueCapacity()),
		icmpEchoEnabled: !cfg.ICMPEchoDisabled,
	}

	for _, s := range cfg.DNSServers {
		server, err := wire.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("dns server: %w", err)
		}
		ns.dnsServers = append(ns.dnsServers, server)
	}

	ns.dhcp = newDhcpClient(ns)
	ns.resolver = newResolver(ns)

	logger.Info("netstack ready",
		"mac", mac,
		"addr", addr,
		"netmask", mask,
		"gateway", gw)

	return ns, nil
}

// randomMAC generates a locally-administered unicast address.
func randomMAC() (wire.MacAddress, error) {
	var mac wire.MacAddress
	if _, err := cryptoRand.Read(mac[:]); err != nil {
		return wire.MacZero, err
	}
	mac[0] = (mac[0] | 0x02) &^ 0x01
	return mac, nil
}

////////////////////////////////////////////////////////////////////////////////
// Addressing accessors.
////////////////////////////////////////////////////////////////////////////////

func (ns *NetworkStack) mac() wire.MacAddress {
	ns.addrMu.RLock()
	defer ns.addrMu.RUnlock()
	return ns.macAddr
}

// MAC returns the interface hardware address.
func (ns *NetworkStack) MAC() wire.MacAddress { return ns.mac() }

func (ns *NetworkStack) localAddr() wire.Addr {
	ns.addrMu.RLock()
	defer ns.addrMu.RUnlock()
	return ns.localIP
}

// LocalAddr returns the interface IPv4 address.
func (ns *NetworkStack) LocalAddr() wire.Addr { return ns.localAddr() }

func (ns *NetworkStack) addressing() (addr, mask, gw wire.Addr) {
	ns.addrMu.RLock()
	defer ns.addrMu.RUnlock()
	return ns.localIP, ns.netmask, ns.gateway
}

// adoptAddressing replaces the interface addressing, typically from a
// DHCP lease.
func (ns *NetworkStack) adoptAddressing(addr, mask, gw wire.Addr, dns []wire.Addr) {
	ns.addrMu.Lock()
	ns.localIP = addr
	ns.netmask = mask
	ns.gateway = gw
	if len(dns) > 0 {
		ns.dnsServers = dns
	}
	ns.addrMu.Unlock()

	ns.logger.Info("addressing adopted", "addr", addr, "netmask", mask, "gateway", gw)
}

func (ns *NetworkStack) dnsServerList() []wire.Addr {
	ns.addrMu.RLock()
	defer ns.addrMu.RUnlock()
	return append([]wire.Addr(nil), ns.dnsServers...)
}

////////////////////////////////////////////////////////////////////////////////
// Time.
////////////////////////////////////////////////////////////////////////////////

// UpdateTime advances the stack's monotonic tick clock. The driver calls
// this from its timer; all protocol timeouts derive from it.
func (ns *NetworkStack) UpdateTime(ticks uint64) {
	ns.currentTick.Store(ticks)
}

func (ns *NetworkStack) now() uint64 { return ns.currentTick.Load() }

// Periodic runs the stack's maintenance: ARP expiry, DHCP timers, DNS
// cache cleanup, TCP retransmissions and time-wait reaping. The driver
// calls it at its own cadence, typically every few ticks.
func (ns *NetworkStack) Periodic() {
	now := ns.now()

	if n := ns.arp.expire(now); n > 0 {
		ns.logger.Debug("arp entries expired", "count", n)
	}

	ns.dhcp.periodic(now)
	ns.resolver.periodic(now)

	ns.tcpMu.Lock()
	ns.checkRetransmitTimeouts(now)
	ns.reapTimeWaitLocked(now)
	ns.tcpMu.Unlock()
}

////////////////////////////////////////////////////////////////////////////////
// Lifecycle.
////////////////////////////////////////////////////////////////////////////////

// Start launches the event-processing goroutine and, when configured,
// DHCP lease acquisition. The stack stops when ctx is done or Close is
// called.
func (ns *NetworkStack) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	ns.cancel = cancel
	ns.done = make(chan struct{})

	if ns.cfg.DHCP {
		ns.dhcp.start()
	}

	go func() {
		defer close(ns.done)
		ns.runEventLoop(ctx)
	}()
}

// Close tears down every socket, releases any DHCP lease, and stops
// event processing.
func (ns *NetworkStack) Close() error {
	if ns.cancel != nil {
		ns.cancel()
		<-ns.done
	}
	ns.dhcp.release()
	ns.unbindUDPHandler(dhcpClientPort)
	ns.resolver.close()
	ns.sockets.closeAll()
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Receive path.
////////////////////////////////////////////////////////////////////////////////

// Receive processes one inbound Ethernet frame. It is safe for a single
// receiver goroutine; the frame buffer may be reused once it returns.
func (ns *NetworkStack) Receive(frame []byte) {
	ns.stats.RxPackets.Add(1)
	ns.stats.RxBytes.Add(uint64(len(frame)))
	ns.capturePacket(frame)

	eth, ok := wire.ParseEthernet(frame)
	if !ok {
		ns.stats.RxErrors.Add(1)
		return
	}

	dst := eth.Destination()
	if dst != ns.mac() && !dst.IsBroadcast() && !dst.IsMulticast() {
		ns.stats.Dropped.Add(1)
		return
	}

	switch eth.EtherType() {
	case wire.EtherTypeARP:
		ns.stats.ARPPackets.Add(1)
		result, pkt := ns.processARP(eth.Payload())
		switch result {
		case arpSendReply:
			ns.sendARPReply(pkt)
		case arpInvalid:
			ns.stats.RxErrors.Add(1)
		}
	case wire.EtherTypeIPv4:
		ns.receiveIPv4(eth.Source(), eth.Payload())
	default:
		ns.stats.Dropped.Add(1)
	}
}

func (ns *NetworkStack) receiveIPv4(srcMAC wire.MacAddress, payload []byte) {
	pkt, ok := wire.ParseIPv4(payload)
	if !ok {
		ns.stats.RxErrors.Add(1)
		return
	}
	if !pkt.VerifyChecksum() {
		ns.stats.RxErrors.Add(1)
		return
	}

	dst := pkt.Destination()
	local := ns.localAddr()
	if dst != local && !dst.IsBroadcast() && !local.IsAny() {
		ns.stats.Dropped.Add(1)
		return
	}
	if pkt.MoreFragments() || pkt.FragmentOffset() != 0 {
		// Fragmentation is out of scope.
		ns.stats.Dropped.Add(1)
		return
	}

	// Learn the sender's MAC so replies skip a separate ARP exchange.
	src := pkt.Source()
	if srcMAC.IsUnicast() && !src.IsAny() {
		ns.arp.insert(src, srcMAC, ns.now())
	}

	switch pkt.Protocol() {
	case wire.ProtocolICMP:
		ns.stats.ICMPPackets.Add(1)
		ns.receiveICMP(pkt)
	case wire.ProtocolUDP:
		ns.stats.UDPPackets.Add(1)
		ns.receiveUDP(pkt)
	case wire.ProtocolTCP:
		ns.stats.TCPPackets.Add(1)
		ns.receiveTCP(pkt)
	default:
		ns.stats.Dropped.Add(1)
	}
}

////////////////////////////////////////////////////////////////////////////////
// ICMP.
////////////////////////////////////////////////////////////////////////////////

func (ns *NetworkStack) receiveICMP(pkt wire.IPv4Packet) {
	msg, ok := wire.ParseICMP(pkt.Payload())
	if !ok {
		ns.stats.RxErrors.Add(1)
		return
	}
	if msg.Type() != wire.ICMPTypeEchoRequest || !ns.icmpEchoEnabled {
		ns.stats.Dropped.Add(1)
		return
	}
	if !msg.VerifyChecksum() {
		ns.stats.RxErrors.Add(1)
		return
	}

	ns.logger.Debug("icmp echo", "from", pkt.Source(), "id", msg.Identifier(), "seq", msg.Sequence())
	ns.sendICMPEchoReply(pkt.Source(), msg)
}

func (ns *NetworkStack) sendICMPEchoReply(dst wire.Addr, req wire.ICMPMessage) {
	dstMAC, ok := ns.resolveMAC(dst)
	if !ok {
		ns.stats.Dropped.Add(1)
		return
	}

	buf := getFrameBuffer()
	defer putFrameBuffer(buf)

	eb, _ := wire.NewEthernetBuilder(buf)
	eb.SetDestination(dstMAC).SetSource(ns.mac()).SetEtherType(wire.EtherTypeIPv4)

	ib, ok := wire.NewIPv4Builder(eb.Payload())
	if !ok {
		return
	}
	ib.SetProtocol(wire.ProtocolICMP).SetSource(ns.localAddr()).SetDestination(dst)

	msg, ok := wire.BuildICMPEcho(ib.Payload(), wire.ICMPTypeEchoReply, req.Identifier(), req.Sequence(), req.Payload())
	if !ok {
		ns.stats.TxErrors.Add(1)
		return
	}
	ib.SetPayloadLen(len(msg))
	eb.SetPayloadLen(len(ib.Finalize()))
	eb.PadToMinimum()

	ns.transmit(eb.Bytes())
}

////////////////////////////////////////////////////////////////////////////////
// UDP.
////////////////////////////////////////////////////////////////////////////////

func (ns *NetworkStack) receiveUDP(pkt wire.IPv4Packet) {
	dg, ok := wire.ParseUDP(pkt.Payload())
	if !ok {
		ns.stats.RxErrors.Add(1)
		return
	}
	if !dg.VerifyChecksum(pkt.Source(), pkt.Destination()) {
		ns.stats.RxErrors.Add(1)
		return
	}

	src := SockAddr{Addr: pkt.Source(), Port: dg.SourcePort()}
	port := dg.DestinationPort()

	if h, ok := ns.udpHandlers.Load(port); ok {
		h.(udpHandler)(dg.Payload(), src)
		return
	}
	if sock, ok := ns.sockets.findByPort(SocketUDP, port); ok {
		if !sock.pushPacket(dg.Payload(), src) {
			ns.stats.Dropped.Add(1)
		}
		return
	}

	ns.stats.Dropped.Add(1)
}

// bindUDPHandler attaches an internal consumer to a local port. Port zero
// allocates from a private range below the socket ephemeral ports.
func (ns *NetworkStack) bindUDPHandler(port uint16, h udpHandler) (uint16, error) {
	if port != 0 {
		if _, exists := ns.udpHandlers.LoadOrStore(port, h); exists {
			return 0, fmt.Errorf("%w: udp port %d", ErrPortInUse, port)
		}
		return port, nil
	}
	for p := uint16(32768); p < ephemeralPortFirst; p++ {
		if _, exists := ns.udpHandlers.LoadOrStore(p, h); !exists {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: no free handler ports", ErrResourceExhausted)
}

func (ns *NetworkStack) unbindUDPHandler(port uint16) {
	ns.udpHandlers.Delete(port)
}

// sendUDP builds and transmits one datagram. Broadcast destinations skip
// ARP. srcOverride is for DHCP, which sends from 0.0.0.0 before a lease.
func (ns *NetworkStack) sendUDP(srcPort uint16, dst SockAddr, payload []byte, srcOverride *wire.Addr) bool {
	dstMAC, ok := ns.resolveMAC(dst.Addr)
	if !ok {
		ns.stats.Dropped.Add(1)
		return false
	}

	src := ns.localAddr()
	if srcOverride != nil {
		src = *srcOverride
	}

	buf := getFrameBuffer()
	defer putFrameBuffer(buf)

	eb, _ := wire.NewEthernetBuilder(buf)
	eb.SetDestination(dstMAC).SetSource(ns.mac()).SetEtherType(wire.EtherTypeIPv4)

	ib, ok := wire.NewIPv4Builder(eb.Payload())
	if !ok {
		return false
	}
	ib.SetProtocol(wire.ProtocolUDP).SetSource(src).SetDestination(dst.Addr)

	ub, ok := wire.NewUDPBuilder(ib.Payload())
	if !ok {
		return false
	}
	ub.SetSourcePort(srcPort).SetDestinationPort(dst.Port)
	if ub.WritePayload(payload) != len(payload) {
		ns.stats.TxErrors.Add(1)
		return false
	}
	ib.SetPayloadLen(len(ub.Finalize(src, dst.Addr)))
	eb.SetPayloadLen(len(ib.Finalize()))
	eb.PadToMinimum()

	return ns.transmit(eb.Bytes())
}

////////////////////////////////////////////////////////////////////////////////
// Outbound helpers.
////////////////////////////////////////////////////////////////////////////////

// resolveMAC maps a destination IP to the next-hop MAC. Off-subnet
// destinations go through the gateway. A cache miss fires an ARP request
// and reports failure; the caller drops and retries later.
func (ns *NetworkStack) resolveMAC(dst wire.Addr) (wire.MacAddress, bool) {
	if dst.IsBroadcast() {
		return wire.MacBroadcast, true
	}

	local, mask, gw := ns.addressing()
	nextHop := dst
	if !dst.SameSubnet(local, mask) {
		nextHop = gw
	}

	if mac, ok := ns.arp.lookup(nextHop, ns.now()); ok {
		return mac, true
	}

	ns.sendARPRequest(nextHop)
	return wire.MacZero, false
}

// transmit hands a finished frame to the backing link.
func (ns *NetworkStack) transmit(frame []byte) bool {
	ns.capturePacket(frame)
	if !ns.tx.Transmit(frame) {
		ns.stats.TxErrors.Add(1)
		return false
	}
	ns.stats.TxPackets.Add(1)
	ns.stats.TxBytes.Add(uint64(len(frame)))
	return true
}

////////////////////////////////////////////////////////////////////////////////
// Socket construction.
////////////////////////////////////////////////////////////////////////////////

func (ns *NetworkStack) newSocket(proto SocketType) *Socket {
	s := &Socket{
		fd:    ns.sockets.generateFD(),
		proto: proto,
		inner: &socketInner{
			proto:    proto,
			state:    StateCreated,
			bufLimit: ns.cfg.socketBufferSize(),
		},
		ns: ns,
	}
	ns.sockets.register(s)
	return s
}

// NewTCPSocket creates an unbound TCP socket.
func (ns *NetworkStack) NewTCPSocket() *Socket { return ns.newSocket(SocketTCP) }

// NewUDPSocket creates an unbound UDP socket.
func (ns *NetworkStack) NewUDPSocket() *Socket { return ns.newSocket(SocketUDP) }

// ListenTCP creates a listener on the local address.
func (ns *NetworkStack) ListenTCP(port uint16, backlog int) (*Socket, error) {
	s := ns.NewTCPSocket()
	if err := s.Bind(SockAddr{Addr: ns.localAddr(), Port: port}); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.Listen(backlog); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// ConnectTCP creates a socket and starts a connection to remote.
func (ns *NetworkStack) ConnectTCP(remote SockAddr) (*Socket, error) {
	s := ns.NewTCPSocket()
	if err := s.Connect(remote); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// BindUDP creates a datagram socket bound to the local address.
func (ns *NetworkStack) BindUDP(port uint16) (*Socket, error) {
	s := ns.NewUDPSocket()
	if err := s.Bind(SockAddr{Addr: ns.localAddr(), Port: port}); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Resolver exposes the stack's DNS client.
func (ns *NetworkStack) Resolver() *Resolver { return ns.resolver }

// DHCPLease returns the current lease, if one is held.
func (ns *NetworkStack) DHCPLease() (DhcpLease, bool) { return ns.dhcp.currentLease() }

// sendEvent pushes deferred socket work, surfacing queue backpressure.
func (ns *NetworkStack) sendEvent(ev networkEvent) error {
	if !ns.queue.push(ev) {
		return fmt.Errorf("%w: event queue full", ErrResourceExhausted)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Packet capture.
////////////////////////////////////////////////////////////////////////////////

const captureSnapLen = 8192

// CaptureTo mirrors every received and transmitted frame into a pcap
// stream. Pass nil to stop capturing.
func (ns *NetworkStack) CaptureTo(w io.Writer) error {
	ns.captureMu.Lock()
	defer ns.captureMu.Unlock()

	if w == nil {
		ns.capture = nil
		return nil
	}

	pw := pcap.NewWriter(w)
	if err := pw.WriteFileHeader(captureSnapLen, pcap.LinkTypeEthernet); err != nil {
		return fmt.Errorf("write pcap header: %w", err)
	}
	ns.capture = pw
	return nil
}

func (ns *NetworkStack) capturePacket(frame []byte) {
	ns.captureMu.Lock()
	defer ns.captureMu.Unlock()

	if ns.capture == nil {
		return
	}

	capLen := len(frame)
	if capLen > captureSnapLen {
		capLen = captureSnapLen
	}
	ci := pcap.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: capLen,
		Length:        len(frame),
	}
	if err := ns.capture.WritePacket(ci, frame[:capLen]); err != nil {
		ns.logger.Warn("pcap write failed", "error", err)
		ns.capture = nil
	}
}

////////////////////////////////////////////////////////////////////////////////
// Debug surface.
////////////////////////////////////////////////////////////////////////////////

// StatusSnapshot is the full debug view of the stack.
type StatusSnapshot struct {
	MAC         string        `json:"mac"`
	Address     string        `json:"address"`
	Netmask     string        `json:"netmask"`
	Gateway     string        `json:"gateway"`
	Tick        uint64        `json:"tick"`
	Stats       StatsSnapshot `json:"stats"`
	ARPEntries  []ArpEntry    `json:"arp_entries"`
	Connections []tcbSnapshot `json:"tcp_connections"`
	Sockets     int           `json:"sockets"`
	QueueDepth  int           `json:"event_queue_depth"`
}

// Status snapshots the stack for debugging.
func (ns *NetworkStack) Status() StatusSnapshot {
	addr, mask, gw := ns.addressing()
	return StatusSnapshot{
		MAC:         ns.mac().String(),
		Address:     addr.String(),
		Netmask:     mask.String(),
		Gateway:     gw.String(),
		Tick:        ns.now(),
		Stats:       ns.stats.snapshot(),
		ARPEntries:  ns.arp.snapshot(ns.now()),
		Connections: ns.tcbs.snapshot(),
		Sockets:     ns.sockets.count(),
		QueueDepth:  ns.queue.len(),
	}
}

// ServeDebug registers the /status endpoint on mux.
func (ns *NetworkStack) ServeDebug(mux *http.ServeMux) {
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(ns.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
