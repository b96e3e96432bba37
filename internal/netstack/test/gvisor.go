// Package test wires the stack to a gVisor peer over an in-memory
// ethernet link. gVisor's netstack is the reference implementation here:
// if the two disagree on ARP, UDP, or TCP behavior, the bug is ours.
package test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/tinyrange/netkit/internal/netstack"
	"github.com/tinyrange/netkit/internal/wire"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const gvisorNICID tcpip.NICID = 1

var (
	// stackIPv4 is the stack's default static address.
	stackIPv4 = net.IPv4(10, 42, 0, 2)
	// peerIPv4 is the gVisor side of the link, on the same /24.
	peerIPv4 = net.IPv4(10, 42, 0, 99)
)

type gvisorHarness struct {
	t testing.TB

	ctx    context.Context
	cancel context.CancelFunc

	ns *netstack.NetworkStack

	gs      *stack.Stack
	ch      *channel.Endpoint
	peerMAC net.HardwareAddr
}

func mustAddrFrom4(ip net.IP) tcpip.Address {
	ip4 := ip.To4()
	if ip4 == nil {
		panic("expected IPv4")
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b)
}

func newGvisorHarness(tb testing.TB) *gvisorHarness {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := &gvisorHarness{
		t:       tb,
		ctx:     ctx,
		cancel:  cancel,
		peerMAC: net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
	}

	// gVisor stack behind a channel endpoint. channel.Endpoint.MTU is the
	// L2 MTU as seen by ethernet.Endpoint, which subtracts the header.
	h.ch = channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(h.peerMAC)))
	ep := ethernet.New(h.ch)
	h.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := h.gs.CreateNIC(gvisorNICID, ep); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	protoAddr := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   mustAddrFrom4(peerIPv4),
			PrefixLen: 24,
		},
	}
	if err := h.gs.AddProtocolAddress(gvisorNICID, protoAddr, stack.AddressProperties{}); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	// Both ends share a /24, so a single on-link route suffices.
	h.gs.SetRouteTable([]tcpip.Route{
		{Destination: protoAddr.AddressWithPrefix.Subnet(), NIC: gvisorNICID},
	})

	// Stack -> gVisor.
	tx := netstack.TransmitFunc(func(frame []byte) bool {
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
		})
		h.ch.InjectInbound(0, pkt)
		return true
	})

	logger := slog.New(slog.DiscardHandler)
	ns, err := netstack.New(netstack.Config{}, tx, logger)
	if err != nil {
		tb.Fatalf("netstack new: %v", err)
	}
	h.ns = ns
	ns.Start(ctx)

	// gVisor -> stack.
	go func() {
		for {
			pkt := h.ch.ReadContext(ctx)
			if pkt == nil {
				return
			}
			frame := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			ns.Receive(frame)
		}
	}()

	// Drive the stack's tick clock from wall time so retransmission and
	// cache expiry behave during the exchange.
	go func() {
		start := time.Now()
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ns.UpdateTime(uint64(time.Since(start).Milliseconds()))
				ns.Periodic()
			case <-ctx.Done():
				return
			}
		}
	}()

	tb.Cleanup(func() {
		h.cancel()
		h.ch.Close()
		_ = ns.Close()
	})
	return h
}

// peerAddr is the gVisor side as the stack sees it.
func peerAddr(port uint16) netstack.SockAddr {
	return netstack.SockAddr{Addr: wire.AddrFrom4(10, 42, 0, 99), Port: port}
}

// primePeerMAC makes the stack learn gVisor's MAC before an active open.
// A throwaway datagram from the peer both resolves our address on the
// gVisor side and seeds our ARP cache from the frame source.
func (h *gvisorHarness) primePeerMAC(tb testing.TB) {
	tb.Helper()

	ep, _ := gvisorDialUDP(tb, h.gs, 55999)
	gvisorUDPWriteTo(tb, ep, stackIPv4, 9, []byte("probe"))

	waitFor(tb, 2*time.Second, "arp entry for peer", func() bool {
		for _, e := range h.ns.Status().ARPEntries {
			if e.IP == "10.42.0.99" && e.State == "resolved" {
				return true
			}
		}
		return false
	})
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(tb testing.TB, timeout time.Duration, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	tb.Fatalf("timeout waiting for %s", what)
}

// acceptPoll waits for a connection to land on a listener.
func acceptPoll(tb testing.TB, ln *netstack.Socket, timeout time.Duration) (*netstack.Socket, netstack.SockAddr) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, remote, err := ln.Accept()
		if err == nil {
			return conn, remote
		}
		if !errors.Is(err, netstack.ErrTimeout) {
			tb.Fatalf("accept: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	tb.Fatalf("timeout waiting for accept")
	return nil, netstack.SockAddr{}
}

// recvPoll reads exactly n bytes from a non-blocking socket.
func recvPoll(tb testing.TB, s *netstack.Socket, n int, timeout time.Duration) []byte {
	tb.Helper()
	var out bytes.Buffer
	buf := make([]byte, 4096)
	deadline := time.Now().Add(timeout)
	for out.Len() < n {
		if time.Now().After(deadline) {
			tb.Fatalf("timeout reading %d bytes, got %d", n, out.Len())
		}
		got, err := s.Recv(buf)
		if err != nil {
			if errors.Is(err, netstack.ErrTimeout) {
				time.Sleep(time.Millisecond)
				continue
			}
			tb.Fatalf("recv: %v", err)
		}
		out.Write(buf[:got])
	}
	return out.Bytes()
}

// recvFromPoll pops one datagram from a non-blocking socket.
func recvFromPoll(tb testing.TB, s *netstack.Socket, timeout time.Duration) ([]byte, netstack.SockAddr) {
	tb.Helper()
	buf := make([]byte, 4096)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, from, err := s.RecvFrom(buf)
		if err == nil {
			return append([]byte(nil), buf[:n]...), from
		}
		if !errors.Is(err, netstack.ErrTimeout) {
			tb.Fatalf("recvfrom: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	tb.Fatalf("timeout waiting for datagram")
	return nil, netstack.SockAddr{}
}

// sendAll pushes b through a bounded send buffer, yielding on backpressure.
func sendAll(tb testing.TB, s *netstack.Socket, b []byte, timeout time.Duration) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for len(b) > 0 {
		if time.Now().After(deadline) {
			tb.Fatalf("timeout sending, %d bytes left", len(b))
		}
		chunk := b
		if len(chunk) > 2048 {
			chunk = chunk[:2048]
		}
		_, err := s.Send(chunk)
		if err != nil {
			if errors.Is(err, netstack.ErrBufferFull) {
				time.Sleep(time.Millisecond)
				continue
			}
			tb.Fatalf("send: %v", err)
		}
		b = b[len(chunk):]
	}
}

////////////////////////////////////////////////////////////////////////////////
// gVisor-side endpoints.
////////////////////////////////////////////////////////////////////////////////

func gvisorDialTCP(tb testing.TB, gs *stack.Stack, dstIP net.IP, dstPort uint16) net.Conn {
	tb.Helper()
	c, err := gvisorTryDialTCP(gs, dstIP, dstPort)
	if err != nil {
		tb.Fatalf("gvisor dial tcp: %v", err)
	}
	tb.Cleanup(func() { _ = c.Close() })
	return c
}

func gvisorTryDialTCP(gs *stack.Stack, dstIP net.IP, dstPort uint16) (net.Conn, error) {
	return gonet.DialTCP(gs, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: mustAddrFrom4(dstIP),
		Port: dstPort,
	}, ipv4.ProtocolNumber)
}

func gvisorListenTCP(tb testing.TB, gs *stack.Stack, port uint16) *gonet.TCPListener {
	tb.Helper()
	ln, err := gonet.ListenTCP(gs, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: mustAddrFrom4(peerIPv4),
		Port: port,
	}, ipv4.ProtocolNumber)
	if err != nil {
		tb.Fatalf("gvisor listen tcp: %v", err)
	}
	tb.Cleanup(func() { _ = ln.Close() })
	return ln
}

func gvisorDialUDP(tb testing.TB, gs *stack.Stack, localPort uint16) (tcpip.Endpoint, *waiter.Queue) {
	tb.Helper()
	var wq waiter.Queue
	ep, terr := gs.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if terr != nil {
		tb.Fatalf("gvisor new udp endpoint: %v", terr)
	}
	if terr := ep.Bind(tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: mustAddrFrom4(peerIPv4),
		Port: localPort,
	}); terr != nil {
		ep.Close()
		tb.Fatalf("gvisor udp bind: %v", terr)
	}
	tb.Cleanup(func() { ep.Close() })
	return ep, &wq
}

func gvisorUDPWriteTo(tb testing.TB, ep tcpip.Endpoint, dstIP net.IP, dstPort uint16, payload []byte) {
	tb.Helper()
	n, terr := ep.Write(bytes.NewReader(payload), tcpip.WriteOptions{
		To: &tcpip.FullAddress{
			NIC:  gvisorNICID,
			Addr: mustAddrFrom4(dstIP),
			Port: dstPort,
		},
	})
	if terr != nil {
		tb.Fatalf("gvisor udp write: %v", terr)
	}
	if int(n) != len(payload) {
		tb.Fatalf("gvisor udp short write: %d != %d", n, len(payload))
	}
}

func gvisorUDPRead(tb testing.TB, ep tcpip.Endpoint, timeout time.Duration) (data []byte, from tcpip.FullAddress) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for {
		buf := make([]byte, 64*1024)
		w := tcpip.SliceWriter(buf)
		rr, terr := ep.Read(&w, tcpip.ReadOptions{NeedRemoteAddr: true})
		if terr == nil {
			return buf[:rr.Count], rr.RemoteAddr
		}
		if _, ok := terr.(*tcpip.ErrWouldBlock); ok {
			if time.Now().After(deadline) {
				tb.Fatalf("timeout waiting for gvisor udp read")
			}
			time.Sleep(time.Millisecond)
			continue
		}
		tb.Fatalf("gvisor udp read: %v", terr)
	}
}
