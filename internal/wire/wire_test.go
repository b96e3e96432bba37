package wire

import (
	"bytes"
	"testing"
)

func TestChecksumKnownVector(t *testing.T) {
	// Example from RFC 1071 section 3.
	data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	if got := Checksum(data); got != ^uint16(0xddf2) {
		t.Fatalf("checksum = %#04x, want %#04x", got, ^uint16(0xddf2))
	}
}

func TestChecksumOddLength(t *testing.T) {
	// A trailing odd byte pads as the high octet.
	if got, want := Checksum([]byte{0x01}), ^uint16(0x0100); got != want {
		t.Fatalf("checksum = %#04x, want %#04x", got, want)
	}
}

func TestSeqCompareWraparound(t *testing.T) {
	if !SeqLT(0xfffffff0, 0x10) {
		t.Fatalf("0xfffffff0 should be before 0x10 across the wrap")
	}
	if SeqLT(0x10, 0xfffffff0) {
		t.Fatalf("0x10 should not be before 0xfffffff0")
	}
	if !SeqGTE(5, 5) || !SeqLTE(5, 5) {
		t.Fatalf("equal sequence numbers should compare equal")
	}
	if !SeqBefore(0xffffffff, 0) {
		t.Fatalf("SeqBefore should wrap")
	}
	if SeqBefore(7, 7) {
		t.Fatalf("SeqBefore of equal values should be false")
	}
}

func TestEthernetRoundTrip(t *testing.T) {
	buf := make([]byte, EthernetMaxFrame)
	b, ok := NewEthernetBuilder(buf)
	if !ok {
		t.Fatalf("builder rejected buffer")
	}
	src := MacAddress{2, 0, 0, 0, 0, 1}
	b.SetDestination(MacBroadcast).SetSource(src).SetEtherType(EtherTypeARP)
	b.WritePayload([]byte{1, 2, 3})
	b.PadToMinimum()

	frame := b.Bytes()
	if len(frame) != EthernetMinFrame {
		t.Fatalf("frame length = %d, want %d", len(frame), EthernetMinFrame)
	}

	v, ok := ParseEthernet(frame)
	if !ok {
		t.Fatalf("parse failed")
	}
	if v.Destination() != MacBroadcast || v.Source() != src {
		t.Fatalf("address round trip mismatch")
	}
	if v.EtherType() != EtherTypeARP {
		t.Fatalf("ethertype = %#04x", v.EtherType())
	}
	if !bytes.Equal(v.Payload()[:3], []byte{1, 2, 3}) {
		t.Fatalf("payload mismatch")
	}
}

func TestEthernetTruncated(t *testing.T) {
	if _, ok := ParseEthernet(make([]byte, 13)); ok {
		t.Fatalf("13-byte frame should not parse")
	}
}

func TestARPRoundTrip(t *testing.T) {
	buf := make([]byte, ARPPacketSize)
	senderMAC := MacAddress{2, 0, 0, 0, 0, 1}
	senderIP := AddrFrom4(10, 42, 0, 1)
	targetIP := AddrFrom4(10, 42, 0, 2)

	pkt, ok := BuildARP(buf, ARPOpRequest, senderMAC, senderIP, MacZero, targetIP)
	if !ok {
		t.Fatalf("build failed")
	}

	v, ok := ParseARP(pkt)
	if !ok {
		t.Fatalf("parse failed")
	}
	if v.Operation() != ARPOpRequest {
		t.Fatalf("operation = %d", v.Operation())
	}
	if v.SenderMAC() != senderMAC || v.SenderIP() != senderIP {
		t.Fatalf("sender mismatch")
	}
	if v.TargetMAC() != MacZero || v.TargetIP() != targetIP {
		t.Fatalf("target mismatch")
	}
}

func TestARPRejectsWrongHardwareType(t *testing.T) {
	buf := make([]byte, ARPPacketSize)
	pkt, _ := BuildARP(buf, ARPOpReply, MacZero, AddrAny, MacZero, AddrAny)
	pkt[0] = 0
	pkt[1] = 6 // IEEE 802
	if _, ok := ParseARP(pkt); ok {
		t.Fatalf("non-ethernet ARP should not parse")
	}
}

func TestIPv4BuildAndVerify(t *testing.T) {
	buf := make([]byte, 128)
	b, ok := NewIPv4Builder(buf)
	if !ok {
		t.Fatalf("builder rejected buffer")
	}
	src := AddrFrom4(10, 42, 0, 1)
	dst := AddrFrom4(10, 42, 0, 2)
	b.SetProtocol(ProtocolUDP).SetSource(src).SetDestination(dst)
	n := copy(b.Payload(), []byte("hello"))
	b.SetPayloadLen(n)
	pkt := b.Finalize()

	v, ok := ParseIPv4(pkt)
	if !ok {
		t.Fatalf("parse failed")
	}
	if !v.VerifyChecksum() {
		t.Fatalf("checksum did not verify")
	}
	if v.Protocol() != ProtocolUDP || v.Source() != src || v.Destination() != dst {
		t.Fatalf("header round trip mismatch")
	}
	if string(v.Payload()) != "hello" {
		t.Fatalf("payload = %q", v.Payload())
	}
}

func TestIPv4PayloadExcludesPadding(t *testing.T) {
	buf := make([]byte, 128)
	b, _ := NewIPv4Builder(buf)
	b.SetProtocol(ProtocolICMP)
	b.SetPayloadLen(4)
	pkt := b.Finalize()

	// Hand the parser extra trailing bytes, as Ethernet padding would.
	padded := append(pkt, 0, 0, 0, 0, 0, 0)
	v, ok := ParseIPv4(padded)
	if !ok {
		t.Fatalf("parse failed")
	}
	if len(v.Payload()) != 4 {
		t.Fatalf("payload length = %d, want 4", len(v.Payload()))
	}
}

func TestIPv4Malformed(t *testing.T) {
	buf := make([]byte, 128)
	b, _ := NewIPv4Builder(buf)
	pkt := b.Finalize()

	bad := append([]byte(nil), pkt...)
	bad[0] = 0x65 // version 6
	if _, ok := ParseIPv4(bad); ok {
		t.Fatalf("version 6 should not parse")
	}

	bad = append(bad[:0], pkt...)
	bad[0] = 0x44 // IHL 4
	if _, ok := ParseIPv4(bad); ok {
		t.Fatalf("IHL 4 should not parse")
	}

	if _, ok := ParseIPv4(pkt[:10]); ok {
		t.Fatalf("truncated header should not parse")
	}
}

func TestICMPEchoRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	msg, ok := BuildICMPEcho(buf, ICMPTypeEchoReply, 0x1234, 7, []byte("ping"))
	if !ok {
		t.Fatalf("build failed")
	}
	v, ok := ParseICMP(msg)
	if !ok {
		t.Fatalf("parse failed")
	}
	if !v.VerifyChecksum() {
		t.Fatalf("checksum did not verify")
	}
	if v.Type() != ICMPTypeEchoReply || v.Identifier() != 0x1234 || v.Sequence() != 7 {
		t.Fatalf("header mismatch")
	}
	if string(v.Payload()) != "ping" {
		t.Fatalf("payload = %q", v.Payload())
	}
}

func TestUDPRoundTrip(t *testing.T) {
	src := AddrFrom4(10, 42, 0, 1)
	dst := AddrFrom4(10, 42, 0, 2)

	buf := make([]byte, 128)
	b, ok := NewUDPBuilder(buf)
	if !ok {
		t.Fatalf("builder rejected buffer")
	}
	b.SetSourcePort(5353).SetDestinationPort(53)
	b.WritePayload([]byte("query"))
	dg := b.Finalize(src, dst)

	v, ok := ParseUDP(dg)
	if !ok {
		t.Fatalf("parse failed")
	}
	if !v.VerifyChecksum(src, dst) {
		t.Fatalf("checksum did not verify")
	}
	if v.SourcePort() != 5353 || v.DestinationPort() != 53 {
		t.Fatalf("port mismatch")
	}
	if string(v.Payload()) != "query" {
		t.Fatalf("payload = %q", v.Payload())
	}
}

func TestUDPZeroChecksumRewrite(t *testing.T) {
	// This payload makes the one's complement sum come out to 0xffff, so
	// the computed checksum would be zero and must be sent as 0xffff.
	buf := make([]byte, 64)
	b, _ := NewUDPBuilder(buf)
	b.SetSourcePort(0).SetDestinationPort(0)
	b.WritePayload([]byte{0xff, 0xda})
	dg := b.Finalize(AddrAny, AddrAny)

	v, _ := ParseUDP(dg)
	if v.Checksum() != 0xffff {
		t.Fatalf("checksum = %#04x, want 0xffff", v.Checksum())
	}
	if !v.VerifyChecksum(AddrAny, AddrAny) {
		t.Fatalf("rewritten checksum should verify")
	}
}

func TestUDPLengthBeyondBuffer(t *testing.T) {
	buf := make([]byte, UDPHeaderSize)
	b, _ := NewUDPBuilder(buf)
	dg := b.Finalize(AddrAny, AddrAny)
	dg[5] = 200 // claim a longer datagram than we have
	if _, ok := ParseUDP(dg); ok {
		t.Fatalf("length beyond buffer should not parse")
	}
}

func TestTCPRoundTripWithOptions(t *testing.T) {
	src := AddrFrom4(10, 42, 0, 1)
	dst := AddrFrom4(10, 42, 0, 2)

	buf := make([]byte, 256)
	b, ok := NewTCPBuilder(buf)
	if !ok {
		t.Fatalf("builder rejected buffer")
	}
	b.SetSourcePort(80).SetDestinationPort(49152)
	b.SetSequenceNumber(1000).SetAckNumber(2000)
	b.SetFlags(TCPFlagSYN | TCPFlagACK).SetWindow(65535)
	if !b.AppendMSSOption(1460) {
		t.Fatalf("MSS option append failed")
	}
	if !b.AppendWindowScaleOption(7) {
		t.Fatalf("window scale option append failed")
	}
	seg := b.Finalize(src, dst)

	v, ok := ParseTCP(seg)
	if !ok {
		t.Fatalf("parse failed")
	}
	if !v.VerifyChecksum(src, dst) {
		t.Fatalf("checksum did not verify")
	}
	if v.SourcePort() != 80 || v.DestinationPort() != 49152 {
		t.Fatalf("port mismatch")
	}
	if v.SequenceNumber() != 1000 || v.AckNumber() != 2000 {
		t.Fatalf("seq/ack mismatch")
	}
	if !v.SYN() || !v.ACK() || v.FIN() {
		t.Fatalf("flags = %#02x", v.Flags())
	}

	opts := ParseTCPOptions(v.Options())
	if !opts.HasMSS || opts.MSS != 1460 {
		t.Fatalf("MSS = %v %d", opts.HasMSS, opts.MSS)
	}
	if !opts.HasWindowScale || opts.WindowScale != 7 {
		t.Fatalf("window scale = %v %d", opts.HasWindowScale, opts.WindowScale)
	}
}

func TestTCPRejectsBadDataOffset(t *testing.T) {
	buf := make([]byte, 64)
	b, _ := NewTCPBuilder(buf)
	seg := b.Finalize(AddrAny, AddrAny)
	seg[12] = 4 << 4 // data offset below the minimum
	if _, ok := ParseTCP(seg); ok {
		t.Fatalf("data offset 4 should not parse")
	}
	seg[12] = 15 << 4 // data offset past the buffer
	if _, ok := ParseTCP(seg[:TCPMinHeaderSize]); ok {
		t.Fatalf("data offset past buffer should not parse")
	}
}

func TestParseTCPOptionsMalformed(t *testing.T) {
	// Truncated MSS option stops the walk without panicking.
	opts := ParseTCPOptions([]byte{TCPOptionMSS, 4, 0x05})
	if opts.HasMSS {
		t.Fatalf("truncated MSS should not be reported")
	}
	// Unknown option with zero length stops the walk.
	opts = ParseTCPOptions([]byte{99, 0, TCPOptionMSS, 4, 0x05, 0xb4})
	if opts.HasMSS {
		t.Fatalf("walk should stop at a zero-length option")
	}
}

func TestAddrHelpers(t *testing.T) {
	a := AddrFrom4(10, 42, 0, 17)
	mask := AddrFrom4(255, 255, 255, 0)
	if !a.SameSubnet(AddrFrom4(10, 42, 0, 1), mask) {
		t.Fatalf("same /24 should match")
	}
	if a.SameSubnet(AddrFrom4(10, 43, 0, 1), mask) {
		t.Fatalf("different /24 should not match")
	}
	if got := a.String(); got != "10.42.0.17" {
		t.Fatalf("String = %q", got)
	}
	parsed, err := ParseAddr("10.42.0.17")
	if err != nil || parsed != a {
		t.Fatalf("ParseAddr = %v, %v", parsed, err)
	}
	if AddrFromUint32(a.Uint32()) != a {
		t.Fatalf("uint32 round trip failed")
	}
	if !AddrFrom4(224, 0, 0, 251).IsMulticast() {
		t.Fatalf("224.0.0.251 should be multicast")
	}
}

func TestMacHelpers(t *testing.T) {
	if !MacBroadcast.IsBroadcast() || !MacBroadcast.IsMulticast() {
		t.Fatalf("broadcast classification wrong")
	}
	m := MacAddress{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	if !m.IsUnicast() || !m.IsLocal() {
		t.Fatalf("unicast classification wrong")
	}
	parsed, err := ParseMAC(m.String())
	if err != nil || parsed != m {
		t.Fatalf("ParseMAC round trip = %v, %v", parsed, err)
	}
}
