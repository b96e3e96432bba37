package wire

import "encoding/binary"

////////////////////////////////////////////////////////////////////////////////
// ARP (Ethernet + IPv4 only).
////////////////////////////////////////////////////////////////////////////////

const (
	// ARPPacketSize is the fixed size of an IPv4-over-Ethernet ARP packet.
	ARPPacketSize = 28

	ARPOpRequest uint16 = 1
	ARPOpReply   uint16 = 2

	arpHTypeEthernet uint16 = 1
	arpHLenEthernet  uint8  = 6
	arpPLenIPv4      uint8  = 4
)

// ARPPacket is a read-only view over a 28-byte ARP payload.
type ARPPacket struct {
	b []byte
}

// ParseARP validates length and the Ethernet/IPv4 hardware and protocol
// fields; packets for other combinations are rejected.
func ParseARP(b []byte) (ARPPacket, bool) {
	if len(b) < ARPPacketSize {
		return ARPPacket{}, false
	}
	p := ARPPacket{b: b}
	if binary.BigEndian.Uint16(b[0:2]) != arpHTypeEthernet ||
		binary.BigEndian.Uint16(b[2:4]) != EtherTypeIPv4 ||
		b[4] != arpHLenEthernet || b[5] != arpPLenIPv4 {
		return ARPPacket{}, false
	}
	return p, true
}

func (p ARPPacket) Operation() uint16 { return binary.BigEndian.Uint16(p.b[6:8]) }

func (p ARPPacket) SenderMAC() MacAddress {
	var m MacAddress
	copy(m[:], p.b[8:14])
	return m
}

func (p ARPPacket) SenderIP() Addr {
	var a Addr
	copy(a[:], p.b[14:18])
	return a
}

func (p ARPPacket) TargetMAC() MacAddress {
	var m MacAddress
	copy(m[:], p.b[18:24])
	return m
}

func (p ARPPacket) TargetIP() Addr {
	var a Addr
	copy(a[:], p.b[24:28])
	return a
}

// BuildARP writes a complete ARP packet into buf and returns the 28 bytes
// written. For requests the target MAC should be MacZero.
func BuildARP(buf []byte, op uint16, senderMAC MacAddress, senderIP Addr, targetMAC MacAddress, targetIP Addr) ([]byte, bool) {
	if len(buf) < ARPPacketSize {
		return nil, false
	}
	binary.BigEndian.PutUint16(buf[0:2], arpHTypeEthernet)
	binary.BigEndian.PutUint16(buf[2:4], EtherTypeIPv4)
	buf[4] = arpHLenEthernet
	buf[5] = arpPLenIPv4
	binary.BigEndian.PutUint16(buf[6:8], op)
	copy(buf[8:14], senderMAC[:])
	copy(buf[14:18], senderIP[:])
	copy(buf[18:24], targetMAC[:])
	copy(buf[24:28], targetIP[:])
	return buf[:ARPPacketSize], true
}
