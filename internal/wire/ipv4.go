package wire

import "encoding/binary"

////////////////////////////////////////////////////////////////////////////////
// IPv4.
////////////////////////////////////////////////////////////////////////////////

// Basic protocol numbers for IPv4's Protocol field.
const (
	ProtocolICMP uint8 = 1
	ProtocolTCP  uint8 = 6
	ProtocolUDP  uint8 = 17
)

const (
	// IPv4MinHeaderSize is a header with no options.
	IPv4MinHeaderSize = 20
	// IPv4MaxHeaderSize is a header with the maximum IHL of 15.
	IPv4MaxHeaderSize = 60

	ipv4FlagDontFragment uint8 = 0x2
	ipv4FlagMoreFrags    uint8 = 0x1
)

// IPv4Packet is a read-only view over a complete IPv4 packet. Payload
// bounds come from TotalLength, so trailing Ethernet padding is excluded.
type IPv4Packet struct {
	b         []byte
	headerLen int
	totalLen  int
}

// ParseIPv4 validates version, IHL, and length fields. The checksum is not
// verified here; callers that care use VerifyChecksum.
func ParseIPv4(b []byte) (IPv4Packet, bool) {
	if len(b) < IPv4MinHeaderSize {
		return IPv4Packet{}, false
	}
	if b[0]>>4 != 4 {
		return IPv4Packet{}, false
	}
	hlen := int(b[0]&0x0f) * 4
	if hlen < IPv4MinHeaderSize || hlen > len(b) {
		return IPv4Packet{}, false
	}
	total := int(binary.BigEndian.Uint16(b[2:4]))
	if total < hlen || total > len(b) {
		return IPv4Packet{}, false
	}
	return IPv4Packet{b: b, headerLen: hlen, totalLen: total}, true
}

func (p IPv4Packet) HeaderLen() int      { return p.headerLen }
func (p IPv4Packet) TotalLength() int    { return p.totalLen }
func (p IPv4Packet) TTL() uint8          { return p.b[8] }
func (p IPv4Packet) Protocol() uint8     { return p.b[9] }
func (p IPv4Packet) Checksum() uint16    { return binary.BigEndian.Uint16(p.b[10:12]) }
func (p IPv4Packet) Identification() uint16 {
	return binary.BigEndian.Uint16(p.b[4:6])
}

func (p IPv4Packet) DontFragment() bool { return p.b[6]>>5&ipv4FlagDontFragment != 0 }
func (p IPv4Packet) MoreFragments() bool {
	return p.b[6]>>5&ipv4FlagMoreFrags != 0
}

// FragmentOffset returns the offset in 8-byte units.
func (p IPv4Packet) FragmentOffset() uint16 {
	return binary.BigEndian.Uint16(p.b[6:8]) & 0x1fff
}

func (p IPv4Packet) Source() Addr {
	var a Addr
	copy(a[:], p.b[12:16])
	return a
}

func (p IPv4Packet) Destination() Addr {
	var a Addr
	copy(a[:], p.b[16:20])
	return a
}

// Options returns the raw option bytes, empty for a 20-byte header.
func (p IPv4Packet) Options() []byte { return p.b[IPv4MinHeaderSize:p.headerLen] }

// Payload aliases the packet body bounded by TotalLength.
func (p IPv4Packet) Payload() []byte { return p.b[p.headerLen:p.totalLen] }

// VerifyChecksum recomputes the header checksum over the stored value and
// reports whether the sum folds to zero.
func (p IPv4Packet) VerifyChecksum() bool {
	return Checksum(p.b[:p.headerLen]) == 0
}

////////////////////////////////////////////////////////////////////////////////
// Packet building.
////////////////////////////////////////////////////////////////////////////////

// IPv4Builder writes a fixed 20-byte header plus payload into a
// caller-supplied buffer. Finalize fills in total length and checksum.
type IPv4Builder struct {
	b          []byte
	payloadLen int
}

// NewIPv4Builder wraps buf, zeroing the header region and setting the
// invariant fields (version, IHL, TTL 64).
func NewIPv4Builder(buf []byte) (*IPv4Builder, bool) {
	if len(buf) < IPv4MinHeaderSize {
		return nil, false
	}
	for i := 0; i < IPv4MinHeaderSize; i++ {
		buf[i] = 0
	}
	buf[0] = 0x45 // version 4, IHL 5
	buf[8] = 64   // TTL
	return &IPv4Builder{b: buf}, true
}

func (p *IPv4Builder) SetProtocol(proto uint8) *IPv4Builder {
	p.b[9] = proto
	return p
}

func (p *IPv4Builder) SetIdentification(id uint16) *IPv4Builder {
	binary.BigEndian.PutUint16(p.b[4:6], id)
	return p
}

func (p *IPv4Builder) SetDontFragment() *IPv4Builder {
	p.b[6] |= ipv4FlagDontFragment << 5
	return p
}

func (p *IPv4Builder) SetTTL(ttl uint8) *IPv4Builder {
	p.b[8] = ttl
	return p
}

func (p *IPv4Builder) SetSource(a Addr) *IPv4Builder {
	copy(p.b[12:16], a[:])
	return p
}

func (p *IPv4Builder) SetDestination(a Addr) *IPv4Builder {
	copy(p.b[16:20], a[:])
	return p
}

func (p *IPv4Builder) Source() Addr {
	var a Addr
	copy(a[:], p.b[12:16])
	return a
}

func (p *IPv4Builder) Destination() Addr {
	var a Addr
	copy(a[:], p.b[16:20])
	return a
}

// Payload returns the writable region after the header.
func (p *IPv4Builder) Payload() []byte { return p.b[IPv4MinHeaderSize:] }

// SetPayloadLen records how many payload bytes were written in place.
func (p *IPv4Builder) SetPayloadLen(n int) { p.payloadLen = n }

// Finalize writes total length and the header checksum and returns the
// complete packet bytes.
func (p *IPv4Builder) Finalize() []byte {
	total := IPv4MinHeaderSize + p.payloadLen
	binary.BigEndian.PutUint16(p.b[2:4], uint16(total))
	binary.BigEndian.PutUint16(p.b[10:12], 0)
	sum := Checksum(p.b[:IPv4MinHeaderSize])
	binary.BigEndian.PutUint16(p.b[10:12], sum)
	return p.b[:total]
}
