package wire

import "encoding/binary"

////////////////////////////////////////////////////////////////////////////////
// UDP.
////////////////////////////////////////////////////////////////////////////////

const UDPHeaderSize = 8

// UDPDatagram is a read-only view over a UDP datagram. Payload bounds come
// from the length field rather than the buffer.
type UDPDatagram struct {
	b      []byte
	length int
}

func ParseUDP(b []byte) (UDPDatagram, bool) {
	if len(b) < UDPHeaderSize {
		return UDPDatagram{}, false
	}
	length := int(binary.BigEndian.Uint16(b[4:6]))
	if length < UDPHeaderSize || length > len(b) {
		return UDPDatagram{}, false
	}
	return UDPDatagram{b: b, length: length}, true
}

func (d UDPDatagram) SourcePort() uint16      { return binary.BigEndian.Uint16(d.b[0:2]) }
func (d UDPDatagram) DestinationPort() uint16 { return binary.BigEndian.Uint16(d.b[2:4]) }
func (d UDPDatagram) Length() int             { return d.length }
func (d UDPDatagram) Checksum() uint16        { return binary.BigEndian.Uint16(d.b[6:8]) }

// Payload aliases the datagram body bounded by the length field.
func (d UDPDatagram) Payload() []byte { return d.b[UDPHeaderSize:d.length] }

// VerifyChecksum checks the transport checksum against the pseudo header.
// A zero stored checksum means the sender omitted it, which passes.
func (d UDPDatagram) VerifyChecksum(src, dst Addr) bool {
	if d.Checksum() == 0 {
		return true
	}
	initial := PseudoHeaderChecksum(ProtocolUDP, src, dst, uint16(d.length))
	return ChecksumWithInitial(initial, d.b[:d.length]) == 0
}

////////////////////////////////////////////////////////////////////////////////
// Datagram building.
////////////////////////////////////////////////////////////////////////////////

// UDPBuilder writes a UDP header plus payload into a caller-supplied
// buffer. Finalize computes the pseudo-header checksum.
type UDPBuilder struct {
	b          []byte
	payloadLen int
}

func NewUDPBuilder(buf []byte) (*UDPBuilder, bool) {
	if len(buf) < UDPHeaderSize {
		return nil, false
	}
	return &UDPBuilder{b: buf}, true
}

func (u *UDPBuilder) SetSourcePort(p uint16) *UDPBuilder {
	binary.BigEndian.PutUint16(u.b[0:2], p)
	return u
}

func (u *UDPBuilder) SetDestinationPort(p uint16) *UDPBuilder {
	binary.BigEndian.PutUint16(u.b[2:4], p)
	return u
}

// Payload returns the writable region after the header.
func (u *UDPBuilder) Payload() []byte { return u.b[UDPHeaderSize:] }

// SetPayloadLen records how many payload bytes were written in place.
func (u *UDPBuilder) SetPayloadLen(n int) { u.payloadLen = n }

// WritePayload copies p into the payload region and records its length.
func (u *UDPBuilder) WritePayload(p []byte) int {
	n := copy(u.b[UDPHeaderSize:], p)
	u.payloadLen = n
	return n
}

// Finalize writes length and checksum and returns the complete datagram.
// A computed checksum of zero is transmitted as 0xffff per RFC 768.
func (u *UDPBuilder) Finalize(src, dst Addr) []byte {
	total := UDPHeaderSize + u.payloadLen
	binary.BigEndian.PutUint16(u.b[4:6], uint16(total))
	binary.BigEndian.PutUint16(u.b[6:8], 0)
	initial := PseudoHeaderChecksum(ProtocolUDP, src, dst, uint16(total))
	sum := ChecksumWithInitial(initial, u.b[:total])
	if sum == 0 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(u.b[6:8], sum)
	return u.b[:total]
}
