package wire

import "encoding/binary"

////////////////////////////////////////////////////////////////////////////////
// Ethernet II framing.
////////////////////////////////////////////////////////////////////////////////

// EtherTypes we care about.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
)

const (
	// EthernetHeaderSize is the fixed 14-byte Ethernet II header.
	EthernetHeaderSize = 14
	// EthernetMinFrame is the minimum frame size on the wire, excluding FCS.
	EthernetMinFrame = 60
	// EthernetMaxFrame is the maximum frame size, excluding FCS.
	EthernetMaxFrame = 1514
	// EthernetMTU is the maximum payload carried by a single frame.
	EthernetMTU = 1500
)

// EthernetFrame is a read-only view over a complete frame. The view aliases
// the buffer passed to ParseEthernet; it copies nothing.
type EthernetFrame struct {
	b []byte
}

// ParseEthernet validates the minimum header length and returns a view.
func ParseEthernet(b []byte) (EthernetFrame, bool) {
	if len(b) < EthernetHeaderSize {
		return EthernetFrame{}, false
	}
	return EthernetFrame{b: b}, true
}

func (f EthernetFrame) Destination() MacAddress {
	var m MacAddress
	copy(m[:], f.b[0:6])
	return m
}

func (f EthernetFrame) Source() MacAddress {
	var m MacAddress
	copy(m[:], f.b[6:12])
	return m
}

func (f EthernetFrame) EtherType() uint16 {
	return binary.BigEndian.Uint16(f.b[12:14])
}

// Payload returns the bytes after the header, aliasing the parsed buffer.
func (f EthernetFrame) Payload() []byte { return f.b[EthernetHeaderSize:] }

// Bytes returns the whole underlying frame.
func (f EthernetFrame) Bytes() []byte { return f.b }

////////////////////////////////////////////////////////////////////////////////
// Frame building.
////////////////////////////////////////////////////////////////////////////////

// EthernetBuilder writes an Ethernet header and payload into a
// caller-supplied buffer. The buffer must be at least EthernetHeaderSize
// bytes; payload space is whatever remains.
type EthernetBuilder struct {
	b   []byte
	len int
}

// NewEthernetBuilder wraps buf. It fails when buf cannot hold a header.
func NewEthernetBuilder(buf []byte) (*EthernetBuilder, bool) {
	if len(buf) < EthernetHeaderSize {
		return nil, false
	}
	return &EthernetBuilder{b: buf, len: EthernetHeaderSize}, true
}

func (e *EthernetBuilder) SetDestination(m MacAddress) *EthernetBuilder {
	copy(e.b[0:6], m[:])
	return e
}

func (e *EthernetBuilder) SetSource(m MacAddress) *EthernetBuilder {
	copy(e.b[6:12], m[:])
	return e
}

func (e *EthernetBuilder) SetEtherType(t uint16) *EthernetBuilder {
	binary.BigEndian.PutUint16(e.b[12:14], t)
	return e
}

// Payload returns the writable payload region after the header.
func (e *EthernetBuilder) Payload() []byte { return e.b[EthernetHeaderSize:] }

// SetPayloadLen records how many payload bytes were written in place.
func (e *EthernetBuilder) SetPayloadLen(n int) {
	e.len = EthernetHeaderSize + n
}

// WritePayload copies p into the payload region and records its length.
// It returns the number of bytes copied.
func (e *EthernetBuilder) WritePayload(p []byte) int {
	n := copy(e.b[EthernetHeaderSize:], p)
	e.len = EthernetHeaderSize + n
	return n
}

// PadToMinimum zero-pads the frame to the 60-byte wire minimum.
func (e *EthernetBuilder) PadToMinimum() {
	for e.len < EthernetMinFrame && e.len < len(e.b) {
		e.b[e.len] = 0
		e.len++
	}
}

// Bytes returns the finished frame: header plus written payload (plus any
// padding).
func (e *EthernetBuilder) Bytes() []byte { return e.b[:e.len] }
