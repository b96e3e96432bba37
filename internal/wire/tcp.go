package wire

import "encoding/binary"

////////////////////////////////////////////////////////////////////////////////
// TCP.
////////////////////////////////////////////////////////////////////////////////

const (
	TCPMinHeaderSize = 20
	TCPMaxHeaderSize = 60

	TCPFlagFIN uint8 = 0x01
	TCPFlagSYN uint8 = 0x02
	TCPFlagRST uint8 = 0x04
	TCPFlagPSH uint8 = 0x08
	TCPFlagACK uint8 = 0x10
	TCPFlagURG uint8 = 0x20
)

// TCP option kinds used when parsing SYN options.
const (
	TCPOptionEnd         uint8 = 0
	TCPOptionNOP         uint8 = 1
	TCPOptionMSS         uint8 = 2
	TCPOptionWindowScale uint8 = 3
)

// TCPSegment is a read-only view over a TCP segment.
type TCPSegment struct {
	b         []byte
	headerLen int
}

// ParseTCP validates the data offset against the buffer.
func ParseTCP(b []byte) (TCPSegment, bool) {
	if len(b) < TCPMinHeaderSize {
		return TCPSegment{}, false
	}
	hlen := int(b[12]>>4) * 4
	if hlen < TCPMinHeaderSize || hlen > len(b) {
		return TCPSegment{}, false
	}
	return TCPSegment{b: b, headerLen: hlen}, true
}

func (s TCPSegment) SourcePort() uint16      { return binary.BigEndian.Uint16(s.b[0:2]) }
func (s TCPSegment) DestinationPort() uint16 { return binary.BigEndian.Uint16(s.b[2:4]) }
func (s TCPSegment) SequenceNumber() uint32  { return binary.BigEndian.Uint32(s.b[4:8]) }
func (s TCPSegment) AckNumber() uint32       { return binary.BigEndian.Uint32(s.b[8:12]) }
func (s TCPSegment) HeaderLen() int          { return s.headerLen }
func (s TCPSegment) Flags() uint8            { return s.b[13] & 0x3f }
func (s TCPSegment) Window() uint16          { return binary.BigEndian.Uint16(s.b[14:16]) }
func (s TCPSegment) Checksum() uint16        { return binary.BigEndian.Uint16(s.b[16:18]) }
func (s TCPSegment) UrgentPointer() uint16   { return binary.BigEndian.Uint16(s.b[18:20]) }

func (s TCPSegment) FIN() bool { return s.Flags()&TCPFlagFIN != 0 }
func (s TCPSegment) SYN() bool { return s.Flags()&TCPFlagSYN != 0 }
func (s TCPSegment) RST() bool { return s.Flags()&TCPFlagRST != 0 }
func (s TCPSegment) ACK() bool { return s.Flags()&TCPFlagACK != 0 }

// Options returns the raw option bytes between the fixed header and the
// payload.
func (s TCPSegment) Options() []byte { return s.b[TCPMinHeaderSize:s.headerLen] }

// Payload aliases the segment body.
func (s TCPSegment) Payload() []byte { return s.b[s.headerLen:] }

// VerifyChecksum checks the transport checksum against the pseudo header.
func (s TCPSegment) VerifyChecksum(src, dst Addr) bool {
	initial := PseudoHeaderChecksum(ProtocolTCP, src, dst, uint16(len(s.b)))
	return ChecksumWithInitial(initial, s.b) == 0
}

// TCPOptions holds the option values the stack understands.
type TCPOptions struct {
	MSS            uint16
	HasMSS         bool
	WindowScale    uint8
	HasWindowScale bool
}

// ParseTCPOptions walks the option bytes, tolerating unknown kinds and
// stopping at malformed lengths.
func ParseTCPOptions(opts []byte) TCPOptions {
	var out TCPOptions
	for i := 0; i < len(opts); {
		switch opts[i] {
		case TCPOptionEnd:
			return out
		case TCPOptionNOP:
			i++
		case TCPOptionMSS:
			if i+4 > len(opts) || opts[i+1] != 4 {
				return out
			}
			out.MSS = binary.BigEndian.Uint16(opts[i+2 : i+4])
			out.HasMSS = true
			i += 4
		case TCPOptionWindowScale:
			if i+3 > len(opts) || opts[i+1] != 3 {
				return out
			}
			out.WindowScale = opts[i+2]
			out.HasWindowScale = true
			i += 3
		default:
			if i+2 > len(opts) || opts[i+1] < 2 {
				return out
			}
			i += int(opts[i+1])
		}
	}
	return out
}

////////////////////////////////////////////////////////////////////////////////
// Segment building.
////////////////////////////////////////////////////////////////////////////////

// TCPBuilder writes a TCP header, options, and payload into a
// caller-supplied buffer. Options must be appended before the payload is
// written; Finalize computes the checksum.
type TCPBuilder struct {
	b          []byte
	headerLen  int
	payloadLen int
}

func NewTCPBuilder(buf []byte) (*TCPBuilder, bool) {
	if len(buf) < TCPMinHeaderSize {
		return nil, false
	}
	for i := 0; i < TCPMinHeaderSize; i++ {
		buf[i] = 0
	}
	return &TCPBuilder{b: buf, headerLen: TCPMinHeaderSize}, true
}

func (t *TCPBuilder) SetSourcePort(p uint16) *TCPBuilder {
	binary.BigEndian.PutUint16(t.b[0:2], p)
	return t
}

func (t *TCPBuilder) SetDestinationPort(p uint16) *TCPBuilder {
	binary.BigEndian.PutUint16(t.b[2:4], p)
	return t
}

func (t *TCPBuilder) SetSequenceNumber(seq uint32) *TCPBuilder {
	binary.BigEndian.PutUint32(t.b[4:8], seq)
	return t
}

func (t *TCPBuilder) SetAckNumber(ack uint32) *TCPBuilder {
	binary.BigEndian.PutUint32(t.b[8:12], ack)
	return t
}

func (t *TCPBuilder) SetFlags(flags uint8) *TCPBuilder {
	t.b[13] = flags & 0x3f
	return t
}

func (t *TCPBuilder) SetWindow(w uint16) *TCPBuilder {
	binary.BigEndian.PutUint16(t.b[14:16], w)
	return t
}

// AppendMSSOption appends a 4-byte MSS option. Must precede payload writes.
func (t *TCPBuilder) AppendMSSOption(mss uint16) bool {
	if t.payloadLen != 0 || t.headerLen+4 > len(t.b) || t.headerLen+4 > TCPMaxHeaderSize {
		return false
	}
	t.b[t.headerLen] = TCPOptionMSS
	t.b[t.headerLen+1] = 4
	binary.BigEndian.PutUint16(t.b[t.headerLen+2:t.headerLen+4], mss)
	t.headerLen += 4
	return true
}

// AppendWindowScaleOption appends a window scale option padded with a NOP
// to keep the header 32-bit aligned.
func (t *TCPBuilder) AppendWindowScaleOption(shift uint8) bool {
	if t.payloadLen != 0 || t.headerLen+4 > len(t.b) || t.headerLen+4 > TCPMaxHeaderSize {
		return false
	}
	t.b[t.headerLen] = TCPOptionNOP
	t.b[t.headerLen+1] = TCPOptionWindowScale
	t.b[t.headerLen+2] = 3
	t.b[t.headerLen+3] = shift
	t.headerLen += 4
	return true
}

// Payload returns the writable region after the header and options.
func (t *TCPBuilder) Payload() []byte { return t.b[t.headerLen:] }

// SetPayloadLen records how many payload bytes were written in place.
func (t *TCPBuilder) SetPayloadLen(n int) { t.payloadLen = n }

// WritePayload copies p after the header and records its length.
func (t *TCPBuilder) WritePayload(p []byte) int {
	n := copy(t.b[t.headerLen:], p)
	t.payloadLen = n
	return n
}

// Finalize writes the data offset and checksum and returns the complete
// segment.
func (t *TCPBuilder) Finalize(src, dst Addr) []byte {
	t.b[12] = uint8(t.headerLen/4) << 4
	total := t.headerLen + t.payloadLen
	binary.BigEndian.PutUint16(t.b[16:18], 0)
	initial := PseudoHeaderChecksum(ProtocolTCP, src, dst, uint16(total))
	sum := ChecksumWithInitial(initial, t.b[:total])
	binary.BigEndian.PutUint16(t.b[16:18], sum)
	return t.b[:total]
}
