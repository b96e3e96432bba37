package wire

import "encoding/binary"

////////////////////////////////////////////////////////////////////////////////
// ICMP (echo only).
////////////////////////////////////////////////////////////////////////////////

const (
	ICMPHeaderSize = 8

	ICMPTypeEchoReply   uint8 = 0
	ICMPTypeEchoRequest uint8 = 8
)

// ICMPMessage is a read-only view over an ICMP message. The identifier and
// sequence accessors are only meaningful for echo messages.
type ICMPMessage struct {
	b []byte
}

func ParseICMP(b []byte) (ICMPMessage, bool) {
	if len(b) < ICMPHeaderSize {
		return ICMPMessage{}, false
	}
	return ICMPMessage{b: b}, true
}

func (m ICMPMessage) Type() uint8      { return m.b[0] }
func (m ICMPMessage) Code() uint8      { return m.b[1] }
func (m ICMPMessage) Checksum() uint16 { return binary.BigEndian.Uint16(m.b[2:4]) }
func (m ICMPMessage) Identifier() uint16 {
	return binary.BigEndian.Uint16(m.b[4:6])
}
func (m ICMPMessage) Sequence() uint16 { return binary.BigEndian.Uint16(m.b[6:8]) }

// Payload aliases the bytes after the 8-byte header.
func (m ICMPMessage) Payload() []byte { return m.b[ICMPHeaderSize:] }

// VerifyChecksum sums the whole message including the stored checksum.
func (m ICMPMessage) VerifyChecksum() bool { return Checksum(m.b) == 0 }

// BuildICMPEcho writes an echo message (request or reply) into buf and
// returns the bytes written, checksum included.
func BuildICMPEcho(buf []byte, typ uint8, id, seq uint16, payload []byte) ([]byte, bool) {
	total := ICMPHeaderSize + len(payload)
	if len(buf) < total {
		return nil, false
	}
	buf[0] = typ
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], 0)
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], seq)
	copy(buf[ICMPHeaderSize:], payload)
	sum := Checksum(buf[:total])
	binary.BigEndian.PutUint16(buf[2:4], sum)
	return buf[:total], true
}
