package wire

import "encoding/binary"

////////////////////////////////////////////////////////////////////////////////
// Internet checksum (RFC 1071).
////////////////////////////////////////////////////////////////////////////////

// Checksum computes the 16-bit one's complement of the one's complement sum
// of b. An odd trailing byte is padded as the high octet of a final word.
func Checksum(b []byte) uint16 {
	return ChecksumWithInitial(0, b)
}

// ChecksumWithInitial folds b into an existing partial sum. The initial
// value must itself be a folded partial sum (not yet complemented).
func ChecksumWithInitial(initial uint32, b []byte) uint16 {
	sum := initial
	for len(b) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// PseudoHeaderChecksum returns the partial sum of the IPv4 pseudo header
// used by the TCP, UDP, and ICMP-adjacent transport checksums. The result
// feeds ChecksumWithInitial.
func PseudoHeaderChecksum(protocol uint8, src, dst Addr, length uint16) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

////////////////////////////////////////////////////////////////////////////////
// TCP sequence-number arithmetic.
////////////////////////////////////////////////////////////////////////////////

// Sequence comparisons are modular: a signed 32-bit difference places the
// two values on the correct side of the wraparound point.

func SeqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func SeqLTE(a, b uint32) bool { return int32(a-b) <= 0 }
func SeqGT(a, b uint32) bool  { return int32(a-b) > 0 }
func SeqGTE(a, b uint32) bool { return int32(a-b) >= 0 }

// SeqBefore reports whether a is strictly earlier than b in sequence space.
func SeqBefore(a, b uint32) bool {
	diff := b - a
	return diff > 0 && diff < 1<<31
}
