// Package wire implements zero-copy views and in-place builders for the
// frame and packet formats the stack speaks: Ethernet, ARP, IPv4, ICMP,
// UDP, and TCP.
//
// The goals are:
//   - Parsing never copies: a view aliases the caller's buffer and reads
//     big-endian fields in place. Payload accessors return sub-slices of
//     the original input.
//   - Building writes headers directly into a caller-supplied buffer;
//     checksums are computed last by Finalize.
//   - Truncated or malformed input is rejected up front so accessors never
//     index out of bounds.
//
// Notes and limitations:
//   - No IPv6 support.
//   - IPv4 options are exposed as a raw byte slice but never interpreted.
//   - Builders emit fixed-size headers (20-byte IPv4, 20-byte TCP plus
//     whatever options the caller appends).
package wire

import (
	"encoding/binary"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// MAC addresses.
////////////////////////////////////////////////////////////////////////////////

// MacAddress is a 48-bit IEEE 802 MAC address.
type MacAddress [6]byte

var (
	// MacBroadcast is the all-ones broadcast address.
	MacBroadcast = MacAddress{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	// MacZero is the unspecified address.
	MacZero = MacAddress{}
)

func (m MacAddress) IsBroadcast() bool { return m == MacBroadcast }

// IsMulticast reports whether the group bit (low bit of the first octet)
// is set. Broadcast is a multicast address by this definition.
func (m MacAddress) IsMulticast() bool { return m[0]&0x01 != 0 }

func (m MacAddress) IsUnicast() bool { return !m.IsMulticast() }

// IsLocal reports whether the locally-administered bit is set.
func (m MacAddress) IsLocal() bool { return m[0]&0x02 != 0 }

func (m MacAddress) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// ParseMAC parses the colon-separated form emitted by String.
func ParseMAC(s string) (MacAddress, error) {
	var m MacAddress
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &m[0], &m[1], &m[2], &m[3], &m[4], &m[5])
	if err != nil || n != 6 {
		return MacZero, fmt.Errorf("invalid MAC address: %q", s)
	}
	return m, nil
}

////////////////////////////////////////////////////////////////////////////////
// IPv4 addresses.
////////////////////////////////////////////////////////////////////////////////

// Addr is an IPv4 address in network byte order.
type Addr [4]byte

var (
	AddrAny       = Addr{0, 0, 0, 0}
	AddrBroadcast = Addr{255, 255, 255, 255}
	AddrLoopback  = Addr{127, 0, 0, 1}
)

func AddrFrom4(a, b, c, d byte) Addr { return Addr{a, b, c, d} }

func (a Addr) IsAny() bool       { return a == AddrAny }
func (a Addr) IsBroadcast() bool { return a == AddrBroadcast }
func (a Addr) IsLoopback() bool  { return a[0] == 127 }

// IsMulticast reports whether the address is in 224.0.0.0/4.
func (a Addr) IsMulticast() bool { return a[0]&0xf0 == 0xe0 }

// IsLinkLocal reports whether the address is in 169.254.0.0/16.
func (a Addr) IsLinkLocal() bool { return a[0] == 169 && a[1] == 254 }

func (a Addr) Uint32() uint32 { return binary.BigEndian.Uint32(a[:]) }

func AddrFromUint32(v uint32) Addr {
	var a Addr
	binary.BigEndian.PutUint32(a[:], v)
	return a
}

// Mask returns the address with the given netmask applied.
func (a Addr) Mask(mask Addr) Addr {
	var out Addr
	for i := range a {
		out[i] = a[i] & mask[i]
	}
	return out
}

// SameSubnet reports whether a and b share a network under mask.
func (a Addr) SameSubnet(b Addr, mask Addr) bool {
	return a.Mask(mask) == b.Mask(mask)
}

func (a Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// ParseAddr parses dotted-quad notation.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a[0], &a[1], &a[2], &a[3])
	if err != nil || n != 4 {
		return AddrAny, fmt.Errorf("invalid IPv4 address: %q", s)
	}
	return a, nil
}
