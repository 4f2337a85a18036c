// Package wire holds the bit-exact layouts of the frames and datagrams the
// router exchanges with its links: Ethernet II, ARP, IPv4, ICMP and UDP. All
// multi-byte fields are in network byte order.
package wire

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/pkg/errors"
)

// MACLen is the length of an Ethernet hardware address.
const MACLen = 6

// MAC represents a MAC address as 6-byte array
type MAC [MACLen]byte

var (
	BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	ZeroMAC      = MAC{}
)

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast checks if MAC address is broadcast (ff:ff:ff:ff:ff:ff)
func (m MAC) IsBroadcast() bool {
	return m == BroadcastMAC
}

// ParseMAC parses a colon or dash separated 48-bit hardware address.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, errors.Wrapf(err, "parse mac %q", s)
	}
	if len(hw) != MACLen {
		return MAC{}, errors.Errorf("mac %q is not a 48-bit address", s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

// MACFromSlice copies a 6-byte slice into a MAC. ok is false for any other
// length.
func MACFromSlice(b []byte) (m MAC, ok bool) {
	if len(b) != MACLen {
		return MAC{}, false
	}
	copy(m[:], b)
	return m, true
}

// addr4 reads a 4-byte IPv4 address starting at b[0].
func addr4(b []byte) netip.Addr {
	return netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
}

// putAddr4 writes an IPv4 address into b[0:4]. Non-IPv4 addresses are
// written as zero.
func putAddr4(b []byte, a netip.Addr) {
	if !a.Is4() {
		copy(b[:4], []byte{0, 0, 0, 0})
		return
	}
	v := a.As4()
	copy(b[:4], v[:])
}
