package wire

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

// ARP operation codes
const (
	ARPRequest uint16 = 1
	ARPReply   uint16 = 2
)

// ARP hardware and protocol types
const (
	ARPHardwareEthernet uint16 = 1
	ARPProtocolIPv4     uint16 = uint16(EtherTypeIPv4)
)

const (
	ARPFixedLen        = 8  // hrd(2) + pro(2) + hln(1) + pln(1) + op(2)
	ARPEthernetIPv4Len = 28 // fixed part + 6 + 4 + 6 + 4
)

// ARP is an Address Resolution Protocol message. The four address fields are
// sized by HardwareLen and ProtocolLen; ParseARP copies them so an ARP never
// aliases the frame it came from.
type ARP struct {
	HardwareType uint16
	ProtocolType uint16
	HardwareLen  uint8
	ProtocolLen  uint8
	Operation    uint16
	SenderHW     []byte
	SenderProto  []byte
	TargetHW     []byte
	TargetProto  []byte
}

// ParseARP parses an ARP message. The buffer must hold the fixed preamble
// plus both address pairs as sized by hln and pln; anything after that is
// ignored.
func ParseARP(b []byte) (ARP, error) {
	if len(b) < ARPFixedLen {
		return ARP{}, errors.Wrapf(ErrTruncated,
			"arp preamble: need %d bytes, got %d", ARPFixedLen, len(b))
	}
	a := ARP{
		HardwareType: binary.BigEndian.Uint16(b[0:2]),
		ProtocolType: binary.BigEndian.Uint16(b[2:4]),
		HardwareLen:  b[4],
		ProtocolLen:  b[5],
		Operation:    binary.BigEndian.Uint16(b[6:8]),
	}
	hln, pln := int(a.HardwareLen), int(a.ProtocolLen)
	if need := ARPFixedLen + 2*hln + 2*pln; len(b) < need {
		return ARP{}, errors.Wrapf(ErrTruncated,
			"arp addresses: need %d bytes, got %d", need, len(b))
	}

	off := ARPFixedLen
	take := func(n int) []byte {
		f := make([]byte, n)
		copy(f, b[off:off+n])
		off += n
		return f
	}
	a.SenderHW = take(hln)
	a.SenderProto = take(pln)
	a.TargetHW = take(hln)
	a.TargetProto = take(pln)
	return a, nil
}

// Len returns the encoded size of a.
func (a ARP) Len() int {
	return ARPFixedLen + 2*int(a.HardwareLen) + 2*int(a.ProtocolLen)
}

// Marshal encodes a. Address fields shorter than their declared length are
// zero padded; longer ones are truncated.
func (a ARP) Marshal() []byte {
	b := make([]byte, a.Len())
	binary.BigEndian.PutUint16(b[0:2], a.HardwareType)
	binary.BigEndian.PutUint16(b[2:4], a.ProtocolType)
	b[4] = a.HardwareLen
	b[5] = a.ProtocolLen
	binary.BigEndian.PutUint16(b[6:8], a.Operation)

	off := ARPFixedLen
	put := func(f []byte, n int) {
		copy(b[off:off+n], f)
		off += n
	}
	hln, pln := int(a.HardwareLen), int(a.ProtocolLen)
	put(a.SenderHW, hln)
	put(a.SenderProto, pln)
	put(a.TargetHW, hln)
	put(a.TargetProto, pln)
	return b
}

// IsEthernetIPv4 reports whether the address lengths are the ones an
// Ethernet/IPv4 resolution cache can hold.
func (a ARP) IsEthernetIPv4() bool {
	return a.HardwareLen == MACLen && a.ProtocolLen == 4
}

// SenderIP returns the sender protocol address as IPv4.
func (a ARP) SenderIP() netip.Addr {
	if len(a.SenderProto) != 4 {
		return netip.Addr{}
	}
	return addr4(a.SenderProto)
}

// TargetIP returns the target protocol address as IPv4.
func (a ARP) TargetIP() netip.Addr {
	if len(a.TargetProto) != 4 {
		return netip.Addr{}
	}
	return addr4(a.TargetProto)
}

// SenderMAC returns the sender hardware address.
func (a ARP) SenderMAC() MAC {
	m, _ := MACFromSlice(a.SenderHW)
	return m
}

// NewARPRequest builds an Ethernet/IPv4 who-has request for target, sent
// from (srcMAC, srcIP). The target hardware address is left zero.
func NewARPRequest(srcMAC MAC, srcIP, target netip.Addr) ARP {
	a := ARP{
		HardwareType: ARPHardwareEthernet,
		ProtocolType: ARPProtocolIPv4,
		HardwareLen:  MACLen,
		ProtocolLen:  4,
		Operation:    ARPRequest,
		SenderHW:     append([]byte(nil), srcMAC[:]...),
		SenderProto:  make([]byte, 4),
		TargetHW:     make([]byte, MACLen),
		TargetProto:  make([]byte, 4),
	}
	putAddr4(a.SenderProto, srcIP)
	putAddr4(a.TargetProto, target)
	return a
}

// Reply builds the answer to request a from the owner of (mac, the requested
// protocol address). Type and length fields are carried over unchanged.
func (a ARP) Reply(mac MAC) ARP {
	return ARP{
		HardwareType: a.HardwareType,
		ProtocolType: a.ProtocolType,
		HardwareLen:  a.HardwareLen,
		ProtocolLen:  a.ProtocolLen,
		Operation:    ARPReply,
		SenderHW:     append([]byte(nil), mac[:]...),
		SenderProto:  append([]byte(nil), a.TargetProto...),
		TargetHW:     append([]byte(nil), a.SenderHW...),
		TargetProto:  append([]byte(nil), a.SenderProto...),
	}
}
