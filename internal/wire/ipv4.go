package wire

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

// IPv4 header constants
const (
	IPv4Version      = 4
	IPv4MinHeaderLen = 20 // IHL 5, no options
	IPv4DefaultTTL   = 64
)

// IP protocol numbers
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// Validation failures reported by ParseIPv4 and ValidateIPv4.
var (
	ErrBadVersion   = errors.New("not an IPv4 datagram")
	ErrBadHeaderLen = errors.New("bad IPv4 header length")
	ErrBadTotalLen  = errors.New("bad IPv4 total length")
	ErrBadChecksum  = errors.New("bad IPv4 header checksum")
)

// IPv4Header represents the IPv4 header. Options, if present, are skipped
// over but not decoded.
type IPv4Header struct {
	Version    uint8  // 4 bits
	IHL        uint8  // 4 bits, header length in 32-bit words
	TOS        uint8  // Type of Service
	TotalLen   uint16 // header + payload
	ID         uint16
	Flags      uint8  // 3 bits: reserved, DF, MF
	FragOffset uint16 // 13 bits
	TTL        uint8
	Protocol   uint8
	Checksum   uint16
	Src        netip.Addr
	Dst        netip.Addr
}

// HeaderLen returns the header length in bytes.
func (h IPv4Header) HeaderLen() int {
	return int(h.IHL) * 4
}

// ParseIPv4 parses and structurally validates the header at the start of b:
// at least 20 bytes, version 4, IHL >= 5 with the header fitting in b, and a
// total length that covers the header without exceeding b. The checksum is
// not checked; see ValidateIPv4.
func ParseIPv4(b []byte) (IPv4Header, error) {
	if len(b) < IPv4MinHeaderLen {
		return IPv4Header{}, errors.Wrapf(ErrTruncated,
			"ipv4 header: need %d bytes, got %d", IPv4MinHeaderLen, len(b))
	}
	var h IPv4Header
	h.Version = b[0] >> 4
	h.IHL = b[0] & 0x0f
	if h.Version != IPv4Version {
		return IPv4Header{}, errors.Wrapf(ErrBadVersion, "version %d", h.Version)
	}
	hlen := h.HeaderLen()
	if hlen < IPv4MinHeaderLen || hlen > len(b) {
		return IPv4Header{}, errors.Wrapf(ErrBadHeaderLen, "ihl %d with %d bytes", h.IHL, len(b))
	}
	h.TOS = b[1]
	h.TotalLen = binary.BigEndian.Uint16(b[2:4])
	if int(h.TotalLen) < hlen || int(h.TotalLen) > len(b) {
		return IPv4Header{}, errors.Wrapf(ErrBadTotalLen,
			"total length %d, header %d, available %d", h.TotalLen, hlen, len(b))
	}
	h.ID = binary.BigEndian.Uint16(b[4:6])
	flagsAndOffset := binary.BigEndian.Uint16(b[6:8])
	h.Flags = uint8(flagsAndOffset >> 13)
	h.FragOffset = flagsAndOffset & 0x1fff
	h.TTL = b[8]
	h.Protocol = b[9]
	h.Checksum = binary.BigEndian.Uint16(b[10:12])
	h.Src = addr4(b[12:16])
	h.Dst = addr4(b[16:20])
	return h, nil
}

// ValidateIPv4 runs ParseIPv4 and then verifies the header checksum.
func ValidateIPv4(b []byte) (IPv4Header, error) {
	h, err := ParseIPv4(b)
	if err != nil {
		return IPv4Header{}, err
	}
	if Checksum(b[:h.HeaderLen()]) != 0 {
		return IPv4Header{}, errors.Wrapf(ErrBadChecksum, "checksum %#04x", h.Checksum)
	}
	return h, nil
}

// MarshalTo writes a 20-byte header into b, computing the checksum. IHL is
// forced to 5.
func (h IPv4Header) MarshalTo(b []byte) {
	b[0] = IPv4Version<<4 | 5
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	binary.BigEndian.PutUint16(b[6:8], uint16(h.Flags)<<13|h.FragOffset&0x1fff)
	b[8] = h.TTL
	b[9] = h.Protocol
	b[10], b[11] = 0, 0
	putAddr4(b[12:16], h.Src)
	putAddr4(b[16:20], h.Dst)
	SetIPv4Checksum(b[:IPv4MinHeaderLen])
}

// SetIPv4Checksum zeroes and recomputes the checksum of the header hdr.
func SetIPv4Checksum(hdr []byte) {
	hdr[10], hdr[11] = 0, 0
	binary.BigEndian.PutUint16(hdr[10:12], Checksum(hdr))
}

// DecrementTTL decrements the TTL of the header hdr in place and rewrites its
// checksum. hdr must span exactly the header (IHL*4 bytes).
func DecrementTTL(hdr []byte) {
	hdr[8]--
	SetIPv4Checksum(hdr)
}
