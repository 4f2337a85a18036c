package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// UDPHeaderLen is the size of the UDP header.
const UDPHeaderLen = 8

// UDPHeader represents the UDP header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16 // header + data
	Checksum uint16
}

// ParseUDP parses the UDP header at the start of b.
func ParseUDP(b []byte) (UDPHeader, error) {
	if len(b) < UDPHeaderLen {
		return UDPHeader{}, errors.Wrapf(ErrTruncated,
			"udp header: need %d bytes, got %d", UDPHeaderLen, len(b))
	}
	return UDPHeader{
		SrcPort:  binary.BigEndian.Uint16(b[0:2]),
		DstPort:  binary.BigEndian.Uint16(b[2:4]),
		Length:   binary.BigEndian.Uint16(b[4:6]),
		Checksum: binary.BigEndian.Uint16(b[6:8]),
	}, nil
}

// Payload returns the datagram data following the header, bounded by Length
// when it is sane.
func (h UDPHeader) Payload(b []byte) []byte {
	n := int(h.Length)
	if n < UDPHeaderLen || n > len(b) {
		n = len(b)
	}
	return b[UDPHeaderLen:n]
}
