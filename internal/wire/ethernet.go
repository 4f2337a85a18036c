package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Ethernet frame constants
const (
	EthernetHeaderLen  = 14   // 6 (dst) + 6 (src) + 2 (ethertype)
	EthernetMinPayload = 46   // frames are padded up to this on the wire
	EthernetMaxPayload = 1500 // MTU
)

// EtherType identifies the protocol carried in an Ethernet frame.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
	EtherTypeIPv6 EtherType = 0x86DD
)

// ErrTruncated is returned when a buffer is shorter than the layout it is
// being parsed as.
var ErrTruncated = errors.New("truncated")

// EthernetHeader represents the Ethernet II frame header
type EthernetHeader struct {
	Dst  MAC
	Src  MAC
	Type EtherType
}

// ParseEthernet parses the first EthernetHeaderLen bytes of frame.
func ParseEthernet(frame []byte) (EthernetHeader, error) {
	if len(frame) < EthernetHeaderLen {
		return EthernetHeader{}, errors.Wrapf(ErrTruncated,
			"ethernet header: need %d bytes, got %d", EthernetHeaderLen, len(frame))
	}
	var h EthernetHeader
	copy(h.Dst[:], frame[0:6])
	copy(h.Src[:], frame[6:12])
	h.Type = EtherType(binary.BigEndian.Uint16(frame[12:14]))
	return h, nil
}

// MarshalTo writes the header into b[0:EthernetHeaderLen].
func (h EthernetHeader) MarshalTo(b []byte) {
	copy(b[0:6], h.Dst[:])
	copy(b[6:12], h.Src[:])
	binary.BigEndian.PutUint16(b[12:14], uint16(h.Type))
}

// NewFrame encapsulates payload behind h in a freshly allocated frame.
func NewFrame(h EthernetHeader, payload []byte) []byte {
	frame := make([]byte, EthernetHeaderLen+len(payload))
	h.MarshalTo(frame)
	copy(frame[EthernetHeaderLen:], payload)
	return frame
}

// SetEthernetAddrs rewrites the source and destination addresses of frame in
// place. frame must hold at least an Ethernet header.
func SetEthernetAddrs(frame []byte, src, dst MAC) {
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
}
