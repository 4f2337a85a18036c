package rip

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/pkg/errors"
)

// Protocol constants (RFC 2453).
const (
	Version  = 2
	Port     = 520
	Infinity = 16

	CommandRequest  = 1
	CommandResponse = 2

	// FamilyInet is the address family of IPv4 route entries. A request
	// with a single entry of family zero and metric Infinity asks for the
	// whole table.
	FamilyInet = 2

	HeaderLen = 4
	EntryLen  = 20

	// MaxEntries is the largest number of entries a single message carries.
	MaxEntries = 25
)

var (
	ErrTruncated  = errors.New("rip: message truncated")
	ErrBadVersion = errors.New("rip: unsupported version")
	ErrBadCommand = errors.New("rip: unknown command")
)

// Entry is one route entry of a message.
type Entry struct {
	Family  uint16
	Tag     uint16
	Prefix  netip.Prefix
	NextHop netip.Addr // unspecified means the sender
	Metric  uint32
}

// Packet is a RIPv2 message.
type Packet struct {
	Command uint8
	Version uint8
	Entries []Entry
}

// IsTableRequest reports whether p asks for the sender's whole table.
func (p *Packet) IsTableRequest() bool {
	return p.Command == CommandRequest && len(p.Entries) == 1 &&
		p.Entries[0].Family == 0 && p.Entries[0].Metric == Infinity
}

// NewTableRequest returns a request for a neighbour's whole table.
func NewTableRequest() *Packet {
	return &Packet{
		Command: CommandRequest,
		Version: Version,
		Entries: []Entry{{
			Prefix:  netip.PrefixFrom(netip.IPv4Unspecified(), 0),
			NextHop: netip.IPv4Unspecified(),
			Metric:  Infinity,
		}},
	}
}

// Marshal encodes p.
func (p *Packet) Marshal() []byte {
	buf := make([]byte, HeaderLen+len(p.Entries)*EntryLen)
	buf[0] = p.Command
	buf[1] = p.Version

	off := HeaderLen
	for _, e := range p.Entries {
		b := buf[off : off+EntryLen]
		binary.BigEndian.PutUint16(b[0:2], e.Family)
		binary.BigEndian.PutUint16(b[2:4], e.Tag)
		putAddr(b[4:8], e.Prefix.Addr())
		copy(b[8:12], net.CIDRMask(e.Prefix.Bits(), 32))
		putAddr(b[12:16], e.NextHop)
		binary.BigEndian.PutUint32(b[16:20], e.Metric)
		off += EntryLen
	}
	return buf
}

// Parse decodes a RIPv2 message. Entries with a non-contiguous mask are
// skipped; trailing bytes shorter than an entry are ignored.
func Parse(b []byte) (*Packet, error) {
	if len(b) < HeaderLen {
		return nil, errors.Wrapf(ErrTruncated, "need %d bytes, got %d", HeaderLen, len(b))
	}
	p := &Packet{Command: b[0], Version: b[1]}
	if p.Version != Version {
		return nil, errors.Wrapf(ErrBadVersion, "version %d", p.Version)
	}
	if p.Command != CommandRequest && p.Command != CommandResponse {
		return nil, errors.Wrapf(ErrBadCommand, "command %d", p.Command)
	}

	for off := HeaderLen; off+EntryLen <= len(b); off += EntryLen {
		e := b[off : off+EntryLen]
		bits, size := net.IPMask(e[8:12]).Size()
		if size != 32 {
			continue
		}
		addr := netip.AddrFrom4([4]byte(e[4:8]))
		p.Entries = append(p.Entries, Entry{
			Family:  binary.BigEndian.Uint16(e[0:2]),
			Tag:     binary.BigEndian.Uint16(e[2:4]),
			Prefix:  netip.PrefixFrom(addr, bits).Masked(),
			NextHop: netip.AddrFrom4([4]byte(e[12:16])),
			Metric:  binary.BigEndian.Uint32(e[16:20]),
		})
	}
	return p, nil
}

func putAddr(b []byte, a netip.Addr) {
	if a.Is4() {
		v := a.As4()
		copy(b, v[:])
	}
}
