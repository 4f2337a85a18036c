package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ICMPHeaderLen is the length of the fixed ICMP header: type, code,
// checksum and the 4-byte rest-of-header word.
const ICMPHeaderLen = 8

// ICMP types
const (
	ICMPEchoReply    uint8 = 0
	ICMPDestUnreach  uint8 = 3
	ICMPSourceQuench uint8 = 4
	ICMPRedirect     uint8 = 5
	ICMPEcho         uint8 = 8
	ICMPTimeExceeded uint8 = 11
	ICMPParamProblem uint8 = 12
)

// Destination unreachable codes
const (
	ICMPNetUnreach   uint8 = 0
	ICMPHostUnreach  uint8 = 1
	ICMPProtoUnreach uint8 = 2
	ICMPPortUnreach  uint8 = 3
)

// ICMPErrorQuoteLen is how much of the offending datagram's payload an ICMP
// error quotes after its IP header.
const ICMPErrorQuoteLen = 8

// IsICMPError reports whether typ is an ICMP error message type. No ICMP error
// is ever generated in response to one of these.
func IsICMPError(typ uint8) bool {
	switch typ {
	case ICMPDestUnreach, ICMPSourceQuench, ICMPRedirect, ICMPTimeExceeded, ICMPParamProblem:
		return true
	}
	return false
}

// ICMPHeader is the fixed part of an ICMP message.
type ICMPHeader struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	Rest     [4]byte // identifier/sequence for echo, unused for errors
}

// ParseICMP parses the fixed ICMP header at the start of b.
func ParseICMP(b []byte) (ICMPHeader, error) {
	if len(b) < ICMPHeaderLen {
		return ICMPHeader{}, errors.Wrapf(ErrTruncated,
			"icmp header: need %d bytes, got %d", ICMPHeaderLen, len(b))
	}
	h := ICMPHeader{
		Type:     b[0],
		Code:     b[1],
		Checksum: binary.BigEndian.Uint16(b[2:4]),
	}
	copy(h.Rest[:], b[4:8])
	return h, nil
}

// SetICMPChecksum zeroes and recomputes the checksum over the whole ICMP
// message msg (header and data).
func SetICMPChecksum(msg []byte) {
	msg[2], msg[3] = 0, 0
	binary.BigEndian.PutUint16(msg[2:4], Checksum(msg))
}
