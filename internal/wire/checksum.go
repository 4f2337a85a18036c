package wire

import "encoding/binary"

// sum16 adds the 16-bit big-endian words of b to initial. An odd trailing
// byte is padded with zero on the right.
func sum16(b []byte, initial uint32) uint32 {
	v := initial
	l := len(b)
	if l&1 != 0 {
		l--
		v += uint32(b[l]) << 8
	}
	for i := 0; i < l; i += 2 {
		v += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	return v
}

func fold(v uint32) uint16 {
	for v>>16 != 0 {
		v = (v & 0xffff) + (v >> 16)
	}
	return uint16(v)
}

// Checksum returns the Internet checksum of b: the ones' complement of the
// ones' complement sum of its 16-bit words. Run over data that already
// carries a correct checksum it returns 0.
func Checksum(b []byte) uint16 {
	return ^fold(sum16(b, 0))
}
