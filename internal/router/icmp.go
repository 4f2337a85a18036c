package router

import (
	"net/netip"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"go-srouter/internal/wire"
)

// icmpClass is an ICMP error type/code pair.
type icmpClass struct {
	typ  uint8
	code uint8
}

var (
	timeExceeded    = icmpClass{wire.ICMPTimeExceeded, 0}
	netUnreachable  = icmpClass{wire.ICMPDestUnreach, wire.ICMPNetUnreach}
	hostUnreachable = icmpClass{wire.ICMPDestUnreach, wire.ICMPHostUnreach}
	portUnreachable = icmpClass{wire.ICMPDestUnreach, wire.ICMPPortUnreach}
)

func (c icmpClass) count(m *Metrics) {
	m.ICMPSent.WithLabelValues(strconv.Itoa(int(c.typ)), strconv.Itoa(int(c.code))).Inc()
}

// shouldReport decides whether orig may be answered with an ICMP error. It
// never is when it carries an ICMP error itself, when its source does not
// name a single host, or when the router sent it.
func (r *Router) shouldReport(hdr wire.IPv4Header, orig []byte) bool {
	if hdr.Protocol == wire.ProtoICMP {
		hl := hdr.HeaderLen()
		if len(orig) <= hl || wire.IsICMPError(orig[hl]) {
			return false
		}
	}
	src := hdr.Src
	if !src.IsValid() || src.IsUnspecified() || src.IsMulticast() || isLimitedBroadcast(src) {
		return false
	}
	return !r.ifaces.IsLocal(src)
}

// sendICMPError reports class to the source of orig, subject to the ICMP
// rate limit. It covers errors raised while a datagram is being forwarded or
// delivered: one arriving datagram, at most one error.
func (r *Router) sendICMPError(orig []byte, class icmpClass) {
	r.reportError(orig, class, true)
}

// sendHostUnreachable reports a datagram the resolution cache gave up on.
// Every such datagram gets its own report, so the limiter is not consulted.
func (r *Router) sendHostUnreachable(orig []byte) {
	r.reportError(orig, hostUnreachable, false)
}

// reportError sends class to the source of orig, an IPv4 datagram whose
// slice ends at its total length. The error quotes orig's header and the
// first 8 bytes of its payload, leaves from the interface the route back to
// the source selects, and carries that interface's address as its source.
func (r *Router) reportError(orig []byte, class icmpClass, limited bool) {
	hdr, err := wire.ParseIPv4(orig)
	if err != nil || !r.shouldReport(hdr, orig) {
		return
	}
	if limited && !r.icmpLimiter.Allow() {
		r.drop(dropICMPRateLimit)
		return
	}

	rt, ok := r.routes.Lookup(hdr.Src)
	if !ok {
		log.Debugf("No route back to %s for ICMP %d/%d", hdr.Src, class.typ, class.code)
		return
	}
	out, ok := r.ifaces.ByName(rt.Interface)
	if !ok {
		r.drop(dropRouteInterface)
		return
	}

	quote := orig[:min(len(orig), hdr.HeaderLen()+wire.ICMPErrorQuoteLen)]
	frame, err := r.originate(out.IP, hdr.Src, layers.IPProtocolICMPv4,
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(class.typ, class.code)},
		gopacket.Payload(quote))
	if err != nil {
		log.Errorf("Building ICMP %d/%d for %s: %v", class.typ, class.code, hdr.Src, err)
		return
	}
	class.count(r.metrics)
	log.Debugf("ICMP %d/%d to %s via %s", class.typ, class.code, hdr.Src, out.Name)
	r.output(frame, rt, hdr.Src)
}

// sendEchoReply answers an echo request addressed to one of the router's
// addresses. pkt is the whole request datagram. The reply reuses the
// request's ICMP message with only the type and checksum rewritten; request
// IP options are not echoed.
func (r *Router) sendEchoReply(hdr wire.IPv4Header, pkt []byte) {
	msg := pkt[hdr.HeaderLen():]
	if _, err := wire.ParseICMP(msg); err != nil || wire.Checksum(msg) != 0 {
		r.drop(dropLocal)
		return
	}

	rt, ok := r.routes.Lookup(hdr.Src)
	if !ok {
		r.drop(dropNoRoute)
		return
	}

	frame := make([]byte, wire.EthernetHeaderLen+wire.IPv4MinHeaderLen+len(msg))
	wire.EthernetHeader{Type: wire.EtherTypeIPv4}.MarshalTo(frame)
	ip := frame[wire.EthernetHeaderLen:]
	wire.IPv4Header{
		TotalLen: uint16(len(ip)),
		ID:       r.nextIPID(),
		TTL:      wire.IPv4DefaultTTL,
		Protocol: wire.ProtoICMP,
		Src:      hdr.Dst,
		Dst:      hdr.Src,
	}.MarshalTo(ip)
	reply := ip[wire.IPv4MinHeaderLen:]
	copy(reply, msg)
	reply[0], reply[1] = wire.ICMPEchoReply, 0
	wire.SetICMPChecksum(reply)

	r.metrics.ICMPSent.WithLabelValues(strconv.Itoa(int(wire.ICMPEchoReply)), "0").Inc()
	r.output(frame, rt, hdr.Src)
}

// originate serializes a datagram from src to dst carrying ls and frames it
// for IPv4. Ethernet addresses are left for the output path to fill in.
func (r *Router) originate(src, dst netip.Addr, proto layers.IPProtocol, ls ...gopacket.SerializableLayer) ([]byte, error) {
	return r.originateTTL(src, dst, wire.IPv4DefaultTTL, proto, ls...)
}

func (r *Router) originateTTL(src, dst netip.Addr, ttl uint8, proto layers.IPProtocol, ls ...gopacket.SerializableLayer) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ttl,
		Id:       r.nextIPID(),
		Protocol: proto,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
	for _, l := range ls {
		if udp, ok := l.(*layers.UDP); ok {
			if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
				return nil, errors.Wrap(err, "udp checksum")
			}
		}
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, append([]gopacket.SerializableLayer{ip}, ls...)...); err != nil {
		return nil, errors.Wrap(err, "serialize datagram")
	}
	return wire.NewFrame(wire.EthernetHeader{Type: wire.EtherTypeIPv4}, buf.Bytes()), nil
}
