package router

import (
	"net/netip"

	"go-srouter/internal/netif"
	"go-srouter/internal/route"
	"go-srouter/internal/wire"
)

// handleIPv4 runs the forwarding pipeline for one framed datagram: validate,
// deliver locally, check TTL, look up a route, decrement TTL and resolve the
// next hop. TTL and checksum are mutated exactly once, in place, before the
// frame is either sent or queued for resolution.
func (r *Router) handleIPv4(in *netif.Interface, frame []byte) {
	hdr, err := wire.ValidateIPv4(frame[wire.EthernetHeaderLen:])
	if err != nil {
		log.Debugf("%s: dropping datagram: %v", in.Name, err)
		r.drop(dropMalformedIPv4)
		return
	}
	// Drop Ethernet padding past the datagram.
	frame = frame[:wire.EthernetHeaderLen+int(hdr.TotalLen)]
	pkt := frame[wire.EthernetHeaderLen:]

	if r.ifaces.IsLocal(hdr.Dst) || isLimitedBroadcast(hdr.Dst) {
		r.deliverLocal(in, hdr, pkt)
		return
	}

	if hdr.TTL <= 1 {
		log.Debugf("%s: TTL expired for %s -> %s", in.Name, hdr.Src, hdr.Dst)
		r.drop(dropTTLExceeded)
		r.sendICMPError(pkt, timeExceeded)
		return
	}

	rt, ok := r.routes.Lookup(hdr.Dst)
	if !ok {
		log.Debugf("%s: no route to %s", in.Name, hdr.Dst)
		r.drop(dropNoRoute)
		r.sendICMPError(pkt, netUnreachable)
		return
	}

	wire.DecrementTTL(pkt[:hdr.HeaderLen()])
	r.metrics.Forwarded.Inc()
	r.output(frame, rt, hdr.Dst)
}

// output sends a framed datagram toward dst along rt, or queues it until the
// next hop's hardware address is known.
func (r *Router) output(frame []byte, rt route.Entry, dst netip.Addr) {
	out, ok := r.ifaces.ByName(rt.Interface)
	if !ok {
		log.Warnf("Route %s points at unknown interface %s", rt.Prefix, rt.Interface)
		r.drop(dropRouteInterface)
		return
	}

	nextHop := rt.Gateway(dst)
	if mac, ok := r.cache.Lookup(nextHop); ok {
		wire.SetEthernetAddrs(frame, out.MAC, mac)
		r.transmit(frame, out.Name)
		return
	}
	r.cache.Enqueue(nextHop, frame, out.Name)
}
