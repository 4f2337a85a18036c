package router

import (
	"net/netip"

	"go-srouter/internal/arpcache"
	"go-srouter/internal/netif"
	"go-srouter/internal/wire"
)

// handleARP learns the sender mapping of every well-formed message and
// answers requests for any of the router's addresses.
func (r *Router) handleARP(intf *netif.Interface, eth wire.EthernetHeader, payload []byte) {
	msg, err := wire.ParseARP(payload)
	if err != nil {
		log.Debugf("%s: dropping ARP: %v", intf.Name, err)
		r.drop(dropMalformedARP)
		return
	}
	if !msg.IsEthernetIPv4() {
		log.Debugf("%s: dropping ARP with hln=%d pln=%d", intf.Name, msg.HardwareLen, msg.ProtocolLen)
		r.drop(dropARPAddrLen)
		return
	}
	if msg.SenderMAC().IsBroadcast() {
		log.Debugf("%s: dropping ARP from broadcast sender %s", intf.Name, msg.SenderIP())
		r.drop(dropMalformedARP)
		return
	}

	// Learning happens for any operation and releases frames waiting on
	// the sender.
	r.cache.Insert(msg.SenderIP(), msg.SenderMAC())

	switch msg.Operation {
	case wire.ARPRequest:
		target := msg.TargetIP()
		if _, ok := r.ifaces.ByIP(target); !ok {
			return
		}
		reply := msg.Reply(intf.MAC)
		frame := wire.NewFrame(wire.EthernetHeader{
			Dst:  eth.Src,
			Src:  intf.MAC,
			Type: wire.EtherTypeARP,
		}, reply.Marshal())
		log.Debugf("%s: %s is-at %s, replying to %s", intf.Name, target, intf.MAC, msg.SenderIP())
		r.metrics.ARPSent.WithLabelValues("reply").Inc()
		r.transmit(frame, intf.Name)
	case wire.ARPReply:
		// Nothing to send; the insert above flushed any queue.
	default:
		log.Debugf("%s: ignoring ARP operation %d", intf.Name, msg.Operation)
	}
}

// sendARPRequest broadcasts a who-has for ip out of iface. It is the cache's
// SendRequest hook.
func (r *Router) sendARPRequest(ip netip.Addr, iface string) {
	intf, ok := r.ifaces.ByName(iface)
	if !ok {
		return
	}
	req := wire.NewARPRequest(intf.MAC, intf.IP, ip)
	frame := wire.NewFrame(wire.EthernetHeader{
		Dst:  wire.BroadcastMAC,
		Src:  intf.MAC,
		Type: wire.EtherTypeARP,
	}, req.Marshal())
	r.metrics.ARPSent.WithLabelValues("request").Inc()
	r.transmit(frame, iface)
}

// releaseQueued sends frames whose next hop just resolved to mac. It is the
// cache's Resolved hook.
func (r *Router) releaseQueued(ip netip.Addr, mac wire.MAC, frames []arpcache.Queued) {
	for _, q := range frames {
		out, ok := r.ifaces.ByName(q.Interface)
		if !ok {
			r.drop(dropRouteInterface)
			continue
		}
		wire.SetEthernetAddrs(q.Frame, out.MAC, mac)
		r.transmit(q.Frame, out.Name)
	}
}

// resolutionFailed answers every frame the cache gave up on with a
// host-unreachable error. It is the cache's Failed hook.
func (r *Router) resolutionFailed(ip netip.Addr, frames []arpcache.Queued) {
	for _, q := range frames {
		r.drop(dropResolution)
		if len(q.Frame) <= wire.EthernetHeaderLen {
			continue
		}
		r.sendHostUnreachable(q.Frame[wire.EthernetHeaderLen:])
	}
}
