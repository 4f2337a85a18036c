package router

import (
	"go-srouter/internal/logging"
	"go-srouter/internal/pktdump"
	"go-srouter/internal/wire"
)

// HandleFrame processes one frame received on iface. It never returns an
// error: every outcome is either a transmission or a counted drop. The
// router takes ownership of frame.
func (r *Router) HandleFrame(frame []byte, iface string) {
	intf, ok := r.ifaces.ByName(iface)
	if !ok {
		log.Debugf("Frame on unknown interface %q", iface)
		r.drop(dropUnknownInterface)
		return
	}

	eth, err := wire.ParseEthernet(frame)
	if err != nil {
		r.drop(dropRunt)
		return
	}
	if logging.DebugEnabled() {
		log.Debugf("%s: received %s", iface, pktdump.Brief(frame))
	}

	switch eth.Type {
	case wire.EtherTypeARP:
		r.metrics.FramesReceived.WithLabelValues(iface, "arp").Inc()
		r.handleARP(intf, eth, frame[wire.EthernetHeaderLen:])
	case wire.EtherTypeIPv4:
		r.metrics.FramesReceived.WithLabelValues(iface, "ipv4").Inc()
		r.handleIPv4(intf, frame)
	default:
		r.metrics.FramesReceived.WithLabelValues(iface, "other").Inc()
		r.drop(dropEtherType)
	}
}
