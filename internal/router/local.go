package router

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"go-srouter/internal/netif"
	"go-srouter/internal/wire"
)

// UDPDatagram is a UDP datagram addressed to the router.
type UDPDatagram struct {
	Src, Dst         netip.Addr
	SrcPort, DstPort uint16
	Interface        string // where it arrived
	Payload          []byte
}

// UDPHandler consumes datagrams for one local port.
type UDPHandler func(d UDPDatagram)

// HandleUDP registers h for datagrams to port on any router address or the
// limited broadcast address. A nil h unregisters the port.
func (r *Router) HandleUDP(port uint16, h UDPHandler) {
	r.udpMu.Lock()
	defer r.udpMu.Unlock()
	if h == nil {
		delete(r.udpHandlers, port)
		return
	}
	r.udpHandlers[port] = h
}

func (r *Router) udpHandler(port uint16) UDPHandler {
	r.udpMu.RLock()
	defer r.udpMu.RUnlock()
	return r.udpHandlers[port]
}

// deliverLocal handles a datagram addressed to the router: echo requests are
// answered, UDP goes to a registered handler, and TCP or UDP with no listener
// draws a port unreachable. Nothing addressed to the broadcast address is
// ever answered with ICMP.
func (r *Router) deliverLocal(in *netif.Interface, hdr wire.IPv4Header, pkt []byte) {
	broadcast := isLimitedBroadcast(hdr.Dst)
	payload := pkt[hdr.HeaderLen():]

	switch hdr.Protocol {
	case wire.ProtoICMP:
		r.metrics.Delivered.WithLabelValues("icmp").Inc()
		if broadcast || len(payload) == 0 || payload[0] != wire.ICMPEcho {
			return
		}
		r.sendEchoReply(hdr, pkt)

	case wire.ProtoUDP:
		udp, err := wire.ParseUDP(payload)
		if err != nil {
			r.drop(dropLocal)
			return
		}
		if h := r.udpHandler(udp.DstPort); h != nil {
			r.metrics.Delivered.WithLabelValues("udp").Inc()
			h(UDPDatagram{
				Src:       hdr.Src,
				Dst:       hdr.Dst,
				SrcPort:   udp.SrcPort,
				DstPort:   udp.DstPort,
				Interface: in.Name,
				Payload:   udp.Payload(payload),
			})
			return
		}
		r.drop(dropLocal)
		if !broadcast {
			r.sendICMPError(pkt, portUnreachable)
		}

	case wire.ProtoTCP:
		r.drop(dropLocal)
		if !broadcast {
			r.sendICMPError(pkt, portUnreachable)
		}

	default:
		r.drop(dropLocal)
	}
}

// BroadcastUDP sends a UDP datagram from iface's address to 255.255.255.255
// on that interface only. It bypasses routing and resolution and uses TTL 1.
func (r *Router) BroadcastUDP(iface string, srcPort, dstPort uint16, payload []byte) error {
	intf, ok := r.ifaces.ByName(iface)
	if !ok {
		return errors.Errorf("unknown interface %s", iface)
	}
	frame, err := r.originateTTL(intf.IP, netip.AddrFrom4([4]byte{255, 255, 255, 255}), 1,
		layers.IPProtocolUDP,
		&layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)},
		gopacket.Payload(payload))
	if err != nil {
		return errors.Wrapf(err, "broadcast on %s", iface)
	}
	wire.SetEthernetAddrs(frame, intf.MAC, wire.BroadcastMAC)
	r.transmit(frame, iface)
	return nil
}
