// Package pktdump renders frames for debug logging.
package pktdump

import (
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func decode(frame []byte) gopacket.Packet {
	return gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})
}

// Dump writes every decoded layer of frame followed by a hex dump.
func Dump(w io.Writer, frame []byte) {
	fmt.Fprintf(w, "========== PACKET DUMP (%d bytes) ==========\n", len(frame))
	fmt.Fprint(w, decode(frame).Dump())
	fmt.Fprintln(w, "========== END PACKET DUMP ==========")
}

// Brief returns a one-line summary of frame, e.g.
//
//	02:00:00:00:00:01 > ff:ff:ff:ff:ff:ff ARP request who-has 192.168.1.1 tell 192.168.1.100
func Brief(frame []byte) string {
	pkt := decode(frame)
	var b strings.Builder

	eth, ok := pkt.LinkLayer().(*layers.Ethernet)
	if !ok {
		return fmt.Sprintf("undecodable frame (%d bytes)", len(frame))
	}
	fmt.Fprintf(&b, "%s > %s", eth.SrcMAC, eth.DstMAC)

	if arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		switch arp.Operation {
		case layers.ARPRequest:
			fmt.Fprintf(&b, " ARP request who-has %s tell %s",
				protoAddr(arp.DstProtAddress), protoAddr(arp.SourceProtAddress))
		case layers.ARPReply:
			fmt.Fprintf(&b, " ARP reply %s is-at %s",
				protoAddr(arp.SourceProtAddress), net.HardwareAddr(arp.SourceHwAddress))
		default:
			fmt.Fprintf(&b, " ARP op %d", arp.Operation)
		}
		return b.String()
	}

	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		fmt.Fprintf(&b, " ethertype %s length %d", eth.EthernetType, len(frame))
		return b.String()
	}
	fmt.Fprintf(&b, " IPv4 %s > %s ttl %d", ip.SrcIP, ip.DstIP, ip.TTL)

	switch {
	case pkt.Layer(layers.LayerTypeICMPv4) != nil:
		icmp := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		fmt.Fprintf(&b, " ICMP %s", icmp.TypeCode)
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		fmt.Fprintf(&b, " UDP %d > %d", udp.SrcPort, udp.DstPort)
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		fmt.Fprintf(&b, " TCP %d > %d", tcp.SrcPort, tcp.DstPort)
	default:
		fmt.Fprintf(&b, " proto %s", ip.Protocol)
	}
	fmt.Fprintf(&b, " length %d", ip.Length)
	return b.String()
}

func protoAddr(b []byte) string {
	if len(b) == net.IPv4len {
		return net.IP(b).String()
	}
	return fmt.Sprintf("%x", b)
}
