package router

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"go-srouter/internal/arpcache"
	"go-srouter/internal/netif"
	"go-srouter/internal/route"
	"go-srouter/internal/wire"
)

var (
	eth0MAC = wire.MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0x00}
	eth0IP  = netip.MustParseAddr("192.168.1.1")
	eth1MAC = wire.MAC{0x02, 0x00, 0x00, 0x00, 0x01, 0x01}
	eth1IP  = netip.MustParseAddr("172.16.0.1")

	hostMAC = wire.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0xaa}
	hostIP  = netip.MustParseAddr("192.168.1.100")
	gwMAC   = wire.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0xbb}
	gwIP    = netip.MustParseAddr("172.16.0.2")

	remoteIP = netip.MustParseAddr("10.0.0.5")
)

type sentFrame struct {
	frame []byte
	iface string
}

// recordingSender captures every transmitted frame.
type recordingSender struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (s *recordingSender) Transmit(frame []byte, iface string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, sentFrame{frame: append([]byte(nil), frame...), iface: iface})
	return nil
}

// take returns the frames sent so far and forgets them.
func (s *recordingSender) take() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.frames
	s.frames = nil
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type harness struct {
	r     *Router
	sent  *recordingSender
	clock *fakeClock
}

// newHarness builds a two-port router:
//
//	eth0 192.168.1.1/24  (hosts)
//	eth1 172.16.0.1/16   (gateway 172.16.0.2 towards 10.0.0.0/8)
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	dir, err := netif.NewDirectory([]netif.Interface{
		{Name: "eth0", MAC: eth0MAC, IP: eth0IP, PrefixLen: 24},
		{Name: "eth1", MAC: eth1MAC, IP: eth1IP, PrefixLen: 16},
	})
	require.NoError(t, err)

	tbl := route.NewTable()
	require.NoError(t, tbl.Add(route.Entry{Prefix: netip.MustParsePrefix("192.168.1.0/24"), Interface: "eth0", Source: route.Connected}))
	require.NoError(t, tbl.Add(route.Entry{Prefix: netip.MustParsePrefix("172.16.0.0/16"), Interface: "eth1", Source: route.Connected}))
	require.NoError(t, tbl.Add(route.Entry{Prefix: netip.MustParsePrefix("10.0.0.0/8"), NextHop: gwIP, Interface: "eth1", Source: route.Static}))

	h := &harness{
		sent:  &recordingSender{},
		clock: &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	h.r = New(dir, tbl, h.sent, cfg,
		WithRegisterer(prometheus.NewRegistry()),
		WithCacheOptions(arpcache.WithClock(h.clock.Now)))
	return h
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	type checksummer interface {
		SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
	}
	var ip *layers.IPv4
	for _, l := range ls {
		if v, ok := l.(*layers.IPv4); ok {
			ip = v
		}
		if c, ok := l.(checksummer); ok && ip != nil {
			require.NoError(t, c.SetNetworkLayerForChecksum(ip))
		}
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

// ipFrame builds an Ethernet/IPv4 frame from the host to the router's eth0.
func ipFrame(t *testing.T, src, dst netip.Addr, ttl uint8, proto layers.IPProtocol, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       hostMAC[:],
		DstMAC:       eth0MAC[:],
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ttl,
		Id:       0x4242,
		Protocol: proto,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
	return serialize(t, append([]gopacket.SerializableLayer{eth, ip}, ls...)...)
}

func udpFrame(t *testing.T, src, dst netip.Addr, ttl uint8, dstPort uint16, data []byte) []byte {
	return ipFrame(t, src, dst, ttl, layers.IPProtocolUDP,
		&layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dstPort)},
		gopacket.Payload(data))
}

func arpFrame(t *testing.T, op uint16, srcMAC wire.MAC, srcIP netip.Addr, dstMAC wire.MAC, target netip.Addr) []byte {
	t.Helper()
	ethDst := wire.BroadcastMAC
	if op == layers.ARPReply {
		ethDst = dstMAC
	}
	return serialize(t,
		&layers.Ethernet{SrcMAC: srcMAC[:], DstMAC: ethDst[:], EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         op,
			SourceHwAddress:   srcMAC[:],
			SourceProtAddress: srcIP.AsSlice(),
			DstHwAddress:      dstMAC[:],
			DstProtAddress:    target.AsSlice(),
		})
}

func decode(frame []byte) gopacket.Packet {
	return gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
}

type decoded struct {
	eth  *layers.Ethernet
	arp  *layers.ARP
	ip   *layers.IPv4
	icmp *layers.ICMPv4
	udp  *layers.UDP
}

func decodeFrame(t *testing.T, frame []byte) decoded {
	t.Helper()
	pkt := decode(frame)
	require.Nil(t, pkt.ErrorLayer(), "frame does not decode: %v", pkt.ErrorLayer())
	var d decoded
	d.eth, _ = pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	d.arp, _ = pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	d.ip, _ = pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	d.icmp, _ = pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	d.udp, _ = pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.NotNil(t, d.eth)
	return d
}

func addrOf(b []byte) netip.Addr {
	a, _ := netip.AddrFromSlice(b)
	return a.Unmap()
}
