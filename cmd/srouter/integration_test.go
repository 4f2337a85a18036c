package main

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-srouter/internal/config"
	"go-srouter/internal/link"
	"go-srouter/internal/wire"
)

const oneInterface = `
router: { name: edge }
interfaces:
  - name: eth0
    mac: "ff:ff:ff:ff:ff:00"
    ip: 192.168.1.1
    mask: 24
    link: { listen: "127.0.0.1:0", peer: "127.0.0.1:9" }
`

type received struct {
	frame []byte
	iface string
}

// TestRouterOverUDPWire runs the router on a real UDP wire with a host on
// the other end: the host resolves the router and pings it.
func TestRouterOverUDPWire(t *testing.T) {
	cfg, err := config.Parse([]byte(oneInterface))
	require.NoError(t, err)

	loopback := netip.MustParseAddrPort("127.0.0.1:0")
	placeholder := netip.MustParseAddrPort("127.0.0.1:9")
	rw, err := link.OpenUDP(map[string]link.Endpoint{"eth0": {Listen: loopback, Peer: placeholder}})
	require.NoError(t, err)
	defer rw.Close()
	hw, err := link.OpenUDP(map[string]link.Endpoint{"host": {Listen: loopback, Peer: placeholder}})
	require.NoError(t, err)
	defer hw.Close()

	routerAddr, err := rw.LocalAddr("eth0")
	require.NoError(t, err)
	hostAddr, err := hw.LocalAddr("host")
	require.NoError(t, err)
	require.NoError(t, hw.SetPeer("host", routerAddr))

	a, err := newApp(cfg, rw)
	require.NoError(t, err)
	a.wire = rw
	out := runLine(t, a, "link peer eth0 "+hostAddr.String())
	assert.Contains(t, out, "eth0: "+routerAddr.String()+" -> "+hostAddr.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := make(chan received, 16)
	done := make(chan error, 2)
	go func() { done <- a.serve(ctx, rw, "") }()
	go func() {
		done <- hw.Serve(ctx, link.HandlerFunc(func(frame []byte, iface string) {
			frames <- received{frame: frame, iface: iface}
		}))
	}()

	next := func() gopacket.Packet {
		t.Helper()
		select {
		case r := <-frames:
			return gopacket.NewPacket(r.frame, layers.LayerTypeEthernet, gopacket.Default)
		case <-time.After(3 * time.Second):
			t.Fatal("no frame from the router")
			return nil
		}
	}

	hostMAC := wire.MAC{0x02, 0, 0, 0, 0, 0x10}
	hostIP := netip.MustParseAddr("192.168.1.10")
	routerIP := netip.MustParseAddr("192.168.1.1")

	req := wire.NewARPRequest(hostMAC, hostIP, routerIP)
	require.NoError(t, hw.Transmit(wire.NewFrame(wire.EthernetHeader{
		Dst: wire.BroadcastMAC, Src: hostMAC, Type: wire.EtherTypeARP,
	}, req.Marshal()), "host"))

	reply := next()
	arp, ok := reply.Layer(layers.LayerTypeARP).(*layers.ARP)
	require.True(t, ok)
	assert.Equal(t, uint16(layers.ARPReply), arp.Operation)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0x00}, arp.SourceHwAddress)
	assert.Equal(t, hostMAC[:], arp.DstHwAddress)

	ping := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(ping,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		&layers.Ethernet{SrcMAC: hostMAC[:], DstMAC: arp.SourceHwAddress, EthernetType: layers.EthernetTypeIPv4},
		&layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolICMPv4,
			SrcIP: hostIP.AsSlice(), DstIP: routerIP.AsSlice()},
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1},
		gopacket.Payload("ping")))
	require.NoError(t, hw.Transmit(ping.Bytes(), "host"))

	pong := next()
	icmp, ok := pong.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok)
	assert.Equal(t, uint8(layers.ICMPv4TypeEchoReply), icmp.TypeCode.Type())
	assert.Equal(t, []byte("ping"), icmp.Payload)

	cancel()
	for i := 0; i < 2; i++ {
		require.NoError(t, <-done)
	}
}
