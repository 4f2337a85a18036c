package rip

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-srouter/internal/netif"
	"go-srouter/internal/route"
	"go-srouter/internal/wire"
)

var (
	neighbour = netip.MustParseAddr("10.0.1.2")
	other     = netip.MustParseAddr("10.0.2.2")
	remote    = netip.MustParsePrefix("192.168.5.0/24")
)

type message struct {
	iface string
	pkt   *Packet
}

type recordingTransport struct {
	mu   sync.Mutex
	msgs []message
	fail bool
}

func (r *recordingTransport) BroadcastUDP(iface string, srcPort, dstPort uint16, payload []byte) error {
	if srcPort != Port || dstPort != Port {
		return errors.Errorf("unexpected ports %d -> %d", srcPort, dstPort)
	}
	pkt, err := Parse(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("link down")
	}
	r.msgs = append(r.msgs, message{iface: iface, pkt: pkt})
	return nil
}

func (r *recordingTransport) take() []message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type fixture struct {
	d     *Daemon
	table *route.Table
	tr    *recordingTransport
	clock *clock
}

// newFixture builds a speaker on eth0 10.0.1.1/24 and eth1 10.0.2.1/24.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir, err := netif.NewDirectory([]netif.Interface{
		{Name: "eth0", MAC: wire.MAC{2, 0, 0, 0, 0, 1}, IP: netip.MustParseAddr("10.0.1.1"), PrefixLen: 24},
		{Name: "eth1", MAC: wire.MAC{2, 0, 0, 0, 0, 2}, IP: netip.MustParseAddr("10.0.2.1"), PrefixLen: 24},
	})
	require.NoError(t, err)

	tbl := route.NewTable()
	for _, intf := range dir.All() {
		require.NoError(t, tbl.Add(route.Entry{Prefix: intf.Prefix(), Interface: intf.Name, Source: route.Connected}))
	}

	f := &fixture{
		table: tbl,
		tr:    &recordingTransport{},
		clock: &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	f.d = New(Config{}, tbl, dir, f.tr, WithClock(f.clock.Now))
	return f
}

func response(entries ...Entry) []byte {
	return (&Packet{Command: CommandResponse, Version: Version, Entries: entries}).Marshal()
}

func entry(p netip.Prefix, metric uint32) Entry {
	return Entry{Family: FamilyInet, Prefix: p, NextHop: netip.IPv4Unspecified(), Metric: metric}
}

func (f *fixture) ripRoute(t *testing.T, p netip.Prefix) (route.Entry, bool) {
	t.Helper()
	for _, r := range f.table.Routes() {
		if r.Prefix == p && r.Source == route.RIP {
			return r, true
		}
	}
	return route.Entry{}, false
}

func TestResponseInstallsRoute(t *testing.T) {
	f := newFixture(t)

	f.d.Receive(neighbour, Port, "eth0", response(entry(remote, 1)))

	r, ok := f.table.Lookup(netip.MustParseAddr("192.168.5.9"))
	require.True(t, ok)
	assert.Equal(t, route.RIP, r.Source)
	assert.Equal(t, neighbour, r.NextHop)
	assert.Equal(t, "eth0", r.Interface)
	assert.Equal(t, uint32(2), r.Metric)
	assert.Equal(t, uint8(route.RIP), r.AdminDistance)

	learned := f.d.Routes()
	require.Len(t, learned, 1)
	assert.Equal(t, remote, learned[0].Prefix)
	assert.False(t, learned[0].Expired)
}

func TestResponseHonoursNextHopField(t *testing.T) {
	f := newFixture(t)
	e := entry(remote, 1)
	e.NextHop = netip.MustParseAddr("10.0.1.77")

	f.d.Receive(neighbour, Port, "eth0", response(e))

	r, ok := f.ripRoute(t, remote)
	require.True(t, ok)
	assert.Equal(t, e.NextHop, r.NextHop)
}

func TestResponseIgnored(t *testing.T) {
	tests := []struct {
		name    string
		src     netip.Addr
		srcPort uint16
		iface   string
		entries []Entry
	}{
		{"unreachable metric", neighbour, Port, "eth0", []Entry{entry(remote, Infinity)}},
		{"zero metric", neighbour, Port, "eth0", []Entry{entry(remote, 0)}},
		{"wrong source port", neighbour, 4000, "eth0", []Entry{entry(remote, 1)}},
		{"off-link sender", other, Port, "eth0", []Entry{entry(remote, 1)}},
		{"sender on no subnet", netip.MustParseAddr("198.51.100.1"), Port, "eth0", []Entry{entry(remote, 1)}},
		{"own address", netip.MustParseAddr("10.0.1.1"), Port, "eth0", []Entry{entry(remote, 1)}},
		{"connected prefix", neighbour, Port, "eth0", []Entry{entry(netip.MustParsePrefix("10.0.2.0/24"), 1)}},
		{"foreign family", neighbour, Port, "eth0", []Entry{{Family: 7, Prefix: remote, Metric: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.d.Receive(tt.src, tt.srcPort, tt.iface, response(tt.entries...))
			assert.Empty(t, f.d.Routes())
			assert.Len(t, f.table.Routes(), 2)
		})
	}
}

func TestDistanceVectorUpdates(t *testing.T) {
	f := newFixture(t)

	f.d.Receive(neighbour, Port, "eth0", response(entry(remote, 3)))
	r, _ := f.ripRoute(t, remote)
	assert.Equal(t, uint32(4), r.Metric)

	// A worse offer from someone else is ignored.
	f.d.Receive(other, Port, "eth1", response(entry(remote, 5)))
	r, _ = f.ripRoute(t, remote)
	assert.Equal(t, neighbour, r.NextHop)

	// A better one wins.
	f.d.Receive(other, Port, "eth1", response(entry(remote, 1)))
	r, _ = f.ripRoute(t, remote)
	assert.Equal(t, other, r.NextHop)
	assert.Equal(t, "eth1", r.Interface)
	assert.Equal(t, uint32(2), r.Metric)

	// The current next hop may make it worse.
	f.d.Receive(other, Port, "eth1", response(entry(remote, 6)))
	r, _ = f.ripRoute(t, remote)
	assert.Equal(t, uint32(7), r.Metric)

	var count int
	for _, e := range f.table.Routes() {
		if e.Source == route.RIP {
			count++
		}
	}
	assert.Equal(t, 1, count, "a prefix has one RIP route")
}

func TestPoisonWithdrawsRoute(t *testing.T) {
	f := newFixture(t)
	f.d.Receive(neighbour, Port, "eth0", response(entry(remote, 1)))

	f.d.Receive(neighbour, Port, "eth0", response(entry(remote, Infinity)))

	_, ok := f.ripRoute(t, remote)
	assert.False(t, ok)
	learned := f.d.Routes()
	require.Len(t, learned, 1)
	assert.True(t, learned[0].Expired)
	assert.Equal(t, uint32(Infinity), learned[0].Metric)

	// Withdrawn routes are advertised as unreachable.
	f.d.Advertise()
	msgs := f.tr.take()
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[0].pkt.Entries, entry(remote, Infinity))

	// And can be learned again.
	f.d.Receive(other, Port, "eth1", response(entry(remote, 2)))
	r, ok := f.ripRoute(t, remote)
	require.True(t, ok)
	assert.Equal(t, other, r.NextHop)
}

func TestExpiry(t *testing.T) {
	f := newFixture(t)
	f.d.Receive(neighbour, Port, "eth0", response(entry(remote, 1)))

	f.d.Expire(f.clock.Advance(DefaultTimeout - time.Second))
	_, ok := f.ripRoute(t, remote)
	assert.True(t, ok, "not yet timed out")

	// A refresh restarts the timeout.
	f.d.Receive(neighbour, Port, "eth0", response(entry(remote, 1)))
	f.d.Expire(f.clock.Advance(DefaultTimeout - time.Second))
	_, ok = f.ripRoute(t, remote)
	assert.True(t, ok)

	f.d.Expire(f.clock.Advance(2 * time.Second))
	_, ok = f.ripRoute(t, remote)
	assert.False(t, ok, "timed out")
	require.Len(t, f.d.Routes(), 1)
	assert.True(t, f.d.Routes()[0].Expired)

	f.d.Expire(f.clock.Advance(DefaultGarbageCollect + time.Second))
	assert.Empty(t, f.d.Routes())
	assert.Len(t, f.table.Routes(), 2)
}

func TestAdvertise(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.table.Add(route.Entry{
		Prefix:    netip.MustParsePrefix("172.16.0.0/12"),
		NextHop:   neighbour,
		Interface: "eth0",
		Source:    route.Static,
	}))
	f.d.Receive(other, Port, "eth1", response(entry(remote, 4)))

	f.d.Advertise()

	msgs := f.tr.take()
	require.Len(t, msgs, 2)
	assert.Equal(t, "eth0", msgs[0].iface)
	assert.Equal(t, "eth1", msgs[1].iface)
	want := []Entry{
		entry(netip.MustParsePrefix("10.0.1.0/24"), 1),
		entry(netip.MustParsePrefix("10.0.2.0/24"), 1),
		entry(netip.MustParsePrefix("172.16.0.0/12"), 2),
		entry(remote, 5),
	}
	for _, m := range msgs {
		assert.Equal(t, uint8(CommandResponse), m.pkt.Command)
		assert.Equal(t, want, m.pkt.Entries)
	}
}

func TestAdvertiseSplitsLargeTables(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 30; i++ {
		require.NoError(t, f.table.Add(route.Entry{
			Prefix:    netip.PrefixFrom(netip.AddrFrom4([4]byte{172, 16, byte(i), 0}), 24),
			NextHop:   neighbour,
			Interface: "eth0",
			Source:    route.Static,
		}))
	}

	f.d.Advertise()

	msgs := f.tr.take()
	require.Len(t, msgs, 4)
	assert.Len(t, msgs[0].pkt.Entries, MaxEntries)
	assert.Len(t, msgs[1].pkt.Entries, 32-MaxEntries)
}

func TestRequests(t *testing.T) {
	f := newFixture(t)

	f.d.Receive(neighbour, 4000, "eth0", NewTableRequest().Marshal())
	msgs := f.tr.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, "eth0", msgs[0].iface)
	assert.Len(t, msgs[0].pkt.Entries, 2)

	specific := &Packet{Command: CommandRequest, Version: Version, Entries: []Entry{
		entry(netip.MustParsePrefix("10.0.2.0/24"), 0),
		entry(remote, 0),
	}}
	f.d.Receive(neighbour, 4000, "eth0", specific.Marshal())
	msgs = f.tr.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, []Entry{
		entry(netip.MustParsePrefix("10.0.2.0/24"), 1),
		entry(remote, Infinity),
	}, msgs[0].pkt.Entries)
}

func TestRunSolicitsAndAdvertises(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	var msgs []message
	require.Eventually(t, func() bool {
		msgs = append(msgs, f.tr.take()...)
		return len(msgs) >= 4
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.True(t, msgs[0].pkt.IsTableRequest())
	assert.True(t, msgs[1].pkt.IsTableRequest())
	assert.Equal(t, uint8(CommandResponse), msgs[2].pkt.Command)
}

func TestTransportErrorsAreNotFatal(t *testing.T) {
	f := newFixture(t)
	f.tr.fail = true
	f.d.Advertise()
	f.d.Solicit()
	assert.Empty(t, f.tr.take())
}

func TestDump(t *testing.T) {
	f := newFixture(t)
	var b strings.Builder
	f.d.Dump(&b)
	assert.Contains(t, b.String(), "(none)")

	f.d.Receive(neighbour, Port, "eth0", response(entry(remote, 1)))
	b.Reset()
	f.d.Dump(&b)
	assert.Contains(t, b.String(), "192.168.5.0/24")
	assert.Contains(t, b.String(), "10.0.1.2")
	assert.Contains(t, b.String(), "0s")
}
