package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-srouter/internal/arpcache"
	"go-srouter/internal/link"
	"go-srouter/internal/route"
)

const sample = `
router:
  name: r1
interfaces:
  - name: eth0
    mac: "ff:ff:ff:ff:ff:00"
    ip: 192.168.1.1
    mask: 24
    link: { listen: "127.0.0.1:40000", peer: "127.0.0.1:40001" }
  - name: eth1
    mac: "02:00:00:00:01:01"
    ip: 172.16.0.1
    mask: 16
    link: { listen: "127.0.0.1:40002", peer: "127.0.0.1:40003" }
routes:
  - { dest: 10.0.0.0, mask: 8, gateway: 172.16.0.2, interface: eth1 }
  - { dest: 0.0.0.0, mask: 0, gateway: 192.168.1.254, interface: eth0, metric: 5, distance: 200 }
arp: { entry_ttl: 15s, retry_interval: 3s, max_retries: 3, sweep_interval: 2, max_queued: 64 }
icmp: { rate_limit: 50, burst: 10 }
rip: { enabled: true, update_interval: 10s, timeout: 1m, garbage_collect: 40s }
log_level: debug
metrics_addr: "127.0.0.1:9100"
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "r1", cfg.Name())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr)
	assert.True(t, cfg.RIP.Enabled)
	assert.Equal(t, "r1: 2 interface(s), 2 static route(s), rip=true", cfg.String())

	rc := cfg.RouterConfig()
	assert.Equal(t, arpcache.Config{
		EntryTTL:      15 * time.Second,
		RetryInterval: 3 * time.Second,
		MaxRetries:    3,
		MaxQueued:     64,
	}, rc.ARP)
	assert.Equal(t, 50.0, rc.ICMPRateLimit)
	assert.Equal(t, 10, rc.ICMPBurst)
	assert.Equal(t, 2*time.Second, cfg.SweepInterval())

	ripCfg := cfg.RIPConfig()
	assert.Equal(t, 10*time.Second, ripCfg.UpdateInterval)
	assert.Equal(t, time.Minute, ripCfg.Timeout)
	assert.Equal(t, 40*time.Second, ripCfg.GarbageCollect)
}

func TestBuildTopology(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	dir, err := cfg.Directory()
	require.NoError(t, err)
	eth0, ok := dir.ByName("eth0")
	require.True(t, ok)
	assert.Equal(t, "ff:ff:ff:ff:ff:00", eth0.MAC.String())
	assert.Equal(t, netip.MustParsePrefix("192.168.1.0/24"), eth0.Prefix())

	tbl, err := cfg.RouteTable(dir)
	require.NoError(t, err)
	routes := tbl.Routes()
	require.Len(t, routes, 4)
	assert.Equal(t, route.Connected, routes[0].Source)
	assert.Equal(t, route.Connected, routes[1].Source)
	assert.Equal(t, route.Static, routes[2].Source)

	r, ok := tbl.Lookup(netip.MustParseAddr("10.0.0.5"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("172.16.0.2"), r.NextHop)
	assert.Equal(t, "eth1", r.Interface)

	def, ok := tbl.Lookup(netip.MustParseAddr("8.8.8.8"))
	require.True(t, ok)
	assert.Equal(t, uint8(200), def.AdminDistance)
	assert.Equal(t, uint32(5), def.Metric)

	eps, err := cfg.Endpoints()
	require.NoError(t, err)
	assert.Equal(t, link.Endpoint{
		Listen: netip.MustParseAddrPort("127.0.0.1:40000"),
		Peer:   netip.MustParseAddrPort("127.0.0.1:40001"),
	}, eps["eth0"])
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
interfaces:
  - name: eth0
    mac: "02:00:00:00:00:01"
    ip: 10.0.0.1
    mask: 24
    link: { listen: "127.0.0.1:5000", peer: "127.0.0.1:5001" }
`))
	require.NoError(t, err)
	assert.Equal(t, "srouter", cfg.Name())
	assert.Equal(t, arpcache.DefaultSweepInterval, cfg.SweepInterval())
	assert.Zero(t, cfg.RouterConfig().ARP)
	assert.False(t, cfg.RIP.Enabled)
}

func TestValidate(t *testing.T) {
	iface := func(name, mac, ip string, mask int) string {
		return "  - { name: " + name + ", mac: \"" + mac + "\", ip: " + ip + ", mask: " + strconv.Itoa(mask) +
			", link: { listen: \"127.0.0.1:5000\", peer: \"127.0.0.1:5001\" } }\n"
	}
	good := iface("eth0", "02:00:00:00:00:01", "10.0.0.1", 24)

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no interfaces", "interfaces: []\n", "at least one interface"},
		{"duplicate name", "interfaces:\n" + good + iface("eth0", "02:00:00:00:00:02", "10.0.1.1", 24), "duplicate interface name"},
		{"duplicate address", "interfaces:\n" + good + iface("eth1", "02:00:00:00:00:02", "10.0.0.1", 24), "10.0.0.1"},
		{"bad mac", "interfaces:\n" + iface("eth0", "zz", "10.0.0.1", 24), "eth0"},
		{"ipv6", "interfaces:\n" + iface("eth0", "02:00:00:00:00:01", "\"::1\"", 24), "not an IPv4 address"},
		{"bad mask", "interfaces:\n" + iface("eth0", "02:00:00:00:00:01", "10.0.0.1", 33), "invalid subnet mask"},
		{"missing peer", "interfaces:\n  - { name: eth0, mac: \"02:00:00:00:00:01\", ip: 10.0.0.1, mask: 24, link: { listen: \"127.0.0.1:1\" } }\n", "peer"},
		{"route to unknown interface", "interfaces:\n" + good + "routes:\n  - { dest: 10.9.0.0, mask: 16, interface: eth9 }\n", "eth9"},
		{"route bad gateway", "interfaces:\n" + good + "routes:\n  - { dest: 10.9.0.0, mask: 16, gateway: x, interface: eth0 }\n", "gateway"},
		{"unknown key", "interfaces:\n" + good + "bogus: 1\n", "bogus"},
		{"bad duration", "interfaces:\n" + good + "arp: { entry_ttl: soon }\n", "invalid duration"},
		{"bad log level", "interfaces:\n" + good + "log_level: loud\n", "loud"},
		{"sweep slower than retry", "interfaces:\n" + good + "arp: { sweep_interval: 2s, retry_interval: 1s }\n", "exceeds retry_interval"},
		{"retry faster than default sweep", "interfaces:\n" + good + "arp: { retry_interval: 500ms }\n", "exceeds retry_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Interfaces, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
