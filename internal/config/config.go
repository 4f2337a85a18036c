// Package config loads the router's YAML configuration and turns it into the
// values the other packages are built from.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"go-srouter/internal/arpcache"
	"go-srouter/internal/link"
	"go-srouter/internal/logging"
	"go-srouter/internal/netif"
	"go-srouter/internal/rip"
	"go-srouter/internal/route"
	"go-srouter/internal/router"
	"go-srouter/internal/wire"
)

// Config is the top-level configuration file.
type Config struct {
	Router      RouterInfo        `yaml:"router"`
	Interfaces  []InterfaceConfig `yaml:"interfaces"`
	Routes      []RouteConfig     `yaml:"routes"`
	ARP         ARPConfig         `yaml:"arp"`
	ICMP        ICMPConfig        `yaml:"icmp"`
	RIP         RIPConfig         `yaml:"rip"`
	LogLevel    string            `yaml:"log_level"`
	MetricsAddr string            `yaml:"metrics_addr"`
}

type RouterInfo struct {
	Name string `yaml:"name"`
}

type InterfaceConfig struct {
	Name string     `yaml:"name"`
	MAC  string     `yaml:"mac"`
	IP   string     `yaml:"ip"`
	Mask int        `yaml:"mask"`
	Link LinkConfig `yaml:"link"`
}

// LinkConfig is the UDP wire an interface is attached to.
type LinkConfig struct {
	Listen string `yaml:"listen"`
	Peer   string `yaml:"peer"`
}

type RouteConfig struct {
	Dest      string `yaml:"dest"`
	Mask      int    `yaml:"mask"`
	Gateway   string `yaml:"gateway"` // empty for directly reachable networks
	Interface string `yaml:"interface"`
	Metric    uint32 `yaml:"metric"`
	Distance  uint8  `yaml:"distance"`
}

type ARPConfig struct {
	EntryTTL      Duration `yaml:"entry_ttl"`
	RetryInterval Duration `yaml:"retry_interval"`
	MaxRetries    int      `yaml:"max_retries"`
	SweepInterval Duration `yaml:"sweep_interval"`
	MaxQueued     int      `yaml:"max_queued"`
}

type ICMPConfig struct {
	RateLimit float64 `yaml:"rate_limit"` // errors per second, negative for unlimited
	Burst     int     `yaml:"burst"`
}

type RIPConfig struct {
	Enabled        bool     `yaml:"enabled"`
	UpdateInterval Duration `yaml:"update_interval"`
	Timeout        Duration `yaml:"timeout"`
	GarbageCollect Duration `yaml:"garbage_collect"`
}

// Duration is a time.Duration written as "15s" or a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var secs int64
	if err := unmarshal(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return cfg, nil
}

// Parse decodes and validates a configuration document. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if len(c.Interfaces) == 0 {
		return errors.New("at least one interface is required")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	names := make(map[string]bool)
	for i, intf := range c.Interfaces {
		if intf.Name == "" {
			return errors.Errorf("interface %d: name is required", i)
		}
		if names[intf.Name] {
			return errors.Errorf("duplicate interface name: %s", intf.Name)
		}
		names[intf.Name] = true

		if _, err := wire.ParseMAC(intf.MAC); err != nil {
			return errors.Wrapf(err, "interface %s", intf.Name)
		}
		if _, err := parseIPv4(intf.IP); err != nil {
			return errors.Wrapf(err, "interface %s", intf.Name)
		}
		if intf.Mask < 1 || intf.Mask > 32 {
			return errors.Errorf("invalid subnet mask %d for interface %s", intf.Mask, intf.Name)
		}
		if _, err := parseEndpoint(intf.Link); err != nil {
			return errors.Wrapf(err, "interface %s link", intf.Name)
		}
	}
	// Directory catches duplicate addresses.
	if _, err := c.Directory(); err != nil {
		return err
	}

	for i, r := range c.Routes {
		if _, err := parseIPv4(r.Dest); err != nil {
			return errors.Wrapf(err, "route %d", i)
		}
		if r.Mask < 0 || r.Mask > 32 {
			return errors.Errorf("route %d: invalid mask %d", i, r.Mask)
		}
		if r.Gateway != "" {
			if _, err := parseIPv4(r.Gateway); err != nil {
				return errors.Wrapf(err, "route %d gateway", i)
			}
		}
		if !names[r.Interface] {
			return errors.Errorf("route %d: interface %q not found", i, r.Interface)
		}
	}

	if c.ARP.MaxRetries < 0 || c.ARP.MaxQueued < 0 {
		return errors.New("arp: max_retries and max_queued must be non-negative")
	}
	if c.ARP.EntryTTL < 0 || c.ARP.RetryInterval < 0 || c.ARP.SweepInterval < 0 {
		return errors.New("arp: durations must be non-negative")
	}
	// Retries are only sent when the cache is swept.
	if sweep, retry := c.SweepInterval(), c.retryInterval(); sweep > retry {
		return errors.Errorf("arp: sweep_interval %v exceeds retry_interval %v", sweep, retry)
	}
	if c.ICMP.Burst < 0 {
		return errors.New("icmp: burst must be non-negative")
	}
	if c.RIP.UpdateInterval < 0 || c.RIP.Timeout < 0 || c.RIP.GarbageCollect < 0 {
		return errors.New("rip: durations must be non-negative")
	}
	return nil
}

func parseIPv4(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, "invalid IP address %q", s)
	}
	if !a.Is4() {
		return netip.Addr{}, errors.Errorf("%s is not an IPv4 address", a)
	}
	return a, nil
}

func parseEndpoint(l LinkConfig) (link.Endpoint, error) {
	listen, err := netip.ParseAddrPort(l.Listen)
	if err != nil {
		return link.Endpoint{}, errors.Wrapf(err, "listen %q", l.Listen)
	}
	peer, err := netip.ParseAddrPort(l.Peer)
	if err != nil {
		return link.Endpoint{}, errors.Wrapf(err, "peer %q", l.Peer)
	}
	return link.Endpoint{Listen: listen, Peer: peer}, nil
}

// Name returns the router's name, defaulting to "srouter".
func (c *Config) Name() string {
	if c.Router.Name == "" {
		return "srouter"
	}
	return c.Router.Name
}

// Directory builds the interface directory.
func (c *Config) Directory() (*netif.Directory, error) {
	ifaces := make([]netif.Interface, 0, len(c.Interfaces))
	for _, ic := range c.Interfaces {
		mac, err := wire.ParseMAC(ic.MAC)
		if err != nil {
			return nil, errors.Wrapf(err, "interface %s", ic.Name)
		}
		ip, err := parseIPv4(ic.IP)
		if err != nil {
			return nil, errors.Wrapf(err, "interface %s", ic.Name)
		}
		ifaces = append(ifaces, netif.Interface{Name: ic.Name, MAC: mac, IP: ip, PrefixLen: ic.Mask})
	}
	return netif.NewDirectory(ifaces)
}

// StaticRoutes returns the configured routes.
func (c *Config) StaticRoutes() ([]route.Entry, error) {
	out := make([]route.Entry, 0, len(c.Routes))
	for i, rc := range c.Routes {
		dest, err := parseIPv4(rc.Dest)
		if err != nil {
			return nil, errors.Wrapf(err, "route %d", i)
		}
		e := route.Entry{
			Prefix:        netip.PrefixFrom(dest, rc.Mask).Masked(),
			Interface:     rc.Interface,
			Source:        route.Static,
			AdminDistance: rc.Distance,
			Metric:        rc.Metric,
		}
		if rc.Gateway != "" {
			if e.NextHop, err = parseIPv4(rc.Gateway); err != nil {
				return nil, errors.Wrapf(err, "route %d gateway", i)
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// RouteTable builds the initial table: a connected route for every interface
// followed by the static routes.
func (c *Config) RouteTable(dir *netif.Directory) (*route.Table, error) {
	static, err := c.StaticRoutes()
	if err != nil {
		return nil, err
	}
	t := route.NewTable()
	err = t.Update(func(tx *route.Tx) error {
		for _, intf := range dir.All() {
			if err := tx.Add(route.Entry{Prefix: intf.Prefix(), Interface: intf.Name, Source: route.Connected}); err != nil {
				return err
			}
		}
		for _, e := range static {
			if err := tx.Add(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "building routing table")
	}
	return t, nil
}

// Endpoints returns the UDP wire of every interface.
func (c *Config) Endpoints() (map[string]link.Endpoint, error) {
	out := make(map[string]link.Endpoint, len(c.Interfaces))
	for _, ic := range c.Interfaces {
		ep, err := parseEndpoint(ic.Link)
		if err != nil {
			return nil, errors.Wrapf(err, "interface %s link", ic.Name)
		}
		out[ic.Name] = ep
	}
	return out, nil
}

// RouterConfig returns the data-plane tunables.
func (c *Config) RouterConfig() router.Config {
	return router.Config{
		ARP: arpcache.Config{
			EntryTTL:      time.Duration(c.ARP.EntryTTL),
			RetryInterval: time.Duration(c.ARP.RetryInterval),
			MaxRetries:    c.ARP.MaxRetries,
			MaxQueued:     c.ARP.MaxQueued,
		},
		ICMPRateLimit: c.ICMP.RateLimit,
		ICMPBurst:     c.ICMP.Burst,
	}
}

// SweepInterval is how often the resolution cache is swept.
func (c *Config) SweepInterval() time.Duration {
	if c.ARP.SweepInterval <= 0 {
		return arpcache.DefaultSweepInterval
	}
	return time.Duration(c.ARP.SweepInterval)
}

func (c *Config) retryInterval() time.Duration {
	if c.ARP.RetryInterval <= 0 {
		return arpcache.DefaultRetryInterval
	}
	return time.Duration(c.ARP.RetryInterval)
}

// RIPConfig returns the RIP timers.
func (c *Config) RIPConfig() rip.Config {
	return rip.Config{
		UpdateInterval: time.Duration(c.RIP.UpdateInterval),
		Timeout:        time.Duration(c.RIP.Timeout),
		GarbageCollect: time.Duration(c.RIP.GarbageCollect),
	}
}

// String summarises the configuration for logging.
func (c *Config) String() string {
	return fmt.Sprintf("%s: %d interface(s), %d static route(s), rip=%t",
		c.Name(), len(c.Interfaces), len(c.Routes), c.RIP.Enabled)
}
