// Package arpcache maps next-hop IPv4 addresses to hardware addresses and
// holds datagrams waiting for a mapping.
//
// A Cache never transmits anything itself. Whenever a request has to go out,
// queued frames become deliverable, or resolution gives up, it calls one of
// its Hooks. Hooks always run after the cache lock is released, so they may
// call back into the cache.
package arpcache

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"slices"
	"sync"
	"time"

	"go-srouter/internal/logging"
	"go-srouter/internal/wire"
)

var log = logging.With("arp")

// Defaults used when a Config field is left zero.
const (
	DefaultEntryTTL      = 15 * time.Second
	DefaultRetryInterval = time.Second
	DefaultMaxRetries    = 5
	DefaultSweepInterval = time.Second
	DefaultMaxQueued     = 256
)

// Config tunes expiry and retransmission.
type Config struct {
	EntryTTL      time.Duration // how long a learned mapping stays valid
	RetryInterval time.Duration // gap between requests; Run's sweep interval must not exceed it
	MaxRetries    int           // requests sent before giving up
	MaxQueued     int           // frames held per pending address; oldest fail beyond
}

func (c Config) withDefaults() Config {
	if c.EntryTTL <= 0 {
		c.EntryTTL = DefaultEntryTTL
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxQueued <= 0 {
		c.MaxQueued = DefaultMaxQueued
	}
	return c
}

// Entry is a learned mapping.
type Entry struct {
	IP    netip.Addr
	MAC   wire.MAC
	Added time.Time
}

// Queued is a complete Ethernet frame waiting for its destination hardware
// address, together with the interface it will leave on.
type Queued struct {
	Frame     []byte
	Interface string
}

// Request is an outstanding resolution.
type Request struct {
	IP        netip.Addr
	Interface string // where requests are broadcast
	Queued    []Queued
	TimesSent int
	LastSent  time.Time
}

// Hooks connect the cache to the rest of the router.
type Hooks struct {
	// SendRequest broadcasts an ARP request for ip on iface.
	SendRequest func(ip netip.Addr, iface string)
	// Resolved delivers frames whose next hop is now known to be mac.
	Resolved func(ip netip.Addr, mac wire.MAC, frames []Queued)
	// Failed hands back frames that will never be sent: those of a request
	// that ran out of retries and those pushed out of a full queue.
	Failed func(ip netip.Addr, frames []Queued)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now as the cache's notion of the current time.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is the ARP resolution cache.
type Cache struct {
	cfg   Config
	hooks Hooks
	now   func() time.Time

	mu       sync.Mutex
	entries  map[netip.Addr]*Entry
	requests map[netip.Addr]*Request
}

// New returns an empty cache.
func New(cfg Config, hooks Hooks, opts ...Option) *Cache {
	c := &Cache{
		cfg:      cfg.withDefaults(),
		hooks:    hooks,
		now:      time.Now,
		entries:  make(map[netip.Addr]*Entry),
		requests: make(map[netip.Addr]*Request),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Cache) Config() Config {
	return c.cfg
}

func (c *Cache) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.Added) >= c.cfg.EntryTTL
}

// Lookup returns the hardware address for ip if a valid mapping exists.
func (c *Cache) Lookup(ip netip.Addr) (wire.MAC, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ip]
	if !ok || c.expired(e, c.now()) {
		return wire.MAC{}, false
	}
	return e.MAC, true
}

// Insert learns or refreshes ip -> mac. Frames waiting on ip are handed to
// the Resolved hook.
func (c *Cache) Insert(ip netip.Addr, mac wire.MAC) {
	c.mu.Lock()
	c.entries[ip] = &Entry{IP: ip, MAC: mac, Added: c.now()}
	req, pending := c.requests[ip]
	if pending {
		delete(c.requests, ip)
	}
	c.mu.Unlock()

	if !pending {
		return
	}
	log.Debugf("Resolved %s -> %s, releasing %d queued frame(s)", ip, mac, len(req.Queued))
	if c.hooks.Resolved != nil {
		c.hooks.Resolved(ip, mac, req.Queued)
	}
}

// Enqueue holds frame until ip is resolved. The first frame for an address
// creates the request and triggers one ARP request straight away. If ip was
// resolved in the meantime the frame is released at once. A full queue hands
// its oldest frame to the Failed hook. The cache keeps its own copy of frame.
func (c *Cache) Enqueue(ip netip.Addr, frame []byte, iface string) {
	q := Queued{Frame: slices.Clone(frame), Interface: iface}
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[ip]; ok && !c.expired(e, now) {
		mac := e.MAC
		c.mu.Unlock()
		if c.hooks.Resolved != nil {
			c.hooks.Resolved(ip, mac, []Queued{q})
		}
		return
	}

	req, ok := c.requests[ip]
	created := !ok
	if created {
		req = &Request{IP: ip, Interface: iface, TimesSent: 1, LastSent: now}
		c.requests[ip] = req
	}
	var evicted []Queued
	if n := len(req.Queued) - c.cfg.MaxQueued + 1; n > 0 {
		evicted = slices.Clone(req.Queued[:n])
		req.Queued = slices.Delete(req.Queued, 0, n)
	}
	req.Queued = append(req.Queued, q)
	c.mu.Unlock()

	if len(evicted) > 0 {
		log.Warnf("Queue for %s full, failing %d oldest frame(s)", ip, len(evicted))
		if c.hooks.Failed != nil {
			c.hooks.Failed(ip, evicted)
		}
	}
	if created {
		log.Debugf("Resolving %s on %s", ip, iface)
		if c.hooks.SendRequest != nil {
			c.hooks.SendRequest(ip, iface)
		}
	}
}

// Sweep evicts expired mappings and drives retransmission. A request whose
// last transmission is at least RetryInterval old is either sent again or,
// once MaxRetries requests have gone out, removed with its frames handed to
// the Failed hook.
func (c *Cache) Sweep(now time.Time) {
	type resend struct {
		ip    netip.Addr
		iface string
	}
	var (
		retries []resend
		failed  []*Request
		evicted int
	)

	c.mu.Lock()
	for ip, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, ip)
			evicted++
		}
	}
	for ip, req := range c.requests {
		if now.Sub(req.LastSent) < c.cfg.RetryInterval {
			continue
		}
		if req.TimesSent >= c.cfg.MaxRetries {
			delete(c.requests, ip)
			failed = append(failed, req)
			continue
		}
		req.TimesSent++
		req.LastSent = now
		retries = append(retries, resend{ip: ip, iface: req.Interface})
	}
	c.mu.Unlock()

	if evicted > 0 {
		log.Debugf("Evicted %d expired entries", evicted)
	}
	for _, r := range retries {
		if c.hooks.SendRequest != nil {
			c.hooks.SendRequest(r.ip, r.iface)
		}
	}
	for _, req := range failed {
		log.Infof("No reply for %s after %d requests, dropping %d frame(s)",
			req.IP, req.TimesSent, len(req.Queued))
		if c.hooks.Failed != nil {
			c.hooks.Failed(req.IP, req.Queued)
		}
	}
}

// Run sweeps every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Infof("Starting sweep (interval: %v, ttl: %v)", interval, c.cfg.EntryTTL)
	for {
		select {
		case <-ctx.Done():
			log.Infof("Stopping sweep")
			return nil
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}

// RequestInfo describes an outstanding request without exposing its frames.
type RequestInfo struct {
	IP        netip.Addr
	Interface string
	Queued    int
	TimesSent int
	LastSent  time.Time
}

// Entries returns the valid mappings ordered by address.
func (c *Cache) Entries() []Entry {
	now := c.now()
	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if !c.expired(e, now) {
			out = append(out, *e)
		}
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b Entry) int { return a.IP.Compare(b.IP) })
	return out
}

// Requests returns the outstanding requests ordered by address.
func (c *Cache) Requests() []RequestInfo {
	c.mu.Lock()
	out := make([]RequestInfo, 0, len(c.requests))
	for _, r := range c.requests {
		out = append(out, RequestInfo{
			IP:        r.IP,
			Interface: r.Interface,
			Queued:    len(r.Queued),
			TimesSent: r.TimesSent,
			LastSent:  r.LastSent,
		})
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b RequestInfo) int { return a.IP.Compare(b.IP) })
	return out
}

// Dump writes the cache contents in tabular form.
func (c *Cache) Dump(w io.Writer) {
	now := c.now()
	entries := c.Entries()
	requests := c.Requests()

	fmt.Fprintf(w, "%-15s %-17s %-10s %s\n", "IP Address", "MAC Address", "Status", "Age")
	for _, e := range entries {
		fmt.Fprintf(w, "%-15s %-17s %-10s %v\n", e.IP, e.MAC, "Valid", now.Sub(e.Added).Truncate(time.Millisecond))
	}
	for _, r := range requests {
		status := fmt.Sprintf("Pending %d/%d", r.TimesSent, c.cfg.MaxRetries)
		fmt.Fprintf(w, "%-15s %-17s %-10s queued=%d on %s\n", r.IP, "-", status, r.Queued, r.Interface)
	}
	if len(entries)+len(requests) == 0 {
		fmt.Fprintf(w, "(empty)\n")
	}
	fmt.Fprintf(w, "Total entries: %d, pending: %d\n", len(entries), len(requests))
}
