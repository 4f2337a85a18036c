// Package rip maintains RIP routes in the router's table. It learns routes
// from neighbours' responses, advertises the table out of every interface,
// and ages out routes that stop being refreshed.
package rip

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go-srouter/internal/logging"
	"go-srouter/internal/netif"
	"go-srouter/internal/route"
)

var log = logging.With("rip")

// Timer defaults.
const (
	DefaultUpdateInterval = 30 * time.Second
	DefaultTimeout        = 180 * time.Second
	DefaultGarbageCollect = 120 * time.Second

	expiryCheckInterval = 5 * time.Second
)

// Config holds the protocol timers. Zero fields take the defaults.
type Config struct {
	UpdateInterval time.Duration
	Timeout        time.Duration // silence before a route is withdrawn
	GarbageCollect time.Duration // how long a withdrawn route is still advertised
}

func (c Config) withDefaults() Config {
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = DefaultUpdateInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.GarbageCollect <= 0 {
		c.GarbageCollect = DefaultGarbageCollect
	}
	return c
}

// Transport sends RIP messages. The router's BroadcastUDP satisfies it.
type Transport interface {
	BroadcastUDP(iface string, srcPort, dstPort uint16, payload []byte) error
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Daemon) { d.now = now }
}

// learned is the protocol state of one route learned from a neighbour.
type learned struct {
	prefix    netip.Prefix
	nextHop   netip.Addr
	iface     string
	metric    uint32
	updated   time.Time
	expired   bool
	expiredAt time.Time
}

// Daemon is a RIPv2 speaker.
type Daemon struct {
	cfg    Config
	table  *route.Table
	ifaces *netif.Directory
	tr     Transport
	now    func() time.Time

	// mu is always taken before the table lock, never while holding it.
	mu     sync.Mutex
	routes map[netip.Prefix]*learned
}

// New returns a daemon maintaining table.
func New(cfg Config, table *route.Table, ifaces *netif.Directory, tr Transport, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:    cfg.withDefaults(),
		table:  table,
		ifaces: ifaces,
		tr:     tr,
		now:    time.Now,
		routes: make(map[netip.Prefix]*learned),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run solicits the neighbours' tables, then advertises and ages routes until
// ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	log.Infof("Starting RIP (update: %v, timeout: %v, gc: %v)",
		d.cfg.UpdateInterval, d.cfg.Timeout, d.cfg.GarbageCollect)

	d.Solicit()
	d.Advertise()

	update := time.NewTicker(d.cfg.UpdateInterval)
	defer update.Stop()
	expiry := time.NewTicker(min(expiryCheckInterval, d.cfg.Timeout))
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("Stopping RIP")
			return nil
		case <-update.C:
			d.Advertise()
		case <-expiry.C:
			d.Expire(d.now())
		}
	}
}

// Receive processes a message that arrived on iface from src.
func (d *Daemon) Receive(src netip.Addr, srcPort uint16, iface string, payload []byte) {
	if d.ifaces.IsLocal(src) {
		return
	}
	pkt, err := Parse(payload)
	if err != nil {
		log.Debugf("%s: dropping message from %s: %v", iface, src, err)
		return
	}

	switch pkt.Command {
	case CommandRequest:
		log.Debugf("%s: request from %s", iface, src)
		d.answer(iface, pkt)
	case CommandResponse:
		if srcPort != Port {
			log.Debugf("%s: response from %s:%d ignored, not from port %d", iface, src, srcPort, Port)
			return
		}
		in, ok := d.ifaces.MatchingSubnet(src)
		if !ok || in.Name != iface {
			log.Debugf("%s: response from off-link %s ignored", iface, src)
			return
		}
		log.Debugf("%s: response from %s (%d entries)", iface, src, len(pkt.Entries))
		if err := d.learn(src, in, pkt.Entries); err != nil {
			log.Warnf("Applying response from %s: %v", src, err)
		}
	}
}

// learn applies a response's entries to the table in one write scope.
func (d *Daemon) learn(src netip.Addr, in *netif.Interface, entries []Entry) error {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table.Update(func(tx *route.Tx) error {
		for _, e := range entries {
			if e.Family != FamilyInet || e.Metric < 1 || e.Metric > Infinity {
				continue
			}
			if d.isConnected(e.Prefix) {
				continue
			}
			nextHop := src
			if e.NextHop.IsValid() && !e.NextHop.IsUnspecified() && in.Prefix().Contains(e.NextHop) {
				nextHop = e.NextHop
			}
			metric := min(e.Metric+1, Infinity)
			if err := tx.Update(func(tx *route.Tx) error {
				return d.apply(tx, e.Prefix, nextHop, in.Name, metric, now)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// apply runs the distance-vector update for one destination.
func (d *Daemon) apply(tx *route.Tx, prefix netip.Prefix, nextHop netip.Addr, iface string, metric uint32, now time.Time) error {
	cur, ok := d.routes[prefix]
	switch {
	case !ok || cur.expired:
		if metric >= Infinity {
			return nil
		}
		log.Infof("Installing %s via %s (metric %d)", prefix, nextHop, metric)
		d.routes[prefix] = &learned{prefix: prefix, nextHop: nextHop, iface: iface, metric: metric, updated: now}
		return d.install(tx, d.routes[prefix])

	case cur.nextHop == nextHop:
		cur.updated = now
		if metric >= Infinity {
			log.Infof("Withdrawing %s, poisoned by %s", prefix, nextHop)
			d.withdraw(tx, cur, now)
			return nil
		}
		if metric == cur.metric && cur.iface == iface {
			return nil
		}
		cur.metric, cur.iface = metric, iface
		return d.install(tx, cur)

	case metric < cur.metric:
		log.Infof("Switching %s to %s (metric %d, was %d via %s)", prefix, nextHop, metric, cur.metric, cur.nextHop)
		cur.nextHop, cur.iface, cur.metric, cur.updated = nextHop, iface, metric, now
		return d.install(tx, cur)
	}
	return nil
}

func (d *Daemon) install(tx *route.Tx, l *learned) error {
	err := tx.Add(route.Entry{
		Prefix:    l.prefix,
		NextHop:   l.nextHop,
		Interface: l.iface,
		Source:    route.RIP,
		Metric:    l.metric,
	})
	return errors.Wrapf(err, "install %s", l.prefix)
}

// withdraw removes l from the table and keeps advertising it as unreachable
// until garbage collection.
func (d *Daemon) withdraw(tx *route.Tx, l *learned, now time.Time) {
	if err := tx.Delete(l.prefix, route.RIP); err != nil && !errors.Is(err, route.ErrNotFound) {
		log.Warnf("Withdrawing %s: %v", l.prefix, err)
	}
	l.expired = true
	l.expiredAt = now
	l.metric = Infinity
}

func (d *Daemon) isConnected(p netip.Prefix) bool {
	for _, intf := range d.ifaces.All() {
		if intf.Prefix() == p {
			return true
		}
	}
	return false
}

// Expire withdraws routes not refreshed within the timeout and forgets
// withdrawn routes once garbage collection has run out.
func (d *Daemon) Expire(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_ = d.table.Update(func(tx *route.Tx) error {
		for p, l := range d.routes {
			switch {
			case !l.expired && now.Sub(l.updated) > d.cfg.Timeout:
				log.Infof("Route %s via %s timed out", p, l.nextHop)
				d.withdraw(tx, l, now)
			case l.expired && now.Sub(l.expiredAt) > d.cfg.GarbageCollect:
				log.Debugf("Forgetting %s", p)
				delete(d.routes, p)
			}
		}
		return nil
	})
}

// advertised returns the entries this router advertises: the best route for each
// installed prefix plus withdrawn routes at Infinity, ordered by prefix.
func (d *Daemon) advertised() []Entry {
	best := make(map[netip.Prefix]route.Entry)
	for _, r := range d.table.Routes() {
		if cur, ok := best[r.Prefix]; !ok || r.AdminDistance < cur.AdminDistance {
			best[r.Prefix] = r
		}
	}

	out := make([]Entry, 0, len(best))
	for p, r := range best {
		out = append(out, Entry{
			Family:  FamilyInet,
			Prefix:  p,
			NextHop: netip.IPv4Unspecified(),
			Metric:  advertisedMetric(r),
		})
	}

	d.mu.Lock()
	for p, l := range d.routes {
		if _, ok := best[p]; l.expired && !ok {
			out = append(out, Entry{Family: FamilyInet, Prefix: p, NextHop: netip.IPv4Unspecified(), Metric: Infinity})
		}
	}
	d.mu.Unlock()

	slices.SortFunc(out, func(a, b Entry) int { return comparePrefix(a.Prefix, b.Prefix) })
	return out
}

func advertisedMetric(r route.Entry) uint32 {
	switch r.Source {
	case route.Connected:
		return 1
	case route.RIP:
		return min(max(r.Metric, 1), Infinity)
	default:
		return 2
	}
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}

// Advertise sends the table as responses out of every interface.
func (d *Daemon) Advertise() {
	entries := d.advertised()
	if len(entries) == 0 {
		log.Debugf("No routes to advertise")
		return
	}
	for _, intf := range d.ifaces.All() {
		d.send(intf.Name, CommandResponse, entries)
	}
}

// Solicit asks every neighbour for its table.
func (d *Daemon) Solicit() {
	payload := NewTableRequest().Marshal()
	for _, intf := range d.ifaces.All() {
		if err := d.tr.BroadcastUDP(intf.Name, Port, Port, payload); err != nil {
			log.Warnf("%s: sending request: %v", intf.Name, err)
		}
	}
}

// answer responds to a request on the interface it came in on: with the
// whole table, or with this router's metric for each entry asked about.
func (d *Daemon) answer(iface string, req *Packet) {
	if req.IsTableRequest() {
		d.send(iface, CommandResponse, d.advertised())
		return
	}

	have := make(map[netip.Prefix]uint32)
	for _, e := range d.advertised() {
		have[e.Prefix] = e.Metric
	}
	out := make([]Entry, 0, len(req.Entries))
	for _, e := range req.Entries {
		m, ok := have[e.Prefix]
		if !ok {
			m = Infinity
		}
		e.Metric = m
		out = append(out, e)
	}
	d.send(iface, CommandResponse, out)
}

// send transmits entries in as many messages as MaxEntries requires.
func (d *Daemon) send(iface string, cmd uint8, entries []Entry) {
	for chunk := range slices.Chunk(entries, MaxEntries) {
		pkt := &Packet{Command: cmd, Version: Version, Entries: chunk}
		if err := d.tr.BroadcastUDP(iface, Port, Port, pkt.Marshal()); err != nil {
			log.Warnf("%s: sending response: %v", iface, err)
			return
		}
	}
	log.Debugf("%s: advertised %d entries", iface, len(entries))
}

// Route is a snapshot of one learned route.
type Route struct {
	Prefix    netip.Prefix
	NextHop   netip.Addr
	Interface string
	Metric    uint32
	Age       time.Duration
	Expired   bool
}

// Routes returns the learned routes ordered by prefix.
func (d *Daemon) Routes() []Route {
	now := d.now()
	d.mu.Lock()
	out := make([]Route, 0, len(d.routes))
	for _, l := range d.routes {
		out = append(out, Route{
			Prefix:    l.prefix,
			NextHop:   l.nextHop,
			Interface: l.iface,
			Metric:    l.metric,
			Age:       now.Sub(l.updated),
			Expired:   l.expired,
		})
	}
	d.mu.Unlock()

	slices.SortFunc(out, func(a, b Route) int { return comparePrefix(a.Prefix, b.Prefix) })
	return out
}

// Dump prints the learned routes.
func (d *Daemon) Dump(w io.Writer) {
	routes := d.Routes()

	fmt.Fprintf(w, "RIP timers: update %v, timeout %v, gc %v\n",
		d.cfg.UpdateInterval, d.cfg.Timeout, d.cfg.GarbageCollect)
	fmt.Fprintf(w, "%-20s %-16s %-10s %-8s %-10s\n",
		"Network", "Next Hop", "Interface", "Metric", "Age")
	if len(routes) == 0 {
		fmt.Fprintf(w, "(none)\n")
		return
	}
	for _, r := range routes {
		status := ""
		if r.Expired {
			status = " (expired)"
		}
		fmt.Fprintf(w, "%-20s %-16s %-10s %-8d %-10s%s\n",
			r.Prefix, r.NextHop, r.Interface, r.Metric, formatAge(r.Age), status)
	}
}

func formatAge(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}
