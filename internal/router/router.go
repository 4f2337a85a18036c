// Package router is the data plane: it classifies received frames, answers
// and learns from ARP, forwards IPv4 by longest-prefix match and reports
// forwarding failures with ICMP.
package router

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"go-srouter/internal/arpcache"
	"go-srouter/internal/link"
	"go-srouter/internal/logging"
	"go-srouter/internal/netif"
	"go-srouter/internal/pktdump"
	"go-srouter/internal/route"
)

var log = logging.With("router")

// Defaults for the ICMP error limiter.
const (
	DefaultICMPRateLimit = 1000
	DefaultICMPBurst     = 100
)

// Config holds the tunables of a Router.
type Config struct {
	ARP arpcache.Config
	// ICMPRateLimit is the sustained number of ICMP errors per second.
	// Negative disables limiting.
	ICMPRateLimit float64
	ICMPBurst     int
}

// Option configures a Router.
type Option func(*Router)

// WithRegisterer registers the router's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Router) { r.reg = reg }
}

// WithCacheOptions passes options through to the resolution cache.
func WithCacheOptions(opts ...arpcache.Option) Option {
	return func(r *Router) { r.cacheOpts = append(r.cacheOpts, opts...) }
}

// Router ties the interface directory, routing table and resolution cache to
// a link. All methods are safe for concurrent use.
type Router struct {
	ifaces *netif.Directory
	routes *route.Table
	sender link.Sender
	cache  *arpcache.Cache

	icmpLimiter *rate.Limiter
	metrics     *Metrics
	reg         prometheus.Registerer
	cacheOpts   []arpcache.Option

	ipID atomic.Uint32

	udpMu       sync.RWMutex
	udpHandlers map[uint16]UDPHandler
}

// New returns a router that sends through sender.
func New(ifaces *netif.Directory, routes *route.Table, sender link.Sender, cfg Config, opts ...Option) *Router {
	r := &Router{
		ifaces:      ifaces,
		routes:      routes,
		sender:      sender,
		udpHandlers: make(map[uint16]UDPHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics = NewMetrics(r.reg)

	limit, burst := rate.Limit(cfg.ICMPRateLimit), cfg.ICMPBurst
	switch {
	case cfg.ICMPRateLimit < 0:
		limit = rate.Inf
	case cfg.ICMPRateLimit == 0:
		limit = DefaultICMPRateLimit
	}
	if burst <= 0 {
		burst = DefaultICMPBurst
	}
	r.icmpLimiter = rate.NewLimiter(limit, burst)

	r.cache = arpcache.New(cfg.ARP, arpcache.Hooks{
		SendRequest: r.sendARPRequest,
		Resolved:    r.releaseQueued,
		Failed:      r.resolutionFailed,
	}, r.cacheOpts...)
	return r
}

// Cache returns the router's resolution cache.
func (r *Router) Cache() *arpcache.Cache { return r.cache }

// Routes returns the routing table the router forwards with.
func (r *Router) Routes() *route.Table { return r.routes }

// Interfaces returns the router's interface directory.
func (r *Router) Interfaces() *netif.Directory { return r.ifaces }

// Metrics returns the router's collectors.
func (r *Router) Metrics() *Metrics { return r.metrics }

// Run drives the resolution cache until ctx is done.
func (r *Router) Run(ctx context.Context, sweepInterval time.Duration) error {
	return r.cache.Run(ctx, sweepInterval)
}

// transmit hands frame to the link. Link errors are logged and counted,
// never returned to the caller.
func (r *Router) transmit(frame []byte, iface string) {
	if logging.DebugEnabled() {
		log.Debugf("%s: sending %s", iface, pktdump.Brief(frame))
	}
	if err := r.sender.Transmit(frame, iface); err != nil {
		log.WithField("interface", iface).Warnf("Transmit failed: %v", err)
		r.drop(dropTransmit)
		return
	}
	r.metrics.FramesSent.WithLabelValues(iface).Inc()
}

func (r *Router) drop(reason string) {
	r.metrics.Dropped.WithLabelValues(reason).Inc()
}

func (r *Router) nextIPID() uint16 {
	return uint16(r.ipID.Add(1))
}

// isLimitedBroadcast reports whether a is 255.255.255.255.
func isLimitedBroadcast(a netip.Addr) bool {
	return a == netip.AddrFrom4([4]byte{255, 255, 255, 255})
}
