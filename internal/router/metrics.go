package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons, used as the "reason" label of srouter_dropped_total.
const (
	dropUnknownInterface = "unknown_interface"
	dropRunt             = "runt"
	dropEtherType        = "unsupported_ethertype"
	dropMalformedARP     = "malformed_arp"
	dropARPAddrLen       = "unsupported_arp_lengths"
	dropMalformedIPv4    = "malformed_ipv4"
	dropTTLExceeded      = "ttl_exceeded"
	dropNoRoute          = "no_route"
	dropRouteInterface   = "route_interface_missing"
	dropResolution       = "resolution_failed"
	dropLocal            = "local_unhandled"
	dropICMPRateLimit    = "icmp_rate_limited"
	dropTransmit         = "transmit_error"
)

// Metrics are the router's Prometheus collectors.
type Metrics struct {
	FramesReceived *prometheus.CounterVec // interface, ethertype
	FramesSent     *prometheus.CounterVec // interface
	Forwarded      prometheus.Counter
	Delivered      *prometheus.CounterVec // protocol
	Dropped        *prometheus.CounterVec // reason
	ICMPSent       *prometheus.CounterVec // type, code
	ARPSent        *prometheus.CounterVec // op
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "srouter_frames_received_total",
			Help: "Total number of Ethernet frames received.",
		}, []string{"interface", "ethertype"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "srouter_frames_sent_total",
			Help: "Total number of Ethernet frames handed to the link.",
		}, []string{"interface"}),
		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "srouter_forwarded_total",
			Help: "Total number of IPv4 datagrams forwarded.",
		}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "srouter_delivered_total",
			Help: "Total number of IPv4 datagrams addressed to the router.",
		}, []string{"protocol"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "srouter_dropped_total",
			Help: "Total number of frames or datagrams dropped.",
		}, []string{"reason"}),
		ICMPSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "srouter_icmp_sent_total",
			Help: "Total number of ICMP messages originated.",
		}, []string{"type", "code"}),
		ARPSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "srouter_arp_sent_total",
			Help: "Total number of ARP messages originated.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.FramesReceived, m.FramesSent, m.Forwarded, m.Delivered,
			m.Dropped, m.ICMPSent, m.ARPSent)
	}
	return m
}
