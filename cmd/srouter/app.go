package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"go-srouter/internal/config"
	"go-srouter/internal/link"
	"go-srouter/internal/logging"
	"go-srouter/internal/netif"
	"go-srouter/internal/rip"
	"go-srouter/internal/route"
	"go-srouter/internal/router"
)

var log = logging.With("main")

// app is one running router instance.
type app struct {
	cfg    *config.Config
	ifaces *netif.Directory
	routes *route.Table
	router *router.Router
	rip    *rip.Daemon // nil unless enabled
	reg    *prometheus.Registry
	wire   *link.UDPWire // nil when frames go elsewhere
}

// newApp builds the router described by cfg, sending through sender.
func newApp(cfg *config.Config, sender link.Sender) (*app, error) {
	dir, err := cfg.Directory()
	if err != nil {
		return nil, err
	}
	tbl, err := cfg.RouteTable(dir)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &app{
		cfg:    cfg,
		ifaces: dir,
		routes: tbl,
		router: router.New(dir, tbl, sender, cfg.RouterConfig(), router.WithRegisterer(reg)),
		reg:    reg,
	}
	if cfg.RIP.Enabled {
		a.rip = rip.New(cfg.RIPConfig(), tbl, dir, a.router)
		a.router.HandleUDP(rip.Port, func(d router.UDPDatagram) {
			a.rip.Receive(d.Src, d.SrcPort, d.Interface, d.Payload)
		})
	}
	return a, nil
}

// serve runs every background task until ctx is done or one of them fails.
func (a *app) serve(ctx context.Context, w *link.UDPWire, metricsAddr string) error {
	for _, intf := range a.ifaces.All() {
		if addr, err := w.LocalAddr(intf.Name); err == nil {
			log.Infof("%s bound to %s", intf.Name, addr)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Serve(ctx, a.router) })
	g.Go(func() error { return a.router.Run(ctx, a.cfg.SweepInterval()) })
	if a.rip != nil {
		g.Go(func() error { return a.rip.Run(ctx) })
	}
	if metricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, metricsAddr, a.reg) })
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Infof("Serving metrics on http://%s/metrics", addr)

	select {
	case err := <-errc:
		return errors.Wrapf(err, "metrics server on %s", addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
