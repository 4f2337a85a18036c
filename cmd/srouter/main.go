package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"go-srouter/internal/config"
	"go-srouter/internal/link"
	"go-srouter/internal/logging"
)

var version = "dev"

var (
	configFile  string
	interactive bool
	logLevel    string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:          "srouter",
	Short:        "A user-space IPv4 router",
	SilenceUsage: true,
	// Logs go to stderr so tables and the shell own stdout.
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.SetOutput(cmd.ErrOrStderr())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the router",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if cmd.Flags().Changed("log-level") {
			level = logLevel
		}
		lvl, err := logging.ParseLevel(level)
		if err != nil {
			return err
		}
		logging.SetLevel(lvl)

		addr := cfg.MetricsAddr
		if cmd.Flags().Changed("metrics-addr") {
			addr = metricsAddr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, addr)
	},
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the routing table a configuration produces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		dir, err := cfg.Directory()
		if err != nil {
			return err
		}
		tbl, err := cfg.RouteTable(dir)
		if err != nil {
			return err
		}
		tbl.Dump(cmd.OutOrStdout())
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "srouter %s\n", version)
	},
}

func run(ctx context.Context, cfg *config.Config, metricsAddr string) error {
	endpoints, err := cfg.Endpoints()
	if err != nil {
		return err
	}
	w, err := link.OpenUDP(endpoints)
	if err != nil {
		return err
	}
	defer w.Close()

	a, err := newApp(cfg, w)
	if err != nil {
		return err
	}
	a.wire = w
	log.Infof("Router %s up", cfg)

	if !interactive {
		err := a.serve(ctx, w, metricsAddr)
		log.Infof("Router %s down", cfg.Name())
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() { errc <- a.serve(ctx, w, metricsAddr) }()
	startInteractiveShell(ctx, a)
	cancel()
	return <-errc
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, routesCmd} {
		cmd.Flags().StringVarP(&configFile, "config", "c", "", "router configuration file")
		_ = cmd.MarkFlagRequired("config")
	}
	runCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "start the interactive shell")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(runCmd, routesCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
