package main

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"go-srouter/internal/route"
)

func startInteractiveShell(ctx context.Context, a *app) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyFile := filepath.Join(os.Getenv("HOME"), ".srouter_history")
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("Router %s ready\n", a.cfg.Name())
	fmt.Printf("Type 'help' for available commands or 'exit' to quit.\n\n")

	prompt := a.cfg.Name() + "> "
	for ctx.Err() == nil {
		input, err := line.Prompt(prompt)
		if err != nil {
			if err == liner.ErrPromptAborted {
				fmt.Println("\nUse 'exit' to quit")
				continue
			}
			break
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if executeCommand(a, os.Stdout, input) {
			fmt.Println("Goodbye!")
			break
		}
	}

	if f, err := os.Create(historyFile); err == nil {
		line.WriteHistory(f)
		f.Close()
	}
}

// executeCommand runs one shell line against a and reports whether the
// shell should exit.
func executeCommand(a *app, out io.Writer, input string) (exit bool) {
	args := strings.Fields(input)
	if len(args) == 0 {
		return false
	}
	if args[0] == "exit" || args[0] == "quit" {
		return true
	}

	cmd := &cobra.Command{Use: "srouter", SilenceUsage: true, SilenceErrors: true}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.AddCommand(showCommand(a), routeCommand(a), linkCommand(a))
	cmd.SetHelpCommand(&cobra.Command{
		Use:   "help",
		Short: "Help about any command",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(out, "Available commands:")
			fmt.Fprintln(out, "  show arp                                   - Show the ARP cache and pending requests")
			fmt.Fprintln(out, "  show routes                                - Show the routing table")
			fmt.Fprintln(out, "  show interfaces                            - Show interface configuration")
			fmt.Fprintln(out, "  show rip                                   - Show RIP learned routes")
			fmt.Fprintln(out, "  route add <prefix> <gateway|direct> <intf> - Add a static route")
			fmt.Fprintln(out, "  route del <prefix>                         - Delete a static route")
			fmt.Fprintln(out, "  link peer <intf> <host:port>               - Point an interface's wire at a new peer")
			fmt.Fprintln(out, "  help                                       - Show this help message")
			fmt.Fprintln(out, "  exit                                       - Exit the shell")
		},
	})

	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
	}
	return false
}

func showCommand(a *app) *cobra.Command {
	show := &cobra.Command{Use: "show", Short: "Show router state"}
	show.AddCommand(
		&cobra.Command{
			Use:   "arp",
			Short: "Show the ARP cache",
			Args:  cobra.NoArgs,
			Run:   func(cmd *cobra.Command, args []string) { a.router.Cache().Dump(cmd.OutOrStdout()) },
		},
		&cobra.Command{
			Use:   "routes",
			Short: "Show the routing table",
			Args:  cobra.NoArgs,
			Run:   func(cmd *cobra.Command, args []string) { a.routes.Dump(cmd.OutOrStdout()) },
		},
		&cobra.Command{
			Use:   "interfaces",
			Short: "Show interfaces",
			Args:  cobra.NoArgs,
			Run:   func(cmd *cobra.Command, args []string) { a.ifaces.Dump(cmd.OutOrStdout()) },
		},
		&cobra.Command{
			Use:   "rip",
			Short: "Show RIP state",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				if a.rip == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "RIP is disabled")
					return
				}
				a.rip.Dump(cmd.OutOrStdout())
			},
		},
	)
	return show
}

func routeCommand(a *app) *cobra.Command {
	rt := &cobra.Command{Use: "route", Short: "Manage static routes"}

	add := &cobra.Command{
		Use:   "add <prefix> <gateway|direct> <interface> [metric]",
		Short: "Add or replace a static route",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, err := netip.ParsePrefix(args[0])
			if err != nil {
				return errors.Wrapf(err, "invalid prefix %q", args[0])
			}
			e := route.Entry{Prefix: prefix, Interface: args[2], Source: route.Static}
			if args[1] != "direct" {
				if e.NextHop, err = netip.ParseAddr(args[1]); err != nil || !e.NextHop.Is4() {
					return errors.Errorf("invalid gateway %q", args[1])
				}
			}
			if _, ok := a.ifaces.ByName(e.Interface); !ok {
				return errors.Errorf("unknown interface %s", e.Interface)
			}
			if len(args) == 4 {
				m, err := strconv.ParseUint(args[3], 10, 32)
				if err != nil {
					return errors.Wrapf(err, "invalid metric %q", args[3])
				}
				e.Metric = uint32(m)
			}
			if err := a.routes.Add(e); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", e.Prefix.Masked())
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "del <prefix>",
		Short: "Delete a static route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, err := netip.ParsePrefix(args[0])
			if err != nil {
				return errors.Wrapf(err, "invalid prefix %q", args[0])
			}
			if err := a.routes.Delete(prefix, route.Static); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", prefix.Masked())
			return nil
		},
	}

	rt.AddCommand(add, del)
	return rt
}

func linkCommand(a *app) *cobra.Command {
	lk := &cobra.Command{Use: "link", Short: "Manage emulated wires"}
	lk.AddCommand(&cobra.Command{
		Use:   "peer <interface> <host:port>",
		Short: "Send an interface's frames to a new peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.wire == nil {
				return errors.New("no UDP wire attached")
			}
			peer, err := netip.ParseAddrPort(args[1])
			if err != nil {
				return errors.Wrapf(err, "invalid peer %q", args[1])
			}
			if err := a.wire.SetPeer(args[0], peer); err != nil {
				return err
			}
			local, err := a.wire.LocalAddr(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", args[0], local, peer)
			return nil
		},
	})
	return lk
}
