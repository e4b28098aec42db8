// rime-plugin-dns manages resolver configuration. It claims property
// authority over "nameservers" and "search" on the link types that carry
// addresses, probes each configured resolver before trusting it, and keeps
// /etc/resolv.conf in sync with the union of per-interface settings.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/rime/internal/brand"
	"grimm.is/rime/internal/logging"
	"grimm.is/rime/internal/plugin"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <session-socket>\n", os.Args[0])
		os.Exit(2)
	}

	logging.SetPrefix("RIME-DNS")
	logger := logging.New(logging.DefaultConfig()).WithComponent("dns")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := newHandler(logger, "/etc/resolv.conf")

	cfg := plugin.ServeConfig{
		Name:    "dns",
		Version: brand.Version,
		Properties: map[string][]string{
			"ethernet": {"nameservers", "search"},
			"bridge":   {"nameservers", "search"},
			"bond":     {"nameservers", "search"},
			"vlan":     {"nameservers", "search"},
		},
	}
	if err := plugin.Serve(ctx, os.Args[1], cfg, h); err != nil {
		logger.Error("Session ended", "error", err)
		os.Exit(1)
	}
}
