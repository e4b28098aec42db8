// rime-plugin-dhcp acquires DHCPv4 leases for interfaces whose desired
// state sets the dhcp property. It owns no interface type; it claims
// property authority over "dhcp" on the link types that can carry it.
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

	logging.SetPrefix("RIME-DHCP")
	logger := logging.New(logging.DefaultConfig()).WithComponent("dhcp")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := newHandler(logger)
	defer h.shutdown()

	cfg := plugin.ServeConfig{
		Name:    "dhcp",
		Version: brand.Version,
		Properties: map[string][]string{
			"ethernet": {"dhcp"},
			"bridge":   {"dhcp"},
			"bond":     {"dhcp"},
			"vlan":     {"dhcp"},
		},
	}
	if err := plugin.Serve(ctx, os.Args[1], cfg, h); err != nil {
		logger.Error("Session ended", "error", err)
		os.Exit(1)
	}
}
