// rime-plugin-wireguard owns the wireguard interface type. It creates and
// deletes wg links with netlink, configures keys and peers through wgctrl,
// and reports live device state (public key, listen port, peer endpoints)
// back into unified snapshots.
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

	logging.SetPrefix("RIME-WIREGUARD")
	logger := logging.New(logging.DefaultConfig()).WithComponent("wireguard")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := newHandler(logger)
	if err != nil {
		logger.Error("Startup failed", "error", err)
		os.Exit(1)
	}
	defer h.shutdown()

	cfg := plugin.ServeConfig{
		Name:         "wireguard",
		Version:      brand.Version,
		Capabilities: []string{"wireguard"},
	}
	if err := plugin.Serve(ctx, os.Args[1], cfg, h); err != nil {
		logger.Error("Session ended", "error", err)
		os.Exit(1)
	}
}
