package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/rime/internal/config"
	"grimm.is/rime/internal/daemon"
)

// RunDaemon runs the daemon in the foreground until SIGINT or SIGTERM.
// start spawns this behind the scenes; operators and service managers that
// prefer foreground processes call it directly.
func RunDaemon(configFile string) error {
	result, err := config.LoadFileResult(configFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	for _, warn := range result.Warnings {
		fmt.Fprintf(os.Stderr, "config warning: %s\n", warn)
	}

	d, err := daemon.New(result.Config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}
