package daemon

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// probeHost pings the configured host once. It answers the only question the
// confirm window cares about: can this machine still reach the network after
// the change. Unprivileged UDP ping so the daemon does not need CAP_NET_RAW
// just for this.
func probeHost(ctx context.Context, host string, timeout time.Duration) error {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return fmt.Errorf("create pinger for %s: %w", host, err)
	}

	pinger.Count = 1
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pinger.Timeout = timeout
	pinger.SetPrivileged(false)

	if err := pinger.RunWithContext(ctx); err != nil {
		return fmt.Errorf("probe %s: %w", host, err)
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return fmt.Errorf("probe %s: no reply", host)
	}
	return nil
}
