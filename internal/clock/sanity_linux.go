//go:build linux

package clock

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// anchorPath persists the last known-good wall clock time. Routers and
// appliances without a battery-backed RTC boot in 1970, which wrecks
// checkpoint expiry and lease bookkeeping until the clock is fixed.
const anchorPath = "/var/lib/rime/clock_anchor"

// EnsureSaneTime steps the system clock forward from the saved anchor
// when the current time is obviously bogus. Call it before anything that
// stamps records or negotiates leases.
func EnsureSaneTime() error {
	if IsReasonableTime(time.Now()) {
		return nil
	}

	anchor, err := loadAnchor()
	if err != nil {
		return fmt.Errorf("system time is 1970 and no anchor available: %w", err)
	}
	if err := setSystemTime(anchor); err != nil {
		return fmt.Errorf("set system time: %w", err)
	}

	slog.Info("System time was unreasonable, stepped to anchor", "anchor", anchor.Format(time.RFC3339))
	return nil
}

// SaveAnchor records the current time for the next cold boot. The store
// calls this on writes, so the anchor tracks real activity.
func SaveAnchor() error {
	data, err := time.Now().MarshalText()
	if err != nil {
		return err
	}
	return os.WriteFile(anchorPath, data, 0o644)
}

// RefreshAnchor probes network time and, if the local clock agrees within
// maxSkew, persists the current time as the boot anchor. A larger skew is
// reported to the caller, which decides whether to trust local time for
// timestamped records.
func RefreshAnchor(server string, maxSkew time.Duration) (time.Duration, error) {
	_, offset, err := NetworkTime(server)
	if err != nil {
		return 0, err
	}
	skew := offset
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return offset, fmt.Errorf("local clock disagrees with network time by %s", skew)
	}
	if err := SaveAnchor(); err != nil {
		return offset, fmt.Errorf("save clock anchor: %w", err)
	}
	return offset, nil
}

func loadAnchor() (time.Time, error) {
	data, err := os.ReadFile(anchorPath)
	if err != nil {
		return time.Time{}, err
	}
	var t time.Time
	if err := t.UnmarshalText(data); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// setSystemTime needs CAP_SYS_TIME; under an unprivileged test run the
// syscall fails and the error surfaces to the caller.
func setSystemTime(t time.Time) error {
	tv := syscall.Timeval{
		Sec:  t.Unix(),
		Usec: int64(t.Nanosecond() / 1000),
	}
	return syscall.Settimeofday(&tv)
}
