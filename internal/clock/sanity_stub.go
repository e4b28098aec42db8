//go:build !linux

package clock

import (
	"fmt"
	"time"
)

// EnsureSaneTime only checks; setting the system clock needs settimeofday,
// which we only do on linux.
func EnsureSaneTime() error {
	if IsReasonableTime(time.Now()) {
		return nil
	}
	return fmt.Errorf("system time is unreasonable and cannot be corrected on this platform")
}

func SaveAnchor() error {
	return nil
}

// RefreshAnchor still probes network time so skew warnings work everywhere.
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
	return offset, nil
}
