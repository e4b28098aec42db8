package clock

import (
	"fmt"
	"time"

	"github.com/beevik/ntp"
)

// DefaultNTPServer is queried when no server is configured.
const DefaultNTPServer = "pool.ntp.org"

// NetworkTime queries an NTP server and returns the offset-corrected time.
func NetworkTime(server string) (time.Time, time.Duration, error) {
	if server == "" {
		server = DefaultNTPServer
	}
	resp, err := ntp.Query(server)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("ntp query %s: %w", server, err)
	}
	if err := resp.Validate(); err != nil {
		return time.Time{}, 0, fmt.Errorf("ntp response from %s invalid: %w", server, err)
	}
	return time.Now().Add(resp.ClockOffset), resp.ClockOffset, nil
}
