package helper

import (
	"fmt"
	"time"

	"github.com/beevik/ntp"
)

// DefaultNTPHost is queried when no NTP host is configured.
const DefaultNTPHost = "pool.ntp.org"

// ClockDrift returns the absolute offset of the local clock from ntpHost.
// Metadata expiry compares timestamps written by clients in other regions
// against the local clock, so a drifting clock shifts the consistency window
// by the same amount.
func ClockDrift(ntpHost string, timeout time.Duration) (time.Duration, error) {
	if ntpHost == "" {
		ntpHost = DefaultNTPHost
	}

	resp, err := ntp.QueryWithOptions(ntpHost, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", ntpHost, err)
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("response from %s: %w", ntpHost, err)
	}

	if resp.ClockOffset < 0 {
		return -resp.ClockOffset, nil
	}
	return resp.ClockOffset, nil
}
