package digest

import "time"

// DefaultLookback is the fetch window used when a user has never synced.
const DefaultLookback = 24 * time.Hour

// WindowStart returns the start of the next fetch window. A previous sync
// time is returned verbatim; without one the window opens lookback before now.
func WindowStart(previous *time.Time, now time.Time, lookback time.Duration) time.Time {
	if previous != nil {
		return *previous
	}
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return now.Add(-lookback)
}
