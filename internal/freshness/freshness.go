// Package freshness decides whether a stored reading can still be served.
package freshness

import "time"

// TTL is how long a stored reading stays valid after its fetch.
const TTL = 2 * time.Hour

// IsStale reports whether a reading fetched at lastUpdated must be refreshed at now.
// An age of exactly TTL is still fresh.
func IsStale(lastUpdated, now time.Time) bool {
	return Age(lastUpdated, now) > TTL
}

// Age returns how long ago lastUpdated was, relative to now.
func Age(lastUpdated, now time.Time) time.Duration {
	return now.Sub(lastUpdated)
}
