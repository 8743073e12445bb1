package traffic

import (
	"sync"
	"time"
)

// Tracker keeps a sliding window of request outcomes for health decisions.
// Successes are lookups answered 2xx/4xx; errors are lookups answered 5xx.
type Tracker struct {
	mu        sync.Mutex
	retention time.Duration
	now       func() time.Time

	successTimes []time.Time
	errorTimes   []time.Time
}

// NewTracker returns a Tracker that keeps outcomes for retention (minimum one minute).
func NewTracker(retention time.Duration) *Tracker {
	if retention < time.Minute {
		retention = time.Minute
	}
	return &Tracker{retention: retention, now: time.Now}
}

func (t *Tracker) RecordSuccess() {
	t.record(&t.successTimes)
}

func (t *Tracker) RecordError() {
	t.record(&t.errorTimes)
}

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// ErrorRate returns (errors, total) within window.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errors = countSince(t.errorTimes, cutoff)
	return errors, errors + countSince(t.successTimes, cutoff)
}

// RequestCount returns the number of outcomes within window.
func (t *Tracker) RequestCount(window time.Duration) int {
	_, total := t.ErrorRate(window)
	return total
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
}

// countSince counts timestamps not before cutoff. times is in append order.
func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(times) - 1; i >= 0 && !times[i].Before(cutoff); i-- {
		n++
	}
	return n
}

// pruneLocked drops outcomes older than the retention period. Caller holds mu.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
}
