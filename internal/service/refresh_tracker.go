package service

import (
	"sync"
)

// refreshTracker counts in-progress refreshes per city key. It only observes
// overlap; concurrent refreshes of one city still each call upstream and
// upsert, and the last write wins.
type refreshTracker struct {
	mu     sync.Mutex
	active map[string]int
}

func newRefreshTracker() *refreshTracker {
	return &refreshTracker{
		active: make(map[string]int),
	}
}

// begin records a refresh of key and returns how many are now in progress,
// including this one. Every begin must be paired with end.
func (rt *refreshTracker) begin(key string) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.active[key]++
	return rt.active[key]
}

func (rt *refreshTracker) end(key string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if n := rt.active[key]; n > 1 {
		rt.active[key] = n - 1
		return
	}
	delete(rt.active, key)
}

// inProgress returns the number of refreshes of key in progress.
func (rt *refreshTracker) inProgress(key string) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.active[key]
}
