package lifecycle

import (
	"context"
	"sync/atomic"
	"time"
)

// State is the process lifecycle shared by the HTTP layer and main: start
// time, the draining flag, and the number of requests being served.
type State struct {
	started      time.Time
	shuttingDown atomic.Bool
	inFlight     atomic.Int64
}

func New() *State {
	return &State{started: time.Now()}
}

// SetShuttingDown sets the draining flag. Health reports shutting-down while true.
func (s *State) SetShuttingDown(v bool) {
	s.shuttingDown.Store(v)
}

func (s *State) IsShuttingDown() bool {
	return s.shuttingDown.Load()
}

func (s *State) StartTime() time.Time {
	return s.started
}

func (s *State) Uptime() time.Duration {
	return time.Since(s.started)
}

// RequestStarted and RequestFinished bracket every served request.
func (s *State) RequestStarted() {
	s.inFlight.Add(1)
}

func (s *State) RequestFinished() {
	s.inFlight.Add(-1)
}

func (s *State) InFlight() int64 {
	return s.inFlight.Load()
}

// WaitForInFlight blocks until no request is in flight or ctx is done,
// checking every checkInterval.
func (s *State) WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	if checkInterval <= 0 {
		checkInterval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		if s.InFlight() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
