package warming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-proxy/internal/observability"
	"github.com/kjstillabower/city-weather-proxy/internal/service"
)

// Looker is the orchestrator operation the warmer drives. Fresh readings are
// served from the store, so a warm run only calls upstream for stale cities.
type Looker interface {
	Lookup(ctx context.Context, city string) (service.Result, error)
}

// Warmer looks up a fixed list of cities so their readings stay fresh
// between user requests.
type Warmer struct {
	looker     Looker
	logger     *zap.Logger
	cities     []string
	runTimeout time.Duration

	scheduler *gocron.Scheduler
}

// NewWarmer creates a Warmer. runTimeout bounds one run (default 30s).
func NewWarmer(looker Looker, cities []string, runTimeout time.Duration, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if runTimeout <= 0 {
		runTimeout = 30 * time.Second
	}
	return &Warmer{
		looker:     looker,
		logger:     logger,
		cities:     cities,
		runTimeout: runTimeout,
	}
}

// Warm looks up every city concurrently. Returns the joined per-city failures.
func (w *Warmer) Warm(ctx context.Context) error {
	start := time.Now()
	observability.WarmRunsTotal.Inc()
	w.logger.Info("warming readings", zap.Int("cities", len(w.cities)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
		hits int
	)
	for _, city := range w.cities {
		wg.Add(1)
		go func(city string) {
			defer wg.Done()
			res, err := w.looker.Lookup(ctx, city)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("warm %s: %w", city, err))
				return
			}
			if res.Source == service.SourceCache {
				hits++
			}
		}(city)
	}
	wg.Wait()

	duration := time.Since(start)
	observability.WarmDurationSeconds.Observe(duration.Seconds())
	w.logger.Info("warming complete",
		zap.Int("cities", len(w.cities)),
		zap.Int("already_fresh", hits),
		zap.Int("errors", len(errs)),
		zap.Duration("duration", duration),
	)
	if len(errs) > 0 {
		observability.WarmErrorsTotal.Inc()
		return errors.Join(errs...)
	}
	return nil
}

// Start runs Warm immediately and then every interval. Overlapping runs are
// skipped. Start is a no-op when no cities are configured.
func (w *Warmer) Start(interval time.Duration) error {
	if len(w.cities) == 0 {
		w.logger.Info("warming disabled: no cities configured")
		return nil
	}
	if interval <= 0 {
		return fmt.Errorf("warming interval must be positive, got %s", interval)
	}

	s := gocron.NewScheduler(time.UTC)
	_, err := s.Every(interval).SingletonMode().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.runTimeout)
		defer cancel()
		if err := w.Warm(ctx); err != nil {
			w.logger.Warn("warm run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule warming: %w", err)
	}
	w.scheduler = s
	s.StartAsync()
	return nil
}

// Stop stops scheduling. A run already in progress finishes on its own timeout.
func (w *Warmer) Stop() {
	if w.scheduler != nil {
		w.scheduler.Stop()
	}
}
