package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-proxy/internal/client"
	"github.com/kjstillabower/city-weather-proxy/internal/freshness"
	"github.com/kjstillabower/city-weather-proxy/internal/models"
	"github.com/kjstillabower/city-weather-proxy/internal/observability"
	"github.com/kjstillabower/city-weather-proxy/internal/store"
	"github.com/kjstillabower/city-weather-proxy/internal/validation"
)

var (
	// ErrCityNotFound: the provider does not know the city. Nothing is stored.
	ErrCityNotFound = errors.New("city not found")

	// ErrUpstreamUnavailable: the reading was absent or stale and the provider could not be reached.
	ErrUpstreamUnavailable = errors.New("weather provider unavailable")

	// ErrStoreUnavailable: the reading store failed. Fatal for the request.
	ErrStoreUnavailable = errors.New("reading store unavailable")
)

// Source tells the caller where a Result's reading came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceUpstream Source = "upstream"
)

// Result is a served reading and its origin.
type Result struct {
	Reading models.Reading
	Source  Source
}

// WeatherService decides per lookup whether the stored reading is fresh
// enough to serve or must be refreshed from the provider first.
type WeatherService struct {
	client    client.WeatherClient
	store     store.Store
	now       func() time.Time
	refreshes *refreshTracker
}

func NewWeatherService(c client.WeatherClient, s store.Store) *WeatherService {
	return &WeatherService{
		client:    c,
		store:     s,
		now:       time.Now,
		refreshes: newRefreshTracker(),
	}
}

// SetClock replaces the time source used for freshness decisions.
func (s *WeatherService) SetClock(now func() time.Time) {
	s.now = now
}

// NormalizeCity returns the store key for a city query: trimmed, internal
// whitespace collapsed to single spaces, lower-cased. "Paris", " paris " and
// "PARIS" share one key.
func NormalizeCity(city string) string {
	return strings.ToLower(strings.Join(strings.Fields(city), " "))
}

// Lookup returns the reading for city: the stored one when fresh, otherwise a
// newly fetched one that has been upserted before it is returned. A stale
// reading is never served when the refresh fails.
func (s *WeatherService) Lookup(ctx context.Context, city string) (Result, error) {
	key := NormalizeCity(city)
	if key == "" {
		return Result{}, validation.ErrCityEmpty
	}
	logger := observability.LoggerFrom(ctx).With(zap.String("city", key))

	stored, found, err := s.get(ctx, key)
	if err != nil {
		observability.LookupsTotal.WithLabelValues(observability.OutcomeStoreError).Inc()
		logger.Error("reading store get failed", zap.Error(err))
		return Result{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	if found {
		now := s.now()
		if !freshness.IsStale(stored.LastUpdated, now) {
			age := freshness.Age(stored.LastUpdated, now)
			observability.LookupsTotal.WithLabelValues(observability.OutcomeCached).Inc()
			observability.ReadingAgeSeconds.Observe(age.Seconds())
			logger.Debug("serving stored reading", zap.Duration("age", age))
			return Result{Reading: stored, Source: SourceCache}, nil
		}
		logger.Debug("stored reading is stale", zap.Time("last_updated", stored.LastUpdated))
	} else {
		logger.Debug("no stored reading")
	}

	return s.refresh(ctx, logger, key, strings.Join(strings.Fields(city), " "))
}

func (s *WeatherService) refresh(ctx context.Context, logger *zap.Logger, key, query string) (Result, error) {
	if n := s.refreshes.begin(key); n > 1 {
		observability.ConcurrentRefreshesTotal.WithLabelValues(observability.CityLabel(key)).Inc()
		logger.Debug("overlapping refresh", zap.Int("in_progress", n))
	}
	defer s.refreshes.end(key)

	start := time.Now()
	fresh, err := s.client.Fetch(ctx, query)
	if err != nil {
		if errors.Is(err, client.ErrCityNotFound) {
			observability.LookupsTotal.WithLabelValues(observability.OutcomeNotFound).Inc()
			if errors.Is(err, client.ErrIncompleteResponse) {
				logger.Warn("provider response missing required fields", zap.Error(err))
			} else {
				logger.Info("city not found upstream")
			}
			return Result{}, fmt.Errorf("%w: %w", ErrCityNotFound, err)
		}
		observability.LookupsTotal.WithLabelValues(observability.OutcomeUpstreamError).Inc()
		logger.Warn("refresh failed", zap.Error(err), zap.String("category", string(client.CategorizeError(err))))
		return Result{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	if err := s.upsert(ctx, key, fresh); err != nil {
		observability.LookupsTotal.WithLabelValues(observability.OutcomeStoreError).Inc()
		logger.Error("reading store upsert failed", zap.Error(err))
		return Result{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	observability.LookupsTotal.WithLabelValues(observability.OutcomeRefreshed).Inc()
	logger.Debug("reading refreshed", zap.String("city_name", fresh.CityName), zap.Duration("duration", time.Since(start)))
	return Result{Reading: fresh, Source: SourceUpstream}, nil
}

// Evict deletes the stored reading for city. Evicting an absent city is not an error.
func (s *WeatherService) Evict(ctx context.Context, city string) error {
	key := NormalizeCity(city)
	if key == "" {
		return validation.ErrCityEmpty
	}
	start := time.Now()
	err := s.store.Delete(ctx, key)
	observeStore("delete", start, err)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	observability.LoggerFrom(ctx).Info("reading evicted", zap.String("city", key))
	return nil
}

func (s *WeatherService) get(ctx context.Context, key string) (models.Reading, bool, error) {
	start := time.Now()
	r, found, err := s.store.Get(ctx, key)
	observeStore("get", start, err)
	return r, found, err
}

func (s *WeatherService) upsert(ctx context.Context, key string, r models.Reading) error {
	start := time.Now()
	err := s.store.Upsert(ctx, key, r)
	observeStore("upsert", start, err)
	return err
}

func observeStore(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		observability.StoreErrorsTotal.WithLabelValues(op).Inc()
	}
	observability.StoreOperationDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}
