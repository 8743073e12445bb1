package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServiceName identifies this process in logs and health responses.
const ServiceName = "city-weather-proxy"

// Lookup outcomes recorded in LookupsTotal.
const (
	OutcomeCached        = "cached"
	OutcomeRefreshed     = "refreshed"
	OutcomeNotFound      = "not_found"
	OutcomeUpstreamError = "upstream_error"
	OutcomeStoreError    = "store_error"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Watch for: p95 rising on cache misses (upstream latency leaks through).
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeatherMap call rate by status class.
	WeatherAPICallsTotal *prometheus.CounterVec

	// OpenWeatherMap latency. Watch for: p99 approaching the client timeout.
	WeatherAPIDuration *prometheus.HistogramVec

	// Upstream failures by category (timeout, network, city_not_found, ...).
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Lookup outcomes. Hit rate = cached / (cached + refreshed).
	LookupsTotal *prometheus.CounterVec

	// Age of readings served from the store. Should stay below the 2h TTL.
	ReadingAgeSeconds prometheus.Histogram

	// Store latency by operation and result.
	StoreOperationDuration *prometheus.HistogramVec

	// Store failures by operation. Any non-zero rate means requests are failing with 500.
	StoreErrorsTotal *prometheus.CounterVec

	// Refreshes of one city that overlapped another refresh of the same city.
	ConcurrentRefreshesTotal *prometheus.CounterVec

	// Circuit breaker state for the upstream (0=closed, 1=half-open, 2=open).
	CircuitBreakerState prometheus.Gauge

	// Circuit breaker transitions.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Background warming runs, failures and duration.
	WarmRunsTotal       prometheus.Counter
	WarmErrorsTotal     prometheus.Counter
	WarmDurationSeconds prometheus.Histogram

	// trackedCities bounds the city label cardinality.
	trackedCitiesMu sync.RWMutex
	trackedCities   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "OpenWeatherMap failures by category",
		},
		[]string{"category"},
	)
	LookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readingLookupsTotal",
			Help: "City lookups by outcome (cached, refreshed, not_found, upstream_error, store_error)",
		},
		[]string{"outcome"},
	)
	ReadingAgeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "readingAgeSeconds",
			Help:    "Age of readings served from the store",
			Buckets: []float64{60, 300, 900, 1800, 3600, 5400, 7200},
		},
	)
	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storeOperationDurationSeconds",
			Help:    "Reading store operation latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation", "status"},
	)
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeErrorsTotal",
			Help: "Reading store failures by operation",
		},
		[]string{"operation"},
	)
	ConcurrentRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concurrentRefreshesTotal",
			Help: "Refreshes that overlapped another in-progress refresh of the same city",
		},
		[]string{"city"},
	)
	CircuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Weather API circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Weather API circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)
	WarmRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warmRunsTotal",
			Help: "Background warming runs",
		},
	)
	WarmErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warmErrorsTotal",
			Help: "Background warming runs with at least one failed city",
		},
	)
	WarmDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warmDurationSeconds",
			Help:    "Background warming run duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30},
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIErrorsTotal,
		LookupsTotal, ReadingAgeSeconds,
		StoreOperationDuration, StoreErrorsTotal,
		ConcurrentRefreshesTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		WarmRunsTotal, WarmErrorsTotal, WarmDurationSeconds,
	)
}

// SetTrackedCities sets the allow-list used for city labels. Untracked cities are labelled "other".
func SetTrackedCities(cities []string) {
	trackedCitiesMu.Lock()
	defer trackedCitiesMu.Unlock()
	trackedCities = make(map[string]struct{}, len(cities))
	for _, c := range cities {
		trackedCities[normalizeCityForMetrics(c)] = struct{}{}
	}
}

// CityLabel returns the metric label for city: the normalized name if tracked, else "other".
func CityLabel(city string) string {
	c := normalizeCityForMetrics(city)
	trackedCitiesMu.RLock()
	_, ok := trackedCities[c]
	trackedCitiesMu.RUnlock()
	if ok {
		return c
	}
	return "other"
}

func normalizeCityForMetrics(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
