package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-proxy/internal/lifecycle"
	"github.com/kjstillabower/city-weather-proxy/internal/models"
	"github.com/kjstillabower/city-weather-proxy/internal/observability"
	"github.com/kjstillabower/city-weather-proxy/internal/service"
	"github.com/kjstillabower/city-weather-proxy/internal/traffic"
	"github.com/kjstillabower/city-weather-proxy/internal/validation"
)

// ReadingService is the orchestrator surface the handlers need.
type ReadingService interface {
	Lookup(ctx context.Context, city string) (service.Result, error)
	Evict(ctx context.Context, city string) error
}

const storePingTimeout = 2 * time.Second

// HealthConfig holds thresholds and probes for the health handler.
type HealthConfig struct {
	DegradedWindow      time.Duration
	DegradedErrorPct    int
	DegradedMinRequests int
	// StorePing, when set, is called to check store reachability.
	StorePing func(ctx context.Context) error
	// CircuitOpen, when set, reports whether the upstream breaker is open.
	CircuitOpen func() bool
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	readings         ReadingService
	defaultCity      string
	healthConfig     HealthConfig
	traffic          *traffic.Tracker
	state            *lifecycle.State
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. defaultCity is served by /weather when
// the t parameter is absent.
func NewHandler(
	readings ReadingService,
	defaultCity string,
	healthConfig HealthConfig,
	tracker *traffic.Tracker,
	state *lifecycle.State,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		readings:     readings,
		defaultCity:  defaultCity,
		healthConfig: healthConfig,
		traffic:      tracker,
		state:        state,
		logger:       logger,
	}
}

// GetWeather handles GET /weather?t={city} and GET /weather/{city}.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	raw, ok := mux.Vars(r)["city"]
	if !ok {
		var err error
		raw, ok, err = queryCity(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_CITY", "malformed city parameter")
			return
		}
		if !ok {
			raw = h.defaultCity
		}
	}

	city, err := validation.ValidateCity(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return
	}

	result, err := h.readings.Lookup(r.Context(), city)
	if err != nil {
		if status := writeServiceError(w, r, err); status >= http.StatusInternalServerError {
			h.traffic.RecordError()
		} else {
			h.traffic.RecordSuccess()
		}
		return
	}
	h.traffic.RecordSuccess()

	if result.Source == service.SourceCache {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	writeJSON(w, http.StatusOK, []models.Reading{result.Reading})
}

// queryCity returns the t query parameter and whether it was present at all.
// A t pair that cannot be decoded is present but invalid.
func queryCity(r *http.Request) (string, bool, error) {
	q, err := url.ParseQuery(r.URL.RawQuery)
	if vals, ok := q["t"]; ok && len(vals) > 0 {
		return vals[0], true, nil
	}
	if err != nil && hasRawKey(r.URL.RawQuery, "t") {
		return "", true, err
	}
	return "", false, nil
}

// hasRawKey reports whether rawQuery contains a pair named key, decoded or not.
func hasRawKey(rawQuery, key string) bool {
	for _, pair := range strings.Split(rawQuery, "&") {
		k, _, _ := strings.Cut(pair, "=")
		if dk, err := url.QueryUnescape(k); err == nil {
			k = dk
		}
		if k == key {
			return true
		}
	}
	return false
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"checks":    result.checks,
		"uptime":    h.state.Uptime().Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > store unreachable > circuit open > error rate > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := map[string]string{"store": "healthy", "weatherApi": "healthy"}

	if h.state.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}

	result := healthResult{"healthy", http.StatusOK, "", checks}
	degrade := func(reason string) {
		if result.reason == "" {
			result = healthResult{"degraded", http.StatusServiceUnavailable, reason, checks}
		}
	}

	if h.healthConfig.StorePing != nil {
		pingCtx, cancel := context.WithTimeout(ctx, storePingTimeout)
		err := h.healthConfig.StorePing(pingCtx)
		cancel()
		if err != nil {
			checks["store"] = "unhealthy"
			degrade("store_unreachable")
		}
	}
	if h.healthConfig.CircuitOpen != nil && h.healthConfig.CircuitOpen() {
		checks["weatherApi"] = "unhealthy"
		degrade("circuit_open")
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errs, total := h.traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 && total >= h.healthConfig.DegradedMinRequests {
			pct := float64(errs) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				degrade("error_rate_breach")
			}
		}
	}
	return result
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps orchestrator errors to status codes and returns the status written.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) int {
	logger := observability.LoggerFrom(r.Context())
	switch {
	case errors.Is(err, validation.ErrCityEmpty), errors.Is(err, validation.ErrCityTooLong):
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return http.StatusBadRequest
	case errors.Is(err, service.ErrCityNotFound):
		writeError(w, r, http.StatusNotFound, "CITY_NOT_FOUND", "City not found")
		return http.StatusNotFound
	case errors.Is(err, service.ErrUpstreamUnavailable):
		logger.Debug("upstream error", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data")
		return http.StatusInternalServerError
	case errors.Is(err, service.ErrStoreUnavailable):
		logger.Debug("store error", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "STORAGE_UNAVAILABLE", "Unable to read or save weather data")
		return http.StatusInternalServerError
	}
	logger.Error("unexpected lookup error", zap.Error(err))
	writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error")
	return http.StatusInternalServerError
}

// GetTestStatus handles GET /test. Returns request outcome counts and lifecycle state.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := h.testWindow()
	errs, total := h.traffic.ErrorRate(window)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_requests_in_window": total,
		"errors_in_window":         errs,
		"window_length":            window.String(),
		"in_flight":                h.state.InFlight(),
		"shutting_down":            h.state.IsShuttingDown(),
		"config": map[string]interface{}{
			"degraded_error_pct":    h.healthConfig.DegradedErrorPct,
			"degraded_min_requests": h.healthConfig.DegradedMinRequests,
			"default_city":          h.defaultCity,
		},
	})
}

// DeleteReading handles DELETE /test/readings/{city}. Evicts the stored reading
// so the next lookup refreshes from the provider.
func (h *Handler) DeleteReading(w http.ResponseWriter, r *http.Request) {
	city, err := validation.ValidateCity(mux.Vars(r)["city"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return
	}
	if err := h.readings.Evict(r.Context(), city); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostTestAction handles POST /test/{action} for error, reset and shutdown.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "error":
		h.postTestError(w, r)
	case "reset":
		h.postTestReset(w, r)
	case "shutdown":
		h.postTestShutdown(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
	}
}

// postTestError records the requested number of failed requests and reports the resulting health state.
func (h *Handler) postTestError(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		body.Count = 1
	}
	for i := 0; i < body.Count; i++ {
		h.traffic.RecordError()
	}
	errs, total := h.traffic.ErrorRate(h.testWindow())
	pct := 0
	if total > 0 {
		pct = errs * 100 / total
	}
	result := h.computeHealthStatus(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"action":         "error",
		"message":        "Recorded " + strconv.Itoa(body.Count) + " errors",
		"state":          result.status,
		"error_rate_pct": pct,
	})
}

// postTestReset clears recorded outcomes and the shutdown flag.
func (h *Handler) postTestReset(w http.ResponseWriter, r *http.Request) {
	h.traffic.Reset()
	h.state.SetShuttingDown(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "reset",
		"message": "All simulated state cleared",
	})
}

// postTestShutdown sets the shutdown flag. Health reports shutting-down until reset.
func (h *Handler) postTestShutdown(w http.ResponseWriter, r *http.Request) {
	h.state.SetShuttingDown(true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "shutdown",
		"message": "Shutting-down flag set",
	})
}

func (h *Handler) testWindow() time.Duration {
	if h.healthConfig.DegradedWindow > 0 {
		return h.healthConfig.DegradedWindow
	}
	return 60 * time.Second
}
