package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/city-weather-proxy/internal/client"
	"github.com/kjstillabower/city-weather-proxy/internal/lifecycle"
	"github.com/kjstillabower/city-weather-proxy/internal/models"
	"github.com/kjstillabower/city-weather-proxy/internal/service"
	"github.com/kjstillabower/city-weather-proxy/internal/store"
	"github.com/kjstillabower/city-weather-proxy/internal/traffic"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockWeatherClient answers from a per-city table keyed by lower-cased query.
// Cities not in the table are reported as not found.
type mockWeatherClient struct {
	mu      sync.Mutex
	clock   *fakeClock
	temps   map[string]string
	err     error
	queries []string
}

func (m *mockWeatherClient) Fetch(ctx context.Context, city string) (models.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, city)
	if m.err != nil {
		return models.Reading{}, m.err
	}
	temp, ok := m.temps[strings.ToLower(city)]
	if !ok {
		return models.Reading{}, client.ErrCityNotFound
	}
	return models.Reading{
		CityName:      city,
		Temperature:   temp,
		Humidity:      "60",
		WindSpeed:     "3.1",
		WindDirection: "200",
		Pressure:      "1012",
		IconCode:      "04d",
		LastUpdated:   m.clock.Now(),
	}, nil
}

func (m *mockWeatherClient) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}

func (m *mockWeatherClient) setTemp(city, temp string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.temps[strings.ToLower(city)] = temp
}

// failingStore fails the configured operations, counts reads and writes,
// and delegates the rest.
type failingStore struct {
	*store.MemoryStore
	getErr  error
	pingErr error
	gets    atomic.Int32
	upserts atomic.Int32
}

func (f *failingStore) Get(ctx context.Context, key string) (models.Reading, bool, error) {
	f.gets.Add(1)
	if f.getErr != nil {
		return models.Reading{}, false, f.getErr
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *failingStore) Upsert(ctx context.Context, key string, r models.Reading) error {
	f.upserts.Add(1)
	return f.MemoryStore.Upsert(ctx, key, r)
}

func (f *failingStore) Ping(ctx context.Context) error {
	return f.pingErr
}

type testEnv struct {
	clock   *fakeClock
	client  *mockWeatherClient
	store   *failingStore
	traffic *traffic.Tracker
	state   *lifecycle.State
	handler *Handler
	router  http.Handler
	logs    *observer.ObservedLogs
}

func newTestEnv(t *testing.T, hc HealthConfig) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	mc := &mockWeatherClient{clock: clock, temps: map[string]string{
		"paris":        "15",
		"guntersville": "22",
	}}
	st := &failingStore{MemoryStore: store.NewMemoryStore()}

	svc := service.NewWeatherService(mc, st)
	svc.SetClock(clock.Now)

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	if hc.StorePing == nil {
		hc.StorePing = st.Ping
	}
	tracker := traffic.NewTracker(time.Minute)
	state := lifecycle.New()
	h := NewHandler(svc, "Guntersville", hc, tracker, state, logger)
	router := NewRouter(h, state, logger, RouterConfig{
		RequestTimeout: 5 * time.Second,
		TestingMode:    true,
	})
	return &testEnv{
		clock:   clock,
		client:  mc,
		store:   st,
		traffic: tracker,
		state:   state,
		handler: h,
		router:  router,
		logs:    logs,
	}
}

func (e *testEnv) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeReadings(t *testing.T, w *httptest.ResponseRecorder) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

// TestGetWeather_FirstLookupFetchesAndStores covers a city never requested before.
func TestGetWeather_FirstLookupFetchesAndStores(t *testing.T) {
	// Arrange
	env := newTestEnv(t, HealthConfig{})

	// Act
	w := env.do(http.MethodGet, "/weather?t=Paris")

	// Assert
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	readings := decodeReadings(t, w)
	if len(readings) != 1 {
		t.Fatalf("got %d readings, want exactly 1", len(readings))
	}
	r := readings[0]
	if r["City_Name"] != "Paris" || r["Temperature"] != "15" || r["Icon_Code"] != "04d" {
		t.Errorf("reading = %v", r)
	}
	for _, key := range []string{"Humidity", "Wind_speed", "Wind_Direction", "Pressure"} {
		if _, ok := r[key]; !ok {
			t.Errorf("response missing %s", key)
		}
	}
	if len(r) != 7 {
		t.Errorf("response has %d fields, want 7: %v", len(r), r)
	}
	if env.client.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", env.client.calls())
	}
	if env.store.Len() != 1 {
		t.Errorf("stored readings = %d, want 1", env.store.Len())
	}
}

// TestGetWeather_RepeatWithinTTLServesStored covers a second lookup shortly after the first.
func TestGetWeather_RepeatWithinTTLServesStored(t *testing.T) {
	env := newTestEnv(t, HealthConfig{})
	env.do(http.MethodGet, "/weather?t=Paris")

	env.clock.Advance(10 * time.Minute)
	env.client.setTemp("Paris", "99")
	w := env.do(http.MethodGet, "/weather?t=paris")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("X-Cache = %q, want HIT", got)
	}
	if temp := decodeReadings(t, w)[0]["Temperature"]; temp != "15" {
		t.Errorf("Temperature = %v, want stored 15", temp)
	}
	if env.client.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", env.client.calls())
	}
}

// TestGetWeather_StaleReadingRefreshed covers a lookup three hours after the last fetch.
func TestGetWeather_StaleReadingRefreshed(t *testing.T) {
	env := newTestEnv(t, HealthConfig{})
	env.do(http.MethodGet, "/weather?t=Paris")

	env.clock.Advance(3 * time.Hour)
	env.client.setTemp("Paris", "18")
	w := env.do(http.MethodGet, "/weather?t=Paris")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", got)
	}
	if temp := decodeReadings(t, w)[0]["Temperature"]; temp != "18" {
		t.Errorf("Temperature = %v, want refreshed 18", temp)
	}
	stored, ok, err := env.store.MemoryStore.Get(context.Background(), "paris")
	if err != nil || !ok {
		t.Fatalf("stored reading missing: ok=%v err=%v", ok, err)
	}
	if stored.Temperature != "18" || !stored.LastUpdated.Equal(env.clock.Now()) {
		t.Errorf("stored = %+v, want replaced reading", stored)
	}
	if env.store.Len() != 1 {
		t.Errorf("stored readings = %d, want 1", env.store.Len())
	}
}

// TestGetWeather_UnknownCity covers a city the provider does not know.
func TestGetWeather_UnknownCity(t *testing.T) {
	env := newTestEnv(t, HealthConfig{})

	w := env.do(http.MethodGet, "/weather?t=Atlantis")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	body := decodeError(t, w)
	if body.Error.Code != "CITY_NOT_FOUND" {
		t.Errorf("code = %q, want CITY_NOT_FOUND", body.Error.Code)
	}
	if env.store.Len() != 0 {
		t.Errorf("stored readings = %d, want 0", env.store.Len())
	}
	if errs, total := env.traffic.ErrorRate(time.Minute); errs != 0 || total != 1 {
		t.Errorf("traffic = %d errors / %d total, want 0/1", errs, total)
	}
}

// TestGetWeather_InvalidCity covers empty, whitespace and over-long input.
func TestGetWeather_InvalidCity(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"empty t", "/weather?t="},
		{"whitespace t", "/weather?t=%20%20%20"},
		{"too long", "/weather?t=" + strings.Repeat("a", 101)},
		{"too long path", "/weather/" + strings.Repeat("b", 101)},
		{"bad escape", "/weather?t=%zz"},
		{"bare percent inside", "/weather?t=New%York"},
		{"trailing percent", "/weather?t=Paris%"},
		{"bad escape beside valid pair", "/weather?units=metric&t=%zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, HealthConfig{})

			w := env.do(http.MethodGet, tt.target)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if code := decodeError(t, w).Error.Code; code != "INVALID_CITY" {
				t.Errorf("code = %q, want INVALID_CITY", code)
			}
			if env.client.calls() != 0 {
				t.Errorf("provider calls = %d, want 0", env.client.calls())
			}
			if gets, upserts := env.store.gets.Load(), env.store.upserts.Load(); gets != 0 || upserts != 0 {
				t.Errorf("store calls = %d gets / %d upserts, want none", gets, upserts)
			}
		})
	}
}

// TestGetWeather_MalformedOtherParameterKeepsCity verifies an undecodable
// unrelated pair does not hide a valid t.
func TestGetWeather_MalformedOtherParameterKeepsCity(t *testing.T) {
	env := newTestEnv(t, HealthConfig{})

	w := env.do(http.MethodGet, "/weather?x=%zz&t=Paris")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	if name := decodeReadings(t, w)[0]["City_Name"]; name != "Paris" {
		t.Errorf("City_Name = %v, want Paris", name)
	}
}

func TestGetWeather_DefaultCityWhenParameterAbsent(t *testing.T) {
	env := newTestEnv(t, HealthConfig{})

	w := env.do(http.MethodGet, "/weather")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if name := decodeReadings(t, w)[0]["City_Name"]; name != "Guntersville" {
		t.Errorf("City_Name = %v, want Guntersville", name)
	}
}

func TestGetWeather_PathForm(t *testing.T) {
	env := newTestEnv(t, HealthConfig{})

	w := env.do(http.MethodGet, "/weather/Paris")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if name := decodeReadings(t, w)[0]["City_Name"]; name != "Paris" {
		t.Errorf("City_Name = %v, want Paris", name)
	}
}

// TestGetWeather_QueryTrimmedBeforeLookup verifies surrounding whitespace does not reach the provider.
func TestGetWeather_QueryTrimmedBeforeLookup(t *testing.T) {
	env := newTestEnv(t, HealthConfig{})

	w := env.do(http.MethodGet, "/weather?t=%20Paris%20")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(env.client.queries) != 1 || env.client.queries[0] != "Paris" {
		t.Errorf("queries = %q, want [Paris]", env.client.queries)
	}
}

func TestGetWeather_UpstreamUnavailable(t *testing.T) {
	env := newTestEnv(t, HealthConfig{})
	env.client.err = fmt.Errorf("%w: HTTP 503", client.ErrUnavailable)

	req := httptest.NewRequest(http.MethodGet, "/weather?t=Paris", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	body := decodeError(t, w)
	if body.Error.Code != "UPSTREAM_UNAVAILABLE" {
		t.Errorf("code = %q, want UPSTREAM_UNAVAILABLE", body.Error.Code)
	}
	if body.Error.RequestID != "corr-123" {
		t.Errorf("requestId = %q, want corr-123", body.Error.RequestID)
	}
	if errs, _ := env.traffic.ErrorRate(time.Minute); errs != 1 {
		t.Errorf("recorded errors = %d, want 1", errs)
	}
}

// TestGetWeather_StaleNotServedWhenRefreshFails verifies a failed refresh is an error, not old data.
func TestGetWeather_StaleNotServedWhenRefreshFails(t *testing.T) {
	env := newTestEnv(t, HealthConfig{})
	env.do(http.MethodGet, "/weather?t=Paris")

	env.clock.Advance(3 * time.Hour)
	env.client.err = fmt.Errorf("%w: timeout", client.ErrUnavailable)
	w := env.do(http.MethodGet, "/weather?t=Paris")

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if code := decodeError(t, w).Error.Code; code != "UPSTREAM_UNAVAILABLE" {
		t.Errorf("code = %q, want UPSTREAM_UNAVAILABLE", code)
	}
}

func TestGetWeather_StoreUnavailable(t *testing.T) {
	env := newTestEnv(t, HealthConfig{})
	env.store.getErr = fmt.Errorf("%w: connection refused", store.ErrUnavailable)

	w := env.do(http.MethodGet, "/weather?t=Paris")

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if code := decodeError(t, w).Error.Code; code != "STORAGE_UNAVAILABLE" {
		t.Errorf("code = %q, want STORAGE_UNAVAILABLE", code)
	}
	if env.client.calls() != 0 {
		t.Errorf("provider calls = %d, want 0 after store failure", env.client.calls())
	}
}

type stubReadings struct {
	err error
}

func (s stubReadings) Lookup(ctx context.Context, city string) (service.Result, error) {
	return service.Result{}, s.err
}

func (s stubReadings) Evict(ctx context.Context, city string) error {
	return s.err
}

func TestGetWeather_UnexpectedError(t *testing.T) {
	state := lifecycle.New()
	h := NewHandler(stubReadings{err: errors.New("boom")}, "Paris", HealthConfig{}, traffic.NewTracker(time.Minute), state, zap.NewNop())
	router := NewRouter(h, state, zap.NewNop(), RouterConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/weather?t=Paris", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if code := decodeError(t, w).Error.Code; code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", code)
	}
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(env *testEnv)
		hc         HealthConfig
		wantStatus string
		wantCode   int
	}{
		{
			name:       "healthy",
			setup:      func(env *testEnv) {},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
		},
		{
			name:       "store unreachable",
			setup:      func(env *testEnv) { env.store.pingErr = store.ErrUnavailable },
			wantStatus: "degraded",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "circuit open",
			setup:      func(env *testEnv) {},
			hc:         HealthConfig{CircuitOpen: func() bool { return true }},
			wantStatus: "degraded",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name: "error rate breach",
			setup: func(env *testEnv) {
				for i := 0; i < 5; i++ {
					env.traffic.RecordError()
				}
				for i := 0; i < 5; i++ {
					env.traffic.RecordSuccess()
				}
			},
			hc:         HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 20, DegradedMinRequests: 10},
			wantStatus: "degraded",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name: "error rate below minimum requests",
			setup: func(env *testEnv) {
				env.traffic.RecordError()
				env.traffic.RecordError()
			},
			hc:         HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 20, DegradedMinRequests: 10},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
		},
		{
			name:       "shutting down",
			setup:      func(env *testEnv) { env.state.SetShuttingDown(true) },
			wantStatus: "shutting-down",
			wantCode:   http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.hc)
			tt.setup(env)

			w := env.do(http.MethodGet, "/health")

			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}
			var body map[string]interface{}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", body["status"], tt.wantStatus)
			}
			if body["service"] != "city-weather-proxy" {
				t.Errorf("service = %v", body["service"])
			}
		})
	}
}

func TestGetHealth_ReportsFailingCheck(t *testing.T) {
	env := newTestEnv(t, HealthConfig{})
	env.store.pingErr = store.ErrUnavailable

	w := env.do(http.MethodGet, "/health")

	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Checks["store"] != "unhealthy" || body.Checks["weatherApi"] != "healthy" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestGetHealth_LogsTransition(t *testing.T) {
	env := newTestEnv(t, HealthConfig{})
	env.do(http.MethodGet, "/health")

	env.store.pingErr = store.ErrUnavailable
	env.do(http.MethodGet, "/health")

	entries := env.logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "store_unreachable" {
		t.Errorf("transition fields = %v", fields)
	}
}

func TestDeleteReading_NextLookupRefreshes(t *testing.T) {
	env := newTestEnv(t, HealthConfig{})
	env.do(http.MethodGet, "/weather?t=Paris")

	w := env.do(http.MethodDelete, "/test/readings/PARIS")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", w.Code)
	}
	if env.store.Len() != 0 {
		t.Errorf("stored readings = %d, want 0", env.store.Len())
	}

	w = env.do(http.MethodGet, "/weather?t=Paris")
	if got := w.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache after evict = %q, want MISS", got)
	}
	if env.client.calls() != 2 {
		t.Errorf("provider calls = %d, want 2", env.client.calls())
	}
}

func TestDeleteReading_AbsentCityIsNoContent(t *testing.T) {
	env := newTestEnv(t, HealthConfig{})

	if w := env.do(http.MethodDelete, "/test/readings/Nowhere"); w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}

func TestTestEndpoints(t *testing.T) {
	env := newTestEnv(t, HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50, DegradedMinRequests: 1})

	w := env.do(http.MethodPost, "/test/error")
	if w.Code != http.StatusOK {
		t.Fatalf("POST /test/error status = %d", w.Code)
	}
	var resp map[string]interface{}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp["state"] != "degraded" {
		t.Errorf("state after errors = %v, want degraded", resp["state"])
	}

	w = env.do(http.MethodGet, "/test")
	var status map[string]interface{}
	_ = json.NewDecoder(w.Body).Decode(&status)
	if status["errors_in_window"] != float64(1) {
		t.Errorf("errors_in_window = %v, want 1", status["errors_in_window"])
	}

	env.do(http.MethodPost, "/test/shutdown")
	if !env.state.IsShuttingDown() {
		t.Error("shutdown action did not set the flag")
	}

	env.do(http.MethodPost, "/test/reset")
	if env.state.IsShuttingDown() {
		t.Error("reset did not clear the shutdown flag")
	}
	if errs, total := env.traffic.ErrorRate(time.Minute); errs != 0 || total != 0 {
		t.Errorf("traffic after reset = %d/%d, want 0/0", errs, total)
	}

	if w := env.do(http.MethodPost, "/test/explode"); w.Code != http.StatusNotFound {
		t.Errorf("unknown action status = %d, want 404", w.Code)
	}
}

func TestTestEndpoints_AbsentOutsideTestingMode(t *testing.T) {
	state := lifecycle.New()
	h := NewHandler(stubReadings{}, "Paris", HealthConfig{}, traffic.NewTracker(time.Minute), state, zap.NewNop())
	router := NewRouter(h, state, zap.NewNop(), RouterConfig{})

	for _, tc := range []struct{ method, target string }{
		{http.MethodGet, "/test"},
		{http.MethodDelete, "/test/readings/Paris"},
		{http.MethodPost, "/test/reset"},
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(tc.method, tc.target, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", tc.method, tc.target, w.Code)
		}
	}
}
