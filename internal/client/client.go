package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"

	"github.com/kjstillabower/city-weather-proxy/internal/models"
	"github.com/kjstillabower/city-weather-proxy/internal/observability"
)

// WeatherClient fetches current conditions for a city from the weather provider.
type WeatherClient interface {
	Fetch(ctx context.Context, city string) (models.Reading, error)
}

var (
	// ErrCityNotFound: the provider does not know the city (HTTP 404, or a body without name/main).
	ErrCityNotFound = errors.New("city not found")

	// ErrIncompleteResponse accompanies ErrCityNotFound when a known city's body lacks required fields.
	ErrIncompleteResponse = errors.New("incomplete provider response")

	// ErrUnavailable wraps transport failures, timeouts, non-2xx statuses and unparseable bodies.
	ErrUnavailable = errors.New("weather provider unavailable")

	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrRateLimited   = errors.New("rate limited")
	ErrCircuitOpen   = errors.New("circuit breaker open")
)

// maxBodyBytes caps how much of a provider response is read.
const maxBodyBytes = 1 << 20

// BreakerConfig configures the optional circuit breaker around provider calls.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int           // consecutive failures that open the circuit
	OpenTimeout      time.Duration // time open before a half-open probe
	HalfOpenRequests int           // probes allowed while half-open
}

type OpenWeatherClient struct {
	apiKey   string
	apiURL   string
	timeout  time.Duration
	client   *http.Client
	validate *validator.Validate
	breaker  *gobreaker.CircuitBreaker
}

func NewOpenWeatherClient(apiKey, apiURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	return NewOpenWeatherClientWithBreaker(apiKey, apiURL, timeout, BreakerConfig{})
}

func NewOpenWeatherClientWithBreaker(apiKey, apiURL string, timeout time.Duration, bc BreakerConfig) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if _, err := url.Parse(apiURL); err != nil || apiURL == "" {
		return nil, fmt.Errorf("invalid API URL %q", apiURL)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	c := &OpenWeatherClient{
		apiKey:   apiKey,
		apiURL:   apiURL,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		validate: validator.New(),
	}
	if bc.Enabled {
		c.breaker = newBreaker(bc)
	}
	return c, nil
}

func newBreaker(bc BreakerConfig) *gobreaker.CircuitBreaker {
	threshold := uint32(bc.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	halfOpen := uint32(bc.HalfOpenRequests)
	if halfOpen == 0 {
		halfOpen = 1
	}
	observability.CircuitBreakerState.Set(0)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "weather_api",
		MaxRequests: halfOpen,
		Timeout:     bc.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// An unknown city is a valid answer from a healthy provider.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrCityNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.CircuitBreakerTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
			observability.CircuitBreakerState.Set(breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// CircuitOpen reports whether the breaker is currently rejecting calls.
func (c *OpenWeatherClient) CircuitOpen() bool {
	return c.breaker != nil && c.breaker.State() == gobreaker.StateOpen
}

// openWeatherResponse is the subset of the provider body we consume. Numbers
// are kept as json.Number so their literal text is mirrored into the Reading.
type openWeatherResponse struct {
	Name    *string        `json:"name"`
	Main    *owmMain       `json:"main"`
	Wind    *owmWind       `json:"wind" validate:"required"`
	Weather []owmCondition `json:"weather" validate:"required,min=1,dive"`
}

type owmMain struct {
	Temp     json.Number `json:"temp" validate:"required"`
	Humidity json.Number `json:"humidity" validate:"required"`
	Pressure json.Number `json:"pressure" validate:"required"`
}

type owmWind struct {
	Speed json.Number `json:"speed" validate:"required"`
	Deg   json.Number `json:"deg" validate:"required"`
}

type owmCondition struct {
	Icon string `json:"icon" validate:"required"`
}

// Fetch makes exactly one provider request for city. There are no retries.
func (c *OpenWeatherClient) Fetch(ctx context.Context, city string) (models.Reading, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, city)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.callAPI(ctx, city)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(ErrorCategoryCircuitOpen)).Inc()
		return models.Reading{}, fmt.Errorf("%w: %w", ErrUnavailable, ErrCircuitOpen)
	}
	if err != nil {
		return models.Reading{}, err
	}
	return out.(models.Reading), nil
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, city string) (models.Reading, error) {
	reading, err := c.doRequest(ctx, city)
	if err != nil {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
	}
	return reading, err
}

func (c *OpenWeatherClient) doRequest(ctx context.Context, city string) (models.Reading, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, city)
	if err != nil {
		return models.Reading{}, fmt.Errorf("%w: build request: %w", ErrUnavailable, err)
	}
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return models.Reading{}, fmt.Errorf("%w: request failed: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := c.handleErrorResponse(resp); err != nil {
		return models.Reading{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.Reading{}, fmt.Errorf("%w: read response body: %w", ErrUnavailable, err)
	}

	var apiResp openWeatherResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.Reading{}, fmt.Errorf("%w: parse response: %w", ErrUnavailable, err)
	}

	return c.mapResponse(apiResp, city, time.Now().UTC().Truncate(time.Microsecond))
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, city string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := baseURL.Query()
	params.Set("q", city)
	params.Set("appid", c.apiKey)
	params.Set("units", "metric")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenWeatherClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrCityNotFound
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrUnavailable, ErrInvalidAPIKey)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrUnavailable, ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// mapResponse turns a decoded body into a complete Reading. A body without a
// city name or main block means the provider did not resolve the city.
// fetchedAt is kept at microsecond precision, the finest every store keeps.
func (c *OpenWeatherClient) mapResponse(apiResp openWeatherResponse, city string, fetchedAt time.Time) (models.Reading, error) {
	if apiResp.Name == nil || *apiResp.Name == "" || apiResp.Main == nil {
		return models.Reading{}, fmt.Errorf("%w: %q", ErrCityNotFound, city)
	}
	if err := c.validate.Struct(apiResp); err != nil {
		return models.Reading{}, fmt.Errorf("%w: %w: %q: %v", ErrCityNotFound, ErrIncompleteResponse, city, err)
	}

	r := models.Reading{
		CityName:      *apiResp.Name,
		Temperature:   apiResp.Main.Temp.String(),
		Humidity:      apiResp.Main.Humidity.String(),
		WindSpeed:     apiResp.Wind.Speed.String(),
		WindDirection: apiResp.Wind.Deg.String(),
		Pressure:      apiResp.Main.Pressure.String(),
		IconCode:      apiResp.Weather[0].Icon,
		LastUpdated:   fetchedAt,
	}
	if !r.Complete() {
		return models.Reading{}, fmt.Errorf("%w: %w: %q", ErrCityNotFound, ErrIncompleteResponse, city)
	}
	return r, nil
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusNotFound:
		return "not_found"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey makes one request for a known city and reports whether the
// provider accepted the key. Used at startup when enabled in config.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(ctx, "London")
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}
	return nil
}
