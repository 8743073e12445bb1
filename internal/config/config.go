package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends accepted by store.backend / STORE_BACKEND.
const (
	BackendSQLite    = "sqlite"
	BackendPostgres  = "postgres"
	BackendMemcached = "memcached"
	BackendRedis     = "redis"
	BackendMemory    = "memory"
)

// Config holds service configuration loaded from YAML, secrets and env.
// It is built once in main and passed to each component.
type Config struct {
	TestingMode bool

	ServerPort  string
	DefaultCity string

	WeatherAPIKey         string
	WeatherAPIURL         string
	WeatherAPITimeout     time.Duration
	ValidateAPIKeyOnStart bool

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerTimeout          time.Duration
	CircuitBreakerHalfOpenRequests int

	RequestTimeout time.Duration

	StoreBackend string

	SQLitePath string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CORSAllowedOrigins []string

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	DegradedWindow      time.Duration
	DegradedErrorPct    int
	DegradedMinRequests int

	TrackedCities []string
	WarmEnabled   bool
	WarmInterval  time.Duration
	WarmTimeout   time.Duration
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port        string `yaml:"port"`
		DefaultCity string `yaml:"default_city"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL             string `yaml:"url"`
		Timeout         string `yaml:"timeout"`
		ValidateOnStart bool   `yaml:"validate_on_start"`
		CircuitBreaker  struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			Timeout          string `yaml:"timeout"`
			HalfOpenRequests int    `yaml:"half_open_requests"`
		} `yaml:"circuit_breaker"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Store struct {
		Backend string `yaml:"backend"`
		SQLite  struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		Postgres struct {
			Host    string `yaml:"host"`
			Port    int    `yaml:"port"`
			User    string `yaml:"user"`
			DB      string `yaml:"db"`
			SSLMode string `yaml:"sslmode"`
		} `yaml:"postgres"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr string `yaml:"addr"`
			DB   int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"store"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Health struct {
		DegradedWindow      string `yaml:"degraded_window"`
		DegradedErrorPct    int    `yaml:"degraded_error_pct"`
		DegradedMinRequests int    `yaml:"degraded_min_requests"`
	} `yaml:"health"`

	Warming struct {
		Enabled  bool     `yaml:"enabled"`
		Cities   []string `yaml:"cities"`
		Interval string   `yaml:"interval"`
		Timeout  string   `yaml:"timeout"`
	} `yaml:"warming"`
}

type secretsFile struct {
	WeatherAPIKey    string `yaml:"weather_api_key"`
	PostgresPassword string `yaml:"postgres_password"`
	RedisPassword    string `yaml:"redis_password"`
}

// Load reads .env (if present), config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml relative to the working directory. Environment
// variables override file values. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = firstNonEmpty(fc.Server.Port, "8080")
	cfg.DefaultCity = firstNonEmpty(strings.TrimSpace(fc.Server.DefaultCity), "Guntersville")

	cfg.WeatherAPIKey = firstNonEmpty(os.Getenv("WEATHER_API_KEY"), sec.WeatherAPIKey)
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env or config/secrets.yaml weather_api_key)")
	}
	cfg.WeatherAPIURL = firstNonEmpty(fc.WeatherAPI.URL, "https://api.openweathermap.org/data/2.5/weather")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.ValidateAPIKeyOnStart = fc.WeatherAPI.ValidateOnStart

	cb := fc.WeatherAPI.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled
	cfg.CircuitBreakerFailureThreshold = positiveOr(cb.FailureThreshold, 5)
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)
	cfg.CircuitBreakerHalfOpenRequests = positiveOr(cb.HalfOpenRequests, 1)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(firstNonEmpty(os.Getenv("STORE_BACKEND"), fc.Store.Backend, BackendSQLite)))

	cfg.SQLitePath = firstNonEmpty(os.Getenv("SQLITE_PATH"), fc.Store.SQLite.Path, "readings.db")

	pg := fc.Store.Postgres
	cfg.PostgresHost = firstNonEmpty(os.Getenv("POSTGRES_HOST"), pg.Host, "localhost")
	cfg.PostgresPort = positiveOr(pg.Port, 5432)
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("POSTGRES_PORT: %w", err)
		}
		cfg.PostgresPort = p
	}
	cfg.PostgresUser = firstNonEmpty(os.Getenv("POSTGRES_USER"), pg.User, "weather")
	cfg.PostgresPassword = firstNonEmpty(os.Getenv("POSTGRES_PASSWORD"), sec.PostgresPassword)
	cfg.PostgresDB = firstNonEmpty(os.Getenv("POSTGRES_DB"), pg.DB, "weather")
	cfg.PostgresSSLMode = firstNonEmpty(pg.SSLMode, "disable")

	mc := fc.Store.Memcached
	cfg.MemcachedAddrs = strings.TrimSpace(firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), mc.Addrs, "localhost:11211"))
	cfg.MemcachedTimeout = parseDuration(mc.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(mc.MaxIdleConns, 2)

	cfg.RedisAddr = firstNonEmpty(os.Getenv("REDIS_ADDR"), fc.Store.Redis.Addr, "localhost:6379")
	cfg.RedisPassword = firstNonEmpty(os.Getenv("REDIS_PASSWORD"), sec.RedisPassword)
	cfg.RedisDB = fc.Store.Redis.DB

	cfg.CORSAllowedOrigins = fc.CORS.AllowedOrigins
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitList(v)
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, time.Minute)
	cfg.DegradedErrorPct = positiveOr(fc.Health.DegradedErrorPct, 20)
	cfg.DegradedMinRequests = positiveOr(fc.Health.DegradedMinRequests, 10)

	cfg.TrackedCities = fc.Warming.Cities
	cfg.WarmEnabled = fc.Warming.Enabled
	cfg.WarmInterval = parseDuration(fc.Warming.Interval, 30*time.Minute)
	cfg.WarmTimeout = parseDuration(fc.Warming.Timeout, 30*time.Second)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDuration parses s, returning defaultVal when s is empty, invalid, or not positive.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses s, returning defaultVal on empty string or parse error.
// Zero and negative durations are returned as-is for validate to reject.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate checks loaded values. RequestTimeout is raised above
// WeatherAPITimeout so a refresh can finish inside the request budget.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	switch cfg.StoreBackend {
	case BackendSQLite, BackendPostgres, BackendMemcached, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("store.backend must be one of sqlite, postgres, memcached, redis, memory; got %q", cfg.StoreBackend)
	}
	if cfg.DegradedErrorPct > 100 {
		return fmt.Errorf("health.degraded_error_pct must be at most 100, got %d", cfg.DegradedErrorPct)
	}
	if len(cfg.DefaultCity) > 100 {
		return fmt.Errorf("server.default_city too long")
	}
	return nil
}
