package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-proxy/internal/client"
	"github.com/kjstillabower/city-weather-proxy/internal/config"
	httphandler "github.com/kjstillabower/city-weather-proxy/internal/http"
	"github.com/kjstillabower/city-weather-proxy/internal/lifecycle"
	"github.com/kjstillabower/city-weather-proxy/internal/observability"
	"github.com/kjstillabower/city-weather-proxy/internal/service"
	"github.com/kjstillabower/city-weather-proxy/internal/store"
	"github.com/kjstillabower/city-weather-proxy/internal/traffic"
	"github.com/kjstillabower/city-weather-proxy/internal/warming"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	weatherClient, err := client.NewOpenWeatherClientWithBreaker(
		cfg.WeatherAPIKey,
		cfg.WeatherAPIURL,
		cfg.WeatherAPITimeout,
		client.BreakerConfig{
			Enabled:          cfg.CircuitBreakerEnabled,
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			OpenTimeout:      cfg.CircuitBreakerTimeout,
			HalfOpenRequests: cfg.CircuitBreakerHalfOpenRequests,
		},
	)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	if cfg.CircuitBreakerEnabled {
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}
	if cfg.ValidateAPIKeyOnStart {
		if err := weatherClient.ValidateAPIKey(context.Background()); err != nil {
			logger.Fatal("weather API key validation", zap.Error(err))
		}
		logger.Info("weather API key validated")
	}

	readingStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("reading store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}

	weatherService := service.NewWeatherService(weatherClient, readingStore)

	if len(cfg.TrackedCities) > 0 {
		observability.SetTrackedCities(cfg.TrackedCities)
	}

	var warmer *warming.Warmer
	if cfg.WarmEnabled && len(cfg.TrackedCities) > 0 {
		warmer = warming.NewWarmer(weatherService, cfg.TrackedCities, cfg.WarmTimeout, logger)
		if err := warmer.Start(cfg.WarmInterval); err != nil {
			logger.Fatal("reading warmer", zap.Error(err))
		}
		logger.Info("reading warmer started", zap.Strings("cities", cfg.TrackedCities), zap.Duration("interval", cfg.WarmInterval))
	}

	state := lifecycle.New()
	tracker := traffic.NewTracker(cfg.DegradedWindow)
	handler := httphandler.NewHandler(
		weatherService,
		cfg.DefaultCity,
		httphandler.HealthConfig{
			DegradedWindow:      cfg.DegradedWindow,
			DegradedErrorPct:    cfg.DegradedErrorPct,
			DegradedMinRequests: cfg.DegradedMinRequests,
			StorePing:           readingStore.Ping,
			CircuitOpen:         weatherClient.CircuitOpen,
		},
		tracker,
		state,
		logger,
	)
	router := httphandler.NewRouter(handler, state, logger, httphandler.RouterConfig{
		RequestTimeout:     cfg.RequestTimeout,
		TestingMode:        cfg.TestingMode,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort), zap.String("store_backend", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	state.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", state.InFlight()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := state.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", state.InFlight()))
	}

	if warmer != nil {
		warmer.Stop()
	}
	if err := readingStore.Close(); err != nil {
		logger.Error("reading store close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// openStore constructs the reading store selected by cfg.StoreBackend.
func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn("store backend: memory; readings are lost on restart")
		return store.NewMemoryStore(), nil
	case config.BackendMemcached:
		logger.Info("store backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return store.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns), nil
	case config.BackendRedis:
		logger.Info("store backend: redis", zap.String("addr", cfg.RedisAddr))
		return store.OpenRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), nil
	case config.BackendPostgres:
		logger.Info("store backend: postgres", zap.String("host", cfg.PostgresHost), zap.String("db", cfg.PostgresDB))
		db, err := store.OpenPostgres(cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresSSLMode)
		if err != nil {
			return nil, err
		}
		return store.NewSQLStore(db)
	case config.BackendSQLite:
		logger.Info("store backend: sqlite", zap.String("path", cfg.SQLitePath))
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store.NewSQLStore(db)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}
