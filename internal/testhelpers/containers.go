//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	PostgresUser     = "weather"
	PostgresPassword = "weather"
	PostgresDB       = "weather"
)

// Endpoint is a started container's reachable address.
type Endpoint struct {
	Host string
	Port int
}

// Addr returns "host:port".
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// StartPostgres starts a PostgreSQL container and terminates it when t finishes.
func StartPostgres(t *testing.T) Endpoint {
	t.Helper()
	return start(t, tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     PostgresUser,
			"POSTGRES_PASSWORD": PostgresPassword,
			"POSTGRES_DB":       PostgresDB,
		},
		// postgres logs readiness twice: once for the init server, once for the real one.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}, "5432/tcp")
}

// StartRedis starts a Redis container and terminates it when t finishes.
func StartRedis(t *testing.T) Endpoint {
	t.Helper()
	return start(t, tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}, "6379/tcp")
}

// StartMemcached starts a memcached container and terminates it when t finishes.
func StartMemcached(t *testing.T) Endpoint {
	t.Helper()
	return start(t, tc.ContainerRequest{
		Image:        "memcached:1.6-alpine",
		ExposedPorts: []string{"11211/tcp"},
		WaitingFor:   wait.ForListeningPort("11211/tcp").WithStartupTimeout(30 * time.Second),
	}, "11211/tcp")
}

func start(t *testing.T, req tc.ContainerRequest, port nat.Port) Endpoint {
	t.Helper()
	if os.Getenv("SKIP_CONTAINERS") != "" {
		t.Skip("SKIP_CONTAINERS set, skipping container-backed test")
	}

	ctx := context.Background()
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start %s container: %v", req.Image, err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("%s host: %v", req.Image, err)
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("%s mapped port: %v", req.Image, err)
	}
	p, err := strconv.Atoi(mapped.Port())
	if err != nil {
		t.Fatalf("%s port %q: %v", req.Image, mapped.Port(), err)
	}
	return Endpoint{Host: host, Port: p}
}

// WeatherAPIKey returns WEATHER_API_KEY or skips the test when unset.
func WeatherAPIKey(t *testing.T) string {
	t.Helper()
	key := os.Getenv("WEATHER_API_KEY")
	if key == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}
	return key
}

// WeatherAPIURL returns WEATHER_API_URL or the OpenWeatherMap default.
func WeatherAPIURL() string {
	if u := os.Getenv("WEATHER_API_URL"); u != "" {
		return u
	}
	return "https://api.openweathermap.org/data/2.5/weather"
}
