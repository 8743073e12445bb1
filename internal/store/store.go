package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/kjstillabower/city-weather-proxy/internal/models"
)

// Store holds the latest Reading per normalized city key. Implementations
// replace a reading in one atomic operation; a key is either absent or maps
// to a complete Reading.
type Store interface {
	// Get returns (reading, true, nil) when key is present, (zero, false, nil) when absent.
	Get(ctx context.Context, key string) (models.Reading, bool, error)
	// Upsert inserts or fully replaces the reading for key.
	Upsert(ctx context.Context, key string, r models.Reading) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

var (
	// ErrUnavailable wraps every backend failure (connection, query, decode).
	ErrUnavailable = errors.New("store unavailable")

	// ErrIncompleteReading is returned by Upsert for readings with missing fields.
	ErrIncompleteReading = errors.New("incomplete reading")

	// ErrEmptyKey is returned when key is blank.
	ErrEmptyKey = errors.New("empty store key")
)

func checkUpsert(key string, r models.Reading) error {
	if key == "" {
		return ErrEmptyKey
	}
	if !r.Complete() {
		return fmt.Errorf("%w for %q", ErrIncompleteReading, key)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
