package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/city-weather-proxy/internal/models"
)

const memcachedKeyPrefix = "reading:"

// MemcachedStore implements Store on memcached. Items never expire; staleness
// is decided by the freshness policy, not by the backend.
type MemcachedStore struct {
	client *memcache.Client
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use the gomemcache defaults when zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedStore {
	servers := ParseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client}
}

// ParseAddrs splits a comma-separated address list, dropping blanks.
func ParseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// memcached keys may not contain spaces and are limited to 250 bytes.
func memcachedKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return memcachedKeyPrefix + hex.EncodeToString(sum[:])
}

func (s *MemcachedStore) Get(ctx context.Context, key string) (models.Reading, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Reading{}, false, unavailable("get", err)
	}
	item, err := s.client.Get(memcachedKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return models.Reading{}, false, nil
	}
	if err != nil {
		return models.Reading{}, false, unavailable("get", err)
	}
	r, err := decodeReading(item.Value)
	if err != nil {
		return models.Reading{}, false, unavailable("decode", err)
	}
	return r, true, nil
}

func (s *MemcachedStore) Upsert(ctx context.Context, key string, r models.Reading) error {
	if err := checkUpsert(key, r); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return unavailable("upsert", err)
	}
	raw, err := encodeReading(r)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	if err := s.client.Set(&memcache.Item{Key: memcachedKey(key), Value: raw}); err != nil {
		return unavailable("upsert", err)
	}
	return nil
}

func (s *MemcachedStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("delete", err)
	}
	err := s.client.Delete(memcachedKey(key))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return unavailable("delete", err)
	}
	return nil
}

// Ping checks that every configured server answers.
func (s *MemcachedStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *MemcachedStore) Close() error {
	return s.client.Close()
}
