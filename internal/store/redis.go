package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kjstillabower/city-weather-proxy/internal/models"
)

const redisKeyPrefix = "reading:"

// RedisStore implements Store on Redis. SET replaces the value atomically and
// keys carry no TTL.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing client. The store owns it and closes it on Close.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// OpenRedis creates a client for addr and returns a store over it.
func OpenRedis(addr, password string, db int) *RedisStore {
	return NewRedisStore(redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}))
}

func redisKey(key string) string {
	return redisKeyPrefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (models.Reading, bool, error) {
	raw, err := s.rdb.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Reading{}, false, nil
	}
	if err != nil {
		return models.Reading{}, false, unavailable("get", err)
	}
	r, err := decodeReading(raw)
	if err != nil {
		return models.Reading{}, false, unavailable("decode", err)
	}
	return r, true, nil
}

func (s *RedisStore) Upsert(ctx context.Context, key string, r models.Reading) error {
	if err := checkUpsert(key, r); err != nil {
		return err
	}
	raw, err := encodeReading(r)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	if err := s.rdb.Set(ctx, redisKey(key), raw, 0).Err(); err != nil {
		return unavailable("upsert", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, redisKey(key)).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
