package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dispatch/internal/config"

	"github.com/go-redis/redis/v8"
)

// RedisKeyStore keeps the dedup key set in redis.
// Params: redis client and key namespace prefix.
// Returns: KeyStore implementation for deployments with an existing redis.
type RedisKeyStore struct {
	client *redis.Client
	prefix string
}

// NewRedisKeyStore connects to redis and verifies the link with a ping.
// Params: redis settings from config.
// Returns: initialized key store or connection error.
func NewRedisKeyStore(settings config.RedisConfig) (*RedisKeyStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        settings.Addr,
		Password:    settings.Password,
		DB:          settings.DB,
		DialTimeout: time.Duration(settings.DialTimeoutMS) * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(settings.DialTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %q: %w", settings.Addr, err)
	}
	return &RedisKeyStore{client: client, prefix: settings.KeyPrefix}, nil
}

// PutKey records one dedup key.
// Params: dedup key token.
// Returns: redis SET error.
func (s *RedisKeyStore) PutKey(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return faultsNotInitialized()
	}
	if err := s.client.Set(ctx, s.prefix+key, "1", 0).Err(); err != nil {
		return fmt.Errorf("put dedup key: %w", err)
	}
	return nil
}

// KeyExists reports whether a dedup key is recorded.
// Params: dedup key token.
// Returns: true when present.
func (s *RedisKeyStore) KeyExists(ctx context.Context, key string) (bool, error) {
	if s == nil || s.client == nil {
		return false, faultsNotInitialized()
	}
	err := s.client.Get(ctx, s.prefix+key).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("get dedup key: %w", err)
	}
	return true, nil
}

// AllKeys scans every recorded dedup key under the namespace prefix.
// Params: none (uses SCAN, safe on large keyspaces).
// Returns: key slice with the prefix stripped.
func (s *RedisKeyStore) AllKeys(ctx context.Context) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, faultsNotInitialized()
	}
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 1000).Result()
		if err != nil {
			return nil, fmt.Errorf("scan dedup keys: %w", err)
		}
		for _, key := range keys {
			out = append(out, strings.TrimPrefix(key, s.prefix))
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// Close closes the redis client.
// Params: none.
// Returns: client close error.
func (s *RedisKeyStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
