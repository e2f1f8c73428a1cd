// Package snapshot reads the producer-maintained last-price records used
// to seed new price subscriptions. Absence of a snapshot is not an error.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "last_price:"

// RedisSource reads last-price snapshots from Redis.
type RedisSource struct {
	client *redis.Client
	prefix string
}

// NewRedisSource creates a snapshot reader on a shared Redis client.
func NewRedisSource(client *redis.Client, prefix string) *RedisSource {
	return &RedisSource{client: client, prefix: prefix}
}

// LastPrice returns the last known price payload for a market, or nil
// when no snapshot exists.
func (s *RedisSource) LastPrice(ctx context.Context, marketID string) (map[string]any, error) {
	raw, err := s.client.Get(ctx, s.prefix+keyPrefix+marketID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot for %s: %w", marketID, err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", marketID, err)
	}
	return data, nil
}
