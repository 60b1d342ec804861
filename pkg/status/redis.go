package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists run status records in Redis with a TTL so stale
// runs age out on their own.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed status store.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "gsc:run:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// SetStatus writes the status record.
func (s *RedisStore) SetStatus(ctx context.Context, status RunStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal run status: %w", err)
	}
	return s.client.Set(ctx, s.prefix+status.RunID, payload, s.ttl).Err()
}

// GetStatus reads the status record.
func (s *RedisStore) GetStatus(ctx context.Context, runID string) (RunStatus, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+runID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return RunStatus{}, false, nil
		}
		return RunStatus{}, false, fmt.Errorf("get run status: %w", err)
	}

	var status RunStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return RunStatus{}, false, fmt.Errorf("parse run status: %w", err)
	}
	return status, true, nil
}
