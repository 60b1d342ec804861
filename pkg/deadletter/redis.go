package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends failures as JSON records to a Redis list so they
// survive the process and can be drained by tooling.
type RedisSink struct {
	client *redis.Client
	key    string
}

// NewRedisSink creates a sink writing to the given list key.
func NewRedisSink(client *redis.Client, key string) *RedisSink {
	if key == "" {
		key = "gsc:dead_letters"
	}
	return &RedisSink{client: client, key: key}
}

// Record pushes the failure onto the list.
func (s *RedisSink) Record(ctx context.Context, failure Failure) error {
	payload, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	if err := s.client.RPush(ctx, s.key, payload).Err(); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}

	deadLettersTotal.WithLabelValues("redis").Inc()
	return nil
}

// Drain pops up to limit failures from the list for inspection.
func (s *RedisSink) Drain(ctx context.Context, limit int) ([]Failure, error) {
	var failures []Failure
	for i := 0; i < limit; i++ {
		val, err := s.client.LPop(ctx, s.key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return failures, fmt.Errorf("pop dead letter: %w", err)
		}

		var failure Failure
		if err := json.Unmarshal([]byte(val), &failure); err != nil {
			return failures, fmt.Errorf("parse dead letter: %w", err)
		}
		failures = append(failures, failure)
	}
	return failures, nil
}
