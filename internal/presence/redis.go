// SPDX-License-Identifier: MIT

package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisKeyPrefix = "presence:room:"

// RedisConfig holds the connection parameters for the redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore keeps room state in Redis so operators can inspect rooms
// from outside the relay process.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisStore connects and verifies the server before returning.
func NewRedisStore(cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("presence store connected to redis")
	return &RedisStore{client: client, logger: logger}, nil
}

func (s *RedisStore) Set(ctx context.Context, state RoomState, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, redisKeyPrefix+state.StreamID, data, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, streamID string) (*RoomState, error) {
	val, err := s.client.Get(ctx, redisKeyPrefix+streamID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state RoomState
	if err := json.Unmarshal(val, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *RedisStore) Delete(ctx context.Context, streamID string) error {
	return s.client.Del(ctx, redisKeyPrefix+streamID).Err()
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
