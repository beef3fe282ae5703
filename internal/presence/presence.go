// SPDX-License-Identifier: MIT

// Package presence is the room-state registry behind the relay: who is in
// which stream room, when the last frame moved, whether the host side is
// up. The relay remains single-process; the pluggable backends exist so
// operators can watch rooms from outside the process (redis) or keep them
// across restarts (badger), not to forward frames between instances.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RoomState is one relay room's observable state.
type RoomState struct {
	StreamID      string    `json:"streamId"`
	SessionID     string    `json:"sessionId"`
	PCID          string    `json:"pcId"`
	HostConnected bool      `json:"hostConnected"`
	ViewerCount   int       `json:"viewerCount"`
	LastFrameAt   time.Time `json:"lastFrameAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store persists room state with a per-entry TTL so rooms that die without
// a clean teardown age out on their own.
type Store interface {
	// Set writes the state, replacing any previous entry. A non-positive
	// ttl means no expiry.
	Set(ctx context.Context, state RoomState, ttl time.Duration) error
	// Get returns the state or nil when the room is unknown or expired.
	Get(ctx context.Context, streamID string) (*RoomState, error)
	// Delete removes the room. Deleting an absent room is not an error.
	Delete(ctx context.Context, streamID string) error
	// HealthCheck reports backend reachability.
	HealthCheck(ctx context.Context) error
	Close() error
}

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// Config selects and parameterizes the backend.
type Config struct {
	Backend    string
	Redis      RedisConfig
	BadgerPath string
}

// New builds the configured backend. An empty backend means memory.
func New(cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		return NewRedisStore(cfg.Redis, logger)
	case BackendBadger:
		return NewBadgerStore(cfg.BadgerPath)
	default:
		return nil, fmt.Errorf("unknown presence backend %q", cfg.Backend)
	}
}
