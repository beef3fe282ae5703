// SPDX-License-Identifier: MIT

package presence

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore is the default single-process backend.
type MemoryStore struct {
	cache *ttlcache.Cache[string, RoomState]
}

// NewMemoryStore builds an in-memory store with a running janitor.
func NewMemoryStore() *MemoryStore {
	c := ttlcache.New[string, RoomState]()
	go c.Start()
	return &MemoryStore{cache: c}
}

func (s *MemoryStore) Set(ctx context.Context, state RoomState, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	s.cache.Set(state.StreamID, state, ttl)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, streamID string) (*RoomState, error) {
	item := s.cache.Get(streamID)
	if item == nil {
		return nil, nil
	}
	state := item.Value()
	return &state, nil
}

func (s *MemoryStore) Delete(ctx context.Context, streamID string) error {
	s.cache.Delete(streamID)
	return nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.cache.Stop()
	return nil
}
