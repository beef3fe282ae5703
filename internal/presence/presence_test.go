// SPDX-License-Identifier: MIT

package presence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

func sampleState(streamID string) RoomState {
	return RoomState{
		StreamID:      streamID,
		SessionID:     "sess-1",
		PCID:          "pc-1",
		HostConnected: true,
		ViewerCount:   1,
		LastFrameAt:   time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:     time.Date(2025, 7, 1, 9, 0, 1, 0, time.UTC),
	}
}

// exerciseStore runs the backend-independent contract.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown room, got %+v", got)
	}

	state := sampleState("room-1")
	if err := s.Set(ctx, state, 5*time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err = s.Get(ctx, "room-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected state, got nil")
	}
	if got.SessionID != "sess-1" || !got.HostConnected || got.ViewerCount != 1 {
		t.Errorf("state mismatch: %+v", got)
	}
	if !got.LastFrameAt.Equal(state.LastFrameAt) {
		t.Errorf("lastFrameAt mismatch: %v", got.LastFrameAt)
	}

	// Overwrite wins.
	state.ViewerCount = 3
	state.HostConnected = false
	if err := s.Set(ctx, state, 5*time.Minute); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err = s.Get(ctx, "room-1")
	if err != nil {
		t.Fatalf("get after overwrite: %v", err)
	}
	if got.ViewerCount != 3 || got.HostConnected {
		t.Errorf("overwrite not applied: %+v", got)
	}

	if err := s.Delete(ctx, "room-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = s.Get(ctx, "room-1")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}

	// Deleting an absent room is fine.
	if err := s.Delete(ctx, "room-1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	if err := s.HealthCheck(ctx); err != nil {
		t.Errorf("health check: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	exerciseStore(t, s)
}

func TestMemoryStoreTTL(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	if err := s.Set(ctx, sampleState("short"), 50*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	got, err := s.Get(ctx, "short")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected expiry, got %+v", got)
	}
}

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	s, err := NewRedisStore(RedisConfig{Addr: mr.Addr()}, zerolog.Nop())
	if err != nil {
		mr.Close()
		t.Fatalf("failed to build redis store: %v", err)
	}
	return mr, s
}

func TestRedisStore(t *testing.T) {
	mr, s := setupMiniRedis(t)
	defer mr.Close()
	defer func() { _ = s.Close() }()
	exerciseStore(t, s)
}

func TestRedisStoreTTL(t *testing.T) {
	mr, s := setupMiniRedis(t)
	defer mr.Close()
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	if err := s.Set(ctx, sampleState("short"), 100*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.FastForward(200 * time.Millisecond)
	got, err := s.Get(ctx, "short")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected expiry, got %+v", got)
	}
}

func TestRedisStoreUnreachable(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{Addr: "127.0.0.1:1"}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected connection error")
	}
}

func TestBadgerStore(t *testing.T) {
	s, err := NewBadgerStore(filepath.Join(t.TempDir(), "presence"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = s.Close() }()
	exerciseStore(t, s)
}

func TestBadgerStoreTTL(t *testing.T) {
	s, err := NewBadgerStore(filepath.Join(t.TempDir(), "presence"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	if err := s.Set(ctx, sampleState("short"), 100*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	got, err := s.Get(ctx, "short")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected expiry, got %+v", got)
	}
}

func TestBadgerStoreSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "presence")
	ctx := context.Background()

	s, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Set(ctx, sampleState("durable"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = NewBadgerStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()
	got, err := s.Get(ctx, "durable")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.SessionID != "sess-1" {
		t.Errorf("state did not survive reopen: %+v", got)
	}
}

func TestFactory(t *testing.T) {
	s, err := New(Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("default backend: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("expected memory backend by default, got %T", s)
	}
	_ = s.Close()

	s, err = New(Config{Backend: BackendBadger, BadgerPath: filepath.Join(t.TempDir(), "p")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("badger backend: %v", err)
	}
	if _, ok := s.(*BadgerStore); !ok {
		t.Errorf("expected badger backend, got %T", s)
	}
	_ = s.Close()

	if _, err := New(Config{Backend: "etcd"}, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown backend")
	}
}
