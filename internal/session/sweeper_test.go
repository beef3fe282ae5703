// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuvemplay/core/internal/domain"
)

func TestSweepOnceRunsAllPasses(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now().UTC()

	hostID := seedHost(t, st, "host-user", now)
	pc := seedPC(t, st, hostID, 10, now)
	seedClient(t, st, "client-1", 100, now)

	se, err := svc.Create(ctx, CreateParams{PCID: pc.ID, ClientUserID: "client-1", MinutesPurchased: 30})
	require.NoError(t, err)
	_, err = svc.Start(ctx, se.ID, "client-1")
	require.NoError(t, err)
	clock.Advance(31 * time.Minute)

	var promoted, tokens, minutes int
	sw := &Sweeper{
		Service: svc,
		Conf:    SweeperConfig{Interval: time.Minute},
		Clock:   clock,
		ExpirePromotedFn: func(context.Context) (int, error) {
			promoted++
			return 0, nil
		},
		PruneTokensFn: func(context.Context) (int, error) {
			tokens++
			return 0, nil
		},
		PruneMinutesFn: func(context.Context) (int, error) {
			minutes++
			return 0, nil
		},
	}
	sw.SweepOnce(ctx)

	assert.Equal(t, 1, promoted)
	assert.Equal(t, 1, tokens)
	assert.Equal(t, 1, minutes)

	got, err := st.GetSession(ctx, se.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionEnded, got.Status)
}

func TestSweepOnceToleratesNilPasses(t *testing.T) {
	svc, _, clock := newTestService(t)
	sw := &Sweeper{Service: svc, Conf: SweeperConfig{Interval: time.Minute}, Clock: clock}
	sw.SweepOnce(context.Background()) // must not panic with no optional passes
}

func TestSweeperRecordsLastRun(t *testing.T) {
	svc, _, clock := newTestService(t)
	sw := &Sweeper{Service: svc, Conf: SweeperConfig{Interval: time.Minute}, Clock: clock}

	assert.True(t, sw.LastRun().IsZero())
	sw.SweepOnce(context.Background())
	assert.Equal(t, clock.Now(), sw.LastRun())
}

func TestSweeperRunTicksAndStops(t *testing.T) {
	svc, _, clock := newTestService(t)

	swept := make(chan struct{}, 8)
	sw := &Sweeper{
		Service: svc,
		Conf:    SweeperConfig{Interval: time.Minute},
		Clock:   clock,
		ExpirePromotedFn: func(context.Context) (int, error) {
			swept <- struct{}{}
			return 0, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	// The initial pass fires before the first tick.
	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("initial sweep did not run")
	}

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker sweep did not run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}

func TestSweeperRunNoIntervalReturns(t *testing.T) {
	svc, _, _ := newTestService(t)
	sw := &Sweeper{Service: svc}

	done := make(chan struct{})
	go func() {
		sw.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper with zero interval must return immediately")
	}
}
