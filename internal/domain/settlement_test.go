// SPDX-License-Identifier: MIT

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettleFullUseNoFault(t *testing.T) {
	// 60 purchased minutes at 10/h, 30 used, 10% fee, no fault.
	s := Settle(10, 60, 30, 0.1, 0.3, FailureNone)

	assert.InDelta(t, 10.0, s.TotalPurchased, 0.001)
	assert.InDelta(t, 0.5, s.UsageRatio, 0.001)
	assert.InDelta(t, 5.0, s.Proportional, 0.001)
	assert.InDelta(t, 0.5, s.PlatformFee, 0.001)
	assert.InDelta(t, 4.5, s.HostPayout, 0.001)
	assert.Zero(t, s.ClientCredit)
}

func TestSettleHostFault(t *testing.T) {
	// 15 of 60 minutes used before the host dropped; 30% penalty applies to
	// the host base and the difference is credited back to the client.
	s := Settle(10, 60, 15, 0.1, 0.3, FailureHost)

	assert.InDelta(t, 2.5, s.Proportional, 0.001)
	assert.InDelta(t, 0.25, s.PlatformFee, 0.001)
	assert.InDelta(t, 2.25, s.HostBase, 0.001)
	assert.InDelta(t, 1.575, s.HostPayout, 0.01)
	assert.InDelta(t, 0.675, s.ClientCredit, 0.01)
}

func TestSettleConservation(t *testing.T) {
	cases := []struct {
		price           float64
		purchased, used int
		fee, penalty    float64
		reason          FailureReason
	}{
		{10, 60, 30, 0.1, 0.3, FailureNone},
		{10, 60, 15, 0.1, 0.3, FailureHost},
		{7.99, 240, 240, 0.15, 0.5, FailureHost},
		{3.33, 17, 5, 0.1, 0.3, FailureClient},
		{0, 60, 60, 0.1, 0.3, FailureNone},
		{12.5, 90, 91, 0.1, 0.3, FailureHost}, // usage beyond purchase clamps
	}
	for _, tc := range cases {
		s := Settle(tc.price, tc.purchased, tc.used, tc.fee, tc.penalty, tc.reason)
		sum := s.PlatformFee + s.HostPayout + s.ClientCredit
		assert.InDeltaf(t, s.Proportional, sum, 0.02,
			"payout split must conserve the proportional amount (price=%v used=%d)", tc.price, tc.used)
		assert.GreaterOrEqual(t, s.HostPayout, 0.0)
		assert.GreaterOrEqual(t, s.ClientCredit, 0.0)
		assert.LessOrEqual(t, s.UsageRatio, 1.0)
		assert.GreaterOrEqual(t, s.UsageRatio, 0.0)
	}
}

func TestSettleUsageClamps(t *testing.T) {
	over := Settle(10, 60, 600, 0.1, 0.3, FailureNone)
	require.InDelta(t, 1.0, over.UsageRatio, 0.001)

	zero := Settle(10, 60, 0, 0.1, 0.3, FailureNone)
	require.Zero(t, zero.Proportional)
	require.Zero(t, zero.HostPayout)
}

func TestRound2TiesToEven(t *testing.T) {
	// Exactly representable halves round to the even cent.
	assert.InDelta(t, 0.12, Round2(0.125), 1e-9)
	assert.InDelta(t, 0.38, Round2(0.375), 1e-9)
	assert.InDelta(t, 1.23, Round2(1.23456), 1e-9)
	assert.InDelta(t, 10.0, Round2(9.999), 1e-9)
}

func TestComputeMinutesUsed(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	at := func(t time.Time) *time.Time { return &t }

	cases := []struct {
		name      string
		startAt   *time.Time
		purchased int
		want      int
	}{
		{"never started", nil, 60, 0},
		{"start in the future", at(now.Add(time.Minute)), 60, 0},
		{"start equals now", at(now), 60, 0},
		{"one second rounds up", at(now.Add(-time.Second)), 60, 1},
		{"61 seconds round up to 2", at(now.Add(-61 * time.Second)), 60, 2},
		{"exactly 30 minutes", at(now.Add(-30 * time.Minute)), 60, 30},
		{"usage clamps to purchase", at(now.Add(-5 * time.Hour)), 60, 60},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeMinutesUsed(now, tc.startAt, tc.purchased)
			assert.Equal(t, tc.want, got)
		})
	}
}
