// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuvemplay/core/internal/domain"
	"github.com/nuvemplay/core/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store, *clockwork.FakeClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))
	svc := NewService(st, Config{PlatformFeeRate: 0.10, HostPenaltyRate: 0.30}, clock)
	return svc, st, clock
}

func seedHost(t *testing.T, st *store.Store, userID string, now time.Time) string {
	t.Helper()
	var hostID string
	require.NoError(t, st.WithTx(context.Background(), func(tx *store.Tx) error {
		h, err := tx.GetOrCreateHostProfile(userID, now)
		if err != nil {
			return err
		}
		hostID = h.ID
		return nil
	}))
	return hostID
}

func seedPC(t *testing.T, st *store.Store, hostID string, price float64, now time.Time) *domain.PC {
	t.Helper()
	pc := &domain.PC{
		ID:             uuid.NewString(),
		HostID:         hostID,
		Name:           "rig-01",
		PricePerHour:   price,
		Status:         domain.PCOnline,
		ConnectionHost: "203.0.113.10",
		ConnectionPort: 47990,
		Categories:     []domain.Category{domain.CategoryGames},
		Software:       []string{"steam"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, st.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.InsertPC(pc)
	}))
	return pc
}

func seedClient(t *testing.T, st *store.Store, userID string, balance float64, now time.Time) {
	t.Helper()
	require.NoError(t, st.WithTx(context.Background(), func(tx *store.Tx) error {
		if err := tx.EnsureUser(userID, domain.RoleClient, "test", now); err != nil {
			return err
		}
		if balance > 0 {
			return tx.CreditWallet(userID, balance, now)
		}
		return nil
	}))
}

func balance(t *testing.T, st *store.Store, userID string) float64 {
	t.Helper()
	w, err := st.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, w)
	return w.Balance
}

// Scenario: client with 20 credits books a 10/h PC for 60 minutes, uses 30
// and ends cleanly. Checks the hold, the proportional settlement and the
// PC slot release.
func TestCreateStartEndHappyPath(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now().UTC()

	hostID := seedHost(t, st, "host-user", now)
	pc := seedPC(t, st, hostID, 10, now)
	seedClient(t, st, "client-1", 20, now)

	se, err := svc.Create(ctx, CreateParams{PCID: pc.ID, ClientUserID: "client-1", MinutesPurchased: 60})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPending, se.Status)
	assert.InDelta(t, 10, balance(t, st, "client-1"), 0.001)

	se, err = svc.Start(ctx, se.ID, "client-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, se.Status)
	require.NotNil(t, se.EndAt)
	assert.Equal(t, se.StartAt.Add(time.Hour), *se.EndAt)

	gotPC, err := st.GetPC(ctx, pc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PCBusy, gotPC.Status)

	host, err := st.GetHostProfile(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, 1, host.SessionsTotal)

	clock.Advance(30 * time.Minute)
	se, err = svc.End(ctx, se.ID, EndParams{Reason: domain.FailureNone})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionEnded, se.Status)
	assert.Equal(t, 30, se.MinutesUsed)

	// proportional=5, fee=0.5, payout=4.5, unused hold 5 refunded.
	assert.InDelta(t, 15, balance(t, st, "client-1"), 0.001)
	assert.InDelta(t, 4.5, balance(t, st, "host-user"), 0.001)

	gotPC, err = st.GetPC(ctx, pc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PCOnline, gotPC.Status)

	host, err = st.GetHostProfile(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, 1, host.SessionsCompleted)
	assert.Equal(t, 0, host.SessionsDropped)
	assert.Equal(t, 100, host.ReliabilityScore)

	events, err := st.ListReliabilityEvents(ctx, hostID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventSessionOK, events[0].Type)
}

// Scenario: host-fault end at minute 15 refunds the unused hold plus the
// penalty share of the host base.
func TestEndHostFault(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now().UTC()

	hostID := seedHost(t, st, "host-user", now)
	pc := seedPC(t, st, hostID, 10, now)
	seedClient(t, st, "client-1", 20, now)

	se, err := svc.Create(ctx, CreateParams{PCID: pc.ID, ClientUserID: "client-1", MinutesPurchased: 60})
	require.NoError(t, err)
	se, err = svc.Start(ctx, se.ID, "client-1")
	require.NoError(t, err)

	clock.Advance(15 * time.Minute)
	se, err = svc.End(ctx, se.ID, EndParams{Reason: domain.FailureHost})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, se.Status)
	assert.Equal(t, domain.FailureHost, se.FailureReason)
	assert.Equal(t, 15, se.MinutesUsed)

	want := domain.Settle(10, 60, 15, 0.10, 0.30, domain.FailureHost)
	refund := domain.Round2(want.TotalPurchased - want.Proportional)
	assert.InDelta(t, 20-10+refund+want.ClientCredit, balance(t, st, "client-1"), 0.001)
	assert.InDelta(t, want.HostPayout, balance(t, st, "host-user"), 0.001)

	host, err := st.GetHostProfile(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, 1, host.SessionsTotal)
	assert.Equal(t, 0, host.SessionsCompleted)
	assert.Equal(t, 1, host.SessionsDropped)
	require.NotNil(t, host.LastDropAt)
	assert.Equal(t, 98, host.ReliabilityScore)

	events, err := st.ListReliabilityEvents(ctx, hostID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventSessionFailed, events[0].Type)
}

func TestCreateValidation(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now().UTC()

	hostID := seedHost(t, st, "host-user", now)
	pc := seedPC(t, st, hostID, 10, now)
	seedClient(t, st, "client-1", 100, now)

	cases := []struct {
		name   string
		params CreateParams
		want   *domain.Error
	}{
		{"unknown pc", CreateParams{PCID: "nope", ClientUserID: "client-1", MinutesPurchased: 60}, domain.ErrPCNotFound},
		{"zero minutes", CreateParams{PCID: pc.ID, ClientUserID: "client-1", MinutesPurchased: 0}, nil},
		{"too many minutes", CreateParams{PCID: pc.ID, ClientUserID: "client-1", MinutesPurchased: domain.MaxMinutesPurchased + 1}, nil},
		{"missing client", CreateParams{PCID: pc.ID, MinutesPurchased: 60}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.params)
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			} else {
				assert.Equal(t, domain.CodeValidation, domain.AsError(err).Code)
			}
		})
	}
}

func TestCreateOfflinePC(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now().UTC()

	hostID := seedHost(t, st, "host-user", now)
	pc := seedPC(t, st, hostID, 10, now)
	seedClient(t, st, "client-1", 100, now)

	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.SetPCStatus(pc.ID, domain.PCOffline, now)
	}))

	_, err := svc.Create(ctx, CreateParams{PCID: pc.ID, ClientUserID: "client-1", MinutesPurchased: 60})
	assert.ErrorIs(t, err, domain.ErrPCOffline)
}

func TestCreateInsufficientFunds(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now().UTC()

	hostID := seedHost(t, st, "host-user", now)
	pc := seedPC(t, st, hostID, 10, now)
	seedClient(t, st, "client-1", 5, now)

	_, err := svc.Create(ctx, CreateParams{PCID: pc.ID, ClientUserID: "client-1", MinutesPurchased: 60})
	require.ErrorIs(t, err, domain.ErrInsufficient)

	// The rejected booking must leave no trace.
	assert.InDelta(t, 5, balance(t, st, "client-1"), 0.001)
	sessions, err := svc.ListForUser(ctx, "client-1", 10)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCreateBypassCredits(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now().UTC()

	hostID := seedHost(t, st, "host-user", now)
	pc := seedPC(t, st, hostID, 10, now)
	seedClient(t, st, "client-1", 0, now)

	se, err := svc.Create(ctx, CreateParams{PCID: pc.ID, ClientUserID: "client-1", MinutesPurchased: 60, BypassCredits: true})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPending, se.Status)
	assert.InDelta(t, 0, balance(t, st, "client-1"), 0.001)
}

func TestSessionSlotConflicts(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now().UTC()

	hostID := seedHost(t, st, "host-user", now)
	pc1 := seedPC(t, st, hostID, 10, now)
	pc2 := seedPC(t, st, hostID, 10, now)
	seedClient(t, st, "client-1", 100, now)
	seedClient(t, st, "client-2", 100, now)

	_, err := svc.Create(ctx, CreateParams{PCID: pc1.ID, ClientUserID: "client-1", MinutesPurchased: 60})
	require.NoError(t, err)

	// Same PC, different client.
	_, err = svc.Create(ctx, CreateParams{PCID: pc1.ID, ClientUserID: "client-2", MinutesPurchased: 60})
	assert.ErrorIs(t, err, domain.ErrSessionExists)

	// Same client, different PC.
	_, err = svc.Create(ctx, CreateParams{PCID: pc2.ID, ClientUserID: "client-1", MinutesPurchased: 60})
	assert.ErrorIs(t, err, domain.ErrSessionExists)
}

func TestStartForbiddenForNonOwner(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now().UTC()

	hostID := seedHost(t, st, "host-user", now)
	pc := seedPC(t, st, hostID, 10, now)
	seedClient(t, st, "client-1", 100, now)

	se, err := svc.Create(ctx, CreateParams{PCID: pc.ID, ClientUserID: "client-1", MinutesPurchased: 60})
	require.NoError(t, err)

	_, err = svc.Start(ctx, se.ID, "intruder")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestStartIsIdempotent(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now().UTC()

	hostID := seedHost(t, st, "host-user", now)
	pc := seedPC(t, st, hostID, 10, now)
	seedClient(t, st, "client-1", 100, now)

	se, err := svc.Create(ctx, CreateParams{PCID: pc.ID, ClientUserID: "client-1", MinutesPurchased: 60})
	require.NoError(t, err)

	first, err := svc.Start(ctx, se.ID, "client-1")
	require.NoError(t, err)
	second, err := svc.Start(ctx, se.ID, "client-1")
	require.NoError(t, err)
	assert.Equal(t, first.StartAt, second.StartAt)

	host, err := st.GetHostProfile(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, 1, host.SessionsTotal)
}

func TestEndIsIdempotent(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now().UTC()

	hostID := seedHost(t, st, "host-user", now)
	pc := seedPC(t, st, hostID, 10, now)
	seedClient(t, st, "client-1", 20, now)

	se, err := svc.Create(ctx, CreateParams{PCID: pc.ID, ClientUserID: "client-1", MinutesPurchased: 60})
	require.NoError(t, err)
	_, err = svc.Start(ctx, se.ID, "client-1")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	first, err := svc.End(ctx, se.ID, EndParams{})
	require.NoError(t, err)
	after := balance(t, st, "client-1")

	second, err := svc.End(ctx, se.ID, EndParams{Reason: domain.FailureHost})
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.FailureReason, second.FailureReason)
	assert.Equal(t, first.MinutesUsed, second.MinutesUsed)

	// No second settlement.
	assert.InDelta(t, after, balance(t, st, "client-1"), 0.001)

	host, err := st.GetHostProfile(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, 1, host.SessionsCompleted)
}

// Ending a booking that never started cancels it and releases the whole
// hold; no reliability history is written.
func TestEndPendingCancelsWithFullRefund(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now().UTC()

	hostID := seedHost(t, st, "host-user", now)
	pc := seedPC(t, st, hostID, 10, now)
	seedClient(t, st, "client-1", 20, now)

	se, err := svc.Create(ctx, CreateParams{PCID: pc.ID, ClientUserID: "client-1", MinutesPurchased: 60})
	require.NoError(t, err)
	assert.InDelta(t, 10, balance(t, st, "client-1"), 0.001)

	se, err = svc.End(ctx, se.ID, EndParams{})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCancelled, se.Status)
	assert.Equal(t, 0, se.MinutesUsed)
	assert.InDelta(t, 20, balance(t, st, "client-1"), 0.001)

	host, err := st.GetHostProfile(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, 0, host.SessionsTotal)

	events, err := st.ListReliabilityEvents(ctx, hostID, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	gotPC, err := st.GetPC(ctx, pc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PCOnline, gotPC.Status)
}

// A start stamped in the future (clock skew or manual override) must not
// bill negative time.
func TestEndClampsFutureStart(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now().UTC()

	hostID := seedHost(t, st, "host-user", now)
	pc := seedPC(t, st, hostID, 10, now)
	seedClient(t, st, "client-1", 20, now)

	se, err := svc.Create(ctx, CreateParams{PCID: pc.ID, ClientUserID: "client-1", MinutesPurchased: 60})
	require.NoError(t, err)
	se, err = svc.Start(ctx, se.ID, "client-1")
	require.NoError(t, err)

	future := now.Add(2 * time.Hour)
	se.StartAt = &future
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateSession(se)
	}))

	ended, err := svc.End(ctx, se.ID, EndParams{})
	require.NoError(t, err)
	assert.Equal(t, 0, ended.MinutesUsed)
	// Zero usage means a full refund of the hold.
	assert.InDelta(t, 20, balance(t, st, "client-1"), 0.001)
}

func TestEndUnknownReasonRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.End(context.Background(), "whatever", EndParams{Reason: "BOGUS"})
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.AsError(err).Code)
}

func TestGetOwnerOnlyAndLiveUsage(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now().UTC()

	hostID := seedHost(t, st, "host-user", now)
	pc := seedPC(t, st, hostID, 10, now)
	seedClient(t, st, "client-1", 100, now)

	se, err := svc.Create(ctx, CreateParams{PCID: pc.ID, ClientUserID: "client-1", MinutesPurchased: 60})
	require.NoError(t, err)
	_, err = svc.Start(ctx, se.ID, "client-1")
	require.NoError(t, err)

	_, err = svc.Get(ctx, se.ID, "someone-else")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	clock.Advance(12*time.Minute + 30*time.Second)
	got, err := svc.Get(ctx, se.ID, "client-1")
	require.NoError(t, err)
	assert.Equal(t, 13, got.MinutesUsed) // partial minutes round up

	_, err = svc.Get(ctx, "missing", "client-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestExpireSessions(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now().UTC()

	hostID := seedHost(t, st, "host-user", now)
	pc1 := seedPC(t, st, hostID, 10, now)
	pc2 := seedPC(t, st, hostID, 10, now)
	seedClient(t, st, "client-1", 100, now)
	seedClient(t, st, "client-2", 100, now)

	short, err := svc.Create(ctx, CreateParams{PCID: pc1.ID, ClientUserID: "client-1", MinutesPurchased: 60})
	require.NoError(t, err)
	_, err = svc.Start(ctx, short.ID, "client-1")
	require.NoError(t, err)

	long, err := svc.Create(ctx, CreateParams{PCID: pc2.ID, ClientUserID: "client-2", MinutesPurchased: 120})
	require.NoError(t, err)
	_, err = svc.Start(ctx, long.ID, "client-2")
	require.NoError(t, err)

	clock.Advance(61 * time.Minute)
	n, err := svc.ExpireSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetSession(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionEnded, got.Status)
	assert.Equal(t, 60, got.MinutesUsed) // clamped to the purchase

	got, err = st.GetSession(ctx, long.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, got.Status)

	clock.Advance(60 * time.Minute)
	n, err = svc.ExpireSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type stubPromoter struct {
	kicked []string
}

func (p *stubPromoter) PromoteNext(_ context.Context, pcID string) {
	p.kicked = append(p.kicked, pcID)
}

func TestEndKicksPromoter(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	now := clock.Now().UTC()

	hostID := seedHost(t, st, "host-user", now)
	pc := seedPC(t, st, hostID, 10, now)
	seedClient(t, st, "client-1", 100, now)

	promoter := &stubPromoter{}
	svc.SetPromoter(promoter)

	se, err := svc.Create(ctx, CreateParams{PCID: pc.ID, ClientUserID: "client-1", MinutesPurchased: 60})
	require.NoError(t, err)
	_, err = svc.Start(ctx, se.ID, "client-1")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	_, err = svc.End(ctx, se.ID, EndParams{})
	require.NoError(t, err)
	require.Len(t, promoter.kicked, 1)
	assert.Equal(t, pc.ID, promoter.kicked[0])

	// A repeated end on the terminal session must not kick again.
	_, err = svc.End(ctx, se.ID, EndParams{})
	require.NoError(t, err)
	assert.Len(t, promoter.kicked, 1)
}
