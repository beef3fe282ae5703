// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nuvemplay/core/internal/domain"
)

const hostProfileColumns = `id, user_id, last_seen_at_ms, sessions_total, sessions_completed,
	sessions_dropped, last_drop_at_ms, reliability_score`

func scanHostProfile(sc scanner) (*domain.HostProfile, error) {
	var h domain.HostProfile
	var lastSeen, lastDrop sql.NullInt64
	err := sc.Scan(&h.ID, &h.UserID, &lastSeen, &h.SessionsTotal, &h.SessionsCompleted,
		&h.SessionsDropped, &lastDrop, &h.ReliabilityScore)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	h.LastSeenAt = fromMSPtr(lastSeen)
	h.LastDropAt = fromMSPtr(lastDrop)
	return &h, nil
}

func getHostProfile(ctx context.Context, q dbtx, id string) (*domain.HostProfile, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+hostProfileColumns+` FROM host_profiles WHERE id = ?`, id)
	return scanHostProfile(row)
}

func getHostProfileByUser(ctx context.Context, q dbtx, userID string) (*domain.HostProfile, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+hostProfileColumns+` FROM host_profiles WHERE user_id = ?`, userID)
	return scanHostProfile(row)
}

// GetHostProfile returns the profile or nil when unknown.
func (s *Store) GetHostProfile(ctx context.Context, id string) (*domain.HostProfile, error) {
	return getHostProfile(ctx, s.db, id)
}

// GetHostProfile returns the profile or nil when unknown.
func (t *Tx) GetHostProfile(id string) (*domain.HostProfile, error) {
	return getHostProfile(t.ctx, t.tx, id)
}

// GetHostProfileByUser returns the profile owned by userID or nil.
func (s *Store) GetHostProfileByUser(ctx context.Context, userID string) (*domain.HostProfile, error) {
	return getHostProfileByUser(ctx, s.db, userID)
}

// GetHostProfileByUser returns the profile owned by userID or nil.
func (t *Tx) GetHostProfileByUser(userID string) (*domain.HostProfile, error) {
	return getHostProfileByUser(t.ctx, t.tx, userID)
}

// GetOrCreateHostProfile returns the user's host profile, creating it with a
// neutral reliability score on first use. The user row is ensured first so
// the foreign key holds even for heartbeats arriving before any API call.
func (t *Tx) GetOrCreateHostProfile(userID string, now time.Time) (*domain.HostProfile, error) {
	existing, err := t.GetHostProfileByUser(userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if err := t.EnsureUser(userID, domain.RoleHost, "", now); err != nil {
		return nil, err
	}
	if err := t.SetUserRole(userID, domain.RoleHost); err != nil {
		return nil, err
	}

	h := &domain.HostProfile{
		ID:               uuid.NewString(),
		UserID:           userID,
		ReliabilityScore: domain.InitialReliabilityScore,
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO host_profiles (id, user_id, reliability_score) VALUES (?, ?, ?)`,
		h.ID, h.UserID, h.ReliabilityScore)
	if err != nil {
		// Lost a race with a concurrent first heartbeat; read the winner.
		if IsUniqueViolation(err) {
			return t.GetHostProfileByUser(userID)
		}
		return nil, err
	}
	return h, nil
}

// TouchHostSeen records a heartbeat instant.
func (t *Tx) TouchHostSeen(hostID string, now time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE host_profiles SET last_seen_at_ms = ? WHERE id = ?`, ms(now), hostID)
	return err
}

// UpdateHostCounters applies session outcome counters and the clamped score
// in one statement.
func (t *Tx) UpdateHostCounters(h *domain.HostProfile) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE host_profiles SET
			sessions_total = ?, sessions_completed = ?, sessions_dropped = ?,
			last_drop_at_ms = ?, reliability_score = ?
		 WHERE id = ?`,
		h.SessionsTotal, h.SessionsCompleted, h.SessionsDropped,
		msPtr(h.LastDropAt), h.ReliabilityScore, h.ID)
	return err
}

// HostPresenceRow is the monitor's sweep unit: a host plus whether any of its
// PCs currently runs an active session.
type HostPresenceRow struct {
	Host      domain.HostProfile
	HasActive bool
}

// ListHostsForPresenceSweep returns hosts owning at least one non-OFFLINE PC,
// each flagged with whether an ACTIVE session runs on any of its PCs. Hosts
// that never sent a heartbeat (last_seen NULL) are included; the monitor
// decides what to do with them.
func (s *Store) ListHostsForPresenceSweep(ctx context.Context) ([]HostPresenceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+hostProfileColumns+`,
			EXISTS (
				SELECT 1 FROM sessions se
				JOIN pcs p ON p.id = se.pc_id
				WHERE p.host_id = host_profiles.id AND se.status = 'ACTIVE'
			) AS has_active
		FROM host_profiles
		WHERE EXISTS (
			SELECT 1 FROM pcs p WHERE p.host_id = host_profiles.id AND p.status != 'OFFLINE'
		)`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []HostPresenceRow
	for rows.Next() {
		var h domain.HostProfile
		var lastSeen, lastDrop sql.NullInt64
		var hasActive bool
		err := rows.Scan(&h.ID, &h.UserID, &lastSeen, &h.SessionsTotal, &h.SessionsCompleted,
			&h.SessionsDropped, &lastDrop, &h.ReliabilityScore, &hasActive)
		if err != nil {
			return nil, err
		}
		h.LastSeenAt = fromMSPtr(lastSeen)
		h.LastDropAt = fromMSPtr(lastDrop)
		out = append(out, HostPresenceRow{Host: h, HasActive: hasActive})
	}
	return out, rows.Err()
}
