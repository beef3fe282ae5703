// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nuvemplay/core/internal/domain"
)

const sessionColumns = `id, pc_id, client_user_id, status, minutes_purchased,
	minutes_used, price_per_hour, start_at_ms, end_at_ms, failure_reason,
	client_ip, created_at_ms, updated_at_ms`

func scanSession(sc scanner) (*domain.Session, error) {
	var se domain.Session
	var status, reason string
	var startAt, endAt sql.NullInt64
	var createdAt, updatedAt int64
	err := sc.Scan(&se.ID, &se.PCID, &se.ClientUserID, &status, &se.MinutesPurchased,
		&se.MinutesUsed, &se.PricePerHour, &startAt, &endAt, &reason,
		&se.ClientIP, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	se.Status = domain.SessionStatus(status)
	se.FailureReason = domain.FailureReason(reason)
	se.StartAt = fromMSPtr(startAt)
	se.EndAt = fromMSPtr(endAt)
	se.CreatedAt = fromMS(createdAt)
	se.UpdatedAt = fromMS(updatedAt)
	return &se, nil
}

// InsertSession persists a new session. The partial unique indexes turn a
// taken PC or client slot into a UNIQUE violation the caller maps to
// SESSION_EXISTS.
func (t *Tx) InsertSession(se *domain.Session) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		se.ID, se.PCID, se.ClientUserID, string(se.Status), se.MinutesPurchased,
		se.MinutesUsed, se.PricePerHour, msPtr(se.StartAt), msPtr(se.EndAt),
		string(se.FailureReason), se.ClientIP, ms(se.CreatedAt), ms(se.UpdatedAt))
	if err != nil && IsUniqueViolation(err) {
		return domain.ErrSessionExists.WithCause(err)
	}
	return err
}

// UpdateSession rewrites the mutable session fields.
func (t *Tx) UpdateSession(se *domain.Session) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE sessions SET
			status = ?, minutes_used = ?, start_at_ms = ?, end_at_ms = ?,
			failure_reason = ?, client_ip = ?, updated_at_ms = ?
		 WHERE id = ?`,
		string(se.Status), se.MinutesUsed, msPtr(se.StartAt), msPtr(se.EndAt),
		string(se.FailureReason), se.ClientIP, ms(se.UpdatedAt), se.ID)
	return err
}

func getSession(ctx context.Context, q dbtx, id string) (*domain.Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSession returns the session or nil when unknown.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	return getSession(ctx, s.db, id)
}

// GetSession returns the session or nil when unknown.
func (t *Tx) GetSession(id string) (*domain.Session, error) {
	return getSession(t.ctx, t.tx, id)
}

// OpenSessionForPC returns the PENDING or ACTIVE session occupying the PC's
// slot, or nil.
func (t *Tx) OpenSessionForPC(pcID string) (*domain.Session, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE pc_id = ? AND status IN ('PENDING','ACTIVE')`, pcID)
	return scanSession(row)
}

// OpenSessionForClient returns the PENDING or ACTIVE session occupying the
// client's one-session-per-user slot, or nil.
func (t *Tx) OpenSessionForClient(userID string) (*domain.Session, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE client_user_id = ? AND status IN ('PENDING','ACTIVE')`, userID)
	return scanSession(row)
}

// ActiveSessionForPCAndUser returns the ACTIVE session binding both, or nil.
// The stream token issue path requires this exact pairing.
func (t *Tx) ActiveSessionForPCAndUser(pcID, userID string) (*domain.Session, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE pc_id = ? AND client_user_id = ? AND status = 'ACTIVE'`, pcID, userID)
	return scanSession(row)
}

// ListSessionsByUser returns the caller's sessions, newest first.
func (s *Store) ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE client_user_id = ? ORDER BY created_at_ms DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Session
	for rows.Next() {
		se, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

// ListExpiredSessionIDs returns ACTIVE sessions whose planned end has passed.
// IDs only: each expiry runs in its own transaction afterwards.
func (s *Store) ListExpiredSessionIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions
		 WHERE status = 'ACTIVE' AND end_at_ms IS NOT NULL AND end_at_ms <= ?
		 ORDER BY end_at_ms ASC`, ms(now))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListActiveSessionIDsForPCs returns ACTIVE session IDs on any of the given
// PCs, the unit of the host-down cascade.
func (t *Tx) ListActiveSessionIDsForPCs(pcIDs []string) ([]string, error) {
	if len(pcIDs) == 0 {
		return nil, nil
	}
	query := `SELECT id FROM sessions WHERE status = 'ACTIVE' AND pc_id IN (`
	args := make([]any, 0, len(pcIDs))
	for i, id := range pcIDs {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, id)
	}
	query += ")"

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CaptureSessionClientIP records the caller IP once; a concurrent writer
// cannot overwrite an already-captured value.
func (t *Tx) CaptureSessionClientIP(sessionID, ip string, now time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE sessions SET client_ip = ?, updated_at_ms = ?
		 WHERE id = ? AND client_ip = ''`,
		ip, ms(now), sessionID)
	return err
}
