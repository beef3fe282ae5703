// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nuvemplay/core/internal/domain"
)

const reservationColumns = `id, pc_id, user_id, start_at_ms, end_at_ms, status, created_at_ms`

func scanReservation(sc scanner) (*domain.Reservation, error) {
	var r domain.Reservation
	var status string
	var startAt, endAt, createdAt int64
	err := sc.Scan(&r.ID, &r.PCID, &r.UserID, &startAt, &endAt, &status, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.Status = domain.ReservationStatus(status)
	r.StartAt = fromMS(startAt)
	r.EndAt = fromMS(endAt)
	r.CreatedAt = fromMS(createdAt)
	return &r, nil
}

// InsertReservation persists a new window. Overlap is checked by the caller
// inside the same transaction via HasOverlappingReservation.
func (t *Tx) InsertReservation(r *domain.Reservation) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO reservations (`+reservationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PCID, r.UserID, ms(r.StartAt), ms(r.EndAt), string(r.Status), ms(r.CreatedAt))
	return err
}

// HasOverlappingReservation reports whether any non-cancelled window on the
// PC intersects [startAt, endAt).
func (t *Tx) HasOverlappingReservation(pcID string, startAt, endAt time.Time) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT COUNT(*) FROM reservations
		 WHERE pc_id = ? AND status != 'CANCELLED'
		   AND start_at_ms < ? AND ? < end_at_ms`,
		pcID, ms(endAt), ms(startAt)).Scan(&n)
	return n > 0, err
}

func getReservation(ctx context.Context, q dbtx, id string) (*domain.Reservation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	return scanReservation(row)
}

// GetReservation returns the window or nil when unknown.
func (s *Store) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return getReservation(ctx, s.db, id)
}

// GetReservation returns the window or nil when unknown.
func (t *Tx) GetReservation(id string) (*domain.Reservation, error) {
	return getReservation(t.ctx, t.tx, id)
}

// CancelReservation marks the window CANCELLED.
func (t *Tx) CancelReservation(id string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE reservations SET status = 'CANCELLED' WHERE id = ?`, id)
	return err
}

// ListReservationsByPC returns non-cancelled windows ending after `from`,
// soonest first.
func (s *Store) ListReservationsByPC(ctx context.Context, pcID string, from time.Time) ([]*domain.Reservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations
		 WHERE pc_id = ? AND status != 'CANCELLED' AND end_at_ms > ?
		 ORDER BY start_at_ms ASC`, pcID, ms(from))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListReservationsByUser returns the caller's windows, soonest first.
func (s *Store) ListReservationsByUser(ctx context.Context, userID string) ([]*domain.Reservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations
		 WHERE user_id = ? ORDER BY start_at_ms ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
