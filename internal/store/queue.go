// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nuvemplay/core/internal/domain"
)

const queueColumns = `id, pc_id, user_id, status, minutes_purchased,
	created_at_ms, promoted_at_ms, session_id`

func scanQueueEntry(sc scanner) (*domain.QueueEntry, error) {
	var e domain.QueueEntry
	var status string
	var createdAt int64
	var promotedAt sql.NullInt64
	err := sc.Scan(&e.ID, &e.PCID, &e.UserID, &status, &e.MinutesPurchased,
		&createdAt, &promotedAt, &e.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.Status = domain.QueueStatus(status)
	e.CreatedAt = fromMS(createdAt)
	e.PromotedAt = fromMSPtr(promotedAt)
	return &e, nil
}

// InsertQueueEntry persists a new entry. The partial unique index rejects a
// second live entry for the same (pc, user).
func (t *Tx) InsertQueueEntry(e *domain.QueueEntry) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO queue_entries (`+queueColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PCID, e.UserID, string(e.Status), e.MinutesPurchased,
		ms(e.CreatedAt), msPtr(e.PromotedAt), e.SessionID)
	return err
}

// UpdateQueueEntry rewrites the mutable entry fields.
func (t *Tx) UpdateQueueEntry(e *domain.QueueEntry) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE queue_entries SET
			status = ?, promoted_at_ms = ?, session_id = ?
		 WHERE id = ?`,
		string(e.Status), msPtr(e.PromotedAt), e.SessionID, e.ID)
	return err
}

func getQueueEntry(ctx context.Context, q dbtx, id string) (*domain.QueueEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_entries WHERE id = ?`, id)
	return scanQueueEntry(row)
}

// GetQueueEntry returns the entry or nil when unknown.
func (s *Store) GetQueueEntry(ctx context.Context, id string) (*domain.QueueEntry, error) {
	return getQueueEntry(ctx, s.db, id)
}

// GetQueueEntry returns the entry or nil when unknown.
func (t *Tx) GetQueueEntry(id string) (*domain.QueueEntry, error) {
	return getQueueEntry(t.ctx, t.tx, id)
}

// OpenQueueEntry returns the caller's live entry for a PC, or nil.
func (t *Tx) OpenQueueEntry(pcID, userID string) (*domain.QueueEntry, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+queueColumns+` FROM queue_entries
		 WHERE pc_id = ? AND user_id = ? AND status IN ('WAITING','PROMOTED','ACTIVE')`,
		pcID, userID)
	return scanQueueEntry(row)
}

// CloseEntryForSession retires the ACTIVE entry bound to a session once the
// session goes terminal, freeing the (pc, user) slot for a future rejoin.
func (t *Tx) CloseEntryForSession(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE queue_entries SET status = 'EXPIRED'
		 WHERE session_id = ? AND status = 'ACTIVE'`, sessionID)
	return err
}

// HeadWaiting returns the oldest WAITING entry for a PC, or nil. FIFO order
// is strict on created_at with id as a deterministic tiebreak.
func (t *Tx) HeadWaiting(pcID string) (*domain.QueueEntry, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+queueColumns+` FROM queue_entries
		 WHERE pc_id = ? AND status = 'WAITING'
		 ORDER BY created_at_ms ASC, id ASC LIMIT 1`, pcID)
	return scanQueueEntry(row)
}

// WaitingPosition returns the 1-based FIFO position of an entry among the
// WAITING entries of its PC.
func (t *Tx) WaitingPosition(e *domain.QueueEntry) (int, error) {
	var ahead int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT COUNT(*) FROM queue_entries
		 WHERE pc_id = ? AND status = 'WAITING'
		   AND (created_at_ms < ? OR (created_at_ms = ? AND id < ?))`,
		e.PCID, ms(e.CreatedAt), ms(e.CreatedAt), e.ID).Scan(&ahead)
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

func countWaiting(ctx context.Context, q dbtx, pcID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE pc_id = ? AND status = 'WAITING'`,
		pcID).Scan(&n)
	return n, err
}

// CountWaiting returns the WAITING depth of a PC's queue.
func (s *Store) CountWaiting(ctx context.Context, pcID string) (int, error) {
	return countWaiting(ctx, s.db, pcID)
}

// CountWaiting returns the WAITING depth of a PC's queue.
func (t *Tx) CountWaiting(pcID string) (int, error) {
	return countWaiting(t.ctx, t.tx, pcID)
}

// ListOpenEntriesByUser returns the caller's live queue entries, oldest first.
func (s *Store) ListOpenEntriesByUser(ctx context.Context, userID string) ([]*domain.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM queue_entries
		 WHERE user_id = ? AND status IN ('WAITING','PROMOTED','ACTIVE')
		 ORDER BY created_at_ms ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListStalePromotedIDs returns PROMOTED entries older than the cutoff; the
// promotion sweeper expires them and hands the slot onward.
func (s *Store) ListStalePromotedIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM queue_entries
		 WHERE status = 'PROMOTED' AND promoted_at_ms IS NOT NULL AND promoted_at_ms <= ?`,
		ms(cutoff))
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
