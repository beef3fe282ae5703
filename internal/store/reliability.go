// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"time"

	"github.com/nuvemplay/core/internal/domain"
)

// InsertReliabilityEvent appends one event to the host's history.
func (t *Tx) InsertReliabilityEvent(hostID string, typ domain.ReliabilityEventType, now time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO reliability_events (host_id, type, created_at_ms) VALUES (?, ?, ?)`,
		hostID, string(typ), ms(now))
	return err
}

// ListReliabilityEvents returns a host's newest events, at most limit.
func (s *Store) ListReliabilityEvents(ctx context.Context, hostID string, limit int) ([]*domain.ReliabilityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, host_id, type, created_at_ms FROM reliability_events
		 WHERE host_id = ? ORDER BY created_at_ms DESC, id DESC LIMIT ?`, hostID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.ReliabilityEvent
	for rows.Next() {
		var ev domain.ReliabilityEvent
		var typ string
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.HostID, &typ, &createdAt); err != nil {
			return nil, err
		}
		ev.Type = domain.ReliabilityEventType(typ)
		ev.CreatedAt = fromMS(createdAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// UpsertOnlineMinute records one observed minute of heartbeat presence.
// Duplicate heartbeats in the same minute collapse into one row.
func (t *Tx) UpsertOnlineMinute(hostID string, minute int64) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO host_online_minutes (host_id, minute) VALUES (?, ?)
		 ON CONFLICT(host_id, minute) DO NOTHING`,
		hostID, minute)
	return err
}

// CountOnlineMinutes counts presence rows with minute >= fromMinute.
func (s *Store) CountOnlineMinutes(ctx context.Context, hostID string, fromMinute int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM host_online_minutes WHERE host_id = ? AND minute >= ?`,
		hostID, fromMinute).Scan(&n)
	return n, err
}

// PruneOnlineMinutes deletes presence rows older than the cutoff minute,
// bounding the 7-day rolling window's storage.
func (s *Store) PruneOnlineMinutes(ctx context.Context, beforeMinute int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM host_online_minutes WHERE minute < ?`, beforeMinute)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
