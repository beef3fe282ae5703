// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nuvemplay/core/internal/domain"
)

const pcColumns = `id, host_id, name, cpu, gpu, ram_gb, storage_gb, uplink_mbps,
	price_per_hour, status, connection_host, connection_port, connect_address,
	categories_json, software_json, created_at_ms, updated_at_ms`

func scanPC(sc scanner) (*domain.PC, error) {
	var pc domain.PC
	var status, categoriesJSON, softwareJSON string
	var createdAt, updatedAt int64
	err := sc.Scan(&pc.ID, &pc.HostID, &pc.Name, &pc.CPU, &pc.GPU, &pc.RAMGB,
		&pc.StorageGB, &pc.UplinkMbps, &pc.PricePerHour, &status,
		&pc.ConnectionHost, &pc.ConnectionPort, &pc.ConnectAddress,
		&categoriesJSON, &softwareJSON, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	pc.Status = domain.PCStatus(status)
	pc.Categories = fromJSON[domain.Category](categoriesJSON)
	pc.Software = fromJSON[string](softwareJSON)
	pc.CreatedAt = fromMS(createdAt)
	pc.UpdatedAt = fromMS(updatedAt)
	return &pc, nil
}

// InsertPC persists a new machine.
func (t *Tx) InsertPC(pc *domain.PC) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO pcs (`+pcColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pc.ID, pc.HostID, pc.Name, pc.CPU, pc.GPU, pc.RAMGB, pc.StorageGB,
		pc.UplinkMbps, pc.PricePerHour, string(pc.Status), pc.ConnectionHost,
		pc.ConnectionPort, pc.ConnectAddress, toJSON(pc.Categories),
		toJSON(pc.Software), ms(pc.CreatedAt), ms(pc.UpdatedAt))
	return err
}

// UpdatePC rewrites all mutable attributes.
func (t *Tx) UpdatePC(pc *domain.PC) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE pcs SET
			name = ?, cpu = ?, gpu = ?, ram_gb = ?, storage_gb = ?, uplink_mbps = ?,
			price_per_hour = ?, status = ?, connection_host = ?, connection_port = ?,
			connect_address = ?, categories_json = ?, software_json = ?, updated_at_ms = ?
		 WHERE id = ?`,
		pc.Name, pc.CPU, pc.GPU, pc.RAMGB, pc.StorageGB, pc.UplinkMbps,
		pc.PricePerHour, string(pc.Status), pc.ConnectionHost, pc.ConnectionPort,
		pc.ConnectAddress, toJSON(pc.Categories), toJSON(pc.Software),
		ms(pc.UpdatedAt), pc.ID)
	return err
}

// DeletePC removes the machine row.
func (t *Tx) DeletePC(id string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM pcs WHERE id = ?`, id)
	return err
}

func getPC(ctx context.Context, q dbtx, id string) (*domain.PC, error) {
	row := q.QueryRowContext(ctx, `SELECT `+pcColumns+` FROM pcs WHERE id = ?`, id)
	return scanPC(row)
}

// GetPC returns the machine or nil when unknown.
func (s *Store) GetPC(ctx context.Context, id string) (*domain.PC, error) {
	return getPC(ctx, s.db, id)
}

// GetPC returns the machine or nil when unknown.
func (t *Tx) GetPC(id string) (*domain.PC, error) {
	return getPC(t.ctx, t.tx, id)
}

// SetPCStatus updates the availability state unconditionally.
func (t *Tx) SetPCStatus(id string, status domain.PCStatus, now time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE pcs SET status = ?, updated_at_ms = ? WHERE id = ?`,
		string(status), ms(now), id)
	return err
}

// SetPCStatusIf transitions status only from an expected previous state,
// reporting whether the row changed. Used to avoid stomping BUSY.
func (t *Tx) SetPCStatusIf(id string, from, to domain.PCStatus, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE pcs SET status = ?, updated_at_ms = ? WHERE id = ? AND status = ?`,
		string(to), ms(now), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkHostPCsOffline flips every non-OFFLINE PC of a host to OFFLINE and
// returns the affected IDs. Part of the host-down cascade.
func (t *Tx) MarkHostPCsOffline(hostID string, now time.Time) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT id FROM pcs WHERE host_id = ? AND status != 'OFFLINE'`, hostID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE pcs SET status = 'OFFLINE', updated_at_ms = ? WHERE host_id = ? AND status != 'OFFLINE'`,
		ms(now), hostID)
	return ids, err
}

// SetHostPCsStatusIf flips every PC of a host from one state to another and
// returns the affected IDs. Heartbeat self-reports use it so BUSY machines
// are never stomped.
func (t *Tx) SetHostPCsStatusIf(hostID string, from, to domain.PCStatus, now time.Time) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT id FROM pcs WHERE host_id = ? AND status = ?`, hostID, string(from))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE pcs SET status = ?, updated_at_ms = ? WHERE host_id = ? AND status = ?`,
		string(to), ms(now), hostID, string(from))
	return ids, err
}

// PCFilter narrows ListPCs. Zero values mean "any". Name search is applied
// by the API layer after diacritic folding, not here.
type PCFilter struct {
	Status   domain.PCStatus
	Category domain.Category
	HostID   string
}

// ListPCs returns machines matching the filter, newest first.
func (s *Store) ListPCs(ctx context.Context, filter PCFilter) ([]*domain.PC, error) {
	query := `SELECT ` + pcColumns + ` FROM pcs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.HostID != "" {
		query += ` AND host_id = ?`
		args = append(args, filter.HostID)
	}
	if filter.Category != "" {
		// categories_json is a small JSON array; LIKE on the quoted literal is
		// exact because category names contain no JSON metacharacters.
		query += ` AND categories_json LIKE ?`
		args = append(args, fmt.Sprintf(`%%"%s"%%`, string(filter.Category)))
	}
	query += ` ORDER BY created_at_ms DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.PC
	for rows.Next() {
		pc, err := scanPC(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// ListPCsByHost returns all machines of one host, newest first.
func (s *Store) ListPCsByHost(ctx context.Context, hostID string) ([]*domain.PC, error) {
	return s.ListPCs(ctx, PCFilter{HostID: hostID})
}

// ListPCsByHost returns all machines of one host within the transaction.
func (t *Tx) ListPCsByHost(hostID string) ([]*domain.PC, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+pcColumns+` FROM pcs WHERE host_id = ? ORDER BY created_at_ms DESC`, hostID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.PC
	for rows.Next() {
		pc, err := scanPC(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}
