// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nuvemplay/core/internal/domain"
)

// EnsureUser creates the user row and its zero-balance wallet if either is
// missing. Existing rows are left untouched, so this is safe to call on every
// authenticated request when auto-provisioning is on.
func (t *Tx) EnsureUser(id string, role domain.UserRole, provider string, now time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO users (id, role, auth_provider, created_at_ms) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, string(role), provider, ms(now))
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO wallets (user_id, balance, updated_at_ms) VALUES (?, 0, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		id, ms(now))
	return err
}

func getUser(ctx context.Context, q dbtx, id string) (*domain.User, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, role, auth_provider, created_at_ms FROM users WHERE id = ?`, id)

	var u domain.User
	var role string
	var createdAt int64
	if err := row.Scan(&u.ID, &role, &u.AuthProvider, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.Role = domain.UserRole(role)
	u.CreatedAt = fromMS(createdAt)
	return &u, nil
}

// GetUser returns the user or nil when unknown.
func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return getUser(ctx, s.db, id)
}

// GetUser returns the user or nil when unknown.
func (t *Tx) GetUser(id string) (*domain.User, error) {
	return getUser(t.ctx, t.tx, id)
}

// SetUserRole promotes a user (e.g. CLIENT -> HOST on first PC registration).
func (t *Tx) SetUserRole(id string, role domain.UserRole) error {
	_, err := t.tx.ExecContext(t.ctx, `UPDATE users SET role = ? WHERE id = ?`, string(role), id)
	return err
}

func getWallet(ctx context.Context, q dbtx, userID string) (*domain.Wallet, error) {
	row := q.QueryRowContext(ctx,
		`SELECT user_id, balance, updated_at_ms FROM wallets WHERE user_id = ?`, userID)

	var w domain.Wallet
	var updatedAt int64
	if err := row.Scan(&w.UserID, &w.Balance, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	w.UpdatedAt = fromMS(updatedAt)
	return &w, nil
}

// GetWallet returns the wallet or nil when the user has none yet.
func (s *Store) GetWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	return getWallet(ctx, s.db, userID)
}

// GetWallet returns the wallet or nil when the user has none yet.
func (t *Tx) GetWallet(userID string) (*domain.Wallet, error) {
	return getWallet(t.ctx, t.tx, userID)
}

// DebitWallet atomically subtracts amount, failing with INSUFFICIENT_FUNDS
// when the balance would go negative. The guard is the WHERE clause, not a
// read-then-write, so concurrent debits cannot overdraw.
func (t *Tx) DebitWallet(userID string, amount float64, now time.Time) error {
	if amount < 0 {
		return domain.Validationf("debit amount must not be negative")
	}
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE wallets SET balance = balance - ?, updated_at_ms = ?
		 WHERE user_id = ? AND balance >= ?`,
		amount, ms(now), userID, amount)
	if err != nil {
		if IsCheckViolation(err) {
			return domain.ErrInsufficient
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrInsufficient
	}
	return nil
}

// CreditWallet adds amount, creating the wallet row if the user was never
// provisioned. Zero credits are dropped early.
func (t *Tx) CreditWallet(userID string, amount float64, now time.Time) error {
	if amount < 0 {
		return domain.Validationf("credit amount must not be negative")
	}
	if amount == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO wallets (user_id, balance, updated_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			balance = balance + excluded.balance,
			updated_at_ms = excluded.updated_at_ms`,
		userID, amount, ms(now))
	return err
}
