// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nuvemplay/core/internal/domain"
)

const tokenColumns = `token, pc_id, user_id, session_id, expires_at_ms,
	consumed_at_ms, created_at_ms`

func scanToken(sc scanner) (*domain.StreamConnectToken, error) {
	var tok domain.StreamConnectToken
	var expiresAt, createdAt int64
	var consumedAt sql.NullInt64
	err := sc.Scan(&tok.Token, &tok.PCID, &tok.UserID, &tok.SessionID,
		&expiresAt, &consumedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	tok.ExpiresAt = fromMS(expiresAt)
	tok.ConsumedAt = fromMSPtr(consumedAt)
	tok.CreatedAt = fromMS(createdAt)
	return &tok, nil
}

// InsertToken persists a freshly issued stream connect token.
func (t *Tx) InsertToken(tok *domain.StreamConnectToken) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO stream_connect_tokens (`+tokenColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tok.Token, tok.PCID, tok.UserID, tok.SessionID, ms(tok.ExpiresAt),
		msPtr(tok.ConsumedAt), ms(tok.CreatedAt))
	return err
}

func getToken(ctx context.Context, q dbtx, token string) (*domain.StreamConnectToken, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM stream_connect_tokens WHERE token = ?`, token)
	return scanToken(row)
}

// GetToken returns the token row or nil when unknown.
func (s *Store) GetToken(ctx context.Context, token string) (*domain.StreamConnectToken, error) {
	return getToken(ctx, s.db, token)
}

// GetToken returns the token row or nil when unknown.
func (t *Tx) GetToken(token string) (*domain.StreamConnectToken, error) {
	return getToken(t.ctx, t.tx, token)
}

// ConsumeToken marks the token used iff it is still unconsumed, reporting
// whether this caller won. Two racing resolvers get exactly one true.
func (t *Tx) ConsumeToken(token string, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE stream_connect_tokens SET consumed_at_ms = ?
		 WHERE token = ? AND consumed_at_ms IS NULL`,
		ms(now), token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteExpiredTokens removes tokens past their lifetime, returning the count.
// Consumed rows are kept until expiry for audit.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM stream_connect_tokens WHERE expires_at_ms <= ?`, ms(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
