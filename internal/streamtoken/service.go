// SPDX-License-Identifier: MIT

// Package streamtoken issues and resolves the single-use credentials a
// client exchanges for a PC's connection endpoint. Tokens are random,
// short-lived and bound to one ACTIVE session; the relay derives its room
// key from the token without ever seeing it on the wire again.
package streamtoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nuvemplay/core/internal/domain"
	"github.com/nuvemplay/core/internal/log"
	"github.com/nuvemplay/core/internal/metrics"
	"github.com/nuvemplay/core/internal/store"
)

const (
	tokenBytes = 24

	// DefaultTTL applies when the service is built with a zero TTL;
	// MinTTL is the floor for configured values.
	DefaultTTL = time.Hour
	MinTTL     = time.Minute
)

// Service manages stream connect tokens.
type Service struct {
	store  *store.Store
	ttl    time.Duration
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewService builds the token service. TTL is clamped to at least MinTTL.
func NewService(st *store.Store, ttl time.Duration, clock clockwork.Clock) *Service {
	switch {
	case ttl <= 0:
		ttl = DefaultTTL
	case ttl < MinTTL:
		ttl = MinTTL
	}
	return &Service{
		store:  st,
		ttl:    ttl,
		clock:  clock,
		logger: log.WithComponent("streamtoken"),
	}
}

// TTL returns the effective token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue creates a token for the caller's ACTIVE session on the PC. The
// caller IP is captured onto the session on first issue; a concurrent
// writer cannot overwrite an already-recorded one.
func (s *Service) Issue(ctx context.Context, pcID, userID, clientIP string) (*domain.StreamConnectToken, error) {
	if pcID == "" || userID == "" {
		return nil, domain.Validationf("pcId and userId are required")
	}
	raw, err := newToken()
	if err != nil {
		return nil, domain.Internalf("token generation failed").WithCause(err)
	}

	var tok *domain.StreamConnectToken
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		tok = nil
		now := s.clock.Now().UTC()

		se, err := tx.ActiveSessionForPCAndUser(pcID, userID)
		if err != nil {
			return err
		}
		if se == nil {
			return domain.ErrSessionNotActive
		}
		if clientIP != "" && se.ClientIP == "" {
			if err := tx.CaptureSessionClientIP(se.ID, clientIP, now); err != nil {
				return err
			}
		}

		tok = &domain.StreamConnectToken{
			Token:     raw,
			PCID:      pcID,
			UserID:    userID,
			SessionID: se.ID,
			ExpiresAt: now.Add(s.ttl),
			CreatedAt: now,
		}
		return tx.InsertToken(tok)
	})
	if err != nil {
		return nil, err
	}

	metrics.IncTokenIssued()
	s.logger.Info().
		Str("event", "token.issued").
		Str("pc_id", pcID).
		Str("session_id", tok.SessionID).
		Time("expires_at", tok.ExpiresAt).
		Msg("stream token issued")
	return tok, nil
}

// Resolution is what a successful resolve hands the client: where to
// connect and the relay room derived from the token.
type Resolution struct {
	Address   string `json:"address"`
	Hint      string `json:"hint"`
	PCName    string `json:"pcName"`
	PCID      string `json:"pcId"`
	SessionID string `json:"sessionId"`
	StreamID  string `json:"streamId"`
}

// Connect hints advertised with a resolution. A curated connect address
// is presumed reachable from anywhere; the raw host:port fallback may
// only work on the host's own network, so the client should be ready to
// fall back to the relay.
const (
	HintDirect = "direct"
	HintLAN    = "lan"
)

// Resolve exchanges the token for the PC endpoint, consuming it. Exactly
// one of two racing resolvers wins; the loser sees TOKEN_CONSUMED. The
// token is only burned on success: an unreachable PC or a dead session
// leaves it intact.
func (s *Service) Resolve(ctx context.Context, token string) (*Resolution, error) {
	if token == "" {
		metrics.IncTokenResolved("invalid")
		return nil, domain.ErrTokenInvalid
	}

	var res *Resolution
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		res = nil
		now := s.clock.Now().UTC()

		tok, err := tx.GetToken(token)
		if err != nil {
			return err
		}
		if tok == nil {
			return domain.ErrTokenInvalid
		}
		if tok.Expired(now) {
			return domain.ErrTokenExpired
		}

		se, err := tx.GetSession(tok.SessionID)
		if err != nil {
			return err
		}
		if se == nil || se.Status != domain.SessionActive {
			return domain.ErrSessionNotActive
		}

		pc, err := tx.GetPC(tok.PCID)
		if err != nil {
			return err
		}
		if pc == nil {
			return domain.ErrPCNotFound
		}
		addr, hint := connectAddress(pc)
		if addr == "" {
			return domain.ErrPCUnreachable
		}

		won, err := tx.ConsumeToken(token, now)
		if err != nil {
			return err
		}
		if !won {
			return domain.ErrTokenConsumed
		}

		res = &Resolution{
			Address:   addr,
			Hint:      hint,
			PCName:    pc.Name,
			PCID:      pc.ID,
			SessionID: se.ID,
			StreamID:  DeriveStreamID(token),
		}
		return nil
	})
	if err != nil {
		metrics.IncTokenResolved(resolveOutcome(err))
		return nil, err
	}

	metrics.IncTokenResolved("ok")
	s.logger.Info().
		Str("event", "token.resolved").
		Str("pc_id", res.PCID).
		Str("session_id", res.SessionID).
		Str("stream_id", res.StreamID).
		Msg("stream token resolved")
	return res, nil
}

func resolveOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrTokenExpired):
		return "expired"
	case errors.Is(err, domain.ErrTokenConsumed):
		return "consumed"
	case errors.Is(err, domain.ErrSessionNotActive):
		return "not_active"
	case errors.Is(err, domain.ErrPCUnreachable):
		return "unreachable"
	default:
		return "invalid"
	}
}

// PeekResult carries everything the relay handshake needs to authorize a
// connection without burning the token.
type PeekResult struct {
	Token   *domain.StreamConnectToken
	Session *domain.Session
	PC      *domain.PC
	Host    *domain.HostProfile
}

// Peek validates a token for the relay handshake. Consumption is fine
// here: the client burned the token on resolve before dialing the relay,
// so a consumed token stays acceptable as long as it is bound to the
// presented session and that session can still go live. PENDING is
// accepted alongside ACTIVE so the host can connect its side of the room
// before the countdown starts.
func (s *Service) Peek(ctx context.Context, token, sessionID string) (*PeekResult, error) {
	if token == "" {
		return nil, domain.ErrTokenInvalid
	}
	tok, err := s.store.GetToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, domain.ErrTokenInvalid
	}
	if tok.Expired(s.clock.Now().UTC()) {
		return nil, domain.ErrTokenExpired
	}
	if sessionID != "" && tok.SessionID != sessionID {
		return nil, domain.ErrTokenInvalid
	}

	se, err := s.store.GetSession(ctx, tok.SessionID)
	if err != nil {
		return nil, err
	}
	if se == nil {
		return nil, domain.ErrSessionNotFound
	}
	if se.Status != domain.SessionPending && se.Status != domain.SessionActive {
		return nil, domain.ErrSessionNotActive
	}
	if tok.UserID != se.ClientUserID || tok.PCID != se.PCID {
		return nil, domain.ErrTokenInvalid
	}

	pc, err := s.store.GetPC(ctx, tok.PCID)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		return nil, domain.ErrPCNotFound
	}
	host, err := s.store.GetHostProfile(ctx, pc.HostID)
	if err != nil {
		return nil, err
	}
	return &PeekResult{Token: tok, Session: se, PC: pc, Host: host}, nil
}

// PruneExpired removes tokens past their lifetime. Wired into the
// periodic sweeper.
func (s *Service) PruneExpired(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpiredTokens(ctx, s.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug().Int("count", n).Msg("expired stream tokens pruned")
	}
	return n, nil
}

// DeriveStreamID maps a token to its relay room key: the SHA-256 prefix
// rendered as a UUID-shaped string. Deterministic, and useless for
// recovering the token.
func DeriveStreamID(token string) string {
	sum := sha256.Sum256([]byte(token))
	h := hex.EncodeToString(sum[:16])
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}

// connectAddress picks the dialable endpoint: the resolved connect address
// when present, else host:port with the default port filled in.
func connectAddress(pc *domain.PC) (addr, hint string) {
	if pc.ConnectAddress != "" {
		return pc.ConnectAddress, HintDirect
	}
	if pc.ConnectionHost == "" {
		return "", ""
	}
	port := pc.ConnectionPort
	if port <= 0 {
		port = domain.DefaultConnectionPort
	}
	return net.JoinHostPort(pc.ConnectionHost, strconv.Itoa(port)), HintLAN
}
