// SPDX-License-Identifier: MIT

// Package domain holds the marketplace entities, their lifecycle enums,
// the settlement math and the typed error taxonomy shared by all services.
package domain

import "time"

// DefaultConnectionPort is the port assumed for a PC when the host did not
// configure one explicitly.
const DefaultConnectionPort = 47990

// MaxMinutesPurchased bounds a single booking.
const MaxMinutesPurchased = 240

// InitialReliabilityScore is where every new host starts; events move it
// within [0, 100].
const InitialReliabilityScore = 100

// User is an authenticated account. The wallet is 1:1 and lazily created.
type User struct {
	ID           string    `json:"id"`
	Role         UserRole  `json:"role"`
	AuthProvider string    `json:"authProvider"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Wallet holds a user's balance in fractional currency units. Balance never
// goes below zero; debits are rejected instead.
type Wallet struct {
	UserID    string    `json:"userId"`
	Balance   float64   `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HostProfile aggregates per-host presence and reliability state. Created
// when a user first claims host role; never destroyed while a PC references it.
type HostProfile struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	LastSeenAt        *time.Time `json:"lastSeenAt,omitempty"`
	SessionsTotal     int        `json:"sessionsTotal"`
	SessionsCompleted int        `json:"sessionsCompleted"`
	SessionsDropped   int        `json:"sessionsDropped"`
	LastDropAt        *time.Time `json:"lastDropAt,omitempty"`
	ReliabilityScore  int        `json:"reliabilityScore"`
}

// PC is a rentable machine advertised by a host.
type PC struct {
	ID             string     `json:"id"`
	HostID         string     `json:"hostId"`
	Name           string     `json:"name"`
	CPU            string     `json:"cpu,omitempty"`
	GPU            string     `json:"gpu,omitempty"`
	RAMGB          int        `json:"ramGb,omitempty"`
	StorageGB      int        `json:"storageGb,omitempty"`
	UplinkMbps     int        `json:"uplinkMbps,omitempty"`
	PricePerHour   float64    `json:"pricePerHour"`
	Status         PCStatus   `json:"status"`
	ConnectionHost string     `json:"connectionHost,omitempty"`
	ConnectionPort int        `json:"connectionPort"`
	ConnectAddress string     `json:"connectAddress,omitempty"`
	Categories     []Category `json:"categories"`
	Software       []string   `json:"software"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Endpoint returns the address a client should connect to, preferring the
// resolved connect address over the raw host:port pair.
func (p *PC) Endpoint() string {
	if p.ConnectAddress != "" {
		return p.ConnectAddress
	}
	return p.ConnectionHost
}

// Session is a booked, time-bounded usage of one PC by one client.
type Session struct {
	ID               string        `json:"id"`
	PCID             string        `json:"pcId"`
	ClientUserID     string        `json:"clientUserId"`
	Status           SessionStatus `json:"status"`
	MinutesPurchased int           `json:"minutesPurchased"`
	MinutesUsed      int           `json:"minutesUsed"`
	PricePerHour     float64       `json:"pricePerHour"`
	StartAt          *time.Time    `json:"startAt,omitempty"`
	EndAt            *time.Time    `json:"endAt,omitempty"`
	FailureReason    FailureReason `json:"failureReason"`
	ClientIP         string        `json:"clientIp,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// QueueEntry is a user's intent to acquire a PC that is currently unavailable.
type QueueEntry struct {
	ID               string      `json:"id"`
	PCID             string      `json:"pcId"`
	UserID           string      `json:"userId"`
	Status           QueueStatus `json:"status"`
	MinutesPurchased int         `json:"minutesPurchased"`
	CreatedAt        time.Time   `json:"createdAt"`
	PromotedAt       *time.Time  `json:"promotedAt,omitempty"`
	SessionID        string      `json:"sessionId,omitempty"`
}

// Reservation is a future time window booked on a PC. Non-cancelled
// reservations for the same PC never overlap.
type Reservation struct {
	ID        string            `json:"id"`
	PCID      string            `json:"pcId"`
	UserID    string            `json:"userId"`
	StartAt   time.Time         `json:"startAt"`
	EndAt     time.Time         `json:"endAt"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Overlaps reports whether two half-open intervals [StartAt, EndAt) intersect.
func (r *Reservation) Overlaps(startAt, endAt time.Time) bool {
	return r.StartAt.Before(endAt) && startAt.Before(r.EndAt)
}

// StreamConnectToken is a short-lived single-use credential binding a client
// to a PC session for stream establishment.
type StreamConnectToken struct {
	Token      string     `json:"token"`
	PCID       string     `json:"pcId"`
	UserID     string     `json:"userId"`
	SessionID  string     `json:"sessionId"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	ConsumedAt *time.Time `json:"consumedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Expired reports whether the token is past its lifetime at the given instant.
// A token expiring exactly now is treated as expired.
func (t *StreamConnectToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Consumed reports whether the token was already resolved.
func (t *StreamConnectToken) Consumed() bool {
	return t.ConsumedAt != nil
}

// ReliabilityEvent is one append-only entry in a host's reliability history.
type ReliabilityEvent struct {
	ID        int64                `json:"id"`
	HostID    string               `json:"hostId"`
	Type      ReliabilityEventType `json:"type"`
	CreatedAt time.Time            `json:"createdAt"`
}

// HostOnlineMinute marks one observed minute of heartbeat presence.
// Minute is unix time truncated to the minute.
type HostOnlineMinute struct {
	HostID string `json:"hostId"`
	Minute int64  `json:"minute"`
}
