// SPDX-License-Identifier: MIT

package domain

// SessionStatus is the client-visible lifecycle of a booked session.
// Keep these stable: settlement, metrics and client UX depend on them.
type SessionStatus string

const (
	SessionPending   SessionStatus = "PENDING"
	SessionActive    SessionStatus = "ACTIVE"
	SessionEnded     SessionStatus = "ENDED"
	SessionFailed    SessionStatus = "FAILED"
	SessionCancelled SessionStatus = "CANCELLED"
)

// IsTerminal returns true if the status is a final state.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionEnded, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// OpenSessionStatuses are the states counted against the one-session-per-PC
// and one-session-per-user slots.
func OpenSessionStatuses() []SessionStatus {
	return []SessionStatus{SessionPending, SessionActive}
}

// PCStatus is the availability state of a host machine.
type PCStatus string

const (
	PCOnline  PCStatus = "ONLINE"
	PCOffline PCStatus = "OFFLINE"
	PCBusy    PCStatus = "BUSY"
)

// Valid reports whether the status is one of the known PC states.
func (s PCStatus) Valid() bool {
	switch s {
	case PCOnline, PCOffline, PCBusy:
		return true
	}
	return false
}

// QueueStatus is the lifecycle of a waiting-queue entry.
// PROMOTED is the bounded window between a slot freeing and the session being
// bound; entries stuck there are expired by the promotion sweeper.
type QueueStatus string

const (
	QueueWaiting   QueueStatus = "WAITING"
	QueuePromoted  QueueStatus = "PROMOTED"
	QueueActive    QueueStatus = "ACTIVE"
	QueueCancelled QueueStatus = "CANCELLED"
	QueueExpired   QueueStatus = "EXPIRED"
)

// IsTerminal returns true if the entry can never re-enter the queue.
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case QueueCancelled, QueueExpired:
		return true
	}
	return false
}

// OpenQueueStatuses are the states counted against the one-entry-per-(pc,user) slot.
func OpenQueueStatuses() []QueueStatus {
	return []QueueStatus{QueueWaiting, QueuePromoted, QueueActive}
}

// FailureReason attributes a terminal session to the party at fault.
type FailureReason string

const (
	FailureNone     FailureReason = "NONE"
	FailureClient   FailureReason = "CLIENT"
	FailureHost     FailureReason = "HOST"
	FailurePlatform FailureReason = "PLATFORM"
)

// Valid reports whether the reason is one of the known values.
func (r FailureReason) Valid() bool {
	switch r {
	case FailureNone, FailureClient, FailureHost, FailurePlatform:
		return true
	}
	return false
}

// ReservationStatus is the lifecycle of a scheduled booking.
type ReservationStatus string

const (
	ReservationScheduled ReservationStatus = "SCHEDULED"
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// ReliabilityEventType tags an append-only host reliability event.
type ReliabilityEventType string

const (
	EventSessionOK     ReliabilityEventType = "SESSION_OK"
	EventSessionFailed ReliabilityEventType = "SESSION_FAILED"
	EventHostDown      ReliabilityEventType = "HOST_DOWN"
)

// Badge is the human-friendly reliability label shown on PC listings.
type Badge string

const (
	BadgeNovo      Badge = "NOVO"
	BadgeConfiavel Badge = "CONFIAVEL"
	BadgeInstavel  Badge = "INSTAVEL"
)

// Category classifies what a PC is offered for.
type Category string

const (
	CategoryGames  Category = "GAMES"
	CategoryDesign Category = "DESIGN"
	CategoryVideo  Category = "VIDEO"
	CategoryDev    Category = "DEV"
	CategoryOffice Category = "OFFICE"
)

// Valid reports whether the category is one of the known values.
func (c Category) Valid() bool {
	switch c {
	case CategoryGames, CategoryDesign, CategoryVideo, CategoryDev, CategoryOffice:
		return true
	}
	return false
}

// UserRole distinguishes hardware owners from renters.
type UserRole string

const (
	RoleClient UserRole = "CLIENT"
	RoleHost   UserRole = "HOST"
)
