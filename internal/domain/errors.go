// SPDX-License-Identifier: MIT

package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned verbatim in API envelopes and matched by clients.
// Keep these stable.
const (
	CodeSessionExists    = "SESSION_EXISTS"
	CodeSessionNotActive = "SESSION_NOT_ACTIVE"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodePCOffline        = "PC_OFFLINE"
	CodePCNotFound       = "PC_NOT_FOUND"
	CodePCUnreachable    = "PC_UNREACHABLE"
	CodeInsufficient     = "INSUFFICIENT_FUNDS"
	CodeTokenInvalid     = "TOKEN_INVALID"
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeTokenConsumed    = "TOKEN_CONSUMED"
	CodeForbidden        = "FORBIDDEN"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeScheduleConflict = "SCHEDULE_CONFLICT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeQueueNotFound    = "QUEUE_ENTRY_NOT_FOUND"
	CodeReservationGone  = "RESERVATION_NOT_FOUND"
	CodeValidation       = "VALIDATION_ERROR"
	CodeInternal         = "INTERNAL_ERROR"
)

// Error is a typed failure carrying both an HTTP status and a stable code.
// The ingress layer translates it into the response envelope unchanged.
type Error struct {
	Code    string
	Status  int
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// Is matches two typed errors by code so handlers can use errors.Is with the
// package sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func (e *Error) Unwrap() error { return e.err }

// WithCause attaches an underlying error while keeping code and status.
func (e *Error) WithCause(err error) *Error {
	clone := *e
	clone.err = err
	return &clone
}

func newError(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is matching. Use the constructors below when a
// contextual message is wanted.
var (
	ErrSessionExists    = &Error{Code: CodeSessionExists, Status: http.StatusConflict, Message: "a non-terminal session already exists"}
	ErrSessionNotActive = &Error{Code: CodeSessionNotActive, Status: http.StatusConflict, Message: "session is not active"}
	ErrSessionNotFound  = &Error{Code: CodeSessionNotFound, Status: http.StatusNotFound, Message: "session not found"}
	ErrPCOffline        = &Error{Code: CodePCOffline, Status: http.StatusConflict, Message: "pc is offline"}
	ErrPCNotFound       = &Error{Code: CodePCNotFound, Status: http.StatusNotFound, Message: "pc not found"}
	ErrPCUnreachable    = &Error{Code: CodePCUnreachable, Status: http.StatusConflict, Message: "pc has no connection address"}
	ErrInsufficient     = &Error{Code: CodeInsufficient, Status: http.StatusPaymentRequired, Message: "wallet balance is insufficient"}
	ErrTokenInvalid     = &Error{Code: CodeTokenInvalid, Status: http.StatusNotFound, Message: "unknown stream token"}
	ErrTokenExpired     = &Error{Code: CodeTokenExpired, Status: http.StatusGone, Message: "stream token expired"}
	ErrTokenConsumed    = &Error{Code: CodeTokenConsumed, Status: http.StatusConflict, Message: "stream token already consumed"}
	ErrForbidden        = &Error{Code: CodeForbidden, Status: http.StatusForbidden, Message: "caller is not allowed to perform this operation"}
	ErrUnauthorized     = &Error{Code: CodeUnauthorized, Status: http.StatusUnauthorized, Message: "missing or unresolvable identity"}
	ErrScheduleConflict = &Error{Code: CodeScheduleConflict, Status: http.StatusConflict, Message: "reservation overlaps an existing one"}
	ErrRateLimited      = &Error{Code: CodeRateLimited, Status: http.StatusTooManyRequests, Message: "too many requests"}
	ErrQueueNotFound    = &Error{Code: CodeQueueNotFound, Status: http.StatusNotFound, Message: "no waiting queue entry"}
	ErrReservationGone  = &Error{Code: CodeReservationGone, Status: http.StatusNotFound, Message: "reservation not found"}
)

// Validationf builds a 400 with the stable validation code.
func Validationf(format string, args ...any) *Error {
	return newError(CodeValidation, http.StatusBadRequest, format, args...)
}

// Internalf builds a 500. The message should stay generic; details belong in logs.
func Internalf(format string, args ...any) *Error {
	return newError(CodeInternal, http.StatusInternalServerError, format, args...)
}

// Forbiddenf builds a 403 with a contextual message.
func Forbiddenf(format string, args ...any) *Error {
	return newError(CodeForbidden, http.StatusForbidden, format, args...)
}

// AsError extracts a typed error, mapping anything unknown to a generic 500.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "internal error", err: err}
}
