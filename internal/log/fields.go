// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldUserID    = "user_id"
	FieldHostID    = "host_id"
	FieldPCID      = "pc_id"
	FieldSessionID = "session_id"
	FieldStreamID  = "stream_id"
	FieldRole      = "role"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"

	// Network fields
	FieldRemoteIP = "remote_ip"
)
