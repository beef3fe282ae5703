// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared across spans so traces stay queryable by one
// vocabulary. HTTP-level attributes come from the otelhttp middleware;
// these cover the domain dimensions it cannot know.
const (
	SessionIDKey     = "session.id"
	SessionStatusKey = "session.status"
	SessionPCKey     = "session.pc_id"

	QueuePCKey       = "queue.pc_id"
	QueuePositionKey = "queue.position"
	QueueDepthKey    = "queue.depth"

	RelayStreamKey = "relay.stream_id"
	RelayRoleKey   = "relay.role"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// SessionAttributes tags a span with the session it operates on.
func SessionAttributes(sessionID, pcID, status string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	if pcID != "" {
		attrs = append(attrs, attribute.String(SessionPCKey, pcID))
	}
	if status != "" {
		attrs = append(attrs, attribute.String(SessionStatusKey, status))
	}
	return attrs
}

// QueueAttributes tags a span with queue placement.
func QueueAttributes(pcID string, position, depth int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(QueuePCKey, pcID),
		attribute.Int(QueuePositionKey, position),
		attribute.Int(QueueDepthKey, depth),
	}
}

// RelayAttributes tags a span with the relay room and peer role.
func RelayAttributes(streamID, role string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(RelayStreamKey, streamID),
		attribute.String(RelayRoleKey, role),
	}
}

// ErrorAttributes marks a span failed with a stable error type.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
