// SPDX-License-Identifier: MIT

package relay

import (
	"encoding/json"
	"strings"
)

// Control message types a viewer may send upstream to the host.
const (
	ControlKeyframeRequest = "keyframe_request"
	ControlNetworkReport   = "network_report"
	ControlReconnect       = "reconnect"

	// controlPairingPin flows the other way: relay to host, injected by
	// the pairing endpoint. Never accepted from a viewer.
	controlPairingPin = "pairing_pin"
)

// ControlMessage is the JSON feedback envelope a viewer sends upstream.
// Numeric fields are pointers so absent and zero stay distinguishable on
// the wire.
type ControlMessage struct {
	Type                 string   `json:"type"`
	Version              int      `json:"version,omitempty"`
	Token                string   `json:"token,omitempty"`
	SessionID            string   `json:"sessionId,omitempty"`
	StreamID             string   `json:"streamId,omitempty"`
	LossPct              *float64 `json:"lossPct,omitempty"`
	JitterMs             *float64 `json:"jitterMs,omitempty"`
	FreezeMs             *float64 `json:"freezeMs,omitempty"`
	RequestedBitrateKbps *float64 `json:"requestedBitrateKbps,omitempty"`
	Reason               string   `json:"reason,omitempty"`
	SentAtUs             int64    `json:"sentAtUs,omitempty"`
	Pin                  string   `json:"pin,omitempty"`
}

// parseControl decodes and sanitizes a viewer control message. Returns
// false for anything that is not valid JSON or not a whitelisted type;
// such messages are dropped, never forwarded.
func parseControl(data []byte) (*ControlMessage, bool) {
	var m ControlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	m.Type = strings.TrimSpace(m.Type)
	switch m.Type {
	case ControlKeyframeRequest, ControlNetworkReport, ControlReconnect:
	default:
		return nil, false
	}
	m.sanitize()
	return &m, true
}

// sanitize clamps the telemetry fields to the ranges the host agent
// accepts and trims free-text fields. freezeMs is only capped: a freeze
// longer than a minute reads the same as a minute.
func (m *ControlMessage) sanitize() {
	if m.Version == 0 {
		m.Version = 1
	}
	m.Token = strings.TrimSpace(m.Token)
	m.SessionID = strings.TrimSpace(m.SessionID)
	m.StreamID = strings.TrimSpace(m.StreamID)
	m.Reason = strings.TrimSpace(m.Reason)
	m.Pin = "" // viewer input never carries a pin
	if m.LossPct != nil {
		*m.LossPct = clampF(*m.LossPct, 0, 100)
	}
	if m.JitterMs != nil {
		*m.JitterMs = clampF(*m.JitterMs, 0, 10_000)
	}
	if m.FreezeMs != nil && *m.FreezeMs > 60_000 {
		*m.FreezeMs = 60_000
	}
	if m.RequestedBitrateKbps != nil {
		*m.RequestedBitrateKbps = clampF(*m.RequestedBitrateKbps, 100, 500_000)
	}
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
