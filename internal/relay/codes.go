// SPDX-License-Identifier: MIT

package relay

// Application close codes sent to websocket peers. The 4000 range is
// reserved for application use, so browser clients can read these from
// the CloseEvent and react without a side channel.
const (
	CloseTokenInvalid     = 4001
	CloseSessionNotActive = 4002
	CloseRoleMismatch     = 4003
	CloseSuperseded       = 4004
	CloseRoomClosed       = 4005
	CloseRateLimited      = 4008
	CloseBackpressure     = 4009
)

// closeReason maps a close code onto the reason string carried in the
// close frame and the metrics label.
func closeReason(code int) string {
	switch code {
	case CloseTokenInvalid:
		return "token_invalid"
	case CloseSessionNotActive:
		return "session_not_active"
	case CloseRoleMismatch:
		return "role_mismatch"
	case CloseSuperseded:
		return "superseded"
	case CloseRoomClosed:
		return "room_closed"
	case CloseRateLimited:
		return "rate_limited"
	case CloseBackpressure:
		return "backpressure"
	default:
		return "unknown"
	}
}
