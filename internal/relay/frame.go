// SPDX-License-Identifier: MIT

package relay

import "encoding/binary"

// Video frames travel host to client as binary messages:
//
//	[flags:1][timestampUs:8 big-endian][annex-b payload...]
//
// The relay forwards them opaquely; the only structural requirement is
// that the header is present.
const (
	frameHeaderLen = 9

	flagKeyframe = 0x01
)

func validFrame(b []byte) bool { return len(b) >= frameHeaderLen }

func frameIsKeyframe(b []byte) bool { return b[0]&flagKeyframe != 0 }

func frameTimestampUs(b []byte) uint64 { return binary.BigEndian.Uint64(b[1:frameHeaderLen]) }
