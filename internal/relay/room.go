// SPDX-License-Identifier: MIT

package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nuvemplay/core/internal/presence"
)

// room pairs at most one host with at most one client under a stream id.
// State changes happen under the mutex; anything with side effects
// (closing a displaced peer, publishing presence) runs outside it on
// whatever the mutating call returned.
type room struct {
	streamID  string
	sessionID string
	pcID      string

	// hostBudget rations host-to-client bytes. Frames over budget are
	// dropped, never buffered: stale video is worth less than fresh.
	hostBudget *rate.Limiter

	mu           sync.Mutex
	host         *peer
	client       *peer
	lastFrameAt  time.Time
	lastPresence time.Time
}

func newRoom(streamID, sessionID, pcID string, bytesPerSec int) *room {
	return &room{
		streamID:   streamID,
		sessionID:  sessionID,
		pcID:       pcID,
		hostBudget: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec),
	}
}

// attach installs p for its role and returns the peer it displaced, if
// any. Last writer wins; the caller closes the displaced peer outside
// the lock.
func (r *room) attach(p *peer) (displaced *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch p.role {
	case RoleHost:
		displaced = r.host
		r.host = p
	case RoleClient:
		displaced = r.client
		r.client = p
	}
	return displaced
}

// detach removes p if it is still the current peer for its role. A
// superseded peer detaching later must not evict its replacement, hence
// the identity check. empty reports whether the room has no peers left.
func (r *room) detach(p *peer) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case p.role == RoleHost && r.host == p:
		r.host = nil
		removed = true
	case p.role == RoleClient && r.client == p:
		r.client = nil
		removed = true
	}
	return removed, r.host == nil && r.client == nil
}

func (r *room) hostPeer() *peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host
}

func (r *room) clientPeer() *peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

func (r *room) isEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host == nil && r.client == nil
}

func (r *room) peers() []*peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer, 0, 2)
	if r.host != nil {
		out = append(out, r.host)
	}
	if r.client != nil {
		out = append(out, r.client)
	}
	return out
}

// noteFrame records frame arrival and reports whether the presence entry
// is due for a refresh. Publishing every frame would hammer the presence
// backend at frame rate, so refreshes are spaced at least a second apart.
func (r *room) noteFrame(now time.Time) (state *presence.RoomState, due bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastFrameAt = now
	if now.Sub(r.lastPresence) < time.Second {
		return nil, false
	}
	r.lastPresence = now
	s := r.snapshotLocked(now)
	return &s, true
}

// snapshot captures the presence view of the room.
func (r *room) snapshot(now time.Time) presence.RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastPresence = now
	return r.snapshotLocked(now)
}

func (r *room) snapshotLocked(now time.Time) presence.RoomState {
	viewers := 0
	if r.client != nil {
		viewers = 1
	}
	return presence.RoomState{
		StreamID:      r.streamID,
		SessionID:     r.sessionID,
		PCID:          r.pcID,
		HostConnected: r.host != nil,
		ViewerCount:   viewers,
		LastFrameAt:   r.lastFrameAt,
		UpdatedAt:     now,
	}
}
