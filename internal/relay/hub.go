// SPDX-License-Identifier: MIT

// Package relay pairs a streaming host with its paying viewer over
// websockets and forwards traffic between them: opaque H.264 frames
// downstream, JSON control feedback upstream. It never inspects video
// beyond a header length check and never buffers more than a small
// outbound queue per peer.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/nuvemplay/core/internal/log"
	"github.com/nuvemplay/core/internal/metrics"
	"github.com/nuvemplay/core/internal/presence"
)

// clientStrikeLimit is how many offending messages (wrong direction,
// oversized, over rate, malformed) a viewer may send before the
// connection is cut with CloseRateLimited.
const clientStrikeLimit = 40

// Config tunes the hub. Zero values fall back to DefaultConfig.
type Config struct {
	// MaxPayloadBytes caps a single inbound websocket message.
	MaxPayloadBytes int64
	// HostBytesPerSec rations host video; frames over budget are
	// dropped rather than queued.
	HostBytesPerSec int
	// ClientMsgPerSec and ClientMaxMsgBytes bound viewer control
	// traffic.
	ClientMsgPerSec   int
	ClientMaxMsgBytes int
	// SendQueue is the per-peer outbound buffer. A peer that lets it
	// overflow is closed as a slow receiver.
	SendQueue int
	// ConnectPerMinute limits join attempts per (ip, user, session).
	ConnectPerMinute int
	// Linger keeps an empty room alive briefly so a quick reconnect
	// lands back in it instead of racing room teardown.
	Linger time.Duration
	// PresenceTTL expires presence entries of rooms that stop
	// refreshing them.
	PresenceTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes:   2 << 20,
		HostBytesPerSec:   20_000_000,
		ClientMsgPerSec:   20,
		ClientMaxMsgBytes: 4 << 10,
		SendQueue:         64,
		ConnectPerMinute:  6,
		Linger:            10 * time.Second,
		PresenceTTL:       5 * time.Minute,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if c.HostBytesPerSec <= 0 {
		c.HostBytesPerSec = d.HostBytesPerSec
	}
	if c.ClientMsgPerSec <= 0 {
		c.ClientMsgPerSec = d.ClientMsgPerSec
	}
	if c.ClientMaxMsgBytes <= 0 {
		c.ClientMaxMsgBytes = d.ClientMaxMsgBytes
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.ConnectPerMinute <= 0 {
		c.ConnectPerMinute = d.ConnectPerMinute
	}
	if c.Linger <= 0 {
		c.Linger = d.Linger
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = d.PresenceTTL
	}
}

// Hub owns every live room and the linger cache that delays teardown of
// empty ones.
type Hub struct {
	cfg      Config
	presence presence.Store
	logger   zerolog.Logger

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool

	linger *ttlcache.Cache[string, *room]
}

// NewHub builds a hub over the given presence store. A nil store falls
// back to the in-process one.
func NewHub(cfg Config, ps presence.Store) *Hub {
	cfg.normalize()
	if ps == nil {
		ps = presence.NewMemoryStore()
	}
	h := &Hub{
		cfg:      cfg,
		presence: ps,
		logger:   log.WithComponent("relay"),
		rooms:    make(map[string]*room),
	}
	h.linger = ttlcache.New[string, *room](
		ttlcache.WithTTL[string, *room](cfg.Linger),
		ttlcache.WithDisableTouchOnHit[string, *room](),
	)
	h.linger.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *room]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		// The callback runs with the cache's internal lock held and the
		// teardown needs the hub lock, so it moves to a fresh goroutine.
		go h.destroyRoom(item.Value())
	})
	go h.linger.Start()
	return h
}

// Config returns the effective (normalized) configuration.
func (h *Hub) Config() Config { return h.cfg }

// RoomCount reports live rooms, lingering ones included.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// HealthCheck reports whether the hub still accepts joins.
func (h *Hub) HealthCheck(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("hub is shut down")
	}
	return nil
}

// join attaches a peer to its room, creating the room on first contact.
// A peer already holding the same role is displaced and closed. Returns
// nil when the hub is shutting down.
func (h *Hub) join(p *peer, streamID, sessionID, pcID string) *room {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	r := h.rooms[streamID]
	if r == nil {
		r = newRoom(streamID, sessionID, pcID, h.cfg.HostBytesPerSec)
		h.rooms[streamID] = r
		metrics.IncRelayRooms()
	}
	displaced := r.attach(p)
	p.room = r
	h.mu.Unlock()

	// A rejoin inside the linger window keeps the room alive.
	h.linger.Delete(streamID)

	if displaced != nil {
		displaced.closeWith(CloseSuperseded)
		h.logger.Info().
			Str("event", "relay.superseded").
			Str("stream_id", streamID).
			Str("role", string(p.role)).
			Msg("existing relay connection superseded")
	}
	h.storePresence(r.snapshot(time.Now()))
	metrics.IncRelayConnection(string(p.role))
	h.logger.Info().
		Str("event", "relay.joined").
		Str("stream_id", streamID).
		Str("session_id", sessionID).
		Str("role", string(p.role)).
		Str("remote_ip", p.remoteIP).
		Msg("relay peer joined")
	return r
}

// leave detaches a peer after its read pump ends. When the room empties
// it is parked in the linger cache instead of destroyed outright.
func (h *Hub) leave(p *peer) {
	r := p.room
	if r == nil {
		return
	}
	removed, empty := r.detach(p)
	if !removed {
		return // superseded earlier; the replacement owns the slot
	}
	h.storePresence(r.snapshot(time.Now()))
	h.logger.Debug().
		Str("event", "relay.left").
		Str("stream_id", r.streamID).
		Str("role", string(p.role)).
		Msg("relay peer left")
	if !empty {
		return
	}
	h.mu.Lock()
	park := !h.closed && h.rooms[r.streamID] == r
	h.mu.Unlock()
	if park {
		h.linger.Set(r.streamID, r, ttlcache.DefaultTTL)
	}
}

// destroyRoom removes an expired empty room. A peer racing back in
// between expiry and this call aborts the teardown.
func (h *Hub) destroyRoom(r *room) {
	h.mu.Lock()
	if h.rooms[r.streamID] != r || !r.isEmpty() {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, r.streamID)
	h.mu.Unlock()

	metrics.DecRelayRooms()
	if err := h.presence.Delete(context.Background(), r.streamID); err != nil {
		h.logger.Debug().Err(err).Str("stream_id", r.streamID).Msg("presence delete failed")
	}
	h.logger.Debug().
		Str("event", "relay.room_destroyed").
		Str("stream_id", r.streamID).
		Msg("idle relay room destroyed")
}

// hostMessage forwards one host message downstream. Video is opaque:
// anything with a valid header that fits the byte budget goes through
// verbatim.
func (h *Hub) hostMessage(p *peer, kind int, data []byte) {
	if kind != websocket.BinaryMessage {
		metrics.IncRelayDrop("wrong_direction")
		return
	}
	if !validFrame(data) {
		metrics.IncRelayDrop("malformed")
		return
	}
	r := p.room
	if !r.hostBudget.AllowN(time.Now(), len(data)) {
		// Over budget means drop, not buffer: late video is worthless.
		metrics.IncRelayDrop("rate")
		return
	}
	client := r.clientPeer()
	if client == nil {
		metrics.IncRelayDrop("no_peer")
		return
	}
	if !client.trySend(websocket.BinaryMessage, data) {
		metrics.IncRelayDrop("backpressure")
		client.closeWith(CloseBackpressure)
		return
	}
	metrics.RecordRelayForward("host_to_client", len(data))
	if state, due := r.noteFrame(time.Now()); due {
		h.storePresence(*state)
	}
}

// clientMessage forwards one viewer control message upstream. Offending
// messages are dropped silently; a viewer that keeps offending is
// disconnected. Returns false once the peer has been closed.
func (h *Hub) clientMessage(p *peer, kind int, data []byte, strikes *int) bool {
	offend := func(reason string) bool {
		metrics.IncRelayDrop(reason)
		*strikes++
		if *strikes >= clientStrikeLimit {
			p.closeWith(CloseRateLimited)
			return false
		}
		return true
	}
	if kind != websocket.TextMessage {
		return offend("wrong_direction")
	}
	if len(data) > h.cfg.ClientMaxMsgBytes {
		return offend("oversized")
	}
	if p.msgBudget != nil && !p.msgBudget.Allow() {
		return offend("rate")
	}
	msg, ok := parseControl(data)
	if !ok {
		return offend("malformed")
	}
	host := p.room.hostPeer()
	if host == nil {
		metrics.IncRelayDrop("no_peer")
		return true
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return true
	}
	if !host.trySend(websocket.TextMessage, out) {
		metrics.IncRelayDrop("backpressure")
		host.closeWith(CloseBackpressure)
		return true
	}
	metrics.RecordRelayForward("client_to_host", len(out))
	return true
}

// ForwardPairingPin pushes a pairing PIN into the session's room for the
// connected host agent. Best effort: false when no host is connected or
// its queue is full. The pin itself is never logged.
func (h *Hub) ForwardPairingPin(sessionID, pin string) bool {
	h.mu.Lock()
	var host *peer
	for _, r := range h.rooms {
		if r.sessionID == sessionID {
			host = r.hostPeer()
			break
		}
	}
	h.mu.Unlock()
	if host == nil {
		return false
	}
	out, err := json.Marshal(ControlMessage{
		Type:      controlPairingPin,
		Version:   1,
		SessionID: sessionID,
		Pin:       pin,
		SentAtUs:  time.Now().UnixMicro(),
	})
	if err != nil {
		return false
	}
	if !host.trySend(websocket.TextMessage, out) {
		return false
	}
	h.logger.Info().
		Str("event", "relay.pairing_pin_forwarded").
		Str("session_id", sessionID).
		Msg("pairing pin forwarded to host")
	return true
}

// Shutdown closes every peer with CloseRoomClosed and stops the linger
// cache. Safe to call more than once.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	h.linger.Stop()
	for _, r := range rooms {
		for _, p := range r.peers() {
			p.closeWith(CloseRoomClosed)
		}
		if err := h.presence.Delete(ctx, r.streamID); err != nil {
			h.logger.Debug().Err(err).Str("stream_id", r.streamID).Msg("presence delete failed")
		}
		metrics.DecRelayRooms()
	}
	h.logger.Info().Int("rooms", len(rooms)).Msg("relay hub shut down")
}

func (h *Hub) storePresence(state presence.RoomState) {
	if err := h.presence.Set(context.Background(), state, h.cfg.PresenceTTL); err != nil {
		h.logger.Debug().Err(err).Str("stream_id", state.StreamID).Msg("presence update failed")
	}
}
