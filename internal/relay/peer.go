// SPDX-License-Identifier: MIT

package relay

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nuvemplay/core/internal/metrics"
)

// Role identifies which side of a room a connection serves.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a peer may stay silent before the read side
	// gives up on it. Pings go out at pingPeriod, comfortably inside
	// that window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// envelope is one queued outbound websocket message.
type envelope struct {
	kind int // websocket.BinaryMessage or websocket.TextMessage
	data []byte
}

// peer is one websocket connection bound to a room. The send channel is
// bounded; a receiver that cannot drain it is closed rather than buffered
// without limit.
type peer struct {
	conn     *websocket.Conn
	role     Role
	userID   string
	remoteIP string
	room     *room

	// msgBudget rations control messages on client peers; nil on hosts.
	msgBudget *rate.Limiter

	send      chan envelope
	closeOnce sync.Once
	closed    atomic.Bool
}

func newPeer(conn *websocket.Conn, role Role, userID, remoteIP string, cfg Config) *peer {
	p := &peer{
		conn:     conn,
		role:     role,
		userID:   userID,
		remoteIP: remoteIP,
		send:     make(chan envelope, cfg.SendQueue),
	}
	if role == RoleClient {
		p.msgBudget = rate.NewLimiter(rate.Limit(cfg.ClientMsgPerSec), cfg.ClientMsgPerSec)
	}
	return p
}

// trySend queues a message without blocking. False means the queue is
// full or the peer is closing; the caller decides what that implies.
// The recover guards the race between a send and a concurrent close of
// the channel.
func (p *peer) trySend(kind int, data []byte) (ok bool) {
	if p.closed.Load() {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case p.send <- envelope{kind: kind, data: data}:
		return true
	default:
		return false
	}
}

// closeWith sends a close frame carrying an application code, then tears
// the peer down. WriteControl is safe concurrently with the write pump.
func (p *peer) closeWith(code int) {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		msg := websocket.FormatCloseMessage(code, closeReason(code))
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		close(p.send)
		metrics.IncRelayClose(strconv.Itoa(code))
	})
}

// shutdown releases the write pump without sending a close frame, for
// when the connection is already gone.
func (p *peer) shutdown() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.send)
	})
}

// writePump owns all writes on the connection: queued messages plus
// keepalive pings. It exits when the send channel closes or a write
// fails, and closing the connection here is what unblocks the read pump.
func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case env, ok := <-p.send:
			if !ok {
				return
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(env.kind, env.data); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump owns all reads. Every inbound message is handed to the hub
// for forwarding; the pump exits on any read error and detaches the peer
// from its room on the way out.
func (p *peer) readPump(h *Hub) {
	defer func() {
		h.leave(p)
		p.shutdown()
		_ = p.conn.Close()
	}()
	p.conn.SetReadLimit(h.cfg.MaxPayloadBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	strikes := 0
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug().
					Str("role", string(p.role)).
					Str("stream_id", p.room.streamID).
					Err(err).
					Msg("relay read ended")
			}
			return
		}
		switch p.role {
		case RoleHost:
			h.hostMessage(p, kind, data)
		case RoleClient:
			if !h.clientMessage(p, kind, data, &strikes) {
				return
			}
		}
	}
}
