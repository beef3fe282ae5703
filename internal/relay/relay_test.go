// SPDX-License-Identifier: MIT

package relay

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nuvemplay/core/internal/domain"
	"github.com/nuvemplay/core/internal/presence"
	"github.com/nuvemplay/core/internal/session"
	"github.com/nuvemplay/core/internal/store"
	"github.com/nuvemplay/core/internal/streamtoken"
)

func openRelayStore(t *testing.T) (*store.Store, *clockwork.FakeClock, *session.Service, *streamtoken.Service) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))
	sessions := session.NewService(st, session.Config{PlatformFeeRate: 0.10, HostPenaltyRate: 0.30}, clock)
	tokens := streamtoken.NewService(st, time.Hour, clock)
	return st, clock, sessions, tokens
}

// seedActiveStream provisions a host with one PC, an ACTIVE session for
// the client and an issued stream token, and returns the coordinates a
// relay peer dials with.
func seedActiveStream(t *testing.T, st *store.Store, sessions *session.Service, tokens *streamtoken.Service, hostUser, clientUser string) (*domain.PC, *domain.Session, string, string) {
	t.Helper()
	ctx := context.Background()

	var hostID string
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		h, err := tx.GetOrCreateHostProfile(hostUser, time.Now().UTC())
		if err != nil {
			return err
		}
		hostID = h.ID
		return nil
	}))
	pc := &domain.PC{
		ID:             uuid.NewString(),
		HostID:         hostID,
		Name:           "rig-relay",
		PricePerHour:   10,
		Status:         domain.PCOnline,
		ConnectionHost: "203.0.113.40",
		ConnectionPort: 47990,
		Categories:     []domain.Category{domain.CategoryGames},
		Software:       []string{"steam"},
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertPC(pc)
	}))
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.EnsureUser(clientUser, domain.RoleClient, "test", time.Now().UTC()); err != nil {
			return err
		}
		return tx.CreditWallet(clientUser, 100, time.Now().UTC())
	}))

	se, err := sessions.Create(ctx, session.CreateParams{PCID: pc.ID, ClientUserID: clientUser, MinutesPurchased: 60})
	require.NoError(t, err)
	se, err = sessions.Start(ctx, se.ID, clientUser)
	require.NoError(t, err)

	tok, err := tokens.Issue(ctx, pc.ID, clientUser, "")
	require.NoError(t, err)
	return pc, se, tok.Token, streamtoken.DeriveStreamID(tok.Token)
}

type fixture struct {
	st       *store.Store
	clock    *clockwork.FakeClock
	sessions *session.Service
	tokens   *streamtoken.Service
	rooms    presence.Store
	hub      *Hub
	srv      *httptest.Server
}

func newFixture(t *testing.T, mut func(*Config)) *fixture {
	t.Helper()
	st, clock, sessions, tokens := openRelayStore(t)

	cfg := DefaultConfig()
	if mut != nil {
		mut(&cfg)
	}
	rooms := presence.NewMemoryStore()
	hub := NewHub(cfg, rooms)
	handler := NewHandler(hub, tokens)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		hub.Shutdown(context.Background())
		handler.Close()
		srv.Close()
		_ = rooms.Close()
	})
	return &fixture{st: st, clock: clock, sessions: sessions, tokens: tokens, rooms: rooms, hub: hub, srv: srv}
}

func (f *fixture) seed(t *testing.T, hostUser, clientUser string) (*domain.PC, *domain.Session, string, string) {
	return seedActiveStream(t, f.st, f.sessions, f.tokens, hostUser, clientUser)
}

func (f *fixture) dial(role Role, sessionID, streamID, token, userID string) (*websocket.Conn, *http.Response, error) {
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") +
		"/?role=" + string(role) +
		"&sessionId=" + sessionID +
		"&streamId=" + streamID +
		"&token=" + token +
		"&userId=" + userID
	return websocket.DefaultDialer.Dial(u, nil)
}

func (f *fixture) mustDial(t *testing.T, role Role, sessionID, streamID, token, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := f.dial(role, sessionID, streamID, token, userID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func buildFrame(flags byte, timestampUs uint64, payload []byte) []byte {
	b := make([]byte, frameHeaderLen+len(payload))
	b[0] = flags
	binary.BigEndian.PutUint64(b[1:frameHeaderLen], timestampUs)
	copy(b[frameHeaderLen:], payload)
	return b
}

func readMessage(t *testing.T, conn *websocket.Conn, wait time.Duration) (int, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return kind, data
}

// expectClose drains the connection until the server's close frame
// arrives and asserts its application code.
func expectClose(t *testing.T, conn *websocket.Conn, want int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce, "expected a close frame")
		assert.Equal(t, want, ce.Code)
		return
	}
}

// expectSilence asserts nothing arrives within the window. The read
// deadline poisons the connection, so only use this as the last read on
// a conn.
func expectSilence(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no message")
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout(), "read should time out, got %v", err)
}

func TestRelayPairsAndForwards(t *testing.T) {
	f := newFixture(t, nil)
	pc, se, token, streamID := f.seed(t, "host-1", "client-1")

	host := f.mustDial(t, RoleHost, se.ID, streamID, token, "host-1")
	viewer := f.mustDial(t, RoleClient, se.ID, streamID, token, "client-1")

	frame := buildFrame(flagKeyframe, 123456, bytes.Repeat([]byte{0x42}, 64))
	require.NoError(t, host.WriteMessage(websocket.BinaryMessage, frame))
	kind, got := readMessage(t, viewer, 2*time.Second)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, frame, got, "frames pass through byte for byte")
	assert.True(t, frameIsKeyframe(got))
	assert.EqualValues(t, 123456, frameTimestampUs(got))

	require.NoError(t, viewer.WriteJSON(map[string]any{"type": "keyframe_request", "sessionId": se.ID}))
	kind, raw := readMessage(t, host, 2*time.Second)
	assert.Equal(t, websocket.TextMessage, kind)
	var msg ControlMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, ControlKeyframeRequest, msg.Type)
	assert.Equal(t, 1, msg.Version, "missing version defaults to 1")
	assert.Equal(t, se.ID, msg.SessionID)

	state, err := f.rooms.Get(context.Background(), streamID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.HostConnected)
	assert.Equal(t, 1, state.ViewerCount)
	assert.Equal(t, se.ID, state.SessionID)
	assert.Equal(t, pc.ID, state.PCID)
}

func TestRelayRejectsInvalidToken(t *testing.T) {
	f := newFixture(t, nil)
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	conn, _, err := f.dial(RoleClient, se.ID, streamID, "not-a-token", "client-1")
	require.NoError(t, err, "denial arrives as a close code, not an HTTP error")
	expectClose(t, conn, CloseTokenInvalid)

	// Right token, wrong room key.
	conn, _, err = f.dial(RoleClient, se.ID, uuid.NewString(), token, "client-1")
	require.NoError(t, err)
	expectClose(t, conn, CloseTokenInvalid)

	f.clock.Advance(2 * time.Hour)
	conn, _, err = f.dial(RoleClient, se.ID, streamID, token, "client-1")
	require.NoError(t, err)
	expectClose(t, conn, CloseTokenInvalid)
}

func TestRelayRejectsEndedSession(t *testing.T) {
	f := newFixture(t, nil)
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	_, err := f.sessions.End(context.Background(), se.ID, session.EndParams{})
	require.NoError(t, err)

	conn, _, err := f.dial(RoleClient, se.ID, streamID, token, "client-1")
	require.NoError(t, err)
	expectClose(t, conn, CloseSessionNotActive)
}

func TestRelayRejectsRoleMismatch(t *testing.T) {
	f := newFixture(t, nil)
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	conn, _, err := f.dial(RoleClient, se.ID, streamID, token, "host-1")
	require.NoError(t, err)
	expectClose(t, conn, CloseRoleMismatch)

	conn, _, err = f.dial(RoleHost, se.ID, streamID, token, "client-1")
	require.NoError(t, err)
	expectClose(t, conn, CloseRoleMismatch)
}

func TestRelayRejectsBadHandshakeParams(t *testing.T) {
	f := newFixture(t, nil)
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	_, resp, err := f.dial("spectator", se.ID, streamID, token, "client-1")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = f.dial(RoleClient, se.ID, streamID, token, "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayConnectRateLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ConnectPerMinute = 2 })
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	for i := 0; i < 2; i++ {
		conn := f.mustDial(t, RoleClient, se.ID, streamID, token, "client-1")
		_ = conn.Close()
	}

	_, resp, err := f.dial(RoleClient, se.ID, streamID, token, "client-1")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "attempt limit is enforced before the upgrade")
}

func TestRelaySupersedesDuplicateRole(t *testing.T) {
	f := newFixture(t, nil)
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	host := f.mustDial(t, RoleHost, se.ID, streamID, token, "host-1")
	viewer1 := f.mustDial(t, RoleClient, se.ID, streamID, token, "client-1")

	// A round trip pins viewer1 into the room before the rival dials.
	require.NoError(t, host.WriteMessage(websocket.BinaryMessage, buildFrame(0, 1, nil)))
	readMessage(t, viewer1, 2*time.Second)

	viewer2 := f.mustDial(t, RoleClient, se.ID, streamID, token, "client-1")
	expectClose(t, viewer1, CloseSuperseded)

	require.NoError(t, host.WriteMessage(websocket.BinaryMessage, buildFrame(0, 2, nil)))
	kind, got := readMessage(t, viewer2, 2*time.Second)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.EqualValues(t, 2, frameTimestampUs(got))

	// Same rule for hosts.
	host2 := f.mustDial(t, RoleHost, se.ID, streamID, token, "host-1")
	expectClose(t, host, CloseSuperseded)
	require.NoError(t, host2.WriteMessage(websocket.BinaryMessage, buildFrame(0, 3, nil)))
	_, got = readMessage(t, viewer2, 2*time.Second)
	assert.EqualValues(t, 3, frameTimestampUs(got))
}

func TestRelayDropsWrongDirectionPayloads(t *testing.T) {
	f := newFixture(t, nil)
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	host := f.mustDial(t, RoleHost, se.ID, streamID, token, "host-1")
	viewer := f.mustDial(t, RoleClient, se.ID, streamID, token, "client-1")

	// Binary from the viewer never reaches the host.
	require.NoError(t, viewer.WriteMessage(websocket.BinaryMessage, buildFrame(0, 9, nil)))
	expectSilence(t, host, 300*time.Millisecond)

	// Text from the host never reaches the viewer.
	require.NoError(t, host.WriteMessage(websocket.TextMessage, []byte(`{"type":"keyframe_request"}`)))
	expectSilence(t, viewer, 300*time.Millisecond)
}

func TestRelayClampsNetworkReports(t *testing.T) {
	f := newFixture(t, nil)
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	host := f.mustDial(t, RoleHost, se.ID, streamID, token, "host-1")
	viewer := f.mustDial(t, RoleClient, se.ID, streamID, token, "client-1")

	require.NoError(t, viewer.WriteJSON(map[string]any{
		"type":                 "network_report",
		"lossPct":              250.0,
		"jitterMs":             99999.0,
		"freezeMs":             120000.0,
		"requestedBitrateKbps": 7.0,
		"reason":               "  lag  ",
	}))
	_, raw := readMessage(t, host, 2*time.Second)
	var msg ControlMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, ControlNetworkReport, msg.Type)
	assert.Equal(t, 100.0, *msg.LossPct)
	assert.Equal(t, 10000.0, *msg.JitterMs)
	assert.Equal(t, 60000.0, *msg.FreezeMs)
	assert.Equal(t, 100.0, *msg.RequestedBitrateKbps)
	assert.Equal(t, "lag", msg.Reason)

	// Unknown types are dropped, not forwarded.
	require.NoError(t, viewer.WriteJSON(map[string]any{"type": "shutdown_host"}))
	expectSilence(t, host, 300*time.Millisecond)
}

func TestRelayDropsShortFrames(t *testing.T) {
	f := newFixture(t, nil)
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	host := f.mustDial(t, RoleHost, se.ID, streamID, token, "host-1")
	viewer := f.mustDial(t, RoleClient, se.ID, streamID, token, "client-1")

	good := buildFrame(0, 11, []byte{0x01})
	require.NoError(t, host.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01, 0x02}))
	require.NoError(t, host.WriteMessage(websocket.BinaryMessage, good))

	// Only the well-formed frame comes through, and the host connection
	// survives the drop.
	kind, got := readMessage(t, viewer, 2*time.Second)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, good, got)
}

func TestRelayOversizedFrameKillsConnection(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxPayloadBytes = 1024 })
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	host := f.mustDial(t, RoleHost, se.ID, streamID, token, "host-1")
	require.NoError(t, host.WriteMessage(websocket.BinaryMessage, buildFrame(0, 1, make([]byte, 4096))))
	expectClose(t, host, websocket.CloseMessageTooBig)
}

func TestRelayHostByteBudgetDropsExcessFrames(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.HostBytesPerSec = 1000 })
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	host := f.mustDial(t, RoleHost, se.ID, streamID, token, "host-1")
	viewer := f.mustDial(t, RoleClient, se.ID, streamID, token, "client-1")

	first := buildFrame(0, 1, make([]byte, 491)) // 500 bytes, inside budget
	second := buildFrame(0, 2, make([]byte, 591)) // 600 bytes, over what's left
	require.NoError(t, host.WriteMessage(websocket.BinaryMessage, first))
	require.NoError(t, host.WriteMessage(websocket.BinaryMessage, second))

	_, got := readMessage(t, viewer, 2*time.Second)
	assert.Equal(t, first, got)
	expectSilence(t, viewer, 200*time.Millisecond)
}

func TestRelayClientFloodIsDisconnected(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ClientMsgPerSec = 2 })
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	viewer := f.mustDial(t, RoleClient, se.ID, streamID, token, "client-1")
	payload := []byte(`{"type":"keyframe_request"}`)
	for i := 0; i < 60; i++ {
		// Writes may start failing once the server cuts us off.
		_ = viewer.WriteMessage(websocket.TextMessage, payload)
	}
	expectClose(t, viewer, CloseRateLimited)
}

func TestRelayControlWithoutHostIsDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	viewer := f.mustDial(t, RoleClient, se.ID, streamID, token, "client-1")
	for i := 0; i < 3; i++ {
		require.NoError(t, viewer.WriteJSON(map[string]any{"type": "network_report", "lossPct": 1.0}))
	}
	// No host, no forwarding, and no penalty either.
	expectSilence(t, viewer, 300*time.Millisecond)
}

// wsPair returns both ends of a live websocket connection, for tests
// that drive a peer directly without the relay handler.
func wsPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ch := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	server = <-ch
	t.Cleanup(func() { _ = server.Close() })
	return client, server
}

func TestRelayBackpressureClosesSlowViewer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendQueue = 1
	rooms := presence.NewMemoryStore()
	hub := NewHub(cfg, rooms)
	t.Cleanup(func() {
		hub.Shutdown(context.Background())
		_ = rooms.Close()
	})

	_, hostS := wsPair(t)
	viewC, viewS := wsPair(t)

	r := newRoom("stream", "sess", "pc", cfg.HostBytesPerSec)
	hostP := newPeer(hostS, RoleHost, "h", "203.0.113.9", cfg)
	viewP := newPeer(viewS, RoleClient, "c", "203.0.113.10", cfg)
	hostP.room, viewP.room = r, r
	r.attach(hostP)
	r.attach(viewP)

	// No write pump drains the viewer queue, so the second frame
	// overflows it.
	frame := buildFrame(0, 7, []byte{0xaa})
	hub.hostMessage(hostP, websocket.BinaryMessage, frame)
	assert.False(t, viewP.closed.Load())
	hub.hostMessage(hostP, websocket.BinaryMessage, frame)
	assert.True(t, viewP.closed.Load())
	expectClose(t, viewC, CloseBackpressure)
	assert.False(t, hostP.closed.Load(), "the slow receiver is closed, not the sender")
}

func TestRelayRoomLingersThenDestroys(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Linger = 150 * time.Millisecond })
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	viewer := f.mustDial(t, RoleClient, se.ID, streamID, token, "client-1")
	require.Eventually(t, func() bool {
		state, err := f.rooms.Get(context.Background(), streamID)
		return err == nil && state != nil && state.ViewerCount == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, f.hub.RoomCount())

	_ = viewer.Close()
	require.Eventually(t, func() bool {
		return f.hub.RoomCount() == 0
	}, 2*time.Second, 20*time.Millisecond, "empty rooms are destroyed after the linger window")
	state, err := f.rooms.Get(context.Background(), streamID)
	require.NoError(t, err)
	assert.Nil(t, state, "destroying the room clears its presence entry")

	// A later reconnect simply builds a fresh room.
	f.mustDial(t, RoleClient, se.ID, streamID, token, "client-1")
	require.Eventually(t, func() bool {
		return f.hub.RoomCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayRejoinWithinLingerKeepsRoom(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Linger = 500 * time.Millisecond })
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	viewer := f.mustDial(t, RoleClient, se.ID, streamID, token, "client-1")
	require.Eventually(t, func() bool { return f.hub.RoomCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	_ = viewer.Close()

	f.mustDial(t, RoleClient, se.ID, streamID, token, "client-1")
	time.Sleep(1200 * time.Millisecond) // well past the linger window
	assert.Equal(t, 1, f.hub.RoomCount(), "an occupied room must survive its old linger deadline")
	state, err := f.rooms.Get(context.Background(), streamID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 1, state.ViewerCount)
}

func TestRelayForwardPairingPin(t *testing.T) {
	f := newFixture(t, nil)
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	assert.False(t, f.hub.ForwardPairingPin(se.ID, "1234"), "no host connected yet")

	host := f.mustDial(t, RoleHost, se.ID, streamID, token, "host-1")
	require.Eventually(t, func() bool {
		return f.hub.ForwardPairingPin(se.ID, "1234")
	}, 2*time.Second, 10*time.Millisecond)

	_, raw := readMessage(t, host, 2*time.Second)
	var msg ControlMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "pairing_pin", msg.Type)
	assert.Equal(t, "1234", msg.Pin)
	assert.Equal(t, se.ID, msg.SessionID)

	assert.False(t, f.hub.ForwardPairingPin(uuid.NewString(), "9999"))
}

func TestRelayFramesWithoutViewerAreDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	_, se, token, streamID := f.seed(t, "host-1", "client-1")

	host := f.mustDial(t, RoleHost, se.ID, streamID, token, "host-1")
	for i := 0; i < 3; i++ {
		require.NoError(t, host.WriteMessage(websocket.BinaryMessage, buildFrame(0, uint64(i), nil)))
	}
	// The host is still healthy afterwards.
	require.Eventually(t, func() bool {
		return f.hub.ForwardPairingPin(se.ID, "0000")
	}, 2*time.Second, 10*time.Millisecond)
	_, raw := readMessage(t, host, 2*time.Second)
	assert.Contains(t, string(raw), "pairing_pin")
}

func TestRelayShutdownClosesEverything(t *testing.T) {
	st, _, sessions, tokens := openRelayStore(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rooms := presence.NewMemoryStore()
	hub := NewHub(DefaultConfig(), rooms)
	handler := NewHandler(hub, tokens)
	srv := httptest.NewServer(handler)

	_, se, token, streamID := seedActiveStream(t, st, sessions, tokens, "host-1", "client-1")
	dial := func(role Role, userID string) *websocket.Conn {
		u := "ws" + strings.TrimPrefix(srv.URL, "http") +
			"/?role=" + string(role) + "&sessionId=" + se.ID +
			"&streamId=" + streamID + "&token=" + token + "&userId=" + userID
		conn, _, err := websocket.DefaultDialer.Dial(u, nil)
		require.NoError(t, err)
		return conn
	}
	host := dial(RoleHost, "host-1")
	viewer := dial(RoleClient, "client-1")

	require.NoError(t, host.WriteMessage(websocket.BinaryMessage, buildFrame(0, 1, nil)))
	readMessage(t, viewer, 2*time.Second)
	require.NoError(t, hub.HealthCheck(context.Background()))

	hub.Shutdown(context.Background())
	expectClose(t, host, CloseRoomClosed)
	expectClose(t, viewer, CloseRoomClosed)
	assert.Equal(t, 0, hub.RoomCount())
	assert.Error(t, hub.HealthCheck(context.Background()))
	state, err := rooms.Get(context.Background(), streamID)
	require.NoError(t, err)
	assert.Nil(t, state)

	_ = host.Close()
	_ = viewer.Close()
	handler.Close()
	srv.Close()
	_ = rooms.Close()
}

func TestParseControl(t *testing.T) {
	_, ok := parseControl([]byte(`not json`))
	assert.False(t, ok)

	_, ok = parseControl([]byte(`{"type":"pairing_pin","pin":"1234"}`))
	assert.False(t, ok, "pairing_pin is relay-to-host only")

	msg, ok := parseControl([]byte(`{"type":" reconnect ","reason":"net change","pin":"1234"}`))
	require.True(t, ok)
	assert.Equal(t, ControlReconnect, msg.Type)
	assert.Equal(t, "net change", msg.Reason)
	assert.Empty(t, msg.Pin, "viewer input never carries a pin")

	msg, ok = parseControl([]byte(`{"type":"network_report","lossPct":-3,"freezeMs":-10}`))
	require.True(t, ok)
	assert.Equal(t, 0.0, *msg.LossPct)
	assert.Equal(t, -10.0, *msg.FreezeMs, "freeze is only capped, never floored")
}
