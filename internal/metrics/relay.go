// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	relayConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nuvemplay_relay_connections_total",
		Help: "Accepted relay websocket connections by role",
	}, []string{"role"}) // role=host|client

	relayConnectDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nuvemplay_relay_connect_denied_total",
		Help: "Relay joins denied before or during handshake",
	}, []string{"reason"}) // reason=rate|token|session|role

	relayActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nuvemplay_relay_active_rooms",
		Help: "Rooms currently alive (including lingering ones)",
	})

	relayFramesForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nuvemplay_relay_frames_forwarded_total",
		Help: "Messages forwarded by direction",
	}, []string{"direction"}) // direction=host_to_client|client_to_host

	relayBytesForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nuvemplay_relay_bytes_forwarded_total",
		Help: "Payload bytes forwarded by direction",
	}, []string{"direction"})

	relayFramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nuvemplay_relay_frames_dropped_total",
		Help: "Messages dropped instead of forwarded",
	}, []string{"reason"}) // reason=rate|backpressure|no_peer|oversized|malformed|wrong_direction

	relayClosesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nuvemplay_relay_closes_total",
		Help: "Application-initiated closes by close code",
	}, []string{"code"})
)

func IncRelayConnection(role string)     { relayConnectionsTotal.WithLabelValues(role).Inc() }
func IncRelayConnectDenied(reason string) { relayConnectDeniedTotal.WithLabelValues(reason).Inc() }
func IncRelayRooms()                     { relayActiveRooms.Inc() }
func DecRelayRooms()                     { relayActiveRooms.Dec() }

func RecordRelayForward(direction string, bytes int) {
	relayFramesForwardedTotal.WithLabelValues(direction).Inc()
	relayBytesForwardedTotal.WithLabelValues(direction).Add(float64(bytes))
}

func IncRelayDrop(reason string) { relayFramesDroppedTotal.WithLabelValues(reason).Inc() }
func IncRelayClose(code string)  { relayClosesTotal.WithLabelValues(code).Inc() }
