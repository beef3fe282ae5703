// SPDX-License-Identifier: MIT

// Package metrics exposes the Prometheus instruments for the marketplace
// and the relay. Collectors register once via promauto; services call the
// helper functions instead of touching collectors directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session lifecycle
	sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nuvemplay_sessions_created_total",
		Help: "Sessions created (PENDING) including queue promotions",
	})

	sessionsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nuvemplay_sessions_ended_total",
		Help: "Terminal session transitions by status and failure reason",
	}, []string{"status", "reason"}) // status=ENDED|FAILED reason=NONE|CLIENT|HOST|PLATFORM

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nuvemplay_sessions_active",
		Help: "Sessions currently in ACTIVE state",
	})

	sessionMinutesUsed = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nuvemplay_session_minutes_used",
		Help:    "Minutes actually consumed per ended session",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 240},
	})

	// Settlement money flow, summed per leg for conservation dashboards.
	settlementAmountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nuvemplay_settlement_amount_total",
		Help: "Monetary units settled by leg",
	}, []string{"leg"}) // leg=platform_fee|host_payout|client_credit|client_refund

	walletRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nuvemplay_wallet_insufficient_total",
		Help: "Debits rejected for insufficient balance",
	})

	// Queue
	queueJoinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nuvemplay_queue_joins_total",
		Help: "Queue entries created",
	})

	queuePromotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nuvemplay_queue_promotions_total",
		Help: "Promotion attempts by outcome",
	}, []string{"outcome"}) // outcome=bound|skipped|expired

	// Heartbeat / presence
	heartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nuvemplay_host_heartbeats_total",
		Help: "Heartbeats registered",
	})

	hostDownCascadesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nuvemplay_host_down_cascades_total",
		Help: "Hosts declared down by the presence monitor",
	})

	sessionsDroppedByCascadeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nuvemplay_sessions_dropped_by_cascade_total",
		Help: "Active sessions force-ended by a host-down cascade",
	})

	// Stream connect tokens
	tokensIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nuvemplay_stream_tokens_issued_total",
		Help: "Stream connect tokens issued",
	})

	tokensResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nuvemplay_stream_tokens_resolved_total",
		Help: "Token resolution attempts by outcome",
	}, []string{"outcome"}) // outcome=ok|invalid|expired|consumed|not_active|unreachable
)

func IncSessionCreated()       { sessionsCreatedTotal.Inc() }
func IncSessionActive()        { sessionsActive.Inc() }
func DecSessionActive()        { sessionsActive.Dec() }
func IncWalletInsufficient()   { walletRejectionsTotal.Inc() }
func IncQueueJoin()            { queueJoinsTotal.Inc() }
func IncHeartbeat()            { heartbeatsTotal.Inc() }
func IncHostDownCascade()      { hostDownCascadesTotal.Inc() }
func IncSessionDroppedCascade() { sessionsDroppedByCascadeTotal.Inc() }
func IncTokenIssued()          { tokensIssuedTotal.Inc() }

func RecordSessionEnded(status, reason string, minutesUsed int) {
	sessionsEndedTotal.WithLabelValues(status, reason).Inc()
	sessionMinutesUsed.Observe(float64(minutesUsed))
}

func RecordSettlement(platformFee, hostPayout, clientCredit, clientRefund float64) {
	settlementAmountTotal.WithLabelValues("platform_fee").Add(platformFee)
	settlementAmountTotal.WithLabelValues("host_payout").Add(hostPayout)
	settlementAmountTotal.WithLabelValues("client_credit").Add(clientCredit)
	settlementAmountTotal.WithLabelValues("client_refund").Add(clientRefund)
}

func IncQueuePromotion(outcome string) {
	queuePromotionsTotal.WithLabelValues(outcome).Inc()
}

func IncTokenResolved(outcome string) {
	tokensResolvedTotal.WithLabelValues(outcome).Inc()
}
