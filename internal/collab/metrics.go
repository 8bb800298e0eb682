package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Save outcomes recorded by quorum_debounced_saves_total.
const (
	SaveOutcomeSaved    = "saved"
	SaveOutcomeNotFound = "not_found"
	SaveOutcomeFailed   = "failed"
	SaveOutcomeGaveUp   = "gave_up"
)

// Reasons recorded by quorum_inbound_dropped_total.
const (
	DropReasonMalformed    = "malformed"
	DropReasonUnknownEvent = "unknown_event"
	DropReasonForbidden    = "forbidden"
	DropReasonRateLimited  = "rate_limited"
)

// Metrics holds the Prometheus collectors of the collaboration engine.
//
// Metrics:
//   - quorum_connected_sessions - sessions with an open socket
//   - quorum_events_broadcast_total{event} - events fanned out to rooms
//   - quorum_debounced_saves_total{outcome} - debounced save attempts
//   - quorum_pending_edits - notes with edits not yet persisted
//   - quorum_inbound_dropped_total{reason} - inbound messages dropped without a reply
//   - quorum_evicted_sessions_total - sessions dropped for not draining their queue
type Metrics struct {
	ConnectedSessions prometheus.Gauge
	EventsBroadcast   *prometheus.CounterVec
	DebouncedSaves    *prometheus.CounterVec
	PendingEdits      prometheus.Gauge
	InboundDropped    *prometheus.CounterVec
	EvictedSessions   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg leaves them
// unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quorum_connected_sessions",
			Help: "Number of sessions with an open real-time connection",
		}),
		EventsBroadcast: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_events_broadcast_total",
			Help: "Total number of events broadcast to rooms",
		}, []string{"event"}),
		DebouncedSaves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_debounced_saves_total",
			Help: "Total number of debounced save attempts by outcome",
		}, []string{"outcome"}),
		PendingEdits: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quorum_pending_edits",
			Help: "Number of notes with buffered edits awaiting persistence",
		}),
		InboundDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_inbound_dropped_total",
			Help: "Total number of inbound messages dropped by reason",
		}, []string{"reason"}),
		EvictedSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "quorum_evicted_sessions_total",
			Help: "Total number of sessions evicted for falling behind",
		}),
	}
}
