package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Saga outcomes recorded per handled event.
const (
	OutcomeProcessed    = "processed"
	OutcomeDuplicate    = "duplicate"
	OutcomeIgnored      = "ignored"
	OutcomeFailed       = "failed"
	OutcomeDeadLettered = "dead_lettered"
)

// Metrics holds the Prometheus collectors shared by relay, participants and replay.
type Metrics struct {
	OutboxPublished  *prometheus.CounterVec
	OutboxFailed     *prometheus.CounterVec
	SagaEvents       *prometheus.CounterVec
	ReplayDuration   *prometheus.HistogramVec
	SnapshotsCreated *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil
// registerer leaves them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "outbox_published_total",
			Help:      "Outbox rows published and marked sent.",
		}, []string{"topic"}),
		OutboxFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "outbox_publish_failures_total",
			Help:      "Outbox rows left NEW after a failed publish.",
		}, []string{"topic"}),
		SagaEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "events_handled_total",
			Help:      "Events handled by saga participants, by outcome.",
		}, []string{"participant", "event_type", "outcome"}),
		ReplayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "saga",
			Name:      "replay_duration_seconds",
			Help:      "Order state replay latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		SnapshotsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "snapshots_created_total",
			Help:      "Order snapshots written, by trigger.",
		}, []string{"trigger"}),
	}
	if reg != nil {
		reg.MustRegister(m.OutboxPublished, m.OutboxFailed, m.SagaEvents, m.ReplayDuration, m.SnapshotsCreated)
	}
	return m
}
