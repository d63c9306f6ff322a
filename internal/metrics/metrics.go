// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

// Package metrics exposes Prometheus instrumentation for the
// session-reconciliation pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracearr_events_received_total",
		Help: "Playback notifications received, by kind.",
	}, []string{"kind"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracearr_events_dropped_total",
		Help: "Playback notifications dropped, by reason.",
	}, []string{"reason"})

	sessionsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracearr_sessions_confirmed_total",
		Help: "Pending sessions promoted to durable records.",
	})

	sessionsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracearr_sessions_discarded_total",
		Help: "Pending sessions discarded without a durable record, by reason.",
	}, []string{"reason"})

	sessionsStopped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracearr_sessions_stopped_total",
		Help: "Confirmed sessions transitioned to stopped.",
	})

	stopRetryHandoffs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracearr_stop_retry_handoffs_total",
		Help: "Stop writes that exhausted immediate retries and were handed off.",
	})

	violations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracearr_rule_violations_total",
		Help: "Rule violations recorded, by rule type.",
	}, []string{"rule_type"})

	orphansSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracearr_orphans_swept_total",
		Help: "Stale pending entries removed by the orphan sweeper.",
	})

	serverTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracearr_server_transitions_total",
		Help: "Server connectivity transitions emitted, by direction (down/up).",
	}, []string{"direction"})

	confirmDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracearr_confirm_duration_seconds",
		Help:    "Duration of the confirm-and-persist critical section.",
		Buckets: prometheus.DefBuckets,
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracearr_active_sessions",
		Help: "Currently tracked live sessions (pending plus confirmed).",
	})
)

// RecordEventReceived increments the received counter for an event kind.
func RecordEventReceived(kind string) { eventsReceived.WithLabelValues(kind).Inc() }

// RecordEventDropped increments the dropped counter for a reason
// (parse_error, upstream_fetch, not_found).
func RecordEventDropped(reason string) { eventsDropped.WithLabelValues(reason).Inc() }

// RecordSessionConfirmed increments the confirmation counter.
func RecordSessionConfirmed() { sessionsConfirmed.Inc() }

// RecordSessionDiscarded increments the discard counter for a reason
// (phantom_stop, media_change, sweep).
func RecordSessionDiscarded(reason string) { sessionsDiscarded.WithLabelValues(reason).Inc() }

// RecordSessionStopped increments the stop counter.
func RecordSessionStopped() { sessionsStopped.Inc() }

// RecordStopRetryHandoff increments the retry-handoff counter.
func RecordStopRetryHandoff() { stopRetryHandoffs.Inc() }

// RecordViolation increments the violation counter for a rule type.
func RecordViolation(ruleType string) { violations.WithLabelValues(ruleType).Inc() }

// RecordOrphanSwept increments the sweep counter.
func RecordOrphanSwept() { orphansSwept.Inc() }

// RecordServerTransition increments the connectivity transition counter.
func RecordServerTransition(direction string) {
	serverTransitions.WithLabelValues(direction).Inc()
}

// ObserveConfirmDuration records the duration of a confirm critical section.
func ObserveConfirmDuration(d time.Duration) { confirmDuration.Observe(d.Seconds()) }

// SetActiveSessions sets the live session gauge.
func SetActiveSessions(n int) { activeSessions.Set(float64(n)) }
