// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botpipe_session_cache_total",
		Help: "Session cache lookups by result",
	}, []string{"result"}) // result=hit|miss|error

	SessionFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botpipe_session_flush_total",
		Help: "Session batch flush ticks by outcome",
	}, []string{"outcome"}) // outcome=committed|failed|skipped_inflight

	SessionFlushBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "botpipe_session_flush_batch_size",
		Help:    "Entries committed per session batch flush",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	SessionQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "botpipe_session_queue_depth",
		Help: "Session writes waiting for the next batch flush",
	})

	JanitorSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botpipe_janitor_sessions_total",
		Help: "Sessions handled by the janitor by action",
	}, []string{"action"}) // action=deleted|reset|kept|failed

	JanitorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botpipe_janitor_runs_total",
		Help: "Janitor sweeps by outcome",
	}, []string{"outcome"})
)

// IncSessionCache records a session cache lookup result.
func IncSessionCache(result string) {
	SessionCacheTotal.WithLabelValues(result).Inc()
}

// IncSessionFlush records a flush tick outcome.
func IncSessionFlush(outcome string) {
	SessionFlushTotal.WithLabelValues(outcome).Inc()
}

// ObserveSessionFlushBatch records the number of committed entries.
func ObserveSessionFlushBatch(n int) {
	SessionFlushBatchSize.Observe(float64(n))
}

// SetSessionQueueDepth updates the write-behind queue depth.
func SetSessionQueueDepth(n int) {
	SessionQueueDepth.Set(float64(n))
}

// AddJanitorSessions records janitor work.
func AddJanitorSessions(action string, n int) {
	if n <= 0 {
		return
	}
	JanitorSessionsTotal.WithLabelValues(action).Add(float64(n))
}

// IncJanitorRun records a janitor sweep outcome.
func IncJanitorRun(outcome string) {
	JanitorRunsTotal.WithLabelValues(outcome).Inc()
}
