// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botpipe_events_total",
		Help: "Events accepted by the event engine by direction",
	}, []string{"direction"})

	MiddlewareOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botpipe_middleware_outcomes_total",
		Help: "Middleware executions by direction, middleware name and outcome",
	}, []string{"direction", "middleware", "status"}) // status=Completed|Swallowed|Skipped|TimedOut|Error

	MiddlewareDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "botpipe_middleware_duration_seconds",
		Help:    "Time spent waiting on a middleware before the chain moved on",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"direction", "middleware"})

	QueueJobFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botpipe_queue_job_failures_total",
		Help: "Queue jobs whose processing returned an error",
	}, []string{"queue"})

	QueueActiveLanes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "botpipe_queue_active_lanes",
		Help: "Conversations with queued or in-flight events",
	}, []string{"queue"})
)

// IncEvent records an event accepted by the engine.
func IncEvent(direction string) {
	EventsTotal.WithLabelValues(direction).Inc()
}

// ObserveMiddleware records the outcome of one middleware step.
func ObserveMiddleware(direction, name, status string, seconds float64) {
	MiddlewareOutcomesTotal.WithLabelValues(direction, name, status).Inc()
	MiddlewareDuration.WithLabelValues(direction, name).Observe(seconds)
}

// IncQueueJobFailure records a failed queue job.
func IncQueueJobFailure(queue string) {
	QueueJobFailuresTotal.WithLabelValues(queue).Inc()
}

// SetQueueActiveLanes updates the number of active lanes of a queue.
func SetQueueActiveLanes(queue string, n int) {
	QueueActiveLanes.WithLabelValues(queue).Set(float64(n))
}
