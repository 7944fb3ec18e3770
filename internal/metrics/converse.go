// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConverseRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botpipe_converse_requests_total",
		Help: "Converse calls by outcome",
	}, []string{"outcome"}) // outcome=ok|invalid|timeout|busy|no_response|error

	ConverseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "botpipe_converse_duration_seconds",
		Help:    "Converse call latency from dispatch to settlement",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	ConverseActionSuspensionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botpipe_converse_action_suspensions_total",
		Help: "Times a converse timeout was suspended by a long-running action",
	})
)

// ObserveConverse records the outcome and latency of a converse call.
func ObserveConverse(outcome string, seconds float64) {
	ConverseRequestsTotal.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		ConverseDuration.Observe(seconds)
	}
}

// IncConverseActionSuspension records a suspended converse timer.
func IncConverseActionSuspension() {
	ConverseActionSuspensionsTotal.Inc()
}
