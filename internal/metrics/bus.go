// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botpipe_bus_published_total",
		Help: "Total number of in-process bus messages delivered to subscribers",
	}, []string{"topic"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botpipe_bus_dropped_total",
		Help: "Total number of in-process bus message drops by topic and reason",
	}, []string{"topic", "reason"})
)

// IncBusPublished records a delivered bus message.
func IncBusPublished(topic string) {
	if topic == "" {
		topic = "unknown"
	}
	BusPublishedTotal.WithLabelValues(topic).Inc()
}

// IncBusDropReason records a dropped bus message with a concrete reason.
func IncBusDropReason(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}
