// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestIncBusDropReason_DefaultsLabels(t *testing.T) {
	before := counterValue(t, BusDroppedTotal.WithLabelValues("unknown", "unknown"))
	IncBusDropReason("", "")
	after := counterValue(t, BusDroppedTotal.WithLabelValues("unknown", "unknown"))
	require.Equal(t, before+1, after)
}

func TestObserveMiddleware_IncrementsOutcome(t *testing.T) {
	c := MiddlewareOutcomesTotal.WithLabelValues("incoming", "test.mw", "TimedOut")
	before := counterValue(t, c)
	ObserveMiddleware("incoming", "test.mw", "TimedOut", 0.01)
	require.Equal(t, before+1, counterValue(t, c))
}

func TestAddJanitorSessions_IgnoresNonPositive(t *testing.T) {
	c := JanitorSessionsTotal.WithLabelValues("deleted")
	before := counterValue(t, c)
	AddJanitorSessions("deleted", 0)
	AddJanitorSessions("deleted", 3)
	require.Equal(t, before+3, counterValue(t, c))
}

func TestSetCircuitBreakerState_OneHot(t *testing.T) {
	SetCircuitBreakerState("test.cache", "open")

	gauge := func(state string) float64 {
		m := &dto.Metric{}
		require.NoError(t, circuitBreakerState.WithLabelValues("test.cache", state).Write(m))
		return m.GetGauge().GetValue()
	}
	require.Equal(t, 1.0, gauge("open"))
	require.Equal(t, 0.0, gauge("closed"))
	require.Equal(t, 0.0, gauge("half-open"))
}
