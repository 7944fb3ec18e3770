// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/ManuGH/botpipe/internal/config"
)

// keepGlobalProvider restores the global tracer provider after the test.
func keepGlobalProvider(t *testing.T) {
	t.Helper()
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestNewProvider_DisabledInstallsNoop(t *testing.T) {
	keepGlobalProvider(t)

	provider, err := NewProvider(context.Background(), Config{ServiceName: "botpipe", ExporterType: "grpc"})
	require.NoError(t, err)
	assert.Nil(t, provider.tp)

	_, span := Tracer("botpipe/test").Start(context.Background(), "converse.send")
	defer span.End()
	assert.False(t, span.IsRecording())
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestNewProvider_UnsupportedExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Enabled: true, ServiceName: "botpipe", ExporterType: "zipkin"})
	require.Error(t, err)
	assert.Equal(t, "unsupported exporter type: zipkin (supported: grpc, http)", err.Error())
}

func TestNewProvider_EnabledExporters(t *testing.T) {
	for _, tt := range []struct{ exporter, endpoint string }{
		{"grpc", "127.0.0.1:4317"},
		{"http", "127.0.0.1:4318"},
	} {
		t.Run(tt.exporter, func(t *testing.T) {
			keepGlobalProvider(t)

			provider, err := NewProvider(context.Background(), Config{
				Enabled:        true,
				ServiceName:    "botpipe",
				ServiceVersion: "test",
				Environment:    "ci",
				ExporterType:   tt.exporter,
				Endpoint:       tt.endpoint,
				SamplingRate:   1,
			})
			require.NoError(t, err)
			require.NotNil(t, provider.tp)
			assert.Same(t, provider.tp, otel.GetTracerProvider())

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			assert.NoError(t, provider.Shutdown(ctx))
		})
	}
}

func TestProvider_ShutdownIsSafeWhenNoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var provider Provider
	assert.NoError(t, provider.Shutdown(ctx))
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestFromAppConfig(t *testing.T) {
	app := config.Defaults()
	app.Version = "1.2.3"
	app.Telemetry.Enabled = true
	app.Telemetry.SamplingRate = 0.25

	assert.Equal(t, Config{
		Enabled:        true,
		ServiceName:    "botpipe",
		ServiceVersion: "1.2.3",
		Environment:    "production",
		ExporterType:   "grpc",
		Endpoint:       "localhost:4317",
		SamplingRate:   0.25,
	}, FromAppConfig(app))
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, "AlwaysOnSampler"},
		{2.0, "AlwaysOnSampler"},
		{0.0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.5, "TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, samplerFor(tt.rate).Description(), "rate %v", tt.rate)
	}
}
