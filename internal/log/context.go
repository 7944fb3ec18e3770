// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package log provides structured logging utilities.
package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	eventIDKey
)

// ContextWithRequestID stores the HTTP request ID in ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// ContextWithEventID stores the ID of the Event being processed in ctx.
func ContextWithEventID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, eventIDKey, id)
}

// RequestIDFromContext returns the request ID of ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// EventIDFromContext returns the Event ID of ctx, or "".
func EventIDFromContext(ctx context.Context) string {
	return stringValue(ctx, eventIDKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// WithContext adds the request and event IDs found in ctx to logger.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	rid, eid := RequestIDFromContext(ctx), EventIDFromContext(ctx)
	if rid == "" && eid == "" {
		return logger
	}
	builder := logger.With()
	if rid != "" {
		builder = builder.Str(FieldRequestID, rid)
	}
	if eid != "" {
		builder = builder.Str(FieldEventID, eid)
	}
	return builder.Logger()
}
