// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package dialog connects a flow engine to the pipeline: it runs the engine
// as the terminal incoming middleware and exposes timeout processing to the
// session janitor.
package dialog

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/botpipe/internal/event"
	"github.com/ManuGH/botpipe/internal/middleware"
)

// ErrTimeoutNodeNotFound is returned by ProcessTimeout when the bot has no
// timeout handling configured. It is an expected condition.
var ErrTimeoutNodeNotFound = errors.New("timeout node not found")

// FlagSkipDialog makes the terminal middleware leave an Event alone.
const FlagSkipDialog = "skip_dialog_engine"

const (
	// MiddlewareName is the name of the terminal incoming middleware.
	MiddlewareName = "dialog.process"
	// MiddlewareOrder places the dialog after every regular incoming middleware.
	MiddlewareOrder = 10000
	// MiddlewareTimeout bounds one dialog turn.
	MiddlewareTimeout = time.Minute
)

// Engine executes dialog flows.
type Engine interface {
	// ProcessEvent runs one turn for e and may queue outgoing Events.
	ProcessEvent(ctx context.Context, sessionID string, e *event.Event) error
	// ProcessTimeout runs the timeout handling of a stale session and returns
	// the Event carrying the resulting state.
	ProcessTimeout(ctx context.Context, botID, sessionID string, e *event.Event) (*event.Event, error)
}

// Middleware returns the terminal incoming middleware running eng.
func Middleware(eng Engine) middleware.Definition {
	return middleware.Definition{
		Name:        MiddlewareName,
		Description: "Runs the dialog engine for the incoming event",
		Direction:   event.Incoming,
		Order:       MiddlewareOrder,
		Timeout:     MiddlewareTimeout,
		Handler: func(ctx context.Context, e *event.Event) (middleware.Result, error) {
			if e.HasFlag(FlagSkipDialog) {
				return middleware.Skip, nil
			}
			e.AddStep(event.ScopeDialog, "process", event.StatusStarted)
			if err := eng.ProcessEvent(ctx, e.SessionID(), e); err != nil {
				return middleware.Continue, err
			}
			e.AddStep(event.ScopeDialog, "process", event.StatusCompleted)
			return middleware.Continue, nil
		},
	}
}
