// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package middleware runs an ordered list of interceptors against one Event.
//
// Each step is raced against its timeout. A step that times out is stamped
// TimedOut and the chain moves on; a step that fails aborts the run; a step
// that swallows stops the run without error; a step that skips is stamped
// Skipped and the chain continues.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/botpipe/internal/event"
)

// DefaultTimeout bounds a middleware step when its definition sets none.
const DefaultTimeout = 2 * time.Second

var (
	// ErrInvalidDefinition is returned when a definition misses a required field.
	ErrInvalidDefinition = errors.New("invalid middleware definition")
	// ErrDuplicateName is returned when a chain already holds a middleware with that name.
	ErrDuplicateName = errors.New("duplicate middleware name")
)

// Result is the control-flow signal of a middleware step.
type Result struct {
	Swallow bool
	Skip    bool
}

var (
	// Continue lets the chain proceed with the next middleware.
	Continue = Result{}
	// Swallow stops the chain without error.
	Swallow = Result{Swallow: true}
	// Skip records that the middleware intentionally did nothing.
	Skip = Result{Skip: true}
)

// Handler processes one Event.
//
// A handler that outlives its timeout is abandoned: the chain moves on and
// its result is discarded, but ctx is not cancelled. From then on the Event
// belongs to later steps, so the handler must not read or write e once
// Abandoned(ctx) is closed.
type Handler func(ctx context.Context, e *event.Event) (Result, error)

type abandonedKey struct{}

// Abandoned returns a channel closed when the chain stops waiting for the
// handler running under ctx. It is nil, and never fires, outside a chain step.
func Abandoned(ctx context.Context) <-chan struct{} {
	ch, _ := ctx.Value(abandonedKey{}).(<-chan struct{})
	return ch
}

// IsAbandoned reports whether Abandoned(ctx) is closed.
func IsAbandoned(ctx context.Context) bool {
	select {
	case <-Abandoned(ctx):
		return true
	default:
		return false
	}
}

// Next is the continuation a callback-style middleware invokes once done.
type Next func(err error, swallow, skip bool)

// Callback adapts a continuation-style middleware to a Handler. Only the
// first invocation of next is honoured; fn must eventually call it.
func Callback(fn func(ctx context.Context, e *event.Event, next Next)) Handler {
	return func(ctx context.Context, e *event.Event) (Result, error) {
		type outcome struct {
			res Result
			err error
		}
		ch := make(chan outcome, 1)
		var once sync.Once
		fn(ctx, e, func(err error, swallow, skip bool) {
			once.Do(func() {
				ch <- outcome{res: Result{Swallow: swallow, Skip: skip}, err: err}
			})
		})
		select {
		case o := <-ch:
			return o.res, o.err
		case <-ctx.Done():
			return Continue, ctx.Err()
		}
	}
}

// Definition describes one registered middleware.
type Definition struct {
	Name        string
	Description string
	Direction   event.Direction
	Order       int
	Handler     Handler
	// Timeout overrides the chain default when positive.
	Timeout time.Duration
	// Disabled definitions stay registered but are not executed.
	Disabled bool
}

// Validate checks the required fields of d.
func (d Definition) Validate() error {
	switch {
	case d.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	case d.Handler == nil:
		return fmt.Errorf("%w: %q has no handler", ErrInvalidDefinition, d.Name)
	case !d.Direction.Valid():
		return fmt.Errorf("%w: %q has invalid direction %q", ErrInvalidDefinition, d.Name, d.Direction)
	case d.Timeout < 0:
		return fmt.Errorf("%w: %q has negative timeout", ErrInvalidDefinition, d.Name)
	}
	return nil
}
