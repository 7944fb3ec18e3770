// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/botpipe/internal/event"
	"github.com/ManuGH/botpipe/internal/log"
	"github.com/ManuGH/botpipe/internal/metrics"
	"github.com/ManuGH/botpipe/internal/telemetry"
)

const tracerName = "github.com/ManuGH/botpipe/internal/middleware"

// statusError is the metrics label of a failed step. It is never stamped.
const statusError = "Error"

// Chain holds the ordered middlewares of one direction.
type Chain struct {
	direction      event.Direction
	defaultTimeout time.Duration
	logger         zerolog.Logger
	tracer         trace.Tracer

	mu   sync.RWMutex
	defs []Definition
	seq  map[string]int
	next int
	late sync.WaitGroup
}

// NewChain returns an empty chain for direction. A non-positive
// defaultTimeout selects DefaultTimeout.
func NewChain(direction event.Direction, defaultTimeout time.Duration) *Chain {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Chain{
		direction:      direction,
		defaultTimeout: defaultTimeout,
		logger:         log.WithComponent("middleware").With().Str(log.FieldDirection, string(direction)).Logger(),
		tracer:         telemetry.Tracer(tracerName),
		seq:            make(map[string]int),
	}
}

// Register adds d to the chain. Middlewares run in ascending Order; ties
// keep registration order.
func (c *Chain) Register(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.Direction != c.direction {
		return fmt.Errorf("%w: %q is %s, chain is %s", ErrInvalidDefinition, d.Name, d.Direction, c.direction)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.seq[d.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, d.Name)
	}
	c.seq[d.Name] = c.next
	c.next++
	c.defs = append(c.defs, d)
	sort.SliceStable(c.defs, func(i, j int) bool {
		if c.defs[i].Order != c.defs[j].Order {
			return c.defs[i].Order < c.defs[j].Order
		}
		return c.seq[c.defs[i].Name] < c.seq[c.defs[j].Name]
	})

	c.logger.Debug().Str(log.FieldMiddleware, d.Name).Int("order", d.Order).Msg("middleware registered")
	return nil
}

// Remove unregisters the named middleware. It reports whether one was removed.
func (c *Chain) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seq[name]; !ok {
		return false
	}
	delete(c.seq, name)
	out := c.defs[:0]
	for _, d := range c.defs {
		if d.Name != name {
			out = append(out, d)
		}
	}
	c.defs = out
	return true
}

// Names returns the registered middleware names in execution order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.defs))
	for _, d := range c.defs {
		names = append(names, d.Name)
	}
	return names
}

func (c *Chain) snapshot() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Definition(nil), c.defs...)
}

// Run executes the chain against e. Registrations made while a run is in
// progress apply to the next run.
func (c *Chain) Run(ctx context.Context, e *event.Event) error {
	for _, d := range c.snapshot() {
		if d.Disabled {
			continue
		}
		res, timedOut, err := c.step(ctx, d, e)
		if err != nil {
			return err
		}
		switch {
		case timedOut:
			e.AddStep(event.ScopeMiddleware, d.Name, event.StatusTimedOut)
		case res.Swallow:
			e.AddStep(event.ScopeMiddleware, d.Name, event.StatusSwallowed)
			return nil
		case res.Skip:
			e.AddStep(event.ScopeMiddleware, d.Name, event.StatusSkipped)
		default:
			e.AddStep(event.ScopeMiddleware, d.Name, event.StatusCompleted)
		}
	}
	return nil
}

type outcome struct {
	res Result
	err error
}

// step races one handler against its timeout. A handler that loses the race
// keeps running in the background with Abandoned(ctx) closed; its result is
// discarded.
func (c *Chain) step(ctx context.Context, d Definition, e *event.Event) (Result, bool, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	attrs := telemetry.EventAttributes(e.BotID, e.Channel, string(c.direction), e.ID, e.ConversationKey())
	attrs = append(attrs, attribute.String(telemetry.MiddlewareNameKey, d.Name))
	spanCtx, span := c.tracer.Start(ctx, "middleware."+d.Name, trace.WithAttributes(attrs...))
	defer span.End()

	abandoned := make(chan struct{})
	spanCtx = context.WithValue(spanCtx, abandonedKey{}, (<-chan struct{})(abandoned))

	started := time.Now()
	done := make(chan outcome, 1)
	c.late.Add(1)
	go func() {
		defer c.late.Done()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := d.Handler(spanCtx, e)
		done <- outcome{res: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		elapsed := time.Since(started).Seconds()
		if o.err != nil {
			metrics.ObserveMiddleware(string(c.direction), d.Name, statusError, elapsed)
			span.RecordError(o.err)
			span.SetAttributes(telemetry.MiddlewareAttributes(d.Name, statusError)...)
			span.SetStatus(codes.Error, o.err.Error())
			return Continue, false, fmt.Errorf("middleware %q: %w", d.Name, o.err)
		}
		status := statusOf(o.res)
		metrics.ObserveMiddleware(string(c.direction), d.Name, status, elapsed)
		span.SetAttributes(telemetry.MiddlewareAttributes(d.Name, status)...)
		return o.res, false, nil

	case <-timer.C:
		metrics.ObserveMiddleware(string(c.direction), d.Name, event.StatusTimedOut, timeout.Seconds())
		span.SetAttributes(telemetry.MiddlewareAttributes(d.Name, event.StatusTimedOut)...)
		c.logger.Warn().
			Str(log.FieldMiddleware, d.Name).
			Str(log.FieldEventID, e.ID).
			Str(log.FieldBotID, e.BotID).
			Dur("timeout", timeout).
			Msg("middleware timed out, continuing chain")
		close(abandoned)
		return Continue, true, nil

	case <-ctx.Done():
		close(abandoned)
		return Continue, false, ctx.Err()
	}
}

// Wait blocks until every handler abandoned by a timeout has returned.
func (c *Chain) Wait() {
	c.late.Wait()
}

func statusOf(r Result) string {
	switch {
	case r.Swallow:
		return event.StatusSwallowed
	case r.Skip:
		return event.StatusSkipped
	default:
		return event.StatusCompleted
	}
}
