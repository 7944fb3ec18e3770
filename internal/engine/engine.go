// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package engine dispatches Events through the incoming and outgoing
// middleware chains with per-conversation queue discipline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/botpipe/internal/bus"
	"github.com/ManuGH/botpipe/internal/event"
	"github.com/ManuGH/botpipe/internal/log"
	"github.com/ManuGH/botpipe/internal/metrics"
	"github.com/ManuGH/botpipe/internal/middleware"
)

var (
	// ErrInvalidEvent is returned by SendEvent for an Event missing required fields.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrStopped is returned once the engine has been closed.
	ErrStopped = errors.New("event engine stopped")
)

const publishTimeout = 5 * time.Second

// Hook runs around the incoming or outgoing chain. A hook error aborts the
// processing of that Event.
type Hook func(ctx context.Context, e *event.Event) error

// Hooks are the state-management touch points of the engine.
type Hooks struct {
	// BeforeIncoming runs before the incoming chain, typically to restore state.
	BeforeIncoming Hook
	// AfterIncoming runs once the incoming chain finished, typically to persist state.
	AfterIncoming Hook
	// BeforeOutgoing runs before the outgoing chain.
	BeforeOutgoing Hook
}

// Options configure an Engine.
type Options struct {
	Bus                      bus.Bus
	Hooks                    Hooks
	DefaultMiddlewareTimeout time.Duration
}

// Engine owns one middleware chain per direction and the per-conversation
// queues feeding them. It is the only mutator of queue contents and locks.
type Engine struct {
	bus      bus.Bus
	hooks    Hooks
	incoming *middleware.Chain
	outgoing *middleware.Chain
	inQ      *queue
	outQ     *queue
	logger   zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	once    sync.Once
}

// New returns a running Engine. Call Close, or Run, to stop it.
func New(opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	en := &Engine{
		bus:      opts.Bus,
		hooks:    opts.Hooks,
		incoming: middleware.NewChain(event.Incoming, opts.DefaultMiddlewareTimeout),
		outgoing: middleware.NewChain(event.Outgoing, opts.DefaultMiddlewareTimeout),
		logger:   log.WithComponent("engine"),
		ctx:      ctx,
		cancel:   cancel,
	}
	en.inQ = newQueue("incoming", en.processIncoming)
	en.outQ = newQueue("outgoing", en.processOutgoing)
	return en
}

// SetHooks replaces the engine hooks. It must be called before the first
// SendEvent.
func (en *Engine) SetHooks(h Hooks) {
	en.hooks = h
}

// Register adds a middleware to the chain of its direction.
func (en *Engine) Register(d middleware.Definition) error {
	switch d.Direction {
	case event.Incoming:
		return en.incoming.Register(d)
	case event.Outgoing:
		return en.outgoing.Register(d)
	default:
		return fmt.Errorf("%w: %q has invalid direction %q", middleware.ErrInvalidDefinition, d.Name, d.Direction)
	}
}

// RemoveMiddleware unregisters name from both chains.
func (en *Engine) RemoveMiddleware(name string) bool {
	in := en.incoming.Remove(name)
	out := en.outgoing.Remove(name)
	return in || out
}

// Middlewares returns the registered names of the chain for direction.
func (en *Engine) Middlewares(direction event.Direction) []string {
	if direction == event.Outgoing {
		return en.outgoing.Names()
	}
	return en.incoming.Names()
}

// Validate checks the fields every Event must carry.
func Validate(e *event.Event) error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	var missing []string
	if e.Type == "" {
		missing = append(missing, "type")
	}
	if e.Channel == "" {
		missing = append(missing, "channel")
	}
	if e.Target == "" {
		missing = append(missing, "target")
	}
	if e.BotID == "" {
		missing = append(missing, "botId")
	}
	if e.Payload == nil {
		missing = append(missing, "payload")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrInvalidEvent, missing)
	}
	if !e.Direction.Valid() {
		return fmt.Errorf("%w: direction %q", ErrInvalidEvent, e.Direction)
	}
	return nil
}

// SendEvent validates e and queues it on the lane of its conversation. It
// returns once the Event is queued, not once it is processed.
func (en *Engine) SendEvent(ctx context.Context, e *event.Event) error {
	if err := Validate(e); err != nil {
		return err
	}
	if en.stopped.Load() {
		return ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.AddStep(event.ScopeReceived, "", "")
	metrics.IncEvent(string(e.Direction))

	if e.Direction == event.Incoming {
		return en.inQ.enqueue(en.ctx, e)
	}
	return en.outQ.enqueue(en.ctx, e)
}

// ReplyToEvent sends one outgoing Event per payload to dest, linked to the
// incoming Event incomingEventID.
func (en *Engine) ReplyToEvent(ctx context.Context, dest event.Destination, payloads []event.Payload, incomingEventID string) ([]*event.Event, error) {
	out := make([]*event.Event, 0, len(payloads))
	for _, p := range payloads {
		typ := p.Type()
		if typ == "" {
			typ = "text"
		}
		e := event.New(event.Params{
			Type:            typ,
			Channel:         dest.Channel,
			Target:          dest.Target,
			ThreadID:        dest.ThreadID,
			BotID:           dest.BotID,
			Direction:       event.Outgoing,
			Payload:         p,
			IncomingEventID: incomingEventID,
		})
		if err := en.SendEvent(ctx, e); err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

// IsIncomingQueueEmpty reports whether no incoming Event of e's conversation is pending.
func (en *Engine) IsIncomingQueueEmpty(e *event.Event) bool {
	return en.inQ.isEmpty(e.ConversationKey())
}

// IsOutgoingQueueEmpty reports whether no outgoing Event of e's conversation is pending.
func (en *Engine) IsOutgoingQueueEmpty(e *event.Event) bool {
	return en.outQ.isEmpty(e.ConversationKey())
}

// IsOutgoingQueueLocked reports whether an outgoing Event of e's conversation
// is being processed right now.
func (en *Engine) IsOutgoingQueueLocked(e *event.Event) bool {
	return en.outQ.isLocked(e.ConversationKey())
}

// WaitOutgoingDrained blocks until the outgoing queue of e's conversation is
// empty and unlocked, or ctx is done.
func (en *Engine) WaitOutgoingDrained(ctx context.Context, e *event.Event) error {
	select {
	case <-en.outQ.drained(e.ConversationKey()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (en *Engine) eventLogger(e *event.Event) zerolog.Logger {
	return en.logger.With().
		Str(log.FieldEventID, e.ID).
		Str(log.FieldBotID, e.BotID).
		Str(log.FieldConversationKey, e.ConversationKey()).
		Str(log.FieldDirection, string(e.Direction)).
		Logger()
}

func (en *Engine) processIncoming(ctx context.Context, e *event.Event) {
	ctx = log.ContextWithEventID(ctx, e.ID)
	logger := en.eventLogger(e)

	if h := en.hooks.BeforeIncoming; h != nil {
		if err := h(ctx, e); err != nil {
			metrics.IncQueueJobFailure("incoming")
			logger.Error().Err(err).Msg("failed to restore state for incoming event")
			return
		}
	}
	e.AddStep(event.ScopeStateLoaded, "", "")

	if err := en.incoming.Run(ctx, e); err != nil {
		metrics.IncQueueJobFailure("incoming")
		logger.Error().Err(err).Msg("incoming middleware chain failed")
		return
	}

	if h := en.hooks.AfterIncoming; h != nil {
		if err := h(ctx, e); err != nil {
			metrics.IncQueueJobFailure("incoming")
			logger.Error().Err(err).Msg("failed to persist state for incoming event")
			return
		}
	}
	e.AddStep(event.ScopeCompleted, "", "")

	if en.bus == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := en.bus.Publish(pubCtx, bus.TopicIncomingProcessed, e); err != nil {
		logger.Warn().Err(err).Msg("failed to publish incoming processed notification")
	}
}

func (en *Engine) processOutgoing(ctx context.Context, e *event.Event) {
	ctx = log.ContextWithEventID(ctx, e.ID)
	logger := en.eventLogger(e)

	if h := en.hooks.BeforeOutgoing; h != nil {
		if err := h(ctx, e); err != nil {
			metrics.IncQueueJobFailure("outgoing")
			logger.Error().Err(err).Msg("outgoing hook failed")
			return
		}
	}
	if err := en.outgoing.Run(ctx, e); err != nil {
		metrics.IncQueueJobFailure("outgoing")
		logger.Error().Err(err).Msg("outgoing middleware chain failed")
		return
	}
	e.AddStep(event.ScopeCompleted, "", "")
}

// Run blocks until ctx is done, then stops the engine.
func (en *Engine) Run(ctx context.Context) error {
	<-ctx.Done()
	en.Close()
	return nil
}

// Close stops accepting Events, cancels in-flight processing and waits for
// the queue workers and abandoned middlewares to return.
func (en *Engine) Close() {
	en.once.Do(func() {
		en.stopped.Store(true)
		en.cancel()
		en.inQ.close()
		en.outQ.close()
		en.incoming.Wait()
		en.outgoing.Wait()
		en.logger.Info().Msg("event engine stopped")
	})
}
