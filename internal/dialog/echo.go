// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dialog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/botpipe/internal/bus"
	"github.com/ManuGH/botpipe/internal/event"
	"github.com/ManuGH/botpipe/internal/log"
	"github.com/ManuGH/botpipe/internal/middleware"
)

// Replier sends outgoing Events in reply to an incoming one.
type Replier interface {
	ReplyToEvent(ctx context.Context, dest event.Destination, payloads []event.Payload, incomingEventID string) ([]*event.Event, error)
}

// Action is a long-running step triggered by "/action <name>".
type Action func(ctx context.Context, e *event.Event) ([]event.Payload, error)

const actionPrefix = "/action "

// EchoEngine is the built-in Engine used when no flow engine is plugged in.
// It repeats text messages and runs registered actions.
type EchoEngine struct {
	replier Replier
	bus     bus.Bus
	logger  zerolog.Logger
	// TimeoutMessage is sent when a session times out. Empty means no timeout node.
	TimeoutMessage string

	mu      sync.RWMutex
	actions map[string]Action
}

// NewEchoEngine returns an EchoEngine replying through r. b receives action
// start and end signals; it may be nil.
func NewEchoEngine(r Replier, b bus.Bus) *EchoEngine {
	return &EchoEngine{
		replier: r,
		bus:     b,
		logger:  log.WithComponent("dialog"),
		actions: make(map[string]Action),
	}
}

// RegisterAction makes name available to "/action name".
func (en *EchoEngine) RegisterAction(name string, fn Action) {
	en.mu.Lock()
	en.actions[name] = fn
	en.mu.Unlock()
}

func (en *EchoEngine) action(name string) (Action, bool) {
	en.mu.RLock()
	defer en.mu.RUnlock()
	fn, ok := en.actions[name]
	return fn, ok
}

// ProcessEvent answers one incoming Event.
func (en *EchoEngine) ProcessEvent(ctx context.Context, sessionID string, e *event.Event) error {
	text, ok := e.Payload.Text()
	if !ok || e.Type != "text" {
		return nil
	}

	e.State.Context.PreviousFlow = e.State.Context.CurrentFlow
	e.State.Context.PreviousNode = e.State.Context.CurrentNode
	e.State.Context.CurrentFlow = "main.flow.json"

	var payloads []event.Payload
	source := "echo"
	if name, isAction := strings.CutPrefix(text, actionPrefix); isAction {
		name = strings.TrimSpace(name)
		dest, incomingID := e.Destination(), e.ID
		out, err := en.runAction(ctx, e, name)
		if err != nil {
			return err
		}
		if middleware.IsAbandoned(ctx) {
			// The chain moved on; reply without touching e.
			if len(out) > 0 {
				if _, err := en.replier.ReplyToEvent(ctx, dest, out, incomingID); err != nil {
					return fmt.Errorf("session %s: reply: %w", sessionID, err)
				}
			}
			return nil
		}
		payloads = out
		source = "action:" + name
		e.State.Context.CurrentNode = name
	} else {
		payloads = []event.Payload{{"type": "text", "text": "You said: " + text}}
		e.State.Context.CurrentNode = "echo"
	}

	e.Decision = &event.Decision{Reason: "echo engine", Status: "elected", Confidence: 1, Source: source}

	if len(payloads) > 0 {
		if _, err := en.replier.ReplyToEvent(ctx, e.Destination(), payloads, e.ID); err != nil {
			return fmt.Errorf("session %s: reply: %w", sessionID, err)
		}
	}

	preview := ""
	if len(payloads) > 0 {
		preview, _ = payloads[0].Text()
	}
	e.State.Session.LastMessages = append(e.State.Session.LastMessages, event.DialogTurn{
		EventID:         e.ID,
		IncomingPreview: e.Preview,
		ReplyConfidence: 1,
		ReplySource:     source,
		ReplyPreview:    preview,
		ReplyDate:       time.Now().UTC(),
	})
	return nil
}

func (en *EchoEngine) runAction(ctx context.Context, e *event.Event, name string) ([]event.Payload, error) {
	fn, ok := en.action(name)
	if !ok {
		return []event.Payload{{"type": "text", "text": fmt.Sprintf("Unknown action %q", name)}}, nil
	}

	signal := bus.ActionSignal{BotID: e.BotID, Target: e.Target, Action: name}
	en.publish(ctx, bus.TopicActionStarted, signal)
	defer en.publish(context.WithoutCancel(ctx), bus.TopicActionEnded, signal)

	out, err := fn(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", name, err)
	}
	return out, nil
}

func (en *EchoEngine) publish(ctx context.Context, topic string, msg bus.ActionSignal) {
	if en.bus == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := en.bus.Publish(pubCtx, topic, msg); err != nil {
		logger := log.WithContext(ctx, en.logger)
		logger.Warn().Err(err).Str("topic", topic).Str("action", msg.Action).Msg("failed to publish action signal")
	}
}

// ProcessTimeout sends TimeoutMessage to the user of a stale session.
func (en *EchoEngine) ProcessTimeout(ctx context.Context, botID, sessionID string, e *event.Event) (*event.Event, error) {
	if en.TimeoutMessage == "" {
		return nil, ErrTimeoutNodeNotFound
	}
	payloads := []event.Payload{{"type": "text", "text": en.TimeoutMessage}}
	if _, err := en.replier.ReplyToEvent(ctx, e.Destination(), payloads, e.ID); err != nil {
		return nil, fmt.Errorf("bot %s session %s: timeout reply: %w", botID, sessionID, err)
	}
	e.State.Context = event.DialogContext{}
	return e, nil
}
