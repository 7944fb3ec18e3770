// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package converse turns the asynchronous pipeline into a single awaitable
// request: send one message, collect every reply the bot produces for it.
package converse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"github.com/ManuGH/botpipe/internal/bus"
	"github.com/ManuGH/botpipe/internal/config"
	"github.com/ManuGH/botpipe/internal/event"
	"github.com/ManuGH/botpipe/internal/log"
	"github.com/ManuGH/botpipe/internal/metrics"
	"github.com/ManuGH/botpipe/internal/middleware"
	"github.com/ManuGH/botpipe/internal/session/store"
	"github.com/ManuGH/botpipe/internal/telemetry"
)

// Channel is the channel converse Events travel on.
const Channel = "api"

const tracerName = "github.com/ManuGH/botpipe/internal/converse"

var (
	// ErrInvalidPayload rejects a message before anything is dispatched.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrRequestTimeout is returned when no complete answer arrived in time.
	ErrRequestTimeout = errors.New("Request timed out.") //nolint:staticcheck // user facing message
	// ErrNoResponse is returned when processing finished without capturing anything.
	ErrNoResponse = errors.New("no response captured")
	// ErrConversationBusy is returned when a call for the same bot and user is in flight.
	ErrConversationBusy = errors.New("conversation busy")
)

// Engine is the part of the event engine converse drives.
type Engine interface {
	SendEvent(ctx context.Context, e *event.Event) error
	WaitOutgoingDrained(ctx context.Context, e *event.Event) error
	Register(d middleware.Definition) error
}

// Users creates channel users on first contact.
type Users interface {
	GetOrCreateUser(ctx context.Context, channel, userID string) (*store.User, bool, error)
}

// Settings resolves the converse settings of a bot.
type Settings interface {
	Converse(botID string) config.ConverseSettings
}

// ResponseMap is the aggregated answer to one converse call.
type ResponseMap struct {
	Responses   []event.Payload     `json:"responses"`
	NLU         *event.Understanding `json:"nlu,omitempty"`
	State       *event.State         `json:"state,omitempty"`
	Suggestions []event.Suggestion   `json:"suggestions,omitempty"`
	Decision    *event.Decision      `json:"decision,omitempty"`
	Credentials map[string]any       `json:"credentials,omitempty"`
}

// Options configure a Service.
type Options struct {
	Engine   Engine
	Bus      bus.Bus
	Users    Users
	Settings Settings
}

// Service correlates converse calls with pipeline notifications.
type Service struct {
	engine   Engine
	bus      bus.Bus
	users    Users
	settings Settings
	logger   zerolog.Logger
	tracer   trace.Tracer

	mu    sync.Mutex
	calls map[string]*call
}

// NewService returns a Service. Run must be started for calls to complete.
func NewService(opts Options) *Service {
	return &Service{
		engine:   opts.Engine,
		bus:      opts.Bus,
		users:    opts.Users,
		settings: opts.Settings,
		logger:   log.WithComponent("converse"),
		tracer:   telemetry.Tracer(tracerName),
		calls:    make(map[string]*call),
	}
}

// Install registers the capture middlewares on the engine.
func (s *Service) Install() error {
	for _, d := range []middleware.Definition{s.incomingCapture(), s.outgoingCapture()} {
		if err := s.engine.Register(d); err != nil {
			return fmt.Errorf("install %s: %w", d.Name, err)
		}
	}
	return nil
}

// Run routes bus notifications to in-flight calls until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	topics := []string{bus.TopicIncomingProcessed, bus.TopicActionStarted, bus.TopicActionEnded}
	subs := make([]bus.Subscriber, 0, len(topics))
	defer func() {
		for _, sub := range subs {
			_ = sub.Close()
		}
	}()
	for _, topic := range topics {
		sub, err := s.bus.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	processed, started, ended := subs[0].C(), subs[1].C(), subs[2].C()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-processed:
			if !ok {
				return nil
			}
			if e, isEvent := msg.(*event.Event); isEvent && e.Channel == Channel {
				if c := s.lookup(e.UserKey()); c != nil {
					c.signalDone(e)
				}
			}
		case msg, ok := <-started:
			if !ok {
				return nil
			}
			s.routeAction(msg, true)
		case msg, ok := <-ended:
			if !ok {
				return nil
			}
			s.routeAction(msg, false)
		}
	}
}

func (s *Service) routeAction(msg bus.Message, running bool) {
	sig, ok := msg.(bus.ActionSignal)
	if !ok {
		return
	}
	if c := s.lookup(event.UserKey(sig.BotID, sig.Target)); c != nil {
		c.setAction(running)
	}
}

func (s *Service) lookup(key string) *call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func (s *Service) register(key string) (*call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.calls[key]; busy {
		return nil, ErrConversationBusy
	}
	c := newCall()
	s.calls[key] = c
	return c, nil
}

func (s *Service) release(key string, c *call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls[key] == c {
		delete(s.calls, key)
	}
}

// SendMessage sends payload from userID to botID and waits for the complete
// answer. Only the caller stops waiting on timeout; processing carries on.
func (s *Service) SendMessage(ctx context.Context, botID, userID string, payload event.Payload, credentials map[string]any, includedContexts []string) (*ResponseMap, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "converse.send", trace.WithAttributes(telemetry.ConverseAttributes(botID, userID)...))
	defer span.End()

	resp, err := s.sendMessage(ctx, botID, userID, payload, credentials, includedContexts)
	outcome := outcomeOf(err)
	metrics.ObserveConverse(outcome, time.Since(start).Seconds())
	span.SetAttributes(attribute.String(telemetry.ConverseOutcomeKey, outcome))
	if err != nil {
		span.SetAttributes(telemetry.ErrorAttributes(err, outcome)...)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

func (s *Service) sendMessage(ctx context.Context, botID, userID string, payload event.Payload, credentials map[string]any, includedContexts []string) (*ResponseMap, error) {
	settings := s.settings.Converse(botID)

	clean, err := Sanitize(payload, settings.MaxMessageLength)
	if err != nil {
		return nil, err
	}

	key := event.UserKey(botID, userID)
	c, err := s.register(key)
	if err != nil {
		return nil, err
	}
	defer s.release(key, c)

	logger := s.logger.With().Str(log.FieldBotID, botID).Str(log.FieldUserID, userID).Logger()

	if _, _, err := s.users.GetOrCreateUser(ctx, Channel, userID); err != nil {
		return nil, fmt.Errorf("ensure user %s: %w", userID, err)
	}

	var nlu *event.Understanding
	if len(includedContexts) > 0 {
		nlu = &event.Understanding{IncludedContexts: includedContexts}
	}
	incoming := event.New(event.Params{
		Type:        clean.Type(),
		Channel:     Channel,
		Target:      userID,
		BotID:       botID,
		Direction:   event.Incoming,
		Payload:     clean,
		Credentials: credentials,
		NLU:         nlu,
	})
	c.setIncoming(incoming.ID)

	if err := s.engine.SendEvent(ctx, incoming); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	resp, err := s.await(ctx, c, incoming, settings)
	if errors.Is(err, ErrRequestTimeout) {
		logger.Warn().Str(log.FieldEventID, incoming.ID).Dur("timeout", settings.Timeout).Msg("converse request timed out")
	}
	return resp, err
}

// await races the completion of c against the action aware timeout.
func (s *Service) await(ctx context.Context, c *call, incoming *event.Event, settings config.ConverseSettings) (*ResponseMap, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := newActionTimer(settings.Timeout)
	defer timer.stop()

	var (
		ready    = make(chan *ResponseMap, 1)
		failed   = make(chan error, 1)
		settling bool
	)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C():
			return nil, ErrRequestTimeout
		case running := <-c.actions:
			timer.setAction(running)
		case processed := <-c.done:
			if settling {
				continue
			}
			settling = true
			go func() {
				resp, err := s.settle(ctx, c, processed, settings.BufferDelay)
				if err != nil {
					failed <- err
					return
				}
				ready <- resp
			}()
		case err := <-failed:
			return nil, err
		case resp := <-ready:
			return resp, nil
		}
	}
}

// settle waits for the outgoing queue of the conversation to drain, admits
// late captures for the buffer delay, then assembles the answer.
func (s *Service) settle(ctx context.Context, c *call, processed *event.Event, bufferDelay time.Duration) (*ResponseMap, error) {
	if err := s.engine.WaitOutgoingDrained(ctx, processed); err != nil {
		return nil, err
	}
	if bufferDelay > 0 {
		t := time.NewTimer(bufferDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	resp := c.take()
	if resp == nil {
		return nil, ErrNoResponse
	}
	st := processed.State
	resp.State = &st
	resp.Suggestions = processed.Suggestions
	resp.Decision = processed.Decision
	if resp.NLU == nil {
		resp.NLU = processed.NLU
	}
	return resp, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, ErrConversationBusy):
		return "busy"
	case errors.Is(err, ErrNoResponse):
		return "no_response"
	default:
		return "error"
	}
}

// Sanitize validates payload and keeps only the fields a converse message
// may carry. Text is NFC normalised and limited to maxLength characters.
func Sanitize(payload event.Payload, maxLength int) (event.Payload, error) {
	out := event.Payload{}
	for _, k := range []string{"text", "type", "data", "raw"} {
		if v, ok := payload[k]; ok {
			out[k] = v
		}
	}
	if out.Type() == "" {
		out["type"] = "text"
	}

	if out.Type() == "text" {
		text, ok := out.Text()
		if !ok || text == "" {
			return nil, fmt.Errorf("%w: text must be a non-empty string", ErrInvalidPayload)
		}
		text = norm.NFC.String(text)
		if maxLength > 0 && utf8.RuneCountInString(text) > maxLength {
			return nil, fmt.Errorf("%w: text must be a valid string of less than %d chars", ErrInvalidPayload, maxLength)
		}
		out["text"] = text
	}

	if out.Type() == "login_prompt" {
		if data, ok := out["data"].(map[string]any); ok {
			kept := make(map[string]any, len(data))
			for k, v := range data {
				if k != "password" {
					kept[k] = v
				}
			}
			out["data"] = kept
		}
	}
	return out, nil
}
