// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package event defines the unit of work travelling through the pipeline.
package event

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction is the travel direction of an Event.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Incoming || d == Outgoing
}

// Payload is the opaque message body. Only channel connectors interpret it.
type Payload map[string]any

// Type returns the payload "type" field, or "" when absent.
func (p Payload) Type() string {
	s, _ := p["type"].(string)
	return s
}

// Text returns the payload "text" field and whether it is a string.
func (p Payload) Text() (string, bool) {
	s, ok := p["text"].(string)
	return s, ok
}

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Intent is one NLU classification result.
type Intent struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Context    string  `json:"context,omitempty"`
}

// Entity is one extracted NLU entity.
type Entity struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Understanding is the NLU section of an incoming Event.
type Understanding struct {
	Intent           *Intent  `json:"intent,omitempty"`
	Intents          []Intent `json:"intents,omitempty"`
	Language         string   `json:"language,omitempty"`
	Entities         []Entity `json:"entities,omitempty"`
	IncludedContexts []string `json:"includedContexts,omitempty"`
	Errored          bool     `json:"errored,omitempty"`
	Ms               int64    `json:"ms,omitempty"`
}

// Suggestion is a candidate reply proposed by a middleware for the decision engine.
type Suggestion struct {
	Confidence float64   `json:"confidence"`
	Payloads   []Payload `json:"payloads"`
	Source     string    `json:"source"`
	SourceInfo string    `json:"sourceDetails,omitempty"`
}

// Decision is the outcome the dialog engine elected for an incoming Event.
type Decision struct {
	Reason     string  `json:"reason"`
	Status     string  `json:"status"`
	Confidence float64 `json:"confidence,omitempty"`
	Source     string  `json:"source,omitempty"`
}

// Event identifies one message traversing the pipeline.
type Event struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Channel         string          `json:"channel"`
	Target          string          `json:"target"`
	ThreadID        string          `json:"threadId,omitempty"`
	BotID           string          `json:"botId"`
	Direction       Direction       `json:"direction"`
	Payload         Payload         `json:"payload"`
	Preview         string          `json:"preview,omitempty"`
	CreatedOn       time.Time       `json:"createdOn"`
	IncomingEventID string          `json:"incomingEventId,omitempty"`
	Credentials     map[string]any  `json:"credentials,omitempty"`
	NLU             *Understanding  `json:"nlu,omitempty"`
	Suggestions     []Suggestion    `json:"suggestions,omitempty"`
	Decision        *Decision       `json:"decision,omitempty"`
	Flags           map[string]bool `json:"flags,omitempty"`
	State           State           `json:"state"`

	mu         sync.Mutex
	processing map[string]time.Time
}

// Destination is the routing part of an Event, used to address replies.
type Destination struct {
	BotID    string
	Channel  string
	Target   string
	ThreadID string
}

// Params are the fields accepted by New.
type Params struct {
	Type            string
	Channel         string
	Target          string
	ThreadID        string
	BotID           string
	Direction       Direction
	Payload         Payload
	Preview         string
	IncomingEventID string
	Credentials     map[string]any
	NLU             *Understanding
}

// New builds an Event with a fresh id and empty state scopes.
func New(p Params) *Event {
	payload := p.Payload
	if payload == nil {
		payload = Payload{}
	}
	typ := p.Type
	if typ == "" {
		typ = payload.Type()
	}
	preview := p.Preview
	if preview == "" {
		if text, ok := payload.Text(); ok {
			preview = text
		}
	}
	return &Event{
		ID:              uuid.NewString(),
		Type:            typ,
		Channel:         p.Channel,
		Target:          p.Target,
		ThreadID:        p.ThreadID,
		BotID:           p.BotID,
		Direction:       p.Direction,
		Payload:         payload,
		Preview:         preview,
		CreatedOn:       time.Now().UTC(),
		IncomingEventID: p.IncomingEventID,
		Credentials:     p.Credentials,
		NLU:             p.NLU,
		Flags:           map[string]bool{},
		State:           NewState(),
	}
}

// Destination returns the routing keys of e.
func (e *Event) Destination() Destination {
	return Destination{BotID: e.BotID, Channel: e.Channel, Target: e.Target, ThreadID: e.ThreadID}
}

// SetFlag sets a well-known processing flag.
func (e *Event) SetFlag(name string, value bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Flags == nil {
		e.Flags = map[string]bool{}
	}
	e.Flags[name] = value
}

// HasFlag reports whether the named flag is set.
func (e *Event) HasFlag(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Flags[name]
}

// ConversationKey identifies the conversation of e for queueing purposes.
func (e *Event) ConversationKey() string {
	return ConversationKey(e.BotID, e.Target, e.ThreadID)
}

// SessionID returns the persisted session id of e.
func (e *Event) SessionID() string {
	return SessionID(e.BotID, e.Channel, e.Target, e.ThreadID)
}

// UserKey returns the correlation key used by converse callers.
func (e *Event) UserKey() string {
	return UserKey(e.BotID, e.Target)
}

// ConversationKey builds a conversation key from its parts.
func ConversationKey(botID, target, threadID string) string {
	key := botID + "::" + target
	if threadID != "" {
		key += "::" + threadID
	}
	return key
}

// UserKey builds the converse correlation key for botID and target.
func UserKey(botID, target string) string {
	return botID + "_" + target
}

const sessionIDSeparator = "::"

// SessionID builds a session id from its parts.
func SessionID(botID, channel, target, threadID string) string {
	parts := []string{botID, channel, target}
	if threadID != "" {
		parts = append(parts, threadID)
	}
	return strings.Join(parts, sessionIDSeparator)
}

// ParseSessionID splits a session id built by SessionID.
func ParseSessionID(id string) (Destination, bool) {
	parts := strings.SplitN(id, sessionIDSeparator, 4)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Destination{}, false
	}
	dest := Destination{BotID: parts[0], Channel: parts[1], Target: parts[2]}
	if len(parts) == 4 {
		dest.ThreadID = parts[3]
	}
	return dest, true
}
