// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package event

import "time"

// MaxLastMessages bounds SessionData.LastMessages when persisted.
const MaxLastMessages = 5

// Workflow status values.
const (
	WorkflowActive    = "active"
	WorkflowPending   = "pending"
	WorkflowCompleted = "completed"
)

// State is the mutable bag attached to an Event's conversation.
type State struct {
	User    map[string]any `json:"user"`
	Context DialogContext  `json:"context"`
	Session SessionData    `json:"session"`
	Temp    map[string]any `json:"temp"`
	Bot     map[string]any `json:"bot"`
}

// NewState returns a State with every scope initialised.
func NewState() State {
	return State{
		User:    map[string]any{},
		Session: NewSessionData(),
		Temp:    map[string]any{},
		Bot:     map[string]any{},
	}
}

// Workflow resolves Session.Workflows[Session.CurrentWorkflow]. It is derived
// on every call and never persisted.
func (s *State) Workflow() *WorkflowHistory {
	if s.Session.CurrentWorkflow == "" || s.Session.Workflows == nil {
		return nil
	}
	wf, ok := s.Session.Workflows[s.Session.CurrentWorkflow]
	if !ok {
		return nil
	}
	return &wf
}

// JumpPoint is where the dialog returns to when a subflow exits.
type JumpPoint struct {
	Flow string `json:"flow"`
	Node string `json:"node"`
}

// Instruction is one queued dialog-engine step.
type Instruction struct {
	Type string `json:"type"`
	Fn   string `json:"fn,omitempty"`
	Node string `json:"node,omitempty"`
}

// InstructionQueue holds the instructions the dialog engine still has to run.
type InstructionQueue struct {
	Instructions []Instruction `json:"instructions"`
}

// DialogContext is the dialog-flow execution pointer. It is volatile and
// expires before the session does.
type DialogContext struct {
	CurrentFlow  string            `json:"currentFlow,omitempty"`
	CurrentNode  string            `json:"currentNode,omitempty"`
	PreviousFlow string            `json:"previousFlow,omitempty"`
	PreviousNode string            `json:"previousNode,omitempty"`
	JumpPoints   []JumpPoint       `json:"jumpPoints,omitempty"`
	Queue        *InstructionQueue `json:"queue,omitempty"`
	HasJumped    bool              `json:"hasJumped,omitempty"`
	Data         map[string]any    `json:"data,omitempty"`
}

// HasPendingInstructions reports whether the dialog is mid-execution.
func (c DialogContext) HasPendingInstructions() bool {
	return c.Queue != nil && len(c.Queue.Instructions) > 0
}

// IsEmpty reports whether the context holds no dialog position.
func (c DialogContext) IsEmpty() bool {
	return c.CurrentFlow == "" && c.CurrentNode == "" && c.PreviousFlow == "" &&
		c.PreviousNode == "" && len(c.JumpPoints) == 0 && !c.HasPendingInstructions() &&
		!c.HasJumped && len(c.Data) == 0
}

// DialogTurn is one entry of the last-messages ring.
type DialogTurn struct {
	EventID         string    `json:"eventId"`
	IncomingPreview string    `json:"incomingPreview"`
	ReplyConfidence float64   `json:"replyConfidence"`
	ReplySource     string    `json:"replySource"`
	ReplyPreview    string    `json:"replyPreview"`
	ReplyDate       time.Time `json:"replyDate"`
}

// WorkflowHistory tracks one named sub-dialog.
type WorkflowHistory struct {
	EventID string `json:"eventId"`
	Parent  string `json:"parent,omitempty"`
	Status  string `json:"status"`
	Success *bool  `json:"success,omitempty"`
}

// SessionData is the stable per-conversation memory.
type SessionData struct {
	LastMessages    []DialogTurn               `json:"lastMessages"`
	Workflows       map[string]WorkflowHistory `json:"workflows"`
	CurrentWorkflow string                     `json:"currentWorkflow,omitempty"`
	Vars            map[string]any             `json:"vars,omitempty"`
}

// NewSessionData returns empty session memory.
func NewSessionData() SessionData {
	return SessionData{
		LastMessages: []DialogTurn{},
		Workflows:    map[string]WorkflowHistory{},
	}
}

// TrimLastMessages keeps only the most recent MaxLastMessages turns.
func (s *SessionData) TrimLastMessages() {
	if n := len(s.LastMessages); n > MaxLastMessages {
		kept := make([]DialogTurn, MaxLastMessages)
		copy(kept, s.LastMessages[n-MaxLastMessages:])
		s.LastMessages = kept
	}
}

// Normalize replaces nil collections with empty ones.
func (s *SessionData) Normalize() {
	if s.LastMessages == nil {
		s.LastMessages = []DialogTurn{}
	}
	if s.Workflows == nil {
		s.Workflows = map[string]WorkflowHistory{}
	}
}
