// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package event

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsFromPayload(t *testing.T) {
	e := New(Params{
		BotID:     "bot1",
		Channel:   "api",
		Target:    "user1",
		Direction: Incoming,
		Payload:   Payload{"type": "text", "text": "hello"},
	})

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "text", e.Type)
	assert.Equal(t, "hello", e.Preview)
	assert.NotNil(t, e.State.User)
	assert.NotNil(t, e.State.Session.Workflows)
	assert.False(t, e.CreatedOn.IsZero())
}

func TestSessionID_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		dest Destination
	}{
		{name: "without thread", dest: Destination{BotID: "b", Channel: "api", Target: "u"}},
		{name: "with thread", dest: Destination{BotID: "b", Channel: "web", Target: "u", ThreadID: "t1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := SessionID(tt.dest.BotID, tt.dest.Channel, tt.dest.Target, tt.dest.ThreadID)
			got, ok := ParseSessionID(id)
			require.True(t, ok)
			assert.Equal(t, tt.dest, got)
		})
	}

	_, ok := ParseSessionID("garbage")
	assert.False(t, ok)
}

func TestKeys(t *testing.T) {
	e := New(Params{BotID: "bot", Channel: "api", Target: "u1", Direction: Incoming})
	assert.Equal(t, "bot_u1", e.UserKey())
	assert.Equal(t, "bot::u1", e.ConversationKey())
	assert.Equal(t, "bot::api::u1", e.SessionID())

	e.ThreadID = "th"
	assert.Equal(t, "bot::u1::th", e.ConversationKey())
}

func TestAddStep_AppendOnly(t *testing.T) {
	e := New(Params{BotID: "b", Channel: "api", Target: "u", Direction: Incoming})

	require.True(t, e.AddStep(ScopeMiddleware, "nlu", StatusCompleted))
	first := e.Processing()["mw:nlu:Completed"]

	assert.False(t, e.AddStep(ScopeMiddleware, "nlu", StatusCompleted), "existing stamp must not be overwritten")
	assert.Equal(t, first, e.Processing()["mw:nlu:Completed"])
	assert.True(t, e.HasStep("mw:nlu:Completed"))

	e.AddStep(ScopeReceived, "", "")
	assert.Contains(t, e.Steps(), "received")
}

func TestStateWorkflow_Derived(t *testing.T) {
	s := NewState()
	assert.Nil(t, s.Workflow())

	s.Session.Workflows["onboarding"] = WorkflowHistory{EventID: "e1", Status: WorkflowActive}
	s.Session.CurrentWorkflow = "onboarding"
	wf := s.Workflow()
	require.NotNil(t, wf)
	assert.Equal(t, WorkflowActive, wf.Status)

	s.Session.CurrentWorkflow = "missing"
	assert.Nil(t, s.Workflow())
}

func TestTrimLastMessages_KeepsMostRecent(t *testing.T) {
	s := NewSessionData()
	for i := 0; i < 12; i++ {
		s.LastMessages = append(s.LastMessages, DialogTurn{EventID: fmt.Sprintf("e%d", i)})
	}
	s.TrimLastMessages()

	require.Len(t, s.LastMessages, MaxLastMessages)
	assert.Equal(t, "e7", s.LastMessages[0].EventID)
	assert.Equal(t, "e11", s.LastMessages[4].EventID)
}

func TestDialogContext_PendingInstructions(t *testing.T) {
	var c DialogContext
	assert.True(t, c.IsEmpty())
	assert.False(t, c.HasPendingInstructions())

	c.Queue = &InstructionQueue{Instructions: []Instruction{{Type: "on-enter", Fn: "say"}}}
	assert.True(t, c.HasPendingInstructions())
	assert.False(t, c.IsEmpty())
}
