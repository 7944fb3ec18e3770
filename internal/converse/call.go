// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package converse

import (
	"context"
	"sync"
	"time"

	"github.com/ManuGH/botpipe/internal/event"
	"github.com/ManuGH/botpipe/internal/metrics"
	"github.com/ManuGH/botpipe/internal/middleware"
)

// Capture middleware names and their positions in the chains.
const (
	IncomingCaptureName  = "converse.capture.incoming"
	IncomingCaptureOrder = 9000
	OutgoingCaptureName  = "converse.capture.outgoing"
	OutgoingCaptureOrder = 10000
)

// call is the correlation object owned by one in-flight SendMessage.
type call struct {
	done    chan *event.Event
	actions chan bool

	mu         sync.Mutex
	incomingID string
	resp       *ResponseMap
}

func newCall() *call {
	return &call{
		done:    make(chan *event.Event, 1),
		actions: make(chan bool, 16),
	}
}

func (c *call) setIncoming(id string) {
	c.mu.Lock()
	c.incomingID = id
	c.mu.Unlock()
}

// signalDone delivers the processed incoming Event if it is the one this
// call dispatched.
func (c *call) signalDone(e *event.Event) {
	c.mu.Lock()
	match := c.incomingID == e.ID
	c.mu.Unlock()
	if !match {
		return
	}
	select {
	case c.done <- e:
	default:
	}
}

// setAction forwards an action edge. A full backlog is collapsed so the
// latest edge always arrives.
func (c *call) setAction(running bool) {
	select {
	case c.actions <- running:
	default:
		for {
			select {
			case <-c.actions:
				continue
			default:
			}
			break
		}
		select {
		case c.actions <- running:
		default:
		}
	}
}

func (c *call) respLocked() *ResponseMap {
	if c.resp == nil {
		c.resp = &ResponseMap{Responses: []event.Payload{}}
	}
	return c.resp
}

func (c *call) capture(p event.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.respLocked()
	r.Responses = append(r.Responses, p.Clone())
}

func (c *call) snapshotIncoming(e *event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.respLocked()
	if e.NLU != nil {
		nlu := *e.NLU
		r.NLU = &nlu
	}
	if len(e.Suggestions) > 0 {
		r.Suggestions = append([]event.Suggestion(nil), e.Suggestions...)
	}
	if len(e.Credentials) > 0 {
		r.Credentials = e.Credentials
	}
}

// take hands the ResponseMap over to the caller; later captures start a new one.
func (c *call) take() *ResponseMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.resp
	c.resp = nil
	return r
}

// actionTimer is a timeout that pauses while a long-running action executes
// and restarts from the full duration when the action ends.
type actionTimer struct {
	timeout time.Duration
	timer   *time.Timer
	running bool
}

func newActionTimer(timeout time.Duration) *actionTimer {
	return &actionTimer{timeout: timeout, timer: time.NewTimer(timeout)}
}

func (t *actionTimer) C() <-chan time.Time {
	return t.timer.C
}

func (t *actionTimer) setAction(running bool) {
	if running == t.running {
		return
	}
	t.running = running
	if running {
		t.timer.Stop()
		metrics.IncConverseActionSuspension()
		return
	}
	t.timer.Reset(t.timeout)
}

func (t *actionTimer) stop() {
	t.timer.Stop()
}

func (s *Service) incomingCapture() middleware.Definition {
	return middleware.Definition{
		Name:        IncomingCaptureName,
		Description: "Snapshots NLU, suggestions and credentials of converse requests",
		Direction:   event.Incoming,
		Order:       IncomingCaptureOrder,
		Handler: func(_ context.Context, e *event.Event) (middleware.Result, error) {
			if e.Channel != Channel {
				return middleware.Skip, nil
			}
			if c := s.lookup(e.UserKey()); c != nil {
				c.snapshotIncoming(e)
			}
			return middleware.Continue, nil
		},
	}
}

func (s *Service) outgoingCapture() middleware.Definition {
	return middleware.Definition{
		Name:        OutgoingCaptureName,
		Description: "Collects replies to converse requests",
		Direction:   event.Outgoing,
		Order:       OutgoingCaptureOrder,
		Handler: func(_ context.Context, e *event.Event) (middleware.Result, error) {
			if e.Channel != Channel {
				return middleware.Skip, nil
			}
			if c := s.lookup(e.UserKey()); c != nil {
				c.capture(e.Payload)
			}
			return middleware.Swallow, nil
		},
	}
}
