// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/botpipe/internal/event"
)

func newIncoming() *event.Event {
	return event.New(event.Params{
		BotID:     "bot1",
		Channel:   "web",
		Target:    "u1",
		Direction: event.Incoming,
		Payload:   event.Payload{"type": "text", "text": "hi"},
	})
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) handler(name string, res Result) Handler {
	return func(context.Context, *event.Event) (Result, error) {
		r.mu.Lock()
		r.calls = append(r.calls, name)
		r.mu.Unlock()
		return res, nil
	}
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func def(name string, order int, h Handler) Definition {
	return Definition{Name: name, Direction: event.Incoming, Order: order, Handler: h}
}

func TestChain_RunsInOrderWithStableTies(t *testing.T) {
	c := NewChain(event.Incoming, time.Second)
	rec := &recorder{}
	require.NoError(t, c.Register(def("c", 20, rec.handler("c", Continue))))
	require.NoError(t, c.Register(def("a", 10, rec.handler("a", Continue))))
	require.NoError(t, c.Register(def("b", 10, rec.handler("b", Continue))))

	assert.Equal(t, []string{"a", "b", "c"}, c.Names())

	e := newIncoming()
	require.NoError(t, c.Run(context.Background(), e))
	assert.Equal(t, []string{"a", "b", "c"}, rec.seen())
	for _, n := range []string{"a", "b", "c"} {
		assert.True(t, e.HasStep(event.StepKey(event.ScopeMiddleware, n, event.StatusCompleted)), n)
	}
}

func TestChain_RegisterRejectsDuplicatesAndInvalid(t *testing.T) {
	c := NewChain(event.Incoming, 0)
	rec := &recorder{}
	require.NoError(t, c.Register(def("a", 1, rec.handler("a", Continue))))

	err := c.Register(def("a", 2, rec.handler("a", Continue)))
	assert.ErrorIs(t, err, ErrDuplicateName)

	err = c.Register(Definition{Name: "nohandler", Direction: event.Incoming})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	err = c.Register(Definition{Name: "wrongdir", Direction: event.Outgoing, Handler: rec.handler("x", Continue)})
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestChain_SwallowStopsChain(t *testing.T) {
	c := NewChain(event.Incoming, time.Second)
	rec := &recorder{}
	require.NoError(t, c.Register(def("first", 1, rec.handler("first", Swallow))))
	require.NoError(t, c.Register(def("second", 2, rec.handler("second", Continue))))

	e := newIncoming()
	require.NoError(t, c.Run(context.Background(), e))
	assert.Equal(t, []string{"first"}, rec.seen())
	assert.True(t, e.HasStep("mw:first:Swallowed"))
	assert.False(t, e.HasStep("mw:second:Completed"))
}

func TestChain_SkipContinues(t *testing.T) {
	c := NewChain(event.Incoming, time.Second)
	rec := &recorder{}
	require.NoError(t, c.Register(def("first", 1, rec.handler("first", Skip))))
	require.NoError(t, c.Register(def("second", 2, rec.handler("second", Continue))))

	e := newIncoming()
	require.NoError(t, c.Run(context.Background(), e))
	assert.Equal(t, []string{"first", "second"}, rec.seen())
	assert.True(t, e.HasStep("mw:first:Skipped"))
	assert.True(t, e.HasStep("mw:second:Completed"))
}

func TestChain_TimeoutStampsAndContinues(t *testing.T) {
	c := NewChain(event.Incoming, time.Second)
	release := make(chan struct{})
	rec := &recorder{}
	slow := Definition{
		Name:      "slow",
		Direction: event.Incoming,
		Order:     1,
		Timeout:   20 * time.Millisecond,
		Handler: func(context.Context, *event.Event) (Result, error) {
			<-release
			return Swallow, nil
		},
	}
	require.NoError(t, c.Register(slow))
	require.NoError(t, c.Register(def("after", 2, rec.handler("after", Continue))))

	e := newIncoming()
	require.NoError(t, c.Run(context.Background(), e))
	assert.True(t, e.HasStep("mw:slow:TimedOut"))
	assert.True(t, e.HasStep("mw:after:Completed"))

	close(release)
	c.Wait()
	assert.False(t, e.HasStep("mw:slow:Swallowed"), "late result must be ignored")
}

func TestChain_TimeoutSignalsAbandonedHandler(t *testing.T) {
	c := NewChain(event.Incoming, time.Second)
	type seen struct {
		abandoned bool
		ctxErr    error
	}
	observed := make(chan seen, 1)
	require.NoError(t, c.Register(Definition{
		Name:      "slow",
		Direction: event.Incoming,
		Order:     1,
		Timeout:   20 * time.Millisecond,
		Handler: func(ctx context.Context, _ *event.Event) (Result, error) {
			select {
			case <-Abandoned(ctx):
			case <-time.After(2 * time.Second):
			}
			observed <- seen{abandoned: IsAbandoned(ctx), ctxErr: ctx.Err()}
			return Continue, nil
		},
	}))

	require.NoError(t, c.Run(context.Background(), newIncoming()))
	c.Wait()

	got := <-observed
	assert.True(t, got.abandoned)
	assert.NoError(t, got.ctxErr, "an abandoned handler is signalled, not cancelled")
}

func TestAbandoned_OutsideChainNeverFires(t *testing.T) {
	assert.Nil(t, Abandoned(context.Background()))
	assert.False(t, IsAbandoned(context.Background()))
}

func TestChain_ErrorAborts(t *testing.T) {
	c := NewChain(event.Incoming, time.Second)
	boom := errors.New("boom")
	rec := &recorder{}
	require.NoError(t, c.Register(def("bad", 1, func(context.Context, *event.Event) (Result, error) {
		return Continue, boom
	})))
	require.NoError(t, c.Register(def("after", 2, rec.handler("after", Continue))))

	err := c.Run(context.Background(), newIncoming())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `middleware "bad"`)
	assert.Empty(t, rec.seen())
}

func TestChain_PanicBecomesError(t *testing.T) {
	c := NewChain(event.Incoming, time.Second)
	require.NoError(t, c.Register(def("panics", 1, func(context.Context, *event.Event) (Result, error) {
		panic("kaboom")
	})))

	err := c.Run(context.Background(), newIncoming())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestChain_RemoveAndDisabled(t *testing.T) {
	c := NewChain(event.Incoming, time.Second)
	rec := &recorder{}
	require.NoError(t, c.Register(def("a", 1, rec.handler("a", Continue))))
	d := def("b", 2, rec.handler("b", Continue))
	d.Disabled = true
	require.NoError(t, c.Register(d))
	require.NoError(t, c.Register(def("c", 3, rec.handler("c", Continue))))

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))

	require.NoError(t, c.Run(context.Background(), newIncoming()))
	assert.Equal(t, []string{"c"}, rec.seen())

	// The name is free again after removal.
	require.NoError(t, c.Register(def("a", 0, rec.handler("a", Continue))))
}

func TestCallback_FirstNextWins(t *testing.T) {
	h := Callback(func(_ context.Context, _ *event.Event, next Next) {
		go func() {
			next(nil, false, true)
			next(errors.New("ignored"), true, false)
		}()
	})
	res, err := h(context.Background(), newIncoming())
	require.NoError(t, err)
	assert.Equal(t, Skip, res)
}
