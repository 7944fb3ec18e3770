// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/botpipe/internal/dialog"
	"github.com/ManuGH/botpipe/internal/event"
	"github.com/ManuGH/botpipe/internal/log"
	"github.com/ManuGH/botpipe/internal/metrics"
	"github.com/ManuGH/botpipe/internal/session/store"
)

// TimeoutProcessor resumes a dialog whose context expired.
type TimeoutProcessor interface {
	ProcessTimeout(ctx context.Context, botID, sessionID string, e *event.Event) (*event.Event, error)
}

// JanitorConfig configures a Janitor.
type JanitorConfig struct {
	Interval time.Duration
}

// Janitor deletes expired sessions and times out stale dialogs.
type Janitor struct {
	sessions SessionStore
	users    UserStore
	manager  *Manager
	dialog   TimeoutProcessor
	policy   ExpiryPolicy
	conf     JanitorConfig
	logger   zerolog.Logger
	now      func() time.Time
}

// NewJanitor returns a Janitor working on the stores of manager.
func NewJanitor(manager *Manager, processor TimeoutProcessor, conf JanitorConfig) *Janitor {
	return &Janitor{
		sessions: manager.sessions,
		users:    manager.users,
		manager:  manager,
		dialog:   processor,
		policy:   manager.policy,
		conf:     conf,
		logger:   log.WithComponent("janitor"),
		now:      time.Now,
	}
}

// Run calls RunTask on every interval tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	if j.conf.Interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(j.conf.Interval)
	defer ticker.Stop()

	j.logger.Info().Dur("interval", j.conf.Interval).Msg("session janitor started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := j.RunTask(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error().Err(err).Msg("janitor sweep failed")
			}
		}
	}
}

// RunTask performs one sweep: hard-delete expired sessions, then resume or
// reset every stale one. A failing session never stops the sweep.
func (j *Janitor) RunTask(ctx context.Context) error {
	now := j.now()

	deleted, err := j.sessions.DeleteExpiredSessions(ctx, now)
	if err != nil {
		metrics.IncJanitorRun("error")
		return fmt.Errorf("delete expired sessions: %w", err)
	}
	for _, id := range deleted {
		j.manager.Invalidate(ctx, id)
	}
	metrics.AddJanitorSessions("deleted", len(deleted))

	stale, err := j.sessions.GetStaleSessionIDs(ctx, now)
	if err != nil {
		metrics.IncJanitorRun("error")
		return fmt.Errorf("list stale sessions: %w", err)
	}

	var failed int
	for _, id := range stale {
		if ctx.Err() != nil {
			break
		}
		if err := j.resetSafely(ctx, id); err != nil {
			failed++
			metrics.AddJanitorSessions("failed", 1)
			j.logger.Error().Err(err).Str(log.FieldSessionID, id).Msg("failed to reset stale session")
		}
	}

	if len(deleted) > 0 || len(stale) > 0 {
		j.logger.Debug().
			Int("deleted", len(deleted)).
			Int("stale", len(stale)).
			Int("failed", failed).
			Msg("janitor sweep finished")
	}
	metrics.IncJanitorRun("ok")
	return ctx.Err()
}

func (j *Janitor) resetSafely(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.resetStale(ctx, id)
}

func (j *Janitor) resetStale(ctx context.Context, id string) error {
	sess, err := j.sessions.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	logger := j.logger.With().Str(log.FieldSessionID, id).Str(log.FieldBotID, sess.BotID).Logger()

	if dest, ok := event.ParseSessionID(id); ok && j.dialog != nil {
		if result := j.processTimeout(ctx, logger, dest, sess); result != nil {
			sess.Context = result.State.Context
			sess.SessionData = result.State.Session
			sess.TempData = result.State.Temp
		} else if fresh, err := j.sessions.GetSession(ctx, id); err == nil {
			sess = fresh
		}
	} else if !ok {
		logger.Warn().Msg("malformed session id, resetting without timeout processing")
	}

	if sess.Context.HasPendingInstructions() {
		metrics.AddJanitorSessions("kept", 1)
	} else {
		sess.Context = event.DialogContext{}
		sess.TempData = map[string]any{}
		metrics.AddJanitorSessions("reset", 1)
	}

	sess.ContextExpiry, sess.SessionExpiry = Expiries(j.policy, sess.BotID, j.now())
	if err := j.sessions.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	j.manager.Invalidate(ctx, id)
	return nil
}

// processTimeout hands a synthetic timeout Event to the dialog engine. The
// returned Event, if any, carries the post-timeout state.
func (j *Janitor) processTimeout(ctx context.Context, logger zerolog.Logger, dest event.Destination, sess *store.Session) *event.Event {
	attrs, err := j.users.GetUserAttributes(ctx, dest.Channel, dest.Target)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load user attributes for timeout")
		attrs = map[string]any{}
	}

	e := event.New(event.Params{
		Type:      "timeout",
		Channel:   dest.Channel,
		Target:    dest.Target,
		ThreadID:  dest.ThreadID,
		BotID:     dest.BotID,
		Direction: event.Incoming,
		Payload:   event.Payload{"type": "timeout"},
	})
	e.State.User = attrs
	e.State.Context = sess.Context
	e.State.Session = sess.SessionData
	e.State.Temp = sess.TempData

	result, err := j.dialog.ProcessTimeout(ctx, dest.BotID, sess.ID, e)
	switch {
	case errors.Is(err, dialog.ErrTimeoutNodeNotFound):
		logger.Debug().Msg("no timeout node configured")
	case err != nil:
		logger.Error().Err(err).Msg("timeout processing failed")
	}
	if err != nil {
		return nil
	}
	if result == nil {
		return e
	}
	return result
}
