// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package session restores and persists the conversational state of Events.
//
// The relational store is the system of record. When a cache is configured,
// persist writes a snapshot to it and queues the relational write for the
// next batch flush; restore prefers the snapshot. Without a cache, persist
// writes through synchronously.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/botpipe/internal/cache"
	"github.com/ManuGH/botpipe/internal/event"
	"github.com/ManuGH/botpipe/internal/log"
	"github.com/ManuGH/botpipe/internal/metrics"
	"github.com/ManuGH/botpipe/internal/session/store"
)

// SessionStore is the relational store of record.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	SaveSession(ctx context.Context, sess *store.Session) error
	CommitBatch(ctx context.Context, updates []store.Update) error
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) ([]string, error)
	GetStaleSessionIDs(ctx context.Context, now time.Time) ([]string, error)
}

// UserStore reads channel user attributes.
type UserStore interface {
	GetUserAttributes(ctx context.Context, channel, userID string) (map[string]any, error)
}

// BotStateStore holds the bot-global scope.
type BotStateStore interface {
	GetBotState(ctx context.Context, botID string) (map[string]any, error)
	SetBotState(ctx context.Context, botID string, state map[string]any) error
}

// Options configure a Manager.
type Options struct {
	Sessions SessionStore
	Users    UserStore
	Bots     BotStateStore
	Policy   ExpiryPolicy
	// Cache enables the write-through snapshot path. Nil disables it.
	Cache         cache.Cache
	CacheTTL      time.Duration
	BatchSize     int
	FlushInterval time.Duration
}

// entry is one queued relational write.
type entry struct {
	seq           uint64
	sessionID     string
	botID         string
	channel       string
	target        string
	state         event.State
	ignoreContext bool
}

// Manager implements restore, persist and delete for session state.
type Manager struct {
	sessions      SessionStore
	users         UserStore
	bots          BotStateStore
	policy        ExpiryPolicy
	cache         cache.Cache
	cacheTTL      time.Duration
	batchSize     int
	flushInterval time.Duration
	logger        zerolog.Logger
	now           func() time.Time

	mu      sync.Mutex
	queue   []entry
	nextSeq uint64

	// flushMu is held for the whole of a flush and of a delete.
	flushMu sync.Mutex
}

// NewManager returns a Manager. Zero BatchSize, FlushInterval or CacheTTL
// select 100, 300ms and 60s.
func NewManager(opts Options) *Manager {
	m := &Manager{
		sessions:      opts.Sessions,
		users:         opts.Users,
		bots:          opts.Bots,
		policy:        opts.Policy,
		cache:         opts.Cache,
		cacheTTL:      opts.CacheTTL,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		logger:        log.WithComponent("session"),
		now:           time.Now,
	}
	if m.batchSize <= 0 {
		m.batchSize = 100
	}
	if m.flushInterval <= 0 {
		m.flushInterval = 300 * time.Millisecond
	}
	if m.cacheTTL <= 0 {
		m.cacheTTL = 60 * time.Second
	}
	return m
}

// CacheEnabled reports whether the write-through cache path is active.
func (m *Manager) CacheEnabled() bool {
	return m.cache != nil
}

func (m *Manager) eventLogger(e *event.Event) zerolog.Logger {
	return m.logger.With().
		Str(log.FieldSessionID, e.SessionID()).
		Str(log.FieldBotID, e.BotID).
		Str(log.FieldEventID, e.ID).
		Logger()
}

// Restore hydrates e.State. A cache hit returns the snapshot without
// touching the relational store. A cache miss or cache error falls back to
// the stores of record.
func (m *Manager) Restore(ctx context.Context, e *event.Event) error {
	sessionID := e.SessionID()

	if m.cache != nil {
		if st, ok := m.restoreFromCache(ctx, e); ok {
			e.State = st
			return nil
		}
	}

	attrs, err := m.users.GetUserAttributes(ctx, e.Channel, e.Target)
	if err != nil {
		return fmt.Errorf("restore %s: user attributes: %w", sessionID, err)
	}

	st := event.NewState()
	st.User = attrs
	sess, err := m.sessions.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("restore %s: session: %w", sessionID, err)
	default:
		st.Context = sess.Context
		st.Session = sess.SessionData
		st.Temp = sess.TempData
	}

	if m.bots != nil {
		bot, err := m.bots.GetBotState(ctx, e.BotID)
		if err != nil {
			return fmt.Errorf("restore %s: bot state: %w", sessionID, err)
		}
		st.Bot = bot
	}

	normalize(&st)
	e.State = st
	return nil
}

func (m *Manager) restoreFromCache(ctx context.Context, e *event.Event) (event.State, bool) {
	key := cache.SessionKey(e.SessionID())
	raw, found, err := m.cache.Get(ctx, key)
	if err != nil {
		metrics.IncSessionCache("error")
		logger := m.eventLogger(e)
		logger.Warn().Err(err).Str(log.FieldCacheKey, key).Msg("session cache read failed, using store")
		return event.State{}, false
	}
	if !found {
		metrics.IncSessionCache("miss")
		return event.State{}, false
	}

	var st event.State
	if err := json.Unmarshal(raw, &st); err != nil {
		metrics.IncSessionCache("error")
		logger := m.eventLogger(e)
		logger.Warn().Err(err).Str(log.FieldCacheKey, key).Msg("corrupt session snapshot, using store")
		return event.State{}, false
	}
	metrics.IncSessionCache("hit")
	normalize(&st)
	return st, true
}

// Persist saves e.State with the dialog history trimmed to the most recent
// turns. With the cache path it writes the snapshot, queues the relational
// write and returns; otherwise it commits synchronously.
// ignoreContext keeps the stored context and temp data untouched.
func (m *Manager) Persist(ctx context.Context, e *event.Event, ignoreContext bool) error {
	raw, err := json.Marshal(e.State)
	if err != nil {
		return fmt.Errorf("persist %s: encode state: %w", e.SessionID(), err)
	}
	// The queued copy must not alias maps the caller keeps mutating.
	var snapshot event.State
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return fmt.Errorf("persist %s: copy state: %w", e.SessionID(), err)
	}
	normalize(&snapshot)
	snapshot.Session.TrimLastMessages()
	if raw, err = json.Marshal(snapshot); err != nil {
		return fmt.Errorf("persist %s: encode snapshot: %w", e.SessionID(), err)
	}

	ent := entry{
		sessionID:     e.SessionID(),
		botID:         e.BotID,
		channel:       e.Channel,
		target:        e.Target,
		state:         snapshot,
		ignoreContext: ignoreContext,
	}

	if m.cache == nil {
		return m.commit(ctx, []entry{ent})
	}

	key := cache.SessionKey(ent.sessionID)
	if err := m.cache.Set(ctx, key, raw, m.cacheTTL); err != nil {
		logger := m.eventLogger(e)
		logger.Warn().Err(err).Str(log.FieldCacheKey, key).Msg("session cache write failed")
	}
	m.enqueue(ent)
	return nil
}

func (m *Manager) enqueue(ent entry) {
	m.mu.Lock()
	m.nextSeq++
	ent.seq = m.nextSeq
	m.queue = append(m.queue, ent)
	depth := len(m.queue)
	m.mu.Unlock()
	metrics.SetSessionQueueDepth(depth)
}

// Pending returns the number of queued relational writes.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// DeleteSession removes the session row, its cache entry and any queued
// write for it. It waits for an in-flight flush, which may already hold a
// write for sessionID, to finish first.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	kept := m.queue[:0:0]
	for _, ent := range m.queue {
		if ent.sessionID != sessionID {
			kept = append(kept, ent)
		}
	}
	m.queue = kept
	m.mu.Unlock()

	if err := m.sessions.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	m.Invalidate(ctx, sessionID)
	return nil
}

// Invalidate drops the cached snapshot of sessionID, if any.
func (m *Manager) Invalidate(ctx context.Context, sessionID string) {
	if m.cache == nil {
		return
	}
	key := cache.SessionKey(sessionID)
	if err := m.cache.Delete(ctx, key); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldCacheKey, key).Msg("session cache delete failed")
	}
}

func normalize(st *event.State) {
	if st.User == nil {
		st.User = map[string]any{}
	}
	if st.Temp == nil {
		st.Temp = map[string]any{}
	}
	if st.Bot == nil {
		st.Bot = map[string]any{}
	}
	st.Session.Normalize()
}

// stripNulls returns attrs without nil values.
func stripNulls(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
