// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"context"
	"time"

	"github.com/ManuGH/botpipe/internal/log"
	"github.com/ManuGH/botpipe/internal/metrics"
	"github.com/ManuGH/botpipe/internal/session/store"
)

const finalFlushTimeout = 5 * time.Second

// Run flushes the write-behind queue every flush interval until ctx is
// done, then drains what is left.
func (m *Manager) Run(ctx context.Context) error {
	if m.cache == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.flushInterval).Int(log.FieldBatchSize, m.batchSize).Msg("session flush loop started")

	for {
		select {
		case <-ctx.Done():
			m.drain()
			return nil
		case <-ticker.C:
			_ = m.FlushOnce(ctx)
		}
	}
}

func (m *Manager) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	for m.Pending() > 0 {
		if err := m.FlushOnce(ctx); err != nil || ctx.Err() != nil {
			m.logger.Error().Int(log.FieldQueueDepth, m.Pending()).Msg("session flush loop stopped with pending writes")
			return
		}
	}
}

// FlushOnce commits up to one batch of queued writes in a single
// transaction. It returns immediately when another flush or a delete is in
// flight. On failure the batch stays queued for the next call.
func (m *Manager) FlushOnce(ctx context.Context) error {
	if !m.flushMu.TryLock() {
		metrics.IncSessionFlush("skipped_inflight")
		return nil
	}
	defer m.flushMu.Unlock()

	m.mu.Lock()
	n := min(len(m.queue), m.batchSize)
	batch := make([]entry, n)
	copy(batch, m.queue[:n])
	m.mu.Unlock()

	if n == 0 {
		return nil
	}

	if err := m.commit(ctx, batch); err != nil {
		metrics.IncSessionFlush("failed")
		m.logger.Error().Err(err).Int(log.FieldBatchSize, n).Msg("session batch flush failed, retrying next tick")
		return err
	}

	last := batch[n-1].seq
	m.mu.Lock()
	i := 0
	for i < len(m.queue) && m.queue[i].seq <= last {
		i++
	}
	m.queue = append(m.queue[:0:0], m.queue[i:]...)
	depth := len(m.queue)
	m.mu.Unlock()

	metrics.IncSessionFlush("committed")
	metrics.ObserveSessionFlushBatch(n)
	metrics.SetSessionQueueDepth(depth)
	return nil
}

// commit writes entries to the relational store in one transaction, then
// stores the bot-global scope of each bot touched.
func (m *Manager) commit(ctx context.Context, entries []entry) error {
	now := m.now()
	updates := make([]store.Update, 0, len(entries))
	for _, ent := range entries {
		st := ent.state
		st.Session.TrimLastMessages()
		ctxExp, sessExp := Expiries(m.policy, ent.botID, now)

		updates = append(updates, store.Update{
			Session: store.Session{
				ID:            ent.sessionID,
				BotID:         ent.botID,
				Context:       st.Context,
				SessionData:   st.Session,
				TempData:      st.Temp,
				ContextExpiry: ctxExp,
				SessionExpiry: sessExp,
			},
			IgnoreContext:  ent.ignoreContext,
			Channel:        ent.channel,
			UserID:         ent.target,
			UserAttributes: stripNulls(st.User),
		})
	}

	if err := m.sessions.CommitBatch(ctx, updates); err != nil {
		return err
	}

	if m.bots == nil {
		return nil
	}
	latest := make(map[string]map[string]any)
	for _, ent := range entries {
		latest[ent.botID] = ent.state.Bot
	}
	for botID, state := range latest {
		if err := m.bots.SetBotState(ctx, botID, state); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldBotID, botID).Msg("bot state write failed")
		}
	}
	return nil
}
