// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ManuGH/botpipe/internal/event"
	"github.com/ManuGH/botpipe/internal/log"
	"github.com/ManuGH/botpipe/internal/metrics"
)

// lane is the FIFO of one conversation. locked is true while a job of the
// lane is being processed. drained is closed once the lane is both empty and
// unlocked, after which the lane is discarded.
type lane struct {
	items   []*event.Event
	locked  bool
	drained chan struct{}
}

// queue serializes jobs per conversation key. Different keys run in parallel,
// one worker goroutine per non-empty lane.
type queue struct {
	name    string
	process func(context.Context, *event.Event)
	logger  zerolog.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

func newQueue(name string, process func(context.Context, *event.Event)) *queue {
	return &queue{
		name:    name,
		process: process,
		logger:  log.WithComponent("engine").With().Str("queue", name).Logger(),
		lanes:   make(map[string]*lane),
	}
}

func (q *queue) enqueue(ctx context.Context, e *event.Event) error {
	key := e.ConversationKey()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrStopped
	}
	l, ok := q.lanes[key]
	if !ok {
		l = &lane{drained: make(chan struct{})}
		q.lanes[key] = l
		q.wg.Add(1)
		go q.work(ctx, key, l)
	}
	l.items = append(l.items, e)
	active := len(q.lanes)
	q.mu.Unlock()

	metrics.SetQueueActiveLanes(q.name, active)
	return nil
}

func (q *queue) work(ctx context.Context, key string, l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.items) == 0 || ctx.Err() != nil {
			dropped := len(l.items)
			l.items = nil
			l.locked = false
			delete(q.lanes, key)
			close(l.drained)
			active := len(q.lanes)
			q.mu.Unlock()

			metrics.SetQueueActiveLanes(q.name, active)
			if dropped > 0 {
				q.logger.Warn().
					Str(log.FieldConversationKey, key).
					Int("dropped", dropped).
					Msg("queue stopped with pending events")
			}
			return
		}
		e := l.items[0]
		l.items[0] = nil
		l.items = l.items[1:]
		l.locked = true
		q.mu.Unlock()

		q.run(ctx, key, e)

		q.mu.Lock()
		l.locked = false
		q.mu.Unlock()
	}
}

func (q *queue) run(ctx context.Context, key string, e *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncQueueJobFailure(q.name)
			q.logger.Error().
				Str(log.FieldConversationKey, key).
				Str(log.FieldEventID, e.ID).
				Interface("panic", r).
				Msg("queue job panicked")
		}
	}()
	q.process(ctx, e)
}

func (q *queue) isEmpty(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[key]
	return !ok || len(l.items) == 0
}

func (q *queue) isLocked(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[key]
	return ok && l.locked
}

// drained returns a channel closed once the lane of key is empty and unlocked.
func (q *queue) drained(key string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[key]; ok {
		return l.drained
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// close refuses further jobs and waits for the running workers.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
