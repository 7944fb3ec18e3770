// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/botpipe/internal/event"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	s, err := NewSqliteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSession(id string, ctxExp, sessExp time.Time) Session {
	return Session{
		ID:            id,
		BotID:         "bot1",
		Context:       event.DialogContext{CurrentFlow: "main.flow.json", CurrentNode: "entry"},
		SessionData:   event.NewSessionData(),
		TempData:      map[string]any{"step": "one"},
		ContextExpiry: ctxExp,
		SessionExpiry: sessExp,
	}
}

func TestSqliteStore_SaveAndGetSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().Truncate(time.Millisecond)
	sess := sampleSession("bot1::web::u1", now.Add(time.Minute), now.Add(time.Hour))
	sess.SessionData.LastMessages = append(sess.SessionData.LastMessages, event.DialogTurn{EventID: "e1", IncomingPreview: "hi"})
	require.NoError(t, s.SaveSession(ctx, &sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "bot1", got.BotID)
	assert.True(t, got.ContextExpiry.Equal(sess.ContextExpiry))
	if diff := cmp.Diff(sess.Context, got.Context); diff != "" {
		t.Errorf("context mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "e1", got.SessionData.LastMessages[0].EventID)
	assert.Equal(t, "one", got.TempData["step"])

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSqliteStore_CommitBatchIgnoreContext(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now()
	stored := sampleSession("bot1::web::u1", now.Add(time.Minute), now.Add(time.Hour))
	require.NoError(t, s.SaveSession(ctx, &stored))

	changed := stored
	changed.Context = event.DialogContext{CurrentFlow: "other.flow.json", CurrentNode: "n9"}
	changed.TempData = map[string]any{"step": "clobbered"}
	changed.SessionData.Vars = map[string]any{"name": "Ann"}

	require.NoError(t, s.CommitBatch(ctx, []Update{{
		Session:        changed,
		IgnoreContext:  true,
		Channel:        "web",
		UserID:         "u1",
		UserAttributes: map[string]any{"language": "en"},
	}}))

	got, err := s.GetSession(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "main.flow.json", got.Context.CurrentFlow)
	assert.Equal(t, "one", got.TempData["step"])
	assert.Equal(t, "Ann", got.SessionData.Vars["name"])

	attrs, err := s.GetUserAttributes(ctx, "web", "u1")
	require.NoError(t, err)
	assert.Equal(t, "en", attrs["language"])

	require.NoError(t, s.CommitBatch(ctx, []Update{{Session: changed}}))
	got, err = s.GetSession(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "other.flow.json", got.Context.CurrentFlow)
	assert.Equal(t, "clobbered", got.TempData["step"])
}

func TestSqliteStore_CommitBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now()
	good := sampleSession("bot1::web::ok", now.Add(time.Minute), now.Add(time.Hour))
	bad := sampleSession("bot1::web::bad", now.Add(time.Minute), now.Add(time.Hour))
	bad.TempData = map[string]any{"fn": func() {}}

	err := s.CommitBatch(ctx, []Update{{Session: good}, {Session: bad}})
	require.Error(t, err)

	_, err = s.GetSession(ctx, good.ID)
	assert.ErrorIs(t, err, ErrNotFound, "a failed batch must not leave partial writes")
}

func TestSqliteStore_ExpiryQueries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now()
	fresh := sampleSession("bot1::web::fresh", now.Add(time.Minute), now.Add(time.Hour))
	stale := sampleSession("bot1::web::stale", now.Add(-time.Minute), now.Add(time.Hour))
	dead := sampleSession("bot1::web::dead", now.Add(-time.Hour), now.Add(-time.Minute))
	for _, sess := range []*Session{&fresh, &stale, &dead} {
		require.NoError(t, s.SaveSession(ctx, sess))
	}

	ids, err := s.GetStaleSessionIDs(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, ids)

	deleted, err := s.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{dead.ID}, deleted)

	_, err = s.GetSession(ctx, dead.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err = s.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestSqliteStore_GetOrCreateUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u, created, err := s.GetOrCreateUser(ctx, "api", "u1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, u.Attributes)

	require.NoError(t, s.UpdateUserAttributes(ctx, "api", "u1", map[string]any{"plan": "pro"}))

	u, created, err = s.GetOrCreateUser(ctx, "api", "u1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "pro", u.Attributes["plan"])

	attrs, err := s.GetUserAttributes(ctx, "api", "nobody")
	require.NoError(t, err)
	assert.Empty(t, attrs)
}
