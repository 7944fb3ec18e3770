// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/botpipe/internal/persistence/sqlite"
)

var migrations = []sqlite.Migration{
	{Version: 1, Apply: func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dialog_sessions (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			context TEXT NOT NULL,
			session_data TEXT NOT NULL,
			temp_data TEXT NOT NULL,
			context_expiry_ms INTEGER NOT NULL,
			session_expiry_ms INTEGER NOT NULL,
			created_on_ms INTEGER NOT NULL,
			modified_on_ms INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_dialog_sessions_context_expiry ON dialog_sessions(context_expiry_ms);
		CREATE INDEX IF NOT EXISTS idx_dialog_sessions_session_expiry ON dialog_sessions(session_expiry_ms);

		CREATE TABLE IF NOT EXISTS srv_channel_users (
			channel TEXT NOT NULL,
			user_id TEXT NOT NULL,
			attributes TEXT NOT NULL,
			created_on_ms INTEGER NOT NULL,
			updated_on_ms INTEGER NOT NULL,
			PRIMARY KEY (channel, user_id)
		);
		`)
		return err
	}},
}

// SqliteStore persists sessions and users in SQLite.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore opens dbPath and migrates its schema.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := sqlite.Migrate(context.Background(), db, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

// --- Sessions ---

// GetSession returns the row id or ErrNotFound.
func (s *SqliteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, bot_id, context, session_data, temp_data, context_expiry_ms, session_expiry_ms, created_on_ms, modified_on_ms
		FROM dialog_sessions WHERE id = ?`, id)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                            Session
		ctxJSON, dataJSON, tempJSON     string
		ctxExp, sessExp, created, modif int64
	)
	err := row.Scan(&sess.ID, &sess.BotID, &ctxJSON, &dataJSON, &tempJSON, &ctxExp, &sessExp, &created, &modif)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(ctxJSON), &sess.Context); err != nil {
		return nil, fmt.Errorf("session %s: decode context: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(dataJSON), &sess.SessionData); err != nil {
		return nil, fmt.Errorf("session %s: decode session data: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(tempJSON), &sess.TempData); err != nil {
		return nil, fmt.Errorf("session %s: decode temp data: %w", sess.ID, err)
	}
	sess.SessionData.Normalize()
	if sess.TempData == nil {
		sess.TempData = map[string]any{}
	}
	sess.ContextExpiry = msToTime(ctxExp)
	sess.SessionExpiry = msToTime(sessExp)
	sess.CreatedOn = msToTime(created)
	sess.ModifiedOn = msToTime(modif)
	return &sess, nil
}

type encodedSession struct {
	context, data, temp string
}

func encodeSession(sess *Session) (encodedSession, error) {
	ctxJSON, err := json.Marshal(sess.Context)
	if err != nil {
		return encodedSession{}, fmt.Errorf("encode context: %w", err)
	}
	data := sess.SessionData
	data.Normalize()
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return encodedSession{}, fmt.Errorf("encode session data: %w", err)
	}
	temp := sess.TempData
	if temp == nil {
		temp = map[string]any{}
	}
	tempJSON, err := json.Marshal(temp)
	if err != nil {
		return encodedSession{}, fmt.Errorf("encode temp data: %w", err)
	}
	return encodedSession{context: string(ctxJSON), data: string(dataJSON), temp: string(tempJSON)}, nil
}

const upsertSessionQuery = `
	INSERT INTO dialog_sessions (
		id, bot_id, context, session_data, temp_data, context_expiry_ms, session_expiry_ms, created_on_ms, modified_on_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		context = excluded.context,
		session_data = excluded.session_data,
		temp_data = excluded.temp_data,
		context_expiry_ms = excluded.context_expiry_ms,
		session_expiry_ms = excluded.session_expiry_ms,
		modified_on_ms = excluded.modified_on_ms
	`

// upsertSessionKeepContextQuery never overwrites context or temp_data of an
// existing row. A new row starts with the values supplied.
const upsertSessionKeepContextQuery = `
	INSERT INTO dialog_sessions (
		id, bot_id, context, session_data, temp_data, context_expiry_ms, session_expiry_ms, created_on_ms, modified_on_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		session_data = excluded.session_data,
		context_expiry_ms = excluded.context_expiry_ms,
		session_expiry_ms = excluded.session_expiry_ms,
		modified_on_ms = excluded.modified_on_ms
	`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putSession(ctx context.Context, x execer, sess *Session, ignoreContext bool, now time.Time) error {
	enc, err := encodeSession(sess)
	if err != nil {
		return fmt.Errorf("session %s: %w", sess.ID, err)
	}
	query := upsertSessionQuery
	if ignoreContext {
		query = upsertSessionKeepContextQuery
	}
	created := sess.CreatedOn
	if created.IsZero() {
		created = now
	}
	_, err = x.ExecContext(ctx, query,
		sess.ID, sess.BotID, enc.context, enc.data, enc.temp,
		timeToMs(sess.ContextExpiry), timeToMs(sess.SessionExpiry), timeToMs(created), timeToMs(now),
	)
	return err
}

// SaveSession writes every column of sess.
func (s *SqliteStore) SaveSession(ctx context.Context, sess *Session) error {
	return putSession(ctx, s.DB, sess, false, time.Now())
}

// CommitBatch writes all updates in one transaction. Either every update is
// stored or none is.
func (s *SqliteStore) CommitBatch(ctx context.Context, updates []Update) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for i := range updates {
		u := &updates[i]
		if u.UserID != "" {
			if err := putUserAttributes(ctx, tx, u.Channel, u.UserID, u.UserAttributes, now); err != nil {
				return fmt.Errorf("user %s/%s: %w", u.Channel, u.UserID, err)
			}
		}
		if err := putSession(ctx, tx, &u.Session, u.IgnoreContext, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteSession removes the row id. Deleting a missing row is not an error.
func (s *SqliteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM dialog_sessions WHERE id = ?", id)
	return err
}

// DeleteExpiredSessions removes every session whose session expiry is at or
// before now and returns their ids.
func (s *SqliteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ids, err := queryIDs(ctx, tx, "SELECT id FROM dialog_sessions WHERE session_expiry_ms <= ?", timeToMs(now))
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM dialog_sessions WHERE session_expiry_ms <= ?", timeToMs(now)); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}

// GetStaleSessionIDs returns sessions whose context expired at or before now
// while the session itself is still alive.
func (s *SqliteStore) GetStaleSessionIDs(ctx context.Context, now time.Time) ([]string, error) {
	ms := timeToMs(now)
	return queryIDs(ctx, s.DB,
		"SELECT id FROM dialog_sessions WHERE context_expiry_ms <= ? AND session_expiry_ms > ? ORDER BY context_expiry_ms",
		ms, ms)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryIDs(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Users ---

// GetOrCreateUser returns the user, creating it with empty attributes when
// absent. created reports whether a row was inserted.
func (s *SqliteStore) GetOrCreateUser(ctx context.Context, channel, userID string) (*User, bool, error) {
	now := timeToMs(time.Now())
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO srv_channel_users (channel, user_id, attributes, created_on_ms, updated_on_ms)
		VALUES (?, ?, '{}', ?, ?)
		ON CONFLICT(channel, user_id) DO NOTHING`, channel, userID, now, now)
	if err != nil {
		return nil, false, err
	}
	n, _ := res.RowsAffected()

	u, err := s.GetUser(ctx, channel, userID)
	if err != nil {
		return nil, false, err
	}
	return u, n > 0, nil
}

// GetUser returns the user row or ErrNotFound.
func (s *SqliteStore) GetUser(ctx context.Context, channel, userID string) (*User, error) {
	var (
		u                User
		attrs            string
		created, updated int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT channel, user_id, attributes, created_on_ms, updated_on_ms
		FROM srv_channel_users WHERE channel = ? AND user_id = ?`, channel, userID).
		Scan(&u.Channel, &u.UserID, &attrs, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrs), &u.Attributes); err != nil {
		return nil, fmt.Errorf("user %s/%s: decode attributes: %w", channel, userID, err)
	}
	if u.Attributes == nil {
		u.Attributes = map[string]any{}
	}
	u.CreatedOn = msToTime(created)
	u.UpdatedOn = msToTime(updated)
	return &u, nil
}

// GetUserAttributes returns the attributes of a user, or an empty map when
// the user does not exist.
func (s *SqliteStore) GetUserAttributes(ctx context.Context, channel, userID string) (map[string]any, error) {
	u, err := s.GetUser(ctx, channel, userID)
	if errors.Is(err, ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	return u.Attributes, nil
}

// UpdateUserAttributes replaces the attributes of a user, creating it if needed.
func (s *SqliteStore) UpdateUserAttributes(ctx context.Context, channel, userID string, attrs map[string]any) error {
	return putUserAttributes(ctx, s.DB, channel, userID, attrs, time.Now())
}

func putUserAttributes(ctx context.Context, x execer, channel, userID string, attrs map[string]any, now time.Time) error {
	if attrs == nil {
		attrs = map[string]any{}
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	ms := timeToMs(now)
	_, err = x.ExecContext(ctx, `
		INSERT INTO srv_channel_users (channel, user_id, attributes, created_on_ms, updated_on_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel, user_id) DO UPDATE SET
			attributes = excluded.attributes,
			updated_on_ms = excluded.updated_on_ms`,
		channel, userID, string(raw), ms, ms)
	return err
}

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
