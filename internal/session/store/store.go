// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package store is the relational store of record for dialog sessions and
// channel users.
package store

import (
	"errors"
	"time"

	"github.com/ManuGH/botpipe/internal/event"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Session is one persisted dialog session row.
type Session struct {
	ID            string
	BotID         string
	Context       event.DialogContext
	SessionData   event.SessionData
	TempData      map[string]any
	ContextExpiry time.Time
	SessionExpiry time.Time
	CreatedOn     time.Time
	ModifiedOn    time.Time
}

// User is one channel user row.
type User struct {
	Channel    string
	UserID     string
	Attributes map[string]any
	CreatedOn  time.Time
	UpdatedOn  time.Time
}

// Update is one entry of a batch commit.
type Update struct {
	Session Session
	// IgnoreContext leaves the stored context and temp data untouched.
	IgnoreContext bool
	// Channel and UserID address the user whose attributes are written.
	// An empty UserID skips the user update.
	Channel        string
	UserID         string
	UserAttributes map[string]any
}
