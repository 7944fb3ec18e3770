// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"time"

	"github.com/ManuGH/botpipe/internal/config"
)

// ExpiryPolicy resolves the expiry settings of a bot.
type ExpiryPolicy interface {
	Dialog(botID string) config.DialogSettings
}

// Expiries returns the context and session expiry of botID counted from now.
func Expiries(policy ExpiryPolicy, botID string, now time.Time) (contextExpiry, sessionExpiry time.Time) {
	s := policy.Dialog(botID)
	return now.Add(s.TimeoutInterval), now.Add(s.SessionTimeoutInterval)
}
