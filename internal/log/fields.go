// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldBotID           = "bot_id"
	FieldSessionID       = "session_id"
	FieldConversationKey = "conversation_key"
	FieldEventID         = "event_id"
	FieldUserID          = "user_id"
	FieldChannel         = "channel"
	FieldRequestID       = "request_id"

	// Pipeline fields
	FieldEvent      = "event"
	FieldComponent  = "component"
	FieldDirection  = "direction"
	FieldMiddleware = "middleware"
	FieldStatus     = "status"

	// Persistence fields
	FieldBatchSize  = "batch_size"
	FieldQueueDepth = "queue_depth"
	FieldCacheKey   = "cache_key"
)
