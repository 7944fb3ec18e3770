// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"

	// Event attributes
	BotIDKey           = "bot.id"
	ChannelKey         = "event.channel"
	DirectionKey       = "event.direction"
	EventIDKey         = "event.id"
	ConversationKeyKey = "event.conversation"

	// Middleware attributes
	MiddlewareNameKey   = "middleware.name"
	MiddlewareStatusKey = "middleware.status"

	// Converse attributes
	UserIDKey          = "user.id"
	ConverseOutcomeKey = "converse.outcome"

	// Session attributes
	SessionIDKey = "session.id"
	BatchSizeKey = "session.batch_size"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// EventAttributes creates the routing attributes of one event. Empty values are left out.
func EventAttributes(botID, channel, direction, eventID, conversation string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 5)
	for _, kv := range []struct{ key, value string }{
		{BotIDKey, botID},
		{ChannelKey, channel},
		{DirectionKey, direction},
		{EventIDKey, eventID},
		{ConversationKeyKey, conversation},
	} {
		if kv.value != "" {
			attrs = append(attrs, attribute.String(kv.key, kv.value))
		}
	}
	return attrs
}

// MiddlewareAttributes creates middleware step attributes.
func MiddlewareAttributes(name, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(MiddlewareNameKey, name),
		attribute.String(MiddlewareStatusKey, status),
	}
}

// ConverseAttributes creates converse call attributes.
func ConverseAttributes(botID, userID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(BotIDKey, botID),
		attribute.String(UserIDKey, userID),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
