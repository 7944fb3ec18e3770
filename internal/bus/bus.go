// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package bus carries pipeline lifecycle notifications between components of
// one process.
package bus

import "context"

// Message is an opaque bus payload.
type Message any

// Topics published by the pipeline.
const (
	// TopicIncomingProcessed carries the *event.Event whose incoming processing finished.
	TopicIncomingProcessed = "event.incoming.processed"
	// TopicActionStarted carries an ActionSignal when a long-running action begins.
	TopicActionStarted = "action.started"
	// TopicActionEnded carries an ActionSignal when that action returns.
	TopicActionEnded = "action.ended"
)

// ActionSignal announces the start or end of a long-running dialog action.
type ActionSignal struct {
	BotID  string
	Target string
	Action string
}

// Bus is a topic based publish/subscribe transport.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string) (Subscriber, error)
}

// Subscriber receives the messages of one topic until closed.
type Subscriber interface {
	C() <-chan Message
	Close() error
}
