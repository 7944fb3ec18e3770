// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package event

import (
	"sort"
	"time"
)

// Step scopes used in processing keys.
const (
	ScopeReceived    = "received"
	ScopeStateLoaded = "stateLoaded"
	ScopeMiddleware  = "mw"
	ScopeDialog      = "dialog"
	ScopeCompleted   = "completed"
)

// Step statuses used in processing keys.
const (
	StatusCompleted = "Completed"
	StatusSwallowed = "Swallowed"
	StatusSkipped   = "Skipped"
	StatusTimedOut  = "TimedOut"
	StatusStarted   = "Started"
)

// StepKey formats a processing key as "<scope>:<name>:<status>".
// Empty parts are omitted.
func StepKey(scope, name, status string) string {
	key := scope
	if name != "" {
		key += ":" + name
	}
	if status != "" {
		key += ":" + status
	}
	return key
}

// AddStep records a processing stamp. The trail is append-only: a key that is
// already present keeps its original timestamp and AddStep returns false.
func (e *Event) AddStep(scope, name, status string) bool {
	key := StepKey(scope, name, status)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.processing == nil {
		e.processing = make(map[string]time.Time)
	}
	if _, exists := e.processing[key]; exists {
		return false
	}
	e.processing[key] = time.Now()
	return true
}

// HasStep reports whether the given processing key has been recorded.
func (e *Event) HasStep(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.processing[key]
	return ok
}

// Processing returns a copy of the execution audit trail.
func (e *Event) Processing() map[string]time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]time.Time, len(e.processing))
	for k, v := range e.processing {
		out[k] = v
	}
	return out
}

// Steps returns the recorded processing keys ordered by time of recording.
func (e *Event) Steps() []string {
	trail := e.Processing()
	keys := make([]string, 0, len(trail))
	for k := range trail {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		ti, tj := trail[keys[i]], trail[keys[j]]
		if ti.Equal(tj) {
			return keys[i] < keys[j]
		}
		return ti.Before(tj)
	})
	return keys
}
