// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api exposes the converse endpoint and the operational endpoints
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/botpipe/internal/converse"
	"github.com/ManuGH/botpipe/internal/event"
	"github.com/ManuGH/botpipe/internal/log"
)

const (
	maxBodyBytes   = 64 << 10
	healthTimeout  = 2 * time.Second
	defaultInclude = "nlu,state,suggestions,decision"
)

// Converser answers converse requests.
type Converser interface {
	SendMessage(ctx context.Context, botID, userID string, payload event.Payload, credentials map[string]any, includedContexts []string) (*converse.ResponseMap, error)
}

// HealthCheck reports the health of one dependency.
type HealthCheck func(ctx context.Context) error

// Options configure a Server.
type Options struct {
	Converse Converser
	// Health checks keyed by dependency name.
	Health map[string]HealthCheck
	// RateLimit is the number of converse requests per client per minute. Zero disables limiting.
	RateLimit int
	// TracingService names the HTTP tracer. Empty disables request spans.
	TracingService string
}

// Server holds the HTTP handlers.
type Server struct {
	router   chi.Router
	converse Converser
	health   map[string]HealthCheck
	logger   zerolog.Logger
}

// New builds the router.
func New(opts Options) *Server {
	s := &Server{
		converse: opts.Converse,
		health:   opts.Health,
		logger:   log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(Metrics)
	if opts.TracingService != "" {
		r.Use(Tracing(opts.TracingService))
	}
	r.Use(AccessLog)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/bots/{botId}", func(r chi.Router) {
		if opts.RateLimit > 0 {
			r.Use(RateLimit(opts.RateLimit, time.Minute))
		}
		r.Post("/converse/{userId}", s.handleConverse)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// converseRequest is a payload plus the converse options sent next to it.
type converseRequest struct {
	payload          event.Payload
	credentials      map[string]any
	includedContexts []string
}

func decodeConverseRequest(w http.ResponseWriter, r *http.Request) (converseRequest, error) {
	var body map[string]json.RawMessage
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		return converseRequest{}, fmt.Errorf("%w: body must be a JSON object", converse.ErrInvalidPayload)
	}

	var req converseRequest
	if raw, ok := body["includedContexts"]; ok {
		if err := json.Unmarshal(raw, &req.includedContexts); err != nil {
			return converseRequest{}, fmt.Errorf("%w: includedContexts must be a list of strings", converse.ErrInvalidPayload)
		}
		delete(body, "includedContexts")
	}
	if raw, ok := body["credentials"]; ok {
		if err := json.Unmarshal(raw, &req.credentials); err != nil {
			return converseRequest{}, fmt.Errorf("%w: credentials must be an object", converse.ErrInvalidPayload)
		}
		delete(body, "credentials")
	}

	req.payload = make(event.Payload, len(body))
	for k, raw := range body {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return converseRequest{}, fmt.Errorf("%w: field %s", converse.ErrInvalidPayload, k)
		}
		req.payload[k] = v
	}
	return req, nil
}

func (s *Server) handleConverse(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "botId")
	userID := chi.URLParam(r, "userId")

	req, err := decodeConverseRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := s.converse.SendMessage(r.Context(), botID, userID, req.payload, req.credentials, req.includedContexts)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			logger := log.WithContext(r.Context(), s.logger)
			logger.Error().Err(err).Str(log.FieldBotID, botID).Str(log.FieldUserID, userID).Msg("converse request failed")
		}
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusOK, filterResponse(resp, r.URL.Query().Get("include")))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, converse.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, converse.ErrConversationBusy):
		return http.StatusConflict
	case errors.Is(err, converse.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// filterResponse keeps the responses plus the sections named in include.
func filterResponse(resp *converse.ResponseMap, include string) *converse.ResponseMap {
	if include == "" {
		include = defaultInclude
	}
	want := map[string]bool{}
	for _, part := range strings.Split(include, ",") {
		want[strings.ToLower(strings.TrimSpace(part))] = true
	}

	out := &converse.ResponseMap{Responses: resp.Responses}
	if want["nlu"] {
		out.NLU = resp.NLU
	}
	if want["state"] {
		out.State = resp.State
	}
	if want["suggestions"] {
		out.Suggestions = resp.Suggestions
	}
	if want["decision"] {
		out.Decision = resp.Decision
	}
	if want["credentials"] {
		out.Credentials = resp.Credentials
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(s.health))
	for name := range s.health {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.health[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			s.logger.Warn().Err(err).Str("check", name).Msg("health check failed")
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
