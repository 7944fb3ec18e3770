// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var validExporters = map[string]bool{"grpc": true, "http": true}

// Validate checks cfg and reports every problem found.
func Validate(cfg AppConfig) error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, name, d))
		}
	}

	positive("converse.timeout", cfg.Converse.Timeout)
	if cfg.Converse.BufferDelayMs < 0 {
		errs = append(errs, fmt.Errorf("%w: converse.bufferDelayMs must not be negative", ErrInvalidConfig))
	}
	if cfg.Converse.MaxMessageLength <= 0 {
		errs = append(errs, fmt.Errorf("%w: converse.maxMessageLength must be positive", ErrInvalidConfig))
	}

	positive("dialog.janitorInterval", cfg.Dialog.JanitorInterval)
	positive("dialog.timeoutInterval", cfg.Dialog.TimeoutInterval)
	positive("dialog.sessionTimeoutInterval", cfg.Dialog.SessionTimeoutInterval)

	positive("session.cacheTTL", cfg.Session.CacheTTL)
	positive("session.flushInterval", cfg.Session.FlushInterval)
	if cfg.Session.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: session.batchSize must be positive", ErrInvalidConfig))
	}

	positive("middleware.defaultTimeout", cfg.Middleware.DefaultTimeout)

	if cfg.Database.Path == "" {
		errs = append(errs, fmt.Errorf("%w: database.path is required", ErrInvalidConfig))
	}
	if cfg.HTTP.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("%w: http.listenAddr is required", ErrInvalidConfig))
	}
	if cfg.HTTP.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("%w: http.rateLimit must not be negative", ErrInvalidConfig))
	}

	if cfg.Telemetry.Enabled {
		if !validExporters[strings.ToLower(cfg.Telemetry.ExporterType)] {
			errs = append(errs, fmt.Errorf("%w: telemetry.exporter must be grpc or http, got %q", ErrInvalidConfig, cfg.Telemetry.ExporterType))
		}
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			errs = append(errs, fmt.Errorf("%w: telemetry.samplingRate must be within [0,1]", ErrInvalidConfig))
		}
	}

	return errors.Join(errs...)
}
