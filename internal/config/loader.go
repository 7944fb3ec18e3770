// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence ENV > file > defaults.
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{} // Mechanical tracking of consumed keys
}

// NewLoader creates a new configuration loader. An empty configPath loads
// defaults and environment only.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return ParseString(EnvPrefix+key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return ParseBool(EnvPrefix+key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return ParseInt(EnvPrefix+key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return ParseDuration(EnvPrefix+key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[EnvPrefix+key] = struct{}{}
	return ParseFloat(EnvPrefix+key, defaultVal)
}

// Load resolves the configuration: defaults, then the file (strict), then
// the environment, then validation.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := decodeStrictFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.Converse.Timeout = l.envDuration("CONVERSE_TIMEOUT", cfg.Converse.Timeout)
	cfg.Converse.BufferDelayMs = l.envInt("CONVERSE_BUFFER_DELAY_MS", cfg.Converse.BufferDelayMs)
	cfg.Converse.MaxMessageLength = l.envInt("CONVERSE_MAX_MESSAGE_LENGTH", cfg.Converse.MaxMessageLength)

	cfg.Dialog.JanitorInterval = l.envDuration("DIALOG_JANITOR_INTERVAL", cfg.Dialog.JanitorInterval)
	cfg.Dialog.TimeoutInterval = l.envDuration("DIALOG_TIMEOUT_INTERVAL", cfg.Dialog.TimeoutInterval)
	cfg.Dialog.SessionTimeoutInterval = l.envDuration("DIALOG_SESSION_TIMEOUT_INTERVAL", cfg.Dialog.SessionTimeoutInterval)

	cfg.Session.CacheEnabled = l.envBool("SESSION_CACHE_ENABLED", cfg.Session.CacheEnabled)
	cfg.Session.CacheTTL = l.envDuration("SESSION_CACHE_TTL", cfg.Session.CacheTTL)
	cfg.Session.BatchSize = l.envInt("SESSION_BATCH_SIZE", cfg.Session.BatchSize)
	cfg.Session.FlushInterval = l.envDuration("SESSION_FLUSH_INTERVAL", cfg.Session.FlushInterval)

	cfg.Middleware.DefaultTimeout = l.envDuration("MIDDLEWARE_DEFAULT_TIMEOUT", cfg.Middleware.DefaultTimeout)

	cfg.Redis.Addr = l.envString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = l.envString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = l.envInt("REDIS_DB", cfg.Redis.DB)

	cfg.Database.Path = l.envString("DATABASE_PATH", cfg.Database.Path)
	cfg.KVS.Path = l.envString("KVS_PATH", cfg.KVS.Path)

	cfg.HTTP.ListenAddr = l.envString("HTTP_LISTEN_ADDR", cfg.HTTP.ListenAddr)
	cfg.HTTP.RateLimit = l.envInt("HTTP_RATE_LIMIT", cfg.HTTP.RateLimit)

	cfg.Log.Level = l.envString("LOG_LEVEL", cfg.Log.Level)

	cfg.Telemetry.Enabled = l.envBool("TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.ServiceName = l.envString("TELEMETRY_SERVICE_NAME", cfg.Telemetry.ServiceName)
	cfg.Telemetry.Environment = l.envString("TELEMETRY_ENVIRONMENT", cfg.Telemetry.Environment)
	cfg.Telemetry.ExporterType = l.envString("TELEMETRY_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = l.envString("TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = l.envFloat("TELEMETRY_SAMPLING_RATE", cfg.Telemetry.SamplingRate)

	cfg.Bots.Dir = l.envString("BOTS_DIR", cfg.Bots.Dir)
}

// decodeStrictFile decodes a YAML file onto out. Unknown fields, multiple
// documents and non-YAML extensions are rejected.
func decodeStrictFile(path string, out any) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("strict config parse error: %w: %v", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}
