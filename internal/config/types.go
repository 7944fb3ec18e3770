// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// AppConfig is the platform-wide configuration.
type AppConfig struct {
	Version string `yaml:"-"`

	Converse   ConverseConfig   `yaml:"converse"`
	Dialog     DialogConfig     `yaml:"dialog"`
	Session    SessionConfig    `yaml:"session"`
	Middleware MiddlewareConfig `yaml:"middleware"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	KVS        KVSConfig        `yaml:"kvs"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Bots       BotsConfig       `yaml:"bots"`
}

// ConverseConfig bounds synchronous converse calls.
type ConverseConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	BufferDelayMs    int           `yaml:"bufferDelayMs"`
	MaxMessageLength int           `yaml:"maxMessageLength"`
}

// DialogConfig is the session expiry policy.
type DialogConfig struct {
	JanitorInterval time.Duration `yaml:"janitorInterval"`
	// TimeoutInterval is how long a dialog context survives without activity.
	TimeoutInterval time.Duration `yaml:"timeoutInterval"`
	// SessionTimeoutInterval is how long a whole session survives without activity.
	SessionTimeoutInterval time.Duration `yaml:"sessionTimeoutInterval"`
}

type SessionConfig struct {
	CacheEnabled  bool          `yaml:"cacheEnabled"`
	CacheTTL      time.Duration `yaml:"cacheTTL"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

type MiddlewareConfig struct {
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
}

// RedisConfig selects the distributed cache. An empty Addr with
// session.cacheEnabled uses a process-local cache instead.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// KVSConfig locates the bot-global store. An empty Path keeps it in memory.
type KVSConfig struct {
	Path string `yaml:"path"`
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	// RateLimit is the number of converse requests allowed per client IP and minute.
	RateLimit int `yaml:"rateLimit"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	Environment  string  `yaml:"environment"`
	ExporterType string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

type BotsConfig struct {
	Dir string `yaml:"dir"`
}

// BufferDelay returns BufferDelayMs as a duration.
func (c ConverseConfig) BufferDelay() time.Duration {
	return time.Duration(c.BufferDelayMs) * time.Millisecond
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		Converse: ConverseConfig{
			Timeout:          5 * time.Second,
			BufferDelayMs:    250,
			MaxMessageLength: 360,
		},
		Dialog: DialogConfig{
			JanitorInterval:        10 * time.Second,
			TimeoutInterval:        25 * time.Minute,
			SessionTimeoutInterval: 30 * time.Minute,
		},
		Session: SessionConfig{
			CacheEnabled:  false,
			CacheTTL:      60 * time.Second,
			BatchSize:     100,
			FlushInterval: 300 * time.Millisecond,
		},
		Middleware: MiddlewareConfig{DefaultTimeout: 2 * time.Second},
		Database:   DatabaseConfig{Path: "data/botpipe.db"},
		HTTP:       HTTPConfig{ListenAddr: ":3000", RateLimit: 120},
		Log:        LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			ServiceName:  "botpipe",
			Environment:  "production",
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
		Bots: BotsConfig{Dir: "data/bots"},
	}
}
