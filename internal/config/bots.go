// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/botpipe/internal/log"
)

// BotConfig holds the per-bot overrides read from <bots.dir>/<botId>.yaml.
// Absent fields fall back to the platform configuration.
type BotConfig struct {
	Converse BotConverseConfig `yaml:"converse"`
	Dialog   BotDialogConfig   `yaml:"dialog"`
}

type BotConverseConfig struct {
	Timeout          *time.Duration `yaml:"timeout"`
	BufferDelayMs    *int           `yaml:"bufferDelayMs"`
	MaxMessageLength *int           `yaml:"maxMessageLength"`
}

type BotDialogConfig struct {
	TimeoutInterval        *time.Duration `yaml:"timeoutInterval"`
	SessionTimeoutInterval *time.Duration `yaml:"sessionTimeoutInterval"`
}

func (b BotConfig) validate() error {
	var errs []error
	if d := b.Converse.Timeout; d != nil && *d <= 0 {
		errs = append(errs, fmt.Errorf("%w: converse.timeout must be positive", ErrInvalidConfig))
	}
	if n := b.Converse.BufferDelayMs; n != nil && *n < 0 {
		errs = append(errs, fmt.Errorf("%w: converse.bufferDelayMs must not be negative", ErrInvalidConfig))
	}
	if n := b.Converse.MaxMessageLength; n != nil && *n <= 0 {
		errs = append(errs, fmt.Errorf("%w: converse.maxMessageLength must be positive", ErrInvalidConfig))
	}
	if d := b.Dialog.TimeoutInterval; d != nil && *d <= 0 {
		errs = append(errs, fmt.Errorf("%w: dialog.timeoutInterval must be positive", ErrInvalidConfig))
	}
	if d := b.Dialog.SessionTimeoutInterval; d != nil && *d <= 0 {
		errs = append(errs, fmt.Errorf("%w: dialog.sessionTimeoutInterval must be positive", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

// ConverseSettings are the effective converse values of one bot.
type ConverseSettings struct {
	Timeout          time.Duration
	BufferDelay      time.Duration
	MaxMessageLength int
}

// DialogSettings are the effective expiry values of one bot.
type DialogSettings struct {
	TimeoutInterval        time.Duration
	SessionTimeoutInterval time.Duration
}

// Provider resolves effective settings: a bot override when set, otherwise
// the platform default. It is safe for concurrent use.
type Provider struct {
	platform AppConfig
	dir      string
	logger   zerolog.Logger

	mu   sync.RWMutex
	bots map[string]BotConfig
}

// NewProvider returns a Provider over platform. Bot files are read from
// platform.Bots.Dir by LoadBots.
func NewProvider(platform AppConfig) *Provider {
	return &Provider{
		platform: platform,
		dir:      platform.Bots.Dir,
		logger:   log.WithComponent("config"),
		bots:     make(map[string]BotConfig),
	}
}

// Platform returns the platform configuration.
func (p *Provider) Platform() AppConfig {
	return p.platform
}

// Converse returns the effective converse settings of botID.
func (p *Provider) Converse(botID string) ConverseSettings {
	c := p.platform.Converse
	s := ConverseSettings{
		Timeout:          c.Timeout,
		BufferDelay:      c.BufferDelay(),
		MaxMessageLength: c.MaxMessageLength,
	}
	bot, ok := p.bot(botID)
	if !ok {
		return s
	}
	if v := bot.Converse.Timeout; v != nil {
		s.Timeout = *v
	}
	if v := bot.Converse.BufferDelayMs; v != nil {
		s.BufferDelay = time.Duration(*v) * time.Millisecond
	}
	if v := bot.Converse.MaxMessageLength; v != nil {
		s.MaxMessageLength = *v
	}
	return s
}

// Dialog returns the effective expiry settings of botID.
func (p *Provider) Dialog(botID string) DialogSettings {
	d := p.platform.Dialog
	s := DialogSettings{
		TimeoutInterval:        d.TimeoutInterval,
		SessionTimeoutInterval: d.SessionTimeoutInterval,
	}
	bot, ok := p.bot(botID)
	if !ok {
		return s
	}
	if v := bot.Dialog.TimeoutInterval; v != nil {
		s.TimeoutInterval = *v
	}
	if v := bot.Dialog.SessionTimeoutInterval; v != nil {
		s.SessionTimeoutInterval = *v
	}
	return s
}

// JanitorInterval is platform-wide; the janitor sweeps every bot at once.
func (p *Provider) JanitorInterval() time.Duration {
	return p.platform.Dialog.JanitorInterval
}

// SetBot installs an override for botID.
func (p *Provider) SetBot(botID string, cfg BotConfig) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("bot %s: %w", botID, err)
	}
	p.mu.Lock()
	p.bots[botID] = cfg
	p.mu.Unlock()
	return nil
}

// RemoveBot drops the override of botID.
func (p *Provider) RemoveBot(botID string) {
	p.mu.Lock()
	delete(p.bots, botID)
	p.mu.Unlock()
}

// Bots returns the ids of bots with an override.
func (p *Provider) Bots() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.bots))
	for id := range p.bots {
		ids = append(ids, id)
	}
	return ids
}

func (p *Provider) bot(botID string) (BotConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.bots[botID]
	return b, ok
}

// LoadBots reads every bot file of the bots directory. A missing directory
// is not an error. Invalid files are logged and skipped.
func (p *Provider) LoadBots() error {
	if p.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(p.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read bots dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := p.reloadFile(filepath.Join(p.dir, entry.Name())); err != nil {
			p.logger.Error().Err(err).Str("path", entry.Name()).Msg("skipping invalid bot config")
		}
	}
	return nil
}

// botIDFromPath returns the bot id of a bot file, or "" for other files.
func botIDFromPath(path string) string {
	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))
	if ext != ".yaml" && ext != ".yml" {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// reloadFile applies the bot file at path. A deleted file removes the
// override; an invalid file keeps the previous one.
func (p *Provider) reloadFile(path string) error {
	botID := botIDFromPath(path)
	if botID == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		p.RemoveBot(botID)
		p.logger.Info().Str(log.FieldBotID, botID).Msg("bot config removed")
		return nil
	}

	var cfg BotConfig
	if err := decodeStrictFile(path, &cfg); err != nil {
		return fmt.Errorf("bot %s: %w", botID, err)
	}
	if err := p.SetBot(botID, cfg); err != nil {
		return err
	}
	p.logger.Info().Str(log.FieldBotID, botID).Msg("bot config loaded")
	return nil
}
