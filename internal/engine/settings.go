package engine

import (
	"time"

	"ruleengine/internal/config"
	"ruleengine/pkg/retry"
)

const DefaultMaxHops = 1000

// Settings are the rule engine knobs threaded from configuration into every actor.
type Settings struct {
	MaxHops             int
	NodeTimeout         time.Duration
	ExternalCallTimeout time.Duration
	ScriptTimeout       time.Duration
	ChainIdleTimeout    time.Duration
	TenantIdleTimeout   time.Duration
	EvictionInterval    time.Duration
	Retry               retry.Policy
}

func DefaultSettings() Settings {
	return Settings{
		MaxHops:             DefaultMaxHops,
		NodeTimeout:         30 * time.Second,
		ExternalCallTimeout: 10 * time.Second,
		ScriptTimeout:       time.Second,
		ChainIdleTimeout:    5 * time.Minute,
		TenantIdleTimeout:   10 * time.Minute,
		EvictionInterval:    30 * time.Second,
		Retry:               retry.DefaultPolicy(),
	}
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		MaxHops:             cfg.RuleEngine.MaxHops,
		NodeTimeout:         cfg.RuleEngine.NodeTimeout,
		ExternalCallTimeout: cfg.RuleEngine.ExternalCallTimeout,
		ScriptTimeout:       cfg.RuleEngine.ScriptTimeout,
		ChainIdleTimeout:    cfg.RuleEngine.ChainIdleTimeout,
		TenantIdleTimeout:   cfg.RuleEngine.TenantIdleTimeout,
		EvictionInterval:    cfg.RuleEngine.EvictionInterval,
		Retry:               cfg.Retry.Policy(),
	}
}

func (s Settings) normalized() Settings {
	defaults := DefaultSettings()
	if s.MaxHops <= 0 {
		s.MaxHops = defaults.MaxHops
	}
	if s.ExternalCallTimeout <= 0 {
		s.ExternalCallTimeout = defaults.ExternalCallTimeout
	}
	if s.ScriptTimeout <= 0 {
		s.ScriptTimeout = defaults.ScriptTimeout
	}
	if s.ChainIdleTimeout <= 0 {
		s.ChainIdleTimeout = defaults.ChainIdleTimeout
	}
	if s.TenantIdleTimeout <= 0 {
		s.TenantIdleTimeout = defaults.TenantIdleTimeout
	}
	if s.EvictionInterval <= 0 {
		s.EvictionInterval = defaults.EvictionInterval
	}
	return s
}
