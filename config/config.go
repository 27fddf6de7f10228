// Package config provides configuration loading and management for the
// dispatch engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/dispatchengine/quality"
	"github.com/c360studio/dispatchengine/router"
)

// Config is the complete dispatch engine configuration.
type Config struct {
	NATS      NATSConfig               `yaml:"nats"`
	Providers map[string]router.Limits `yaml:"providers"`
	Router    RouterConfig             `yaml:"router"`
	Quality   quality.Thresholds       `yaml:"quality"`
	Webhooks  WebhookConfig            `yaml:"webhooks"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`
}

// RouterConfig configures the queue engine.
type RouterConfig struct {
	// MaxRetries bounds how many times a failed request re-enters its
	// provider queue.
	MaxRetries int `yaml:"max_retries"`

	// TickInterval drives the periodic dispatch pass.
	TickInterval time.Duration `yaml:"tick_interval"`

	// AdapterTimeout reaps in-flight requests whose adapter callback
	// never arrived.
	AdapterTimeout time.Duration `yaml:"adapter_timeout"`
}

// WebhookConfig configures outbound webhook delivery.
type WebhookConfig struct {
	// AttemptTimeout bounds each POST attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// InitialDelay is the wait before the first retry; it doubles per
	// attempt.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// NotificationHosts name the hosts that receive the templated
	// notification-service payload instead of the generic body.
	NotificationHosts []string `yaml:"notification_hosts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Providers: map[string]router.Limits{
			"openai":     {RPMCap: 60, ConcurrentCap: 10, ProcessingTimeMs: 4000},
			"anthropic":  {RPMCap: 60, ConcurrentCap: 10, ProcessingTimeMs: 6000},
			"stability":  {RPMCap: 20, ConcurrentCap: 4, ProcessingTimeMs: 15000},
			"elevenlabs": {RPMCap: 20, ConcurrentCap: 4, ProcessingTimeMs: 10000},
			"runway":     {RPMCap: 5, ConcurrentCap: 2, ProcessingTimeMs: 60000},
			"perplexity": {RPMCap: 30, ConcurrentCap: 5, ProcessingTimeMs: 8000},
		},
		Router: RouterConfig{
			MaxRetries:     3,
			TickInterval:   5 * time.Second,
			AdapterTimeout: 10 * time.Minute,
		},
		Quality: quality.DefaultThresholds(),
		Webhooks: WebhookConfig{
			AttemptTimeout:    30 * time.Second,
			InitialDelay:      2 * time.Second,
			NotificationHosts: []string{"ntfy.sh"},
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Router.MaxRetries < 0 {
		return fmt.Errorf("router.max_retries cannot be negative")
	}
	if c.Router.TickInterval <= 0 {
		return fmt.Errorf("router.tick_interval must be positive")
	}
	if c.Quality.ApproveAbove < c.Quality.RejectBelow {
		return fmt.Errorf("quality.approve_above must be at least quality.reject_below")
	}
	for name, limits := range c.Providers {
		if limits.RPMCap < 0 {
			return fmt.Errorf("providers.%s.rpm_cap cannot be negative", name)
		}
		if limits.ConcurrentCap <= 0 {
			return fmt.Errorf("providers.%s.concurrent_cap must be positive", name)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, layered over the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
