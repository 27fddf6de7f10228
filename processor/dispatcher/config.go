package dispatcher

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/dispatchengine/router"
)

// dispatcherSchema defines the configuration schema.
var dispatcherSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the dispatcher component.
type Config struct {
	// MaxRetries bounds the retry back edge per request.
	MaxRetries int `json:"max_retries" schema:"type:int,description:Maximum retries per request before it fails,category:basic,default:3"`

	// TickIntervalMs drives the periodic dispatch pass.
	TickIntervalMs int `json:"tick_interval_ms" schema:"type:int,description:Milliseconds between periodic dispatch passes,category:advanced,default:5000"`

	// AdapterTimeoutMs reaps requests stuck in processing.
	AdapterTimeoutMs int `json:"adapter_timeout_ms" schema:"type:int,description:Milliseconds a request may stay in processing before it is failed,category:advanced,default:600000"`

	// SweepIntervalMs drives the pending-request sweep.
	SweepIntervalMs int `json:"sweep_interval_ms" schema:"type:int,description:Milliseconds between sweeps for stranded pending requests,category:advanced,default:30000"`

	// Providers maps provider name to its queue limits. Unlisted providers
	// get the default quota on first use.
	Providers map[string]router.Limits `json:"providers,omitempty" schema:"type:object,description:Per-provider rate and concurrency limits,category:basic"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		TickIntervalMs:   5000,
		AdapterTimeoutMs: 600000,
		SweepIntervalMs:  30000,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "enqueue-requests",
					Type:        "core",
					Subject:     "dispatch.router.enqueue",
					Description: "Request/reply endpoint for external enqueues",
					Required:    false,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "processing-notifications",
					Type:        "jetstream",
					Subject:     "dispatch.notify.*",
					StreamName:  "DISPATCH",
					Description: "Processing notifications consumed by provider adapters",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if c.TickIntervalMs <= 0 {
		return fmt.Errorf("tick_interval_ms must be positive")
	}
	if c.AdapterTimeoutMs <= 0 {
		return fmt.Errorf("adapter_timeout_ms must be positive")
	}
	if c.SweepIntervalMs <= 0 {
		return fmt.Errorf("sweep_interval_ms must be positive")
	}
	for name, limits := range c.Providers {
		if limits.ConcurrentCap <= 0 {
			return fmt.Errorf("provider %s: concurrent_cap must be positive", name)
		}
		if limits.RPMCap < 0 {
			return fmt.Errorf("provider %s: rpm_cap must be non-negative", name)
		}
	}
	return nil
}

func (c *Config) tickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

func (c *Config) adapterTimeout() time.Duration {
	return time.Duration(c.AdapterTimeoutMs) * time.Millisecond
}

func (c *Config) sweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}
