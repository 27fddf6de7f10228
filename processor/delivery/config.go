package delivery

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/dispatchengine/quality"
)

// deliverySchema defines the configuration schema.
var deliverySchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the delivery component.
type Config struct {
	// ApproveAbove auto-approves deliverables scoring at or above it
	// with no issues.
	ApproveAbove float64 `json:"approve_above" schema:"type:float,description:Quality score at or above which a clean deliverable auto-approves,category:basic,default:0.7"`

	// RejectBelow auto-rejects deliverables scoring at or below it.
	RejectBelow float64 `json:"reject_below" schema:"type:float,description:Quality score at or below which a deliverable auto-rejects,category:basic,default:0.3"`

	// CallbackTimeoutMs bounds one client callback attempt.
	CallbackTimeoutMs int `json:"callback_timeout_ms" schema:"type:int,description:Milliseconds allowed per client callback attempt,category:advanced,default:10000"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	t := quality.DefaultThresholds()
	return Config{
		ApproveAbove:      t.ApproveAbove,
		RejectBelow:       t.RejectBelow,
		CallbackTimeoutMs: 10000,
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "recorded-events",
					Type:        "jetstream",
					Subject:     "event.recorded.>",
					StreamName:  "EVENTS",
					Description: "Lifecycle events recorded for graded deliverables",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ApproveAbove < 0 || c.ApproveAbove > 1 {
		return fmt.Errorf("approve_above must be in [0,1]")
	}
	if c.RejectBelow < 0 || c.RejectBelow > 1 {
		return fmt.Errorf("reject_below must be in [0,1]")
	}
	if c.RejectBelow >= c.ApproveAbove {
		return fmt.Errorf("reject_below must be less than approve_above")
	}
	if c.CallbackTimeoutMs <= 0 {
		return fmt.Errorf("callback_timeout_ms must be positive")
	}
	return nil
}

func (c *Config) thresholds() quality.Thresholds {
	return quality.Thresholds{
		ApproveAbove: c.ApproveAbove,
		RejectBelow:  c.RejectBelow,
	}
}

func (c *Config) callbackTimeout() time.Duration {
	return time.Duration(c.CallbackTimeoutMs) * time.Millisecond
}
