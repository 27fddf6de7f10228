package intake

import (
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"
)

// intakeSchema defines the configuration schema.
var intakeSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the intake component.
type Config struct {
	// DefaultTenant is assumed when a submission carries no tenant.
	DefaultTenant string `json:"default_tenant" schema:"type:string,description:Tenant assumed when a submission names none,category:basic,default:default"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTenant: "default",
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "recorded-events",
					Type:        "jetstream",
					Subject:     "event.recorded.>",
					StreamName:  "EVENTS",
					Description: "Lifecycle events recorded for accepted requests",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DefaultTenant == "" {
		return fmt.Errorf("default_tenant is required")
	}
	return nil
}
