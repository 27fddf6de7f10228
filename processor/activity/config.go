package activity

import (
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"
)

// activitySchema defines the configuration schema.
var activitySchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the activity component.
type Config struct {
	// DefaultTenant is assumed when a query names no tenant.
	DefaultTenant string `json:"default_tenant" schema:"type:string,description:Tenant assumed when a query names none,category:basic,default:default"`

	// FeedLimit caps one feed page.
	FeedLimit int `json:"feed_limit" schema:"type:int,description:Maximum feed items per page,category:basic,default:50"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTenant: "default",
		FeedLimit:     50,
		Ports: &component.PortConfig{
			Outputs: []component.PortDefinition{
				{
					Name:        "recorded-events",
					Type:        "jetstream",
					Subject:     "event.recorded.>",
					StreamName:  "EVENTS",
					Description: "Recorded events handed to the webhook notifier",
					Required:    true,
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
	if c.FeedLimit <= 0 {
		return fmt.Errorf("feed_limit must be positive")
	}
	return nil
}
