package notifier

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/dispatchengine/event"
)

// notifierSchema defines the configuration schema.
var notifierSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the notifier component.
type Config struct {
	// StreamName is the JetStream stream carrying recorded events.
	StreamName string `json:"stream_name" schema:"type:string,description:Stream carrying recorded events,category:basic,default:EVENTS"`

	// ConsumerName is the durable consumer name.
	ConsumerName string `json:"consumer_name" schema:"type:string,description:Durable consumer name,category:basic,default:notifier"`

	// FilterSubject selects recorded events from the stream.
	FilterSubject string `json:"filter_subject" schema:"type:string,description:Subject filter for recorded events,category:basic,default:event.recorded.>"`

	// MaxAttempts bounds delivery attempts per subscription per event.
	MaxAttempts int `json:"max_attempts" schema:"type:int,description:Maximum delivery attempts per event,category:basic,default:3"`

	// InitialDelayMs is the wait before the second attempt; each further
	// attempt doubles it.
	InitialDelayMs int `json:"initial_delay_ms" schema:"type:int,description:Delay before the second attempt in milliseconds,category:basic,default:2000"`

	// AttemptTimeoutMs bounds one outbound POST.
	AttemptTimeoutMs int `json:"attempt_timeout_ms" schema:"type:int,description:Timeout per delivery attempt in milliseconds,category:basic,default:10000"`

	// NotificationHosts lists URL hosts that receive the templated
	// notification payload instead of the raw event body.
	NotificationHosts []string `json:"notification_hosts,omitempty" schema:"type:array,description:Hosts that receive templated notification payloads,category:advanced"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:       event.StreamName,
		ConsumerName:     "notifier",
		FilterSubject:    event.RecordedSubjectPrefix + ".>",
		MaxAttempts:      3,
		InitialDelayMs:   2000,
		AttemptTimeoutMs: 10000,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "recorded-events",
					Type:        "jetstream",
					Subject:     "event.recorded.>",
					StreamName:  event.StreamName,
					Description: "Recorded events to fan out to webhook subscribers",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.FilterSubject == "" {
		return fmt.Errorf("filter_subject is required")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if c.InitialDelayMs <= 0 {
		return fmt.Errorf("initial_delay_ms must be positive")
	}
	if c.AttemptTimeoutMs <= 0 {
		return fmt.Errorf("attempt_timeout_ms must be positive")
	}
	return nil
}

func (c *Config) initialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

func (c *Config) attemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutMs) * time.Millisecond
}
