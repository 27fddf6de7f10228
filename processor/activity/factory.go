package activity

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the activity component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "activity",
		Factory:     NewComponent,
		Schema:      activitySchema,
		Type:        "processor",
		Protocol:    "dispatch",
		Domain:      "dispatch",
		Description: "Records events, serves the activity feed, and manages webhook subscriptions",
		Version:     "0.1.0",
	})
}
