package notifier

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the notifier component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "notifier",
		Factory:     NewComponent,
		Schema:      notifierSchema,
		Type:        "processor",
		Protocol:    "dispatch",
		Domain:      "dispatch",
		Description: "Delivers recorded events to webhook subscribers with signed, bounded-retry POSTs",
		Version:     "0.1.0",
	})
}
