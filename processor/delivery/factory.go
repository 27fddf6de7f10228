package delivery

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the delivery component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "delivery",
		Factory:     NewComponent,
		Schema:      deliverySchema,
		Type:        "processor",
		Protocol:    "dispatch",
		Domain:      "dispatch",
		Description: "Grades backend responses, runs the quality gate, and closes the request lifecycle",
		Version:     "0.1.0",
	})
}
