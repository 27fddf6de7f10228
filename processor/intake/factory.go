package intake

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the intake component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "intake",
		Factory:     NewComponent,
		Schema:      intakeSchema,
		Type:        "processor",
		Protocol:    "dispatch",
		Domain:      "dispatch",
		Description: "Validates, persists, classifies, and enqueues submitted requests",
		Version:     "0.1.0",
	})
}
