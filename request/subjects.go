package request

import (
	"fmt"

	"github.com/c360studio/semstreams/natsclient"
)

// StreamName is the JetStream stream carrying adapter notifications.
const StreamName = "DISPATCH"

// Typed subject definitions for the dispatch pipeline.
var (
	// Notify carries ProcessingNotification messages to provider adapters.
	// One token per provider.
	Notify = natsclient.NewSubject[ProcessingNotification](
		"dispatch.notify.*")

	// Enqueue is the request/reply endpoint for external enqueues.
	Enqueue = natsclient.NewSubject[EnqueueRequest](
		"dispatch.router.enqueue")
)

// NotifySubject returns the concrete notify subject for a provider.
func NotifySubject(provider string) string {
	return fmt.Sprintf("dispatch.notify.%s", provider)
}
