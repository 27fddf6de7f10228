package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// webhookDeliveries counts finished delivery ladders by outcome. Served
// from the activity component's /metrics endpoint via the default
// registry.
var webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatchengine_webhook_deliveries_total",
	Help: "Webhook delivery ladders finished, by outcome.",
}, []string{"outcome"})

// webhookAttempts counts individual delivery POSTs.
var webhookAttempts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dispatchengine_webhook_attempts_total",
	Help: "Individual webhook POST attempts.",
})
