package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// adapterNotifications counts dispatch notifications published to
// provider adapters. Served from the activity component's /metrics
// endpoint via the default registry.
var adapterNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatchengine_adapter_notifications_total",
	Help: "Dispatch notifications published to provider adapters.",
}, []string{"provider"})
