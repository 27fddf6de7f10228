// Package delivery closes the request lifecycle. It receives backend
// responses directly or as provider webhooks, persists deliverables,
// runs the quality gate, notifies the queue engine of completion, and
// fires best-effort client callbacks.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/dispatchengine/event"
	"github.com/c360studio/dispatchengine/router"
	"github.com/c360studio/dispatchengine/storage"
)

// Component implements the delivery processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	requests     *storage.RequestStore
	deliverables *storage.DeliverableStore
	httpClient   *http.Client

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	delivered        atomic.Int64
	rejected         atomic.Int64
	parked           atomic.Int64
	callbackFailures atomic.Int64
	lastActivityMu   sync.RWMutex
	lastActivity     time.Time
}

// NewComponent creates a new delivery processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	defaults := DefaultConfig()
	if config.ApproveAbove == 0 {
		config.ApproveAbove = defaults.ApproveAbove
	}
	if config.RejectBelow == 0 {
		config.RejectBelow = defaults.RejectBelow
	}
	if config.CallbackTimeoutMs == 0 {
		config.CallbackTimeoutMs = defaults.CallbackTimeoutMs
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "delivery",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
		httpClient: &http.Client{Timeout: config.callbackTimeout()},
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized delivery",
		"approve_above", c.config.ApproveAbove,
		"reject_below", c.config.RejectBelow)
	return nil
}

// Start opens the request and deliverable stores.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	requests, err := storage.NewRequestStore(subCtx, js)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("open request store: %w", err)
	}
	c.requests = requests

	deliverables, err := storage.NewDeliverableStore(subCtx, js)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("open deliverable store: %w", err)
	}
	c.deliverables = deliverables

	c.logger.Info("delivery started",
		"approve_above", c.config.ApproveAbove,
		"reject_below", c.config.RejectBelow)
	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	c.logger.Info("delivery stopped",
		"delivered", c.delivered.Load(),
		"rejected", c.rejected.Load(),
		"parked", c.parked.Load())
	return nil
}

// engine returns the process-wide queue engine.
func (c *Component) engine() *router.Engine {
	return router.Global()
}

// completeRequest reports the request outcome to the queue engine.
func (c *Component) completeRequest(ctx context.Context, requestID string, success bool, errMsg string, retryable bool, retryAfter time.Duration) {
	engine := c.engine()
	if engine == nil {
		c.logger.Warn("No engine to complete request", "request_id", requestID)
		return
	}
	if _, err := engine.Complete(ctx, requestID, success, errMsg, retryable, retryAfter); err != nil {
		c.logger.Warn("Engine completion failed",
			"request_id", requestID,
			"success", success,
			"error", err)
	}
}

// track records a lifecycle event when the tracker is initialized.
func (c *Component) track(ctx context.Context, e *event.Event) {
	tracker := event.Global()
	if tracker == nil {
		return
	}
	if err := tracker.Track(ctx, e); err != nil {
		c.logger.Warn("Failed to track event", "action", e.Action, "error", err)
	}
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "delivery",
		Type:        "processor",
		Description: "Grades backend responses, runs the quality gate, and closes the request lifecycle",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return deliverySchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}
	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.callbackFailures.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

// IsRunning returns whether the component is running.
func (c *Component) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
