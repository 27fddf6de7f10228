// Package dispatcher hosts the queue engine. It restores the engine
// snapshot on start, runs the periodic dispatch tick, sweeps stranded
// pending requests into their queues, and answers enqueue requests from
// external producers over NATS.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/dispatchengine/event"
	"github.com/c360studio/dispatchengine/httpapi"
	"github.com/c360studio/dispatchengine/request"
	"github.com/c360studio/dispatchengine/router"
	"github.com/c360studio/dispatchengine/storage"
)

// Component implements the dispatcher processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	engine   *router.Engine
	requests *storage.RequestStore
	state    *storage.RouterStateStore

	subscription *natsclient.Subscription

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	enqueues       atomic.Int64
	swept          atomic.Int64
	notifyFailures atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewComponent creates a new dispatcher processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	defaults := DefaultConfig()
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.TickIntervalMs == 0 {
		config.TickIntervalMs = defaults.TickIntervalMs
	}
	if config.AdapterTimeoutMs == 0 {
		config.AdapterTimeoutMs = defaults.AdapterTimeoutMs
	}
	if config.SweepIntervalMs == 0 {
		config.SweepIntervalMs = defaults.SweepIntervalMs
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "dispatcher",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized dispatcher",
		"max_retries", c.config.MaxRetries,
		"tick_interval_ms", c.config.TickIntervalMs)
	return nil
}

// Start restores the engine from its snapshot and begins dispatching.
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

	state, err := storage.NewRouterStateStore(subCtx, js)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("open router state store: %w", err)
	}
	c.state = state

	c.engine = router.NewEngine(router.Config{
		ProviderLimits: c.config.Providers,
		MaxRetries:     c.config.MaxRetries,
		AdapterTimeout: c.config.adapterTimeout(),
	}, router.Callbacks{
		Persist:      c.persistRequest,
		SaveSnapshot: c.saveSnapshot,
		Notify:       c.notifyAdapter,
		Track:        c.trackTransition,
	}, c.logger)

	if snap, err := c.state.Load(subCtx); err == nil {
		if err := c.engine.Restore(snap); err != nil {
			c.logger.Error("Snapshot restore failed, starting empty", "error", err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		c.rollbackStart(cancel)
		return fmt.Errorf("load router snapshot: %w", err)
	}

	c.engine.Start(subCtx)
	router.InitGlobal(c.engine)

	sub, err := c.natsClient.SubscribeForRequests(subCtx, request.Enqueue.Pattern, c.handleEnqueueRequest)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("subscribe to %s: %w", request.Enqueue.Pattern, err)
	}
	c.mu.Lock()
	c.subscription = sub
	c.mu.Unlock()

	go c.tickLoop(subCtx)
	go c.sweepLoop(subCtx)

	c.logger.Info("dispatcher started",
		"max_retries", c.config.MaxRetries,
		"providers", len(c.config.Providers))
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
	c.logger.Info("dispatcher stopped",
		"enqueues", c.enqueues.Load(),
		"swept", c.swept.Load(),
		"notify_failures", c.notifyFailures.Load())
	return nil
}

// Engine exposes the hosted engine for wiring (config reload, tests).
func (c *Component) Engine() *router.Engine {
	return c.engine
}

// ApplyLimits pushes reloaded per-provider limits into the engine.
func (c *Component) ApplyLimits(ctx context.Context, limits map[string]router.Limits) {
	for provider, l := range limits {
		if err := c.engine.SetLimits(ctx, provider, l); err != nil {
			c.logger.Warn("Failed to apply limits", "provider", provider, "error", err)
		}
	}
}

// persistRequest writes the request row after each engine transition.
func (c *Component) persistRequest(ctx context.Context, r *request.Request) error {
	return c.requests.Update(ctx, r)
}

func (c *Component) saveSnapshot(ctx context.Context, data []byte) error {
	return c.state.Save(ctx, data)
}

// notifyAdapter publishes the processing notification for a dispatched
// request to its provider's subject.
func (c *Component) notifyAdapter(ctx context.Context, n *request.ProcessingNotification) error {
	baseMsg := message.NewBaseMessage(n.Schema(), n, "dispatcher")
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := request.NotifySubject(n.Provider)
	if err := c.natsClient.PublishToStream(ctx, subject, data); err != nil {
		c.notifyFailures.Add(1)
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	adapterNotifications.WithLabelValues(n.Provider).Inc()
	c.updateLastActivity()
	return nil
}

// trackTransition records a lifecycle event for an engine transition.
func (c *Component) trackTransition(ctx context.Context, action string, r *request.Request) {
	tracker := event.Global()
	if tracker == nil {
		return
	}
	particulars := map[string]any{
		"provider":  r.Provider,
		"task_type": r.TaskType,
	}
	if r.Model != "" {
		particulars["model"] = r.Model
	}
	if r.QueuePosition != nil {
		particulars["queue_position"] = *r.QueuePosition
	}
	if r.RetryCount > 0 {
		particulars["retry_count"] = r.RetryCount
	}
	if r.ErrorMessage != "" {
		particulars["error"] = r.ErrorMessage
	}
	e := &event.Event{
		Tenant:        r.Tenant,
		Action:        action,
		EventableKind: "request",
		EventableID:   r.ID,
		Particulars:   particulars,
	}
	if err := tracker.Track(ctx, e); err != nil {
		c.logger.Warn("Failed to track event", "action", action, "error", err)
	}
}

// tickLoop drives the periodic dispatch pass. The tick rolls rate
// windows, reaps adapter timeouts, and dispatches whatever the limits
// now allow.
func (c *Component) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.engine.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("Dispatch tick failed", "error", err)
			}
		}
	}
}

// sweepLoop re-enqueues requests left pending by a crash between the
// durable write and the engine handoff. Runs once at start, then on the
// sweep interval.
func (c *Component) sweepLoop(ctx context.Context) {
	c.sweepPending(ctx)

	ticker := time.NewTicker(c.config.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepPending(ctx)
		}
	}
}

func (c *Component) sweepPending(ctx context.Context) {
	pending, err := c.requests.ListByState(ctx, request.StatePending)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("Pending sweep failed", "error", err)
		}
		return
	}
	for _, r := range pending {
		if _, err := c.engine.Enqueue(ctx, r); err != nil {
			c.logger.Warn("Failed to enqueue pending request", "request_id", r.ID, "error", err)
			continue
		}
		c.swept.Add(1)
		c.logger.Info("Swept pending request into queue", "request_id", r.ID, "provider", r.Provider)
	}
}

// handleEnqueueRequest answers dispatch.router.enqueue request/reply
// messages from external producers.
func (c *Component) handleEnqueueRequest(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.enqueues.Add(1)
	c.updateLastActivity()

	payload, err := request.ParseMessage[request.EnqueueRequest](data)
	if err != nil {
		return json.Marshal(request.EnqueueReply{Error: "invalid enqueue request: " + err.Error()})
	}
	if err := payload.Validate(); err != nil {
		return json.Marshal(request.EnqueueReply{Error: err.Error()})
	}
	req := payload.Request

	// External producers may not have persisted the row themselves.
	if _, err := c.requests.Get(ctx, req.ID); errors.Is(err, storage.ErrNotFound) {
		if err := c.requests.Create(ctx, req); err != nil {
			return json.Marshal(request.EnqueueReply{RequestID: req.ID, Error: "persist failed: " + err.Error()})
		}
	}

	res, err := c.engine.Enqueue(ctx, req)
	if err != nil {
		return json.Marshal(request.EnqueueReply{RequestID: req.ID, Error: err.Error()})
	}
	return json.Marshal(request.EnqueueReply{
		RequestID:     req.ID,
		QueuePosition: res.QueuePosition,
	})
}

// RegisterHTTPHandlers mounts the router observability surface.
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"state", c.handleState)
	mux.HandleFunc(prefix+"health", c.handleHealth)
}

func (c *Component) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpapi.WriteError(w, http.StatusMethodNotAllowed, httpapi.CodeRouteNotFound, "method not allowed", "")
		return
	}
	snap, err := c.engine.State(r.Context())
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "state query failed", "")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, "", snap)
}

func (c *Component) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpapi.WriteError(w, http.StatusMethodNotAllowed, httpapi.CodeRouteNotFound, "method not allowed", "")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, "", map[string]any{
		"healthy": c.IsRunning(),
	})
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "dispatcher",
		Type:        "processor",
		Description: "Hosts the provider queue engine with rate limits, bounded retry, and snapshot durability",
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
	return dispatcherSchema
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
		ErrorCount: int(c.notifyFailures.Load()),
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
