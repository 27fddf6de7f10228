// Package router implements the queue engine: per-provider priority
// queues, per-minute rate limits, concurrency caps, bounded retry, and
// snapshot durability.
//
// The engine is a single logical writer. One goroutine owns the request
// map and every provider queue; all mutators send a command message and
// await the reply. Readers go through the same channel, so every answer
// reflects a consistent state.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/dispatchengine/request"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine errors surfaced to callers.
var (
	ErrUnknownRequest = errors.New("unknown request")
	ErrInvalidState   = errors.New("invalid state for operation")
)

var (
	dispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchengine_router_dispatches_total",
		Help: "Requests handed to a provider adapter, by provider.",
	}, []string{"provider"})

	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchengine_router_completions_total",
		Help: "Requests leaving processing, by outcome.",
	}, []string{"outcome"})
)

// Callbacks connect the engine to the outside world. The engine itself
// never touches NATS or HTTP; it calls these from the dispatcher
// goroutine after each mutation.
type Callbacks struct {
	// Persist writes the request row after a state change.
	Persist func(ctx context.Context, r *request.Request) error

	// SaveSnapshot stores the serialized engine state.
	SaveSnapshot func(ctx context.Context, data []byte) error

	// Notify emits the processing notification for a dispatched request.
	// A notify failure does not regress the request; it resolves through
	// the complete path like any other processing failure.
	Notify func(ctx context.Context, n *request.ProcessingNotification) error

	// Track records a lifecycle event.
	Track func(ctx context.Context, action string, r *request.Request)
}

// Config holds the engine's tunables.
type Config struct {
	Defaults       Limits
	ProviderLimits map[string]Limits
	MaxRetries     int
	AdapterTimeout time.Duration

	// Now is the clock. Tests inject a fake; nil means time.Now.
	Now func() time.Time
}

// EnqueueResult is the reply to an enqueue.
type EnqueueResult struct {
	QueuePosition   int
	EstimatedWaitMs int64
}

// StatusInfo is the reply to a status query.
type StatusInfo struct {
	State         request.State
	QueuePosition int
	RetryCount    int
	ErrorMessage  string
}

// ProviderState is one provider's observability snapshot.
type ProviderState struct {
	Provider    string    `json:"provider"`
	QueueLength int       `json:"queue_length"`
	InFlight    int       `json:"in_flight"`
	RPMUsed     int       `json:"rpm_used"`
	WindowStart time.Time `json:"window_start"`
	Limits      Limits    `json:"limits"`
}

// StateSnapshot is the full observability view.
type StateSnapshot struct {
	RequestCounts map[request.State]int `json:"request_counts"`
	Providers     []ProviderState       `json:"providers"`
}

type command interface{}

type enqueueCmd struct {
	req   *request.Request
	reply chan cmdReply[EnqueueResult]
}

type statusCmd struct {
	id    string
	reply chan cmdReply[StatusInfo]
}

type cancelCmd struct {
	id    string
	reply chan cmdReply[request.State]
}

type completeCmd struct {
	id         string
	success    bool
	errMsg     string
	retryable  bool
	retryAfter time.Duration
	reply      chan cmdReply[request.State]
}

type stateCmd struct {
	reply chan cmdReply[StateSnapshot]
}

type tickCmd struct {
	reply chan cmdReply[struct{}]
}

type setLimitsCmd struct {
	provider string
	limits   Limits
	reply    chan cmdReply[struct{}]
}

type cmdReply[T any] struct {
	val T
	err error
}

// Engine is the single-writer queue engine.
type Engine struct {
	cfg    Config
	cb     Callbacks
	logger *slog.Logger
	now    func() time.Time

	cmds    chan command
	running chan struct{}

	// Owned by the dispatcher goroutine after Start.
	requests map[string]*request.Request
	queues   map[string]*providerQueue
}

// NewEngine builds an engine. Call Restore before Start to replay a
// snapshot, then Start to begin dispatching.
func NewEngine(cfg Config, cb Callbacks, logger *slog.Logger) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 10 * time.Minute
	}
	if cfg.Defaults == (Limits{}) {
		cfg.Defaults = DefaultLimits()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		cb:       cb,
		logger:   logger,
		now:      cfg.Now,
		cmds:     make(chan command, 64),
		running:  make(chan struct{}),
		requests: make(map[string]*request.Request),
		queues:   make(map[string]*providerQueue),
	}
}

// Start launches the dispatcher goroutine. It returns once the loop is
// accepting commands; the loop exits when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
	<-e.running
}

func (e *Engine) run(ctx context.Context) {
	close(e.running)
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-e.cmds:
			e.apply(ctx, c)
		}
	}
}

func (e *Engine) apply(ctx context.Context, c command) {
	switch c := c.(type) {
	case enqueueCmd:
		res, err := e.handleEnqueue(ctx, c.req)
		c.reply <- cmdReply[EnqueueResult]{val: res, err: err}
	case statusCmd:
		res, err := e.handleStatus(c.id)
		c.reply <- cmdReply[StatusInfo]{val: res, err: err}
	case cancelCmd:
		res, err := e.handleCancel(ctx, c.id)
		c.reply <- cmdReply[request.State]{val: res, err: err}
	case completeCmd:
		res, err := e.handleComplete(ctx, c)
		c.reply <- cmdReply[request.State]{val: res, err: err}
	case stateCmd:
		c.reply <- cmdReply[StateSnapshot]{val: e.handleState()}
	case tickCmd:
		e.handleTick(ctx)
		c.reply <- cmdReply[struct{}]{}
	case setLimitsCmd:
		e.handleSetLimits(ctx, c.provider, c.limits)
		c.reply <- cmdReply[struct{}]{}
	}
}

func send[T any](ctx context.Context, e *Engine, c command, reply chan cmdReply[T]) (T, error) {
	var zero T
	select {
	case e.cmds <- c:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Enqueue places a request into its provider queue and returns the
// 1-based position and a wait estimate. The request must be pending or
// queued-after-restore; the engine transitions it to queued.
func (e *Engine) Enqueue(ctx context.Context, r *request.Request) (EnqueueResult, error) {
	reply := make(chan cmdReply[EnqueueResult], 1)
	return send(ctx, e, enqueueCmd{req: r, reply: reply}, reply)
}

// Status returns the live state and queue position of a request.
func (e *Engine) Status(ctx context.Context, id string) (StatusInfo, error) {
	reply := make(chan cmdReply[StatusInfo], 1)
	return send(ctx, e, statusCmd{id: id, reply: reply}, reply)
}

// Cancel removes a queued request from its provider queue atomically with
// the state transition. In-flight requests are refused with
// ErrInvalidState; the router does not abort remote work.
func (e *Engine) Cancel(ctx context.Context, id string) (request.State, error) {
	reply := make(chan cmdReply[request.State], 1)
	return send(ctx, e, cancelCmd{id: id, reply: reply}, reply)
}

// Complete closes one processing attempt. On failure with a retryable
// error and retry budget left, the request goes back to the FRONT of its
// provider queue; otherwise it becomes failed. The concurrency slot is
// released in every branch. retryAfter, when positive, defers the
// provider's next dispatch (429 Retry-After).
func (e *Engine) Complete(ctx context.Context, id string, success bool, errMsg string, retryable bool, retryAfter time.Duration) (request.State, error) {
	reply := make(chan cmdReply[request.State], 1)
	return send(ctx, e, completeCmd{
		id:         id,
		success:    success,
		errMsg:     errMsg,
		retryable:  retryable,
		retryAfter: retryAfter,
		reply:      reply,
	}, reply)
}

// State returns the observability snapshot.
func (e *Engine) State(ctx context.Context) (StateSnapshot, error) {
	reply := make(chan cmdReply[StateSnapshot], 1)
	return send(ctx, e, stateCmd{reply: reply}, reply)
}

// Tick rolls rate windows, reaps adapter timeouts, and dispatches.
func (e *Engine) Tick(ctx context.Context) error {
	reply := make(chan cmdReply[struct{}], 1)
	_, err := send(ctx, e, tickCmd{reply: reply}, reply)
	return err
}

// SetLimits replaces one provider's quota at runtime.
func (e *Engine) SetLimits(ctx context.Context, provider string, limits Limits) error {
	reply := make(chan cmdReply[struct{}], 1)
	_, err := send(ctx, e, setLimitsCmd{provider: provider, limits: limits, reply: reply}, reply)
	return err
}

// ---------------------------------------------------------------------------
// Dispatcher-side handlers. Everything below runs on the engine goroutine.
// ---------------------------------------------------------------------------

func (e *Engine) queueFor(provider string) *providerQueue {
	q, ok := e.queues[provider]
	if ok {
		return q
	}
	limits, ok := e.cfg.ProviderLimits[provider]
	if !ok {
		// Unrecognized providers get a default-quota queue on demand.
		limits = e.cfg.Defaults
		e.logger.Info("Creating default-quota queue", "provider", provider)
	}
	q = newProviderQueue(provider, limits, e.now())
	e.queues[provider] = q
	return q
}

func (e *Engine) handleEnqueue(ctx context.Context, r *request.Request) (EnqueueResult, error) {
	if r.Provider == "" {
		return EnqueueResult{}, fmt.Errorf("request %s has no provider", r.ID)
	}
	if existing, ok := e.requests[r.ID]; ok && !existing.State.IsTerminal() {
		// Idempotent re-enqueue: report the live position, no duplicate insert.
		info, err := e.handleStatus(r.ID)
		if err != nil {
			return EnqueueResult{}, err
		}
		q := e.queueFor(existing.Provider)
		return EnqueueResult{
			QueuePosition:   info.QueuePosition,
			EstimatedWaitMs: q.estimatedWaitMs(info.QueuePosition),
		}, nil
	}

	if r.MaxRetries == 0 {
		r.MaxRetries = e.cfg.MaxRetries
	}
	if r.State == request.StatePending {
		if err := r.Transition(request.StateQueued); err != nil {
			return EnqueueResult{}, err
		}
	}
	if r.State != request.StateQueued {
		return EnqueueResult{}, fmt.Errorf("%w: cannot enqueue from %s", ErrInvalidState, r.State)
	}

	e.requests[r.ID] = r
	q := e.queueFor(r.Provider)
	pos := q.insert(r.ID, r.Hints.Priority)
	r.QueuePosition = &pos

	e.persist(ctx, r)
	e.track(ctx, "request.queued", r)

	e.dispatch(ctx)
	e.saveSnapshot(ctx)

	// Recompute: dispatch may have consumed the head.
	livePos := q.position(r.ID)
	if livePos == 0 {
		livePos = pos
	}
	return EnqueueResult{
		QueuePosition:   livePos,
		EstimatedWaitMs: q.estimatedWaitMs(livePos),
	}, nil
}

func (e *Engine) handleStatus(id string) (StatusInfo, error) {
	r, ok := e.requests[id]
	if !ok {
		return StatusInfo{}, ErrUnknownRequest
	}
	info := StatusInfo{
		State:        r.State,
		RetryCount:   r.RetryCount,
		ErrorMessage: r.ErrorMessage,
	}
	if r.State == request.StateQueued {
		if q, ok := e.queues[r.Provider]; ok {
			info.QueuePosition = q.position(id)
		}
	}
	return info, nil
}

func (e *Engine) handleCancel(ctx context.Context, id string) (request.State, error) {
	r, ok := e.requests[id]
	if !ok {
		return "", ErrUnknownRequest
	}
	if r.State == request.StateCancelled {
		// Idempotent: repeated cancel leaves state at cancelled.
		return request.StateCancelled, nil
	}
	if r.State != request.StatePending && r.State != request.StateQueued {
		return r.State, ErrInvalidState
	}

	// Queue removal is atomic with the transition: both happen on the
	// dispatcher goroutine before any other command is applied.
	if q, ok := e.queues[r.Provider]; ok {
		q.remove(id)
	}
	if err := r.Transition(request.StateCancelled); err != nil {
		return r.State, err
	}
	e.persist(ctx, r)
	e.track(ctx, "request.cancelled", r)
	e.saveSnapshot(ctx)
	return request.StateCancelled, nil
}

func (e *Engine) handleComplete(ctx context.Context, c completeCmd) (request.State, error) {
	r, ok := e.requests[c.id]
	if !ok {
		return "", ErrUnknownRequest
	}
	if r.State != request.StateProcessing {
		return r.State, ErrInvalidState
	}

	q := e.queueFor(r.Provider)
	// Release the concurrency slot regardless of outcome.
	q.releaseInFlight(c.id)

	if c.retryAfter > 0 {
		q.DeferUntil = e.now().Add(c.retryAfter)
	}

	var outcome string
	switch {
	case c.success:
		if err := r.Transition(request.StateCompleted); err != nil {
			return r.State, err
		}
		r.ErrorMessage = ""
		outcome = "completed"
		e.track(ctx, "request.completed", r)

	case c.retryable && r.RetryCount < r.MaxRetries:
		r.RetryCount++
		r.ErrorMessage = c.errMsg
		if err := r.Transition(request.StateQueued); err != nil {
			return r.State, err
		}
		// Retries skip the back of the queue.
		q.pushFront(r.ID, r.Hints.Priority)
		outcome = "retried"
		e.track(ctx, "request.retried", r)

	default:
		r.ErrorMessage = c.errMsg
		if err := r.Transition(request.StateFailed); err != nil {
			return r.State, err
		}
		outcome = "failed"
		e.track(ctx, "request.failed", r)
	}

	completionsTotal.WithLabelValues(outcome).Inc()
	e.persist(ctx, r)
	e.dispatch(ctx)
	e.saveSnapshot(ctx)
	return r.State, nil
}

func (e *Engine) handleState() StateSnapshot {
	snap := StateSnapshot{
		RequestCounts: make(map[request.State]int),
	}
	for _, r := range e.requests {
		snap.RequestCounts[r.State]++
	}
	for _, q := range e.queues {
		snap.Providers = append(snap.Providers, ProviderState{
			Provider:    q.Provider,
			QueueLength: len(q.Entries),
			InFlight:    len(q.InFlight),
			RPMUsed:     q.Bucket.Count,
			WindowStart: q.Bucket.WindowStart,
			Limits:      q.Limits,
		})
	}
	return snap
}

func (e *Engine) handleTick(ctx context.Context) {
	e.reapAdapterTimeouts(ctx)
	e.dispatch(ctx)
	e.saveSnapshot(ctx)
}

func (e *Engine) handleSetLimits(ctx context.Context, provider string, limits Limits) {
	if e.cfg.ProviderLimits == nil {
		e.cfg.ProviderLimits = make(map[string]Limits)
	}
	e.cfg.ProviderLimits[provider] = limits
	if q, ok := e.queues[provider]; ok {
		q.Limits = limits
	}
	e.logger.Info("Provider limits updated",
		"provider", provider,
		"rpm_cap", limits.RPMCap,
		"concurrent_cap", limits.ConcurrentCap)
	e.dispatch(ctx)
}

// reapAdapterTimeouts fails in-flight requests whose adapter callback
// never arrived within the configured deadline.
func (e *Engine) reapAdapterTimeouts(ctx context.Context) {
	now := e.now()
	for _, q := range e.queues {
		var stale []string
		for _, f := range q.InFlight {
			if now.Sub(f.StartedAt) >= e.cfg.AdapterTimeout {
				stale = append(stale, f.ID)
			}
		}
		for _, id := range stale {
			r, ok := e.requests[id]
			if !ok {
				q.releaseInFlight(id)
				continue
			}
			e.logger.Warn("Reaping request after adapter timeout",
				"request_id", id,
				"provider", q.Provider,
				"started_at", r.StartedAt)
			q.releaseInFlight(id)
			r.ErrorMessage = "adapter timeout"
			if err := r.Transition(request.StateFailed); err != nil {
				e.logger.Error("Failed to fail timed-out request", "request_id", id, "error", err)
				continue
			}
			completionsTotal.WithLabelValues("timeout").Inc()
			e.persist(ctx, r)
			e.track(ctx, "request.failed", r)
		}
	}
}

// dispatch runs the dispatch algorithm over every provider queue.
func (e *Engine) dispatch(ctx context.Context) {
	now := e.now()
	for _, q := range e.queues {
		q.rollWindow(now)
		for len(q.Entries) > 0 && q.canDispatch(now) {
			entry, _ := q.popFront()
			r, ok := e.requests[entry.ID]
			if !ok || r.State != request.StateQueued {
				// Cancelled or stale entry, skip.
				continue
			}

			if err := r.Transition(request.StateProcessing); err != nil {
				e.logger.Error("Dispatch transition failed", "request_id", r.ID, "error", err)
				continue
			}
			q.markInFlight(r.ID, now)
			q.Bucket.Count++
			r.QueuePosition = nil

			dispatchesTotal.WithLabelValues(q.Provider).Inc()
			e.persist(ctx, r)
			e.notify(ctx, r)
			e.track(ctx, "request.processing", r)
		}
	}
}

func (e *Engine) notify(ctx context.Context, r *request.Request) {
	if e.cb.Notify == nil {
		return
	}
	n := &request.ProcessingNotification{
		RequestID:  r.ID,
		Tenant:     r.Tenant,
		Query:      r.Query,
		TaskType:   r.TaskType,
		Subtask:    r.Subtask,
		Provider:   r.Provider,
		Model:      r.Model,
		Waterfall:  r.Hints.Waterfall,
		RetryCount: r.RetryCount,
		Metadata:   r.Hints.Metadata,
	}
	if err := e.cb.Notify(ctx, n); err != nil {
		// Do not regress the request; the adapter-timeout reaper or the
		// complete path resolves it.
		e.logger.Warn("Dispatch notification failed",
			"request_id", r.ID,
			"provider", r.Provider,
			"error", err)
	}
}

func (e *Engine) persist(ctx context.Context, r *request.Request) {
	if e.cb.Persist == nil {
		return
	}
	if err := e.cb.Persist(ctx, r); err != nil {
		e.logger.Error("Failed to persist request", "request_id", r.ID, "error", err)
	}
}

func (e *Engine) track(ctx context.Context, action string, r *request.Request) {
	if e.cb.Track == nil {
		return
	}
	e.cb.Track(ctx, action, r)
}

// engineSnapshot is the durable form of the engine state. Terminal
// requests are dropped; their rows live in the request store.
type engineSnapshot struct {
	SavedAt  time.Time                   `json:"saved_at"`
	Requests map[string]*request.Request `json:"requests"`
	Queues   map[string]*providerQueue   `json:"queues"`
}

func (e *Engine) saveSnapshot(ctx context.Context) {
	if e.cb.SaveSnapshot == nil {
		return
	}
	snap := engineSnapshot{
		SavedAt:  e.now(),
		Requests: make(map[string]*request.Request, len(e.requests)),
		Queues:   e.queues,
	}
	for id, r := range e.requests {
		if r.State.IsTerminal() {
			continue
		}
		snap.Requests[id] = r
	}
	data, err := json.Marshal(snap)
	if err != nil {
		e.logger.Error("Failed to marshal snapshot", "error", err)
		return
	}
	if err := e.cb.SaveSnapshot(ctx, data); err != nil {
		e.logger.Error("Failed to save snapshot", "error", err)
	}
}

// Restore replays a snapshot taken by a previous process. Requests found
// in processing state have no live adapter slot anymore; they are
// requeued at the HEAD of their provider queue with retry_count
// preserved. Must be called before Start.
func (e *Engine) Restore(data []byte) error {
	var snap engineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}

	if snap.Requests != nil {
		e.requests = snap.Requests
	}
	e.queues = make(map[string]*providerQueue)
	for provider, q := range snap.Queues {
		if q == nil {
			continue
		}
		// In-flight sets do not survive the process; requeue at head.
		inflight := q.InFlight
		q.InFlight = nil
		e.queues[provider] = q

		for i := len(inflight) - 1; i >= 0; i-- {
			id := inflight[i].ID
			r, ok := e.requests[id]
			if !ok {
				continue
			}
			if r.State == request.StateProcessing {
				if err := r.Transition(request.StateQueued); err != nil {
					return fmt.Errorf("requeue in-flight %s: %w", id, err)
				}
			}
			q.pushFront(id, r.Hints.Priority)
			e.logger.Info("Requeued in-flight request after restart",
				"request_id", id,
				"provider", provider,
				"retry_count", r.RetryCount)
		}
	}
	return nil
}
