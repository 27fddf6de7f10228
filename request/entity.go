// Package request defines the request entity and its lifecycle.
// A request is a client-submitted unit of work that flows through
// intake, the router's provider queues, a backend adapter, and delivery.
package request

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State represents the lifecycle state of a request.
type State string

const (
	StatePending    State = "pending"
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a request may move from one state to another.
// The lifecycle is a DAG with a single back edge: processing→queued on retry.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateQueued || to == StateCancelled || to == StateFailed
	case StateQueued:
		return to == StateProcessing || to == StateCancelled || to == StateFailed
	case StateProcessing:
		// queued is the retry back edge, bounded by MaxRetries.
		return to == StateCompleted || to == StateFailed || to == StateQueued
	}
	return false
}

// Hints carries optional client-supplied routing hints.
type Hints struct {
	// TaskType pins the classification when set. Explicit task type
	// always wins over URL and keyword detection.
	TaskType string `json:"task_type,omitempty"`

	// Provider pins the backend provider.
	Provider string `json:"provider,omitempty"`

	// Model pins the model on the chosen provider.
	Model string `json:"model,omitempty"`

	// Waterfall is an ordered list of models to try.
	Waterfall []string `json:"model_waterfall,omitempty"`

	// Priority orders dispatch within a provider queue. Zero appends.
	Priority int `json:"priority,omitempty"`

	// CallbackURL is invoked best-effort when the request completes.
	CallbackURL string `json:"callback_url,omitempty"`

	// RepoURL marks the request as code work when present.
	RepoURL string `json:"repo_url,omitempty"`

	// Executor names a preferred code executor.
	Executor string `json:"executor,omitempty"`

	// Metadata is an arbitrary client mapping echoed to the adapter.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StatusChange records a lifecycle transition on the stored request.
type StatusChange struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Request is the primary entity. Persisted in the DE_REQUESTS KV bucket.
type Request struct {
	ID         string `json:"id"`
	Tenant     string `json:"tenant"`
	AppID      string `json:"app_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`

	Query string `json:"query"`
	Hints Hints  `json:"hints,omitempty"`

	// Routing decision, filled by classification.
	TaskType   string  `json:"task_type,omitempty"`
	Subtask    string  `json:"subtask,omitempty"`
	Provider   string  `json:"provider,omitempty"`
	Model      string  `json:"model,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	State         State  `json:"state"`
	QueuePosition *int   `json:"queue_position,omitempty"`
	RetryCount    int    `json:"retry_count"`
	MaxRetries    int    `json:"max_retries"`
	ErrorMessage  string `json:"error_message,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`

	// WorkflowHandle is set when the request was handed to an external
	// long-running workflow instead of a provider queue.
	WorkflowHandle string `json:"workflow_handle,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	StatusChanges []StatusChange `json:"status_changes,omitempty"`
}

// NewRequest builds a pending request for the given tenant and query.
func NewRequest(tenant, query string, hints Hints) *Request {
	now := time.Now().UTC()
	return &Request{
		ID:        uuid.New().String(),
		Tenant:    tenant,
		Query:     query,
		Hints:     hints,
		State:     StatePending,
		CreatedAt: now,
	}
}

// Transition moves the request to a new state, recording the change and
// maintaining the lifecycle timestamps. Returns an error on illegal moves.
func (r *Request) Transition(to State) error {
	if r.State == to {
		return nil
	}
	if !CanTransition(r.State, to) {
		return fmt.Errorf("illegal transition %s -> %s for request %s", r.State, to, r.ID)
	}

	now := time.Now().UTC()
	r.StatusChanges = append(r.StatusChanges, StatusChange{
		From:      r.State,
		To:        to,
		Timestamp: now,
	})
	r.State = to

	switch to {
	case StateQueued:
		if r.QueuedAt == nil {
			r.QueuedAt = &now
		}
		r.StartedAt = nil
	case StateProcessing:
		r.StartedAt = &now
	case StateCompleted, StateFailed, StateCancelled:
		r.CompletedAt = &now
		r.QueuePosition = nil
	}
	return nil
}

// Validate checks the request has the fields every stored request needs.
func (r *Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request id is required")
	}
	if r.Query == "" {
		return fmt.Errorf("query is required")
	}
	if r.State == "" {
		return fmt.Errorf("state is required")
	}
	return nil
}
