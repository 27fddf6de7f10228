// Package event is the durable memory of the system: an append-only
// event log, a templated activity-feed projection, and webhook fan-out
// to subscribers.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FeedBucket scopes a feed item.
type FeedBucket string

const (
	BucketGlobal   FeedBucket = "global"
	BucketUser     FeedBucket = "user"
	BucketProject  FeedBucket = "project"
	BucketInstance FeedBucket = "instance"
)

// Event is an immutable record of a domain-meaningful transition.
// Never mutated, never deleted by ordinary workflows.
type Event struct {
	ID            string         `json:"id"`
	Tenant        string         `json:"tenant"`
	UserID        string         `json:"user_id,omitempty"`
	Action        string         `json:"action"`
	EventableKind string         `json:"eventable_kind"`
	EventableID   string         `json:"eventable_id"`
	Particulars   map[string]any `json:"particulars,omitempty"`
	ClientIP      string         `json:"client_ip,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// FeedItem is the human-readable projection of one event.
type FeedItem struct {
	ID          string         `json:"id"`
	Tenant      string         `json:"tenant"`
	UserID      string         `json:"user_id,omitempty"`
	EventID     string         `json:"event_id"`
	Bucket      FeedBucket     `json:"bucket"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Icon        string         `json:"icon,omitempty"`
	DeepLink    string         `json:"deep_link,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Read        bool           `json:"read"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Subscription is a persistent interest in a set of event actions,
// delivered out-of-band by HTTP POST.
type Subscription struct {
	ID      string   `json:"id"`
	Tenant  string   `json:"tenant"`
	URL     string   `json:"url"`
	Secret  string   `json:"secret,omitempty"`
	Actions []string `json:"actions"`

	// Optional filters; empty means match everything.
	UserID        string `json:"user_id,omitempty"`
	EventableKind string `json:"eventable_kind,omitempty"`
	EventableID   string `json:"eventable_id,omitempty"`

	Active       bool      `json:"active"`
	FailureCount int       `json:"failure_count"`
	LastFailure  string    `json:"last_failure,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DeliveryState tracks one webhook delivery attempt record.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryRetrying  DeliveryState = "retrying"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// DeliveryAttempt records the fan-out of one event to one subscription.
type DeliveryAttempt struct {
	ID             string        `json:"id"`
	SubscriptionID string        `json:"subscription_id"`
	EventID        string        `json:"event_id"`
	State          DeliveryState `json:"state"`
	Attempts       int           `json:"attempts"`
	LastCode       int           `json:"last_code,omitempty"`
	LastBody       string        `json:"last_body,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// NewEvent builds an event row without an id or timestamp; Track assigns
// both at write time.
func NewEvent(tenant, action, kind, id string, particulars map[string]any) *Event {
	return &Event{
		Tenant:        tenant,
		Action:        action,
		EventableKind: kind,
		EventableID:   id,
		Particulars:   particulars,
	}
}

// NewSubscription builds an active subscription.
func NewSubscription(tenant, url string, actions []string) *Subscription {
	now := time.Now().UTC()
	return &Subscription{
		ID:        uuid.New().String(),
		Tenant:    tenant,
		URL:       url,
		Actions:   actions,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// WebhookPayload is the generic outbound webhook body.
type WebhookPayload struct {
	EventID       string         `json:"event_id"`
	Action        string         `json:"action"`
	EventableType string         `json:"eventable_type"`
	EventableID   string         `json:"eventable_id"`
	Particulars   map[string]any `json:"particulars,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// NotificationPayload is the templated shape sent to notification-service
// hosts (recognized by URL host).
type NotificationPayload struct {
	Topic    string   `json:"topic"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Actions  []any    `json:"actions,omitempty"`
}

// MarshalPayload builds the generic webhook body for an event.
func MarshalPayload(e *Event) ([]byte, error) {
	return json.Marshal(WebhookPayload{
		EventID:       e.ID,
		Action:        e.Action,
		EventableType: e.EventableKind,
		EventableID:   e.EventableID,
		Particulars:   e.Particulars,
		Timestamp:     e.CreatedAt,
	})
}
