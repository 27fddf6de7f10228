package request

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
)

// Message types for request-domain payloads.
var (
	ProcessingNotificationType = message.Type{Domain: "dispatch", Category: "processing-notification", Version: "v1"}
	EnqueueRequestType         = message.Type{Domain: "dispatch", Category: "enqueue-request", Version: "v1"}
	EnqueueReplyType           = message.Type{Domain: "dispatch", Category: "enqueue-reply", Version: "v1"}
)

func init() {
	component.RegisterPayload(&component.PayloadRegistration{
		Domain:      ProcessingNotificationType.Domain,
		Category:    ProcessingNotificationType.Category,
		Version:     ProcessingNotificationType.Version,
		Description: "Notifies a provider adapter that a request left the queue for processing",
		Factory:     func() any { return &ProcessingNotification{} },
	})
	component.RegisterPayload(&component.PayloadRegistration{
		Domain:      EnqueueRequestType.Domain,
		Category:    EnqueueRequestType.Category,
		Version:     EnqueueRequestType.Version,
		Description: "Asks the router to enqueue a classified request",
		Factory:     func() any { return &EnqueueRequest{} },
	})
}

// ProcessingNotification is published to dispatch.notify.<provider> when the
// router moves a request from queued to processing. Provider adapters consume
// it, call the backend, and report the outcome to the delivery component.
type ProcessingNotification struct {
	RequestID  string            `json:"request_id"`
	Tenant     string            `json:"tenant"`
	Query      string            `json:"query"`
	TaskType   string            `json:"task_type"`
	Subtask    string            `json:"subtask,omitempty"`
	Provider   string            `json:"provider"`
	Model      string            `json:"model"`
	Waterfall  []string          `json:"model_waterfall,omitempty"`
	RetryCount int               `json:"retry_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Schema implements message.Payload.
func (p *ProcessingNotification) Schema() message.Type {
	return ProcessingNotificationType
}

// Validate implements message.Payload.
func (p *ProcessingNotification) Validate() error {
	if p.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if p.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *ProcessingNotification) MarshalJSON() ([]byte, error) {
	type Alias ProcessingNotification
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ProcessingNotification) UnmarshalJSON(data []byte) error {
	type Alias ProcessingNotification
	return json.Unmarshal(data, (*Alias)(p))
}

// EnqueueRequest is the request/reply payload for external producers that
// enqueue over NATS instead of the intake HTTP surface.
type EnqueueRequest struct {
	Request *Request `json:"request"`
}

// Schema implements message.Payload.
func (p *EnqueueRequest) Schema() message.Type {
	return EnqueueRequestType
}

// Validate implements message.Payload.
func (p *EnqueueRequest) Validate() error {
	if p.Request == nil {
		return fmt.Errorf("request is required")
	}
	return p.Request.Validate()
}

// MarshalJSON implements json.Marshaler.
func (p *EnqueueRequest) MarshalJSON() ([]byte, error) {
	type Alias EnqueueRequest
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *EnqueueRequest) UnmarshalJSON(data []byte) error {
	type Alias EnqueueRequest
	return json.Unmarshal(data, (*Alias)(p))
}

// EnqueueReply is the reply body for EnqueueRequest.
type EnqueueReply struct {
	RequestID     string `json:"request_id"`
	QueuePosition int    `json:"queue_position"`
	Error         string `json:"error,omitempty"`
}
