package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// DeliverableState tracks a deliverable through the quality gate.
type DeliverableState string

const (
	DeliverablePendingReview DeliverableState = "pending_review"
	DeliverableApproved      DeliverableState = "approved"
	DeliverableRejected      DeliverableState = "rejected"
	DeliverableDelivered     DeliverableState = "delivered"
	DeliverableFailed        DeliverableState = "failed"
)

// ContentKind is the media category of a deliverable's content.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentImageURL   ContentKind = "image_url"
	ContentAudioURL   ContentKind = "audio_url"
	ContentVideoURL   ContentKind = "video_url"
	ContentStructured ContentKind = "structured"
)

// QualityMeta holds the assessment detail attached to a deliverable.
type QualityMeta struct {
	Issues    []string           `json:"issues,omitempty"`
	SubScores map[string]float64 `json:"sub_scores,omitempty"`
}

// Deliverable is the stored result of one backend attempt for a request.
type Deliverable struct {
	ID          string           `json:"id"`
	RequestID   string           `json:"request_id"`
	Tenant      string           `json:"tenant,omitempty"`
	ContentKind ContentKind      `json:"content_kind"`
	Content     string           `json:"content,omitempty"`
	RawResponse json.RawMessage  `json:"raw_response,omitempty"`
	Score       float64          `json:"quality_score"`
	Quality     QualityMeta      `json:"quality,omitempty"`
	State       DeliverableState `json:"state"`
	FinalOutput string           `json:"final_output,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NewDeliverable builds a deliverable for a request in the given state.
func NewDeliverable(requestID string, state DeliverableState) *Deliverable {
	now := time.Now().UTC()
	return &Deliverable{
		ID:        uuid.New().String(),
		RequestID: requestID,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DeliverableStore persists deliverables in the DE_DELIVERABLES KV bucket.
type DeliverableStore struct {
	kv jetstream.KeyValue
}

// NewDeliverableStore opens (or creates) the deliverables bucket.
func NewDeliverableStore(ctx context.Context, js jetstream.JetStream) (*DeliverableStore, error) {
	kv, err := GetOrCreateBucket(ctx, js, BucketDeliverables)
	if err != nil {
		return nil, fmt.Errorf("create deliverables bucket: %w", err)
	}
	return &DeliverableStore{kv: kv}, nil
}

// Create stores a new deliverable.
func (s *DeliverableStore) Create(ctx context.Context, d *Deliverable) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal deliverable: %w", err)
	}
	if _, err := s.kv.Create(ctx, d.ID, data); err != nil {
		return fmt.Errorf("store deliverable: %w", err)
	}
	return nil
}

// Get retrieves a deliverable by id.
func (s *DeliverableStore) Get(ctx context.Context, id string) (*Deliverable, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get deliverable: %w", err)
	}
	var d Deliverable
	if err := json.Unmarshal(entry.Value(), &d); err != nil {
		return nil, fmt.Errorf("unmarshal deliverable: %w", err)
	}
	return &d, nil
}

// Update overwrites the stored deliverable, refreshing UpdatedAt.
func (s *DeliverableStore) Update(ctx context.Context, d *Deliverable) error {
	d.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal deliverable: %w", err)
	}
	if _, err := s.kv.Put(ctx, d.ID, data); err != nil {
		return fmt.Errorf("update deliverable: %w", err)
	}
	return nil
}

// GetByRequest returns the most recent deliverable for a request, or
// ErrNotFound when none exists.
func (s *DeliverableStore) GetByRequest(ctx context.Context, requestID string) (*Deliverable, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("list deliverable keys: %w", err)
	}

	var latest *Deliverable
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var d Deliverable
		if err := json.Unmarshal(entry.Value(), &d); err != nil {
			continue
		}
		if d.RequestID != requestID {
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			dd := d
			latest = &dd
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}
