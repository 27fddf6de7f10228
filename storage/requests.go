package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/c360studio/dispatchengine/request"
	"github.com/nats-io/nats.go/jetstream"
)

// maxRequestsToScan bounds full-bucket scans in list queries.
const maxRequestsToScan = 2000

// RequestStore persists requests in the DE_REQUESTS KV bucket.
type RequestStore struct {
	kv jetstream.KeyValue
}

// NewRequestStore opens (or creates) the requests bucket.
func NewRequestStore(ctx context.Context, js jetstream.JetStream) (*RequestStore, error) {
	kv, err := GetOrCreateBucket(ctx, js, BucketRequests)
	if err != nil {
		return nil, fmt.Errorf("create requests bucket: %w", err)
	}
	return &RequestStore{kv: kv}, nil
}

// Create stores a new request. Fails if the id already exists.
func (s *RequestStore) Create(ctx context.Context, r *request.Request) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if _, err := s.kv.Create(ctx, r.ID, data); err != nil {
		return fmt.Errorf("store request: %w", err)
	}
	return nil
}

// Get retrieves a request by id.
func (s *RequestStore) Get(ctx context.Context, id string) (*request.Request, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get request: %w", err)
	}
	var r request.Request
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	return &r, nil
}

// Update overwrites the stored request.
func (s *RequestStore) Update(ctx context.Context, r *request.Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if _, err := s.kv.Put(ctx, r.ID, data); err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	return nil
}

// ListByState returns requests in the given state, bounded by the scan limit.
func (s *RequestStore) ListByState(ctx context.Context, state request.State) ([]*request.Request, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list request keys: %w", err)
	}

	var out []*request.Request
	for i, key := range keys {
		if i >= maxRequestsToScan {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var r request.Request
		if err := json.Unmarshal(entry.Value(), &r); err != nil {
			continue
		}
		if r.State == state {
			out = append(out, &r)
		}
	}
	return out, nil
}
