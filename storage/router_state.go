package storage

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// routerSnapshotKey is the single key holding the engine snapshot.
const routerSnapshotKey = "snapshot"

// RouterStateStore persists the router engine snapshot in DE_ROUTER.
// The snapshot is opaque to the store; the engine owns its format.
type RouterStateStore struct {
	kv jetstream.KeyValue
}

// NewRouterStateStore opens (or creates) the router state bucket.
func NewRouterStateStore(ctx context.Context, js jetstream.JetStream) (*RouterStateStore, error) {
	kv, err := GetOrCreateBucket(ctx, js, BucketRouter)
	if err != nil {
		return nil, fmt.Errorf("create router bucket: %w", err)
	}
	return &RouterStateStore{kv: kv}, nil
}

// Save overwrites the stored snapshot.
func (s *RouterStateStore) Save(ctx context.Context, data []byte) error {
	if _, err := s.kv.Put(ctx, routerSnapshotKey, data); err != nil {
		return fmt.Errorf("save router snapshot: %w", err)
	}
	return nil
}

// Load returns the stored snapshot, or ErrNotFound when none was saved.
func (s *RouterStateStore) Load(ctx context.Context) ([]byte, error) {
	entry, err := s.kv.Get(ctx, routerSnapshotKey)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load router snapshot: %w", err)
	}
	return entry.Value(), nil
}
