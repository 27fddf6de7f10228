// Package storage provides entity storage for the dispatch engine using
// NATS KV buckets.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each entity family.
const (
	BucketRequests      = "DE_REQUESTS"
	BucketDeliverables  = "DE_DELIVERABLES"
	BucketEvents        = "DE_EVENTS"
	BucketFeed          = "DE_FEED"
	BucketSubscriptions = "DE_SUBSCRIPTIONS"
	BucketDeliveries    = "DE_DELIVERIES"
	BucketRouter        = "DE_ROUTER"
)

// GetOrCreateBucket returns the named KV bucket, creating it on first use.
func GetOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Dispatch engine %s storage", strings.ToLower(strings.TrimPrefix(name, "DE_"))),
		History:     5, // Keep last 5 revisions
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound)
}
