package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/dispatchengine/storage"
)

// maxEventsToScan bounds full-bucket scans in query paths.
const maxEventsToScan = 5000

// Store persists events, feed items, subscriptions, and delivery
// attempts across four KV buckets.
type Store struct {
	events        jetstream.KeyValue
	feed          jetstream.KeyValue
	subscriptions jetstream.KeyValue
	deliveries    jetstream.KeyValue
}

// NewStore opens (or creates) the event-family buckets.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	events, err := storage.GetOrCreateBucket(ctx, js, storage.BucketEvents)
	if err != nil {
		return nil, fmt.Errorf("create events bucket: %w", err)
	}
	feed, err := storage.GetOrCreateBucket(ctx, js, storage.BucketFeed)
	if err != nil {
		return nil, fmt.Errorf("create feed bucket: %w", err)
	}
	subs, err := storage.GetOrCreateBucket(ctx, js, storage.BucketSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("create subscriptions bucket: %w", err)
	}
	deliveries, err := storage.GetOrCreateBucket(ctx, js, storage.BucketDeliveries)
	if err != nil {
		return nil, fmt.Errorf("create deliveries bucket: %w", err)
	}
	return &Store{
		events:        events,
		feed:          feed,
		subscriptions: subs,
		deliveries:    deliveries,
	}, nil
}

// AppendEvent writes the event row. Events are append-only; Create fails
// on id reuse rather than overwriting.
func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.events.Create(ctx, e.ID, data); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// GetEvent retrieves one event row.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	entry, err := s.events.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	var e Event
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &e, nil
}

// CreateFeedItem writes the projection row for an event.
func (s *Store) CreateFeedItem(ctx context.Context, item *FeedItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal feed item: %w", err)
	}
	if _, err := s.feed.Create(ctx, item.ID, data); err != nil {
		return fmt.Errorf("store feed item: %w", err)
	}
	return nil
}

// FeedQuery selects feed items.
type FeedQuery struct {
	Bucket     FeedBucket
	UserID     string
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Feed returns feed items for a tenant in descending creation order.
func (s *Store) Feed(ctx context.Context, tenant string, q FeedQuery) ([]*FeedItem, error) {
	items, err := s.scanFeed(ctx, func(item *FeedItem) bool {
		if item.Tenant != tenant {
			return false
		}
		if q.Bucket != "" && item.Bucket != q.Bucket {
			return false
		}
		if q.UserID != "" && item.UserID != q.UserID {
			return false
		}
		if q.UnreadOnly && item.Read {
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return paginate(items, q.Limit, q.Offset), nil
}

// MarkRead sets the read flag on the given feed items. An empty id list
// is a no-op.
func (s *Store) MarkRead(ctx context.Context, tenant string, ids []string) error {
	for _, id := range ids {
		entry, err := s.feed.Get(ctx, id)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return fmt.Errorf("get feed item %s: %w", id, err)
		}
		var item FeedItem
		if err := json.Unmarshal(entry.Value(), &item); err != nil {
			continue
		}
		if item.Tenant != tenant || item.Read {
			continue
		}
		item.Read = true
		data, err := json.Marshal(&item)
		if err != nil {
			return fmt.Errorf("marshal feed item: %w", err)
		}
		if _, err := s.feed.Put(ctx, id, data); err != nil {
			return fmt.Errorf("mark read %s: %w", id, err)
		}
	}
	return nil
}

// EventsFor returns the event history of an entity, newest first.
func (s *Store) EventsFor(ctx context.Context, kind, id string, limit, offset int) ([]*Event, error) {
	events, err := s.scanEvents(ctx, func(e *Event) bool {
		return e.EventableKind == kind && e.EventableID == id
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	return paginate(events, limit, offset), nil
}

// Counts returns per-action event counts for a tenant, optionally
// windowed to events at or after since.
func (s *Store) Counts(ctx context.Context, tenant string, since *time.Time) (map[string]int, error) {
	counts := make(map[string]int)
	_, err := s.scanEvents(ctx, func(e *Event) bool {
		if e.Tenant != tenant {
			return false
		}
		if since != nil && e.CreatedAt.Before(*since) {
			return false
		}
		counts[e.Action]++
		return false // counting only, keep nothing
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// CreateSubscription stores a new subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub *Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	if _, err := s.subscriptions.Create(ctx, sub.ID, data); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves one subscription.
func (s *Store) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	entry, err := s.subscriptions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	var sub Subscription
	if err := json.Unmarshal(entry.Value(), &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// UpdateSubscription overwrites a subscription, refreshing UpdatedAt.
func (s *Store) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	if _, err := s.subscriptions.Put(ctx, sub.ID, data); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	if err := s.subscriptions.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// ActiveSubscriptions returns the active subscriptions for a tenant.
// Empty tenant returns every active subscription.
func (s *Store) ActiveSubscriptions(ctx context.Context, tenant string) ([]*Subscription, error) {
	keys, err := s.subscriptions.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list subscription keys: %w", err)
	}

	var out []*Subscription
	for _, key := range keys {
		entry, err := s.subscriptions.Get(ctx, key)
		if err != nil {
			continue
		}
		var sub Subscription
		if err := json.Unmarshal(entry.Value(), &sub); err != nil {
			continue
		}
		if !sub.Active {
			continue
		}
		if tenant != "" && sub.Tenant != tenant {
			continue
		}
		out = append(out, &sub)
	}
	return out, nil
}

// CreateDelivery stores a new delivery attempt row.
func (s *Store) CreateDelivery(ctx context.Context, d *DeliveryAttempt) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	if _, err := s.deliveries.Create(ctx, d.ID, data); err != nil {
		return fmt.Errorf("store delivery: %w", err)
	}
	return nil
}

// UpdateDelivery overwrites a delivery attempt row.
func (s *Store) UpdateDelivery(ctx context.Context, d *DeliveryAttempt) error {
	d.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	if _, err := s.deliveries.Put(ctx, d.ID, data); err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return nil
}

// GetDelivery retrieves one delivery attempt row.
func (s *Store) GetDelivery(ctx context.Context, id string) (*DeliveryAttempt, error) {
	entry, err := s.deliveries.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	var d DeliveryAttempt
	if err := json.Unmarshal(entry.Value(), &d); err != nil {
		return nil, fmt.Errorf("unmarshal delivery: %w", err)
	}
	return &d, nil
}

func (s *Store) scanEvents(ctx context.Context, keep func(*Event) bool) ([]*Event, error) {
	keys, err := s.events.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list event keys: %w", err)
	}

	var out []*Event
	for i, key := range keys {
		if i >= maxEventsToScan {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		entry, err := s.events.Get(ctx, key)
		if err != nil {
			continue
		}
		var e Event
		if err := json.Unmarshal(entry.Value(), &e); err != nil {
			continue
		}
		if keep(&e) {
			out = append(out, &e)
		}
	}
	return out, nil
}

func (s *Store) scanFeed(ctx context.Context, keep func(*FeedItem) bool) ([]*FeedItem, error) {
	keys, err := s.feed.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list feed keys: %w", err)
	}

	var out []*FeedItem
	for i, key := range keys {
		if i >= maxEventsToScan {
			break
		}
		entry, err := s.feed.Get(ctx, key)
		if err != nil {
			continue
		}
		var item FeedItem
		if err := json.Unmarshal(entry.Value(), &item); err != nil {
			continue
		}
		if keep(&item) {
			out = append(out, &item)
		}
	}
	return out, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// SanitizeBody trims a response body excerpt for storage.
func SanitizeBody(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 512 {
		body = body[:512]
	}
	return body
}
