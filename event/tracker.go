package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"
)

// StreamName is the JetStream stream carrying recorded events to the
// webhook notifier.
const StreamName = "EVENTS"

// RecordedSubjectPrefix is the subject prefix for recorded events. The
// full subject is event.recorded.<action>.
const RecordedSubjectPrefix = "event.recorded"

// RecordedSubject returns the stream subject for an action.
func RecordedSubject(action string) string {
	return fmt.Sprintf("%s.%s", RecordedSubjectPrefix, action)
}

// Tracker is the write path of the event subsystem. Track is safe from
// many goroutines: every mutation is an insert against the durable
// store, so no single-writer discipline is needed here.
type Tracker struct {
	store      *Store
	natsClient *natsclient.Client
	logger     *slog.Logger
}

// NewTracker builds a tracker over the given store. natsClient may be
// nil in pure-storage tests; fan-out publishing is skipped then.
func NewTracker(store *Store, natsClient *natsclient.Client, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, natsClient: natsClient, logger: logger}
}

// Track assigns id and timestamp, appends the event row, projects the
// feed item when the action has a template, and hands the event to the
// fan-out stream. The stream publish is the only fan-out work done here,
// so Track never waits on subscriber webhooks.
func (t *Tracker) Track(ctx context.Context, e *Event) error {
	if e.Action == "" {
		return fmt.Errorf("event action is required")
	}
	e.ID = uuid.New().String()
	e.CreatedAt = time.Now().UTC()

	if err := t.store.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	// Feed item iff the action has a template. KV has no cross-bucket
	// transaction; the event row is the source of truth and a missed
	// projection surfaces as a gap in the feed, not lost history.
	if item := renderFeedItem(e); item != nil {
		item.ID = uuid.New().String()
		if err := t.store.CreateFeedItem(ctx, item); err != nil {
			t.logger.Error("Failed to project feed item",
				"event_id", e.ID,
				"action", e.Action,
				"error", err)
		}
	}

	t.publish(ctx, e)
	return nil
}

// publish hands the event to the EVENTS stream for the notifier. A
// publish failure never fails Track; the event row is already durable.
func (t *Tracker) publish(ctx context.Context, e *Event) {
	if t.natsClient == nil {
		return
	}
	data, err := MarshalPayload(e)
	if err != nil {
		t.logger.Error("Failed to marshal event payload", "event_id", e.ID, "error", err)
		return
	}
	if err := t.natsClient.PublishToStream(ctx, RecordedSubject(e.Action), data); err != nil {
		t.logger.Warn("Failed to publish recorded event",
			"event_id", e.ID,
			"action", e.Action,
			"error", err)
	}
}

// Feed, MarkRead, EventsFor, and Counts expose the store queries.

func (t *Tracker) Feed(ctx context.Context, tenant string, q FeedQuery) ([]*FeedItem, error) {
	return t.store.Feed(ctx, tenant, q)
}

func (t *Tracker) MarkRead(ctx context.Context, tenant string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return t.store.MarkRead(ctx, tenant, ids)
}

func (t *Tracker) EventsFor(ctx context.Context, kind, id string, limit, offset int) ([]*Event, error) {
	return t.store.EventsFor(ctx, kind, id, limit, offset)
}

func (t *Tracker) Counts(ctx context.Context, tenant string, since *time.Time) (map[string]int, error) {
	return t.store.Counts(ctx, tenant, since)
}

// Store exposes the underlying store for subscription CRUD.
func (t *Tracker) Store() *Store {
	return t.store
}

// Global tracker instance and initialization guard. The activity
// processor initializes the tracker; the router engine and delivery
// reach it through Global.
var (
	globalTracker *Tracker
	globalOnce    sync.Once
)

// Global returns the singleton tracker, or nil before initialization.
func Global() *Tracker {
	return globalTracker
}

// InitGlobal installs the process-wide tracker.
// Safe for concurrent use but only the first call has any effect.
func InitGlobal(t *Tracker) {
	globalOnce.Do(func() {
		globalTracker = t
	})
}

// ResetGlobal resets the global tracker for testing purposes.
// This is NOT thread-safe and should only be used in tests.
func ResetGlobal() {
	globalOnce = sync.Once{}
	globalTracker = nil
}
