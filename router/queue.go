package router

import "time"

// Limits is the per-provider quota configuration.
type Limits struct {
	// RPMCap bounds transitions into processing per minute window.
	RPMCap int `json:"rpm_cap" yaml:"rpm_cap"`

	// ConcurrentCap bounds the in-flight set size.
	ConcurrentCap int `json:"concurrent_cap" yaml:"concurrent_cap"`

	// ProcessingTimeMs is the expected per-request processing time used
	// for wait estimates.
	ProcessingTimeMs int64 `json:"processing_time_ms" yaml:"processing_time_ms"`
}

// DefaultLimits is the quota granted to providers with no configuration.
func DefaultLimits() Limits {
	return Limits{
		RPMCap:           30,
		ConcurrentCap:    5,
		ProcessingTimeMs: 5000,
	}
}

// queueEntry is one queued request id with its dispatch priority.
type queueEntry struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
}

// rateBucket tracks per-minute dispatch counts for one provider.
type rateBucket struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// inflightEntry records when a request was handed to the adapter, for the
// adapter-timeout reaper.
type inflightEntry struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// providerQueue is the per-provider dispatch state. Owned exclusively by
// the engine goroutine.
type providerQueue struct {
	Provider string          `json:"provider"`
	Entries  []queueEntry    `json:"entries"`
	InFlight []inflightEntry `json:"in_flight"`
	Bucket   rateBucket      `json:"bucket"`
	Limits   Limits          `json:"limits"`

	// DeferUntil delays dispatch after a provider 429 with Retry-After.
	DeferUntil time.Time `json:"defer_until,omitempty"`
}

func newProviderQueue(provider string, limits Limits, now time.Time) *providerQueue {
	return &providerQueue{
		Provider: provider,
		Limits:   limits,
		Bucket:   rateBucket{WindowStart: now},
	}
}

// insert places id into the queue by priority and returns the 1-based
// position. Priority p>0 inserts before the first element with a lower
// priority; equal priorities keep arrival order. Priority 0 appends.
func (q *providerQueue) insert(id string, priority int) int {
	if priority <= 0 {
		q.Entries = append(q.Entries, queueEntry{ID: id, Priority: priority})
		return len(q.Entries)
	}
	for i, e := range q.Entries {
		if e.Priority < priority {
			q.Entries = append(q.Entries[:i], append([]queueEntry{{ID: id, Priority: priority}}, q.Entries[i:]...)...)
			return i + 1
		}
	}
	q.Entries = append(q.Entries, queueEntry{ID: id, Priority: priority})
	return len(q.Entries)
}

// pushFront requeues a retried or restored request at the head.
func (q *providerQueue) pushFront(id string, priority int) {
	q.Entries = append([]queueEntry{{ID: id, Priority: priority}}, q.Entries...)
}

// remove deletes id from the queue. Reports whether it was present.
func (q *providerQueue) remove(id string) bool {
	for i, e := range q.Entries {
		if e.ID == id {
			q.Entries = append(q.Entries[:i], q.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// position returns the 1-based queue position of id, or 0 when absent.
func (q *providerQueue) position(id string) int {
	for i, e := range q.Entries {
		if e.ID == id {
			return i + 1
		}
	}
	return 0
}

// popFront removes and returns the head entry.
func (q *providerQueue) popFront() (queueEntry, bool) {
	if len(q.Entries) == 0 {
		return queueEntry{}, false
	}
	e := q.Entries[0]
	q.Entries = q.Entries[1:]
	return e, true
}

// markInFlight records a dispatched request.
func (q *providerQueue) markInFlight(id string, now time.Time) {
	q.InFlight = append(q.InFlight, inflightEntry{ID: id, StartedAt: now})
}

// releaseInFlight removes id from the in-flight set. Reports whether it
// was present.
func (q *providerQueue) releaseInFlight(id string) bool {
	for i, e := range q.InFlight {
		if e.ID == id {
			q.InFlight = append(q.InFlight[:i], q.InFlight[i+1:]...)
			return true
		}
	}
	return false
}

// rollWindow resets the minute counter when the window has expired.
func (q *providerQueue) rollWindow(now time.Time) {
	if now.Sub(q.Bucket.WindowStart) >= time.Minute {
		q.Bucket.Count = 0
		q.Bucket.WindowStart = now
	}
}

// canDispatch reports whether quota allows one more dispatch right now.
func (q *providerQueue) canDispatch(now time.Time) bool {
	if !q.DeferUntil.IsZero() && now.Before(q.DeferUntil) {
		return false
	}
	return q.Bucket.Count < q.Limits.RPMCap && len(q.InFlight) < q.Limits.ConcurrentCap
}

// estimatedWaitMs estimates the wait for the given 1-based position.
func (q *providerQueue) estimatedWaitMs(position int) int64 {
	return q.Limits.ProcessingTimeMs * int64(position)
}
