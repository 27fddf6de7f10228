//go:build integration

package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/dispatchengine/event"
)

// hookRecorder is an httptest handler that captures delivered webhooks.
type hookRecorder struct {
	mu       sync.Mutex
	hits     int
	body     []byte
	headers  http.Header
	respCode int
	codes    []int
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	h.mu.Lock()
	h.hits++
	h.body = body
	h.headers = r.Header.Clone()
	code := h.respCode
	if len(h.codes) > 0 {
		code = h.codes[0]
		h.codes = h.codes[1:]
	}
	h.mu.Unlock()

	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
}

func (h *hookRecorder) snapshot() (int, []byte, http.Header) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits, h.body, h.headers
}

func startNotifier(t *testing.T, rawConfig string) (*Component, *event.Store, *event.Tracker) {
	t.Helper()
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())

	ctx := context.Background()
	js, err := tc.Client.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	if _, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     event.StreamName,
		Subjects: []string{event.RecordedSubjectPrefix + ".>"},
	}); err != nil {
		t.Fatalf("create stream: %v", err)
	}

	store, err := event.NewStore(ctx, js)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	tracker := event.NewTracker(store, tc.Client, nil)

	disc, err := NewComponent(json.RawMessage(rawConfig), component.Dependencies{NATSClient: tc.Client})
	if err != nil {
		t.Fatalf("NewComponent: %v", err)
	}
	c := disc.(*Component)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop(time.Second) })

	return c, store, tracker
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDeliversSignedWebhook(t *testing.T) {
	rec := &hookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	_, store, tracker := startNotifier(t, `{"initial_delay_ms":20,"attempt_timeout_ms":2000}`)

	sub := event.NewSubscription("acme", srv.URL, []string{"request.*"})
	sub.Secret = "s3cr3t"
	if err := store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	e := event.NewEvent("acme", "request.completed", "request", "req-1", map[string]any{"provider": "openai"})
	if err := tracker.Track(context.Background(), e); err != nil {
		t.Fatalf("track: %v", err)
	}

	waitFor(t, "webhook delivery", func() bool {
		hits, _, _ := rec.snapshot()
		return hits == 1
	})
	hits, body, headers := rec.snapshot()
	if hits != 1 {
		t.Fatalf("hits = %d, want 1", hits)
	}
	if got := headers.Get("X-DE-Event"); got != "request.completed" {
		t.Errorf("X-DE-Event = %q", got)
	}
	if got, want := headers.Get("X-DE-Signature"), event.Signature("s3cr3t", body); got != want {
		t.Errorf("signature = %q, want %q", got, want)
	}

	var payload event.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.EventID != e.ID || payload.Action != "request.completed" {
		t.Errorf("payload = %+v", payload)
	}

	d, err := store.GetDelivery(context.Background(), headers.Get("X-DE-Delivery"))
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if d.State != event.DeliveryDelivered || d.Attempts != 1 {
		t.Errorf("delivery = %s after %d attempts, want delivered after 1", d.State, d.Attempts)
	}
}

func TestRetriesThenFails(t *testing.T) {
	rec := &hookRecorder{respCode: http.StatusInternalServerError}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	_, store, tracker := startNotifier(t, `{"initial_delay_ms":10,"attempt_timeout_ms":2000}`)

	sub := event.NewSubscription("acme", srv.URL, []string{"*"})
	if err := store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	e := event.NewEvent("acme", "request.failed", "request", "req-2", nil)
	if err := tracker.Track(context.Background(), e); err != nil {
		t.Fatalf("track: %v", err)
	}

	waitFor(t, "three delivery attempts", func() bool {
		hits, _, _ := rec.snapshot()
		return hits == 3
	})
	_, _, headers := rec.snapshot()

	waitFor(t, "failed delivery row", func() bool {
		d, err := store.GetDelivery(context.Background(), headers.Get("X-DE-Delivery"))
		return err == nil && d.State == event.DeliveryFailed
	})
	d, err := store.GetDelivery(context.Background(), headers.Get("X-DE-Delivery"))
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if d.Attempts != 3 || d.LastCode != http.StatusInternalServerError {
		t.Errorf("delivery = %+v", d)
	}

	waitFor(t, "subscription failure count", func() bool {
		got, err := store.GetSubscription(context.Background(), sub.ID)
		return err == nil && got.FailureCount == 1
	})
	got, err := store.GetSubscription(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if got.LastFailure != fmt.Sprintf("status %d", http.StatusInternalServerError) {
		t.Errorf("LastFailure = %q", got.LastFailure)
	}
	if !got.Active {
		t.Error("subscription should stay active after failures")
	}
}

func TestRecoversOnSecondAttempt(t *testing.T) {
	rec := &hookRecorder{codes: []int{http.StatusServiceUnavailable, http.StatusOK}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	_, store, tracker := startNotifier(t, `{"initial_delay_ms":10,"attempt_timeout_ms":2000}`)

	sub := event.NewSubscription("acme", srv.URL, []string{"request.*"})
	if err := store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	e := event.NewEvent("acme", "request.completed", "request", "req-3", nil)
	if err := tracker.Track(context.Background(), e); err != nil {
		t.Fatalf("track: %v", err)
	}

	waitFor(t, "second attempt", func() bool {
		hits, _, _ := rec.snapshot()
		return hits == 2
	})
	_, _, headers := rec.snapshot()

	waitFor(t, "delivered row", func() bool {
		d, err := store.GetDelivery(context.Background(), headers.Get("X-DE-Delivery"))
		return err == nil && d.State == event.DeliveryDelivered && d.Attempts == 2
	})
}

func TestSkipsNonMatchingSubscription(t *testing.T) {
	matched := &hookRecorder{}
	matchedSrv := httptest.NewServer(matched)
	defer matchedSrv.Close()
	unmatched := &hookRecorder{}
	unmatchedSrv := httptest.NewServer(unmatched)
	defer unmatchedSrv.Close()

	_, store, tracker := startNotifier(t, `{"initial_delay_ms":10,"attempt_timeout_ms":2000}`)

	matchSub := event.NewSubscription("acme", matchedSrv.URL, []string{"request.*"})
	if err := store.CreateSubscription(context.Background(), matchSub); err != nil {
		t.Fatal(err)
	}
	skipSub := event.NewSubscription("acme", unmatchedSrv.URL, []string{"deliverable.*"})
	if err := store.CreateSubscription(context.Background(), skipSub); err != nil {
		t.Fatal(err)
	}

	e := event.NewEvent("acme", "request.completed", "request", "req-4", nil)
	if err := tracker.Track(context.Background(), e); err != nil {
		t.Fatalf("track: %v", err)
	}

	waitFor(t, "matching delivery", func() bool {
		hits, _, _ := matched.snapshot()
		return hits == 1
	})
	if hits, _, _ := unmatched.snapshot(); hits != 0 {
		t.Errorf("non-matching subscription got %d deliveries", hits)
	}
}

func TestNotificationHostGetsTemplatedPayload(t *testing.T) {
	rec := &hookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	host := mustHost(t, srv.URL)

	_, store, tracker := startNotifier(t,
		fmt.Sprintf(`{"initial_delay_ms":10,"attempt_timeout_ms":2000,"notification_hosts":[%q]}`, host))

	sub := event.NewSubscription("acme", srv.URL+"/alerts", []string{"request.*"})
	if err := store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatal(err)
	}

	e := event.NewEvent("acme", "request.completed", "request", "req-5", map[string]any{"provider": "openai"})
	if err := tracker.Track(context.Background(), e); err != nil {
		t.Fatalf("track: %v", err)
	}

	waitFor(t, "notification delivery", func() bool {
		hits, _, _ := rec.snapshot()
		return hits == 1
	})
	_, body, _ := rec.snapshot()

	var n event.NotificationPayload
	if err := json.Unmarshal(body, &n); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if n.Topic != "acme" {
		t.Errorf("Topic = %q, want acme", n.Topic)
	}
	if n.Title != "Request completed" {
		t.Errorf("Title = %q", n.Title)
	}
	if n.Message != "Finished on openai" {
		t.Errorf("Message = %q", n.Message)
	}
}

func mustHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return u.Host
}
