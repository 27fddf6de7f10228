//go:build integration

package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/dispatchengine/event"
)

func startActivity(t *testing.T) (*Component, *http.ServeMux) {
	t.Helper()
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())

	disc, err := NewComponent(json.RawMessage(`{"default_tenant":"acme"}`), component.Dependencies{NATSClient: tc.Client})
	if err != nil {
		t.Fatalf("NewComponent: %v", err)
	}
	c := disc.(*Component)

	event.ResetGlobal()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Stop(time.Second)
		event.ResetGlobal()
	})

	mux := http.NewServeMux()
	c.RegisterHTTPHandlers("/activity/", mux)
	return c, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestRecordEventProjectsFeed(t *testing.T) {
	_, mux := startActivity(t)

	rec := doJSON(t, mux, http.MethodPost, "/activity/events", RecordRequest{
		UserID:        "u-1",
		Action:        "request.completed",
		EventableKind: "request",
		EventableID:   "req-1",
		Particulars:   map[string]any{"provider": "openai"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	feed := doJSON(t, mux, http.MethodGet, "/activity/feed?user_id=u-1&bucket=user", nil)
	if feed.Code != http.StatusOK {
		t.Fatalf("feed status = %d: %s", feed.Code, feed.Body.String())
	}
	var feedBody struct {
		Items []*event.FeedItem `json:"items"`
	}
	if err := json.Unmarshal(feed.Body.Bytes(), &feedBody); err != nil {
		t.Fatal(err)
	}
	if len(feedBody.Items) != 1 {
		t.Fatalf("feed items = %d, want 1", len(feedBody.Items))
	}
	item := feedBody.Items[0]
	if item.Read {
		t.Error("new feed item should be unread")
	}
	if item.Bucket != event.BucketUser {
		t.Errorf("bucket = %s, want user", item.Bucket)
	}

	// Mark read, then the unread-only view is empty.
	read := doJSON(t, mux, http.MethodPost, "/activity/feed/read", map[string]any{
		"ids": []string{item.ID},
	})
	if read.Code != http.StatusOK {
		t.Fatalf("mark read status = %d: %s", read.Code, read.Body.String())
	}
	unread := doJSON(t, mux, http.MethodGet, "/activity/feed?user_id=u-1&unread_only=true", nil)
	var unreadBody struct {
		Items []*event.FeedItem `json:"items"`
	}
	if err := json.Unmarshal(unread.Body.Bytes(), &unreadBody); err != nil {
		t.Fatal(err)
	}
	if len(unreadBody.Items) != 0 {
		t.Errorf("unread items = %d, want 0", len(unreadBody.Items))
	}
}

func TestRecordEventWithoutTemplateSkipsFeed(t *testing.T) {
	c, mux := startActivity(t)

	rec := doJSON(t, mux, http.MethodPost, "/activity/events", RecordRequest{
		Action:        "adapter.heartbeat",
		EventableKind: "adapter",
		EventableID:   "a-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	// The event row exists even though no feed item was projected.
	if _, err := c.tracker.Store().GetEvent(context.Background(), created.EventID); err != nil {
		t.Fatalf("event row: %v", err)
	}
	feed := doJSON(t, mux, http.MethodGet, "/activity/feed", nil)
	var feedBody struct {
		Items []*event.FeedItem `json:"items"`
	}
	if err := json.Unmarshal(feed.Body.Bytes(), &feedBody); err != nil {
		t.Fatal(err)
	}
	if len(feedBody.Items) != 0 {
		t.Errorf("feed items = %d, want 0 for untemplated action", len(feedBody.Items))
	}
}

func TestEventsForAndCounts(t *testing.T) {
	_, mux := startActivity(t)

	for _, action := range []string{"request.created", "request.queued", "request.completed"} {
		rec := doJSON(t, mux, http.MethodPost, "/activity/events", RecordRequest{
			Action:        action,
			EventableKind: "request",
			EventableID:   "req-9",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("record %s: %d", action, rec.Code)
		}
	}

	list := doJSON(t, mux, http.MethodGet, "/activity/events?eventable_kind=request&eventable_id=req-9", nil)
	var listBody struct {
		Events []*event.Event `json:"events"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &listBody); err != nil {
		t.Fatal(err)
	}
	if len(listBody.Events) != 3 {
		t.Fatalf("events = %d, want 3", len(listBody.Events))
	}
	// Newest first.
	if listBody.Events[0].Action != "request.completed" {
		t.Errorf("first action = %s, want request.completed", listBody.Events[0].Action)
	}

	counts := doJSON(t, mux, http.MethodGet, "/activity/counts", nil)
	var countsBody struct {
		Counts map[string]int `json:"counts"`
	}
	if err := json.Unmarshal(counts.Body.Bytes(), &countsBody); err != nil {
		t.Fatal(err)
	}
	if countsBody.Counts["request.created"] != 1 {
		t.Errorf("counts = %+v", countsBody.Counts)
	}
}

func TestSubscriptionCRUD(t *testing.T) {
	_, mux := startActivity(t)

	created := doJSON(t, mux, http.MethodPost, "/activity/subscriptions", SubscriptionRequest{
		URL:     "https://example.test/hook",
		Secret:  "s3cr3t",
		Actions: []string{"request.*"},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", created.Code, created.Body.String())
	}
	var sub event.Subscription
	if err := json.Unmarshal(created.Body.Bytes(), &sub); err != nil {
		t.Fatal(err)
	}
	if !sub.Active {
		t.Error("new subscription should be active")
	}

	// Creation lands in the global feed with the URL and actions rendered.
	feed := doJSON(t, mux, http.MethodGet, "/activity/feed", nil)
	var feedBody struct {
		Items []*event.FeedItem `json:"items"`
	}
	if err := json.Unmarshal(feed.Body.Bytes(), &feedBody); err != nil {
		t.Fatal(err)
	}
	if len(feedBody.Items) != 1 {
		t.Fatalf("feed items = %d, want 1", len(feedBody.Items))
	}
	if feedBody.Items[0].Title != "Webhook subscription created" {
		t.Errorf("feed title = %q", feedBody.Items[0].Title)
	}
	if want := "Subscribed https://example.test/hook to request.*"; feedBody.Items[0].Description != want {
		t.Errorf("feed description = %q, want %q", feedBody.Items[0].Description, want)
	}

	got := doJSON(t, mux, http.MethodGet, "/activity/subscriptions?id="+sub.ID, nil)
	if got.Code != http.StatusOK {
		t.Fatalf("get status = %d", got.Code)
	}

	inactive := false
	updated := doJSON(t, mux, http.MethodPut, "/activity/subscriptions", SubscriptionRequest{
		ID:     sub.ID,
		Active: &inactive,
	})
	if updated.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", updated.Code, updated.Body.String())
	}

	// Inactive subscriptions drop out of the active listing.
	list := doJSON(t, mux, http.MethodGet, "/activity/subscriptions", nil)
	var listBody struct {
		Subscriptions []*event.Subscription `json:"subscriptions"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &listBody); err != nil {
		t.Fatal(err)
	}
	if len(listBody.Subscriptions) != 0 {
		t.Errorf("active subscriptions = %d, want 0", len(listBody.Subscriptions))
	}

	deleted := doJSON(t, mux, http.MethodDelete, "/activity/subscriptions?id="+sub.ID, nil)
	if deleted.Code != http.StatusOK {
		t.Fatalf("delete status = %d", deleted.Code)
	}
	missing := doJSON(t, mux, http.MethodGet, "/activity/subscriptions?id="+sub.ID, nil)
	if missing.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", missing.Code)
	}
}

func TestRecordEventRequiresAction(t *testing.T) {
	_, mux := startActivity(t)

	rec := doJSON(t, mux, http.MethodPost, "/activity/events", RecordRequest{
		EventableKind: "request",
		EventableID:   "x",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
