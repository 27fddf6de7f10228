package event

import (
	"strings"
	"testing"
	"time"
)

func TestRenderFeedItemKnownAction(t *testing.T) {
	e := &Event{
		ID:            "ev-1",
		Tenant:        "tenant-a",
		Action:        "request.queued",
		EventableKind: "request",
		EventableID:   "req-1",
		Particulars: map[string]any{
			"provider":       "openai",
			"queue_position": float64(3),
		},
		CreatedAt: time.Now().UTC(),
	}

	item := renderFeedItem(e)
	if item == nil {
		t.Fatal("renderFeedItem returned nil for templated action")
	}
	if item.Bucket != BucketGlobal {
		t.Errorf("Bucket = %s, want global without user", item.Bucket)
	}
	if item.Title != "Request queued" {
		t.Errorf("Title = %q", item.Title)
	}
	if item.Description != "Queued for openai at position 3" {
		t.Errorf("Description = %q", item.Description)
	}
	if item.DeepLink != "/requests/req-1" {
		t.Errorf("DeepLink = %q", item.DeepLink)
	}
}

// Descriptions must render with the particular keys the components
// actually supply; a blank where a value belongs means the keys
// drifted apart.
func TestRenderFeedItemLifecycleDescriptions(t *testing.T) {
	tests := []struct {
		action      string
		kind        string
		particulars map[string]any
		want        string
	}{
		{
			action:      "request.queued",
			kind:        "request",
			particulars: map[string]any{"provider": "openai", "queue_position": 3},
			want:        "Queued for openai at position 3",
		},
		{
			action:      "request.processing",
			kind:        "request",
			particulars: map[string]any{"provider": "openai", "model": "gpt-4o"},
			want:        "Dispatched to openai (gpt-4o)",
		},
		{
			action:      "deliverable.created",
			kind:        "deliverable",
			particulars: map[string]any{"content_kind": "text", "quality_score": 0.85},
			want:        "Backend returned a text result (score 0.85)",
		},
		{
			action:      "deliverable.rejected",
			kind:        "deliverable",
			particulars: map[string]any{"reason": "quality auto-reject"},
			want:        "Result rejected: quality auto-reject",
		},
		{
			action:      "deliverable.pending_review",
			kind:        "deliverable",
			particulars: map[string]any{"quality_score": 0.55},
			want:        "Quality score 0.55 parked for manual review",
		},
		{
			action:      "subscription.created",
			kind:        "subscription",
			particulars: map[string]any{"url": "https://example.com/hook", "actions": "request.*"},
			want:        "Subscribed https://example.com/hook to request.*",
		},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			item := renderFeedItem(&Event{
				Tenant:        "tenant-a",
				Action:        tt.action,
				EventableKind: tt.kind,
				EventableID:   "x-1",
				Particulars:   tt.particulars,
			})
			if item == nil {
				t.Fatal("renderFeedItem returned nil")
			}
			if item.Description != tt.want {
				t.Errorf("Description = %q, want %q", item.Description, tt.want)
			}
		})
	}
}

func TestRenderFeedItemUserBucket(t *testing.T) {
	e := &Event{
		Tenant:        "tenant-a",
		UserID:        "user-7",
		Action:        "request.completed",
		EventableKind: "request",
		EventableID:   "req-1",
	}
	item := renderFeedItem(e)
	if item == nil {
		t.Fatal("renderFeedItem returned nil")
	}
	if item.Bucket != BucketUser {
		t.Errorf("Bucket = %s, want user", item.Bucket)
	}
}

func TestRenderFeedItemUnknownAction(t *testing.T) {
	e := &Event{Action: "oauth.expired", EventableKind: "request", EventableID: "x"}
	if item := renderFeedItem(e); item != nil {
		t.Errorf("renderFeedItem = %+v, want nil for unknown action", item)
	}
	if HasTemplate("oauth.expired") {
		t.Error("HasTemplate = true for unknown action")
	}
}

func TestInterpolateMissingKeyRendersEmpty(t *testing.T) {
	e := &Event{Action: "request.failed", EventableKind: "request", EventableID: "r1"}
	item := renderFeedItem(e)
	if item == nil {
		t.Fatal("renderFeedItem returned nil")
	}
	// {error} has no particular: placeholder drops out cleanly.
	if strings.Contains(item.Description, "{") {
		t.Errorf("Description = %q, want no unresolved placeholder", item.Description)
	}
}

func TestInterpolateValueWithBraces(t *testing.T) {
	e := &Event{
		Action:        "request.failed",
		EventableKind: "request",
		EventableID:   "r1",
		Particulars:   map[string]any{"error": "bad payload {truncated"},
	}
	item := renderFeedItem(e)
	if item == nil {
		t.Fatal("renderFeedItem returned nil")
	}
	if !strings.Contains(item.Description, "bad payload {truncated") {
		t.Errorf("Description = %q, want braces passed through verbatim", item.Description)
	}
}

func TestDeepLinkClosedOverKinds(t *testing.T) {
	tests := []struct {
		kind, id, want string
	}{
		{"request", "r1", "/requests/r1"},
		{"deliverable", "d1", "/deliverables/d1"},
		{"subscription", "s1", "/settings/webhooks/s1"},
		{"project", "p1", "/projects/p1"},
		{"mystery", "m1", "/activity"},
		{"", "", "/activity"},
	}
	for _, tt := range tests {
		if got := DeepLink(tt.kind, tt.id); got != tt.want {
			t.Errorf("DeepLink(%q, %q) = %q, want %q", tt.kind, tt.id, got, tt.want)
		}
	}
}
