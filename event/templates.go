package event

import (
	"fmt"
	"strings"
)

// feedTemplate renders one action into a feed item. Placeholders of the
// form {key} are interpolated from the event particulars, plus the
// implicit {kind} and {id} of the eventable.
type feedTemplate struct {
	Title       string
	Description string
	Icon        string
}

// feedTemplates maps actions to templates. An event produces a feed item
// iff its action appears here; unknown actions write only the event row.
var feedTemplates = map[string]feedTemplate{
	"request.created": {
		Title:       "Request received",
		Description: "A new {task_type} request was accepted",
		Icon:        "inbox",
	},
	"request.queued": {
		Title:       "Request queued",
		Description: "Queued for {provider} at position {queue_position}",
		Icon:        "clock",
	},
	"request.processing": {
		Title:       "Request processing",
		Description: "Dispatched to {provider} ({model})",
		Icon:        "play",
	},
	"request.retried": {
		Title:       "Request retried",
		Description: "Attempt {retry_count} after: {error}",
		Icon:        "refresh",
	},
	"request.completed": {
		Title:       "Request completed",
		Description: "Finished on {provider}",
		Icon:        "check",
	},
	"request.failed": {
		Title:       "Request failed",
		Description: "Failed: {error}",
		Icon:        "alert",
	},
	"request.cancelled": {
		Title:       "Request cancelled",
		Description: "Cancelled by the client",
		Icon:        "x",
	},
	"deliverable.created": {
		Title:       "Result received",
		Description: "Backend returned a {content_kind} result (score {quality_score})",
		Icon:        "package",
	},
	"deliverable.delivered": {
		Title:       "Result delivered",
		Description: "Result approved and delivered",
		Icon:        "check",
	},
	"deliverable.rejected": {
		Title:       "Result rejected",
		Description: "Result rejected: {reason}",
		Icon:        "thumbs-down",
	},
	"deliverable.pending_review": {
		Title:       "Result needs review",
		Description: "Quality score {quality_score} parked for manual review",
		Icon:        "eye",
	},
	"subscription.created": {
		Title:       "Webhook subscription created",
		Description: "Subscribed {url} to {actions}",
		Icon:        "link",
	},
}

// HasTemplate reports whether the action projects a feed item.
func HasTemplate(action string) bool {
	_, ok := feedTemplates[action]
	return ok
}

// renderFeedItem builds the feed item for an event, or nil when the
// action has no template.
func renderFeedItem(e *Event) *FeedItem {
	tpl, ok := feedTemplates[e.Action]
	if !ok {
		return nil
	}

	bucket := BucketGlobal
	if e.UserID != "" {
		bucket = BucketUser
	}

	return &FeedItem{
		Tenant:      e.Tenant,
		UserID:      e.UserID,
		EventID:     e.ID,
		Bucket:      bucket,
		Title:       interpolate(tpl.Title, e),
		Description: interpolate(tpl.Description, e),
		Icon:        tpl.Icon,
		DeepLink:    DeepLink(e.EventableKind, e.EventableID),
		Metadata:    e.Particulars,
		CreatedAt:   e.CreatedAt,
	}
}

// RenderNotification builds the notification-service payload for an
// event. Untemplated actions fall back to the raw action name.
func RenderNotification(e *Event) *NotificationPayload {
	title := e.Action
	message := ""
	if tpl, ok := feedTemplates[e.Action]; ok {
		title = interpolate(tpl.Title, e)
		message = interpolate(tpl.Description, e)
	}
	return &NotificationPayload{
		Topic:   e.Tenant,
		Title:   title,
		Message: message,
		Tags:    []string{e.EventableKind, e.Action},
	}
}

// interpolate replaces {key} placeholders from the event particulars and
// the implicit kind/id pair. Unknown keys render as empty. Single pass;
// substituted values are never re-scanned.
func interpolate(tpl string, e *Event) string {
	var b strings.Builder
	rest := tpl
	for {
		start := strings.Index(rest, "{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		b.WriteString(lookupKey(e, rest[start+1:start+end]))
		rest = rest[start+end+1:]
	}
	return strings.TrimSpace(b.String())
}

func lookupKey(e *Event, key string) string {
	switch key {
	case "kind":
		return e.EventableKind
	case "id":
		return e.EventableID
	}
	v, ok := e.Particulars[key]
	if !ok || v == nil {
		return ""
	}
	switch v := v.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%.2f", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// DeepLink maps an eventable kind to its UI path. Closed over known
// kinds with a defaulted fallback.
func DeepLink(kind, id string) string {
	switch kind {
	case "request":
		return "/requests/" + id
	case "deliverable":
		return "/deliverables/" + id
	case "subscription":
		return "/settings/webhooks/" + id
	case "project":
		return "/projects/" + id
	default:
		return "/activity"
	}
}
