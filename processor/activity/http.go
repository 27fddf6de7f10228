package activity

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/dispatchengine/event"
	"github.com/c360studio/dispatchengine/httpapi"
	"github.com/c360studio/dispatchengine/storage"
)

// RecordRequest is the POST events body.
type RecordRequest struct {
	Tenant        string         `json:"tenant,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	Action        string         `json:"action"`
	EventableKind string         `json:"eventable_kind"`
	EventableID   string         `json:"eventable_id"`
	Particulars   map[string]any `json:"particulars,omitempty"`
}

// SubscriptionRequest is the POST/PUT subscriptions body.
type SubscriptionRequest struct {
	ID            string   `json:"id,omitempty"`
	Tenant        string   `json:"tenant,omitempty"`
	URL           string   `json:"url"`
	Secret        string   `json:"secret,omitempty"`
	Actions       []string `json:"actions"`
	UserID        string   `json:"user_id,omitempty"`
	EventableKind string   `json:"eventable_kind,omitempty"`
	EventableID   string   `json:"eventable_id,omitempty"`
	Active        *bool    `json:"active,omitempty"`
}

// RegisterHTTPHandlers registers HTTP handlers for the activity component.
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"events", c.handleEvents)
	mux.HandleFunc(prefix+"feed", c.handleFeed)
	mux.HandleFunc(prefix+"feed/read", c.handleFeedRead)
	mux.HandleFunc(prefix+"counts", c.handleCounts)
	mux.HandleFunc(prefix+"subscriptions", c.handleSubscriptions)
	mux.HandleFunc(prefix+"health", c.handleHealth)
	mux.Handle(prefix+"metrics", promhttp.Handler())
}

// handleEvents records an event on POST and lists events for an
// eventable on GET.
func (c *Component) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		c.recordEvent(w, r)
	case http.MethodGet:
		c.listEvents(w, r)
	default:
		httpapi.WriteError(w, http.StatusMethodNotAllowed, httpapi.CodeRouteNotFound, "method not allowed", "")
	}
}

func (c *Component) recordEvent(w http.ResponseWriter, r *http.Request) {
	c.updateLastActivity()

	var body RecordRequest
	if !httpapi.DecodeJSON(w, r, &body) {
		return
	}
	if body.Action == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeMissingField, "action is required", "")
		return
	}
	tenant := body.Tenant
	if tenant == "" {
		tenant = c.config.DefaultTenant
	}

	e := &event.Event{
		Tenant:        tenant,
		UserID:        body.UserID,
		Action:        body.Action,
		EventableKind: body.EventableKind,
		EventableID:   body.EventableID,
		Particulars:   body.Particulars,
		ClientIP:      r.RemoteAddr,
		UserAgent:     r.UserAgent(),
	}
	if err := c.tracker.Track(r.Context(), e); err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to record event", "")
		return
	}
	c.recorded.Add(1)
	httpapi.WriteJSON(w, http.StatusCreated, "", map[string]string{"event_id": e.ID})
}

func (c *Component) listEvents(w http.ResponseWriter, r *http.Request) {
	c.queries.Add(1)

	kind := r.URL.Query().Get("eventable_kind")
	id := r.URL.Query().Get("eventable_id")
	if kind == "" || id == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeMissingParam, "eventable_kind and eventable_id are required", "")
		return
	}
	limit := queryInt(r, "limit", c.config.FeedLimit)
	offset := queryInt(r, "offset", 0)

	events, err := c.tracker.EventsFor(r.Context(), kind, id, limit, offset)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to list events", "")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, "", map[string]any{"events": events})
}

func (c *Component) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpapi.WriteError(w, http.StatusMethodNotAllowed, httpapi.CodeRouteNotFound, "method not allowed", "")
		return
	}
	c.queries.Add(1)

	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		tenant = c.config.DefaultTenant
	}
	q := event.FeedQuery{
		Bucket:     event.FeedBucket(r.URL.Query().Get("bucket")),
		UserID:     r.URL.Query().Get("user_id"),
		UnreadOnly: r.URL.Query().Get("unread_only") == "true",
		Limit:      queryInt(r, "limit", c.config.FeedLimit),
		Offset:     queryInt(r, "offset", 0),
	}

	items, err := c.tracker.Feed(r.Context(), tenant, q)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to load feed", "")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, "", map[string]any{"items": items})
}

func (c *Component) handleFeedRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpapi.WriteError(w, http.StatusMethodNotAllowed, httpapi.CodeRouteNotFound, "method not allowed", "")
		return
	}
	c.updateLastActivity()

	var body struct {
		Tenant string   `json:"tenant,omitempty"`
		IDs    []string `json:"ids"`
	}
	if !httpapi.DecodeJSON(w, r, &body) {
		return
	}
	tenant := body.Tenant
	if tenant == "" {
		tenant = c.config.DefaultTenant
	}

	if err := c.tracker.MarkRead(r.Context(), tenant, body.IDs); err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to mark read", "")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, "", map[string]int{"marked": len(body.IDs)})
}

func (c *Component) handleCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpapi.WriteError(w, http.StatusMethodNotAllowed, httpapi.CodeRouteNotFound, "method not allowed", "")
		return
	}
	c.queries.Add(1)

	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		tenant = c.config.DefaultTenant
	}
	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "since must be RFC3339", "")
			return
		}
		since = &t
	}

	counts, err := c.tracker.Counts(r.Context(), tenant, since)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to count events", "")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, "", map[string]any{"counts": counts})
}

// handleSubscriptions is the subscription CRUD surface.
func (c *Component) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		c.createSubscription(w, r)
	case http.MethodGet:
		c.getSubscriptions(w, r)
	case http.MethodPut:
		c.updateSubscription(w, r)
	case http.MethodDelete:
		c.deleteSubscription(w, r)
	default:
		httpapi.WriteError(w, http.StatusMethodNotAllowed, httpapi.CodeRouteNotFound, "method not allowed", "")
	}
}

func (c *Component) createSubscription(w http.ResponseWriter, r *http.Request) {
	c.updateLastActivity()

	var body SubscriptionRequest
	if !httpapi.DecodeJSON(w, r, &body) {
		return
	}
	if body.URL == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeMissingField, "url is required", "")
		return
	}
	if len(body.Actions) == 0 {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeMissingField, "actions is required", "")
		return
	}
	tenant := body.Tenant
	if tenant == "" {
		tenant = c.config.DefaultTenant
	}

	sub := event.NewSubscription(tenant, body.URL, body.Actions)
	sub.Secret = body.Secret
	sub.UserID = body.UserID
	sub.EventableKind = body.EventableKind
	sub.EventableID = body.EventableID

	if err := c.tracker.Store().CreateSubscription(r.Context(), sub); err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to create subscription", "")
		return
	}
	if err := c.tracker.Track(r.Context(), &event.Event{
		Tenant:        tenant,
		UserID:        sub.UserID,
		Action:        "subscription.created",
		EventableKind: "subscription",
		EventableID:   sub.ID,
		Particulars: map[string]any{
			"url":     sub.URL,
			"actions": strings.Join(sub.Actions, ", "),
		},
	}); err != nil {
		c.logger.Warn("Failed to track event", "action", "subscription.created", "error", err)
	}
	c.logger.Info("Subscription created",
		"subscription_id", sub.ID,
		"tenant", tenant,
		"actions", sub.Actions)
	httpapi.WriteJSON(w, http.StatusCreated, "", sub)
}

func (c *Component) getSubscriptions(w http.ResponseWriter, r *http.Request) {
	c.queries.Add(1)

	if id := r.URL.Query().Get("id"); id != "" {
		sub, err := c.tracker.Store().GetSubscription(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeNotFound, "unknown subscription", "")
				return
			}
			httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to load subscription", "")
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, "", sub)
		return
	}

	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		tenant = c.config.DefaultTenant
	}
	subs, err := c.tracker.Store().ActiveSubscriptions(r.Context(), tenant)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to list subscriptions", "")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, "", map[string]any{"subscriptions": subs})
}

func (c *Component) updateSubscription(w http.ResponseWriter, r *http.Request) {
	c.updateLastActivity()

	var body SubscriptionRequest
	if !httpapi.DecodeJSON(w, r, &body) {
		return
	}
	if body.ID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeMissingField, "id is required", "")
		return
	}

	sub, err := c.tracker.Store().GetSubscription(r.Context(), body.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeNotFound, "unknown subscription", "")
			return
		}
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to load subscription", "")
		return
	}

	if body.URL != "" {
		sub.URL = body.URL
	}
	if body.Secret != "" {
		sub.Secret = body.Secret
	}
	if len(body.Actions) > 0 {
		sub.Actions = body.Actions
	}
	if body.Active != nil {
		sub.Active = *body.Active
	}
	sub.UserID = body.UserID
	sub.EventableKind = body.EventableKind
	sub.EventableID = body.EventableID

	if err := c.tracker.Store().UpdateSubscription(r.Context(), sub); err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to update subscription", "")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, "", sub)
}

func (c *Component) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	c.updateLastActivity()

	id := r.URL.Query().Get("id")
	if id == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeMissingParam, "id is required", "")
		return
	}
	if err := c.tracker.Store().DeleteSubscription(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeNotFound, "unknown subscription", "")
			return
		}
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to delete subscription", "")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, "", map[string]string{"deleted": id})
}

func (c *Component) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpapi.WriteError(w, http.StatusMethodNotAllowed, httpapi.CodeRouteNotFound, "method not allowed", "")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, "", map[string]any{
		"healthy": c.IsRunning(),
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
