package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/c360studio/dispatchengine/event"
	"github.com/c360studio/dispatchengine/httpapi"
	"github.com/c360studio/dispatchengine/quality"
	"github.com/c360studio/dispatchengine/request"
	"github.com/c360studio/dispatchengine/storage"
)

// maxWebhookBody caps inbound webhook payloads.
const maxWebhookBody = 1 << 20

// DeliverRequest is the POST deliver body.
type DeliverRequest struct {
	RequestID    string          `json:"request_id"`
	Success      bool            `json:"success"`
	ContentType  string          `json:"content_type"`
	Content      string          `json:"content"`
	RawResponse  json.RawMessage `json:"raw_response,omitempty"`
	Error        string          `json:"error,omitempty"`
	Retryable    *bool           `json:"retryable,omitempty"`
	RetryAfterMs int64           `json:"retry_after_ms,omitempty"`
}

// DeliverResponse is the reply to deliver, webhook, approve, and reject.
type DeliverResponse struct {
	DeliverableID string  `json:"deliverable_id"`
	State         string  `json:"state"`
	QualityScore  float64 `json:"quality_score,omitempty"`
}

// RegisterHTTPHandlers registers HTTP handlers for the delivery component.
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"deliver", c.handleDeliver)
	mux.HandleFunc(prefix+"webhook", c.handleWebhook)
	mux.HandleFunc(prefix+"deliverable", c.handleGet)
	mux.HandleFunc(prefix+"approve", c.handleApprove)
	mux.HandleFunc(prefix+"reject", c.handleReject)
	mux.HandleFunc(prefix+"health", c.handleHealth)
}

func (c *Component) handleDeliver(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpapi.WriteError(w, http.StatusMethodNotAllowed, httpapi.CodeRouteNotFound, "method not allowed", "")
		return
	}
	c.updateLastActivity()

	var body DeliverRequest
	if !httpapi.DecodeJSON(w, r, &body) {
		return
	}
	if body.RequestID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeMissingField, "request_id is required", "")
		return
	}

	res := &Result{
		RequestID:   body.RequestID,
		Success:     body.Success,
		ContentKind: storage.ContentKind(body.ContentType),
		Content:     body.Content,
		ErrorMsg:    body.Error,
	}
	// Adapter-reported failures default to retryable; the engine still
	// bounds them by max_retries.
	retryable := true
	if body.Retryable != nil {
		retryable = *body.Retryable
	}
	retryAfter := time.Duration(body.RetryAfterMs) * time.Millisecond

	c.processResult(w, r, res, body.RawResponse, retryable, retryAfter)
}

func (c *Component) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpapi.WriteError(w, http.StatusMethodNotAllowed, httpapi.CodeRouteNotFound, "method not allowed", "")
		return
	}
	c.updateLastActivity()

	provider := r.URL.Query().Get("provider")
	if provider == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeMissingParam, "provider is required", "")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "failed to read body", "")
		return
	}

	res, err := GetNormalizer(provider).Normalize(payload)
	if err != nil {
		if errors.Is(err, ErrMissingRequestID) {
			httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeMissingField, err.Error(), "")
			return
		}
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidJSON, err.Error(), "")
		return
	}

	// Third-party provider failures are treated as transient.
	c.processResult(w, r, res, json.RawMessage(payload), true, 0)
}

// processResult persists the deliverable, runs the quality gate, and
// reports the outcome to the queue engine.
func (c *Component) processResult(w http.ResponseWriter, r *http.Request, res *Result, raw json.RawMessage, retryable bool, retryAfter time.Duration) {
	ctx := r.Context()

	req, err := c.requests.Get(ctx, res.RequestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeNotFound, "unknown request", res.RequestID)
			return
		}
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to load request", res.RequestID)
		return
	}

	d := storage.NewDeliverable(req.ID, storage.DeliverableFailed)
	d.Tenant = req.Tenant
	d.ContentKind = res.ContentKind
	d.Content = res.Content
	d.RawResponse = raw

	if !res.Success {
		d.Error = res.ErrorMsg
		if err := c.deliverables.Create(ctx, d); err != nil {
			httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to persist deliverable", req.ID)
			return
		}
		c.trackDeliverable(ctx, req, d, "deliverable.created")
		c.completeRequest(ctx, req.ID, false, res.ErrorMsg, retryable, retryAfter)
		httpapi.WriteJSON(w, http.StatusOK, req.ID, DeliverResponse{
			DeliverableID: d.ID,
			State:         string(d.State),
		})
		return
	}

	assessment := quality.Assess(res.ContentKind, res.Content, raw)
	d.Score = assessment.Score
	d.Quality = storage.QualityMeta{
		Issues:    assessment.Issues,
		SubScores: assessment.SubScores,
	}
	finalOutput := res.Content
	if assessment.Normalized != "" {
		finalOutput = assessment.Normalized
	}

	decision := quality.Decide(assessment, c.config.thresholds())
	switch decision {
	case quality.DecisionApprove:
		d.State = storage.DeliverableDelivered
		d.FinalOutput = finalOutput
	case quality.DecisionReject:
		d.State = storage.DeliverableRejected
		d.Error = "quality auto-reject"
	case quality.DecisionReview:
		d.State = storage.DeliverablePendingReview
	}

	if err := c.deliverables.Create(ctx, d); err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to persist deliverable", req.ID)
		return
	}
	c.trackDeliverable(ctx, req, d, "deliverable.created")

	switch decision {
	case quality.DecisionApprove:
		c.delivered.Add(1)
		c.completeRequest(ctx, req.ID, true, "", false, 0)
		c.trackDeliverable(ctx, req, d, "deliverable.delivered")
		go c.fireCallback(req, d)

	case quality.DecisionReject:
		c.rejected.Add(1)
		// Quality auto-reject is not retryable; a better response needs a
		// new request.
		c.completeRequest(ctx, req.ID, false, "quality auto-reject", false, 0)
		c.trackDeliverable(ctx, req, d, "deliverable.rejected")

	case quality.DecisionReview:
		c.parked.Add(1)
		// The request stays processing until an operator decides.
		c.trackDeliverable(ctx, req, d, "deliverable.pending_review")
	}

	c.logger.Info("Deliverable graded",
		"request_id", req.ID,
		"deliverable_id", d.ID,
		"score", d.Score,
		"decision", string(decision))

	httpapi.WriteJSON(w, http.StatusOK, req.ID, DeliverResponse{
		DeliverableID: d.ID,
		State:         string(d.State),
		QualityScore:  d.Score,
	})
}

func (c *Component) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpapi.WriteError(w, http.StatusMethodNotAllowed, httpapi.CodeRouteNotFound, "method not allowed", "")
		return
	}
	id := r.URL.Query().Get("id")
	requestID := r.URL.Query().Get("request_id")
	if id == "" && requestID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeMissingParam, "id or request_id is required", "")
		return
	}

	var (
		d   *storage.Deliverable
		err error
	)
	if id != "" {
		d, err = c.deliverables.Get(r.Context(), id)
	} else {
		d, err = c.deliverables.GetByRequest(r.Context(), requestID)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeNotFound, "unknown deliverable", requestID)
			return
		}
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to load deliverable", requestID)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, d.RequestID, d)
}

func (c *Component) handleApprove(w http.ResponseWriter, r *http.Request) {
	d, _, ok := c.loadForReview(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	d.State = storage.DeliverableDelivered
	if d.FinalOutput == "" {
		d.FinalOutput = d.Content
	}
	if err := c.deliverables.Update(ctx, d); err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to update deliverable", d.RequestID)
		return
	}

	c.delivered.Add(1)
	c.completeRequest(ctx, d.RequestID, true, "", false, 0)

	req, err := c.requests.Get(ctx, d.RequestID)
	if err == nil {
		c.trackDeliverable(ctx, req, d, "deliverable.delivered")
		go c.fireCallback(req, d)
	}

	httpapi.WriteJSON(w, http.StatusOK, d.RequestID, DeliverResponse{
		DeliverableID: d.ID,
		State:         string(d.State),
		QualityScore:  d.Score,
	})
}

func (c *Component) handleReject(w http.ResponseWriter, r *http.Request) {
	d, reason, ok := c.loadForReview(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	d.State = storage.DeliverableRejected
	if reason != "" {
		d.Error = reason
	}
	if err := c.deliverables.Update(ctx, d); err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to update deliverable", d.RequestID)
		return
	}

	c.rejected.Add(1)
	errMsg := "rejected by review"
	if reason != "" {
		errMsg = reason
	}
	// Manual rejection is a final judgment, not a transient fault.
	c.completeRequest(ctx, d.RequestID, false, errMsg, false, 0)

	if req, err := c.requests.Get(ctx, d.RequestID); err == nil {
		c.trackDeliverable(ctx, req, d, "deliverable.rejected")
	}

	httpapi.WriteJSON(w, http.StatusOK, d.RequestID, DeliverResponse{
		DeliverableID: d.ID,
		State:         string(d.State),
		QualityScore:  d.Score,
	})
}

// loadForReview decodes the review body and loads a deliverable that
// must be in pending_review.
func (c *Component) loadForReview(w http.ResponseWriter, r *http.Request) (*storage.Deliverable, string, bool) {
	if r.Method != http.MethodPost {
		httpapi.WriteError(w, http.StatusMethodNotAllowed, httpapi.CodeRouteNotFound, "method not allowed", "")
		return nil, "", false
	}
	c.updateLastActivity()

	var body struct {
		DeliverableID string `json:"deliverable_id"`
		Reason        string `json:"reason,omitempty"`
	}
	if !httpapi.DecodeJSON(w, r, &body) {
		return nil, "", false
	}
	if body.DeliverableID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeMissingField, "deliverable_id is required", "")
		return nil, "", false
	}

	d, err := c.deliverables.Get(r.Context(), body.DeliverableID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeNotFound, "unknown deliverable", "")
			return nil, "", false
		}
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to load deliverable", "")
		return nil, "", false
	}
	if d.State != storage.DeliverablePendingReview {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidStatus,
			"deliverable is not pending review", d.RequestID)
		return nil, "", false
	}
	return d, body.Reason, true
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

// trackDeliverable records a deliverable lifecycle event.
func (c *Component) trackDeliverable(ctx context.Context, req *request.Request, d *storage.Deliverable, action string) {
	particulars := map[string]any{
		"request_id":    req.ID,
		"content_kind":  string(d.ContentKind),
		"quality_score": d.Score,
		"state":         string(d.State),
	}
	if d.Error != "" {
		particulars["reason"] = d.Error
	}
	c.track(ctx, &event.Event{
		Tenant:        req.Tenant,
		Action:        action,
		EventableKind: "deliverable",
		EventableID:   d.ID,
		Particulars: particulars,
	})
}
