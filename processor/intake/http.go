package intake

import (
	"errors"
	"net/http"
	"time"

	"github.com/c360studio/dispatchengine/classify"
	"github.com/c360studio/dispatchengine/event"
	"github.com/c360studio/dispatchengine/httpapi"
	"github.com/c360studio/dispatchengine/request"
	"github.com/c360studio/dispatchengine/router"
	"github.com/c360studio/dispatchengine/storage"
)

// Submission is the POST intake body.
type Submission struct {
	RequestID    string            `json:"request_id,omitempty"`
	Tenant       string            `json:"tenant,omitempty"`
	Query        string            `json:"query"`
	AppID        string            `json:"app_id,omitempty"`
	InstanceID   string            `json:"instance_id,omitempty"`
	TaskType     string            `json:"task_type,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	Model        string            `json:"model,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	CallbackURL  string            `json:"callback_url,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RepoURL      string            `json:"repo_url,omitempty"`
	Executor     string            `json:"executor,omitempty"`
	Waterfall    []string          `json:"model_waterfall,omitempty"`
	PrimaryModel string            `json:"primary_model,omitempty"`
	TimeoutMs    int64             `json:"timeout_ms,omitempty"`
}

// acceptedResponse is the 202 body for an accepted submission.
type acceptedResponse struct {
	RequestID       string `json:"request_id"`
	State           string `json:"state"`
	QueuePosition   int    `json:"queue_position,omitempty"`
	EstimatedWaitMs int64  `json:"estimated_wait_ms,omitempty"`
	WorkflowHandle  string `json:"workflow_handle,omitempty"`
}

// statusResponse is the GET status body.
type statusResponse struct {
	RequestID     string     `json:"request_id"`
	State         string     `json:"state"`
	QueuePosition int        `json:"queue_position,omitempty"`
	RetryCount    int        `json:"retry_count"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	QueuedAt      *time.Time `json:"queued_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// RegisterHTTPHandlers registers HTTP handlers for the intake component.
// The prefix includes the trailing slash (e.g., "/intake/").
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"intake", c.handleIntake)
	mux.HandleFunc(prefix+"status", c.handleStatus)
	mux.HandleFunc(prefix+"cancel", c.handleCancel)
	mux.HandleFunc(prefix+"health", c.handleHealth)
}

func (c *Component) handleIntake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpapi.WriteError(w, http.StatusMethodNotAllowed, httpapi.CodeRouteNotFound, "method not allowed", "")
		return
	}
	c.updateLastActivity()

	var sub Submission
	if !httpapi.DecodeJSON(w, r, &sub) {
		c.rejected.Add(1)
		return
	}
	if sub.Query == "" {
		c.rejected.Add(1)
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeMissingQuery, "query is required", sub.RequestID)
		return
	}

	tenant := sub.Tenant
	if tenant == "" {
		tenant = c.config.DefaultTenant
	}

	// Idempotent resubmission of a known id: refresh metadata, never
	// insert a second queue entry.
	if sub.RequestID != "" {
		if done := c.handleResubmission(w, r, &sub, tenant); done {
			return
		}
	}

	req := c.buildRequest(&sub, tenant)

	// The durable write must succeed before the handoff.
	if err := c.requests.Create(r.Context(), req); err != nil {
		c.rejected.Add(1)
		c.logger.Error("Failed to persist request", "request_id", req.ID, "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to persist request", req.ID)
		return
	}
	c.track(r.Context(), &event.Event{
		Tenant:        tenant,
		Action:        "request.created",
		EventableKind: "request",
		EventableID:   req.ID,
		Particulars: map[string]any{
			"task_type": req.TaskType,
			"provider":  req.Provider,
		},
		ClientIP:  r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})

	engine := c.engine()
	if engine == nil {
		// No engine yet: the pending sweep enqueues it once the router
		// is up.
		c.accepted.Add(1)
		httpapi.WriteJSON(w, http.StatusAccepted, req.ID, acceptedResponse{
			RequestID: req.ID,
			State:     string(request.StatePending),
		})
		return
	}

	res, err := engine.Enqueue(r.Context(), req)
	if err != nil {
		// Request stays pending; the background sweep picks it up.
		c.logger.Warn("Enqueue failed, leaving request pending",
			"request_id", req.ID, "error", err)
		c.accepted.Add(1)
		httpapi.WriteJSON(w, http.StatusAccepted, req.ID, acceptedResponse{
			RequestID: req.ID,
			State:     string(request.StatePending),
		})
		return
	}

	c.accepted.Add(1)
	c.logger.Info("Request accepted",
		"request_id", req.ID,
		"tenant", tenant,
		"task_type", req.TaskType,
		"provider", req.Provider,
		"queue_position", res.QueuePosition)

	httpapi.WriteJSON(w, http.StatusAccepted, req.ID, acceptedResponse{
		RequestID:       req.ID,
		State:           string(request.StateQueued),
		QueuePosition:   res.QueuePosition,
		EstimatedWaitMs: res.EstimatedWaitMs,
	})
}

// handleResubmission applies last-write-wins metadata semantics for a
// reused request id. Returns true when the response was written.
func (c *Component) handleResubmission(w http.ResponseWriter, r *http.Request, sub *Submission, tenant string) bool {
	existing, err := c.requests.Get(r.Context(), sub.RequestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false // fresh id, proceed normally
		}
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to load request", sub.RequestID)
		return true
	}

	if existing.State.IsTerminal() {
		c.rejected.Add(1)
		httpapi.WriteError(w, http.StatusConflict, httpapi.CodeInvalidStatus,
			"request id was already used by a terminal request", sub.RequestID)
		return true
	}

	// Last-write-wins on the metadata mapping only.
	if sub.Metadata != nil {
		existing.Hints.Metadata = sub.Metadata
		if err := c.requests.Update(r.Context(), existing); err != nil {
			c.logger.Warn("Failed to update resubmitted metadata", "request_id", existing.ID, "error", err)
		}
	}

	resp := acceptedResponse{
		RequestID: existing.ID,
		State:     string(existing.State),
	}
	if engine := c.engine(); engine != nil {
		if info, err := engine.Status(r.Context(), existing.ID); err == nil {
			resp.State = string(info.State)
			resp.QueuePosition = info.QueuePosition
		}
	}
	httpapi.WriteJSON(w, http.StatusAccepted, existing.ID, resp)
	return true
}

// buildRequest assembles the persisted request, classifying when the
// client has not pinned the route outright.
func (c *Component) buildRequest(sub *Submission, tenant string) *request.Request {
	hints := request.Hints{
		TaskType:    sub.TaskType,
		Provider:    sub.Provider,
		Model:       sub.Model,
		Waterfall:   sub.Waterfall,
		Priority:    sub.Priority,
		CallbackURL: sub.CallbackURL,
		RepoURL:     sub.RepoURL,
		Executor:    sub.Executor,
		Metadata:    sub.Metadata,
	}

	req := request.NewRequest(tenant, sub.Query, hints)
	if sub.RequestID != "" {
		req.ID = sub.RequestID
	}
	req.AppID = sub.AppID
	req.InstanceID = sub.InstanceID

	result := classify.Classify(classify.Input{
		Query:    sub.Query,
		TaskType: sub.TaskType,
		Executor: sub.Executor,
		RepoURL:  sub.RepoURL,
	}, c.routes)

	req.TaskType = string(result.TaskType)
	req.Subtask = result.Subtask
	req.Provider = result.Provider
	req.Model = result.Model
	req.Confidence = result.Confidence

	// Explicit provider/model hints override the routing table.
	if sub.Provider != "" {
		req.Provider = sub.Provider
	}
	if sub.Model != "" {
		req.Model = sub.Model
	}
	if sub.PrimaryModel != "" {
		req.Model = sub.PrimaryModel
	}
	if len(sub.Waterfall) > 0 {
		req.Hints.Waterfall = sub.Waterfall
	} else if len(result.Waterfall) > 0 {
		req.Hints.Waterfall = result.Waterfall
	}
	return req
}

func (c *Component) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpapi.WriteError(w, http.StatusMethodNotAllowed, httpapi.CodeRouteNotFound, "method not allowed", "")
		return
	}
	id := r.URL.Query().Get("request_id")
	if id == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeMissingParam, "request_id is required", "")
		return
	}

	req, err := c.requests.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeNotFound, "unknown request", id)
			return
		}
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to load request", id)
		return
	}

	resp := statusResponse{
		RequestID:   req.ID,
		State:       string(req.State),
		RetryCount:  req.RetryCount,
		Error:       req.ErrorMessage,
		CreatedAt:   req.CreatedAt,
		QueuedAt:    req.QueuedAt,
		StartedAt:   req.StartedAt,
		CompletedAt: req.CompletedAt,
	}

	// Live queue position comes from the engine, not the stored row.
	if engine := c.engine(); engine != nil && !req.State.IsTerminal() {
		if info, err := engine.Status(r.Context(), id); err == nil {
			resp.State = string(info.State)
			resp.QueuePosition = info.QueuePosition
			resp.RetryCount = info.RetryCount
			resp.Error = info.ErrorMessage
		}
	}

	httpapi.WriteJSON(w, http.StatusOK, id, resp)
}

func (c *Component) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpapi.WriteError(w, http.StatusMethodNotAllowed, httpapi.CodeRouteNotFound, "method not allowed", "")
		return
	}
	var body struct {
		RequestID string `json:"request_id"`
	}
	if !httpapi.DecodeJSON(w, r, &body) {
		return
	}
	if body.RequestID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeMissingField, "request_id is required", "")
		return
	}

	if engine := c.engine(); engine != nil {
		state, err := engine.Cancel(r.Context(), body.RequestID)
		switch {
		case err == nil:
			httpapi.WriteJSON(w, http.StatusOK, body.RequestID, map[string]string{"state": string(state)})
			return
		case errors.Is(err, router.ErrInvalidState):
			httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidStatus,
				"request cannot be cancelled from state "+string(state), body.RequestID)
			return
		case errors.Is(err, router.ErrUnknownRequest):
			// Possibly still pending: fall through to the store.
		default:
			httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "cancel failed", body.RequestID)
			return
		}
	}

	req, err := c.requests.Get(r.Context(), body.RequestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeNotFound, "unknown request", body.RequestID)
			return
		}
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "failed to load request", body.RequestID)
		return
	}
	if req.State == request.StateCancelled {
		httpapi.WriteJSON(w, http.StatusOK, req.ID, map[string]string{"state": string(request.StateCancelled)})
		return
	}
	if req.State != request.StatePending {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidStatus,
			"request cannot be cancelled from state "+string(req.State), req.ID)
		return
	}
	if err := req.Transition(request.StateCancelled); err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "cancel failed", req.ID)
		return
	}
	if err := c.requests.Update(r.Context(), req); err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternalError, "cancel failed", req.ID)
		return
	}
	c.track(r.Context(), &event.Event{
		Tenant:        req.Tenant,
		Action:        "request.cancelled",
		EventableKind: "request",
		EventableID:   req.ID,
	})
	httpapi.WriteJSON(w, http.StatusOK, req.ID, map[string]string{"state": string(request.StateCancelled)})
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
