//go:build integration

package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/dispatchengine/request"
	"github.com/c360studio/dispatchengine/router"
)

func startIntake(t *testing.T) (*Component, *http.ServeMux) {
	t.Helper()
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())

	raw, _ := json.Marshal(map[string]any{"default_tenant": "acme"})
	disc, err := NewComponent(raw, component.Dependencies{NATSClient: tc.Client})
	if err != nil {
		t.Fatalf("NewComponent: %v", err)
	}
	c := disc.(*Component)
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop(time.Second) })

	mux := http.NewServeMux()
	c.RegisterHTTPHandlers("/dispatch/", mux)
	return c, mux
}

// startIntakeWithEngine additionally installs a store-backed engine so
// submissions land in a live queue.
func startIntakeWithEngine(t *testing.T) (*Component, *http.ServeMux) {
	t.Helper()
	c, mux := startIntake(t)

	router.ResetGlobal()
	engine := router.NewEngine(router.Config{
		ProviderLimits: map[string]router.Limits{
			// Zero rpm freezes dispatch so requests stay queued.
			"openai": {RPMCap: 0, ConcurrentCap: 5, ProcessingTimeMs: 1000},
		},
	}, router.Callbacks{
		Persist: func(ctx context.Context, r *request.Request) error {
			return c.requests.Update(ctx, r)
		},
	}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)
	router.InitGlobal(engine)
	t.Cleanup(func() {
		cancel()
		router.ResetGlobal()
	})
	return c, mux
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestIntakeRejectsEmptyQuery(t *testing.T) {
	_, mux := startIntake(t)

	rec := postJSON(t, mux, "/dispatch/intake", map[string]any{"query": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body struct {
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.ErrorCode != "MISSING_QUERY" {
		t.Errorf("error_code = %s, want MISSING_QUERY", body.ErrorCode)
	}
}

func TestIntakeRejectsMalformedJSON(t *testing.T) {
	_, mux := startIntake(t)

	req := httptest.NewRequest(http.MethodPost, "/dispatch/intake", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestIntakeAcceptsAndQueues(t *testing.T) {
	c, mux := startIntakeWithEngine(t)

	rec := postJSON(t, mux, "/dispatch/intake", map[string]any{
		"query":    "summarize this report",
		"metadata": map[string]string{"source": "test"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var resp acceptedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RequestID == "" {
		t.Fatal("missing request_id")
	}
	if resp.State != "queued" {
		t.Errorf("state = %s, want queued", resp.State)
	}
	if resp.QueuePosition != 1 {
		t.Errorf("queue_position = %d, want 1", resp.QueuePosition)
	}
	if rec.Header().Get("X-Request-ID") != resp.RequestID {
		t.Errorf("X-Request-ID = %s, want %s", rec.Header().Get("X-Request-ID"), resp.RequestID)
	}

	stored, err := c.requests.Get(context.Background(), resp.RequestID)
	if err != nil {
		t.Fatalf("stored request: %v", err)
	}
	if stored.Tenant != "acme" {
		t.Errorf("tenant = %s, want default tenant acme", stored.Tenant)
	}
	if stored.TaskType != "text" {
		t.Errorf("task_type = %s, want text", stored.TaskType)
	}
	if stored.State != request.StateQueued {
		t.Errorf("stored state = %s, want queued", stored.State)
	}
}

func TestIntakeExplicitHintsWin(t *testing.T) {
	c, mux := startIntakeWithEngine(t)

	rec := postJSON(t, mux, "/dispatch/intake", map[string]any{
		"query":     "draw me a picture of a fox",
		"task_type": "text",
		"provider":  "openai",
		"model":     "gpt-4o",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp acceptedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	stored, err := c.requests.Get(context.Background(), resp.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.TaskType != "text" || stored.Provider != "openai" || stored.Model != "gpt-4o" {
		t.Errorf("routing = %s/%s/%s, want text/openai/gpt-4o",
			stored.TaskType, stored.Provider, stored.Model)
	}
	if stored.Confidence != 1.0 {
		t.Errorf("confidence = %f, want 1.0 for explicit task type", stored.Confidence)
	}
}

func TestIntakeResubmissionIsIdempotent(t *testing.T) {
	c, mux := startIntakeWithEngine(t)

	first := postJSON(t, mux, "/dispatch/intake", map[string]any{
		"request_id": "fixed-id-1",
		"query":      "hello world",
		"metadata":   map[string]string{"v": "1"},
	})
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d: %s", first.Code, first.Body.String())
	}

	second := postJSON(t, mux, "/dispatch/intake", map[string]any{
		"request_id": "fixed-id-1",
		"query":      "hello world",
		"metadata":   map[string]string{"v": "2"},
	})
	if second.Code != http.StatusAccepted {
		t.Fatalf("second status = %d: %s", second.Code, second.Body.String())
	}
	var resp acceptedResponse
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.QueuePosition != 1 {
		t.Errorf("resubmission queue_position = %d, want existing position 1", resp.QueuePosition)
	}

	stored, err := c.requests.Get(context.Background(), "fixed-id-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Hints.Metadata["v"] != "2" {
		t.Errorf("metadata v = %s, want last-write-wins 2", stored.Hints.Metadata["v"])
	}
	if len(stored.StatusChanges) != 1 {
		t.Errorf("status changes = %d, want 1 (no duplicate enqueue)", len(stored.StatusChanges))
	}

	// A terminal request refuses id reuse.
	ctx := context.Background()
	if err := stored.Transition(request.StateProcessing); err != nil {
		t.Fatal(err)
	}
	if err := stored.Transition(request.StateCompleted); err != nil {
		t.Fatal(err)
	}
	// Bypass the engine so the stored row alone is terminal.
	router.ResetGlobal()
	if err := c.requests.Update(ctx, stored); err != nil {
		t.Fatal(err)
	}
	third := postJSON(t, mux, "/dispatch/intake", map[string]any{
		"request_id": "fixed-id-1",
		"query":      "hello again",
	})
	if third.Code != http.StatusConflict {
		t.Errorf("terminal reuse status = %d, want 409", third.Code)
	}
}

func TestIntakeStatusAndCancel(t *testing.T) {
	_, mux := startIntakeWithEngine(t)

	rec := postJSON(t, mux, "/dispatch/intake", map[string]any{"query": "translate this to French"})
	var resp acceptedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/dispatch/status?request_id="+resp.RequestID, nil)
	statusRec := httptest.NewRecorder()
	mux.ServeHTTP(statusRec, statusReq)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", statusRec.Code, statusRec.Body.String())
	}
	var status statusResponse
	if err := json.Unmarshal(statusRec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.State != "queued" || status.QueuePosition != 1 {
		t.Errorf("status = %s/%d, want queued/1", status.State, status.QueuePosition)
	}

	cancelRec := postJSON(t, mux, "/dispatch/cancel", map[string]any{"request_id": resp.RequestID})
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", cancelRec.Code, cancelRec.Body.String())
	}

	// Cancel is idempotent.
	again := postJSON(t, mux, "/dispatch/cancel", map[string]any{"request_id": resp.RequestID})
	if again.Code != http.StatusOK {
		t.Errorf("repeat cancel status = %d, want 200", again.Code)
	}
}

func TestIntakeStatusUnknownRequest(t *testing.T) {
	_, mux := startIntake(t)

	req := httptest.NewRequest(http.MethodGet, "/dispatch/status?request_id=nope", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestIntakeHealth(t *testing.T) {
	c, mux := startIntake(t)

	req := httptest.NewRequest(http.MethodGet, "/dispatch/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !c.IsRunning() {
		t.Error("component should report running")
	}
}
