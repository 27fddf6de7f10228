//go:build integration

package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/dispatchengine/request"
	"github.com/c360studio/dispatchengine/router"
)

func startDispatcher(t *testing.T, cfg map[string]any) *Component {
	t.Helper()
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())

	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	disc, err := NewComponent(raw, component.Dependencies{NATSClient: tc.Client})
	if err != nil {
		t.Fatalf("NewComponent: %v", err)
	}
	c := disc.(*Component)
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	router.ResetGlobal()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Stop(time.Second)
		router.ResetGlobal()
	})
	return c
}

func TestEnqueueOverNATSPersistsAndQueues(t *testing.T) {
	c := startDispatcher(t, map[string]any{
		"providers": map[string]router.Limits{
			"openai": {RPMCap: 0, ConcurrentCap: 5, ProcessingTimeMs: 1000},
		},
	})
	ctx := context.Background()

	req := request.NewRequest("acme", "summarize quarterly results", request.Hints{})
	req.TaskType = "text"
	req.Provider = "openai"
	req.Model = "gpt-4o-mini"

	body, err := json.Marshal(&request.EnqueueRequest{Request: req})
	if err != nil {
		t.Fatal(err)
	}
	replyData, err := c.handleEnqueueRequest(ctx, body)
	if err != nil {
		t.Fatalf("handleEnqueueRequest: %v", err)
	}
	var reply request.EnqueueReply
	if err := json.Unmarshal(replyData, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Error != "" {
		t.Fatalf("reply error: %s", reply.Error)
	}
	if reply.QueuePosition != 1 {
		t.Errorf("queue_position = %d, want 1", reply.QueuePosition)
	}

	// The row was persisted on behalf of the producer.
	stored, err := c.requests.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("stored request: %v", err)
	}
	if stored.State != request.StateQueued {
		t.Errorf("state = %s, want queued", stored.State)
	}
}

func TestEnqueueRejectsMalformedPayload(t *testing.T) {
	c := startDispatcher(t, nil)

	replyData, err := c.handleEnqueueRequest(context.Background(), []byte(`{"request": null}`))
	if err != nil {
		t.Fatalf("handleEnqueueRequest: %v", err)
	}
	var reply request.EnqueueReply
	if err := json.Unmarshal(replyData, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Error == "" {
		t.Error("expected an error for a nil request")
	}
}

func TestSweepEnqueuesPendingRequests(t *testing.T) {
	c := startDispatcher(t, map[string]any{
		"providers": map[string]router.Limits{
			"openai": {RPMCap: 0, ConcurrentCap: 5, ProcessingTimeMs: 1000},
		},
	})
	ctx := context.Background()

	// A request persisted but never handed to the engine, as after a
	// crash between the durable write and the enqueue.
	stranded := request.NewRequest("acme", "stranded work", request.Hints{})
	stranded.TaskType = "text"
	stranded.Provider = "openai"
	if err := c.requests.Create(ctx, stranded); err != nil {
		t.Fatal(err)
	}

	c.sweepPending(ctx)

	info, err := c.engine.Status(ctx, stranded.ID)
	if err != nil {
		t.Fatalf("status after sweep: %v", err)
	}
	if info.State != request.StateQueued {
		t.Errorf("state = %s, want queued", info.State)
	}
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	cfg := map[string]any{
		"providers": map[string]router.Limits{
			"openai": {RPMCap: 0, ConcurrentCap: 5, ProcessingTimeMs: 1000},
		},
	}
	raw, _ := json.Marshal(cfg)

	newInstance := func() *Component {
		disc, err := NewComponent(raw, component.Dependencies{NATSClient: tc.Client})
		if err != nil {
			t.Fatalf("NewComponent: %v", err)
		}
		c := disc.(*Component)
		router.ResetGlobal()
		if err := c.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
		return c
	}

	first := newInstance()
	req := request.NewRequest("acme", "durable work", request.Hints{})
	req.TaskType = "text"
	req.Provider = "openai"
	if err := first.requests.Create(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := first.engine.Enqueue(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := first.Stop(time.Second); err != nil {
		t.Fatal(err)
	}

	second := newInstance()
	t.Cleanup(func() {
		_ = second.Stop(time.Second)
		router.ResetGlobal()
	})

	info, err := second.engine.Status(ctx, req.ID)
	if err != nil {
		t.Fatalf("status after restart: %v", err)
	}
	if info.State != request.StateQueued {
		t.Errorf("state = %s, want queued after restore", info.State)
	}
	if info.QueuePosition != 1 {
		t.Errorf("queue_position = %d, want 1", info.QueuePosition)
	}
}

func TestApplyLimitsReachesEngine(t *testing.T) {
	c := startDispatcher(t, map[string]any{
		"providers": map[string]router.Limits{
			"openai": {RPMCap: 0, ConcurrentCap: 5, ProcessingTimeMs: 1000},
		},
	})
	ctx := context.Background()

	// Materialize the openai queue before reloading its limits.
	seed := request.NewRequest("acme", "seed", request.Hints{})
	seed.TaskType = "text"
	seed.Provider = "openai"
	if err := c.requests.Create(ctx, seed); err != nil {
		t.Fatal(err)
	}
	if _, err := c.engine.Enqueue(ctx, seed); err != nil {
		t.Fatal(err)
	}

	c.ApplyLimits(ctx, map[string]router.Limits{
		"openai": {RPMCap: 99, ConcurrentCap: 9, ProcessingTimeMs: 500},
	})

	snap, err := c.engine.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range snap.Providers {
		if p.Provider == "openai" {
			if p.Limits.RPMCap != 99 || p.Limits.ConcurrentCap != 9 {
				t.Errorf("limits = %+v, want 99/9", p.Limits)
			}
			return
		}
	}
	t.Fatal("openai provider not present after ApplyLimits")
}
