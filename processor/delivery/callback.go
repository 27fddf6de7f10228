package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/c360studio/semstreams/pkg/retry"

	"github.com/c360studio/dispatchengine/request"
	"github.com/c360studio/dispatchengine/storage"
)

// callbackPayload is posted to the client's callback URL when its
// request completes.
type callbackPayload struct {
	RequestID     string  `json:"request_id"`
	State         string  `json:"state"`
	DeliverableID string  `json:"deliverable_id"`
	ContentKind   string  `json:"content_kind"`
	Content       string  `json:"content,omitempty"`
	QualityScore  float64 `json:"quality_score"`
	Error         string  `json:"error,omitempty"`
}

// fireCallback posts the completion to the client's callback URL.
// Best effort: failures are logged and swallowed, never regressing the
// request state.
func (c *Component) fireCallback(req *request.Request, d *storage.Deliverable) {
	url := req.Hints.CallbackURL
	if url == "" {
		return
	}

	payload := callbackPayload{
		RequestID:     req.ID,
		State:         string(request.StateCompleted),
		DeliverableID: d.ID,
		ContentKind:   string(d.ContentKind),
		Content:       d.FinalOutput,
		QualityScore:  d.Score,
		Error:         d.Error,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("Failed to marshal callback payload", "request_id", req.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*c.config.callbackTimeout())
	defer cancel()

	retryConfig := retry.DefaultConfig()
	err = retry.Do(ctx, retryConfig, func() error {
		return c.postCallback(ctx, url, body)
	})
	if err != nil {
		c.callbackFailures.Add(1)
		c.logger.Warn("Client callback failed after retries",
			"request_id", req.ID,
			"url", url,
			"error", err)
	}
}

func (c *Component) postCallback(ctx context.Context, url string, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("build callback request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	default:
		// Other 4xx responses will not improve on retry.
		return retry.NonRetryable(fmt.Errorf("callback returned %d", resp.StatusCode))
	}
}
