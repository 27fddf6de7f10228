package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/dispatchengine/event"
)

// Outbound webhook headers.
const (
	headerEvent     = "X-DE-Event"
	headerDelivery  = "X-DE-Delivery"
	headerSignature = "X-DE-Signature"
)

// maxStoredBody bounds the response excerpt kept on the attempt row.
const maxStoredBody = 4096

// deliver runs the bounded retry ladder for one subscription. body is
// the already-marshaled webhook payload; notification-service hosts get
// the templated payload instead. Each attempt is recorded on a durable
// delivery row, so the outcome survives the process.
func (c *Component) deliver(ctx context.Context, sub *event.Subscription, e *event.Event, body []byte) {
	if c.isNotificationHost(sub.URL) {
		rendered, err := json.Marshal(event.RenderNotification(e))
		if err != nil {
			c.logger.Error("Failed to render notification payload",
				"event_id", e.ID,
				"subscription_id", sub.ID,
				"error", err)
			return
		}
		body = rendered
	}

	attempt := &event.DeliveryAttempt{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		EventID:        e.ID,
		State:          event.DeliveryPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.store.CreateDelivery(ctx, attempt); err != nil {
		c.logger.Error("Failed to create delivery row",
			"event_id", e.ID,
			"subscription_id", sub.ID,
			"error", err)
		return
	}

	delay := c.config.initialDelay()
	for n := 1; n <= c.config.MaxAttempts; n++ {
		attempt.Attempts = n

		code, respBody, retryAfter, err := c.post(ctx, sub, e, attempt.ID, body)
		attempt.LastCode = code
		attempt.LastBody = event.SanitizeBody(respBody)
		if err != nil {
			attempt.LastError = err.Error()
		} else {
			attempt.LastError = ""
		}

		if err == nil && code >= 200 && code < 300 {
			attempt.State = event.DeliveryDelivered
			c.updateDelivery(ctx, attempt)
			c.delivered.Add(1)
			webhookDeliveries.WithLabelValues("delivered").Inc()
			c.logger.Debug("Webhook delivered",
				"event_id", e.ID,
				"subscription_id", sub.ID,
				"attempts", n)
			return
		}

		if n < c.config.MaxAttempts {
			attempt.State = event.DeliveryRetrying
			c.updateDelivery(ctx, attempt)

			wait := delay
			if retryAfter > 0 {
				wait = retryAfter
			}
			delay *= 2
			if !sleepCtx(ctx, wait) {
				return
			}
		}
	}

	attempt.State = event.DeliveryFailed
	c.updateDelivery(ctx, attempt)
	c.failed.Add(1)
	webhookDeliveries.WithLabelValues("failed").Inc()
	c.logger.Warn("Webhook delivery failed",
		"event_id", e.ID,
		"subscription_id", sub.ID,
		"url", sub.URL,
		"attempts", attempt.Attempts,
		"last_code", attempt.LastCode)
	c.markSubscriptionFailure(ctx, sub, attempt)
}

// post performs one signed delivery attempt. The returned duration is
// the parsed Retry-After, zero when absent.
func (c *Component) post(ctx context.Context, sub *event.Subscription, e *event.Event, deliveryID string, body []byte) (int, string, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.attemptTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", 0, err
	}
	webhookAttempts.Inc()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, e.Action)
	req.Header.Set(headerDelivery, deliveryID)
	if sub.Secret != "" {
		req.Header.Set(headerSignature, event.Signature(sub.Secret, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxStoredBody))
	return resp.StatusCode, string(excerpt), retryAfterDelay(resp.Header.Get("Retry-After")), nil
}

// markSubscriptionFailure bumps the failure counter after an exhausted
// retry ladder. The subscription stays active; disabling is an operator
// decision.
func (c *Component) markSubscriptionFailure(ctx context.Context, sub *event.Subscription, attempt *event.DeliveryAttempt) {
	sub.FailureCount++
	if attempt.LastError != "" {
		sub.LastFailure = attempt.LastError
	} else {
		sub.LastFailure = "status " + strconv.Itoa(attempt.LastCode)
	}
	if err := c.store.UpdateSubscription(ctx, sub); err != nil {
		c.logger.Warn("Failed to record subscription failure",
			"subscription_id", sub.ID,
			"error", err)
	}
}

func (c *Component) updateDelivery(ctx context.Context, attempt *event.DeliveryAttempt) {
	if err := c.store.UpdateDelivery(ctx, attempt); err != nil {
		c.logger.Warn("Failed to update delivery row",
			"delivery_id", attempt.ID,
			"error", err)
	}
}

func (c *Component) isNotificationHost(rawURL string) bool {
	if len(c.config.NotificationHosts) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	for _, host := range c.config.NotificationHosts {
		if u.Host == host || u.Hostname() == host {
			return true
		}
	}
	return false
}

// retryAfterDelay parses a Retry-After header given in seconds. Zero
// means absent or unparseable.
func retryAfterDelay(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// sleepCtx waits for d unless the context ends first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
