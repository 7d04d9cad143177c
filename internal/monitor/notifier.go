package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/phantomlabs/phantom/internal/domain"
)

// WebhookNotifier is a bus subscriber that POSTs each event as JSON to a
// per-monitor webhook URL. Delivery retries a few times with exponential
// backoff and then gives up; events are telemetry, not jobs.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier posts events to url.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client}
}

// Notify implements Subscriber.
func (n *WebhookNotifier) Notify(ctx context.Context, ev domain.ProductEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("webhook notify marshal", slog.Any("error", err))
		return
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err = backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook delivery: status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("webhook delivery: status %d", resp.StatusCode))
		}
		return nil
	}, policy)
	if err != nil {
		slog.Warn("webhook delivery failed",
			slog.String("event_id", ev.ID), slog.Any("error", err))
	}
}
