package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// WebhookNotifier POSTs events as JSON to a configured endpoint. Outbound
// calls are rate-limited so a burst of decisions cannot flood the
// receiver.
type WebhookNotifier struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewWebhookNotifier creates a notifier for the given endpoint, allowing
// at most rps requests per second with a small burst.
func NewWebhookNotifier(endpoint string, rps float64) *WebhookNotifier {
	return &WebhookNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(rps), 5),
	}
}

// Notify delivers one event. It blocks on the rate limiter up to the
// context deadline.
func (n *WebhookNotifier) Notify(ctx context.Context, event string, payload map[string]any) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify: rate limit wait: %w", err)
	}
	body, err := json.Marshal(map[string]any{
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", event, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ODDC-Event", event)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver %s: %w", event, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %d for %s", resp.StatusCode, event)
	}
	return nil
}
