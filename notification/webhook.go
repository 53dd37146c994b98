package notification

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"site-analytics/models"
)

// WebhookSender posts the summary as JSON to a generic endpoint.
type WebhookSender struct {
	webhookURL string
	headers    map[string]string
	client     *http.Client
}

// WebhookPayload is the JSON body sent to the webhook endpoint.
type WebhookPayload struct {
	EventType string          `json:"event_type"` // new_sessions
	Source    string          `json:"source"`
	Summary   *models.Summary `json:"summary"`
}

func NewWebhookSender(webhookURL string, headers map[string]string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return &WebhookSender{
		webhookURL: webhookURL,
		headers:    h,
		client:     &http.Client{Timeout: timeout},
	}
}

func (w *WebhookSender) Name() string { return "webhook" }

func (w *WebhookSender) Send(ctx context.Context, summary *models.Summary) error {
	body, err := json.Marshal(WebhookPayload{
		EventType: "new_sessions",
		Source:    "site-analytics",
		Summary:   summary,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
