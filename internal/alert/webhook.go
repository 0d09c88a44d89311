// Package alert delivers operator notifications over a webhook. Delivery is
// best effort: errors are returned for logging but callers never fail a
// domain operation over a missed alert.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Webhook struct {
	url      string
	instance string
	client   *http.Client
}

// NewWebhook creates a webhook notifier. An empty URL yields a notifier that
// silently drops everything, so callers can wire it unconditionally.
func NewWebhook(url, instance string) *Webhook {
	return &Webhook{
		url:      url,
		instance: instance,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type payload struct {
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Instance string `json:"instance,omitempty"`
	SentAt   string `json:"sent_at"`
}

func (w *Webhook) Notify(ctx context.Context, subject, body string) error {
	if w.url == "" {
		return nil
	}
	data, err := json.Marshal(payload{
		Subject:  subject,
		Body:     body,
		Instance: w.instance,
		SentAt:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
