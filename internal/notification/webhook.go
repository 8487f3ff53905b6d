package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookNotifier POSTs every alert as a JSON document.
type WebhookNotifier struct {
	URL string

	// Header is added to every request, e.g. an Authorization token.
	Header http.Header

	Client *http.Client
}

// NewWebhookNotifier posts to url with a 10s client timeout.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Header: http.Header{}, Client: &http.Client{Timeout: 10 * time.Second}}
}

type webhookPayload struct {
	Alert
	TS time.Time `json:"ts"`
}

func (w *WebhookNotifier) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(webhookPayload{Alert: a, TS: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	for k, vs := range w.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post %s: %w", a.Title, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook: %s answered %s", w.URL, resp.Status)
	}
	return nil
}
