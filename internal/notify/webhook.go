// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
)

// WebhookSink posts {"title": ..., "text": ...} to an incoming-webhook URL.
// The "text" key is understood by Slack, Mattermost and Teams connectors.
type WebhookSink struct {
	client *retryablehttp.Client
	url    string
}

func NewWebhookSink(client *retryablehttp.Client, url string) *WebhookSink {
	return &WebhookSink{client: client, url: url}
}

type webhookMessage struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

func (s *WebhookSink) Send(ctx context.Context, title, body string) error {
	payload, err := json.Marshal(webhookMessage{Title: title, Text: body})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, payload)
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
