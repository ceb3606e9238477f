package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"dio/internal/model"
	"dio/pkg/logger"
)

// WebhookNotifier posts scaling intents to an operator webhook. The body is a
// Feishu-style text message so it can be pointed at a chat bot directly.
type WebhookNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewWebhookNotifier creates a notifier, nil when url is empty
func NewWebhookNotifier(url string) *WebhookNotifier {
	if url == "" {
		return nil
	}
	return &WebhookNotifier{
		webhookURL: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// webhookMessage payload posted to the webhook
type webhookMessage struct {
	MsgType string               `json:"msg_type"`
	Content webhookContent       `json:"content"`
	Intent  *model.ScalingIntent `json:"intent"`
}

type webhookContent struct {
	Text string `json:"text"`
}

// NotifyIntent sends the intent to the webhook
func (n *WebhookNotifier) NotifyIntent(ctx context.Context, intent *model.ScalingIntent) error {
	payload, err := json.Marshal(webhookMessage{
		MsgType: "text",
		Content: webhookContent{Text: formatIntent(intent)},
		Intent:  intent,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status code: %d", resp.StatusCode)
	}

	logger.DebugCtx(ctx, "webhook notification sent for intent %s", intent.ID)
	return nil
}

func formatIntent(intent *model.ScalingIntent) string {
	text := fmt.Sprintf("[dio] %s %s: %s by %d (%d -> %d)\nreason: %s",
		intent.ModelID, intent.Status, intent.Direction, intent.Magnitude,
		intent.FromWorkers, intent.TargetWorkers, intent.Reason)
	if len(intent.WorkerIDs) > 0 {
		text += fmt.Sprintf("\nworkers: %v", intent.WorkerIDs)
	}
	if intent.Message != "" {
		text += "\n" + intent.Message
	}
	return text
}
