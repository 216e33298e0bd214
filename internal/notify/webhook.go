package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sua-org/cam-console/internal/core"
)

// Webhook faz POST JSON do alerta para WEBHOOK_URL.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhookFromEnv() *Webhook {
	return NewWebhook(strings.TrimSpace(os.Getenv("WEBHOOK_URL")), nil)
}

func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Webhook{url: url, client: client}
}

func (w *Webhook) Name() string  { return "webhook" }
func (w *Webhook) Enabled() bool { return w != nil && w.url != "" }

type webhookPayload struct {
	Timestamp     string          `json:"timestamp"`
	FormattedTime string          `json:"formatted_time"`
	CameraName    string          `json:"camera_name,omitempty"`
	AlertType     string          `json:"alert_type"`
	Message       string          `json:"message"`
	Details       core.AlertEvent `json:"details"`
}

func (w *Webhook) Notify(ctx context.Context, evt core.AlertEvent) error {
	alertType, _ := evt.Payload["type"].(string)
	if alertType == "" {
		alertType = "generic"
	}
	body, err := json.Marshal(webhookPayload{
		Timestamp:     evt.Timestamp.UTC().Format(time.RFC3339Nano),
		FormattedTime: evt.Timestamp.Local().Format("2006-01-02 15:04:05"),
		CameraName:    evt.Source(),
		AlertType:     alertType,
		Message:       evt.Message,
		Details:       evt,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
