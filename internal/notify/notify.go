// Package notify delivers compliance alerts to operators.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"starline.org/internal/obs"
)

// Alert is the payload handed to a dispatcher when a compliance rule fires.
type Alert struct {
	ViolationID    string `json:"violation_id"`
	OrganizationID string `json:"organization_id"`
	Rule           string `json:"rule"`
	Severity       string `json:"severity"`
	Summary        string `json:"summary"`
	ActorID        string `json:"actor_id,omitempty"`
	ResourceType   string `json:"resource_type,omitempty"`
}

// Dispatcher pushes alerts to an external channel (pager, mail, webhook).
type Dispatcher interface {
	Dispatch(ctx context.Context, alert Alert) error
}

// LogDispatcher writes alerts to the structured log. It is the default
// wiring for deployments without an external alerting channel.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, alert Alert) error {
	obs.LogEvent(map[string]any{
		"event":           "compliance_alert",
		"violation_id":    alert.ViolationID,
		"organization_id": alert.OrganizationID,
		"rule":            alert.Rule,
		"severity":        alert.Severity,
		"summary":         alert.Summary,
	})
	return nil
}

// WebhookDispatcher posts alerts as JSON to an operator-configured endpoint,
// typically a pager or chat integration.
type WebhookDispatcher struct {
	URL    string
	Client *http.Client
}

func NewWebhookDispatcher(url string) *WebhookDispatcher {
	return &WebhookDispatcher{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch alert: webhook returned %d", resp.StatusCode)
	}
	return nil
}
