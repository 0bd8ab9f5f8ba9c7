package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/carconnect/association-registry/pkg/association"
)

// WebhookNotifier delivers lifecycle events as JSON POSTs to a single
// endpoint. A non-2xx response is a delivery failure.
type WebhookNotifier struct {
	url  string
	http *http.Client
}

// NewWebhookNotifier creates a webhook notifier for the given endpoint.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NotifyLifecycleChange posts the association view to the endpoint.
func (n *WebhookNotifier) NotifyLifecycleChange(ctx context.Context, view association.AssociationView) error {
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// NoopNotifier discards lifecycle events. Used in tests and deployments
// without a downstream consumer.
type NoopNotifier struct{}

// NotifyLifecycleChange does nothing.
func (NoopNotifier) NotifyLifecycleChange(context.Context, association.AssociationView) error {
	return nil
}
