// Package identity provides the HTTP client for the external identity
// registration system that owns device network credentials. The engine
// only requests register/deregister through this adapter and never assumes
// local knowledge of credential state.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/carconnect/association-registry/pkg/association"
)

// Client implements association.IdentityRegistrationAdapter against the
// identity system's JSON API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an identity registration client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Register registers a device's credentials.
func (c *Client) Register(ctx context.Context, deviceID string, credential association.Credential) error {
	body := map[string]any{"credential": credential}
	return c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/devices/%s/credentials", deviceID), body, nil)
}

// Deregister removes a device's credential registration.
func (c *Client) Deregister(ctx context.Context, deviceID string) error {
	return c.doJSON(ctx, http.MethodDelete,
		fmt.Sprintf("/devices/%s/credentials", deviceID), nil, nil)
}

// ActiveRegistration returns the active credential registration for a
// device, or nil, nil when none exists.
func (c *Client) ActiveRegistration(ctx context.Context, deviceID string) (*association.CredentialRegistration, error) {
	var registration association.CredentialRegistration
	err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/devices/%s/credentials/active", deviceID), nil, &registration)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &registration, nil
}

// doJSON performs a JSON request against the identity API.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// StatusError is a non-2xx response from the identity system.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("identity system returned %d: %s", e.StatusCode, e.Body)
}
