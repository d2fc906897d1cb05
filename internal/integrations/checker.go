// Package integrations wraps the external integration-status collaborator.
package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Checker reports whether a user has a completed external integration.
type Checker interface {
	HasIntegration(ctx context.Context, userID, provider string) (bool, error)
}

// HTTPChecker queries the integration-status service over HTTP.
type HTTPChecker struct {
	endpoint string
	client   *http.Client
}

// NewHTTPChecker creates a checker against the given service endpoint.
func NewHTTPChecker(endpoint string, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type statusResponse struct {
	Connected bool `json:"connected"`
}

// HasIntegration asks the service whether the user has completed the
// provider's integration.
func (c *HTTPChecker) HasIntegration(ctx context.Context, userID, provider string) (bool, error) {
	u := fmt.Sprintf("%s/integrations/%s/status?user_id=%s",
		c.endpoint, url.PathEscape(provider), url.QueryEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("integration status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("integration status: unexpected status %d", resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decoding integration status: %w", err)
	}
	return body.Connected, nil
}

// StaticChecker is an in-memory checker for tests and local development.
type StaticChecker struct {
	mu        sync.RWMutex
	connected map[string]bool // userID + "/" + provider
}

// NewStaticChecker creates an empty static checker.
func NewStaticChecker() *StaticChecker {
	return &StaticChecker{connected: make(map[string]bool)}
}

// Set marks a user/provider pair connected or disconnected.
func (c *StaticChecker) Set(userID, provider string, connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected[userID+"/"+provider] = connected
}

// HasIntegration reports the configured state for the pair.
func (c *StaticChecker) HasIntegration(_ context.Context, userID, provider string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected[userID+"/"+provider], nil
}
