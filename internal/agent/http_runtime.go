package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPRuntime is an HTTP JSON client for the AI runtime service.
type HTTPRuntime struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPRuntime creates a runtime client against the given endpoint.
func NewHTTPRuntime(endpoint, apiKey string, timeout time.Duration) *HTTPRuntime {
	return &HTTPRuntime{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type generateResponse struct {
	Content    string     `json:"content"`
	ToolTrace  []ToolCall `json:"tool_trace,omitempty"`
	UIElements []string   `json:"ui_elements,omitempty"`
}

// Generate sends one generation request to the runtime service.
func (r *HTTPRuntime) Generate(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", r.endpoint+"/v1/generate", strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("runtime request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runtime error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result generateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &Result{
		Content:    result.Content,
		ToolTrace:  result.ToolTrace,
		UIElements: result.UIElements,
		Duration:   time.Since(start),
		Generation: req.Generation,
	}, nil
}
