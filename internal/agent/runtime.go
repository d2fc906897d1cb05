// Package agent wraps the external AI runtime that turns a workflow name and
// a message into a reply. Reasoning and tool execution live entirely on the
// other side of this interface.
package agent

import (
	"context"
	"time"
)

// Context is the conversation context handed to the runtime with each call.
type Context struct {
	ConversationID string            `json:"conversationId"`
	MerchantID     string            `json:"merchantId,omitempty"`
	Scenario       string            `json:"scenario,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Origin distinguishes user messages from system-originated ones.
const (
	OriginUser   = "user"
	OriginSystem = "system"
)

// Request is one generation call.
type Request struct {
	Workflow string  `json:"workflow"`
	Message  string  `json:"message"`
	Origin   string  `json:"origin"` // "user" | "system"
	Context  Context `json:"context"`

	// Generation is the workflow generation the call was issued under. It is
	// echoed back on the result so a reply that outlives a transition can be
	// recognized as stale.
	Generation int64 `json:"-"`
}

// ToolCall is one tool invocation recorded in the runtime's trace.
type ToolCall struct {
	Name  string `json:"name"`
	Input string `json:"input,omitempty"`
}

// Result is the runtime's reply.
type Result struct {
	Content    string        `json:"content"`
	ToolTrace  []ToolCall    `json:"toolTrace,omitempty"`
	UIElements []string      `json:"uiElements,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Generation int64         `json:"-"`
}

// Runtime is the AI reasoning collaborator.
type Runtime interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}
