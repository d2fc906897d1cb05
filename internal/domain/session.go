// Package domain defines the core types shared across the gateway:
// conversation sessions, workflow transitions, and handoff records.
package domain

import "time"

// Session is the durable state of one logical conversation. The same
// authenticated user always maps to the same session across devices and
// reconnects; anonymous visitors get a disposable session per connection.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId,omitempty"`
	Anonymous      bool      `json:"anonymous"`
	MerchantID     string    `json:"merchantId,omitempty"`
	Scenario       string    `json:"scenario,omitempty"`
	Workflow       string    `json:"workflow"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Authenticated reports whether the session is bound to a durable user
// identity rather than an ephemeral anonymous token.
func (s *Session) Authenticated() bool {
	return !s.Anonymous && s.UserID != ""
}

// Transition is one entry in a session's ordered workflow transition log.
type Transition struct {
	ConversationID string    `json:"conversationId"`
	FromWorkflow   string    `json:"fromWorkflow"`
	ToWorkflow     string    `json:"toWorkflow"`
	Reason         string    `json:"reason"`
	At             time.Time `json:"at"`
}

// Transition trigger reasons recorded in the transition log.
const (
	ReasonInitial       = "initial_selection"
	ReasonUserRequested = "user_requested"
	ReasonSystemEvent   = "system_event"
	ReasonScheduled     = "scheduled"
	ReasonOAuthHandoff  = "oauth_handoff"
)

// Override is a pending one-shot workflow override stored against a session.
// It forces the next workflow-selection decision and is consumed exactly once.
type Override struct {
	ConversationID string    `json:"conversationId"`
	TargetWorkflow string    `json:"targetWorkflow"`
	CreatedAt      time.Time `json:"createdAt"`
}
