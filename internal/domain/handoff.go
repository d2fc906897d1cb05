package domain

import "time"

// HandoffRecord bridges an external redirect-based authorization flow back
// into the conversation the user left. It is keyed by conversation id when
// one is known at write time, or by a user key before a conversation exists,
// and is consumed at most once (delete-on-read).
type HandoffRecord struct {
	Key            string            `json:"key"`
	TargetWorkflow string            `json:"targetWorkflow"`
	CompletionData map[string]string `json:"completionData,omitempty"`
	ExpiresAt      time.Time         `json:"expiresAt"`
}

// Expired reports whether the record's TTL has elapsed at the given instant.
func (h *HandoffRecord) Expired(now time.Time) bool {
	return now.After(h.ExpiresAt)
}

// UserHandoffKey returns the handoff key for a user who has no known
// conversation yet. The resolver will derive the conversation id on the next
// connect, so resume probes both forms.
func UserHandoffKey(userID string) string {
	return "user:" + userID
}
