package domain

import (
	"encoding/json"
	"time"
)

// Inbound message types (client → server). The set is closed: anything else
// is a protocol error.
const (
	TypeStartConversation  = "start_conversation"
	TypeMessage            = "message"
	TypeWorkflowTransition = "workflow_transition"
	TypeSystemEvent        = "system_event"
	TypePing               = "ping"
	TypeDebug              = "debug"
)

// Outbound message types (server → client).
const (
	TypeSystem              = "system"
	TypeThinking            = "cj_thinking"
	TypeCJMessage           = "cj_message"
	TypeWorkflowUpdated     = "workflow_updated"
	TypeConversationStarted = "conversation_started"
	TypePong                = "pong"
	TypeError               = "error"
)

// Envelope is the wire format for every message in both directions.
type Envelope struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Payload: raw}, nil
}

// Inbound payloads.

// StartConversationPayload opens (or resumes) a conversation on a connection.
type StartConversationPayload struct {
	MerchantID string `json:"merchant_id,omitempty"`
	Scenario   string `json:"scenario,omitempty"`
	Workflow   string `json:"workflow,omitempty"`
}

// MessagePayload is a user utterance.
type MessagePayload struct {
	Text string `json:"text"`
}

// WorkflowTransitionPayload requests a switch to another workflow.
type WorkflowTransitionPayload struct {
	NewWorkflow   string `json:"new_workflow"`
	UserInitiated bool   `json:"user_initiated"`
}

// SystemEventPayload is a structured system-originated event.
type SystemEventPayload struct {
	Event string            `json:"event"`
	Data  map[string]string `json:"data,omitempty"`
}

// Outbound payloads.

// SystemPayload carries an operational notice to the client.
type SystemPayload struct {
	Message string `json:"message"`
}

// ThinkingPayload signals agent progress while a reply is being generated.
type ThinkingPayload struct {
	Status      string   `json:"status"`
	ToolsCalled []string `json:"tools_called,omitempty"`
	CurrentTool string   `json:"current_tool,omitempty"`
}

// CJMessagePayload is an agent reply.
type CJMessagePayload struct {
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	UIElements []string  `json:"ui_elements,omitempty"`
}

// WorkflowUpdatedPayload announces a completed workflow transition.
type WorkflowUpdatedPayload struct {
	Workflow string `json:"workflow"`
	Previous string `json:"previous"`
}

// ConversationStartedPayload acknowledges start_conversation.
type ConversationStartedPayload struct {
	ConversationID       string            `json:"conversation_id"`
	MerchantID           string            `json:"merchant_id,omitempty"`
	Scenario             string            `json:"scenario,omitempty"`
	Workflow             string            `json:"workflow"`
	WorkflowRequirements map[string]bool   `json:"workflow_requirements,omitempty"`
}

// ErrorPayload reports a protocol or workflow error to the sender. The
// connection stays open; the session holds its last-known-good state.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for ErrorPayload.
const (
	ErrCodeProtocol               = "protocol_error"
	ErrCodeInvalidPayload         = "invalid_payload"
	ErrCodeConversationNotStarted = "conversation_not_started"
	ErrCodeUnknownWorkflow        = "unknown_workflow"
	ErrCodeRequirementsUnmet      = "workflow_requirements_unmet"
	ErrCodeTransitionDenied       = "transition_denied"
	ErrCodeAgentFailure           = "agent_error"
)
