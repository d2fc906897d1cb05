package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hirecj/cj-gateway/internal/domain"
	"github.com/hirecj/cj-gateway/internal/logging"
	"github.com/hirecj/cj-gateway/internal/store"
)

// TransitionError is a workflow error reported to the sender; the session
// remains on its prior workflow.
type TransitionError struct {
	Code    string // domain.ErrCode* value
	Message string
}

func (e *TransitionError) Error() string { return e.Message }

// TransitionResult describes a completed transition.
type TransitionResult struct {
	ConversationID string
	Previous       string
	Workflow       string
	Def            *Definition
}

// Machine drives workflow transitions. States are the catalog's workflow
// names; there is no terminal state and workflows are freely re-enterable.
type Machine struct {
	catalog  *Catalog
	sessions *store.SessionStore
	log      *logging.Logger
}

// NewMachine creates a transition machine.
func NewMachine(catalog *Catalog, sessions *store.SessionStore, log *logging.Logger) *Machine {
	return &Machine{catalog: catalog, sessions: sessions, log: log.Sub("workflow")}
}

// Catalog returns the machine's workflow catalog.
func (m *Machine) Catalog() *Catalog { return m.catalog }

// Enter installs the initially selected workflow on a session and logs the
// transition. Used at session establishment, where no previous value exists
// to compare against.
func (m *Machine) Enter(ctx context.Context, sess *domain.Session, target, reason string) (*TransitionResult, error) {
	def, ok := m.catalog.Get(target)
	if !ok {
		return nil, &TransitionError{Code: domain.ErrCodeUnknownWorkflow, Message: fmt.Sprintf("unknown workflow: %s", target)}
	}

	previous := sess.Workflow
	if err := m.sessions.SetWorkflow(ctx, sess.ID, target); err != nil {
		return nil, fmt.Errorf("setting workflow: %w", err)
	}
	if err := m.sessions.AppendTransition(ctx, domain.Transition{
		ConversationID: sess.ID,
		FromWorkflow:   previous,
		ToWorkflow:     target,
		Reason:         reason,
		At:             time.Now().UTC(),
	}); err != nil {
		m.log.Warn().Err(err).Str("conversationId", sess.ID).Msg("failed to log transition")
	}
	sess.Workflow = target

	m.log.Info().
		Str("conversationId", sess.ID).
		Str("workflow", target).
		Str("reason", reason).
		Msg("workflow entered")

	return &TransitionResult{
		ConversationID: sess.ID,
		Previous:       previous,
		Workflow:       target,
		Def:            def,
	}, nil
}

// Transition atomically moves a session from its current workflow to target.
// The swap is a compare-and-swap against the store, so a concurrent writer
// for the same conversation cannot be silently overwritten.
func (m *Machine) Transition(ctx context.Context, sess *domain.Session, target, reason string) (*TransitionResult, error) {
	def, ok := m.catalog.Get(target)
	if !ok {
		return nil, &TransitionError{Code: domain.ErrCodeUnknownWorkflow, Message: fmt.Sprintf("unknown workflow: %s", target)}
	}
	if !MeetsRequirements(def, sess) {
		return nil, &TransitionError{Code: domain.ErrCodeRequirementsUnmet, Message: fmt.Sprintf("workflow %s requirements not met", target)}
	}

	previous := sess.Workflow
	if current, ok := m.catalog.Get(previous); ok && !current.AllowsTransitionTo(target) {
		return nil, &TransitionError{Code: domain.ErrCodeTransitionDenied, Message: fmt.Sprintf("workflow %s does not allow transition to %s", previous, target)}
	}

	if err := m.sessions.CompareAndSwapWorkflow(ctx, sess.ID, previous, target); err != nil {
		if errors.Is(err, store.ErrWorkflowConflict) {
			// Another worker already moved the session. Refresh our view and
			// report; the caller re-evaluates against the new state.
			if fresh, getErr := m.sessions.Get(ctx, sess.ID); getErr == nil {
				sess.Workflow = fresh.Workflow
			}
			return nil, &TransitionError{Code: domain.ErrCodeTransitionDenied, Message: "workflow changed concurrently"}
		}
		return nil, fmt.Errorf("swapping workflow: %w", err)
	}

	if err := m.sessions.AppendTransition(ctx, domain.Transition{
		ConversationID: sess.ID,
		FromWorkflow:   previous,
		ToWorkflow:     target,
		Reason:         reason,
		At:             time.Now().UTC(),
	}); err != nil {
		m.log.Warn().Err(err).Str("conversationId", sess.ID).Msg("failed to log transition")
	}
	sess.Workflow = target

	m.log.Info().
		Str("conversationId", sess.ID).
		Str("from", previous).
		Str("to", target).
		Str("reason", reason).
		Msg("workflow transition")

	return &TransitionResult{
		ConversationID: sess.ID,
		Previous:       previous,
		Workflow:       target,
		Def:            def,
	}, nil
}
