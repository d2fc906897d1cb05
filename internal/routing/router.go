// Package routing connects gateway connections to the workflow engine and
// the agent runtime.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hirecj/cj-gateway/internal/agent"
	"github.com/hirecj/cj-gateway/internal/bridge"
	"github.com/hirecj/cj-gateway/internal/domain"
	"github.com/hirecj/cj-gateway/internal/gateway"
	"github.com/hirecj/cj-gateway/internal/logging"
	"github.com/hirecj/cj-gateway/internal/store"
	"github.com/hirecj/cj-gateway/internal/workflow"
)

// Router dispatches inbound envelopes to their handlers and routes agent
// responses back out on the originating connection. It implements
// gateway.Handler, so each connection's envelopes arrive strictly in order.
type Router struct {
	sessions *store.SessionStore
	machine  *workflow.Machine
	selector *workflow.Selector
	bridge   *bridge.Bridge
	runtime  agent.Runtime
	log      *logging.Logger
}

// NewRouter creates a message router.
func NewRouter(
	sessions *store.SessionStore,
	machine *workflow.Machine,
	selector *workflow.Selector,
	bridge *bridge.Bridge,
	runtime agent.Runtime,
	log *logging.Logger,
) *Router {
	return &Router{
		sessions: sessions,
		machine:  machine,
		selector: selector,
		bridge:   bridge,
		runtime:  runtime,
		log:      log.Sub("routing"),
	}
}

// Handle processes one inbound envelope.
func (r *Router) Handle(ctx context.Context, c *gateway.Conn, env domain.Envelope) {
	switch env.Type {
	case domain.TypeStartConversation:
		r.handleStart(ctx, c, env)
	case domain.TypeMessage:
		r.handleMessage(ctx, c, env)
	case domain.TypeWorkflowTransition:
		r.handleTransition(ctx, c, env)
	case domain.TypeSystemEvent:
		r.handleSystemEvent(ctx, c, env)
	case domain.TypePing:
		r.handlePing(c, env)
	case domain.TypeDebug:
		r.handleDebug(c, env)
	default:
		c.SendError(env.CorrelationID, domain.ErrCodeProtocol,
			fmt.Sprintf("unknown message type: %s", env.Type))
	}
}

// HandleDisconnect is called once after a connection's read loop exits.
// Sessions are durable, so there is nothing to persist here.
func (r *Router) HandleDisconnect(c *gateway.Conn) {
	r.log.Info().
		Str("connId", c.ID).
		Str("conversationId", c.Identity.ConversationID).
		Int64("sent", c.Seq()).
		Msg("connection closed")
}

func (r *Router) handleStart(ctx context.Context, c *gateway.Conn, env domain.Envelope) {
	var p domain.StartConversationPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.SendError(env.CorrelationID, domain.ErrCodeInvalidPayload, "malformed start_conversation payload")
			return
		}
	}

	sess, err := r.sessions.GetOrCreate(ctx, c.Identity.ConversationID, c.Identity.UserID, c.Identity.Anonymous)
	if err != nil {
		r.log.Error().Err(err).Str("conversationId", c.Identity.ConversationID).Msg("session lookup failed")
		c.SendError(env.CorrelationID, domain.ErrCodeProtocol, "session unavailable")
		return
	}
	if p.MerchantID != "" || p.Scenario != "" {
		if p.MerchantID != "" {
			sess.MerchantID = p.MerchantID
		}
		if p.Scenario != "" {
			sess.Scenario = p.Scenario
		}
		if err := r.sessions.SetContext(ctx, sess.ID, sess.MerchantID, sess.Scenario); err != nil {
			r.log.Warn().Err(err).Str("conversationId", sess.ID).Msg("failed to persist conversation context")
		}
	}

	// A completed OAuth flow leaves a handoff record behind. Resuming it
	// installs a one-shot override, which the selector consumes below.
	resumption, err := r.bridge.Resume(ctx, sess.ID, c.Identity.UserID)
	if err != nil {
		r.log.Warn().Err(err).Str("conversationId", sess.ID).Msg("oauth resume probe failed")
		resumption = nil
	}

	selected, err := r.selector.Select(ctx, workflow.SelectionInput{Session: sess, Requested: p.Workflow})
	if err != nil {
		r.log.Warn().Err(err).Str("conversationId", sess.ID).Msg("workflow selection fell back")
	}

	reason := domain.ReasonInitial
	if resumption != nil && resumption.TargetWorkflow == selected {
		reason = domain.ReasonOAuthHandoff
	}
	res, err := r.machine.Enter(ctx, sess, selected, reason)
	if err != nil {
		r.log.Error().Err(err).
			Str("conversationId", sess.ID).
			Str("workflow", selected).
			Msg("failed to enter workflow")
		c.SendError(env.CorrelationID, domain.ErrCodeProtocol, "failed to start conversation")
		return
	}

	c.BindSession(sess)

	started, err := domain.NewEnvelope(domain.TypeConversationStarted, domain.ConversationStartedPayload{
		ConversationID:       sess.ID,
		MerchantID:           sess.MerchantID,
		Scenario:             sess.Scenario,
		Workflow:             res.Workflow,
		WorkflowRequirements: res.Def.RequirementFlags(),
	})
	if err == nil {
		started.CorrelationID = env.CorrelationID
		err = c.Send(started)
	}
	if err != nil {
		r.log.Warn().Err(err).Str("connId", c.ID).Msg("failed to send conversation_started")
		return
	}

	r.log.Info().
		Str("conversationId", sess.ID).
		Str("workflow", res.Workflow).
		Bool("resumed", resumption != nil).
		Msg("conversation started")

	// Opening traffic runs off the connection's serial loop so the client
	// can already send while the agent composes.
	gen := c.Generation()
	snap := *sess
	switch {
	case resumption != nil && resumption.TriggerMessage != "":
		go r.processAgentMessage(context.Background(), c, "", &snap, resumption.TriggerMessage, agent.OriginSystem, gen, false)
	case res.Def.InitialAction != nil:
		go r.runInitialAction(c, snap, res.Def, gen)
	}
}

func (r *Router) handleMessage(ctx context.Context, c *gateway.Conn, env domain.Envelope) {
	sess := c.Session()
	if sess == nil {
		c.SendError(env.CorrelationID, domain.ErrCodeConversationNotStarted, "send start_conversation first")
		return
	}

	var p domain.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Text == "" {
		c.SendError(env.CorrelationID, domain.ErrCodeInvalidPayload, "malformed message payload")
		return
	}

	if err := r.sessions.Touch(ctx, sess.ID); err != nil {
		r.log.Warn().Err(err).Str("conversationId", sess.ID).Msg("failed to touch session")
	}

	r.processAgentMessage(ctx, c, env.CorrelationID, sess, p.Text, agent.OriginUser, c.Generation(), false)
}

func (r *Router) handleTransition(ctx context.Context, c *gateway.Conn, env domain.Envelope) {
	sess := c.Session()
	if sess == nil {
		c.SendError(env.CorrelationID, domain.ErrCodeConversationNotStarted, "send start_conversation first")
		return
	}

	var p domain.WorkflowTransitionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.NewWorkflow == "" {
		c.SendError(env.CorrelationID, domain.ErrCodeInvalidPayload, "malformed workflow_transition payload")
		return
	}

	reason := domain.ReasonSystemEvent
	if p.UserInitiated {
		reason = domain.ReasonUserRequested
	}

	// The selection chain re-runs on every explicit transition request, so a
	// pending one-shot override outranks the requested target.
	target := p.NewWorkflow
	if override, err := r.sessions.ConsumeOverride(ctx, sess.ID); err == nil {
		r.log.Info().
			Str("conversationId", sess.ID).
			Str("requested", p.NewWorkflow).
			Str("override", override).
			Msg("pending override supersedes requested workflow")
		target = override
		reason = domain.ReasonOAuthHandoff
	} else if !errors.Is(err, store.ErrNoOverride) {
		r.log.Warn().Err(err).Str("conversationId", sess.ID).Msg("override lookup failed")
	}

	res, err := r.machine.Transition(ctx, sess, target, reason)
	if err != nil {
		var te *workflow.TransitionError
		if errors.As(err, &te) {
			c.SendError(env.CorrelationID, te.Code, te.Message)
			return
		}
		r.log.Error().Err(err).
			Str("conversationId", sess.ID).
			Str("target", target).
			Msg("transition failed")
		c.SendError(env.CorrelationID, domain.ErrCodeTransitionDenied, "transition failed")
		return
	}

	// Invalidate any agent work still in flight for the old workflow.
	gen := c.BumpGeneration()

	updated, err := domain.NewEnvelope(domain.TypeWorkflowUpdated, domain.WorkflowUpdatedPayload{
		Workflow: res.Workflow,
		Previous: res.Previous,
	})
	if err == nil {
		updated.CorrelationID = env.CorrelationID
		err = c.Send(updated)
	}
	if err != nil {
		r.log.Warn().Err(err).Str("connId", c.ID).Msg("failed to send workflow_updated")
		return
	}

	r.log.Info().
		Str("conversationId", sess.ID).
		Str("from", res.Previous).
		Str("to", res.Workflow).
		Str("reason", reason).
		Msg("workflow transitioned")

	if res.Def.InitialAction != nil {
		go r.runInitialAction(c, *sess, res.Def, gen)
	}
}

func (r *Router) handleSystemEvent(ctx context.Context, c *gateway.Conn, env domain.Envelope) {
	sess := c.Session()
	if sess == nil {
		c.SendError(env.CorrelationID, domain.ErrCodeConversationNotStarted, "send start_conversation first")
		return
	}

	var p domain.SystemEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Event == "" {
		c.SendError(env.CorrelationID, domain.ErrCodeInvalidPayload, "malformed system_event payload")
		return
	}

	def, ok := r.machine.Catalog().Get(sess.Workflow)
	if !ok {
		r.log.Error().Str("workflow", sess.Workflow).Msg("session references unknown workflow")
		return
	}
	tmpl, ok := def.Events[p.Event]
	if !ok {
		// Not an error: the current workflow just does not react to it.
		r.log.Debug().
			Str("event", p.Event).
			Str("workflow", sess.Workflow).
			Msg("ignoring unbound system event")
		return
	}

	msg := workflow.RenderTemplate(tmpl, p.Data)
	r.processAgentMessage(ctx, c, env.CorrelationID, sess, msg, agent.OriginSystem, c.Generation(), false)
}

func (r *Router) handlePing(c *gateway.Conn, env domain.Envelope) {
	pong := domain.Envelope{Type: domain.TypePong, CorrelationID: env.CorrelationID}
	if err := c.Send(pong); err != nil {
		r.log.Debug().Err(err).Str("connId", c.ID).Msg("failed to send pong")
	}
}

func (r *Router) handleDebug(c *gateway.Conn, env domain.Envelope) {
	snapshot := map[string]any{
		"connId":     c.ID,
		"generation": c.Generation(),
		"sent":       c.Seq(),
	}
	if sess := c.Session(); sess != nil {
		snapshot["conversationId"] = sess.ID
		snapshot["workflow"] = sess.Workflow
		snapshot["anonymous"] = sess.Anonymous
	}
	if err := c.SendType(domain.TypeDebug, snapshot); err != nil {
		r.log.Debug().Err(err).Str("connId", c.ID).Msg("failed to send debug snapshot")
	}
}

// runInitialAction feeds a workflow's opening action to the agent as a
// synthetic system message. A visible system envelope announces it unless
// the definition strips it from history. sess is a copy taken at spawn time;
// the live session may transition while this runs.
func (r *Router) runInitialAction(c *gateway.Conn, sess domain.Session, def *workflow.Definition, gen int64) {
	msg := workflow.RenderTemplate(def.InitialAction.Message, map[string]string{
		"merchant_id": sess.MerchantID,
		"scenario":    sess.Scenario,
		"workflow":    def.Name,
	})
	r.processAgentMessage(context.Background(), c, "", &sess, msg, agent.OriginSystem, gen, def.InitialAction.StripFromHistory)
}

// processAgentMessage runs one message through the agent runtime and emits
// the response. Results tagged with a superseded workflow generation are
// discarded: the client already moved on.
func (r *Router) processAgentMessage(ctx context.Context, c *gateway.Conn, correlationID string, sess *domain.Session, text, origin string, gen int64, strip bool) {
	if origin == agent.OriginSystem && !strip {
		if err := c.SendType(domain.TypeSystem, domain.SystemPayload{Message: text}); err != nil {
			r.log.Debug().Err(err).Str("connId", c.ID).Msg("failed to send system envelope")
		}
	}

	thinking, err := domain.NewEnvelope(domain.TypeThinking, domain.ThinkingPayload{Status: "thinking"})
	if err == nil {
		thinking.CorrelationID = correlationID
		if err := c.Send(thinking); err != nil {
			return
		}
	}

	result, err := r.runtime.Generate(ctx, agent.Request{
		Workflow: sess.Workflow,
		Message:  text,
		Origin:   origin,
		Context: agent.Context{
			ConversationID: sess.ID,
			MerchantID:     sess.MerchantID,
			Scenario:       sess.Scenario,
			UserID:         sess.UserID,
		},
		Generation: gen,
	})
	if err != nil {
		r.log.Error().Err(err).
			Str("conversationId", sess.ID).
			Str("workflow", sess.Workflow).
			Msg("agent generate failed")
		c.SendError(correlationID, domain.ErrCodeAgentFailure, "the assistant is unavailable right now")
		return
	}

	if gen != c.Generation() {
		r.log.Debug().
			Str("conversationId", sess.ID).
			Int64("resultGeneration", gen).
			Int64("currentGeneration", c.Generation()).
			Msg("discarding stale agent result")
		return
	}

	reply, err := domain.NewEnvelope(domain.TypeCJMessage, domain.CJMessagePayload{
		Content:    result.Content,
		Timestamp:  time.Now().UTC(),
		UIElements: result.UIElements,
	})
	if err != nil {
		r.log.Error().Err(err).Msg("failed to encode agent reply")
		return
	}
	reply.CorrelationID = correlationID
	if err := c.Send(reply); err != nil {
		r.log.Debug().Err(err).Str("connId", c.ID).Msg("failed to send agent reply")
		return
	}

	r.log.Info().
		Str("conversationId", sess.ID).
		Str("workflow", sess.Workflow).
		Str("origin", origin).
		Dur("duration", result.Duration).
		Msg("reply sent")
}
