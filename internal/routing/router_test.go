package routing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hirecj/cj-gateway/internal/agent"
	"github.com/hirecj/cj-gateway/internal/bridge"
	"github.com/hirecj/cj-gateway/internal/config"
	"github.com/hirecj/cj-gateway/internal/domain"
	"github.com/hirecj/cj-gateway/internal/gateway"
	"github.com/hirecj/cj-gateway/internal/identity"
	"github.com/hirecj/cj-gateway/internal/integrations"
	"github.com/hirecj/cj-gateway/internal/logging"
	"github.com/hirecj/cj-gateway/internal/store"
	"github.com/hirecj/cj-gateway/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const routingCatalogYAML = `
workflows:
  - name: shopify_onboarding
    initiator: system
    initialAction:
      message: "Greet the merchant and start onboarding"
      stripFromHistory: true
    transitions:
      - ad_hoc_support
      - shopify_dashboard

  - name: ad_hoc_support
    events:
      order_created: "A new order arrived: {order_id}"

  - name: shopify_dashboard
    requirements:
      authenticated: true
    initialAction:
      message: "Show the daily briefing"
    onCompletion: "The {provider} store {shop_domain} is now connected."
`

type harness struct {
	ts       *httptest.Server
	sessions *store.SessionStore
	handoffs *store.HandoffStore
	bridge   *bridge.Bridge
	runtime  *agent.ScriptedRuntime
	checker  *integrations.StaticChecker
	resolver *identity.Resolver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logging.New(nil, "silent")

	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sessions := store.NewSessionStore(db)
	handoffs := store.NewHandoffStore(db)

	catalog, err := workflow.ParseCatalog([]byte(routingCatalogYAML))
	require.NoError(t, err)

	checker := integrations.NewStaticChecker()
	roles := workflow.Roles{
		Onboarding:      "shopify_onboarding",
		GeneralSupport:  "ad_hoc_support",
		PostIntegration: map[string]string{"shopify": "shopify_dashboard"},
		Providers:       []string{"shopify"},
	}
	selector := workflow.NewSelector(catalog, sessions, checker, roles, log)
	machine := workflow.NewMachine(catalog, sessions, log)
	br := bridge.New(handoffs, sessions, catalog, log)
	runtime := agent.NewScriptedRuntime()

	router := NewRouter(sessions, machine, selector, br, runtime, log)
	resolver := identity.NewResolver("cj_session", "test-secret")
	srv := gateway.New(config.Defaults().Gateway, resolver, router, log)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &harness{
		ts:       ts,
		sessions: sessions,
		handoffs: handoffs,
		bridge:   br,
		runtime:  runtime,
		checker:  checker,
		resolver: resolver,
	}
}

func (h *harness) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if userID != "" {
		header.Set("Cookie", "cj_session="+h.resolver.MintToken(userID))
	}
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, typ, correlationID string, payload any) {
	t.Helper()
	env, err := domain.NewEnvelope(typ, payload)
	require.NoError(t, err)
	env.CorrelationID = correlationID
	require.NoError(t, ws.WriteJSON(env))
}

func recv(t *testing.T, ws *websocket.Conn) domain.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env domain.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

// recvType reads envelopes until one of the wanted type arrives. Other
// types are discarded, which keeps tests robust against interleaved async
// traffic.
func recvType(t *testing.T, ws *websocket.Conn, typ string) domain.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		env := recv(t, ws)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("no %s envelope arrived", typ)
	return domain.Envelope{}
}

func decode[T any](t *testing.T, env domain.Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Payload, &out))
	return out
}

// --- Session establishment ---

func TestStartConversation_Anonymous(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "")

	send(t, ws, domain.TypeStartConversation, "c-1", domain.StartConversationPayload{})

	env := recvType(t, ws, domain.TypeConversationStarted)
	assert.Equal(t, "c-1", env.CorrelationID)
	p := decode[domain.ConversationStartedPayload](t, env)
	assert.True(t, strings.HasPrefix(p.ConversationID, "anon_"))
	assert.Equal(t, "shopify_onboarding", p.Workflow)

	// The onboarding initial action is stripped from history, so there is
	// no system envelope; the agent reply still arrives.
	reply := recvType(t, ws, domain.TypeCJMessage)
	msg := decode[domain.CJMessagePayload](t, reply)
	assert.Contains(t, msg.Content, "Greet the merchant")
}

func TestStartConversation_AuthenticatedWithContext(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "user-1")

	send(t, ws, domain.TypeStartConversation, "c-1", domain.StartConversationPayload{
		MerchantID: "merchant-9",
		Scenario:   "demo",
	})

	p := decode[domain.ConversationStartedPayload](t, recvType(t, ws, domain.TypeConversationStarted))
	assert.Equal(t, identity.ConversationID("user-1"), p.ConversationID)
	assert.Equal(t, "merchant-9", p.MerchantID)
	assert.Equal(t, "ad_hoc_support", p.Workflow, "authenticated users skip onboarding")
}

func TestStartConversation_SameUserResumesSameConversation(t *testing.T) {
	h := newHarness(t)

	ws := h.dial(t, "user-1")
	send(t, ws, domain.TypeStartConversation, "", domain.StartConversationPayload{MerchantID: "merchant-9"})
	first := decode[domain.ConversationStartedPayload](t, recvType(t, ws, domain.TypeConversationStarted))
	ws.Close()

	ws2 := h.dial(t, "user-1")
	send(t, ws2, domain.TypeStartConversation, "", domain.StartConversationPayload{})
	second := decode[domain.ConversationStartedPayload](t, recvType(t, ws2, domain.TypeConversationStarted))

	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, "merchant-9", second.MerchantID, "conversation context survives reconnects")
}

// --- Message routing ---

func TestMessage_RoutedThroughRuntime(t *testing.T) {
	h := newHarness(t)
	h.runtime.Reply("hello", "Hi! How can I help?")

	ws := h.dial(t, "user-1")
	send(t, ws, domain.TypeStartConversation, "", domain.StartConversationPayload{})
	recvType(t, ws, domain.TypeConversationStarted)

	send(t, ws, domain.TypeMessage, "m-1", domain.MessagePayload{Text: "hello"})

	thinking := recvType(t, ws, domain.TypeThinking)
	assert.Equal(t, "m-1", thinking.CorrelationID)

	reply := recvType(t, ws, domain.TypeCJMessage)
	assert.Equal(t, "m-1", reply.CorrelationID)
	msg := decode[domain.CJMessagePayload](t, reply)
	assert.Equal(t, "Hi! How can I help?", msg.Content)

	reqs := h.runtime.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, agent.OriginUser, reqs[0].Origin)
	assert.Equal(t, "ad_hoc_support", reqs[0].Workflow)
}

func TestMessage_BeforeStart_Rejected(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "user-1")

	send(t, ws, domain.TypeMessage, "m-1", domain.MessagePayload{Text: "hello"})

	env := recvType(t, ws, domain.TypeError)
	assert.Equal(t, "m-1", env.CorrelationID)
	p := decode[domain.ErrorPayload](t, env)
	assert.Equal(t, domain.ErrCodeConversationNotStarted, p.Code)

	// The connection survives the rejection.
	send(t, ws, domain.TypeStartConversation, "", domain.StartConversationPayload{})
	recvType(t, ws, domain.TypeConversationStarted)
}

func TestMessage_RuntimeFailure_ErrorEnvelope(t *testing.T) {
	h := newHarness(t)
	h.runtime.Fail(errors.New("runtime exploded"))

	ws := h.dial(t, "user-1")
	send(t, ws, domain.TypeStartConversation, "", domain.StartConversationPayload{})
	recvType(t, ws, domain.TypeConversationStarted)

	send(t, ws, domain.TypeMessage, "m-1", domain.MessagePayload{Text: "hello"})

	env := recvType(t, ws, domain.TypeError)
	p := decode[domain.ErrorPayload](t, env)
	assert.Equal(t, domain.ErrCodeAgentFailure, p.Code)
}

func TestUnknownType_ProtocolError(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "user-1")

	send(t, ws, "teleport", "x-1", nil)

	env := recvType(t, ws, domain.TypeError)
	p := decode[domain.ErrorPayload](t, env)
	assert.Equal(t, domain.ErrCodeProtocol, p.Code)
}

func TestPing_Pong(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "")

	send(t, ws, domain.TypePing, "p-1", nil)
	env := recvType(t, ws, domain.TypePong)
	assert.Equal(t, "p-1", env.CorrelationID)
}

// --- Workflow transitions ---

func TestTransition_EmitsWorkflowUpdated(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "user-1")

	send(t, ws, domain.TypeStartConversation, "", domain.StartConversationPayload{})
	recvType(t, ws, domain.TypeConversationStarted)

	send(t, ws, domain.TypeWorkflowTransition, "t-1", domain.WorkflowTransitionPayload{
		NewWorkflow:   "shopify_dashboard",
		UserInitiated: true,
	})

	env := recvType(t, ws, domain.TypeWorkflowUpdated)
	assert.Equal(t, "t-1", env.CorrelationID)
	p := decode[domain.WorkflowUpdatedPayload](t, env)
	assert.Equal(t, "ad_hoc_support", p.Previous)
	assert.Equal(t, "shopify_dashboard", p.Workflow)

	// The dashboard's initial action surfaces as a system envelope followed
	// by the agent reply.
	sys := recvType(t, ws, domain.TypeSystem)
	sp := decode[domain.SystemPayload](t, sys)
	assert.Equal(t, "Show the daily briefing", sp.Message)
	recvType(t, ws, domain.TypeCJMessage)
}

func TestTransition_RequirementsUnmet_Rejected(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "")

	send(t, ws, domain.TypeStartConversation, "", domain.StartConversationPayload{})
	recvType(t, ws, domain.TypeConversationStarted)

	// Anonymous visitor asks for a workflow that requires authentication.
	send(t, ws, domain.TypeWorkflowTransition, "t-1", domain.WorkflowTransitionPayload{
		NewWorkflow:   "shopify_dashboard",
		UserInitiated: true,
	})

	env := recvType(t, ws, domain.TypeError)
	assert.Equal(t, "t-1", env.CorrelationID)
	p := decode[domain.ErrorPayload](t, env)
	assert.Equal(t, domain.ErrCodeRequirementsUnmet, p.Code)
}

func TestTransition_UnknownWorkflow_Rejected(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "user-1")

	send(t, ws, domain.TypeStartConversation, "", domain.StartConversationPayload{})
	recvType(t, ws, domain.TypeConversationStarted)

	send(t, ws, domain.TypeWorkflowTransition, "t-1", domain.WorkflowTransitionPayload{
		NewWorkflow:   "ghost",
		UserInitiated: true,
	})

	p := decode[domain.ErrorPayload](t, recvType(t, ws, domain.TypeError))
	assert.Equal(t, domain.ErrCodeUnknownWorkflow, p.Code)
}

func TestTransition_PendingOverrideSupersedesRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ws := h.dial(t, "user-1")

	send(t, ws, domain.TypeStartConversation, "", domain.StartConversationPayload{})
	recvType(t, ws, domain.TypeConversationStarted)

	convID := identity.ConversationID("user-1")
	require.NoError(t, h.sessions.SetOverride(ctx, convID, "shopify_dashboard"))

	// Selection re-runs on an explicit transition request, so the one-shot
	// override outranks the requested target.
	send(t, ws, domain.TypeWorkflowTransition, "t-1", domain.WorkflowTransitionPayload{
		NewWorkflow:   "shopify_onboarding",
		UserInitiated: true,
	})
	p := decode[domain.WorkflowUpdatedPayload](t, recvType(t, ws, domain.TypeWorkflowUpdated))
	assert.Equal(t, "shopify_dashboard", p.Workflow)
	assert.Equal(t, "ad_hoc_support", p.Previous)

	// Consumed exactly once: the next request goes where it asked.
	send(t, ws, domain.TypeWorkflowTransition, "t-2", domain.WorkflowTransitionPayload{
		NewWorkflow:   "ad_hoc_support",
		UserInitiated: true,
	})
	p = decode[domain.WorkflowUpdatedPayload](t, recvType(t, ws, domain.TypeWorkflowUpdated))
	assert.Equal(t, "ad_hoc_support", p.Workflow)
}

func TestTransition_InitialActionKeepsItsWorkflowContext(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "user-1")

	send(t, ws, domain.TypeStartConversation, "", domain.StartConversationPayload{})
	recvType(t, ws, domain.TypeConversationStarted)

	h.runtime.Hold()
	send(t, ws, domain.TypeWorkflowTransition, "t-1", domain.WorkflowTransitionPayload{
		NewWorkflow:   "shopify_dashboard",
		UserInitiated: true,
	})
	recvType(t, ws, domain.TypeThinking)

	// Move the session on while the initial action is still in flight. The
	// action works on a snapshot, so it must keep reporting the workflow it
	// was spawned under.
	send(t, ws, domain.TypeWorkflowTransition, "t-2", domain.WorkflowTransitionPayload{
		NewWorkflow:   "ad_hoc_support",
		UserInitiated: true,
	})
	recvType(t, ws, domain.TypeWorkflowUpdated)
	h.runtime.Release()

	require.Eventually(t, func() bool {
		for _, req := range h.runtime.Requests() {
			if req.Message == "Show the daily briefing" {
				return req.Workflow == "shopify_dashboard"
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "initial action saw a mutated session")
}

func TestTransition_StaleAgentResultDiscarded(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "user-1")

	send(t, ws, domain.TypeStartConversation, "", domain.StartConversationPayload{})
	recvType(t, ws, domain.TypeConversationStarted)

	// Hold the runtime so the dashboard's initial action stays in flight
	// while a second transition supersedes it.
	h.runtime.Hold()
	send(t, ws, domain.TypeWorkflowTransition, "t-1", domain.WorkflowTransitionPayload{
		NewWorkflow:   "shopify_dashboard",
		UserInitiated: true,
	})
	recvType(t, ws, domain.TypeWorkflowUpdated)
	recvType(t, ws, domain.TypeThinking)

	send(t, ws, domain.TypeWorkflowTransition, "t-2", domain.WorkflowTransitionPayload{
		NewWorkflow:   "ad_hoc_support",
		UserInitiated: true,
	})
	recvType(t, ws, domain.TypeWorkflowUpdated)

	h.runtime.Release()

	// The in-flight result belongs to the superseded workflow and must not
	// surface.
	ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var env domain.Envelope
	for ws.ReadJSON(&env) == nil {
		assert.NotEqual(t, domain.TypeCJMessage, env.Type, "stale agent result leaked to the client")
	}
}

// --- System events ---

func TestSystemEvent_BoundEvent_RoutedToAgent(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "user-1")

	send(t, ws, domain.TypeStartConversation, "", domain.StartConversationPayload{})
	recvType(t, ws, domain.TypeConversationStarted)

	send(t, ws, domain.TypeSystemEvent, "e-1", domain.SystemEventPayload{
		Event: "order_created",
		Data:  map[string]string{"order_id": "1042"},
	})

	// The rendered event template surfaces as a system envelope, then goes
	// through the agent.
	sys := recvType(t, ws, domain.TypeSystem)
	sp := decode[domain.SystemPayload](t, sys)
	assert.Equal(t, "A new order arrived: 1042", sp.Message)

	reply := recvType(t, ws, domain.TypeCJMessage)
	msg := decode[domain.CJMessagePayload](t, reply)
	assert.Contains(t, msg.Content, "1042")

	reqs := h.runtime.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, agent.OriginSystem, reqs[len(reqs)-1].Origin)
}

func TestSystemEvent_UnboundEvent_Ignored(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "user-1")

	send(t, ws, domain.TypeStartConversation, "", domain.StartConversationPayload{})
	recvType(t, ws, domain.TypeConversationStarted)

	send(t, ws, domain.TypeSystemEvent, "e-1", domain.SystemEventPayload{Event: "meteor_strike"})

	// No reaction; the next envelope through is the pong.
	send(t, ws, domain.TypePing, "p-1", nil)
	env := recv(t, ws)
	assert.Equal(t, domain.TypePong, env.Type)
}

// --- OAuth continuity ---

func TestStart_ResumesAfterOAuthHandoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	convID := identity.ConversationID("user-1")
	require.NoError(t, h.bridge.RecordHandoff(ctx, convID, "shopify_dashboard", map[string]string{
		"provider":    "shopify",
		"shop_domain": "acme.myshopify.com",
	}, time.Minute))

	ws := h.dial(t, "user-1")
	send(t, ws, domain.TypeStartConversation, "", domain.StartConversationPayload{})

	p := decode[domain.ConversationStartedPayload](t, recvType(t, ws, domain.TypeConversationStarted))
	assert.Equal(t, "shopify_dashboard", p.Workflow, "handoff override wins selection")

	// The completion trigger is rendered from the workflow's template and
	// routed as a system-origin message.
	sys := recvType(t, ws, domain.TypeSystem)
	sp := decode[domain.SystemPayload](t, sys)
	assert.Equal(t, "The shopify store acme.myshopify.com is now connected.", sp.Message)
	recvType(t, ws, domain.TypeCJMessage)
}

func TestStart_HandoffConsumedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	convID := identity.ConversationID("user-1")
	require.NoError(t, h.bridge.RecordHandoff(ctx, convID, "shopify_dashboard", nil, time.Minute))

	ws := h.dial(t, "user-1")
	send(t, ws, domain.TypeStartConversation, "", domain.StartConversationPayload{})
	first := decode[domain.ConversationStartedPayload](t, recvType(t, ws, domain.TypeConversationStarted))
	require.Equal(t, "shopify_dashboard", first.Workflow)
	ws.Close()

	ws2 := h.dial(t, "user-1")
	send(t, ws2, domain.TypeStartConversation, "", domain.StartConversationPayload{})
	second := decode[domain.ConversationStartedPayload](t, recvType(t, ws2, domain.TypeConversationStarted))
	assert.Equal(t, "ad_hoc_support", second.Workflow, "handoff no longer pending")
}
