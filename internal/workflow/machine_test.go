package workflow

import (
	"context"
	"testing"

	"github.com/hirecj/cj-gateway/internal/domain"
	"github.com/hirecj/cj-gateway/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMachine(t *testing.T) (*Machine, *domain.Session) {
	t.Helper()
	sessions := testStore(t)
	m := NewMachine(testCatalog(t), sessions, logging.New(nil, "silent"))
	sess := newSession(t, sessions, "conv_1", "user-1")
	return m, sess
}

func TestMachine_Enter(t *testing.T) {
	m, sess := testMachine(t)

	res, err := m.Enter(context.Background(), sess, "shopify_onboarding", domain.ReasonInitial)
	require.NoError(t, err)
	assert.Equal(t, "shopify_onboarding", res.Workflow)
	assert.Empty(t, res.Previous)
	assert.Equal(t, "shopify_onboarding", sess.Workflow)

	log, err := m.sessions.Transitions(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, domain.ReasonInitial, log[0].Reason)
}

func TestMachine_Enter_UnknownWorkflow(t *testing.T) {
	m, sess := testMachine(t)

	_, err := m.Enter(context.Background(), sess, "ghost", domain.ReasonInitial)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.ErrCodeUnknownWorkflow, te.Code)
}

func TestMachine_Transition(t *testing.T) {
	m, sess := testMachine(t)

	_, err := m.Enter(context.Background(), sess, "shopify_onboarding", domain.ReasonInitial)
	require.NoError(t, err)

	res, err := m.Transition(context.Background(), sess, "ad_hoc_support", domain.ReasonUserRequested)
	require.NoError(t, err)
	assert.Equal(t, "shopify_onboarding", res.Previous)
	assert.Equal(t, "ad_hoc_support", res.Workflow)
	assert.Equal(t, "ad_hoc_support", sess.Workflow)
}

func TestMachine_Transition_RequirementsUnmet(t *testing.T) {
	sessions := testStore(t)
	m := NewMachine(testCatalog(t), sessions, logging.New(nil, "silent"))
	sess := newSession(t, sessions, "anon_1", "")

	_, err := m.Enter(context.Background(), sess, "shopify_onboarding", domain.ReasonInitial)
	require.NoError(t, err)

	_, err = m.Transition(context.Background(), sess, "shopify_dashboard", domain.ReasonUserRequested)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.ErrCodeRequirementsUnmet, te.Code)
	assert.Equal(t, "shopify_onboarding", sess.Workflow, "failed transition leaves the workflow untouched")
}

func TestMachine_Transition_TargetNotAllowed(t *testing.T) {
	m, sess := testMachine(t)

	// shopify_onboarding restricts transitions; onboarding→onboarding is
	// not on the list.
	_, err := m.Enter(context.Background(), sess, "shopify_onboarding", domain.ReasonInitial)
	require.NoError(t, err)

	_, err = m.Transition(context.Background(), sess, "shopify_onboarding", domain.ReasonUserRequested)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.ErrCodeTransitionDenied, te.Code)
}

func TestMachine_Transition_ConcurrentSwap(t *testing.T) {
	m, sess := testMachine(t)
	ctx := context.Background()

	_, err := m.Enter(ctx, sess, "ad_hoc_support", domain.ReasonInitial)
	require.NoError(t, err)

	// Another writer moves the session behind our back.
	require.NoError(t, m.sessions.SetWorkflow(ctx, sess.ID, "shopify_onboarding"))

	sess.MerchantID = "merchant-9"
	_, err = m.Transition(ctx, sess, "shopify_dashboard", domain.ReasonUserRequested)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.ErrCodeTransitionDenied, te.Code)
	assert.Equal(t, "shopify_onboarding", sess.Workflow, "session view refreshed to the winner's state")
}
