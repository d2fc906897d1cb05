package workflow

import (
	"context"
	"fmt"

	"github.com/hirecj/cj-gateway/internal/domain"
	"github.com/hirecj/cj-gateway/internal/integrations"
	"github.com/hirecj/cj-gateway/internal/logging"
	"github.com/hirecj/cj-gateway/internal/store"
)

// ResolutionError reports that no selection rule matched. The selector still
// returns the general-support fallback so a session is never workflow-less.
type ResolutionError struct {
	ConversationID string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("no workflow resolution rule matched for conversation %s", e.ConversationID)
}

// Roles names the configured workflow roles the selector falls back to.
type Roles struct {
	Onboarding      string
	GeneralSupport  string
	PostIntegration map[string]string // provider → workflow
	Providers       []string          // check order for rule 3
}

// SelectionInput is everything one selection decision can see.
type SelectionInput struct {
	Session   *domain.Session
	Requested string // workflow named in the client handshake, if any
}

// Rule is one entry in the ordered selection chain. Resolve returns the
// selected workflow name and true when the rule matches; rules must not
// mutate anything unless they match.
type Rule struct {
	Name    string
	Resolve func(ctx context.Context, in SelectionInput) (string, bool, error)
}

// Selector picks the active workflow for a (conversation, connection) pair
// by evaluating an ordered list of rules, first match wins. Adding a
// priority rule means inserting one entry, never editing a conditional tree.
type Selector struct {
	catalog  *Catalog
	sessions *store.SessionStore
	checker  integrations.Checker
	roles    Roles
	rules    []Rule
	log      *logging.Logger
}

// NewSelector creates a selector with the standard rule chain.
func NewSelector(
	catalog *Catalog,
	sessions *store.SessionStore,
	checker integrations.Checker,
	roles Roles,
	log *logging.Logger,
) *Selector {
	s := &Selector{
		catalog:  catalog,
		sessions: sessions,
		checker:  checker,
		roles:    roles,
		log:      log.Sub("selector"),
	}
	s.rules = []Rule{
		{Name: "one_shot_override", Resolve: s.resolveOverride},
		{Name: "client_requested", Resolve: s.resolveRequested},
		{Name: "completed_integration", Resolve: s.resolveIntegration},
		{Name: "default", Resolve: s.resolveDefault},
	}
	return s
}

// Select evaluates the rule chain and returns the chosen workflow name.
// Evaluated once per new session establishment and again on every explicit
// transition request.
func (s *Selector) Select(ctx context.Context, in SelectionInput) (string, error) {
	for _, rule := range s.rules {
		name, ok, err := rule.Resolve(ctx, in)
		if err != nil {
			s.log.Warn().Err(err).
				Str("rule", rule.Name).
				Str("conversationId", in.Session.ID).
				Msg("selection rule failed, continuing down the chain")
			continue
		}
		if !ok {
			continue
		}
		s.log.Debug().
			Str("rule", rule.Name).
			Str("workflow", name).
			Str("conversationId", in.Session.ID).
			Msg("workflow selected")
		return name, nil
	}

	// Unreachable given the default rule, but a session must never be left
	// workflow-less.
	err := &ResolutionError{ConversationID: in.Session.ID}
	s.log.Error().Err(err).Msg("falling back to general support")
	return s.roles.GeneralSupport, err
}

// Rule 1: a pending one-shot override is consumed atomically and wins.
func (s *Selector) resolveOverride(ctx context.Context, in SelectionInput) (string, bool, error) {
	target, err := s.sessions.ConsumeOverride(ctx, in.Session.ID)
	if err == store.ErrNoOverride {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if _, ok := s.catalog.Get(target); !ok {
		return "", false, fmt.Errorf("override names unknown workflow %q", target)
	}
	return target, true, nil
}

// Rule 2: the client asked for a workflow whose requirements the session
// satisfies. Unmet requirements fall through rather than erroring.
func (s *Selector) resolveRequested(_ context.Context, in SelectionInput) (string, bool, error) {
	if in.Requested == "" {
		return "", false, nil
	}
	def, ok := s.catalog.Get(in.Requested)
	if !ok {
		return "", false, fmt.Errorf("requested workflow %q not in catalog", in.Requested)
	}
	if !MeetsRequirements(def, in.Session) {
		s.log.Debug().
			Str("workflow", in.Requested).
			Str("conversationId", in.Session.ID).
			Msg("requested workflow requirements unmet, falling through")
		return "", false, nil
	}
	return in.Requested, true, nil
}

// Rule 3: a completed external integration routes to that provider's
// post-integration workflow.
func (s *Selector) resolveIntegration(ctx context.Context, in SelectionInput) (string, bool, error) {
	if !in.Session.Authenticated() || s.checker == nil {
		return "", false, nil
	}
	for _, provider := range s.roles.Providers {
		target, bound := s.roles.PostIntegration[provider]
		if !bound {
			continue
		}
		has, err := s.checker.HasIntegration(ctx, in.Session.UserID, provider)
		if err != nil {
			return "", false, err
		}
		if has {
			return target, true, nil
		}
	}
	return "", false, nil
}

// Rule 4: onboarding by default; authenticated users skip onboarding and get
// general support.
func (s *Selector) resolveDefault(_ context.Context, in SelectionInput) (string, bool, error) {
	if in.Session.Authenticated() {
		return s.roles.GeneralSupport, true, nil
	}
	return s.roles.Onboarding, true, nil
}

// MeetsRequirements reports whether the session satisfies a definition's
// required context flags.
func MeetsRequirements(def *Definition, sess *domain.Session) bool {
	if def.Requirements.Authenticated && !sess.Authenticated() {
		return false
	}
	if def.Requirements.Merchant && sess.MerchantID == "" {
		return false
	}
	return true
}
