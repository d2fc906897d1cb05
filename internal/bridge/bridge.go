// Package bridge preserves conversation identity across an external
// redirect-based authorization flow and synthesizes the trigger message the
// target workflow expects on completion.
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/hirecj/cj-gateway/internal/domain"
	"github.com/hirecj/cj-gateway/internal/logging"
	"github.com/hirecj/cj-gateway/internal/store"
	"github.com/hirecj/cj-gateway/internal/workflow"
)

const (
	resumeAttempts = 3
	resumeDelay    = 200 * time.Millisecond
)

// Resumption is the outcome of a successful handoff lookup: the override has
// been written and the synthetic trigger message is ready to route as a
// system-originated inbound.
type Resumption struct {
	TargetWorkflow string
	TriggerMessage string
	CompletionData map[string]string
}

// Bridge ties the authorization callback to the conversation the user left.
type Bridge struct {
	handoffs *store.HandoffStore
	sessions *store.SessionStore
	catalog  *workflow.Catalog
	log      *logging.Logger
}

// New creates a continuity bridge.
func New(handoffs *store.HandoffStore, sessions *store.SessionStore, catalog *workflow.Catalog, log *logging.Logger) *Bridge {
	return &Bridge{
		handoffs: handoffs,
		sessions: sessions,
		catalog:  catalog,
		log:      log.Sub("bridge"),
	}
}

// RecordHandoff is the write API exposed to the authorization callback
// handler. key is a conversation id, or domain.UserHandoffKey(userID) when no
// conversation exists yet.
func (b *Bridge) RecordHandoff(ctx context.Context, key, targetWorkflow string, completionData map[string]string, ttl time.Duration) error {
	if _, ok := b.catalog.Get(targetWorkflow); !ok {
		return errors.New("handoff targets unknown workflow: " + targetWorkflow)
	}
	if err := b.handoffs.Record(ctx, key, targetWorkflow, completionData, ttl); err != nil {
		return err
	}
	b.log.Info().
		Str("key", key).
		Str("targetWorkflow", targetWorkflow).
		Dur("ttl", ttl).
		Msg("handoff recorded")
	return nil
}

// Resume looks up and consumes the handoff for a reconnecting conversation.
// The client's reconnect can race the callback writing the record, so the
// lookup retries a bounded number of times before degrading. A miss returns
// (nil, nil): the session proceeds through normal workflow selection.
func (b *Bridge) Resume(ctx context.Context, conversationID, userID string) (*Resumption, error) {
	keys := []string{conversationID}
	if userID != "" {
		keys = append(keys, domain.UserHandoffKey(userID))
	}

	var rec *domain.HandoffRecord
	for attempt := 0; attempt < resumeAttempts && rec == nil; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(resumeDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		for _, key := range keys {
			got, err := b.handoffs.Consume(ctx, key)
			if errors.Is(err, store.ErrNoHandoff) {
				continue
			}
			if err != nil {
				return nil, err
			}
			rec = got
			break
		}
	}

	if rec == nil {
		b.log.Debug().
			Str("conversationId", conversationID).
			Msg("no handoff record, proceeding with normal selection")
		return nil, nil
	}

	def, ok := b.catalog.Get(rec.TargetWorkflow)
	if !ok {
		b.log.Warn().
			Str("targetWorkflow", rec.TargetWorkflow).
			Msg("handoff targets workflow missing from catalog, degrading")
		return nil, nil
	}

	// The override is what rule 1 of the selector consumes.
	if err := b.sessions.SetOverride(ctx, conversationID, rec.TargetWorkflow); err != nil {
		return nil, err
	}

	trigger := ""
	if def.OnCompletion != "" {
		trigger = workflow.RenderTemplate(def.OnCompletion, rec.CompletionData)
	}

	b.log.Info().
		Str("conversationId", conversationID).
		Str("targetWorkflow", rec.TargetWorkflow).
		Bool("hasTrigger", trigger != "").
		Msg("handoff resumed")

	return &Resumption{
		TargetWorkflow: rec.TargetWorkflow,
		TriggerMessage: trigger,
		CompletionData: rec.CompletionData,
	}, nil
}
