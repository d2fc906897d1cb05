package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hirecj/cj-gateway/internal/domain"
)

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrWorkflowConflict is returned when a compare-and-swap on the active
	// workflow loses to a concurrent writer.
	ErrWorkflowConflict = errors.New("workflow changed concurrently")
	// ErrNoOverride is returned when no one-shot override is pending.
	ErrNoOverride = errors.New("no pending override")
)

// SessionStore persists conversation sessions, their transition logs, and
// pending one-shot overrides.
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a session store using the given database.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// GetOrCreate loads the session with the given id, creating it with the
// given identity fields and initial workflow when absent.
func (s *SessionStore) GetOrCreate(ctx context.Context, id, userID string, anonymous bool) (*domain.Session, error) {
	sess, err := s.Get(ctx, id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.sql.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, anonymous, created_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, userID, boolToInt(anonymous), now.Format(time.DateTime), now.Format(time.DateTime),
	)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	// Re-read: a racing connection for the same user may have won the insert.
	return s.Get(ctx, id)
}

// Get returns the session with the given id.
func (s *SessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	var sess domain.Session
	var anonymous int
	var createdAt, lastActivity string

	err := s.db.sql.QueryRowContext(ctx,
		`SELECT id, user_id, anonymous, merchant_id, scenario, workflow, created_at, last_activity_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(
		&sess.ID, &sess.UserID, &anonymous, &sess.MerchantID,
		&sess.Scenario, &sess.Workflow, &createdAt, &lastActivity,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	sess.Anonymous = anonymous != 0
	sess.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	sess.LastActivityAt, _ = time.Parse(time.DateTime, lastActivity)
	return &sess, nil
}

// Touch updates the session's last-activity timestamp.
func (s *SessionStore) Touch(ctx context.Context, id string) error {
	_, err := s.db.sql.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.DateTime), id,
	)
	return err
}

// SetContext records the merchant and scenario announced in start_conversation.
func (s *SessionStore) SetContext(ctx context.Context, id, merchantID, scenario string) error {
	_, err := s.db.sql.ExecContext(ctx,
		`UPDATE conversations SET merchant_id = ?, scenario = ? WHERE id = ?`,
		merchantID, scenario, id,
	)
	return err
}

// SetWorkflow unconditionally sets the active workflow. Used for the initial
// selection on a fresh session, where no prior value can be observed.
func (s *SessionStore) SetWorkflow(ctx context.Context, id, workflow string) error {
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE conversations SET workflow = ? WHERE id = ?`, workflow, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSwapWorkflow atomically replaces the active workflow only if it
// still equals expected. Two workers racing on the same conversation cannot
// both win.
func (s *SessionStore) CompareAndSwapWorkflow(ctx context.Context, id, expected, next string) error {
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE conversations SET workflow = ? WHERE id = ? AND workflow = ?`,
		next, id, expected,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish a lost race from a missing row.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrWorkflowConflict
	}
	return nil
}

// AppendTransition appends one entry to the session's transition log.
func (s *SessionStore) AppendTransition(ctx context.Context, t domain.Transition) error {
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO workflow_transitions (conversation_id, from_workflow, to_workflow, reason, at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.ConversationID, t.FromWorkflow, t.ToWorkflow, t.Reason, at.Format(time.DateTime),
	)
	return err
}

// Transitions returns the session's transition log in append order.
func (s *SessionStore) Transitions(ctx context.Context, id string) ([]domain.Transition, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT conversation_id, from_workflow, to_workflow, reason, at
		 FROM workflow_transitions WHERE conversation_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var t domain.Transition
		var at string
		if err := rows.Scan(&t.ConversationID, &t.FromWorkflow, &t.ToWorkflow, &t.Reason, &at); err != nil {
			continue
		}
		t.At, _ = time.Parse(time.DateTime, at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetOverride stores a pending one-shot workflow override, replacing any
// existing one for the conversation.
func (s *SessionStore) SetOverride(ctx context.Context, id, targetWorkflow string) error {
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO overrides (conversation_id, target_workflow, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
		   target_workflow = excluded.target_workflow,
		   created_at = excluded.created_at`,
		id, targetWorkflow, time.Now().UTC().Format(time.DateTime),
	)
	return err
}

// ConsumeOverride atomically reads and deletes the pending override for a
// conversation. When two workers race, exactly one gets the override; the
// other gets ErrNoOverride.
func (s *SessionStore) ConsumeOverride(ctx context.Context, id string) (string, error) {
	var target string
	err := s.db.sql.QueryRowContext(ctx,
		`DELETE FROM overrides WHERE conversation_id = ? RETURNING target_workflow`, id,
	).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoOverride
	}
	if err != nil {
		return "", fmt.Errorf("consuming override: %w", err)
	}
	return target, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
