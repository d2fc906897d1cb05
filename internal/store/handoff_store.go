package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hirecj/cj-gateway/internal/domain"
)

// ErrNoHandoff is returned when no live handoff record exists for a key.
var ErrNoHandoff = errors.New("no handoff record")

// HandoffStore persists ephemeral OAuth handoff records. Records expire after
// their TTL and are consumed at most once via delete-on-read.
type HandoffStore struct {
	db *DB
}

// NewHandoffStore creates a handoff store using the given database.
func NewHandoffStore(db *DB) *HandoffStore {
	return &HandoffStore{db: db}
}

// Record writes a handoff keyed by conversation id (or user key), replacing
// any prior record under the same key.
func (s *HandoffStore) Record(ctx context.Context, key, targetWorkflow string, completionData map[string]string, ttl time.Duration) error {
	var data sql.NullString
	if len(completionData) > 0 {
		raw, err := json.Marshal(completionData)
		if err != nil {
			return fmt.Errorf("encoding completion data: %w", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}

	// Expiry is stored as Unix nanoseconds so sub-second TTLs survive intact.
	expires := time.Now().UTC().Add(ttl)
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO handoffs (key, target_workflow, completion_data, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   target_workflow = excluded.target_workflow,
		   completion_data = excluded.completion_data,
		   expires_at = excluded.expires_at`,
		key, targetWorkflow, data, expires.UnixNano(),
	)
	return err
}

// Consume atomically reads and deletes the live handoff for a key. Expired
// records are not returned; duplicate consumption is structurally impossible
// because the read and the delete are one statement.
func (s *HandoffStore) Consume(ctx context.Context, key string) (*domain.HandoffRecord, error) {
	var rec domain.HandoffRecord
	var data sql.NullString
	var expires int64
	err := s.db.sql.QueryRowContext(ctx,
		`DELETE FROM handoffs WHERE key = ? AND expires_at > ?
		 RETURNING key, target_workflow, completion_data, expires_at`,
		key, time.Now().UnixNano(),
	).Scan(&rec.Key, &rec.TargetWorkflow, &data, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoHandoff
	}
	if err != nil {
		return nil, fmt.Errorf("consuming handoff: %w", err)
	}

	rec.ExpiresAt = time.Unix(0, expires).UTC()
	if data.Valid && data.String != "" {
		_ = json.Unmarshal([]byte(data.String), &rec.CompletionData)
	}
	return &rec, nil
}

// Sweep deletes expired records. Called periodically by the owning server;
// Consume never returns expired rows regardless.
func (s *HandoffStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.sql.ExecContext(ctx,
		`DELETE FROM handoffs WHERE expires_at <= ?`,
		time.Now().UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
