package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"mahfaza.org/internal/ids"
)

// PGStore persists audit records in the audit_logs table.
type PGStore struct {
	db *sql.DB
}

var _ Sink = (*PGStore)(nil)

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Write(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.Action) == "" {
		return errors.New("audit action is required")
	}
	before, err := marshalState(rec.Before)
	if err != nil {
		return err
	}
	after, err := marshalState(rec.After)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_logs(id, actor_user_id, actor_role, action, entity_type, entity_id, before_state, after_state, reason, request_id, created_at)
		values ($1, nullif($2,''), $3, $4, $5, $6, $7, $8, nullif($9,''), nullif($10,''), $11)
	`, ids.New(), rec.ActorUserID, rec.ActorRole, rec.Action, rec.EntityType, rec.EntityID,
		before, after, rec.Reason, RequestIDFromContext(ctx), time.Now().UTC())
	return err
}

func marshalState(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
