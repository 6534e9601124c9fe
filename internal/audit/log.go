package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"mahfaza.org/internal/obs"
)

// LogSink writes audit records as structured JSON lines through the shared
// logger. It is the default sink and the fallback when no database is
// configured.
type LogSink struct{}

var _ Sink = LogSink{}

// Write emits one audit log entry enriched with the request context.
func (LogSink) Write(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.Action) == "" {
		return errors.New("audit action is required")
	}
	entry := map[string]any{
		"ts":          time.Now().UTC().Format(time.RFC3339Nano),
		"type":        "audit",
		"action":      rec.Action,
		"actor_role":  rec.ActorRole,
		"entity_type": rec.EntityType,
		"entity_id":   rec.EntityID,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if rec.ActorUserID != "" {
		entry["actor_user_id"] = rec.ActorUserID
	}
	if rec.Reason != "" {
		entry["reason"] = rec.Reason
	}
	if len(rec.Before) > 0 {
		entry["before"] = rec.Before
	}
	if len(rec.After) > 0 {
		entry["after"] = rec.After
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
