package audit

import (
	"context"
	"strings"
)

// Record is one audit trail row. Every mutating action writes exactly one.
type Record struct {
	ActorUserID string         `json:"actor_user_id,omitempty"`
	ActorRole   string         `json:"actor_role"`
	Action      string         `json:"action"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Before      map[string]any `json:"before,omitempty"`
	After       map[string]any `json:"after,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// Sink consumes audit records. Writes are best-effort relative to the ledger
// commit: callers log and meter a failure but never roll back the financial
// movement because of it.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit
// enrichment.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
