package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mahfaza.org/internal/obs"
)

const (
	idempotencyHeader = "Idempotency-Key"
	idempotencyPrefix = "idempotency:v1:"
	inProgressMarker  = "__in_progress__"
)

// IdempotencyCache replays cached responses for repeated unsafe requests
// carrying the same Idempotency-Key header. The ledger's own idempotency
// keys remain the source of truth; this layer only spares duplicate work
// and shields against double-submits racing within the TTL.
type IdempotencyCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIdempotencyCache wraps a Redis client. A nil client disables the layer.
func NewIdempotencyCache(client *redis.Client, ttl time.Duration) *IdempotencyCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyCache{client: client, ttl: ttl}
}

type storedResponse struct {
	Status int               `json:"status"`
	Body   string            `json:"body"`
	Header map[string]string `json:"header"`
}

type recordingWriter struct {
	http.ResponseWriter
	code int
	buf  bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	return w.ResponseWriter.Write(p)
}

// Middleware intercepts POSTs with an Idempotency-Key header.
func (c *IdempotencyCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		cacheKey := idempotencyPrefix + key

		cached, err := c.client.Get(ctx, cacheKey).Result()
		if err == nil {
			if cached == inProgressMarker {
				writeError(w, r, http.StatusConflict, "duplicate request currently processing")
				return
			}
			var stored storedResponse
			if err := json.Unmarshal([]byte(cached), &stored); err == nil {
				for k, v := range stored.Header {
					w.Header().Set(k, v)
				}
				w.Header().Set(idempotencyHeader, key)
				w.WriteHeader(stored.Status)
				_, _ = w.Write([]byte(stored.Body))
				return
			}
			writeError(w, r, http.StatusConflict, "duplicate request")
			return
		}
		if !errors.Is(err, redis.Nil) {
			// Cache down: degrade to the ledger's own idempotency.
			obs.LogRequest(map[string]any{
				"level": "warn",
				"msg":   "idempotency cache unavailable",
				"error": err.Error(),
			})
			next.ServeHTTP(w, r)
			return
		}

		if err := c.client.SetNX(ctx, cacheKey, inProgressMarker, c.ttl).Err(); err != nil {
			next.ServeHTTP(w, r)
			return
		}

		rec := &recordingWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)

		stored := storedResponse{
			Status: rec.code,
			Body:   rec.buf.String(),
			Header: map[string]string{
				"Content-Type": rec.Header().Get("Content-Type"),
			},
		}
		payload, err := json.Marshal(stored)
		if err != nil {
			c.client.Del(ctx, cacheKey)
			return
		}
		if err := c.client.Set(ctx, cacheKey, payload, c.ttl).Err(); err != nil {
			c.client.Del(ctx, cacheKey)
		}
	})
}
