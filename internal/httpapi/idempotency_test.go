package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newCache(t *testing.T) *IdempotencyCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewIdempotencyCache(client, time.Minute)
}

func TestIdempotencyCacheReplaysResponse(t *testing.T) {
	cache := newCache(t)
	var calls int32
	h := cache.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusCreated, map[string]any{"n": atomic.LoadInt32(&calls)})
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/investments", strings.NewReader("{}"))
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	second := do()
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("handler called %d times", calls)
	}
	if second.Code != first.Code || second.Body.String() != first.Body.String() {
		t.Fatalf("replay differs: %d %q vs %d %q", first.Code, first.Body.String(), second.Code, second.Body.String())
	}
	if second.Header().Get("Idempotency-Key") != "key-1" {
		t.Fatal("replay missing Idempotency-Key header")
	}
}

func TestIdempotencyCacheDistinctKeys(t *testing.T) {
	cache := newCache(t)
	var calls int32
	h := cache.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusCreated)
	}))

	for _, key := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/investments", strings.NewReader("{}"))
		req.Header.Set("Idempotency-Key", key)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Fatalf("handler called %d times", calls)
	}
}

func TestIdempotencyCacheIgnoresGetsAndMissingKey(t *testing.T) {
	cache := newCache(t)
	var calls int32
	h := cache.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))

	get := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	get.Header.Set("Idempotency-Key", "key-1")
	h.ServeHTTP(httptest.NewRecorder(), get)
	h.ServeHTTP(httptest.NewRecorder(), get)

	post := httptest.NewRequest(http.MethodPost, "/v1/investments", strings.NewReader("{}"))
	h.ServeHTTP(httptest.NewRecorder(), post)
	h.ServeHTTP(httptest.NewRecorder(), post)

	if calls != 4 {
		t.Fatalf("handler called %d times", calls)
	}
}
