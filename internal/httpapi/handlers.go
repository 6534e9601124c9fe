package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"mahfaza.org/internal/actor"
	"mahfaza.org/internal/funds"
	"mahfaza.org/internal/obs"
	"mahfaza.org/internal/stream"
)

// ReadyProbe reports whether downstream dependencies answer.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the fund movement services.
type API struct {
	mux        *http.ServeMux
	funds      *funds.Service
	readyProbe ReadyProbe
	verifier   *actor.Verifier
	stream     *stream.Stream
	idem       *IdempotencyCache
	version    string
}

// Option configures API.
type Option func(*API)

// WithVerifier enables bearer-token authentication on the admin surface.
func WithVerifier(v *actor.Verifier) Option {
	return func(a *API) { a.verifier = v }
}

// WithStream enables the operations SSE endpoint.
func WithStream(s *stream.Stream) Option {
	return func(a *API) { a.stream = s }
}

// WithIdempotencyCache replays cached responses for repeated POSTs carrying
// the same Idempotency-Key header.
func WithIdempotencyCache(c *IdempotencyCache) Option {
	return func(a *API) { a.idem = c }
}

func New(svc *funds.Service, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		funds:      svc,
		readyProbe: rp,
		version:    version,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/webhooks/bank-deposit", a.handleBankDeposit)
	a.mux.HandleFunc("/v1/investments", a.handleInvestments)
	a.mux.HandleFunc("/v1/investments/", a.handleInvestmentResource)
	a.mux.Handle("/v1/admin/transactions/", a.withAdminAuth(http.HandlerFunc(a.handleAdminTransaction)))
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)
	a.mux.HandleFunc("/v1/transactions/", a.handleTransactionResource)
	a.mux.HandleFunc("/v1/operations/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	if a.idem != nil {
		h = a.idem.Middleware(h)
	}
	return obs.Instrument(RequestID(h))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "mahfaza-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "mahfaza-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
