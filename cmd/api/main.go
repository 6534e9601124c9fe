package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"mahfaza.org/internal/actor"
	"mahfaza.org/internal/audit"
	"mahfaza.org/internal/config"
	"mahfaza.org/internal/funds"
	"mahfaza.org/internal/httpapi"
	"mahfaza.org/internal/ledger"
	"mahfaza.org/internal/obs"
	"mahfaza.org/internal/store/pg"
	"mahfaza.org/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Without a DSN the service runs on the in-memory store. Useful for
	// local development and demos; production always sets MAHFAZA_POSTGRES_DSN.
	var (
		store   ledger.Store
		pgStore *pg.Store
		sink    audit.Sink
	)
	if cfg.PostgresDSN != "" {
		pgStore, err = pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		sink = audit.NewPGStore(pgStore.DB())
	} else {
		store = ledger.NewInMemory()
		sink = audit.LogSink{}
	}

	events := stream.New()
	svc := funds.NewService(store, sink, funds.WithStream(events))

	opts := []httpapi.Option{httpapi.WithStream(events)}
	if v := actor.NewVerifier(cfg.AuthSecret, cfg.AuthIssuer); v != nil {
		opts = append(opts, httpapi.WithVerifier(v))
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		opts = append(opts, httpapi.WithIdempotencyCache(httpapi.NewIdempotencyCache(rdb, cfg.IdemTTL)))
	}

	probe := httpapi.ReadyProbe{}
	if pgStore != nil {
		probe.DB = pgStore.DB()
	}
	api := httpapi.New(svc, probe, version, opts...)

	handler := httpapi.Logging(api.Handler())
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.CORS(handler)
	handler = httpapi.MaxBodyBytes(handler, cfg.MaxBody)
	handler = httpapi.RateLimit(handler, cfg.RateLimit, cfg.RateBurst)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting mahfaza-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
