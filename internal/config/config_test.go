package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.IdemTTL != 24*time.Hour {
		t.Fatalf("idem ttl = %s", cfg.IdemTTL)
	}
	if cfg.RateLimit <= 0 || cfg.RateBurst <= 0 {
		t.Fatalf("rate limit defaults missing: %v %v", cfg.RateLimit, cfg.RateBurst)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MAHFAZA_ADDR", ":9999")
	t.Setenv("MAHFAZA_POSTGRES_DSN", "postgres://example/mahfaza")
	t.Setenv("MAHFAZA_IDEM_TTL", "1h")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.PostgresDSN != "postgres://example/mahfaza" {
		t.Fatalf("dsn = %q", cfg.PostgresDSN)
	}
	if cfg.IdemTTL != time.Hour {
		t.Fatalf("idem ttl = %s", cfg.IdemTTL)
	}
}
