package config

import (
	"strings"
	"testing"
	"time"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{"WARDEN_AUTH_SECRET": secret})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":9090" {
		t.Fatalf("unexpected addresses %q %q", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	if cfg.AccessTTL != 15*time.Minute || cfg.RefreshTTL != 168*time.Hour {
		t.Fatalf("unexpected ttls %s %s", cfg.AccessTTL, cfg.RefreshTTL)
	}
	if cfg.LockThreshold != 3 || cfg.LockWindow != 15*time.Minute {
		t.Fatalf("unexpected lockout settings %d %s", cfg.LockThreshold, cfg.LockWindow)
	}
	if cfg.DefaultKappa != 1000 || !cfg.Autostart || cfg.UsesPostgres() {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"WARDEN_AUTH_SECRET":     secret,
		"WARDEN_PG_DSN":          "postgres://localhost/warden",
		"WARDEN_DEFAULT_KAPPA":   "2500",
		"WARDEN_ALLOWED_ORIGINS": "https://a.example,https://b.example",
		"WARDEN_AUTOSTART":       "false",
		"WARDEN_TRUSTED_PROXIES": "10.0.0.0/8,192.0.2.1",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.UsesPostgres() || cfg.DefaultKappa != 2500 || cfg.Autostart {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[0] != "10.0.0.0/8" {
		t.Fatalf("unexpected proxies %v", cfg.TrustedProxies)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := LoadFrom(map[string]string{
		"WARDEN_AUTH_SECRET":   "short",
		"WARDEN_DEFAULT_KAPPA": "0",
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "WARDEN_AUTH_SECRET") || !strings.Contains(err.Error(), "WARDEN_DEFAULT_KAPPA") {
		t.Fatalf("expected both problems reported, got %v", err)
	}

	if _, err := LoadFrom(map[string]string{"WARDEN_AUTH_SECRET": secret, "WARDEN_TICK_INTERVAL": "soon"}); err == nil {
		t.Fatalf("expected parse error for bad duration")
	}
	_, err = LoadFrom(map[string]string{"WARDEN_AUTH_SECRET": secret, "WARDEN_TRUSTED_PROXIES": "10.0.0.0/8,lb.internal"})
	if err == nil || !strings.Contains(err.Error(), "WARDEN_TRUSTED_PROXIES") {
		t.Fatalf("expected proxy validation error, got %v", err)
	}
}
