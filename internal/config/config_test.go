package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.OpsAddr != ":8081" {
		t.Fatalf("unexpected addrs: %s %s", cfg.ListenAddr, cfg.OpsAddr)
	}
	if cfg.TimeControl != 10*time.Minute || cfg.AbandonTimeout != time.Minute || cfg.CacheTTL != time.Hour {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.AuthMode != "query" || cfg.DatabaseURL != "" || cfg.SendBuffer != 32 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadRequiresRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("CONFIG_FILE", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Fatalf("expected REDIS_URL error, got %v", err)
	}
}

func TestFileOverlayThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matchd.yaml")
	body := `
redis_url: redis://cache:6379/1
database_url: postgres://chess@db/chess?sslmode=disable
time_control: 5m
abandon_timeout: 30s
persist_attempts: 5
origin_patterns: ["chess.example.com"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REDIS_URL", "")
	t.Setenv("ABANDON_TIMEOUT", "45s")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_TO_FILE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisURL != "redis://cache:6379/1" || cfg.DatabaseURL == "" {
		t.Fatalf("file overlay not applied: %+v", cfg)
	}
	if cfg.TimeControl != 5*time.Minute || cfg.PersistAttempts != 5 {
		t.Fatalf("file overlay not applied: %+v", cfg)
	}
	if cfg.AbandonTimeout != 45*time.Second {
		t.Fatalf("env should win over file, got %s", cfg.AbandonTimeout)
	}
	if len(cfg.OriginPatterns) != 1 || cfg.OriginPatterns[0] != "chess.example.com" {
		t.Fatalf("unexpected origins: %v", cfg.OriginPatterns)
	}
	if cfg.Log.Format != "json" || !cfg.Log.ToFile {
		t.Fatalf("log options not applied: %+v", cfg.Log)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad duration":   {"TIME_CONTROL": "ten minutes"},
		"jwt no secret":  {"AUTH_MODE": "jwt", "JWT_SECRET": ""},
		"unknown auth":   {"AUTH_MODE": "cookie"},
		"missing config": {"CONFIG_FILE": "/nonexistent/matchd.yaml"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("REDIS_URL", "redis://localhost:6379/0")
			t.Setenv("CONFIG_FILE", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestJWTModeWithSecret(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("AUTH_MODE", "JWT")
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthMode != "jwt" {
		t.Fatalf("auth mode not normalised: %s", cfg.AuthMode)
	}
}
