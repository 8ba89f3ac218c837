package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callbridge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CALLBRIDGE_AUTH_KEY", testKey)
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Server.StreamPath != "/ws" {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Session.HardLimit != 10*time.Minute || cfg.Session.SpuriousStopGrace != 3*time.Second {
		t.Fatalf("unexpected session defaults %+v", cfg.Session)
	}
	if cfg.Session.Voice != "alloy" {
		t.Fatalf("unexpected default voice %q", cfg.Session.Voice)
	}
	if cfg.RateLimit.Store != StoreLocal {
		t.Fatalf("unexpected store %q", cfg.RateLimit.Store)
	}
	ws := cfg.Server.RateLimits.WSUpgrade
	if ws.Capacity != 30 || ws.Interval != time.Minute {
		t.Fatalf("unexpected ws_upgrade policy %+v", ws)
	}
	if !cfg.Privacy.RedactPII {
		t.Fatalf("redaction must default on")
	}
}

func TestLoadConfigFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
auth_key: "${TEST_CALLBRIDGE_KEY}"
log_level: debug
server:
  addr: ":9090"
  allowed_origins: ["https://app.example.com"]
  rate_limits:
    token_issue:
      capacity: 3
      interval: 30s
session:
  voice: sage
  hard_limit: 5m
  prompts:
    inbound: "Hello from the file."
ratelimit:
  store: redis
  redis:
    addr: "localhost:6379"
`)
	t.Setenv("TEST_CALLBRIDGE_KEY", testKey)
	t.Setenv("CALLBRIDGE_SERVER_ADDR", ":7070")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthKey != testKey {
		t.Fatalf("expected ${VAR} expansion, got %q", cfg.AuthKey)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("env must override file, got %q", cfg.Server.Addr)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://app.example.com" {
		t.Fatalf("unexpected origins %v", cfg.Server.AllowedOrigins)
	}
	ti := cfg.Server.RateLimits.TokenIssue
	if ti.Capacity != 3 || ti.Interval != 30*time.Second {
		t.Fatalf("unexpected token_issue policy %+v", ti)
	}
	if cfg.Session.Voice != "sage" || cfg.Session.HardLimit != 5*time.Minute {
		t.Fatalf("unexpected session %+v", cfg.Session)
	}
	if cfg.Session.Prompts.Inbound != "Hello from the file." {
		t.Fatalf("unexpected prompt %q", cfg.Session.Prompts.Inbound)
	}
	if cfg.RateLimit.Store != StoreRedis || cfg.RateLimit.Redis.Addr != "localhost:6379" {
		t.Fatalf("unexpected ratelimit %+v", cfg.RateLimit)
	}
	if cfg.Realtime.APIKey != "sk-env" {
		t.Fatalf("expected OPENAI_API_KEY fallback, got %q", cfg.Realtime.APIKey)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing key", map[string]string{}, "auth_key is required"},
		{"bad key", map[string]string{"CALLBRIDGE_AUTH_KEY": "short"}, "auth_key"},
		{"unknown store", map[string]string{"CALLBRIDGE_AUTH_KEY": testKey, "CALLBRIDGE_RATELIMIT_STORE": "memcached"}, "ratelimit.store"},
		{"redis without addr", map[string]string{"CALLBRIDGE_AUTH_KEY": testKey, "CALLBRIDGE_RATELIMIT_STORE": "redis"}, "ratelimit.redis.addr"},
		{"postgres without dsn", map[string]string{"CALLBRIDGE_AUTH_KEY": testKey, "CALLBRIDGE_RATELIMIT_STORE": "postgres"}, "ratelimit.postgres.dsn"},
		{"sub-millisecond interval", map[string]string{"CALLBRIDGE_AUTH_KEY": testKey, "CALLBRIDGE_SERVER_RATE_LIMITS_TOKEN_ISSUE_INTERVAL": "500us"}, "server.rate_limits.token_issue"},
		{"bad voice", map[string]string{"CALLBRIDGE_AUTH_KEY": testKey, "CALLBRIDGE_SESSION_VOICE": "robot"}, "session.voice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CALLBRIDGE_AUTH_KEY", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig("")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("CALLBRIDGE_AUTH_KEY", testKey)
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}
