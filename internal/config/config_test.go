package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gabrielenos/lancip/internal/types"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Relay.Mode != types.ModeAddressed {
		t.Fatalf("expected addressed mode, got %q", cfg.Relay.Mode)
	}
	if cfg.Relay.WriteTimeout != 5*time.Second || cfg.Relay.MaxMessageBytes != 64<<10 {
		t.Fatalf("unexpected relay defaults: %+v", cfg.Relay)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("expected the two dev origins, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lancip.yaml")
	body := `
app_name: from-file
jwt_ttl: 30m
cors_allowed_origins: ["https://chat.example"]
relay:
  mode: broadcast
  write_timeout: 2s
  require_token: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("APP_NAME", "from-env")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppName != "from-env" {
		t.Fatalf("env should override file, got %q", cfg.AppName)
	}
	if cfg.JWTTTL != 30*time.Minute || cfg.Relay.Mode != types.ModeBroadcast || !cfg.Relay.RequireToken {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Relay.WriteTimeout != 2*time.Second {
		t.Fatalf("expected 2s write timeout, got %v", cfg.Relay.WriteTimeout)
	}
	if strings.Join(cfg.AllowedOrigins, "|") != "https://a.example|https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.Relay.HeartbeatInterval != 30*time.Second {
		t.Fatalf("unset file keys keep defaults, got %v", cfg.Relay.HeartbeatInterval)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cases := map[string]string{
		"RELAY_MODE":          "gossip",
		"RELAY_WRITE_TIMEOUT": "-1s",
		"LOG_LEVEL":           "loud",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected %s=%s to be rejected", key, value)
			}
		})
	}
}

func TestValidateRequiresSecret(t *testing.T) {
	cfg := Default()
	cfg.JWTSecret = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected empty secret to be rejected")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected missing config file to fail")
	}
}

func TestValidatePoolAndSampling(t *testing.T) {
	cases := map[string]func(*Config){
		"sample ratio above one": func(c *Config) { c.TraceSampleRatio = 1.5 },
		"negative pool size":     func(c *Config) { c.Pool.RedisPoolSize = -1 },
		"min above max":          func(c *Config) { c.Pool.PostgresMinConns = 11 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation to fail")
			}
		})
	}
}

func TestLoadPoolFromEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("POSTGRES_MAX_CONNS", "25")
	t.Setenv("REDIS_POOL_SIZE", "40")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pool.PostgresMaxConns != 25 || cfg.Pool.RedisPoolSize != 40 {
		t.Fatalf("pool env not applied: %+v", cfg.Pool)
	}
	if cfg.TraceSampleRatio != 0.25 {
		t.Fatalf("expected sample ratio 0.25, got %v", cfg.TraceSampleRatio)
	}
}
