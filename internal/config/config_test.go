package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Addr != ":8400" {
		t.Errorf("Addr = %q, want :8400", cfg.Addr)
	}
	if cfg.HangOnExtension != 5*time.Minute {
		t.Errorf("HangOnExtension = %s, want 5m", cfg.HangOnExtension)
	}
	if cfg.WaitStart != 2*time.Minute || cfg.WaitSend != 30*time.Second {
		t.Errorf("wait defaults = %s/%s, want 2m/30s", cfg.WaitStart, cfg.WaitSend)
	}
	if cfg.ReservationDefaultTTL != time.Hour || cfg.ReservationMaxTTL != 24*time.Hour {
		t.Errorf("reservation TTLs = %s/%s", cfg.ReservationDefaultTTL, cfg.ReservationMaxTTL)
	}
	if cfg.SweepSchedule != "@every 1m" {
		t.Errorf("SweepSchedule = %q", cfg.SweepSchedule)
	}
	if !cfg.LogJSON || cfg.LogLevel != "info" {
		t.Errorf("logging defaults = %v/%q", cfg.LogJSON, cfg.LogLevel)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AWEB_ADDR", ":9999")
	t.Setenv("AWEB_HANG_ON_EXTENSION", "90s")
	t.Setenv("AWEB_TRUST_PROXY_HEADERS", "true")
	t.Setenv("AWEB_REDIS_DB", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.HangOnExtension != 90*time.Second {
		t.Errorf("HangOnExtension = %s", cfg.HangOnExtension)
	}
	if !cfg.TrustProxyHeaders {
		t.Error("TrustProxyHeaders should be true")
	}
	if cfg.RedisDB != 3 {
		t.Errorf("RedisDB = %d", cfg.RedisDB)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aweb.yaml")
	data := "addr: \":7000\"\nwait_send: 45s\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AWEB_CONFIG", path)
	// Env still wins over the file.
	t.Setenv("AWEB_LOG_LEVEL", "warn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Errorf("Addr = %q, want yaml value", cfg.Addr)
	}
	if cfg.WaitSend != 45*time.Second {
		t.Errorf("WaitSend = %s, want 45s", cfg.WaitSend)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, env should override yaml", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c, _ := Load()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults valid", func(c *Config) {}, ""},
		{"empty addr", func(c *Config) { c.Addr = "" }, "AWEB_ADDR"},
		{"empty db path", func(c *Config) { c.DBPath = "" }, "AWEB_DB_PATH"},
		{"no presence backend", func(c *Config) { c.RedisAddr = ""; c.KVPath = "" }, "AWEB_REDIS_ADDR"},
		{"proxy without secret", func(c *Config) { c.TrustProxyHeaders = true }, "AWEB_INTERNAL_AUTH_SECRET"},
		{"negative extension", func(c *Config) { c.HangOnExtension = -time.Second }, "AWEB_HANG_ON_EXTENSION"},
		{"tiny default ttl", func(c *Config) { c.ReservationDefaultTTL = time.Second }, "AWEB_RESERVATION_DEFAULT_TTL"},
		{"max below default", func(c *Config) { c.ReservationMaxTTL = time.Minute * 30 }, "AWEB_RESERVATION_MAX_TTL"},
		{"zero heartbeat ttl", func(c *Config) { c.HeartbeatTTL = 0 }, "AWEB_HEARTBEAT_TTL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
