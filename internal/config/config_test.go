package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "unitcast.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileAndFloors(t *testing.T) {
	path := writeConfig(t, `
network: lobby
unit: hub-1
connect_timeout: 100ms
retry_delay: 250ms
feedback_ttl: 2s
codec: CBOR
transport:
  kind: redis
  redis:
    url: redis://cache:6379/1
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network != "lobby" || cfg.Unit != "hub-1" {
		t.Fatalf("unexpected identity: %q/%q", cfg.Network, cfg.Unit)
	}
	if cfg.ConnectTimeout != MinConnectTimeout || cfg.RetryDelay != MinRetryDelay {
		t.Fatalf("floors not applied: connect=%v retry=%v", cfg.ConnectTimeout, cfg.RetryDelay)
	}
	if cfg.FeedbackTTL != 2*time.Second {
		t.Fatalf("feedback ttl=%v", cfg.FeedbackTTL)
	}
	if cfg.Codec != "cbor" || cfg.Transport.Kind != "redis" || cfg.Transport.Redis.URL != "redis://cache:6379/1" {
		t.Fatalf("unexpected transport/codec: %+v codec=%s", cfg.Transport, cfg.Codec)
	}
	if cfg.Presence.AnnounceInterval != 30*time.Second {
		t.Fatalf("default presence interval lost: %v", cfg.Presence.AnnounceInterval)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "network: lobby\nunit: hub-1\n")
	t.Setenv("UNITCAST_UNIT", "hub-9")
	t.Setenv("UNITCAST_TRANSPORT_KIND", "libp2p")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Unit != "hub-9" {
		t.Fatalf("env override ignored: unit=%q", cfg.Unit)
	}
	if cfg.Transport.Kind != "libp2p" {
		t.Fatalf("env override ignored: kind=%q", cfg.Transport.Kind)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"empty network": func(c *Config) { c.Network = " " },
		"empty unit":    func(c *Config) { c.Unit = "" },
		"bad codec":     func(c *Config) { c.Codec = "xml" },
		"proto codec":   func(c *Config) { c.Codec = "proto" },
		"bad wire":      func(c *Config) { c.WireFormat = "csv" },
		"legacy cbor":   func(c *Config) { c.WireFormat = "legacy"; c.Codec = "cbor" },
		"bad transport": func(c *Config) { c.Transport.Kind = "carrier-pigeon" },
		"redis no url":  func(c *Config) { c.Transport.Kind = "redis"; c.Transport.Redis.URL = "" },
		"bad log level": func(c *Config) { c.Log.Level = "chatty" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}
