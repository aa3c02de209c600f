package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/phishguard/phishguard/internal/blocklist"
)

func TestDefaults(t *testing.T) {
	c := Defaults()
	if c.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", c.ListenAddr)
	}
	if c.DataDir != "./data" {
		t.Errorf("DataDir = %q, want ./data", c.DataDir)
	}
	if !c.BlocklistEnabled {
		t.Error("BlocklistEnabled = false, want true")
	}
	if c.CacheCapacity != 10000 {
		t.Errorf("CacheCapacity = %d, want 10000", c.CacheCapacity)
	}
	if c.CacheTTL != time.Hour {
		t.Errorf("CacheTTL = %s, want 1h", c.CacheTTL)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Defaults().Validate() = %v, want nil", err)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
listenAddr: ":9090"
historyDb: "/var/lib/phishguard/history.db"
trustedDomains:
  - example.org
notifications:
  enabled: true
  webhooks:
    - url: https://hooks.example.com/phishguard
      type: slack
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if c.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", c.ListenAddr)
	}
	// Unset fields keep defaults.
	if c.MetricsPath != "/metrics" {
		t.Errorf("MetricsPath = %q, want /metrics", c.MetricsPath)
	}
	if c.BlocklistRefresh != time.Hour {
		t.Errorf("BlocklistRefresh = %s, want 1h", c.BlocklistRefresh)
	}
	if len(c.TrustedDomains) != 1 || c.TrustedDomains[0] != "example.org" {
		t.Errorf("TrustedDomains = %v, want [example.org]", c.TrustedDomains)
	}
	if !c.Notifications.Enabled || len(c.Notifications.Webhooks) != 1 {
		t.Errorf("Notifications = %+v, want enabled with one webhook", c.Notifications)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() on missing file: want error, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults ok", func(_ *Config) {}, false},
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }, true},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, true},
		{"zero cache capacity", func(c *Config) { c.CacheCapacity = 0 }, true},
		{"negative cache ttl", func(c *Config) { c.CacheTTL = -time.Second }, true},
		{"blocklist refresh too low", func(c *Config) { c.BlocklistRefresh = time.Second }, true},
		{"rate limit without limit", func(c *Config) {
			c.RateLimit.StorageURI = "redis://localhost:6379"
			c.RateLimit.Limit = 0
		}, true},
		{"webhook without url", func(c *Config) {
			c.Notifications.Webhooks = []WebhookConfig{{Type: "slack"}}
		}, true},
		{"pagerduty without routing key", func(c *Config) {
			c.Notifications.Webhooks = []WebhookConfig{{Type: "pagerduty"}}
		}, true},
		{"blocklist source without url", func(c *Config) {
			c.BlocklistSources = []blocklist.Source{{Name: "internal-feed"}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PHISHGUARD_ADMIN_KEY", "sekrit")
	t.Setenv("PORT", "7070")
	t.Setenv("RATELIMIT_STORAGE_URI", "redis://cache:6379/0")
	t.Setenv("ALLOW_TRUSTED_DOMAIN_RECLASSIFICATION", "true")

	c := Defaults()
	c.ApplyEnv()

	if c.AdminKey != "sekrit" {
		t.Errorf("AdminKey = %q, want sekrit", c.AdminKey)
	}
	if c.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want :7070", c.ListenAddr)
	}
	if c.RateLimit.StorageURI != "redis://cache:6379/0" {
		t.Errorf("RateLimit.StorageURI = %q", c.RateLimit.StorageURI)
	}
	if !c.AllowTrustedReclassification {
		t.Error("AllowTrustedReclassification = false, want true")
	}
}
