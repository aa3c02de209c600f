package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/phishguard/phishguard/internal/blocklist"
)

// WebhookConfig is a single notification destination.
type WebhookConfig struct {
	URL          string `yaml:"url"`
	Type         string `yaml:"type"` // generic, slack, pagerduty, grafana
	RoutingKey   string `yaml:"routingKey,omitempty"`
	APIToken     string `yaml:"apiToken,omitempty"`
	DashboardUID string `yaml:"dashboardUID,omitempty"`
}

// NotificationConfig controls webhook alerting for freeze events and
// phishing verdicts.
type NotificationConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Events   []string        `yaml:"events"` // empty = freeze + phishing
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Cooldown time.Duration   `yaml:"cooldown"` // default 1h
}

// RateLimitConfig is the redis-backed per-IP scan rate limit.
type RateLimitConfig struct {
	StorageURI string        `yaml:"storageUri"` // redis://..., empty disables
	Limit      int           `yaml:"limit"`      // default 60
	Window     time.Duration `yaml:"window"`     // default 1m
}

// Config holds phishguard runtime configuration.
type Config struct {
	ListenAddr       string             `yaml:"listenAddr"`       // default ":8080"
	MetricsPath      string             `yaml:"metricsPath"`      // default "/metrics"
	DataDir          string             `yaml:"dataDir"`          // default "./data"
	HistoryDB        string             `yaml:"historyDb"`        // empty disables scan history
	AdminKey         string             `yaml:"adminKey"`         // required for /api/governance/unfreeze
	BlocklistEnabled bool               `yaml:"blocklistEnabled"` // default true
	BlocklistRefresh time.Duration      `yaml:"blocklistRefresh"` // default 1h
	BlocklistSources []blocklist.Source `yaml:"blocklistSources"` // empty = built-in feeds
	CacheCapacity    int                `yaml:"cacheCapacity"`    // default 10000
	CacheTTL         time.Duration      `yaml:"cacheTtl"`         // default 1h
	TrustedDomains   []string           `yaml:"trustedDomains"`   // extra allowlist entries
	RateLimit        RateLimitConfig    `yaml:"rateLimit"`
	Notifications    NotificationConfig `yaml:"notifications"`

	// AllowTrustedReclassification is a test-only escape hatch; every read
	// of it is audited.
	AllowTrustedReclassification bool `yaml:"allowTrustedReclassification"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		ListenAddr:       ":8080",
		MetricsPath:      "/metrics",
		DataDir:          "./data",
		BlocklistEnabled: true,
		BlocklistRefresh: time.Hour,
		CacheCapacity:    10000,
		CacheTTL:         time.Hour,
		RateLimit: RateLimitConfig{
			Limit:  60,
			Window: time.Minute,
		},
	}
}

// Load reads a YAML config file, merges with defaults, and applies
// environment overrides.
func Load(path string) (*Config, error) {
	c := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	c.ApplyEnv()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return c, nil
}

// ApplyEnv overlays the well-known environment variables. Environment wins
// over the file for deployment secrets.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PHISHGUARD_ADMIN_KEY"); v != "" {
		c.AdminKey = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.ListenAddr = fmt.Sprintf(":%d", port)
		}
	}
	if v := os.Getenv("RATELIMIT_STORAGE_URI"); v != "" {
		c.RateLimit.StorageURI = v
	}
	if v := os.Getenv("ALLOW_TRUSTED_DOMAIN_RECLASSIFICATION"); v != "" {
		b, err := strconv.ParseBool(v)
		c.AllowTrustedReclassification = err == nil && b
	}
}

// Validate checks that the config values are sane.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("dataDir must not be empty")
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("cacheCapacity must be positive, got %d", c.CacheCapacity)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cacheTtl must be positive, got %s", c.CacheTTL)
	}
	if c.BlocklistRefresh < time.Minute {
		return fmt.Errorf("blocklistRefresh must be at least 1m, got %s", c.BlocklistRefresh)
	}
	for i := range c.BlocklistSources {
		src := &c.BlocklistSources[i]
		if src.Name == "" || src.URL == "" {
			return fmt.Errorf("blocklistSources[%d]: name and url are required", i)
		}
	}
	if c.RateLimit.StorageURI != "" {
		if c.RateLimit.Limit <= 0 {
			return fmt.Errorf("rateLimit.limit must be positive, got %d", c.RateLimit.Limit)
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rateLimit.window must be positive, got %s", c.RateLimit.Window)
		}
	}
	for i := range c.Notifications.Webhooks {
		wh := &c.Notifications.Webhooks[i]
		if wh.URL == "" && wh.Type != "pagerduty" {
			return fmt.Errorf("notifications.webhooks[%d]: url must not be empty", i)
		}
		if wh.Type == "pagerduty" && wh.RoutingKey == "" {
			return fmt.Errorf("notifications.webhooks[%d]: pagerduty requires routingKey", i)
		}
	}
	return nil
}
