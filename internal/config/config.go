package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/ChrisDover/centinela-intel-sub001/internal/quota"
)

// Config represents the engine configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Provider  ProviderConfig  `yaml:"provider"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Quota     QuotaConfig     `yaml:"quota"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Redis     RedisConfig     `yaml:"redis"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Templates TemplatesConfig `yaml:"templates"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`          // guards /api/v1 admin routes (empty = open)
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // default: 1MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // default: 5m, sends can be long
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // default: 60s
}

// DatabaseConfig contains SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Provider types
const (
	ProviderHTTP     = "http"
	ProviderSendGrid = "sendgrid"
	ProviderLog      = "log"
)

// ProviderConfig selects and configures the delivery provider
type ProviderConfig struct {
	Type    string        `yaml:"type"`     // http, sendgrid, log
	BaseURL string        `yaml:"base_url"` // http: batch API root; sendgrid: API host
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// DispatchConfig contains batching settings
type DispatchConfig struct {
	BatchSize  int           `yaml:"batch_size"`  // default: 100
	BatchDelay time.Duration `yaml:"batch_delay"` // default: 500ms
	Horizon    time.Duration `yaml:"horizon"`     // provider scheduling window, default: 72h
	Timeout    time.Duration `yaml:"timeout"`     // wall-clock budget per run, default: 5m
}

// QuotaConfig contains provider send caps. Without limits no quota file is opened.
type QuotaConfig struct {
	Path        string       `yaml:"path"`
	Global      *quota.Limit `yaml:"global,omitempty"`
	PerCampaign *quota.Limit `yaml:"per_campaign,omitempty"`
}

// Enabled reports whether any cap is configured
func (q QuotaConfig) Enabled() bool {
	return q.Global != nil || q.PerCampaign != nil
}

// Limits returns the caps in quota package form
func (q QuotaConfig) Limits() quota.Config {
	return quota.Config{Global: q.Global, PerCampaign: q.PerCampaign}
}

// OptimizerConfig contains send-time optimizer settings
type OptimizerConfig struct {
	Window   time.Duration `yaml:"window"`    // default: 90 days
	MinOpens int           `yaml:"min_opens"` // default: 5
	PageSize int           `yaml:"page_size"` // default: 500
	Timeout  time.Duration `yaml:"timeout"`   // default: 10m
}

// EvaluatorConfig contains test evaluator settings
type EvaluatorConfig struct {
	Timeout time.Duration `yaml:"timeout"` // default: 2m
}

// JobsConfig contains periodic job settings
type JobsConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Secret           string        `yaml:"secret"`            // shared secret for /api/v1/jobs (empty = disabled)
	DailySchedule    string        `yaml:"daily_schedule"`    // default: "0 6 * * *"
	DispatchSchedule string        `yaml:"dispatch_schedule"` // default: "*/15 * * * *"
	CleanupSchedule  string        `yaml:"cleanup_schedule"`  // default: "30 3 * * *"
	CleanupMaxAge    time.Duration `yaml:"cleanup_max_age"`   // default: 30 days
	LockTTL          time.Duration `yaml:"lock_ttl"`          // default: 15m
}

// RedisConfig contains the job lock backend. An empty address keeps locks in process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WebhooksConfig contains engagement webhook settings
type WebhooksConfig struct {
	Secret    string  `yaml:"secret"`     // HMAC secret (empty = unsigned)
	RateLimit float64 `yaml:"rate_limit"` // requests per second per IP, default: 50
	Burst     int     `yaml:"burst"`      // default: 100
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Path            string        `yaml:"path"`             // default: /metrics
	AllowedIPs      []string      `yaml:"allowed_ips"`      // IPs/CIDRs (empty = allow all)
	CollectInterval time.Duration `yaml:"collect_interval"` // default: 30s
}

// TemplatesConfig contains variables available to every campaign template
type TemplatesConfig struct {
	Globals map[string]string `yaml:"globals"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8090"
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 1 << 20
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 5 * time.Minute
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/centinela/centinela.db"
	}

	if c.Provider.Type == "" {
		c.Provider.Type = ProviderLog
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 30 * time.Second
	}

	if c.Dispatch.BatchSize == 0 {
		c.Dispatch.BatchSize = 100
	}
	if c.Dispatch.BatchDelay == 0 {
		c.Dispatch.BatchDelay = 500 * time.Millisecond
	}
	if c.Dispatch.Horizon == 0 {
		c.Dispatch.Horizon = 72 * time.Hour
	}
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = 5 * time.Minute
	}

	if c.Quota.Path == "" {
		c.Quota.Path = "/var/lib/centinela/quota.db"
	}

	if c.Optimizer.Window == 0 {
		c.Optimizer.Window = 90 * 24 * time.Hour
	}
	if c.Optimizer.MinOpens == 0 {
		c.Optimizer.MinOpens = 5
	}
	if c.Optimizer.PageSize == 0 {
		c.Optimizer.PageSize = 500
	}
	if c.Optimizer.Timeout == 0 {
		c.Optimizer.Timeout = 10 * time.Minute
	}

	if c.Evaluator.Timeout == 0 {
		c.Evaluator.Timeout = 2 * time.Minute
	}

	if c.Jobs.DailySchedule == "" {
		c.Jobs.DailySchedule = "0 6 * * *"
	}
	if c.Jobs.DispatchSchedule == "" {
		c.Jobs.DispatchSchedule = "*/15 * * * *"
	}
	if c.Jobs.CleanupSchedule == "" {
		c.Jobs.CleanupSchedule = "30 3 * * *"
	}
	if c.Jobs.CleanupMaxAge == 0 {
		c.Jobs.CleanupMaxAge = 30 * 24 * time.Hour
	}
	if c.Jobs.LockTTL == 0 {
		c.Jobs.LockTTL = 15 * time.Minute
	}

	if c.Webhooks.RateLimit == 0 {
		c.Webhooks.RateLimit = 50
	}
	if c.Webhooks.Burst == 0 {
		c.Webhooks.Burst = 100
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Provider.Type {
	case ProviderHTTP:
		if c.Provider.BaseURL == "" {
			return fmt.Errorf("provider.base_url is required for the http provider")
		}
		if c.Provider.APIKey == "" {
			return fmt.Errorf("provider.api_key is required for the http provider")
		}
	case ProviderSendGrid:
		if c.Provider.APIKey == "" {
			return fmt.Errorf("provider.api_key is required for the sendgrid provider")
		}
	case ProviderLog:
	default:
		return fmt.Errorf("invalid provider.type: %s (must be http, sendgrid, or log)", c.Provider.Type)
	}

	if c.Dispatch.BatchSize < 1 {
		return fmt.Errorf("dispatch.batch_size must be positive")
	}
	if c.Dispatch.BatchDelay < 0 {
		return fmt.Errorf("dispatch.batch_delay must not be negative")
	}
	if c.Dispatch.Horizon < time.Hour {
		return fmt.Errorf("dispatch.horizon must be at least 1h")
	}

	// A reservation covers a whole batch, so a cap below the batch size
	// could never be met.
	for name, limit := range map[string]*quota.Limit{"global": c.Quota.Global, "per_campaign": c.Quota.PerCampaign} {
		if limit == nil {
			continue
		}
		if limit.MessagesPerHour < 0 || limit.MessagesPerDay < 0 {
			return fmt.Errorf("quota.%s limits must not be negative", name)
		}
		if (limit.MessagesPerHour > 0 && limit.MessagesPerHour < c.Dispatch.BatchSize) ||
			(limit.MessagesPerDay > 0 && limit.MessagesPerDay < c.Dispatch.BatchSize) {
			return fmt.Errorf("quota.%s limits must be at least dispatch.batch_size (%d)", name, c.Dispatch.BatchSize)
		}
	}

	if c.Optimizer.MinOpens < 1 {
		return fmt.Errorf("optimizer.min_opens must be positive")
	}

	if c.Jobs.Enabled {
		schedules := map[string]string{
			"daily_schedule":    c.Jobs.DailySchedule,
			"dispatch_schedule": c.Jobs.DispatchSchedule,
			"cleanup_schedule":  c.Jobs.CleanupSchedule,
		}
		for name, spec := range schedules {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("invalid jobs.%s %q: %w", name, spec, err)
			}
		}
	}

	for _, ip := range c.Metrics.AllowedIPs {
		if _, _, err := net.ParseCIDR(ip); err == nil {
			continue
		}
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("invalid metrics.allowed_ips entry: %s", ip)
		}
	}

	if c.Webhooks.RateLimit < 0 || c.Webhooks.Burst < 0 {
		return fmt.Errorf("webhooks.rate_limit and webhooks.burst must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
