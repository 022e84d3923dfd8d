package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for one butler process.
type Config struct {
	Butler      ButlerConfig       `yaml:"butler"`
	Database    DatabaseConfig     `yaml:"database"`
	Logger      LoggerConfig       `yaml:"logger"`
	Tracer      TracerConfig       `yaml:"tracer"`
	Scheduler   SchedulerConfig    `yaml:"scheduler"`
	Route       RouteConfig        `yaml:"route"`
	Approval    ApprovalConfig     `yaml:"approval"`
	Providers   ProvidersConfig    `yaml:"providers"`
	Peers       []PeerConfig       `yaml:"peers,omitempty"`
	Switchboard *SwitchboardConfig `yaml:"switchboard,omitempty"` // nil unless this butler is the switchboard
}

// ButlerConfig identifies the butler instance.
type ButlerConfig struct {
	Name               string   `yaml:"name"`
	Modules            []string `yaml:"modules"`
	LivenessTTLSeconds int      `yaml:"liveness_ttl_seconds"` // default 300
}

// DatabaseConfig selects the shared Postgres database and this butler's schema.
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Schema string `yaml:"schema"` // defaults to the butler name
}

// LoggerConfig controls slog output.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig controls OpenTelemetry tracing.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// SchedulerConfig controls the per-butler tick loop.
type SchedulerConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds"` // default 60
}

// RouteConfig controls the route.execute control plane.
type RouteConfig struct {
	TrustedCallers       []string `yaml:"trusted_callers"`        // default ["switchboard"]
	StaleProcessingBound string   `yaml:"stale_processing_bound"` // duration, default "10m"
}

// ApprovalConfig names the tools intercepted by the approval gate.
type ApprovalConfig struct {
	GatedTools []GatedToolConfig `yaml:"gated_tools"`
}

// GatedToolConfig configures one gated tool.
type GatedToolConfig struct {
	Name           string   `yaml:"name"`
	RiskTier       string   `yaml:"risk_tier"`
	ExpiryHours    int      `yaml:"expiry_hours"` // default 24
	RulePrecedence []string `yaml:"rule_precedence"`
}

// ProvidersConfig holds outbound delivery provider credentials.
type ProvidersConfig struct {
	Telegram *TelegramConfig `yaml:"telegram,omitempty"`
	Email    *EmailConfig    `yaml:"email,omitempty"`
}

// TelegramConfig configures the Telegram Bot API provider.
type TelegramConfig struct {
	Token         string  `yaml:"token"`
	APIBase       string  `yaml:"api_base"`        // default https://api.telegram.org
	RatePerSecond float64 `yaml:"rate_per_second"` // default 25
}

// EmailConfig configures the SMTP provider.
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PeerConfig describes how to reach another butler's MCP surface for
// route.execute calls.
type PeerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio | http
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
}

// SwitchboardConfig holds settings only the switchboard butler uses.
type SwitchboardConfig struct {
	HTTPListen            string           `yaml:"http_listen"` // default :8080
	AllowedSources        []SourcePair     `yaml:"allowed_sources"`
	ThreadAffinityTTLDays int              `yaml:"thread_affinity_ttl_days"` // default 30
	TriageRules           []TriageRuleConf `yaml:"triage_rules"`
}

// SourcePair is one allowed (channel, provider) combination for ingest.
type SourcePair struct {
	Channel  string `yaml:"channel"`
	Provider string `yaml:"provider"`
}

// TriageRuleConf is one priority-ordered triage rule.
type TriageRuleConf struct {
	Priority     int    `yaml:"priority"`
	SenderDomain string `yaml:"sender_domain,omitempty"`
	Channel      string `yaml:"channel,omitempty"`
	Keyword      string `yaml:"keyword,omitempty"`
	TargetButler string `yaml:"target_butler"`
}

// Load reads the YAML config at path, applies environment overrides, fills
// defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides secrets and the DSN from the environment so config files
// can stay credential-free.
func (c *Config) applyEnv() {
	if v := os.Getenv("BUTLERD_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("BUTLERD_TELEGRAM_TOKEN"); v != "" {
		if c.Providers.Telegram == nil {
			c.Providers.Telegram = &TelegramConfig{}
		}
		c.Providers.Telegram.Token = v
	}
	if v := os.Getenv("BUTLERD_SMTP_PASSWORD"); v != "" && c.Providers.Email != nil {
		c.Providers.Email.Password = v
	}
	if v := os.Getenv("BUTLERD_LOG_LEVEL"); v != "" {
		c.Logger.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.Database.Schema == "" {
		c.Database.Schema = c.Butler.Name
	}
	if c.Butler.LivenessTTLSeconds == 0 {
		c.Butler.LivenessTTLSeconds = 300
	}
	if c.Scheduler.TickIntervalSeconds == 0 {
		c.Scheduler.TickIntervalSeconds = 60
	}
	if len(c.Route.TrustedCallers) == 0 {
		c.Route.TrustedCallers = []string{"switchboard"}
	}
	if c.Route.StaleProcessingBound == "" {
		c.Route.StaleProcessingBound = "10m"
	}
	for i := range c.Approval.GatedTools {
		if c.Approval.GatedTools[i].ExpiryHours == 0 {
			c.Approval.GatedTools[i].ExpiryHours = 24
		}
	}
	if c.Providers.Telegram != nil {
		if c.Providers.Telegram.APIBase == "" {
			c.Providers.Telegram.APIBase = "https://api.telegram.org"
		}
		if c.Providers.Telegram.RatePerSecond == 0 {
			c.Providers.Telegram.RatePerSecond = 25
		}
	}
	if c.Switchboard != nil {
		if c.Switchboard.HTTPListen == "" {
			c.Switchboard.HTTPListen = ":8080"
		}
		if c.Switchboard.ThreadAffinityTTLDays == 0 {
			c.Switchboard.ThreadAffinityTTLDays = 30
		}
	}
}
