package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// BudgetConfig holds token budget arithmetic for prompt assembly.
type BudgetConfig struct {
	Cap              int     `yaml:"cap"`
	BaseReserve      int     `yaml:"base_reserve"`
	GuidelineReserve int     `yaml:"guideline_reserve"`
	SafetyMargin     float64 `yaml:"safety_margin"`
}

// WindowConfig holds token budget window settings. Durations are strings
// ("5m", "1h") parsed during validation.
type WindowConfig struct {
	Ceiling              int     `yaml:"ceiling"`
	CompressionThreshold float64 `yaml:"compression_threshold"` // default 0.8
	MaxEntryAge          string  `yaml:"max_entry_age"`         // default "24h"
	RecentWindow         string  `yaml:"recent_window"`         // default "1h"
	SummaryInterval      string  `yaml:"summary_interval"`      // default "15m"
}

// QueueConfig holds admission queue settings.
type QueueConfig struct {
	MaxConcurrent  int          `yaml:"max_concurrent"`  // default 2
	QueueTimeout   string       `yaml:"queue_timeout"`   // default "5m"
	RequestTimeout string       `yaml:"request_timeout"` // default "60s"
	CacheTTL       string       `yaml:"cache_ttl"`       // default "10m"; "0" disables the cache
	Budget         BudgetConfig `yaml:"budget"`
}

// RuleConfig describes one aggregation rule in configuration. Durations are
// strings; zero time_window or max_signals of 1 makes the rule immediate.
type RuleConfig struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Strategy        string            `yaml:"strategy"`
	SourceSystems   []string          `yaml:"source_systems"`
	TimeWindow      string            `yaml:"time_window"`
	MaxSignals      int               `yaml:"max_signals"`
	MaxWaitTime     string            `yaml:"max_wait_time"`
	Priority        int               `yaml:"priority"`
	Level           string            `yaml:"level"`
	Deduplicate     bool              `yaml:"deduplicate"`
	Enabled         bool              `yaml:"enabled"`
	SignalTypes     []string          `yaml:"signal_types"`
	MinPriority     int               `yaml:"min_priority"`
	ExactPriority   int               `yaml:"exact_priority"`
	EscalationLevel int               `yaml:"escalation_level"`
	AgentTypes      []string          `yaml:"agent_types"`
	PRPIDs          []string          `yaml:"prp_ids"`
	SystemState     map[string]string `yaml:"system_state"`

	EnrichSystemState bool `yaml:"enrich_system_state"`
	EnrichHistory     bool `yaml:"enrich_history"`
	EnrichRelated     bool `yaml:"enrich_related"`
}

// AggregationConfig holds batching engine settings.
type AggregationConfig struct {
	DeliveryInterval string       `yaml:"delivery_interval"` // default "60s"
	RetryDelay       string       `yaml:"retry_delay"`       // default "30s"
	MaxAttempts      int          `yaml:"max_attempts"`      // default 3
	ExpirationWindow string       `yaml:"expiration_window"` // default "24h"
	Deduplicate      bool         `yaml:"deduplicate"`       // engine default when a rule doesn't say
	Rules            []RuleConfig `yaml:"rules"`
}

// RoutingRuleConfig describes one routing rule in configuration.
type RoutingRuleConfig struct {
	ID              string            `yaml:"id"`
	Pattern         string            `yaml:"pattern"` // regexp over type+content
	MinPriority     int               `yaml:"min_priority"`
	MaxPriority     int               `yaml:"max_priority"`
	Priority        int               `yaml:"priority"` // rule evaluation order
	PrimaryTargets  []string          `yaml:"primary_targets"`
	FallbackTargets []string          `yaml:"fallback_targets"`
	SourceSystems   []string          `yaml:"source_systems"`
	EscalationLevel int               `yaml:"escalation_level"`
	PRPIDs          []string          `yaml:"prp_ids"`
	SystemState     map[string]string `yaml:"system_state"`
}

// AgentConfig declares one worker for the capability registry.
type AgentConfig struct {
	ID              string   `yaml:"id"`
	Capabilities    []string `yaml:"capabilities"`
	MaxCapacity     int      `yaml:"max_capacity"`
	SuccessRate     float64  `yaml:"success_rate"`      // 0-1
	AvgResponseTime string   `yaml:"avg_response_time"` // duration string
}

// RoutingConfig holds routing engine settings.
type RoutingConfig struct {
	DefaultTarget string              `yaml:"default_target"` // default "orchestrator"
	Rules         []RoutingRuleConfig `yaml:"rules"`
	Agents        []AgentConfig       `yaml:"agents"`
}

// GatewayConfig holds the intake HTTP server settings.
type GatewayConfig struct {
	Addr      string `yaml:"addr"`       // default "127.0.0.1:8710"
	AuthToken string `yaml:"auth_token"` // empty disables auth
}

// GuidelineConfig holds guideline provider settings.
type GuidelineConfig struct {
	Dir string `yaml:"dir"`
}

// ReasoningConfig holds reasoning-service client settings.
type ReasoningConfig struct {
	Region      string `yaml:"region"`
	Model       string `yaml:"model"`
	MaxFailures uint32 `yaml:"max_failures"` // circuit breaker trip threshold
	OpenTimeout string `yaml:"open_timeout"` // how long the circuit stays open
}

// SlackConfig holds the Slack notification sink settings.
type SlackConfig struct {
	BotToken  string  `yaml:"bot_token"`
	ChannelID string  `yaml:"channel_id"`
	SendRate  float64 `yaml:"send_rate"` // messages per second, default 1
}

// NotifyConfig holds notification sink settings.
type NotifyConfig struct {
	ProjectID string      `yaml:"project_id"`
	Slack     SlackConfig `yaml:"slack"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
	Window      WindowConfig      `yaml:"window"`
	Queue       QueueConfig       `yaml:"queue"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Routing     RoutingConfig     `yaml:"routing"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Guidelines  GuidelineConfig   `yaml:"guidelines"`
	Reasoning   ReasoningConfig   `yaml:"reasoning"`
	Notify      NotifyConfig      `yaml:"notify"`

	// SystemState pins operator-declared entries (mode, environment) into
	// the system-state snapshot that rule conditions match against.
	SystemState map[string]string `yaml:"system_state"`
}

// Load reads, env-expands, parses, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse parses config bytes. ${VAR} references are expanded from the
// environment before unmarshaling.
func Parse(raw []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied, for embedding in
// tests and for running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Window.Ceiling <= 0 {
		c.Window.Ceiling = 50000
	}
	if c.Window.CompressionThreshold <= 0 {
		c.Window.CompressionThreshold = 0.8
	}
	if c.Window.MaxEntryAge == "" {
		c.Window.MaxEntryAge = "24h"
	}
	if c.Window.RecentWindow == "" {
		c.Window.RecentWindow = "1h"
	}
	if c.Window.SummaryInterval == "" {
		c.Window.SummaryInterval = "15m"
	}
	if c.Queue.MaxConcurrent <= 0 {
		c.Queue.MaxConcurrent = 2
	}
	if c.Queue.QueueTimeout == "" {
		c.Queue.QueueTimeout = "5m"
	}
	if c.Queue.RequestTimeout == "" {
		c.Queue.RequestTimeout = "60s"
	}
	if c.Queue.CacheTTL == "" {
		c.Queue.CacheTTL = "10m"
	}
	if c.Queue.Budget.Cap <= 0 {
		c.Queue.Budget = BudgetConfig{Cap: 8000, BaseReserve: 1000, GuidelineReserve: 2000, SafetyMargin: 0.05}
	}
	if c.Aggregation.DeliveryInterval == "" {
		c.Aggregation.DeliveryInterval = "60s"
	}
	if c.Aggregation.RetryDelay == "" {
		c.Aggregation.RetryDelay = "30s"
	}
	if c.Aggregation.MaxAttempts <= 0 {
		c.Aggregation.MaxAttempts = 3
	}
	if c.Aggregation.ExpirationWindow == "" {
		c.Aggregation.ExpirationWindow = "24h"
	}
	if c.Routing.DefaultTarget == "" {
		c.Routing.DefaultTarget = "orchestrator"
	}
	if c.Reasoning.Region == "" {
		c.Reasoning.Region = "us-east-1"
	}
	if c.Reasoning.MaxFailures == 0 {
		c.Reasoning.MaxFailures = 5
	}
	if c.Reasoning.OpenTimeout == "" {
		c.Reasoning.OpenTimeout = "30s"
	}
	if c.Notify.Slack.SendRate <= 0 {
		c.Notify.Slack.SendRate = 1
	}
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = "127.0.0.1:8710"
	}
}

// Validate checks cross-field constraints that must fail at load time,
// including the token budget arithmetic.
func (c *Config) Validate() error {
	b := c.Queue.Budget
	margin := int(float64(b.Cap) * b.SafetyMargin)
	if b.Cap <= 0 || b.SafetyMargin < 0 || b.SafetyMargin >= 1 ||
		b.BaseReserve < 0 || b.GuidelineReserve < 0 ||
		b.Cap-b.BaseReserve-b.GuidelineReserve-margin < 0 {
		return fmt.Errorf("queue.budget: reservations and margin must leave a non-negative allowance (cap=%d base=%d guideline=%d margin=%d)",
			b.Cap, b.BaseReserve, b.GuidelineReserve, margin)
	}

	for _, field := range []struct {
		name, value string
	}{
		{"window.max_entry_age", c.Window.MaxEntryAge},
		{"window.recent_window", c.Window.RecentWindow},
		{"window.summary_interval", c.Window.SummaryInterval},
		{"queue.queue_timeout", c.Queue.QueueTimeout},
		{"queue.request_timeout", c.Queue.RequestTimeout},
		{"queue.cache_ttl", c.Queue.CacheTTL},
		{"aggregation.delivery_interval", c.Aggregation.DeliveryInterval},
		{"aggregation.retry_delay", c.Aggregation.RetryDelay},
		{"aggregation.expiration_window", c.Aggregation.ExpirationWindow},
		{"reasoning.open_timeout", c.Reasoning.OpenTimeout},
	} {
		if _, err := parseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}

	for _, a := range c.Routing.Agents {
		if a.ID == "" {
			return fmt.Errorf("routing.agents: every agent needs an id")
		}
		if a.MaxCapacity <= 0 {
			return fmt.Errorf("routing.agents[%s]: max_capacity must be positive", a.ID)
		}
		if a.AvgResponseTime != "" {
			if _, err := parseDuration(a.AvgResponseTime); err != nil {
				return fmt.Errorf("routing.agents[%s]: %w", a.ID, err)
			}
		}
	}

	for _, r := range c.Aggregation.Rules {
		if r.ID == "" {
			return fmt.Errorf("aggregation.rules: every rule needs an id")
		}
		if r.MaxSignals < 1 || r.MaxSignals > 20 {
			return fmt.Errorf("aggregation.rules[%s]: max_signals must be 1-20", r.ID)
		}
		for _, d := range []string{r.TimeWindow, r.MaxWaitTime} {
			if d == "" {
				continue
			}
			if _, err := parseDuration(d); err != nil {
				return fmt.Errorf("aggregation.rules[%s]: %w", r.ID, err)
			}
		}
	}
	return nil
}

// Duration helpers: configs store durations as strings; accessors parse them
// after Validate has guaranteed they are well-formed.

func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func mustDuration(s string) time.Duration {
	d, err := parseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func (w WindowConfig) MaxEntryAgeDuration() time.Duration     { return mustDuration(w.MaxEntryAge) }
func (w WindowConfig) RecentWindowDuration() time.Duration    { return mustDuration(w.RecentWindow) }
func (w WindowConfig) SummaryIntervalDuration() time.Duration { return mustDuration(w.SummaryInterval) }

func (q QueueConfig) QueueTimeoutDuration() time.Duration   { return mustDuration(q.QueueTimeout) }
func (q QueueConfig) RequestTimeoutDuration() time.Duration { return mustDuration(q.RequestTimeout) }
func (q QueueConfig) CacheTTLDuration() time.Duration       { return mustDuration(q.CacheTTL) }

func (a AggregationConfig) DeliveryIntervalDuration() time.Duration {
	return mustDuration(a.DeliveryInterval)
}
func (a AggregationConfig) RetryDelayDuration() time.Duration { return mustDuration(a.RetryDelay) }
func (a AggregationConfig) ExpirationWindowDuration() time.Duration {
	return mustDuration(a.ExpirationWindow)
}

func (r RuleConfig) TimeWindowDuration() time.Duration  { return mustDuration(r.TimeWindow) }
func (r RuleConfig) MaxWaitTimeDuration() time.Duration { return mustDuration(r.MaxWaitTime) }

func (r ReasoningConfig) OpenTimeoutDuration() time.Duration { return mustDuration(r.OpenTimeout) }

func (a AgentConfig) AvgResponseTimeDuration() time.Duration {
	return mustDuration(a.AvgResponseTime)
}
