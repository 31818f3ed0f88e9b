package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BlackboardConfig specifies the shared state store endpoints
type BlackboardConfig struct {
	DBURL     string `yaml:"db_url"`                // Postgres connection string (authoritative store)
	CacheURL  string `yaml:"cache_url"`             // Redis address for the read cache
	CacheTTLS int    `yaml:"cache_ttl_s,omitempty"` // Cache retention in seconds (default 3600)
}

// EventLogConfig specifies the event log backend
type EventLogConfig struct {
	URL           string `yaml:"url"`                      // Redis address for the stream backend
	StreamPrefix  string `yaml:"stream_prefix,omitempty"`  // Topic key prefix (default "event_stream")
	ConsumerGroup string `yaml:"consumer_group,omitempty"` // Group name (default "agent_group")
}

// SchedulerConfig specifies task execution behavior
type SchedulerConfig struct {
	TaskTimeoutS      int `yaml:"task_timeout_s,omitempty"`      // RUNNING timeout in seconds (default 300)
	DefaultMaxRetries int `yaml:"default_max_retries,omitempty"` // Retry ceiling on FAILED (default 3)
}

// BudgetConfig specifies the allocation formula and thresholds
type BudgetConfig struct {
	BaseRatePerSecond       float64            `yaml:"base_rate_per_second,omitempty"`      // USD per second of video (default 3.0)
	QualityMultipliers      map[string]float64 `yaml:"quality_multipliers,omitempty"`       // Per-tier allocation multipliers
	WarningThreshold        float64            `yaml:"warning_threshold,omitempty"`         // Usage rate for COST_OVERRUN_WARNING (default 0.80)
	PredictionOverrunFactor float64            `yaml:"prediction_overrun_factor,omitempty"` // Predicted/total ratio (default 1.10)
}

// ApprovalConfig specifies the checkpoint policy
type ApprovalConfig struct {
	DefaultCheckpoints []string `yaml:"default_checkpoints,omitempty"` // Event types that pause for approval
	TimeoutMinutes     int      `yaml:"timeout_minutes,omitempty"`     // Pending approval timeout (default 60)
	AutoMode           bool     `yaml:"auto_mode,omitempty"`           // Skip every checkpoint
}

// AgentConfig specifies the three-level error recovery parameters
type AgentConfig struct {
	RetryInitialDelayS int `yaml:"retry_initial_delay_s,omitempty"` // First backoff delay in seconds (default 1)
	RetryMaxAttempts   int `yaml:"retry_max_attempts,omitempty"`    // Total attempts including the first (default 3)
}

// CausationIndexConfig specifies the in-memory causation ring buffer
type CausationIndexConfig struct {
	Capacity int `yaml:"capacity,omitempty"` // Ring-buffer size (default 10000)
}

// SlateConfig represents the top-level slate.yml configuration
type SlateConfig struct {
	InstanceName   string               `yaml:"instance_name,omitempty"` // Identifies this daemon in logs and locks
	Blackboard     BlackboardConfig     `yaml:"blackboard"`
	EventLog       EventLogConfig       `yaml:"event_log"`
	Scheduler      SchedulerConfig      `yaml:"scheduler,omitempty"`
	Budget         BudgetConfig         `yaml:"budget,omitempty"`
	Approval       ApprovalConfig       `yaml:"approval,omitempty"`
	Agent          AgentConfig          `yaml:"agent,omitempty"`
	CausationIndex CausationIndexConfig `yaml:"causation_index,omitempty"`
}

// Default returns a configuration with every optional field at its default.
// Endpoint URLs have no default and must come from the file or environment.
func Default() *SlateConfig {
	c := &SlateConfig{InstanceName: "slate"}
	c.applyDefaults()
	return c
}

func (c *SlateConfig) applyDefaults() {
	if c.InstanceName == "" {
		c.InstanceName = "slate"
	}
	if c.Blackboard.CacheTTLS == 0 {
		c.Blackboard.CacheTTLS = 3600
	}
	if c.EventLog.StreamPrefix == "" {
		c.EventLog.StreamPrefix = "event_stream"
	}
	if c.EventLog.ConsumerGroup == "" {
		c.EventLog.ConsumerGroup = "agent_group"
	}
	if c.Scheduler.TaskTimeoutS == 0 {
		c.Scheduler.TaskTimeoutS = 300
	}
	if c.Scheduler.DefaultMaxRetries == 0 {
		c.Scheduler.DefaultMaxRetries = 3
	}
	if c.Budget.BaseRatePerSecond == 0 {
		c.Budget.BaseRatePerSecond = 3.0
	}
	if c.Budget.QualityMultipliers == nil {
		c.Budget.QualityMultipliers = map[string]float64{
			"high":     1.5,
			"balanced": 1.0,
			"fast":     0.6,
		}
	}
	if c.Budget.WarningThreshold == 0 {
		c.Budget.WarningThreshold = 0.80
	}
	if c.Budget.PredictionOverrunFactor == 0 {
		c.Budget.PredictionOverrunFactor = 1.10
	}
	if c.Approval.DefaultCheckpoints == nil {
		c.Approval.DefaultCheckpoints = []string{
			"SCENE_WRITTEN",
			"SHOT_PLANNED",
			"PREVIEW_VIDEO_READY",
			"FINAL_VIDEO_READY",
		}
	}
	if c.Approval.TimeoutMinutes == 0 {
		c.Approval.TimeoutMinutes = 60
	}
	if c.Agent.RetryInitialDelayS == 0 {
		c.Agent.RetryInitialDelayS = 1
	}
	if c.Agent.RetryMaxAttempts == 0 {
		c.Agent.RetryMaxAttempts = 3
	}
	if c.CausationIndex.Capacity == 0 {
		c.CausationIndex.Capacity = 10000
	}
}

// applyEnv overlays environment variables on top of the file values. The
// environment wins so deployment can override a checked-in slate.yml.
func (c *SlateConfig) applyEnv() {
	if v := os.Getenv("SLATE_DB_URL"); v != "" {
		c.Blackboard.DBURL = v
	}
	if v := os.Getenv("SLATE_REDIS_URL"); v != "" {
		c.Blackboard.CacheURL = v
		if c.EventLog.URL == "" {
			c.EventLog.URL = v
		}
	}
	if v := os.Getenv("SLATE_INSTANCE_NAME"); v != "" {
		c.InstanceName = v
	}
}

// Validate performs strict validation on the configuration
func (c *SlateConfig) Validate() error {
	c.applyDefaults()

	if c.Blackboard.DBURL == "" {
		return fmt.Errorf("blackboard.db_url is required (or set SLATE_DB_URL)")
	}
	if c.Blackboard.CacheURL == "" {
		return fmt.Errorf("blackboard.cache_url is required (or set SLATE_REDIS_URL)")
	}
	if c.EventLog.URL == "" {
		// The event log shares the cache Redis unless pointed elsewhere.
		c.EventLog.URL = c.Blackboard.CacheURL
	}
	if c.Scheduler.TaskTimeoutS < 1 {
		return fmt.Errorf("scheduler.task_timeout_s must be >= 1, got %d", c.Scheduler.TaskTimeoutS)
	}
	if c.Scheduler.DefaultMaxRetries < 0 {
		return fmt.Errorf("scheduler.default_max_retries must be >= 0, got %d", c.Scheduler.DefaultMaxRetries)
	}
	if c.Budget.BaseRatePerSecond <= 0 {
		return fmt.Errorf("budget.base_rate_per_second must be > 0, got %g", c.Budget.BaseRatePerSecond)
	}
	if c.Budget.WarningThreshold <= 0 || c.Budget.WarningThreshold > 1 {
		return fmt.Errorf("budget.warning_threshold must be in (0, 1], got %g", c.Budget.WarningThreshold)
	}
	if c.Budget.PredictionOverrunFactor < 1 {
		return fmt.Errorf("budget.prediction_overrun_factor must be >= 1, got %g", c.Budget.PredictionOverrunFactor)
	}
	for tier, m := range c.Budget.QualityMultipliers {
		if tier != "high" && tier != "balanced" && tier != "fast" {
			return fmt.Errorf("budget.quality_multipliers: unknown tier '%s' (must be 'high', 'balanced', or 'fast')", tier)
		}
		if m <= 0 {
			return fmt.Errorf("budget.quality_multipliers: multiplier for '%s' must be > 0, got %g", tier, m)
		}
	}
	if c.Approval.TimeoutMinutes < 1 {
		return fmt.Errorf("approval.timeout_minutes must be >= 1, got %d", c.Approval.TimeoutMinutes)
	}
	if c.Agent.RetryMaxAttempts < 1 {
		return fmt.Errorf("agent.retry_max_attempts must be >= 1, got %d", c.Agent.RetryMaxAttempts)
	}
	if c.CausationIndex.Capacity < 1 {
		return fmt.Errorf("causation_index.capacity must be >= 1, got %d", c.CausationIndex.Capacity)
	}

	return nil
}

// Load reads and validates slate.yml from the specified path, then overlays
// SLATE_* environment variables.
func Load(path string) (*SlateConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config SlateConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// FromEnv builds a configuration from environment variables alone, for
// deployments without a slate.yml.
func FromEnv() (*SlateConfig, error) {
	config := Default()
	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
