// internal/config/types.go
package config

import (
	"time"

	"github.com/colebrumley/reactor/internal/model"
)

// Global configuration loaded from config.yaml
type Global struct {
	Database       DatabaseConfig  `yaml:"database"`
	Logging        LoggingConfig   `yaml:"logging"`
	Reactor        ReactorConfig   `yaml:"reactor"`
	Scheduler      SchedulerConfig `yaml:"scheduler"`
	Runner         RunnerConfig    `yaml:"runner"`
	Bus            BusConfig       `yaml:"bus"`
	HTTP           HTTPConfig      `yaml:"http"`
	Retention      RetentionConfig `yaml:"retention"`
	Content        ContentConfig   `yaml:"content"`
	ClaudeDefaults ClaudeConfig    `yaml:"claude_defaults"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	BusMemory = "memory"
	BusNATS   = "nats"
)

type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	Path         string `yaml:"path"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type LoggingConfig struct {
	Format    string `yaml:"format"`
	Level     string `yaml:"level"`
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	// MaxFiles is how many rotated files are kept next to File.
	MaxFiles int `yaml:"max_files"`
}

type ReactorConfig struct {
	PoolSize               int  `yaml:"pool_size"`
	ValidateTriggerPayload bool `yaml:"validate_trigger_payload"`
}

type SchedulerConfig struct {
	PoolSize          int           `yaml:"pool_size"`
	SleepInterval     time.Duration `yaml:"sleep_interval"`
	GCInterval        time.Duration `yaml:"gc_interval"`
	SchedulingTimeout time.Duration `yaml:"scheduling_timeout"`
	RetryMaxAttempt   int           `yaml:"retry_max_attempt"`
	RetryWait         time.Duration `yaml:"retry_wait"`
	DelayedReschedule time.Duration `yaml:"delayed_reschedule"`
	HandledRetention  time.Duration `yaml:"handled_retention"`
}

type RunnerConfig struct {
	PoolSize           int           `yaml:"pool_size"`
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	CancelPollInterval time.Duration `yaml:"cancel_poll_interval"`
	Shell              string        `yaml:"shell"`
	ClaudeCommand      string        `yaml:"claude_command"`
	AllowedRunAsUsers  []string      `yaml:"allowed_run_as_users"`
}

type BusConfig struct {
	Driver     string `yaml:"driver"`
	NATSURL    string `yaml:"nats_url"`
	Subject    string `yaml:"subject"`
	QueueGroup string `yaml:"queue_group"`
	Buffer     int    `yaml:"buffer"`
}

type HTTPConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// RetentionConfig holds TTLs for history collections. A zero TTL keeps
// records forever.
type RetentionConfig struct {
	Schedule         string        `yaml:"schedule"`
	TriggerInstances time.Duration `yaml:"trigger_instances"`
	Enforcements     time.Duration `yaml:"rule_enforcements"`
	Executions       time.Duration `yaml:"executions"`
}

type ContentConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// ClaudeConfig holds defaults for the claude-prompt runner. Action
// parameters of the same names override them per execution.
type ClaudeConfig struct {
	Model              string            `yaml:"model"`
	AllowedTools       []string          `yaml:"allowed_tools"`
	DisallowedTools    []string          `yaml:"disallowed_tools"`
	AddDirs            []string          `yaml:"add_dirs"`
	PermissionMode     string            `yaml:"permission_mode"`
	MaxBudgetUSD       float64           `yaml:"max_budget_usd"`
	SystemPrompt       string            `yaml:"system_prompt"`
	AppendSystemPrompt string            `yaml:"append_system_prompt"`
	MCPConfig          []string          `yaml:"mcp_config"`
	EnvVars            map[string]string `yaml:"env_vars"`
}

// Pack is the content of one pack directory.
type Pack struct {
	Name         string
	Dir          string
	Actions      []*model.Action
	Rules        []*model.Rule
	Policies     []*model.Policy
	TriggerTypes []*model.TriggerType
}

// Content is every pack under a content directory.
type Content struct {
	Packs []*Pack
}

func (c *Content) Actions() []*model.Action {
	var out []*model.Action
	for _, p := range c.Packs {
		out = append(out, p.Actions...)
	}
	return out
}

func (c *Content) Rules() []*model.Rule {
	var out []*model.Rule
	for _, p := range c.Packs {
		out = append(out, p.Rules...)
	}
	return out
}

func (c *Content) Policies() []*model.Policy {
	var out []*model.Policy
	for _, p := range c.Packs {
		out = append(out, p.Policies...)
	}
	return out
}

func (c *Content) TriggerTypes() []*model.TriggerType {
	var out []*model.TriggerType
	for _, p := range c.Packs {
		out = append(out, p.TriggerTypes...)
	}
	return out
}
