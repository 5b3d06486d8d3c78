// Package config provides configuration loading for TrafficControl,
// supporting environment variables, an optional config file, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/trafficcontrol/orchestrator/internal/obs/logger"
)

// Config holds all configuration sections for TrafficControl.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Capacity  CapacityConfig  `mapstructure:"capacity"`
	Context   ContextConfig   `mapstructure:"context"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	MainLoop  MainLoopConfig  `mapstructure:"mainLoop"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Logging   logger.Config   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// ServerConfig holds the optional dashboard/status HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds task-store connection configuration.
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"` // postgres | sqlite
	URL        string `mapstructure:"url"`
	ServiceKey string `mapstructure:"serviceKey"`
	Path       string `mapstructure:"path"` // sqlite file path
}

// ChatConfig holds chat transport configuration.
type ChatConfig struct {
	Token     string `mapstructure:"token"`
	ChannelID string `mapstructure:"channelId"`
}

// SchedulerConfig holds scheduler tuning.
type SchedulerConfig struct {
	PreferredModelOrder []string `mapstructure:"preferredModelOrder"`
}

// CapacityConfig holds per-model concurrency limits. TotalLimit is a
// convenience override for TC_MAX_CONCURRENT_AGENTS: it is applied as the
// independent ceiling of each known model that Limits does not list (the
// capacity tracker has no notion of a single pooled limit shared across
// models, so "total concurrent agents" is approximated per model rather
// than summed).
type CapacityConfig struct {
	Limits     map[string]int `mapstructure:"limits"`
	TotalLimit int            `mapstructure:"totalLimit"`
}

// ResolveLimits returns per-model limits for knownModels, falling back to
// TotalLimit for any model Limits doesn't mention.
func (c CapacityConfig) ResolveLimits(knownModels []string) map[string]int {
	resolved := make(map[string]int, len(knownModels))
	for _, m := range knownModels {
		if limit, ok := c.Limits[m]; ok {
			resolved[m] = limit
			continue
		}
		resolved[m] = c.TotalLimit
	}
	return resolved
}

// ContextConfig holds context-budget tuning.
type ContextConfig struct {
	MaxTokens         int     `mapstructure:"maxTokens"`
	TargetUtilization float64 `mapstructure:"targetUtilization"`
	WarnUtilization   float64 `mapstructure:"warnUtilization"`
}

// NotifyConfig holds notification batching/quiet-hours configuration.
type NotifyConfig struct {
	ChannelID        string `mapstructure:"channelId"`
	BatchIntervalMs  int    `mapstructure:"batchIntervalMs"`
	QuietHoursStart  int    `mapstructure:"quietHoursStart"`
	QuietHoursEnd    int    `mapstructure:"quietHoursEnd"`
}

// ApprovalConfig holds approval-protocol configuration.
type ApprovalConfig struct {
	TimeoutMs int `mapstructure:"timeoutMs"`
}

// MainLoopConfig holds the main control loop's tuning knobs.
type MainLoopConfig struct {
	PollIntervalMs            int  `mapstructure:"pollIntervalMs"`
	MaxConsecutiveDbFailures  int  `mapstructure:"maxConsecutiveDbFailures"`
	GracefulShutdownTimeoutMs int  `mapstructure:"gracefulShutdownTimeoutMs"`
	ValidateDatabaseOnStartup bool `mapstructure:"validateDatabaseOnStartup"`
	StateFilePath             string `mapstructure:"stateFilePath"`
	LearningsPath             string `mapstructure:"learningsPath"`
}

// AgentConfig holds agent-runtime configuration.
type AgentConfig struct {
	Mode           string `mapstructure:"mode"` // sdk | cli
	RelayCLIPath   string `mapstructure:"relayCliPath"`
	RelayTimeoutMs int    `mapstructure:"relayTimeoutMs"`
	RelayModel     string `mapstructure:"relayModel"`
}

// DashboardConfig holds the optional status dashboard toggle.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

func (m *MainLoopConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalMs) * time.Millisecond
}

func (m *MainLoopConfig) GracefulShutdownTimeout() time.Duration {
	return time.Duration(m.GracefulShutdownTimeoutMs) * time.Millisecond
}

func (a *ApprovalConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

func (n *NotifyConfig) BatchInterval() time.Duration {
	return time.Duration(n.BatchIntervalMs) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./trafficcontrol.db")
	v.SetDefault("database.url", "")
	v.SetDefault("database.serviceKey", "")

	v.SetDefault("chat.token", "")
	v.SetDefault("chat.channelId", "")

	v.SetDefault("scheduler.preferredModelOrder", []string{"opus", "sonnet", "haiku"})

	v.SetDefault("capacity.limits", map[string]int{"opus": 1, "sonnet": 3, "haiku": 5})

	v.SetDefault("context.maxTokens", 200000)
	v.SetDefault("context.targetUtilization", 0.5)
	v.SetDefault("context.warnUtilization", 0.4)

	v.SetDefault("notify.channelId", "")
	v.SetDefault("notify.batchIntervalMs", 30000)
	v.SetDefault("notify.quietHoursStart", 22)
	v.SetDefault("notify.quietHoursEnd", 6)

	v.SetDefault("approval.timeoutMs", 300000)

	v.SetDefault("mainLoop.pollIntervalMs", 5000)
	v.SetDefault("mainLoop.maxConsecutiveDbFailures", 3)
	v.SetDefault("mainLoop.gracefulShutdownTimeoutMs", 30000)
	v.SetDefault("mainLoop.validateDatabaseOnStartup", true)
	v.SetDefault("mainLoop.stateFilePath", "./trafficcontrol-state.json")
	v.SetDefault("mainLoop.learningsPath", "")

	v.SetDefault("agent.mode", "cli")
	v.SetDefault("agent.relayCliPath", "")
	v.SetDefault("agent.relayTimeoutMs", 3600000)
	v.SetDefault("agent.relayModel", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 4500)
}

// Load reads configuration from environment variables (prefix TC_), an
// optional config.yaml, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given directory (or default
// locations) plus environment and defaults.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for environment variable names that don't
	// mechanically derive from the nested struct keys.
	_ = v.BindEnv("database.url", "TC_DATABASE_URL")
	_ = v.BindEnv("database.serviceKey", "TC_DATABASE_SERVICE_KEY")
	_ = v.BindEnv("chat.token", "TC_CHAT_TOKEN")
	_ = v.BindEnv("chat.channelId", "TC_CHAT_CHANNEL_ID")
	_ = v.BindEnv("capacity.totalLimit", "TC_MAX_CONCURRENT_AGENTS")
	_ = v.BindEnv("mainLoop.pollIntervalMs", "TC_POLL_INTERVAL_MS")
	_ = v.BindEnv("logging.level", "TC_LOG_LEVEL")
	_ = v.BindEnv("mainLoop.learningsPath", "TC_LEARNINGS_PATH")
	_ = v.BindEnv("agent.mode", "AGENT_MODE")
	_ = v.BindEnv("dashboard.enabled", "DASHBOARD_ENABLED")
	_ = v.BindEnv("dashboard.port", "DASHBOARD_PORT")
	_ = v.BindEnv("agent.relayCliPath", "RELAY_CLI_PATH")
	_ = v.BindEnv("agent.relayTimeoutMs", "RELAY_TIMEOUT_MS")
	_ = v.BindEnv("agent.relayModel", "RELAY_MODEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/trafficcontrol/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Database.Driver == "postgres" && cfg.Database.URL == "" {
		errs = append(errs, "database.url is required for postgres driver")
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		errs = append(errs, "database.path is required for sqlite driver")
	}

	for model, limit := range cfg.Capacity.Limits {
		if limit < 0 {
			errs = append(errs, fmt.Sprintf("capacity.limits[%s] must be non-negative", model))
		}
	}

	if cfg.Context.MaxTokens <= 0 {
		errs = append(errs, "context.maxTokens must be positive")
	}
	if cfg.Context.WarnUtilization <= 0 || cfg.Context.WarnUtilization > 1 {
		errs = append(errs, "context.warnUtilization must be in (0,1]")
	}
	if cfg.Context.TargetUtilization <= 0 || cfg.Context.TargetUtilization > 1 {
		errs = append(errs, "context.targetUtilization must be in (0,1]")
	}

	if cfg.MainLoop.PollIntervalMs <= 0 {
		errs = append(errs, "mainLoop.pollIntervalMs must be positive")
	}
	if cfg.MainLoop.MaxConsecutiveDbFailures <= 0 {
		errs = append(errs, "mainLoop.maxConsecutiveDbFailures must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	agentMode := strings.ToLower(cfg.Agent.Mode)
	if agentMode != "sdk" && agentMode != "cli" {
		errs = append(errs, "agent.mode must be one of: sdk, cli")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
