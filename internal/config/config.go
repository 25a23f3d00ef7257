// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Autofix AutofixConfig `mapstructure:"autofix" yaml:"autofix"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// AgentConfig groups the LLM-facing settings.
type AgentConfig struct {
	LLM LLMConfig `mapstructure:"llm" yaml:"llm"`
}

// LLMProvider identifies a supported model backend.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMConfig defines the configuration for the analysis model.
type LLMConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP        float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK        int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// WatchConfig identifies a log source to poll. The (project, environment,
// service) tuple is the unique key.
type WatchConfig struct {
	ProjectID     string `mapstructure:"project_id" yaml:"project_id"`
	EnvironmentID string `mapstructure:"environment_id" yaml:"environment_id"`
	ServiceName   string `mapstructure:"service_name" yaml:"service_name"`
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
}

// GitConfig defines the committer identity.
type GitConfig struct {
	AuthorName  string `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail string `mapstructure:"author_email" yaml:"author_email"`
}

// GitHubConfig defines the configuration for GitHub integration.
type GitHubConfig struct {
	Token      string `mapstructure:"token" yaml:"-"`
	RepoOwner  string `mapstructure:"repo_owner" yaml:"repo_owner"`
	RepoName   string `mapstructure:"repo_name" yaml:"repo_name"`
	BaseBranch string `mapstructure:"base_branch" yaml:"base_branch"`
}

// AutofixConfig holds settings for the error remediation pipeline.
type AutofixConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	RepoPath         string        `mapstructure:"repo_path" yaml:"repo_path"`
	StateFile        string        `mapstructure:"state_file" yaml:"state_file"`
	LogDir           string        `mapstructure:"log_dir" yaml:"log_dir"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxErrorsPerPoll int           `mapstructure:"max_errors_per_poll" yaml:"max_errors_per_poll"`
	MaxPRsPerHour    int           `mapstructure:"max_prs_per_hour" yaml:"max_prs_per_hour"`
	CooldownSeconds  int           `mapstructure:"cooldown_seconds" yaml:"cooldown_seconds"`
	DryRun           bool          `mapstructure:"dry_run" yaml:"dry_run"`
	MinConfidence    string        `mapstructure:"min_confidence" yaml:"min_confidence"`
	ValidateCmd      []string      `mapstructure:"validate_cmd" yaml:"validate_cmd"`
	Watches          []WatchConfig `mapstructure:"watches" yaml:"watches"`
	Git              GitConfig     `mapstructure:"git" yaml:"git"`
	GitHub           GitHubConfig  `mapstructure:"github" yaml:"github"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "remedy-cli")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Agent --
	v.SetDefault("agent.llm.provider", "gemini")
	v.SetDefault("agent.llm.model", "gemini-2.5-pro")
	v.SetDefault("agent.llm.api_timeout", "120s")
	v.SetDefault("agent.llm.temperature", 0.1)
	v.SetDefault("agent.llm.max_tokens", 8192)

	// -- Autofix --
	v.SetDefault("autofix.enabled", true)
	v.SetDefault("autofix.repo_path", ".")
	v.SetDefault("autofix.state_file", ".remedy/state.json")
	v.SetDefault("autofix.poll_interval", "5m")
	v.SetDefault("autofix.max_errors_per_poll", 20)
	v.SetDefault("autofix.max_prs_per_hour", 5)
	v.SetDefault("autofix.cooldown_seconds", 3600)
	v.SetDefault("autofix.dry_run", false)
	v.SetDefault("autofix.min_confidence", "medium")
	v.SetDefault("autofix.git.author_name", "remedy-autofix-bot")
	v.SetDefault("autofix.git.author_email", "autofix@remedy.dev")
	v.SetDefault("autofix.github.base_branch", "main")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	_ = v.BindEnv("autofix.github.token", "REMEDY_GITHUB_TOKEN")
	_ = v.BindEnv("agent.llm.api_key", "GEMINI_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the token if Unmarshal didn't pick it up.
	if cfg.Autofix.GitHub.Token == "" {
		cfg.Autofix.GitHub.Token = os.Getenv("REMEDY_GITHUB_TOKEN")
	}
	if cfg.Agent.LLM.APIKey == "" {
		cfg.Agent.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Autofix.Validate(); err != nil {
		return fmt.Errorf("autofix configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the Autofix configuration.
func (a *AutofixConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.MaxErrorsPerPoll <= 0 {
		return fmt.Errorf("max_errors_per_poll must be a positive integer")
	}
	if a.MaxPRsPerHour <= 0 {
		return fmt.Errorf("max_prs_per_hour must be a positive integer")
	}
	if a.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown_seconds must not be negative")
	}
	switch a.MinConfidence {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("min_confidence must be one of low, medium, high")
	}
	if !a.DryRun {
		if a.GitHub.BaseBranch == "" {
			return fmt.Errorf("github.base_branch is required")
		}
		if a.GitHub.Token == "" {
			return fmt.Errorf("GitHub token is required but not found. Ensure REMEDY_GITHUB_TOKEN is set")
		}
	}
	return nil
}
