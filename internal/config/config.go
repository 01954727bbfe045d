// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Agent() AgentConfig
	Engine() EngineConfig
	Sandbox() SandboxConfig
	Repository() RepositoryConfig
	GitHub() GitHubConfig
	Git() GitConfig
	Knowledge() KnowledgeConfig
	Autofix() AutofixConfig

	// Engine Setters
	SetEngineConcurrency(int)
	SetEngineMaxIterations(int)

	// Sandbox Setters
	SetSandboxEnabled(bool)
}

// Config holds the entire application configuration. Sections are exported so
// viper can unmarshal into them; callers go through the Interface getters.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	AgentCfg      AgentConfig      `mapstructure:"agent" yaml:"agent"`
	EngineCfg     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	SandboxCfg    SandboxConfig    `mapstructure:"sandbox" yaml:"sandbox"`
	RepositoryCfg RepositoryConfig `mapstructure:"repository" yaml:"repository"`
	GitHubCfg     GitHubConfig     `mapstructure:"github" yaml:"github"`
	GitCfg        GitConfig        `mapstructure:"git" yaml:"git"`
	KnowledgeCfg  KnowledgeConfig  `mapstructure:"knowledge" yaml:"knowledge"`
	AutofixCfg    AutofixConfig    `mapstructure:"autofix" yaml:"autofix"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig     { return c.DatabaseCfg }
func (c *Config) Agent() AgentConfig           { return c.AgentCfg }
func (c *Config) Engine() EngineConfig         { return c.EngineCfg }
func (c *Config) Sandbox() SandboxConfig       { return c.SandboxCfg }
func (c *Config) Repository() RepositoryConfig { return c.RepositoryCfg }
func (c *Config) GitHub() GitHubConfig         { return c.GitHubCfg }
func (c *Config) Git() GitConfig               { return c.GitCfg }
func (c *Config) Knowledge() KnowledgeConfig   { return c.KnowledgeCfg }
func (c *Config) Autofix() AutofixConfig       { return c.AutofixCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetEngineConcurrency(n int)   { c.EngineCfg.Concurrency = n }
func (c *Config) SetEngineMaxIterations(n int) { c.EngineCfg.MaxIterations = n }
func (c *Config) SetSandboxEnabled(b bool)     { c.SandboxCfg.Enabled = b }

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

// DatabaseConfig holds the database connection details. An empty URL disables
// persistence and the Postgres knowledge retriever.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"-"`
}

// AgentConfig holds settings related to the LLM collaborators.
type AgentConfig struct {
	LLM LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderVertex LLMProvider = "vertex"
	ProviderOpenAI LLMProvider = "openai"
	ProviderOllama LLMProvider = "ollama"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	RequestsPerSecond    float64                   `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst                int                       `mapstructure:"burst" yaml:"burst"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider      LLMProvider       `mapstructure:"provider" yaml:"provider"`
	Model         string            `mapstructure:"model" yaml:"model"`
	APIKey        string            `mapstructure:"api_key" yaml:"-"`
	Endpoint      string            `mapstructure:"endpoint" yaml:"endpoint"`
	Project       string            `mapstructure:"project" yaml:"project"`
	Location      string            `mapstructure:"location" yaml:"location"`
	APITimeout    time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature   float32           `mapstructure:"temperature" yaml:"temperature"`
	TopP          float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK          int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens     int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	SafetyFilters map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// EngineConfig bounds a single remediation run and the batch scheduler.
type EngineConfig struct {
	MaxIterations          int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	MaxRetriesPerStep      int           `mapstructure:"max_retries_per_step" yaml:"max_retries_per_step"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	MaxContextTokens       int           `mapstructure:"max_context_tokens" yaml:"max_context_tokens"`
	EventWindow            int           `mapstructure:"event_window" yaml:"event_window"`
	KnowledgeResults       int           `mapstructure:"knowledge_results" yaml:"knowledge_results"`
	Concurrency            int           `mapstructure:"concurrency" yaml:"concurrency"`
	RunTimeout             time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
}

// SandboxConfig limits generated validation code.
type SandboxConfig struct {
	Enabled        bool              `mapstructure:"enabled" yaml:"enabled"`
	Timeout        time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	MemoryLimitMB  int               `mapstructure:"memory_limit_mb" yaml:"memory_limit_mb"`
	CPUTimeSeconds int               `mapstructure:"cpu_time_seconds" yaml:"cpu_time_seconds"`
	Interpreters   map[string]string `mapstructure:"interpreters" yaml:"interpreters"`
}

// RepositoryType selects where file contents are fetched from.
type RepositoryType string

const (
	RepositoryGit    RepositoryType = "git"
	RepositoryGitHub RepositoryType = "github"
)

// RepositoryConfig points the run at the code under remediation.
type RepositoryConfig struct {
	Type      RepositoryType `mapstructure:"type" yaml:"type"`
	LocalPath string         `mapstructure:"local_path" yaml:"local_path"`
	Ref       string         `mapstructure:"ref" yaml:"ref"`
}

// GitHubConfig defines the configuration for GitHub integration.
type GitHubConfig struct {
	Token            string `mapstructure:"token" yaml:"-"`
	RepoOwner        string `mapstructure:"repo_owner" yaml:"repo_owner"`
	RepoName         string `mapstructure:"repo_name" yaml:"repo_name"`
	BaseBranch       string `mapstructure:"base_branch" yaml:"base_branch"`
	OpenPullRequests bool   `mapstructure:"open_pull_requests" yaml:"open_pull_requests"`
}

// GitConfig holds the commit identity used for remediation branches.
type GitConfig struct {
	AuthorName  string `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail string `mapstructure:"author_email" yaml:"author_email"`
}

// KnowledgeConfig toggles knowledge retrieval at run start.
type KnowledgeConfig struct {
	Enabled  bool    `mapstructure:"enabled" yaml:"enabled"`
	MinScore float64 `mapstructure:"min_score" yaml:"min_score"`
}

// AutofixConfig holds settings for the crash watcher.
type AutofixConfig struct {
	AppLogPath      string `mapstructure:"app_log_path" yaml:"app_log_path"`
	ProjectRoot     string `mapstructure:"project_root" yaml:"project_root"`
	CooldownSeconds int    `mapstructure:"cooldown_seconds" yaml:"cooldown_seconds"`
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
	v.SetDefault("logger.service_name", "healops")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Agent --
	v.SetDefault("agent.llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("agent.llm.default_powerful_model", "gemini-2.5-pro")
	v.SetDefault("agent.llm.requests_per_second", 2.0)
	v.SetDefault("agent.llm.burst", 4)

	// -- Engine --
	v.SetDefault("engine.max_iterations", 50)
	v.SetDefault("engine.max_retries_per_step", 3)
	v.SetDefault("engine.max_consecutive_failures", 3)
	v.SetDefault("engine.max_context_tokens", 80000)
	v.SetDefault("engine.event_window", 20)
	v.SetDefault("engine.knowledge_results", 5)
	v.SetDefault("engine.concurrency", 2)
	v.SetDefault("engine.run_timeout", "30m")

	// -- Sandbox --
	v.SetDefault("sandbox.enabled", false)
	v.SetDefault("sandbox.timeout", "30s")
	v.SetDefault("sandbox.memory_limit_mb", 512)
	v.SetDefault("sandbox.cpu_time_seconds", 20)
	v.SetDefault("sandbox.interpreters", map[string]string{
		"python": "python3",
		"sh":     "sh",
		"bash":   "bash",
		"node":   "node",
	})

	// -- Repository --
	v.SetDefault("repository.type", string(RepositoryGit))
	v.SetDefault("repository.local_path", ".")
	v.SetDefault("repository.ref", "HEAD")

	// -- GitHub / Git --
	v.SetDefault("github.base_branch", "main")
	v.SetDefault("github.open_pull_requests", false)
	v.SetDefault("git.author_name", "healops-bot")
	v.SetDefault("git.author_email", "healops-bot@users.noreply.github.com")

	// -- Knowledge --
	v.SetDefault("knowledge.enabled", true)
	v.SetDefault("knowledge.min_score", 0.0)

	// -- Autofix --
	v.SetDefault("autofix.app_log_path", "app.log")
	v.SetDefault("autofix.project_root", ".")
	v.SetDefault("autofix.cooldown_seconds", 300)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("github.token", "HEALOPS_GITHUB_TOKEN")
	_ = v.BindEnv("database.url", "HEALOPS_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Fall back to the conventional token variable when the prefixed one is absent.
	if cfg.GitHubCfg.Token == "" {
		cfg.GitHubCfg.Token = os.Getenv("GITHUB_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.EngineCfg.Validate(); err != nil {
		return fmt.Errorf("engine configuration invalid: %w", err)
	}
	if err := c.SandboxCfg.Validate(); err != nil {
		return fmt.Errorf("sandbox configuration invalid: %w", err)
	}
	switch c.RepositoryCfg.Type {
	case RepositoryGit:
		if c.RepositoryCfg.LocalPath == "" {
			return fmt.Errorf("repository.local_path is required for git repositories")
		}
	case RepositoryGitHub:
		if err := c.GitHubCfg.Validate(); err != nil {
			return fmt.Errorf("github configuration invalid: %w", err)
		}
	default:
		return fmt.Errorf("repository.type must be one of [%s, %s], got '%s'", RepositoryGit, RepositoryGitHub, c.RepositoryCfg.Type)
	}
	if c.GitHubCfg.OpenPullRequests {
		if err := c.GitHubCfg.Validate(); err != nil {
			return fmt.Errorf("github configuration invalid: %w", err)
		}
	}
	return nil
}

// Validate checks the engine bounds.
func (e *EngineConfig) Validate() error {
	if e.MaxIterations <= 0 {
		return fmt.Errorf("engine.max_iterations must be a positive integer")
	}
	if e.MaxRetriesPerStep <= 0 {
		return fmt.Errorf("engine.max_retries_per_step must be a positive integer")
	}
	if e.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("engine.max_consecutive_failures must be a positive integer")
	}
	if e.MaxContextTokens <= 0 {
		return fmt.Errorf("engine.max_context_tokens must be a positive integer")
	}
	if e.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be a positive integer")
	}
	if e.EventWindow < 0 || e.KnowledgeResults < 0 {
		return fmt.Errorf("engine.event_window and engine.knowledge_results must not be negative")
	}
	return nil
}

// Validate checks the SandboxConfig settings.
func (s *SandboxConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	if s.MemoryLimitMB <= 0 || s.CPUTimeSeconds <= 0 {
		return fmt.Errorf("memory_limit_mb and cpu_time_seconds must be positive")
	}
	return nil
}

// Validate checks that the GitHub coordinates are usable.
func (g *GitHubConfig) Validate() error {
	if g.RepoOwner == "" || g.RepoName == "" || g.BaseBranch == "" {
		return fmt.Errorf("github.repo_owner, github.repo_name, and github.base_branch are required")
	}
	if g.Token == "" {
		return fmt.Errorf("GitHub token is required but not found. Ensure HEALOPS_GITHUB_TOKEN is set")
	}
	return nil
}
