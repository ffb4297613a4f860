// Package config loads the chatturn configuration from YAML or JSON5 files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the root configuration.
type Config struct {
	// Version is the configuration format version. Zero means current.
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	LLM           LLMConfig           `yaml:"llm"`
	Turn          TurnConfig          `yaml:"turn"`
	Persistence   PersistenceConfig   `yaml:"persistence"`
	Prompts       PromptsConfig       `yaml:"prompts"`
	Tools         ToolsConfig         `yaml:"tools"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// HeartbeatInterval spaces SSE keep-alive comments. Zero disables them.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxBodyBytes limits request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

type DatabaseConfig struct {
	// Driver is "memory", "postgres" or "sqlite".
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// AutoMigrate applies pending migrations at startup.
	AutoMigrate bool `yaml:"auto_migrate"`
}

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	Issuer      string         `yaml:"issuer"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`

	// DevUserID identifies requests without credentials. Never set it in
	// production.
	DevUserID string `yaml:"dev_user_id"`
}

type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
}

type LLMConfig struct {
	// DefaultModel is used when a request names no model, and for titles.
	DefaultModel string `yaml:"default_model"`

	// Providers are keyed by "openai", "anthropic" or "google".
	Providers map[string]LLMProviderConfig `yaml:"providers"`

	// Retry governs opening a model stream.
	Retry RetryConfig `yaml:"retry"`
}

type LLMProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Models overrides the provider's built-in model list.
	Models []ModelConfig `yaml:"models"`
}

type ModelConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	ContextSize int    `yaml:"context_size"`
}

// RetryConfig is a declarative retry policy.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       float64       `yaml:"factor"`
	Jitter       bool          `yaml:"jitter"`
}

type TurnConfig struct {
	MaxSteps     int `yaml:"max_steps"`
	MaxTokens    int `yaml:"max_tokens"`
	ModelRetries int `yaml:"model_retries"`
	BufferSize   int `yaml:"buffer_size"`

	// ToolTimeout bounds one tool execution.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// ToolStateAnnotations streams tool lifecycle annotations.
	ToolStateAnnotations bool `yaml:"tool_state_annotations"`
}

type PersistenceConfig struct {
	Retry                RetryConfig `yaml:"retry"`
	MaxVersionCollisions int         `yaml:"max_version_collisions"`
	GapLogSize           int         `yaml:"gap_log_size"`

	// ReplaySchedule is a cron spec for re-submitting failed writes. "off"
	// disables replay.
	ReplaySchedule string `yaml:"replay_schedule"`
}

type PromptsConfig struct {
	// File overrides the built-in prompts.
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`

	// TitleModel generates chat titles. Empty uses llm.default_model.
	TitleModel string `yaml:"title_model"`
	// DisableTitles uses the first message line instead of a model summary.
	DisableTitles bool `yaml:"disable_titles"`
}

type ToolsConfig struct {
	Documents DocumentsToolConfig `yaml:"documents"`
	Weather   WeatherToolConfig   `yaml:"weather"`
}

type DocumentsToolConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Model          string `yaml:"model"`
	MaxSuggestions int    `yaml:"max_suggestions"`
}

type WeatherToolConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector. Empty disables tracing.
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns a configuration that runs in memory with no providers.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads path, resolving $include directives and ${ENV} references,
// then applies defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.HeartbeatInterval == 0 {
		cfg.Server.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 4 << 20
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.LLM.Retry.MaxAttempts == 0 {
		cfg.LLM.Retry = RetryConfig{MaxAttempts: 1, InitialDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Factor: 2, Jitter: true}
	}
	if cfg.Turn.MaxSteps == 0 {
		cfg.Turn.MaxSteps = 5
	}
	if cfg.Turn.MaxTokens == 0 {
		cfg.Turn.MaxTokens = 4096
	}
	if cfg.Turn.ModelRetries == 0 {
		cfg.Turn.ModelRetries = 1
	}
	if cfg.Turn.ToolTimeout == 0 {
		cfg.Turn.ToolTimeout = 2 * time.Minute
	}
	if cfg.Persistence.Retry.MaxAttempts == 0 {
		cfg.Persistence.Retry = RetryConfig{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Factor: 2}
	}
	if cfg.Persistence.MaxVersionCollisions == 0 {
		cfg.Persistence.MaxVersionCollisions = 5
	}
	if cfg.Persistence.ReplaySchedule == "" {
		cfg.Persistence.ReplaySchedule = "@every 5m"
	}
	if cfg.Persistence.GapLogSize == 0 {
		cfg.Persistence.GapLogSize = 1000
	}
	if cfg.Tools.Documents.MaxSuggestions == 0 {
		cfg.Tools.Documents.MaxSuggestions = 5
	}
	if cfg.Tools.Weather.Timeout == 0 {
		cfg.Tools.Weather.Timeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Metrics.Path == "" {
		cfg.Observability.Metrics.Path = "/metrics"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "chatturn"
	}
}

// ReplayOff disables persistence gap replay.
const ReplayOff = "off"

var knownProviders = map[string]bool{"openai": true, "anthropic": true, "google": true}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		add("%v", err)
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		add("server.http_port must be between 0 and 65535")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres", "sqlite":
		if strings.TrimSpace(c.Database.URL) == "" {
			add("database.url is required for driver %s", c.Database.Driver)
		}
	default:
		add("database.driver must be memory, postgres or sqlite (got %q)", c.Database.Driver)
	}
	for i, key := range c.Auth.APIKeys {
		if strings.TrimSpace(key.Key) == "" {
			add("auth.api_keys[%d].key is required", i)
		}
	}
	for name, provider := range c.LLM.Providers {
		if !knownProviders[name] {
			add("llm.providers.%s: unknown provider (want openai, anthropic or google)", name)
		}
		if strings.TrimSpace(provider.APIKey) == "" {
			add("llm.providers.%s.api_key is required", name)
		}
		for i, model := range provider.Models {
			if strings.TrimSpace(model.ID) == "" {
				add("llm.providers.%s.models[%d].id is required", name, i)
			}
		}
	}
	if c.LLM.DefaultModel != "" && len(c.LLM.Providers) == 0 {
		add("llm.default_model is set but no providers are configured")
	}
	validateRetry("llm.retry", c.LLM.Retry, add)
	validateRetry("persistence.retry", c.Persistence.Retry, add)
	if c.Turn.MaxSteps < 1 {
		add("turn.max_steps must be at least 1")
	}
	if c.Turn.ModelRetries < 0 {
		add("turn.model_retries must not be negative")
	}
	if c.Turn.ModelRetries > 0 && c.LLM.Retry.MaxAttempts > 1 {
		add("llm.retry.max_attempts and turn.model_retries both retry model calls; set llm.retry.max_attempts to 1")
	}
	if c.Persistence.ReplaySchedule != ReplayOff && c.Persistence.ReplaySchedule != "" {
		if _, err := cron.ParseStandard(c.Persistence.ReplaySchedule); err != nil {
			add("persistence.replay_schedule: %v", err)
		}
	}
	if c.Prompts.Watch && c.Prompts.File == "" {
		add("prompts.watch requires prompts.file")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level must be debug, info, warn or error (got %q)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text (got %q)", c.Logging.Format)
	}
	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		add("observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}

func validateRetry(path string, r RetryConfig, add func(string, ...any)) {
	if r.MaxAttempts < 1 {
		add("%s.max_attempts must be at least 1", path)
	}
	if r.InitialDelay < 0 || r.MaxDelay < 0 {
		add("%s delays must not be negative", path)
	}
	if r.Factor != 0 && r.Factor < 1 {
		add("%s.factor must be at least 1", path)
	}
}

// ValidationError lists configuration problems.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config:\n  - " + strings.Join(e.Issues, "\n  - ")
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
