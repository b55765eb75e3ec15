// Package config loads process configuration from .env, SYLVIA_* environment
// variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"sylvia/pkg/agent"
	"sylvia/pkg/analytics"
	"sylvia/pkg/events"
	"sylvia/pkg/llm"
	"sylvia/pkg/orchestrator"
	"sylvia/pkg/workflow"
)

// EnvPrefix prefixes every environment override, e.g. SYLVIA_REDIS_ADDR.
const EnvPrefix = "SYLVIA"

// Config is the process configuration.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Events       EventsConfig       `mapstructure:"events"`
	LLM          LLMConfig          `mapstructure:"llm"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Workflow     WorkflowConfig     `mapstructure:"workflow"`
	Analytics    AnalyticsConfig    `mapstructure:"analytics"`
	Log          LogConfig          `mapstructure:"log"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// DatabaseConfig points at Postgres. An empty URL runs on in-memory stores.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type EventsConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=redis postgres"`
	MaxLen  int64  `mapstructure:"max_len" validate:"gte=0"`
}

type LLMConfig struct {
	Provider string `mapstructure:"provider" validate:"oneof=gemini openai"`
	Model    string `mapstructure:"model" validate:"required"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url" validate:"omitempty,url"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type OrchestratorConfig struct {
	TaskBlock     time.Duration `mapstructure:"task_block" validate:"gt=0"`
	MLBlock       time.Duration `mapstructure:"ml_block" validate:"gt=0"`
	StartFrom     string        `mapstructure:"start_from" validate:"oneof=$ 0"`
	DailyInterval time.Duration `mapstructure:"daily_interval" validate:"gte=0"`
}

type WorkflowConfig struct {
	MaxRetries      uint64        `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `mapstructure:"max_interval" validate:"gtefield=InitialInterval"`
	MemoTTL         time.Duration `mapstructure:"memo_ttl" validate:"gt=0"`
}

type AnalyticsConfig struct {
	Timezone                   string        `mapstructure:"timezone" validate:"required,timezone"`
	ComplexityConfidence       float64       `mapstructure:"complexity_confidence" validate:"gte=0,lte=1"`
	DeriveComplexityConfidence bool          `mapstructure:"derive_complexity_confidence"`
	CalendarTTL                time.Duration `mapstructure:"calendar_ttl" validate:"gt=0"`
	BundleTTL                  time.Duration `mapstructure:"bundle_ttl" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type TelemetryConfig struct {
	PosthogKey      string `mapstructure:"posthog_key"`
	PosthogEndpoint string `mapstructure:"posthog_endpoint"`
}

var defaults = map[string]any{
	"database.url":                           "",
	"redis.addr":                             "localhost:6379",
	"redis.password":                         "",
	"redis.db":                               0,
	"events.backend":                         "redis",
	"events.max_len":                         100000,
	"llm.provider":                           "gemini",
	"llm.model":                              "gemini-2.0-flash",
	"llm.api_key":                            "",
	"llm.base_url":                           "",
	"http.addr":                              ":8080",
	"orchestrator.task_block":                "5s",
	"orchestrator.ml_block":                  "1s",
	"orchestrator.start_from":                "$",
	"orchestrator.daily_interval":            "24h",
	"workflow.max_retries":                   3,
	"workflow.initial_interval":              "500ms",
	"workflow.max_interval":                  "10s",
	"workflow.memo_ttl":                      "24h",
	"analytics.timezone":                     "UTC",
	"analytics.complexity_confidence":        0.8,
	"analytics.derive_complexity_confidence": false,
	"analytics.calendar_ttl":                 "5m",
	"analytics.bundle_ttl":                   "1h",
	"log.level":                              "info",
	"log.format":                             "text",
	"telemetry.posthog_key":                  "",
	"telemetry.posthog_endpoint":             "",
}

// Load reads .env (when present), then cfgFile (when set), then SYLVIA_*
// overrides into v, and validates the result.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("invalid config %s: failed %q (value %v)", strings.ToLower(f.Namespace()), f.Tag(), f.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// InMemory reports whether the stores run without Postgres.
func (c *Config) InMemory() bool { return c.Database.URL == "" }

// Location returns the analytics time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Analytics.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LLMConfig returns the chat model selection.
func (c *Config) LLMConfig() llm.Config {
	return llm.Config{
		Provider: llm.Provider(c.LLM.Provider),
		Model:    c.LLM.Model,
		APIKey:   c.LLM.APIKey,
		BaseURL:  c.LLM.BaseURL,
	}
}

// WorkflowPolicy returns the step retry policy.
func (c *Config) WorkflowPolicy() workflow.Policy {
	return workflow.Policy{
		MaxRetries:      c.Workflow.MaxRetries,
		InitialInterval: c.Workflow.InitialInterval,
		MaxInterval:     c.Workflow.MaxInterval,
		MemoTTL:         c.Workflow.MemoTTL,
	}
}

// AnalyzerConfig returns the ML analyzer thresholds.
func (c *Config) AnalyzerConfig() agent.AnalyzerConfig {
	ac := agent.DefaultAnalyzerConfig()
	ac.Location = c.Location()
	ac.ComplexityConfidence = c.Analytics.ComplexityConfidence
	ac.DeriveComplexityConfidence = c.Analytics.DeriveComplexityConfidence
	ac.BundleTTL = c.Analytics.BundleTTL
	return ac
}

// CalendarOptions returns the calendar aggregator options.
func (c *Config) CalendarOptions() analytics.Options {
	return analytics.Options{Location: c.Location(), TTL: c.Analytics.CalendarTTL}
}

// OrchestratorOptions returns the loop options. The daily scheduler is off
// when daily is false.
func (c *Config) OrchestratorOptions(daily bool) orchestrator.Options {
	opts := orchestrator.DefaultOptions()
	opts.Block = map[string]time.Duration{
		events.StreamTask: c.Orchestrator.TaskBlock,
		events.StreamML:   c.Orchestrator.MLBlock,
	}
	opts.FromStart = c.Orchestrator.StartFrom == "0"
	if daily {
		opts.DailyInterval = c.Orchestrator.DailyInterval
	}
	return opts
}

// NewLogger builds the process logger.
func NewLogger(c LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
