package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Capture() CaptureConfig
	Agent() AgentConfig
	Monitor() MonitorConfig
	Inbox() InboxConfig
	Profile() ProfileConfig
	Executor() ExecutorConfig
	Metrics() MetricsConfig

	// Monitor Setters
	SetMonitorInterval(d time.Duration)
	SetMonitorDetectEvery(n int)
}

// Config holds the entire application configuration. Sections are exported
// for viper/mapstructure and read through the Interface getters.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	CaptureCfg  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	AgentCfg    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	MonitorCfg  MonitorConfig  `mapstructure:"monitor" yaml:"monitor"`
	InboxCfg    InboxConfig    `mapstructure:"inbox" yaml:"inbox"`
	ProfileCfg  ProfileConfig  `mapstructure:"profile" yaml:"profile"`
	ExecutorCfg ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	MetricsCfg  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Capture() CaptureConfig   { return c.CaptureCfg }
func (c *Config) Agent() AgentConfig       { return c.AgentCfg }
func (c *Config) Monitor() MonitorConfig   { return c.MonitorCfg }
func (c *Config) Inbox() InboxConfig       { return c.InboxCfg }
func (c *Config) Profile() ProfileConfig   { return c.ProfileCfg }
func (c *Config) Executor() ExecutorConfig { return c.ExecutorCfg }
func (c *Config) Metrics() MetricsConfig   { return c.MetricsCfg }

func (c *Config) SetMonitorInterval(d time.Duration) { c.MonitorCfg.Interval = d }
func (c *Config) SetMonitorDetectEvery(n int)        { c.MonitorCfg.DetectEvery = n }

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

// ColorConfig defines the color settings for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Capture source kinds.
const (
	CaptureSourceHTTP   = "http"
	CaptureSourceSQLite = "sqlite"
)

// CaptureConfig selects and tunes the screen capture source.
type CaptureConfig struct {
	Source     string        `mapstructure:"source" yaml:"source"`
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	Limit      int           `mapstructure:"limit" yaml:"limit"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	AppName    string        `mapstructure:"app_name" yaml:"app_name"`
	SQLitePath string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// AgentConfig groups the model routing settings.
type AgentConfig struct {
	LLM LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	// ProviderGemini talks to the Gemini REST endpoint directly.
	ProviderGemini LLMProvider = "gemini"
	// ProviderGenAI uses the google.golang.org/genai SDK.
	ProviderGenAI LLMProvider = "genai"
	// ProviderOllama talks to a local Ollama server.
	ProviderOllama LLMProvider = "ollama"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider      LLMProvider       `mapstructure:"provider" yaml:"provider"`
	Model         string            `mapstructure:"model" yaml:"model"`
	APIKey        string            `mapstructure:"api_key" yaml:"-"`
	Endpoint      string            `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout    time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature   float32           `mapstructure:"temperature" yaml:"temperature"`
	TopP          float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK          int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens     int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	SafetyFilters map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// MonitorConfig tunes the polling loop.
type MonitorConfig struct {
	Interval          time.Duration `mapstructure:"interval" yaml:"interval"`
	Lookback          time.Duration `mapstructure:"lookback" yaml:"lookback"`
	DetectEvery       int           `mapstructure:"detect_every" yaml:"detect_every"`
	Window            time.Duration `mapstructure:"window" yaml:"window"`
	ClassifierTimeout time.Duration `mapstructure:"classifier_timeout" yaml:"classifier_timeout"`
	ProposalInterval  time.Duration `mapstructure:"proposal_interval" yaml:"proposal_interval"`
	ProposalBurst     int           `mapstructure:"proposal_burst" yaml:"proposal_burst"`
	Platform          string        `mapstructure:"platform" yaml:"platform"`
}

// EffectiveLookback returns the configured lookback, or the interval when unset.
func (m MonitorConfig) EffectiveLookback() time.Duration {
	if m.Lookback > 0 {
		return m.Lookback
	}
	return m.Interval
}

// EffectiveWindow returns the configured detection window, or the lookback when unset.
func (m MonitorConfig) EffectiveWindow() time.Duration {
	if m.Window > 0 {
		return m.Window
	}
	return m.EffectiveLookback()
}

// Inbox sink names.
const (
	SinkLog     = "log"
	SinkMarker  = "marker"
	SinkWebhook = "webhook"
	SinkRedis   = "redis"
)

// InboxConfig selects where proposals and notices are delivered.
type InboxConfig struct {
	Sinks   []string      `mapstructure:"sinks" yaml:"sinks"`
	Webhook WebhookConfig `mapstructure:"webhook" yaml:"webhook"`
	Redis   RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

// HasSink reports whether the named sink is enabled.
func (i InboxConfig) HasSink(name string) bool {
	for _, s := range i.Sinks {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return true
		}
	}
	return false
}

// WebhookConfig points at a task server that accepts new tasks.
type WebhookConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RedisConfig configures the pub/sub inbox.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"-"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
}

// ProfileConfig locates the user profile.
type ProfileConfig struct {
	Path  string `mapstructure:"path" yaml:"path"`
	Watch bool   `mapstructure:"watch" yaml:"watch"`
}

// ExecutorConfig describes the external automation executor.
type ExecutorConfig struct {
	Command string        `mapstructure:"command" yaml:"command"`
	Args    []string      `mapstructure:"args" yaml:"args"`
	APIKey  string        `mapstructure:"api_key" yaml:"-"`
	WorkDir string        `mapstructure:"work_dir" yaml:"work_dir"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
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
	v.SetDefault("logger.service_name", "tasks-auto-complete")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Capture --
	v.SetDefault("capture.source", CaptureSourceHTTP)
	v.SetDefault("capture.base_url", "http://localhost:3030")
	v.SetDefault("capture.limit", 50)
	v.SetDefault("capture.timeout", "10s")
	v.SetDefault("capture.app_name", "")
	v.SetDefault("capture.sqlite_path", "~/.screenpipe/screenpipe.db")

	// -- Agent --
	v.SetDefault("agent.llm.default_fast_model", "local")
	v.SetDefault("agent.llm.default_powerful_model", "local")
	v.SetDefault("agent.llm.models", map[string]interface{}{
		"local": map[string]interface{}{
			"provider":    string(ProviderOllama),
			"model":       "llama3.2",
			"endpoint":    "http://localhost:11434",
			"api_timeout": "30s",
			"temperature": 0.2,
		},
		"gemini-flash": map[string]interface{}{
			"provider":    string(ProviderGemini),
			"model":       "gemini-2.5-flash",
			"api_timeout": "30s",
			"temperature": 0.4,
		},
	})

	// -- Monitor --
	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.lookback", "0s")
	v.SetDefault("monitor.detect_every", 1)
	v.SetDefault("monitor.window", "0s")
	v.SetDefault("monitor.classifier_timeout", "30s")
	v.SetDefault("monitor.proposal_interval", "1m")
	v.SetDefault("monitor.proposal_burst", 1)
	v.SetDefault("monitor.platform", "web")

	// -- Inbox --
	v.SetDefault("inbox.sinks", []string{SinkLog, SinkMarker})
	v.SetDefault("inbox.webhook.url", "http://localhost:3000/new-task")
	v.SetDefault("inbox.webhook.timeout", "5s")
	v.SetDefault("inbox.redis.addr", "localhost:6379")
	v.SetDefault("inbox.redis.db", 0)
	v.SetDefault("inbox.redis.channel", "tasks-auto-complete:inbox")

	// -- Profile --
	v.SetDefault("profile.path", "~/.tasks-auto-complete/settings.json")
	v.SetDefault("profile.watch", false)

	// -- Executor --
	v.SetDefault("executor.command", "python3")
	v.SetDefault("executor.args", []string{"agent/assistant.py"})
	v.SetDefault("executor.timeout", "10m")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("executor.api_key", "TAC_EXECUTOR_API_KEY")
	v.BindEnv("inbox.redis.password", "TAC_REDIS_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Map entries cannot be bound individually, so keys are filled in after the fact.
	if key := os.Getenv("TAC_GEMINI_API_KEY"); key != "" {
		for name, m := range cfg.AgentCfg.LLM.Models {
			if m.APIKey == "" && (m.Provider == ProviderGemini || m.Provider == ProviderGenAI) {
				m.APIKey = key
				cfg.AgentCfg.LLM.Models[name] = m
			}
		}
	}
	if cfg.ExecutorCfg.APIKey == "" {
		cfg.ExecutorCfg.APIKey = os.Getenv("TAC_GEMINI_API_KEY")
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.ProfileCfg.Path, &c.CaptureCfg.SQLitePath, &c.LoggerCfg.LogFile, &c.ExecutorCfg.WorkDir} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.MonitorCfg.Validate(); err != nil {
		return fmt.Errorf("monitor configuration invalid: %w", err)
	}
	if err := c.CaptureCfg.Validate(); err != nil {
		return fmt.Errorf("capture configuration invalid: %w", err)
	}
	if err := c.AgentCfg.LLM.Validate(); err != nil {
		return fmt.Errorf("agent.llm configuration invalid: %w", err)
	}
	if err := c.InboxCfg.Validate(); err != nil {
		return fmt.Errorf("inbox configuration invalid: %w", err)
	}
	if c.MetricsCfg.Enabled && c.MetricsCfg.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// Validate checks the MonitorConfig settings.
func (m *MonitorConfig) Validate() error {
	if m.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be a positive duration")
	}
	if m.Lookback < 0 || m.Window < 0 {
		return fmt.Errorf("monitor.lookback and monitor.window must not be negative")
	}
	if m.DetectEvery <= 0 {
		return fmt.Errorf("monitor.detect_every must be a positive integer")
	}
	if m.ClassifierTimeout <= 0 {
		return fmt.Errorf("monitor.classifier_timeout must be a positive duration")
	}
	if m.ProposalInterval < 0 {
		return fmt.Errorf("monitor.proposal_interval must not be negative")
	}
	if m.ProposalBurst <= 0 {
		return fmt.Errorf("monitor.proposal_burst must be a positive integer")
	}
	return nil
}

// Validate checks the CaptureConfig settings.
func (c *CaptureConfig) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("capture.limit must be a positive integer")
	}
	switch c.Source {
	case CaptureSourceHTTP:
		if c.BaseURL == "" {
			return fmt.Errorf("capture.base_url is required when capture.source is %s", CaptureSourceHTTP)
		}
	case CaptureSourceSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("capture.sqlite_path is required when capture.source is %s", CaptureSourceSQLite)
		}
	default:
		return fmt.Errorf("capture.source must be one of [%s %s], got %q", CaptureSourceHTTP, CaptureSourceSQLite, c.Source)
	}
	return nil
}

// Validate checks that both default models exist and use a known provider.
func (r *LLMRouterConfig) Validate() error {
	for _, name := range []string{r.DefaultFastModel, r.DefaultPowerfulModel} {
		if name == "" {
			return fmt.Errorf("default_fast_model and default_powerful_model are required")
		}
		m, ok := r.Models[name]
		if !ok {
			return fmt.Errorf("model %q is not defined in agent.llm.models", name)
		}
		switch m.Provider {
		case ProviderGemini, ProviderGenAI, ProviderOllama:
		default:
			return fmt.Errorf("model %q has unsupported provider %q", name, m.Provider)
		}
	}
	return nil
}

// Validate checks the InboxConfig settings.
func (i *InboxConfig) Validate() error {
	if len(i.Sinks) == 0 {
		return fmt.Errorf("inbox.sinks must name at least one sink")
	}
	for _, s := range i.Sinks {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case SinkLog, SinkMarker, SinkWebhook, SinkRedis:
		default:
			return fmt.Errorf("inbox.sinks contains unknown sink %q", s)
		}
	}
	if i.HasSink(SinkWebhook) && i.Webhook.URL == "" {
		return fmt.Errorf("inbox.webhook.url is required when the webhook sink is enabled")
	}
	if i.HasSink(SinkRedis) && (i.Redis.Addr == "" || i.Redis.Channel == "") {
		return fmt.Errorf("inbox.redis.addr and inbox.redis.channel are required when the redis sink is enabled")
	}
	return nil
}
