package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces the gateway's own environment variables, e.g.
// CHATGW_ADDRESS or CHATGW_LOG_LEVEL.
const EnvPrefix = "CHATGW"

type Config struct {
	Address            string        `mapstructure:"address" yaml:"address"`
	OllamaBase         string        `mapstructure:"ollama_base" yaml:"ollama_base"`
	DefaultModel       string        `mapstructure:"default_model" yaml:"default_model"`
	DefaultTemperature float64       `mapstructure:"default_temperature" yaml:"default_temperature"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`

	AnthropicAPIKey    string   `mapstructure:"anthropic_api_key" yaml:"anthropic_api_key"`
	AnthropicBaseURL   string   `mapstructure:"anthropic_base_url" yaml:"anthropic_base_url"`
	AnthropicVersion   string   `mapstructure:"anthropic_version" yaml:"anthropic_version"`
	AnthropicMaxTokens int      `mapstructure:"anthropic_max_tokens" yaml:"anthropic_max_tokens"`
	AnthropicModels    []string `mapstructure:"anthropic_models" yaml:"anthropic_models"`

	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	DebugHistory int    `mapstructure:"debug_history" yaml:"debug_history"`
	TelemetryURL string `mapstructure:"telemetry_url" yaml:"telemetry_url"`
	MetricsPath  string `mapstructure:"metrics_path" yaml:"metrics_path"`

	Log   LogConfig   `mapstructure:"log" yaml:"log"`
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`
	Query QueryConfig `mapstructure:"query" yaml:"query"`
}

type LogConfig struct {
	Dir   string `mapstructure:"dir" yaml:"dir"`
	Level string `mapstructure:"level" yaml:"level"`
}

// RetryConfig shapes the retry policy used on the chat path. MaxAttempts of
// 1 means a single outbound call.
type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	RetryableStatuses []int         `mapstructure:"retryable_statuses" yaml:"retryable_statuses"`
}

type QueryConfig struct {
	Model       string `mapstructure:"model" yaml:"model"`
	MaxAttempts int    `mapstructure:"max_attempts" yaml:"max_attempts"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", ":5000")
	v.SetDefault("ollama_base", "")
	v.SetDefault("default_model", "qwen2.5-coder:7b")
	v.SetDefault("default_temperature", 0.2)
	v.SetDefault("request_timeout", 60*time.Second)
	v.SetDefault("probe_timeout", 2*time.Second)

	v.SetDefault("anthropic_api_key", "")
	v.SetDefault("anthropic_base_url", "https://api.anthropic.com")
	v.SetDefault("anthropic_version", "2023-06-01")
	v.SetDefault("anthropic_max_tokens", 2048)
	v.SetDefault("anthropic_models", []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"claude-3-sonnet-20240229",
		"claude-3-haiku-20240307",
	})

	v.SetDefault("database_path", "storage/chat.db")
	v.SetDefault("debug_history", 10)
	v.SetDefault("telemetry_url", "")
	v.SetDefault("metrics_path", "/metrics")

	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.level", "info")

	v.SetDefault("retry.max_attempts", 1)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.retryable_statuses", []int{500, 502, 503, 504})

	v.SetDefault("query.model", "llama2")
	v.SetDefault("query.max_attempts", 3)
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	// allow environment variables like CHATGW_ADDRESS
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("anthropic_api_key", EnvPrefix+"_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		// don't fail if config file is missing, allow env-only config
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	c.OllamaBase = strings.TrimSpace(c.OllamaBase)
	return &c, nil
}

func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Redacted returns a copy that is safe to print or serve from diagnostics.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.AnthropicAPIKey != "" {
		cp.AnthropicAPIKey = "****"
	}
	cp.AnthropicModels = append([]string(nil), c.AnthropicModels...)
	cp.Retry.RetryableStatuses = append([]int(nil), c.Retry.RetryableStatuses...)
	return &cp
}

// YAML renders the redacted configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

// Store holds the live configuration. Readers get an immutable snapshot;
// when a config file is in use, edits to it replace the snapshot.
type Store struct {
	v   *viper.Viper
	cur atomic.Pointer[Config]
}

func NewStore() (*Store, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	c, err := decode(v)
	if err != nil {
		return nil, err
	}
	s := &Store{v: v}
	s.cur.Store(c)
	return s, nil
}

// StaticStore wraps a fixed configuration. Used by tests and tools that
// build a Config by hand.
func StaticStore(c *Config) *Store {
	s := &Store{}
	s.cur.Store(c)
	return s
}

func (s *Store) Current() *Config {
	return s.cur.Load()
}

// Set replaces the snapshot.
func (s *Store) Set(c *Config) {
	s.cur.Store(c)
}

// ConfigFileUsed reports the config file path, or "" when running from
// defaults and environment only.
func (s *Store) ConfigFileUsed() string {
	if s.v == nil {
		return ""
	}
	return s.v.ConfigFileUsed()
}

// Watch reloads the snapshot whenever the config file changes. A reload
// that fails to decode keeps the previous snapshot; onChange receives the
// error. It is a no-op without a config file.
func (s *Store) Watch(onChange func(path string, err error)) {
	if s.ConfigFileUsed() == "" {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		c, err := decode(s.v)
		if err == nil {
			s.cur.Store(c)
		}
		if onChange != nil {
			onChange(e.Name, err)
		}
	})
	s.v.WatchConfig()
}
