// Package config loads calclaw settings from a YAML file with environment
// overrides, and edits that file for the config commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir       string `mapstructure:"data_dir" yaml:"data_dir"`
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	MaxConcurrent int    `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	MaxToolRounds int    `mapstructure:"max_tool_rounds" yaml:"max_tool_rounds"`
	// TimeZone is used for users who have not told us theirs.
	TimeZone string `mapstructure:"time_zone" yaml:"time_zone"`
	// PromptFile optionally replaces the built-in system prompt template.
	PromptFile string `mapstructure:"prompt_file" yaml:"prompt_file"`
	LLM        struct {
		Provider         string        `mapstructure:"provider" yaml:"provider"`
		BaseURL          string        `mapstructure:"base_url" yaml:"base_url"`
		APIKey           string        `mapstructure:"api_key" yaml:"api_key"`
		Model            string        `mapstructure:"model" yaml:"model"`
		MaxTokens        int           `mapstructure:"max_tokens" yaml:"max_tokens"`
		Temperature      float32       `mapstructure:"temperature" yaml:"temperature"`
		MaxContextTokens int           `mapstructure:"max_context_tokens" yaml:"max_context_tokens"`
		OutputReserve    int           `mapstructure:"output_reserve" yaml:"output_reserve"`
		Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
		MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	} `mapstructure:"llm" yaml:"llm"`
	Calendar struct {
		Backend string        `mapstructure:"backend" yaml:"backend"`
		Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
		CalCom  struct {
			BaseURL     string `mapstructure:"base_url" yaml:"base_url"`
			APIKey      string `mapstructure:"api_key" yaml:"api_key"`
			EventTypeID int    `mapstructure:"event_type_id" yaml:"event_type_id"`
			Notes       string `mapstructure:"notes" yaml:"notes"`
			Location    string `mapstructure:"location" yaml:"location"`
		} `mapstructure:"calcom" yaml:"calcom"`
		Google struct {
			CalendarID      string `mapstructure:"calendar_id" yaml:"calendar_id"`
			CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
			TokenFile       string `mapstructure:"token_file" yaml:"token_file"`
			ClientID        string `mapstructure:"client_id" yaml:"client_id"`
			ClientSecret    string `mapstructure:"client_secret" yaml:"client_secret"`
		} `mapstructure:"google" yaml:"google"`
	} `mapstructure:"calendar" yaml:"calendar"`
	Store struct {
		Backend       string        `mapstructure:"backend" yaml:"backend"`
		DSN           string        `mapstructure:"dsn" yaml:"dsn"`
		TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
		SweepSchedule string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
		Redis         struct {
			Addr     string `mapstructure:"addr" yaml:"addr"`
			Password string `mapstructure:"password" yaml:"password"`
			DB       int    `mapstructure:"db" yaml:"db"`
			Prefix   string `mapstructure:"prefix" yaml:"prefix"`
		} `mapstructure:"redis" yaml:"redis"`
	} `mapstructure:"store" yaml:"store"`
	HTTP struct {
		Addr         string        `mapstructure:"addr" yaml:"addr"`
		RateLimit    float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
		Burst        int           `mapstructure:"burst" yaml:"burst"`
		ReplyTimeout time.Duration `mapstructure:"reply_timeout" yaml:"reply_timeout"`
	} `mapstructure:"http" yaml:"http"`
	Telegram struct {
		Token string `mapstructure:"token" yaml:"token"`
	} `mapstructure:"telegram" yaml:"telegram"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	} `mapstructure:"metrics" yaml:"metrics"`
}

// DefaultDir returns ~/.calclaw.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".calclaw")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDir())
	v.SetDefault("log_level", "info")
	v.SetDefault("max_concurrent", 4)
	v.SetDefault("max_tool_rounds", 5)
	v.SetDefault("time_zone", "UTC")
	v.SetDefault("prompt_file", "")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_context_tokens", 128000)
	v.SetDefault("llm.output_reserve", 4096)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.max_retries", 3)

	v.SetDefault("calendar.backend", "calcom")
	v.SetDefault("calendar.timeout", 15*time.Second)
	v.SetDefault("calendar.calcom.base_url", "https://api.cal.com/v2")
	v.SetDefault("calendar.calcom.api_key", "")
	v.SetDefault("calendar.calcom.event_type_id", 1)
	v.SetDefault("calendar.calcom.notes", "Agentic schedule")
	v.SetDefault("calendar.calcom.location", "cal-video")
	v.SetDefault("calendar.google.calendar_id", "primary")
	v.SetDefault("calendar.google.credentials_file", "")
	v.SetDefault("calendar.google.token_file", "")
	v.SetDefault("calendar.google.client_id", "")
	v.SetDefault("calendar.google.client_secret", "")

	v.SetDefault("store.backend", "file")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.ttl", 7*24*time.Hour)
	v.SetDefault("store.sweep_schedule", "@every 1h")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "calclaw:")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_limit", 2.0)
	v.SetDefault("http.burst", 10)
	v.SetDefault("http.reply_timeout", 2*time.Minute)

	v.SetDefault("telegram.token", "")
	v.SetDefault("metrics.enabled", true)
}

// envAliases maps config keys to well-known environment variables, checked
// after CALCLAW_<KEY>.
var envAliases = map[string][]string{
	"llm.base_url":            {"OPENAI_BASE_URL"},
	"calendar.calcom.api_key": {"CAL_API_KEY"},
	"telegram.token":          {"TELEGRAM_BOT_TOKEN"},
}

// providerKeyEnv names the API key variable of each model provider.
var providerKeyEnv = map[string]string{
	"openai": "OPENAI_API_KEY",
	"gemini": "GEMINI_API_KEY",
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("CALCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		envs := append([]string{"CALCLAW_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		v.BindEnv(append([]string{key}, envs...)...)
	}
	return v
}

// Load reads the config at path, writing a defaults file first if none
// exists. Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := writeDefaults(path); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	if env, ok := providerKeyEnv[cfg.LLM.Provider]; ok && os.Getenv("CALCLAW_LLM_API_KEY") == "" {
		if key := os.Getenv(env); key != "" {
			cfg.LLM.APIKey = key
		}
	}
	return cfg, nil
}

// Defaults returns the built-in configuration, ignoring file and env.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

func writeDefaults(path string) error {
	return Save(path, Defaults())
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	m, err := ToMap(cfg)
	if err != nil {
		return err
	}
	return writeMap(path, m)
}

func writeMap(path string, m map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to nested maps keyed like the YAML file. Durations
// become strings such as "30s".
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	m := make(map[string]any)
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every setting as a flat dot-separated map, with
// secrets masked when mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the effective value of key from the config at path.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	if v, ok := flat[key]; ok {
		return v, nil
	}
	// Keys set by hand that the Config struct does not know.
	raw, err := readFileMap(path)
	if err != nil {
		return nil, err
	}
	if v, ok := Flatten(raw)[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown config key: %s", key)
}

// SetValue sets key in the existing config file at path. The value is
// stored as an integer, float or boolean when it parses as one.
func SetValue(path, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("config key is required")
	}
	raw, err := readFileMap(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)
	flat[key] = parseValue(value)
	return writeMap(path, Unflatten(flat))
}

func readFileMap(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

func parseValue(s string) any {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
