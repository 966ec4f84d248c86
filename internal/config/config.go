package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Agent     AgentConfig     `mapstructure:"agent"`
	Slack     SlackConfig     `mapstructure:"slack"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Media     MediaConfig     `mapstructure:"media"`
	Storage   StorageConfig   `mapstructure:"storage"`
	History   HistoryConfig   `mapstructure:"history"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// AgentConfig holds the language-model agent configuration
type AgentConfig struct {
	Provider     string        `mapstructure:"provider"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SlackConfig holds the Slack Socket Mode configuration
type SlackConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	AppToken string `mapstructure:"app_token"`
	BaseURL  string `mapstructure:"base_url"`
}

// TelegramConfig holds the Telegram bot configuration
type TelegramConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Token       string        `mapstructure:"token"`
	BaseURL     string        `mapstructure:"base_url"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// MediaConfig bounds image downloads
type MediaConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxBytes int64         `mapstructure:"max_bytes"`
}

// StorageConfig holds the SQLite location
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// HistoryConfig controls write-through of conversation turns
type HistoryConfig struct {
	Persist bool `mapstructure:"persist"`
}

// DashboardConfig holds the dashboard HTTP server configuration
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Addr returns the dashboard listen address.
func (d DashboardConfig) Addr() string {
	return fmt.Sprintf("%s:%s", d.Host, d.Port)
}

const envPrefix = "NAEHRWERK"

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.provider", "mistral")
	v.SetDefault("agent.base_url", "https://api.mistral.ai/v1")
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.model", "mistral-large-latest")
	v.SetDefault("agent.system_prompt", "")
	v.SetDefault("agent.timeout", 60*time.Second)

	v.SetDefault("slack.enabled", false)
	v.SetDefault("slack.bot_token", "")
	v.SetDefault("slack.app_token", "")
	v.SetDefault("slack.base_url", "https://slack.com/api")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.base_url", "https://api.telegram.org")
	v.SetDefault("telegram.poll_timeout", 30*time.Second)

	v.SetDefault("media.timeout", 30*time.Second)
	v.SetDefault("media.max_bytes", 20*1024*1024)

	v.SetDefault("storage.path", "naehrwerk.db")
	v.SetDefault("history.persist", false)

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.host", "0.0.0.0")
	v.SetDefault("dashboard.port", "5000")

	v.SetDefault("log.level", "info")
}

// Variables used by the original deployment keep working next to the prefixed ones.
var legacyEnv = map[string]string{
	"agent.api_key":   "MISTRAL_API_KEY",
	"agent.model":     "AGENT_ID",
	"slack.bot_token": "SLACK_BOT_TOKEN",
	"slack.app_token": "SLACK_APP_TOKEN",
	"telegram.token":  "TELEGRAM_BOT_TOKEN",
	"dashboard.port":  "PORT",
	"storage.path":    "DATABASE_PATH",
}

// Load loads the configuration from config.yaml (or the file named by CONFIG_PATH)
// and overlays environment variables. A missing config.yaml is not an error.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &config, nil
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.APIKey == "" {
		errs = append(errs, errors.New("agent.api_key is required"))
	}
	if c.Agent.Model == "" {
		errs = append(errs, errors.New("agent.model is required"))
	}
	if c.Slack.Enabled {
		if c.Slack.BotToken == "" {
			errs = append(errs, errors.New("slack.bot_token is required when slack is enabled"))
		}
		if c.Slack.AppToken == "" {
			errs = append(errs, errors.New("slack.app_token is required when slack is enabled"))
		}
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required when telegram is enabled"))
	}
	if !c.Slack.Enabled && !c.Telegram.Enabled {
		errs = append(errs, errors.New("at least one of slack or telegram must be enabled"))
	}
	return errors.Join(errs...)
}
