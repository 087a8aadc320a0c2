// Package config loads care-companion settings from YAML, environment
// variables and defaults, and hot-reloads the runtime-tunable subset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/care-companion/internal/model"
)

// Config is the full application configuration.
type Config struct {
	DBPath     string           `yaml:"db_path"`
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Context    ContextConfig    `yaml:"context"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Emergency  EmergencyConfig  `yaml:"emergency"`
	Alert      AlertConfig      `yaml:"alert"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Events     EventsConfig     `yaml:"events"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type PipelineConfig struct {
	Workers   int `yaml:"workers" validate:"min=1,max=64"`
	QueueSize int `yaml:"queue_size" validate:"min=1"`
}

type ContextConfig struct {
	MaxTurns        int           `yaml:"max_turns" validate:"min=1,max=500"`
	MaxChars        int           `yaml:"max_chars" validate:"min=200"`
	ReminderHorizon time.Duration `yaml:"reminder_horizon" validate:"gt=0"`
	EventLookback   time.Duration `yaml:"event_lookback" validate:"gte=0"`
	EventLookahead  time.Duration `yaml:"event_lookahead" validate:"gte=0"`
	AdherenceWindow time.Duration `yaml:"adherence_window" validate:"gt=0"`
}

type ClassifierConfig struct {
	Provider string        `yaml:"provider" validate:"oneof=rules openai anthropic http"`
	Model    string        `yaml:"model"`
	Endpoint string        `yaml:"endpoint" validate:"required_if=Provider http"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
}

type EmergencyConfig struct {
	Threshold    string        `yaml:"threshold" validate:"oneof=low medium high"`
	ActionWindow time.Duration `yaml:"action_window" validate:"gt=0"`
}

type AlertConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"min=1,max=20"`
	BaseBackoff time.Duration `yaml:"base_backoff" validate:"gt=0"`
	MaxBackoff  time.Duration `yaml:"max_backoff" validate:"gtefield=BaseBackoff"`
	Multiplier  float64       `yaml:"multiplier" validate:"gte=1"`
	Jitter      float64       `yaml:"jitter" validate:"gte=0,lte=1"`
	DedupWindow time.Duration `yaml:"dedup_window" validate:"gt=0"`
	Channels    []string      `yaml:"channels" validate:"min=1,dive,oneof=telegram app log"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	APIBase  string `yaml:"api_base" validate:"omitempty,url"`
}

type SchedulerConfig struct {
	Tick               time.Duration `yaml:"tick" validate:"gt=0"`
	Timezone           string        `yaml:"timezone"`
	AdherenceThreshold float64       `yaml:"adherence_threshold" validate:"gte=0,lte=1"`
	Concurrency        int           `yaml:"concurrency" validate:"min=1,max=64"`
}

type EventsConfig struct {
	EventBridgeBus string `yaml:"eventbridge_bus"`
	Source         string `yaml:"source"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DBPath:   filepath.Join(home, ".care-companion", "care.db"),
		Log:      LogConfig{Level: "info", Format: "json"},
		HTTP:     HTTPConfig{Addr: ":8080"},
		Pipeline: PipelineConfig{Workers: 4, QueueSize: 256},
		Context: ContextConfig{
			MaxTurns:        20,
			MaxChars:        6000,
			ReminderHorizon: 4 * time.Hour,
			EventLookback:   30 * 24 * time.Hour,
			EventLookahead:  7 * 24 * time.Hour,
			AdherenceWindow: 7 * 24 * time.Hour,
		},
		Classifier: ClassifierConfig{
			Provider: "rules",
			Timeout:  10 * time.Second,
		},
		Emergency: EmergencyConfig{
			Threshold:    string(model.SeverityMedium),
			ActionWindow: 2 * time.Minute,
		},
		Alert: AlertConfig{
			MaxAttempts: 5,
			BaseBackoff: time.Second,
			MaxBackoff:  30 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
			DedupWindow: 24 * time.Hour,
			Channels:    []string{"telegram", "app"},
		},
		Telegram: TelegramConfig{APIBase: "https://api.telegram.org"},
		Scheduler: SchedulerConfig{
			Tick:               30 * time.Second,
			Timezone:           "Local",
			AdherenceThreshold: 0.8,
			Concurrency:        4,
		},
		Events: EventsConfig{Source: "care-companion"},
	}
}

// Load reads configuration from path (optional), then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString("CARE_DB", &cfg.DBPath)
	setString("CARE_LOG_LEVEL", &cfg.Log.Level)
	setString("CARE_LOG_FORMAT", &cfg.Log.Format)
	setString("CARE_HTTP_ADDR", &cfg.HTTP.Addr)
	setString("CARE_CLASSIFIER_PROVIDER", &cfg.Classifier.Provider)
	setString("CARE_CLASSIFIER_MODEL", &cfg.Classifier.Model)
	setString("CARE_CLASSIFIER_ENDPOINT", &cfg.Classifier.Endpoint)
	setDuration("CARE_CLASSIFIER_TIMEOUT", &cfg.Classifier.Timeout)
	setString("CARE_EMERGENCY_THRESHOLD", &cfg.Emergency.Threshold)
	setDuration("CARE_ACTION_WINDOW", &cfg.Emergency.ActionWindow)
	setString("TELEGRAM_BOT_TOKEN", &cfg.Telegram.BotToken)
	setString("CARE_TIMEZONE", &cfg.Scheduler.Timezone)
	setDuration("CARE_SCHEDULER_TICK", &cfg.Scheduler.Tick)
	setString("CARE_EVENTBRIDGE_BUS", &cfg.Events.EventBridgeBus)

	if v := os.Getenv("CARE_PIPELINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("CARE_ALERT_CHANNELS"); v != "" {
		var channels []string
		for _, ch := range strings.Split(v, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				channels = append(channels, ch)
			}
		}
		cfg.Alert.Channels = channels
	}

	if cfg.Classifier.APIKey == "" {
		switch cfg.Classifier.Provider {
		case "openai":
			cfg.Classifier.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			cfg.Classifier.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
}

var validate = validator.New()

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Classifier.Provider == "openai" || c.Classifier.Provider == "anthropic" {
		if c.Classifier.APIKey == "" {
			return fmt.Errorf("classifier provider %s needs an api key", c.Classifier.Provider)
		}
	}
	return nil
}

// Threshold returns the emergency severity threshold.
func (c *Config) Threshold() model.Severity {
	sev, err := model.ParseSeverity(c.Emergency.Threshold)
	if err != nil {
		return model.SeverityMedium
	}
	return sev
}

// Location resolves the scheduler timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}

// Channels returns the configured alert channels.
func (c *Config) Channels() []model.Channel {
	out := make([]model.Channel, 0, len(c.Alert.Channels))
	for _, ch := range c.Alert.Channels {
		out = append(out, model.Channel(ch))
	}
	return out
}
