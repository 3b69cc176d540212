// Package config loads the already-validated configuration object the
// engine expects. Parsing the on-disk YAML and the interactive setup
// wizard are external collaborators; this package is the one
// concrete loader a runnable binary needs, built the way the reference
// engine builds its viper-based loader.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Monitor is one entry under monitors[].
type Monitor struct {
	Type     string   `mapstructure:"type"` // file, pid, journal
	Path     string   `mapstructure:"path"`
	PID      int      `mapstructure:"pid"`
	Unit     string   `mapstructure:"unit"`
	Keywords []string `mapstructure:"keywords"`
	Name     string   `mapstructure:"name"`
}

// Stage is one entry under process.stages[].
type Stage struct {
	Name         string `mapstructure:"name"`
	Weight       int    `mapstructure:"weight"`
	StartPattern string `mapstructure:"start_pattern"`
}

// Config is the parsed, validated configuration the engine is built from.
type Config struct {
	Telegram struct {
		BotToken string `mapstructure:"bot_token"`
		ChatID   string `mapstructure:"chat_id"`
	} `mapstructure:"telegram"`

	LLM struct {
		Provider string `mapstructure:"provider"`
		APIKey   string `mapstructure:"api_key"`
		Model    string `mapstructure:"model"`
	} `mapstructure:"llm"`

	Notification struct {
		RateLimitPerHour int      `mapstructure:"rate_limit_per_hour"`
		DebounceSeconds  int      `mapstructure:"debounce_seconds"`
		SeverityLevels   []string `mapstructure:"severity_levels"`
	} `mapstructure:"notification"`

	Monitors []Monitor `mapstructure:"monitors"`

	Process struct {
		Name                    string   `mapstructure:"name"`
		Stages                  []Stage  `mapstructure:"stages"`
		ExpectedDurationMinutes float64  `mapstructure:"expected_duration_minutes"`
		TerminalPattern         string   `mapstructure:"terminal_pattern"`
		ProgressPatterns        []string `mapstructure:"progress_patterns"`
	} `mapstructure:"process"`

	Anomaly struct {
		SpikeThreshold float64 `mapstructure:"spike_threshold"`
		StallSeconds   int     `mapstructure:"stall_seconds"`
	} `mapstructure:"anomaly"`

	Turbo bool `mapstructure:"turbo"`

	StatusAPI struct {
		Addr string `mapstructure:"addr"` // empty disables the surface
	} `mapstructure:"status_api"`
}

// Load reads and validates configuration from the file at path, falling
// back to TELEWATCH_-prefixed environment variables for any unset key.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TELEWATCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("notification.rate_limit_per_hour", 10)
	v.SetDefault("notification.debounce_seconds", 300)
	v.SetDefault("notification.severity_levels", []string{"info", "warning", "critical"})
	v.SetDefault("anomaly.spike_threshold", 3.0)
	v.SetDefault("anomaly.stall_seconds", 300)
	v.SetDefault("turbo", false)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the required fields and value ranges.
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" || c.Telegram.ChatID == "" {
		return errors.New("config: telegram.bot_token and telegram.chat_id are required")
	}
	if len(c.Monitors) == 0 {
		return errors.New("config: at least one monitors[] entry is required")
	}
	for i, m := range c.Monitors {
		switch m.Type {
		case "file":
			if m.Path == "" {
				return fmt.Errorf("config: monitors[%d]: file source requires path", i)
			}
		case "pid":
			if m.PID == 0 {
				return fmt.Errorf("config: monitors[%d]: pid source requires pid", i)
			}
		case "journal":
			if m.Unit == "" {
				return fmt.Errorf("config: monitors[%d]: journal source requires unit", i)
			}
		default:
			return fmt.Errorf("config: monitors[%d]: unknown type %q", i, m.Type)
		}
	}
	for i, s := range c.Process.Stages {
		if s.Weight <= 0 {
			return fmt.Errorf("config: process.stages[%d]: weight must be positive", i)
		}
	}
	if c.Notification.RateLimitPerHour <= 0 {
		return errors.New("config: notification.rate_limit_per_hour must be positive")
	}
	if c.Notification.DebounceSeconds < 0 {
		return errors.New("config: notification.debounce_seconds must not be negative")
	}
	if c.Anomaly.SpikeThreshold <= 0 {
		return errors.New("config: anomaly.spike_threshold must be positive")
	}
	if c.Anomaly.StallSeconds <= 0 {
		return errors.New("config: anomaly.stall_seconds must be positive")
	}
	return nil
}
