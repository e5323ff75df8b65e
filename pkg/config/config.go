package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrNoToken is returned by Validate when no Discord bot token is set.
var ErrNoToken = errors.New("discord token not configured")

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Discord  DiscordConfig  `json:"discord"`
	Storage  StorageConfig  `json:"storage"`
	Promote  PromoteConfig  `json:"promote"`
	Schedule ScheduleConfig `json:"schedule"`
	Log      LogConfig      `json:"log"`
}

type DiscordConfig struct {
	Token     string              `env:"GAGBOT_DISCORD_TOKEN"      json:"token"`
	Prefix    string              `env:"GAGBOT_DISCORD_PREFIX"     json:"prefix"`
	AllowFrom FlexibleStringSlice `env:"GAGBOT_DISCORD_ALLOW_FROM" json:"allow_from"`
}

type StorageConfig struct {
	DatabasePath string `env:"GAGBOT_STORAGE_DATABASE_PATH" json:"database_path"`
}

type PromoteConfig struct {
	ConfirmTimeoutSeconds int `env:"GAGBOT_PROMOTE_CONFIRM_TIMEOUT_SECONDS" json:"confirm_timeout_seconds"`
	HistoryPageSize       int `env:"GAGBOT_PROMOTE_HISTORY_PAGE_SIZE"       json:"history_page_size"`
	HistoryMaxPages       int `env:"GAGBOT_PROMOTE_HISTORY_MAX_PAGES"       json:"history_max_pages"`
	RunHistory            int `env:"GAGBOT_PROMOTE_RUN_HISTORY"             json:"run_history"`
}

// ConfirmTimeout is the confirmation window as a duration. Zero means the
// default.
func (p PromoteConfig) ConfirmTimeout() time.Duration {
	return time.Duration(p.ConfirmTimeoutSeconds) * time.Second
}

type ScheduleConfig struct {
	Enabled bool `env:"GAGBOT_SCHEDULE_ENABLED" json:"enabled"`
}

type LogConfig struct {
	Level string `env:"GAGBOT_LOG_LEVEL" json:"level"`
	File  string `env:"GAGBOT_LOG_FILE"  json:"file,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Discord: DiscordConfig{
			Prefix:    "!",
			AllowFrom: FlexibleStringSlice{},
		},
		Storage: StorageConfig{
			DatabasePath: "~/.gagbot/gagbot.sqlite",
		},
		Promote: PromoteConfig{
			ConfirmTimeoutSeconds: 300,
			HistoryPageSize:       100,
			HistoryMaxPages:       50,
			RunHistory:            100,
		},
		Schedule: ScheduleConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path over DefaultConfig and applies GAGBOT_ environment
// overrides. A missing file yields the defaults plus overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks what the bot needs before connecting.
func (c *Config) Validate() error {
	if c.Discord.Token == "" {
		return ErrNoToken
	}
	if c.Discord.Prefix == "" {
		return errors.New("discord command prefix must not be empty")
	}
	if c.Storage.DatabasePath == "" {
		return errors.New("storage database_path must not be empty")
	}
	return nil
}

// DatabasePath returns the database path with ~ expanded.
func (c *Config) DatabasePath() string {
	return expandHome(c.Storage.DatabasePath)
}

// LogFile returns the log file path with ~ expanded, or "".
func (c *Config) LogFile() string {
	return expandHome(c.Log.File)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
