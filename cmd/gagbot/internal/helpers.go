package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tinyland-inc/gagbot/pkg/config"
	"github.com/tinyland-inc/gagbot/pkg/logger"
	"github.com/tinyland-inc/gagbot/pkg/store"
)

const Logo = "🎭"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// GetConfigPath returns $GAGBOT_CONFIG or ~/.gagbot/config.json.
func GetConfigPath() string {
	if p := os.Getenv("GAGBOT_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gagbot", "config.json")
}

func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(GetConfigPath())
}

// SetupLogging applies the configured level and optional log file.
func SetupLogging(cfg *config.Config, debug bool) error {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if debug {
		logger.SetLevel(logger.DEBUG)
	}
	if path := cfg.LogFile(); path != "" {
		if err := logger.EnableFileLogging(path); err != nil {
			return fmt.Errorf("error enabling file logging: %w", err)
		}
	}
	return nil
}

// OpenStore opens the configured database, creating its directory.
func OpenStore(cfg *config.Config) (*store.Store, error) {
	path := cfg.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("error creating data directory: %w", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	return st, nil
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

// GetVersion returns the version string
func GetVersion() string {
	return version
}
