// Package config loads server configuration from a jsonc file, .env and
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// Config holds the server settings.
type Config struct {
	// Port the HTTP server listens on.
	Port int `json:"port"`
	// DataDir holds the SQLite database and config files.
	DataDir string `json:"dataDir"`
	// Model is the default model identifier for new sessions.
	Model string `json:"model"`
	// LogLevel: DEBUG, INFO, WARN, ERROR, FATAL.
	LogLevel string `json:"logLevel"`
	// SchedulerIntervalSeconds overrides the scheduler tick period.
	SchedulerIntervalSeconds int `json:"schedulerIntervalSeconds"`
}

// Default returns the built-in defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Port:     4923,
		DataDir:  filepath.Join(home, ".localdesk"),
		LogLevel: "INFO",
	}
}

// Load builds the configuration: defaults, then the first of
// localdesk.json / localdesk.jsonc found in dir, then .env, then
// LOCALDESK_* environment variables (highest priority).
func Load(dir string) (*Config, error) {
	cfg := Default()
	if dir != "" {
		cfg.DataDir = dir
	}

	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	for _, name := range []string{"localdesk.json", "localdesk.jsonc"} {
		path := filepath.Join(cfg.DataDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		break
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// SchedulerInterval returns the configured tick period, or zero for the
// scheduler's default.
func (c *Config) SchedulerInterval() time.Duration {
	if c.SchedulerIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}

// DatabasePath is the SQLite file inside the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "localdesk.db")
}

func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("LOCALDESK_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if dir := os.Getenv("LOCALDESK_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if model := os.Getenv("LOCALDESK_MODEL"); model != "" {
		cfg.Model = model
	}
	if level := os.Getenv("LOCALDESK_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
}
