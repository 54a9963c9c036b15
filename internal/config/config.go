// Package config loads the orchestrator's config.yaml and applies defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danhicks853/theappapp-sub002/internal/otel"
)

// QueueConfig controls the task queue.
type QueueConfig struct {
	// PayloadSchemaFile points at a JSON Schema applied to task payloads on
	// enqueue. Empty disables payload validation.
	PayloadSchemaFile string `yaml:"payload_schema_file"`
}

// SnapshotConfig controls periodic project snapshots.
type SnapshotConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron expression. Empty uses DefaultSnapshotSchedule.
	Schedule string `yaml:"schedule"`
	// Projects lists project ids to snapshot. Empty snapshots nothing.
	Projects []string `yaml:"projects"`
}

// GateConfig controls polling of the external gate/approval service.
type GateConfig struct {
	BaseURL             string `yaml:"base_url"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	AuthTokenEnv        string `yaml:"auth_token_env"`
}

// DatabaseConfig controls the SQLite store.
type DatabaseConfig struct {
	// Path of the database file. Empty uses HomeDir/orchestrator.db.
	Path string `yaml:"path"`
}

const (
	DefaultSnapshotSchedule = "0 * * * *" // hourly
	DefaultGatePollSeconds  = 5
	DefaultGateTimeout      = 10 * time.Second
)

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Gate     GateConfig     `yaml:"gate"`
	OTel     otel.Config    `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DefaultHomeDir returns ~/.orchestrator, falling back to the working
// directory when the home directory cannot be resolved.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".orchestrator"
	}
	return filepath.Join(home, ".orchestrator")
}

// Load reads config.yaml under homeDir. A missing file yields defaults.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := &Config{HomeDir: homeDir}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	cfg.HomeDir = homeDir
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.HomeDir, "orchestrator.db")
	}
	if c.Snapshot.Schedule == "" {
		c.Snapshot.Schedule = DefaultSnapshotSchedule
	}
	if c.Gate.PollIntervalSeconds <= 0 {
		c.Gate.PollIntervalSeconds = DefaultGatePollSeconds
	}
	if c.Gate.TimeoutSeconds <= 0 {
		c.Gate.TimeoutSeconds = int(DefaultGateTimeout / time.Second)
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q: must be debug, info, warn or error", c.LogLevel)
	}
	if c.Gate.BaseURL != "" && !strings.HasPrefix(c.Gate.BaseURL, "http://") && !strings.HasPrefix(c.Gate.BaseURL, "https://") {
		return fmt.Errorf("gate.base_url %q: must be an http(s) URL", c.Gate.BaseURL)
	}
	return nil
}

// GateAuthToken resolves the gate service token from the configured env var.
func (c *Config) GateAuthToken() string {
	if c.Gate.AuthTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Gate.AuthTokenEnv)
}

// Save writes the config back to config.yaml.
func (c *Config) Save() error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(c.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	return os.WriteFile(ConfigPath(c.HomeDir), out, 0o644)
}
