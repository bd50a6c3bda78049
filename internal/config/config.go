// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config holds the application configuration.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Supervisor SupervisorConfig `json:"supervisor" yaml:"supervisor"`
	Watchdog   WatchdogConfig   `json:"watchdog" yaml:"watchdog"`
	Lock       LockConfig       `json:"lock" yaml:"lock"`
	Notify     NotifyConfig     `json:"notify" yaml:"notify"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// SupervisorConfig holds admission and spawn configuration.
type SupervisorConfig struct {
	StorePath     string `json:"store_path" yaml:"store_path"`
	LogDir        string `json:"log_dir" yaml:"log_dir"`
	WorkerCommand string `json:"worker_command" yaml:"worker_command"`
	RoleTag       string `json:"role_tag" yaml:"role_tag"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
	MinFreeGB     int    `json:"min_free_gb" yaml:"min_free_gb"`
	AdmitWait     string `json:"admit_wait" yaml:"admit_wait"`
}

// WatchdogConfig holds sweep configuration.
type WatchdogConfig struct {
	Interval         string `json:"interval" yaml:"interval"`
	MaxWorkers       int    `json:"max_workers" yaml:"max_workers"`
	SessionDir       string `json:"session_dir" yaml:"session_dir"`
	SessionPattern   string `json:"session_pattern" yaml:"session_pattern"`
	SessionRetention int    `json:"session_retention" yaml:"session_retention"`
	BuildTag         string `json:"build_tag" yaml:"build_tag"`
	BuildAgeLimit    string `json:"build_age_limit" yaml:"build_age_limit"`
	BuildAgeExtended string `json:"build_age_extended" yaml:"build_age_extended"`
	CriticalFreeGB   int    `json:"critical_free_gb" yaml:"critical_free_gb"`
	FlagPath         string `json:"flag_path" yaml:"flag_path"`
	FlagStaleAfter   string `json:"flag_stale_after" yaml:"flag_stale_after"`
	HealthURL        string `json:"health_url" yaml:"health_url"`
	RestartCommand   string `json:"restart_command" yaml:"restart_command"`
	ActionLog        string `json:"action_log" yaml:"action_log"`
}

// LockConfig holds lock broker defaults.
type LockConfig struct {
	Timeout string `json:"timeout" yaml:"timeout"`
}

// NotifyConfig holds operator notification configuration.
type NotifyConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	wardenDir := filepath.Join(home, ".warden")

	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8710,
		},
		Supervisor: SupervisorConfig{
			StorePath:     filepath.Join(wardenDir, "tasks.json"),
			LogDir:        filepath.Join(wardenDir, "logs"),
			WorkerCommand: "claude",
			RoleTag:       "claude",
			MaxConcurrent: 2,
			MinFreeGB:     4,
			AdmitWait:     "10m",
		},
		Watchdog: WatchdogConfig{
			Interval:         "60s",
			MaxWorkers:       6,
			SessionDir:       filepath.Join(wardenDir, "sessions"),
			SessionPattern:   "session-*.json",
			SessionRetention: 20,
			BuildTag:         "npm run build",
			BuildAgeLimit:    "300s",
			BuildAgeExtended: "600s",
			CriticalFreeGB:   2,
			FlagPath:         filepath.Join(wardenDir, "protected.flag"),
			FlagStaleAfter:   "30m",
			HealthURL:        "",
			RestartCommand:   "",
			ActionLog:        filepath.Join(wardenDir, "warden-actions.log"),
		},
		Lock: LockConfig{
			Timeout: "120s",
		},
		Notify: NotifyConfig{},
	}
}

// Load loads configuration from a file (supports JSON and YAML).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	baseDir := ""

	if path == "" {
		home, _ := os.UserHomeDir()
		yamlPath := filepath.Join(home, ".warden", "config.yaml")
		jsonPath := filepath.Join(home, ".warden", "config.json")

		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
			baseDir = filepath.Dir(path)
		} else if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
			baseDir = filepath.Dir(path)
		} else {
			return cfg, nil
		}
	} else {
		baseDir = filepath.Dir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	isYAML := strings.HasSuffix(strings.ToLower(path), ".yaml") || strings.HasSuffix(strings.ToLower(path), ".yml")

	if isYAML {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	// Paths from the config file resolve relative to the file's directory.
	cfg.Supervisor.StorePath = resolvePath(cfg.Supervisor.StorePath, baseDir)
	cfg.Supervisor.LogDir = resolvePath(cfg.Supervisor.LogDir, baseDir)
	cfg.Watchdog.SessionDir = resolvePath(cfg.Watchdog.SessionDir, baseDir)
	cfg.Watchdog.FlagPath = resolvePath(cfg.Watchdog.FlagPath, baseDir)
	cfg.Watchdog.ActionLog = resolvePath(cfg.Watchdog.ActionLog, baseDir)

	return cfg, nil
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".warden", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		rest := path[2:]
		return filepath.Join(home, rest)
	}
	// We intentionally don't expand "~user/..." forms.
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) {
		return p
	}
	if baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
