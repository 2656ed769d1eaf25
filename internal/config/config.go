// Package config loads the daemon configuration from a YAML file with
// environment overrides. A missing file yields pure defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost   = "0.0.0.0"
	DefaultPort   = 8080
	DefaultDBPath = "gmb-sync.db"
)

// Config is the resolved daemon configuration.
type Config struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	DBPath string `yaml:"db_path"`

	Google GoogleConfig `yaml:"google"`
	Sync   SyncConfig   `yaml:"sync"`
}

// GoogleConfig holds the OAuth client pair. Env always wins so secrets can
// stay out of the file.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// SyncConfig holds the engine policy knobs as duration strings
// ("60m", "5s"). Zero values keep the built-in defaults.
type SyncConfig struct {
	MinRefreshInterval string `yaml:"min_refresh_interval"`
	InterCallDelay     string `yaml:"inter_call_delay"`
	LockTTL            string `yaml:"lock_ttl"`
}

// Load reads the config file (explicit path, or the first candidate found)
// and applies environment overrides. A missing file is not an error.
func Load(explicitPath string) (*Config, error) {
	cfg := &Config{
		Host:   DefaultHost,
		Port:   DefaultPort,
		DBPath: DefaultDBPath,
	}

	path, err := resolvePath(explicitPath)
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	return cfg, nil
}

func resolvePath(explicitPath string) (string, error) {
	if explicit := strings.TrimSpace(explicitPath); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}
	if explicit := strings.TrimSpace(os.Getenv("GMB_CONFIG_FILE")); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/gmb-sync.yaml",
		"/etc/gmb-sync/config.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "gmb-sync", "config.yaml"))
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("GMB_HOST")); v != "" {
		cfg.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("GMB_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("GMB_DB_PATH")); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("GMB_CLIENT_ID")); v != "" {
		cfg.Google.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("GMB_CLIENT_SECRET")); v != "" {
		cfg.Google.ClientSecret = v
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Duration parses one of the sync duration knobs, falling back to the given
// default on absence or parse failure.
func Duration(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
