// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

// Package config loads epss-watch settings from a YAML file, a .env file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by history.backend.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

// Environment variables read after the config file.
const (
	EnvNVDAPIKey  = "NVD_API_KEY"
	EnvWebhookURL = "EPSS_WATCH_WEBHOOK_URL"
	EnvDataDir    = "EPSS_WATCH_DATA_DIR"
)

// Config is the complete runtime configuration.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	Feed    FeedConfig    `yaml:"feed"`
	Run     RunConfig     `yaml:"run"`
	History HistoryConfig `yaml:"history"`
	NVD     NVDConfig     `yaml:"nvd"`
	Webhook WebhookConfig `yaml:"webhook"`
	KEV     KEVConfig     `yaml:"kev"`
	Log     LogConfig     `yaml:"log"`
}

type FeedConfig struct {
	// MinScore is exclusive.
	MinScore   float64       `yaml:"min_score"`
	Pattern    string        `yaml:"pattern"`
	BaseURL    string        `yaml:"base_url"`
	CacheDir   string        `yaml:"cache_dir"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	SkipUpdate bool          `yaml:"skip_update"`
}

type RunConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	IncreaseThreshold float64       `yaml:"increase_threshold"`
	RequestDelay      time.Duration `yaml:"request_delay"`
	CarryForward      bool          `yaml:"carry_forward"`
	Language          string        `yaml:"language"`
}

type HistoryConfig struct {
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	Bucket   string `yaml:"bucket"`
	Key      string `yaml:"key"`
	Region   string `yaml:"region"`
	LockFile string `yaml:"lock_file"`
}

type NVDConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

type WebhookConfig struct {
	URL string `yaml:"url"`
}

type KEVConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration rooted at DefaultDataDir.
// Paths left empty are derived from DataDir by Resolve.
func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			MinScore: 0.5,
			Pattern:  `^CVE-\d{4}-\d{4,}$`,
			CacheTTL: 24 * time.Hour,
		},
		Run: RunConfig{
			BatchSize:         20,
			IncreaseThreshold: 0.20,
			RequestDelay:      6 * time.Second,
			CarryForward:      true,
			Language:          "en",
		},
		History: HistoryConfig{
			Backend: BackendFile,
			Key:     "epss-watch/history.json",
		},
		NVD: NVDConfig{
			Timeout: 60 * time.Second,
			Retries: 3,
		},
		KEV: KEVConfig{Enabled: true},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds a Config from the defaults, then path (if non-empty), then
// envFile (if it exists), then the process environment. A missing config file
// named explicitly is an error; a missing .env file is not.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if envFile != "" {
		// godotenv never overrides variables already set in the environment.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and locations from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvNVDAPIKey); ok && v != "" {
		c.NVD.APIKey = v
	}
	if v, ok := lookup(EnvWebhookURL); ok && v != "" {
		c.Webhook.URL = v
	}
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.DataDir = v
	}
}

// Resolve fills empty paths from DataDir.
func (c *Config) Resolve() error {
	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	if c.Feed.CacheDir == "" {
		c.Feed.CacheDir = filepath.Join(c.DataDir, "cache")
	}
	if c.History.Path == "" {
		name := "history.json"
		if c.History.Backend == BackendSQLite {
			name = "history.db"
		}
		c.History.Path = filepath.Join(c.DataDir, name)
	}
	if c.History.LockFile == "" {
		c.History.LockFile = filepath.Join(c.DataDir, "epss-watch.lock")
	}
	return nil
}

// DefaultDataDir returns $XDG_DATA_HOME/epss-watch, or
// ~/.local/share/epss-watch when XDG_DATA_HOME is unset.
func DefaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "epss-watch"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "epss-watch"), nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Feed.MinScore < 0 || c.Feed.MinScore > 1 {
		return fmt.Errorf("feed.min_score must be within [0, 1], got %g", c.Feed.MinScore)
	}
	if _, err := regexp.Compile(c.Feed.Pattern); err != nil {
		return fmt.Errorf("feed.pattern: %w", err)
	}
	if c.Feed.CacheTTL <= 0 {
		return fmt.Errorf("feed.cache_ttl must be positive, got %s", c.Feed.CacheTTL)
	}
	if c.Run.BatchSize <= 0 {
		return fmt.Errorf("run.batch_size must be positive, got %d", c.Run.BatchSize)
	}
	if c.Run.IncreaseThreshold <= 0 {
		return fmt.Errorf("run.increase_threshold must be positive, got %g", c.Run.IncreaseThreshold)
	}
	if c.Run.RequestDelay < 0 {
		return fmt.Errorf("run.request_delay must not be negative, got %s", c.Run.RequestDelay)
	}
	if c.NVD.Retries < 0 {
		return fmt.Errorf("nvd.retries must not be negative, got %d", c.NVD.Retries)
	}

	switch c.History.Backend {
	case BackendFile, BackendSQLite:
		if c.History.Path == "" {
			return fmt.Errorf("history.path is required for the %s backend", c.History.Backend)
		}
	case BackendS3:
		if c.History.Bucket == "" || c.History.Key == "" {
			return errors.New("history.bucket and history.key are required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown history backend: %q", c.History.Backend)
	}
	return nil
}
