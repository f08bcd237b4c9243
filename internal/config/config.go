package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// APIConfig holds settings for the remote mail API.
type APIConfig struct {
	// BaseURL is the root URL of the mail API.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// TimeoutSec is the per-request HTTP timeout in seconds.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// SyncConfig holds settings for the incremental sync engine.
type SyncConfig struct {
	// PollIntervalSec is how often (in seconds) the orchestrator
	// re-checks the event log when idle.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// PageSize is the number of items fetched per mailbox page.
	PageSize int `mapstructure:"page_size" yaml:"page_size"`

	// MaxPages caps how many pages a single fresh load walks.
	MaxPages int `mapstructure:"max_pages" yaml:"max_pages"`
}

// StorageConfig holds paths for the on-disk cache and queue.
type StorageConfig struct {
	// DBPath is the sqlite database holding the mailbox cache.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// QueuePath is the durable mutation queue file.
	QueuePath string `mapstructure:"queue_path" yaml:"queue_path"`
}

// Config is the top-level application configuration.
type Config struct {
	API     APIConfig     `mapstructure:"api" yaml:"api"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
}

// Timeout returns the per-request HTTP timeout as a duration.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalSec) * time.Second
}

// DefaultConfigPath returns the default path for the configuration
// file, located at ~/.config/mailcache/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailcache", "config.yaml")
}

func defaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		API: APIConfig{
			BaseURL:    "https://mail.example.com/api",
			TimeoutSec: 30,
		},
		Sync: SyncConfig{
			PollIntervalSec: 30,
			PageSize:        50,
			MaxPages:        2,
		},
		Storage: StorageConfig{
			DBPath:    filepath.Join(dataDir, "mailbox.db"),
			QueuePath: filepath.Join(dataDir, "pending-mutations.json"),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "mailcache")
}

// Load reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns the default configuration.
// MAILCACHE_* environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailcache")
	v.AutomaticEnv()

	dataDir := defaultDataDir()
	v.SetDefault("api.base_url", "https://mail.example.com/api")
	v.SetDefault("api.timeout_sec", 30)
	v.SetDefault("sync.poll_interval_sec", 30)
	v.SetDefault("sync.page_size", 50)
	v.SetDefault("sync.max_pages", 2)
	v.SetDefault("storage.db_path", filepath.Join(dataDir, "mailbox.db"))
	v.SetDefault("storage.queue_path", filepath.Join(dataDir, "pending-mutations.json"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Sync.PollIntervalSec <= 0 {
		cfg.Sync.PollIntervalSec = 30
	}
	if cfg.Sync.PageSize <= 0 {
		cfg.Sync.PageSize = 50
	}
	if cfg.Sync.MaxPages <= 0 {
		cfg.Sync.MaxPages = 2
	}

	return cfg, nil
}
