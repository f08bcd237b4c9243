package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("loading missing config: %v", err)
	}

	if cfg.API.BaseURL == "" {
		t.Errorf("expected a default API base URL")
	}
	if cfg.API.Timeout() != 30*time.Second {
		t.Errorf("API timeout = %v, want 30s", cfg.API.Timeout())
	}
	if cfg.PollInterval() != 30*time.Second {
		t.Errorf("poll interval = %v, want 30s", cfg.PollInterval())
	}
	if cfg.Sync.PageSize != 50 || cfg.Sync.MaxPages != 2 {
		t.Errorf("sync defaults = %+v", cfg.Sync)
	}
	if cfg.Storage.DBPath == "" || cfg.Storage.QueuePath == "" {
		t.Errorf("expected default storage paths, got %+v", cfg.Storage)
	}
}

func TestLoadReadsFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
api:
  base_url: https://mail.internal/api
  timeout_sec: 10
sync:
  poll_interval_sec: 60
  page_size: 25
storage:
  db_path: /tmp/test-mailbox.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}

	if cfg.API.BaseURL != "https://mail.internal/api" {
		t.Errorf("base url = %q", cfg.API.BaseURL)
	}
	if cfg.API.Timeout() != 10*time.Second {
		t.Errorf("timeout = %v, want 10s", cfg.API.Timeout())
	}
	if cfg.PollInterval() != time.Minute {
		t.Errorf("poll interval = %v, want 1m", cfg.PollInterval())
	}
	if cfg.Sync.PageSize != 25 {
		t.Errorf("page size = %d, want 25", cfg.Sync.PageSize)
	}
	if cfg.Storage.DBPath != "/tmp/test-mailbox.db" {
		t.Errorf("db path = %q", cfg.Storage.DBPath)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Sync.MaxPages != 2 {
		t.Errorf("max pages = %d, want default 2", cfg.Sync.MaxPages)
	}
	if cfg.Storage.QueuePath == "" {
		t.Errorf("expected default queue path")
	}
}

func TestLoadClampsInvalidSyncValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
sync:
  poll_interval_sec: -5
  page_size: 0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if cfg.Sync.PollIntervalSec != 30 {
		t.Errorf("poll interval = %d, want clamped to 30", cfg.Sync.PollIntervalSec)
	}
	if cfg.Sync.PageSize != 50 {
		t.Errorf("page size = %d, want clamped to 50", cfg.Sync.PageSize)
	}
}
