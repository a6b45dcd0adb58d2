package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("missing file must not be an error: %v", err)
	}
	if cfg.ItemPollSeconds != 60 || cfg.DetailPollSeconds != 20 {
		t.Errorf("unexpected poll defaults: %d/%d", cfg.ItemPollSeconds, cfg.DetailPollSeconds)
	}
	if cfg.RetryAttempts != 3 {
		t.Errorf("expected 3 retry attempts, got %d", cfg.RetryAttempts)
	}
	if cfg.CommentTTLDays != 14 || cfg.SoftDeleteHours != 24 {
		t.Errorf("unexpected retention defaults: %d/%d", cfg.CommentTTLDays, cfg.SoftDeleteHours)
	}
	if cfg.CommentCacheCap != 200 {
		t.Errorf("expected cap default 200, got %d", cfg.CommentCacheCap)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected info log level, got %q", cfg.LogLevel)
	}
	if cfg.DatabasePath == "" {
		t.Error("expected a default database path")
	}
}

func TestLoadAppliesDefaultsToUnsetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	data := "repositories:\n  - owner/repo\nitem_poll_seconds: 120\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.Repositories) != 1 || cfg.Repositories[0] != "owner/repo" {
		t.Errorf("unexpected repositories: %v", cfg.Repositories)
	}
	if cfg.ItemPollSeconds != 120 {
		t.Errorf("expected 120, got %d", cfg.ItemPollSeconds)
	}
	if cfg.DetailPollSeconds != 20 {
		t.Errorf("expected the unset interval defaulted, got %d", cfg.DetailPollSeconds)
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yml")

	cfg := Default()
	cfg.Repositories = []string{"owner/repo", "owner/other"}
	cfg.ItemPollSeconds = 90
	cfg.LogLevel = "debug"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded.Repositories) != 2 {
		t.Errorf("repositories lost in round trip: %v", loaded.Repositories)
	}
	if loaded.ItemPollSeconds != 90 || loaded.LogLevel != "debug" {
		t.Errorf("settings lost in round trip: %d %q", loaded.ItemPollSeconds, loaded.LogLevel)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{
		ItemPollSeconds:       60,
		DetailPollSeconds:     20,
		RequestTimeoutSeconds: 30,
		CommentTTLDays:        2,
		SoftDeleteHours:       6,
	}
	if got := cfg.ItemPollInterval(); got != time.Minute {
		t.Errorf("ItemPollInterval = %v", got)
	}
	if got := cfg.DetailPollInterval(); got != 20*time.Second {
		t.Errorf("DetailPollInterval = %v", got)
	}
	if got := cfg.RequestTimeout(); got != 30*time.Second {
		t.Errorf("RequestTimeout = %v", got)
	}
	if got := cfg.CommentTTL(); got != 48*time.Hour {
		t.Errorf("CommentTTL = %v", got)
	}
	if got := cfg.SoftDeleteAge(); got != 6*time.Hour {
		t.Errorf("SoftDeleteAge = %v", got)
	}
}
