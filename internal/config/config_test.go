package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Stream.URL = "https://chat.example.com/events"
	cfg.Stream.HeartbeatInterval = Duration{5 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Stream.URL != "https://chat.example.com/events" {
		t.Errorf("Stream.URL = %q", loaded.Stream.URL)
	}
	if loaded.Stream.HeartbeatInterval.Duration != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 5s", loaded.Stream.HeartbeatInterval.Duration)
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	// A partial file: only the stream URL is set.
	content := "[stream]\nurl = \"https://chat.example.com/events\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Stream.URL != "https://chat.example.com/events" {
		t.Errorf("Stream.URL = %q", cfg.Stream.URL)
	}
	// Untouched tunables keep defaults.
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("Queue.MaxAttempts = %d, want default 3", cfg.Queue.MaxAttempts)
	}
	if cfg.Stream.MaxConsecutiveFailures != 10 {
		t.Errorf("MaxConsecutiveFailures = %d, want default 10", cfg.Stream.MaxConsecutiveFailures)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero heartbeat", func(c *Config) { c.Stream.HeartbeatInterval = Duration{0} }},
		{"zero missed beats", func(c *Config) { c.Stream.MaxMissedBeats = 0 }},
		{"zero consecutive ceiling", func(c *Config) { c.Stream.MaxConsecutiveFailures = 0 }},
		{"cap below base", func(c *Config) { c.Queue.BackoffCap = Duration{time.Millisecond} }},
		{"zero per-chat bound", func(c *Config) { c.Queue.MaxPerChat = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
