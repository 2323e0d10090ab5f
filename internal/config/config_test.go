package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.PlaybackThrottle != 200*time.Millisecond {
		t.Fatalf("unexpected throttle %s", cfg.PlaybackThrottle)
	}
	if cfg.CommentNearWindow != 2*time.Second {
		t.Fatalf("unexpected near window %s", cfg.CommentNearWindow)
	}
	if cfg.AuthEnabled() {
		t.Fatalf("expected auth to be disabled without a signing secret")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{name: "empty-database", key: "database.path", value: " "},
		{name: "relative-directory", key: "directory.base_url", value: "users"},
		{name: "zero-throttle", key: "playback.throttle_ms", value: 0},
		{name: "negative-window", key: "comments.near_window_ms", value: -5},
		{name: "zero-rate", key: "directory.rate_per_second", value: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(tt.key, tt.value)
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error for %s", tt.key)
			}
		})
	}
}

func TestLoadTrimsDirectoryBaseURL(t *testing.T) {
	configViper := NewViper()
	configViper.Set("directory.base_url", "https://directory.example.com/api/")
	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DirectoryBaseURL != "https://directory.example.com/api" {
		t.Fatalf("unexpected base url %q", cfg.DirectoryBaseURL)
	}
}
