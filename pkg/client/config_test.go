// Copyright 2024-2026 Aiku AI

package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// TestExampleConfig verifies the embedded example parses and survives
// post-processing.
func TestExampleConfig(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		t.Fatalf("example config does not parse: %v", err)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("example config fails post-processing: %v", err)
	}
	if cfg.Username != "examplebot" || cfg.AccountID() != "examplebot" {
		t.Errorf("username = %q, account ID = %q", cfg.Username, cfg.AccountID())
	}
	if len(cfg.Rooms) != 2 || cfg.Rooms[0] != "lobby" {
		t.Errorf("rooms = %v", cfg.Rooms)
	}
}

// TestPostProcess_Defaults verifies a minimal config fills in the public
// server endpoints and the fallback room.
func TestPostProcess_Defaults(t *testing.T) {
	t.Parallel()
	cfg := Config{Username: "Test Bot"}
	if err := cfg.PostProcess(); err != nil {
		t.Fatal(err)
	}
	if cfg.AccountID() != "testbot" {
		t.Errorf("account ID = %q", cfg.AccountID())
	}
	if cfg.FallbackRoom != "lobby" {
		t.Errorf("fallback room = %q", cfg.FallbackRoom)
	}
	if cfg.LoginServerURL == "" || cfg.DiscoveryURL == "" || cfg.CanonicalHost == "" {
		t.Error("endpoint defaults not filled")
	}
	if cfg.retryInterval != 15*time.Second {
		t.Errorf("retry interval = %v, want 15s", cfg.retryInterval)
	}
	if cfg.class != AccountRegular {
		t.Errorf("class = %v, want regular", cfg.class)
	}
}

// TestPostProcess_Errors verifies the validation failures.
func TestPostProcess_Errors(t *testing.T) {
	t.Parallel()
	for name, cfg := range map[string]Config{
		"missing username":  {},
		"symbolic username": {Username: "!!!"},
		"unknown class":     {Username: "bot", AccountClass: "superuser"},
	} {
		cfg := cfg
		if err := cfg.PostProcess(); err == nil {
			t.Errorf("%s: PostProcess succeeded, want error", name)
		}
	}
}

// TestPostProcess_NormalizesRooms verifies configured room names fold to
// room IDs.
func TestPostProcess_NormalizesRooms(t *testing.T) {
	t.Parallel()
	cfg := Config{Username: "bot", Rooms: []string{"Tech & Code", "battle-gen9ou-1"}}
	if err := cfg.PostProcess(); err != nil {
		t.Fatal(err)
	}
	if cfg.Rooms[0] != "techcode" || cfg.Rooms[1] != "battle-gen9ou-1" {
		t.Errorf("rooms = %v", cfg.Rooms)
	}
}

// TestLoadConfig verifies the file path: read, parse, post-process.
func TestLoadConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "username: FileBot\nretry_seconds: 30\nrooms: [Lobby]\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AccountID() != "filebot" || cfg.retryInterval != 30*time.Second || cfg.Rooms[0] != "lobby" {
		t.Errorf("cfg = %+v", cfg)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig on a missing file succeeded")
	}
}
