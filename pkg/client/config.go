// Copyright 2024-2026 Aiku AI

package client

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the client configuration.
type Config struct {
	// Username is the account to log in as. Password may be empty for an
	// unregistered name, in which case the assertion-only flow is used.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// AccountClass selects the initial send throttle: "regular",
	// "trusted" or "public-bot". The profile is upgraded automatically
	// when the server confirms a higher-trust rank.
	AccountClass string `yaml:"account_class"`
	// Rooms are joined automatically after login.
	Rooms []string `yaml:"rooms"`
	// FallbackRoom scopes protocol lines that arrive without a room
	// header. Defaults to "lobby".
	FallbackRoom string `yaml:"fallback_room"`
	// DiscoveryURL is the endpoint that resolves the real server
	// host/port. CanonicalHost is the one host reached over TLS.
	DiscoveryURL  string `yaml:"discovery_url"`
	CanonicalHost string `yaml:"canonical_host"`
	// LoginServerURL is the HTTP endpoint for login, upkeep and
	// assertion requests.
	LoginServerURL string `yaml:"login_server_url"`
	// CookieFile persists the login session cookie across restarts.
	// Empty keeps the cookie in memory only.
	CookieFile string `yaml:"cookie_file"`
	// RetrySeconds is the base reconnect backoff; consecutive failures
	// wait attempt × base.
	RetrySeconds int `yaml:"retry_seconds"`

	accountID     string        `yaml:"-"`
	class         AccountClass  `yaml:"-"`
	retryInterval time.Duration `yaml:"-"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess validates the config and fills in defaults and derived
// fields. It must run before the config is handed to New.
func (c *Config) PostProcess() error {
	if c.Username == "" {
		return fmt.Errorf("config is missing username")
	}
	c.accountID = ToID(c.Username)
	if c.accountID == "" {
		return fmt.Errorf("username %q normalizes to an empty ID", c.Username)
	}
	class, err := ParseAccountClass(c.AccountClass)
	if err != nil {
		return err
	}
	c.class = class
	if c.FallbackRoom == "" {
		c.FallbackRoom = "lobby"
	}
	if c.DiscoveryURL == "" {
		c.DiscoveryURL = "https://play.pokemonshowdown.com/crossdomain.php?host=play.pokemonshowdown.com"
	}
	if c.CanonicalHost == "" {
		c.CanonicalHost = "sim3.psim.us"
	}
	if c.LoginServerURL == "" {
		c.LoginServerURL = "https://play.pokemonshowdown.com/action.php"
	}
	if c.RetrySeconds <= 0 {
		c.RetrySeconds = 15
	}
	c.retryInterval = time.Duration(c.RetrySeconds) * time.Second
	for i, room := range c.Rooms {
		c.Rooms[i] = ToRoomID(room)
	}
	return nil
}

// AccountID returns the canonical ID of the configured account.
func (c *Config) AccountID() string {
	return c.accountID
}
