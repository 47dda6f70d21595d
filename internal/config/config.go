// Package config provides TOML configuration file loading and parsing for the
// chat client. The configuration file lives at ~/.vakta/chat.toml by default,
// but can be overridden with the --config flag. CLI flags always take
// precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the chat client configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML
// files via struct tags.
type Config struct {
	// APIBaseURL is the base URL for the session directory REST API.
	// Example: https://api.vakta.ai/v1
	APIBaseURL string `toml:"api_base_url"`

	// SocketURL is the base URL for the streaming chat socket.
	// The session id is appended as the final path segment at dial time.
	// Example: wss://api.vakta.ai/ws/chat
	SocketURL string `toml:"socket_url"`

	// Token is a static bearer token for the backend.
	// Ignored when TokenFile is set.
	Token string `toml:"token"`

	// TokenFile is a path to a file containing the bearer token.
	// The file is re-read on each request so rotated tokens are picked up.
	TokenFile string `toml:"token_file"`

	// UserID identifies the portal user on outbound frames.
	UserID string `toml:"user_id"`

	// Language is the preferred reply language sent with each message.
	// Default: en
	Language string `toml:"language"`

	// Timezone is the IANA timezone name sent with each message.
	// If empty, the host's local timezone name is used.
	Timezone string `toml:"timezone"`

	// UseWebSearch asks the assistant to augment answers with web search.
	// Default: false
	UseWebSearch bool `toml:"use_web_search"`

	// Greeting is the assistant message shown in a brand-new session
	// before any history exists. Default: DefaultGreeting.
	Greeting string `toml:"greeting"`

	// ArchivePath is the path to the local SQLite mirror of sessions
	// and messages. Default: ~/.vakta/chat.db. Use ":memory:" to disable
	// persistence across runs.
	ArchivePath string `toml:"archive_path"`

	// HistoryPageSize is the number of messages fetched per history page.
	// Default: 50
	HistoryPageSize int `toml:"history_page_size"`

	// ReconnectDelayMs is the fixed delay between reconnect attempts in
	// milliseconds. Default: 2000
	ReconnectDelayMs int `toml:"reconnect_delay_ms"`

	// ReconnectMaxAttempts caps reconnect attempts before the client
	// degrades to simulated replies. Default: 3
	ReconnectMaxAttempts int `toml:"reconnect_max_attempts"`

	// SimulatedDelayMs is the delay before a simulated reply is appended
	// when no transport is available. Default: 1200
	SimulatedDelayMs int `toml:"simulated_delay_ms"`

	// SendRatePerSec limits outbound message writes per second.
	// Default: 5
	SendRatePerSec float64 `toml:"send_rate_per_sec"`

	// SendBurst is the burst size for the outbound rate limiter.
	// Default: 5
	SendBurst int `toml:"send_burst"`
}

// DefaultConfigPath returns the default config file location: ~/.vakta/chat.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".vakta", "chat.toml"), nil
}

// Load reads a TOML config file from the given path and returns a Config
// with defaults applied.
//
// Behavior:
//   - If path is empty, attempts to load from the default location
//     (~/.vakta/chat.toml). Returns a default Config without error if the
//     default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		// No explicit path: try default location, but don't error if missing.
		// This allows the client to run against a locally-configured backend
		// without any config file.
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			cfg.applyDefaults()
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		path = defaultPath
	} else {
		// Explicit path provided: error if file doesn't exist.
		// This matches user expectation: if they specify a config file,
		// it should exist.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	// Parse the TOML file. Any parse error is fatal since the user expects
	// the config to be applied.
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) applyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.SocketURL == "" {
		c.SocketURL = DefaultSocketURL
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	if c.Timezone == "" {
		c.Timezone = localZoneName()
	}
	if c.Greeting == "" {
		c.Greeting = DefaultGreeting
	}
	if c.ArchivePath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.ArchivePath = filepath.Join(home, ".vakta", "chat.db")
		} else {
			c.ArchivePath = ":memory:"
		}
	}
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = DefaultHistoryPageSize
	}
	if c.ReconnectDelayMs <= 0 {
		c.ReconnectDelayMs = DefaultReconnectDelayMs
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}
	if c.SimulatedDelayMs <= 0 {
		c.SimulatedDelayMs = DefaultSimulatedDelayMs
	}
	if c.SendRatePerSec <= 0 {
		c.SendRatePerSec = DefaultSendRatePerSec
	}
	if c.SendBurst <= 0 {
		c.SendBurst = DefaultSendBurst
	}
}

// Validate checks the config for values that cannot work at runtime.
// It returns the first problem found with an explicit message.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url must not be empty")
	}
	if c.SocketURL == "" {
		return fmt.Errorf("socket_url must not be empty")
	}
	if c.Token != "" && c.TokenFile != "" {
		return fmt.Errorf("token and token_file are mutually exclusive")
	}
	if c.ReconnectMaxAttempts > 10 {
		return fmt.Errorf("reconnect_max_attempts must be at most 10, got %d", c.ReconnectMaxAttempts)
	}
	return nil
}

// ReconnectDelay returns the reconnect delay as a time.Duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// SimulatedDelay returns the simulated-reply delay as a time.Duration.
func (c *Config) SimulatedDelay() time.Duration {
	return time.Duration(c.SimulatedDelayMs) * time.Millisecond
}

// localZoneName returns the host's timezone name (e.g., "CET").
// Falls back to UTC when the zone cannot be determined.
func localZoneName() string {
	name, _ := time.Now().Zone()
	if name == "" {
		return "UTC"
	}
	return name
}
