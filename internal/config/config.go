// Package config handles Ariadne configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ariadne/config.yaml, /etc/ariadne/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ariadne", "config.yaml"))
	}

	paths = append(paths, "/etc/ariadne/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Ariadne configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Context  ContextConfig  `yaml:"context"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Listen   ListenConfig   `yaml:"listen"`
	Calendar CalendarConfig `yaml:"calendar"`
	LogLevel string         `yaml:"log_level"`
}

// AgentConfig defines the external reasoning agent subprocess.
type AgentConfig struct {
	// Command is the executable that runs the agent process.
	Command string `yaml:"command"`
	// Args are command-line arguments passed to the executable.
	Args []string `yaml:"args"`
	// Env are additional environment variables ("KEY=VALUE").
	Env []string `yaml:"env"`
	// RequestTimeoutSec bounds how long a single query may wait for its
	// response (default 120).
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
}

// RequestTimeout returns the per-request deadline as a duration.
func (c AgentConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// GatewayConfig defines the chat-gateway websocket connection.
type GatewayConfig struct {
	// URL is the websocket endpoint of the messaging gateway
	// (e.g., "ws://localhost:8466/ws").
	URL string `yaml:"url"`
	// Token is an optional bearer token sent on connect.
	Token string `yaml:"token"`
	// Trigger is the tag that marks a message as a question for the
	// agent (default "@bot"). Untagged messages are still recorded
	// into conversation history.
	Trigger string `yaml:"trigger"`
	// AttachmentDir is where the gateway stores downloaded attachments.
	AttachmentDir string `yaml:"attachment_dir"`
}

// ContextConfig bounds per-conversation state.
type ContextConfig struct {
	// MaxHistory is the number of retained history entries per
	// conversation (default 50). Oldest entries are evicted first.
	MaxHistory int `yaml:"max_history"`
	// MaxFiles is the number of retained knowledge-base files per
	// conversation (default 10).
	MaxFiles int `yaml:"max_files"`
}

// LedgerConfig defines the sqlite exchange ledger.
type LedgerConfig struct {
	// Path is the sqlite database file. Empty disables the ledger.
	Path string `yaml:"path"`
}

// MQTTConfig defines the optional availability/stats publisher.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. "mqtt://localhost:1883"
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // default "ariadne"
	DeviceName  string `yaml:"device_name"`  // default "ariadne"
}

// ListenConfig defines the status HTTP server.
type ListenConfig struct {
	Address string `yaml:"address"` // bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // default 8420; 0 disables the server
}

// CalendarConfig defines the calendar event generator.
type CalendarConfig struct {
	// Enabled turns on date detection and .ics file replies.
	Enabled bool `yaml:"enabled"`
	// OutputDir is where generated .ics files are written
	// (default "calendar_files").
	OutputDir string `yaml:"output_dir"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file (e.g. "${GATEWAY_TOKEN}") are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			RequestTimeoutSec: 120,
		},
		Gateway: GatewayConfig{
			Trigger: "@bot",
		},
		Context: ContextConfig{
			MaxHistory: 50,
			MaxFiles:   10,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "ariadne",
			DeviceName:  "ariadne",
		},
		Listen: ListenConfig{
			Port: 8420,
		},
		Calendar: CalendarConfig{
			OutputDir: "calendar_files",
		},
	}
}

// Validate checks that required settings are present and sane.
func (c *Config) Validate() error {
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if c.Agent.RequestTimeoutSec <= 0 {
		return fmt.Errorf("agent.request_timeout_sec must be positive")
	}
	if c.Context.MaxHistory <= 0 {
		return fmt.Errorf("context.max_history must be positive")
	}
	if c.Context.MaxFiles <= 0 {
		return fmt.Errorf("context.max_files must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}
