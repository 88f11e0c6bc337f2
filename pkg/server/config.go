package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig is the resolved runtime configuration.
type ServerConfig struct {
	TCPPort     int
	HTTPPort    int // websocket endpoint, 0 disables
	MetricsPort int // /metrics and /health, 0 disables

	PublicKeyPath  string
	PrivateKeyPath string

	MaxLineBytes          int
	PostsPerMinute        int // 0 disables the post rate limit
	PostBurst             int
	SessionTimeoutSeconds int

	RelayPollInterval time.Duration
}

// DefaultConfig returns the default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:               8080,
		HTTPPort:              8081,
		MetricsPort:           9090,
		PublicKeyPath:         "server-pub.key",
		PrivateKeyPath:        "server-priv.key",
		MaxLineBytes:          1024 * 1024,
		PostsPerMinute:        60,
		PostBurst:             10,
		SessionTimeoutSeconds: 300,
		RelayPollInterval:     2 * time.Second,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
	Relay  RelaySection  `toml:"relay"`
}

type ServerSection struct {
	TCPPort        int    `toml:"tcp_port"`
	HTTPPort       int    `toml:"http_port"`
	MetricsPort    int    `toml:"metrics_port"`
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

type LimitsSection struct {
	MaxLineBytes          int `toml:"max_line_bytes"`
	PostsPerMinute        int `toml:"posts_per_minute"`
	PostBurst             int `toml:"post_burst"`
	SessionTimeoutSeconds int `toml:"session_timeout_seconds"`
}

type RelaySection struct {
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:        def.TCPPort,
			HTTPPort:       def.HTTPPort,
			MetricsPort:    def.MetricsPort,
			PublicKeyPath:  def.PublicKeyPath,
			PrivateKeyPath: def.PrivateKeyPath,
		},
		Limits: LimitsSection{
			MaxLineBytes:          def.MaxLineBytes,
			PostsPerMinute:        def.PostsPerMinute,
			PostBurst:             def.PostBurst,
			SessionTimeoutSeconds: def.SessionTimeoutSeconds,
		},
		Relay: RelaySection{
			PollIntervalSeconds: int(def.RelayPollInterval / time.Second),
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default file if
// not found, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// Can't write (permissions?), run on defaults anyway
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern: LUGCHAT_SECTION_KEY
// Example: LUGCHAT_SERVER_TCP_PORT=9000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("LUGCHAT_SERVER_TCP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.TCPPort = port
		}
	}
	if val := os.Getenv("LUGCHAT_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("LUGCHAT_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("LUGCHAT_SERVER_PUBLIC_KEY_PATH"); val != "" {
		config.Server.PublicKeyPath = val
	}
	if val := os.Getenv("LUGCHAT_SERVER_PRIVATE_KEY_PATH"); val != "" {
		config.Server.PrivateKeyPath = val
	}

	if val := os.Getenv("LUGCHAT_LIMITS_MAX_LINE_BYTES"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxLineBytes = limit
		}
	}
	if val := os.Getenv("LUGCHAT_LIMITS_POSTS_PER_MINUTE"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.PostsPerMinute = limit
		}
	}
	if val := os.Getenv("LUGCHAT_LIMITS_POST_BURST"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.PostBurst = limit
		}
	}
	if val := os.Getenv("LUGCHAT_LIMITS_SESSION_TIMEOUT_SECONDS"); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil {
			config.Limits.SessionTimeoutSeconds = timeout
		}
	}

	if val := os.Getenv("LUGCHAT_RELAY_POLL_INTERVAL_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			config.Relay.PollIntervalSeconds = seconds
		}
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# LugChat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# LUGCHAT_SECTION_KEY (e.g., LUGCHAT_SERVER_TCP_PORT=9000)

[server]
# Port for TCP connections
tcp_port = 8080

# Port for the websocket endpoint (/ws)
# Set to 0 to disable
http_port = 8081

# Port for /metrics and /health (internal only, never expose publicly)
# Set to 0 to disable
metrics_port = 9090

# Paths to the server's RSA keypair (base64 DER)
# Generated on first start if missing
public_key_path = "server-pub.key"
private_key_path = "server-priv.key"

[limits]
# Maximum length of a single protocol line in bytes
max_line_bytes = 1048576

# Maximum accepted posts per minute per session (0 = unlimited)
posts_per_minute = 60

# Burst allowance for the post rate limit
post_burst = 10

# Sessions idle longer than this are disconnected
session_timeout_seconds = 300

[relay]
# How often the broadcaster re-checks for shutdown while idle
poll_interval_seconds = 2
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}

	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort

	if strings.TrimSpace(c.Server.PublicKeyPath) != "" {
		cfg.PublicKeyPath = c.Server.PublicKeyPath
	}

	if strings.TrimSpace(c.Server.PrivateKeyPath) != "" {
		cfg.PrivateKeyPath = c.Server.PrivateKeyPath
	}

	if c.Limits.MaxLineBytes != 0 {
		cfg.MaxLineBytes = c.Limits.MaxLineBytes
	}

	cfg.PostsPerMinute = c.Limits.PostsPerMinute

	if c.Limits.PostBurst != 0 {
		cfg.PostBurst = c.Limits.PostBurst
	}

	if c.Limits.SessionTimeoutSeconds != 0 {
		cfg.SessionTimeoutSeconds = c.Limits.SessionTimeoutSeconds
	}

	if c.Relay.PollIntervalSeconds != 0 {
		cfg.RelayPollInterval = time.Duration(c.Relay.PollIntervalSeconds) * time.Second
	}

	return cfg
}
