// Package config loads and validates the federator configuration. The
// configuration is read once at startup from a JSON file, with a small set of
// CURAPACS_* environment overrides for credentials and log level; nothing is
// re-read at runtime.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/elly2178/lc2-curapacs/errors"
)

// ArchiveConfig describes one archive node's REST surface
type ArchiveConfig struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// PeerConfig describes the peer archive node. Name is the peer alias
// registered with the local archive host, used for /peers/{name}/store.
type PeerConfig struct {
	ArchiveConfig
	Name string `json:"name"`
}

// BridgeConfig describes the cross-instance message bridge. A non-empty
// ParentURL selects client role (this node dials its parent); otherwise the
// bridge listens for incoming peer connections.
type BridgeConfig struct {
	ListenPort    int           `json:"listen_port,omitempty"`
	Path          string        `json:"path,omitempty"`
	SocketPath    string        `json:"socket_path,omitempty"`
	ParentURL     string        `json:"parent_url,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	KeepAlive     time.Duration `json:"keep_alive,omitempty"`
}

// GatewayConfig describes the local HTTP surface exposed by this process
type GatewayConfig struct {
	Port int `json:"port"`
}

// Config represents the complete federator configuration
type Config struct {
	LocalArchive ArchiveConfig `json:"local_archive"`
	PeerArchive  PeerConfig    `json:"peer_archive"`
	Bridge       BridgeConfig  `json:"bridge"`
	Gateway      GatewayConfig `json:"gateway"`
	HTTPTimeout  time.Duration `json:"http_timeout,omitempty"`
	LogLevel     string        `json:"log_level,omitempty"`
}

// Default returns the configuration defaults applied before file and
// environment values
func Default() Config {
	return Config{
		LocalArchive: ArchiveConfig{URL: "http://localhost:8042"},
		Bridge: BridgeConfig{
			ListenPort:    8082,
			Path:          "/ws",
			SocketPath:    "/tmp/curapacs-bridge.sock",
			ReconnectWait: 5 * time.Second,
			KeepAlive:     30 * time.Second,
		},
		Gateway:     GatewayConfig{Port: 8081},
		HTTPTimeout: 5 * time.Second,
		LogLevel:    "info",
	}
}

// Load reads the configuration file at path, applies defaults for absent
// fields and environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.WrapFatal(err, "Config", "Load", "read config file")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.WrapFatal(err, "Config", "Load", "parse config file")
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers CURAPACS_* environment variables over file values. Only
// credentials, the peer address and the log level are overridable; structure
// stays in the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("CURAPACS_PEER_URI"); v != "" {
		c.PeerArchive.URL = v
	}
	if v := os.Getenv("CURAPACS_HTTP_USER"); v != "" {
		c.LocalArchive.Username = v
		c.PeerArchive.Username = v
		c.Bridge.Username = v
	}
	if v := os.Getenv("CURAPACS_HTTP_PASSWORD"); v != "" {
		c.LocalArchive.Password = v
		c.PeerArchive.Password = v
		c.Bridge.Password = v
	}
	if v := os.Getenv("CURAPACS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the configuration for completeness and consistency
func (c *Config) Validate() error {
	if c.LocalArchive.URL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
			"local archive url")
	}
	if c.PeerArchive.URL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
			"peer archive url")
	}
	if c.PeerArchive.Name == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
			"peer archive name")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("gateway port %d out of range", c.Gateway.Port))
	}
	if c.Bridge.ParentURL == "" && (c.Bridge.ListenPort <= 0 || c.Bridge.ListenPort > 65535) {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("bridge listen port %d out of range", c.Bridge.ListenPort))
	}
	if c.Bridge.SocketPath == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate",
			"bridge socket path")
	}
	if c.HTTPTimeout <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			"http timeout must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel translates the configured log level string for slog
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, errors.WrapFatal(errors.ErrInvalidConfig, "Config", "SlogLevel",
			fmt.Sprintf("unknown log level %q", c.LogLevel))
	}
}
