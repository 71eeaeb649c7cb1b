package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/propbus/propbus-go/pkg/shm"
	"github.com/propbus/propbus-go/pkg/transport"
)

// Config is the root configuration of a propbus hub.
type Config struct {
	Hub         HubConfig         `yaml:"hub"`
	SharedMem   SharedMemConfig   `yaml:"shared_memory"`
	Logging     LoggingConfig     `yaml:"logging"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Client      ClientConfig      `yaml:"client"`
}

// HubConfig configures the socket the hub listens on.
type HubConfig struct {
	// SocketPath is the unix socket path.
	SocketPath string `yaml:"socket_path"`

	// SocketMode is the octal permission of the socket file, e.g. "0660".
	SocketMode string `yaml:"socket_mode"`

	// MaxMessageSize bounds a single frame in bytes.
	MaxMessageSize int `yaml:"max_message_size"`
}

// SharedMemConfig configures blob segments.
type SharedMemConfig struct {
	// AllocationUnit is the segment storage granularity in bytes.
	AllocationUnit int `yaml:"allocation_unit"`

	// InlineThreshold is the blob size from which payloads travel as
	// shared segments instead of inline bytes.
	InlineThreshold int `yaml:"inline_threshold"`
}

// LoggingConfig configures operational and protocol logging.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`

	// Output is stdout or stderr.
	Output string `yaml:"output"`

	// ProtocolLog is a file receiving CBOR protocol events. Empty disables
	// protocol capture.
	ProtocolLog string `yaml:"protocol_log"`

	// ProtocolLogMaxSize rotates the capture at this many bytes. Zero
	// disables rotation.
	ProtocolLogMaxSize int64 `yaml:"protocol_log_max_size"`

	// ProtocolLogBackups is the number of rotated captures kept.
	ProtocolLogBackups int `yaml:"protocol_log_backups"`

	// ProtocolTrace also writes protocol events to the operational log.
	ProtocolTrace bool `yaml:"protocol_trace"`
}

// PersistenceConfig configures saved device configuration.
type PersistenceConfig struct {
	// Dir holds one JSON file per device. Empty disables persistence.
	Dir string `yaml:"dir"`
}

// ClientConfig configures client sessions started by the hub binary.
type ClientConfig struct {
	// SettleTimeout bounds RequestAndWait.
	SettleTimeout time.Duration `yaml:"settle_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			SocketPath:     transport.DefaultSocketPath,
			SocketMode:     "0660",
			MaxMessageSize: transport.DefaultMaxMessageSize,
		},
		SharedMem: SharedMemConfig{
			AllocationUnit:  shm.DefaultAllocationUnit,
			InlineThreshold: 64 << 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Client: ClientConfig{
			SettleTimeout: 30 * time.Second,
		},
	}
}

// Load reads path on top of the defaults, applies PROPBUS_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PROPBUS_SOCKET"); v != "" {
		cfg.Hub.SocketPath = v
	}
	if v := os.Getenv("PROPBUS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PROPBUS_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("PROPBUS_PROTOCOL_LOG"); v != "" {
		cfg.Logging.ProtocolLog = v
	}
	if v := os.Getenv("PROPBUS_PERSISTENCE_DIR"); v != "" {
		cfg.Persistence.Dir = v
	}
	if v := os.Getenv("PROPBUS_ALLOCATION_UNIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROPBUS_ALLOCATION_UNIT: %w", err)
		}
		cfg.SharedMem.AllocationUnit = n
	}
	if v := os.Getenv("PROPBUS_SETTLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PROPBUS_SETTLE_TIMEOUT: %w", err)
		}
		cfg.Client.SettleTimeout = d
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Hub.SocketPath == "" {
		errs = append(errs, "hub.socket_path is required")
	}
	if _, err := c.Hub.Mode(); err != nil {
		errs = append(errs, fmt.Sprintf("hub.socket_mode: %v", err))
	}
	if c.Hub.MaxMessageSize < transport.LengthPrefixSize {
		errs = append(errs, "hub.max_message_size is too small")
	}

	unit := c.SharedMem.AllocationUnit
	if unit <= 0 || unit%os.Getpagesize() != 0 {
		errs = append(errs, fmt.Sprintf("shared_memory.allocation_unit must be a positive multiple of the page size (%d)", os.Getpagesize()))
	}
	if c.SharedMem.InlineThreshold < 0 {
		errs = append(errs, "shared_memory.inline_threshold must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not json or text", c.Logging.Format))
	}

	if c.Logging.ProtocolLogMaxSize < 0 || c.Logging.ProtocolLogBackups < 0 {
		errs = append(errs, "logging.protocol_log_max_size and protocol_log_backups must not be negative")
	}

	if c.Client.SettleTimeout <= 0 {
		errs = append(errs, "client.settle_timeout must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Mode parses SocketMode. An empty mode means 0660.
func (h HubConfig) Mode() (os.FileMode, error) {
	if h.SocketMode == "" {
		return 0660, nil
	}
	m, err := strconv.ParseUint(h.SocketMode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid octal mode %q", h.SocketMode)
	}
	if m > 0777 {
		return 0, fmt.Errorf("mode %q out of range", h.SocketMode)
	}
	return os.FileMode(m), nil
}
