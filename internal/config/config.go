// Package config manages zkagent configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete zkagent configuration.
type Config struct {
	Store     StoreConfig     `koanf:"store"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	Collector CollectorConfig `koanf:"collector"`
	Devices   []DeviceConfig  `koanf:"devices"`
}

// StoreConfig holds the embedded database configuration.
type StoreConfig struct {
	// Path is the SQLite database file (e.g., "data/att.db").
	Path string `koanf:"path"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// CollectorConfig holds the capture pipeline parameters.
type CollectorConfig struct {
	// QueueSize is the bounded ingestion queue capacity.
	QueueSize int `koanf:"queue_size"`

	// SoftTimeout is the live-capture receive timeout; each expiry is a
	// cancellation checkpoint, not a fault.
	SoftTimeout time.Duration `koanf:"soft_timeout"`

	// UploadBatchLimit caps how many pending rows one upload cycle reads.
	UploadBatchLimit int `koanf:"upload_batch_limit"`
}

// DeviceConfig describes one terminal from the configuration file. Each
// entry gets a supervised session on agent startup.
type DeviceConfig struct {
	// IP is the terminal's address, an IPv4 or IPv6 literal.
	IP string `koanf:"ip"`

	// Port is the terminal's protocol port (default 4370).
	Port int `koanf:"port"`

	// SerialNumber is the stable identity punches are attributed to.
	SerialNumber string `koanf:"serial_number"`

	// Name is a human-readable label used in logs.
	Name string `koanf:"name"`

	// ConnectTimeout bounds the dial (e.g., "10s").
	ConnectTimeout time.Duration `koanf:"connect_timeout"`

	// ForceUDP selects the datagram transport for terminals without a
	// working TCP stack.
	ForceUDP bool `koanf:"force_udp"`

	// Password is the numeric comm key, 0 when the terminal is open.
	Password uint32 `koanf:"password"`

	// SyncTimeOnConnect pushes the agent clock to the terminal after
	// every handshake.
	SyncTimeOnConnect bool `koanf:"sync_time_on_connect"`
}

// Addr parses the IP string as a netip.Addr.
func (dc DeviceConfig) Addr() (netip.Addr, error) {
	if dc.IP == "" {
		return netip.Addr{}, fmt.Errorf("device ip: %w", ErrInvalidDeviceIP)
	}
	addr, err := netip.ParseAddr(dc.IP)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse device ip %q: %w", dc.IP, err)
	}
	return addr, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "data/att.db",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Collector: CollectorConfig{
			QueueSize:        1024,
			SoftTimeout:      2 * time.Second,
			UploadBatchLimit: 100,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for zkagent configuration.
// Variables are named ZKAGENT_<section>_<key>, e.g., ZKAGENT_METRICS_ADDR.
const envPrefix = "ZKAGENT_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (ZKAGENT_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	ZKAGENT_STORE_PATH    -> store.path
//	ZKAGENT_METRICS_ADDR  -> metrics.addr
//	ZKAGENT_METRICS_PATH  -> metrics.path
//	ZKAGENT_LOG_LEVEL     -> log.level
//	ZKAGENT_LOG_FORMAT    -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// ZKAGENT_STORE_PATH -> store.path (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms ZKAGENT_METRICS_ADDR -> metrics.addr.
// Strips the ZKAGENT_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"store.path":                   defaults.Store.Path,
		"metrics.addr":                 defaults.Metrics.Addr,
		"metrics.path":                 defaults.Metrics.Path,
		"log.level":                    defaults.Log.Level,
		"log.format":                   defaults.Log.Format,
		"collector.queue_size":         defaults.Collector.QueueSize,
		"collector.soft_timeout":       defaults.Collector.SoftTimeout.String(),
		"collector.upload_batch_limit": defaults.Collector.UploadBatchLimit,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyStorePath indicates the database path is empty.
	ErrEmptyStorePath = errors.New("store.path must not be empty")

	// ErrInvalidQueueSize indicates the ingestion queue capacity is not positive.
	ErrInvalidQueueSize = errors.New("collector.queue_size must be >= 1")

	// ErrInvalidSoftTimeout indicates the live-capture timeout is not positive.
	ErrInvalidSoftTimeout = errors.New("collector.soft_timeout must be > 0")

	// ErrInvalidDeviceIP indicates a device has an invalid IP literal.
	ErrInvalidDeviceIP = errors.New("device ip is invalid")

	// ErrInvalidDevicePort indicates a device port is out of range.
	ErrInvalidDevicePort = errors.New("device port must be in 1..65535")

	// ErrEmptySerialNumber indicates a device entry has no serial number.
	ErrEmptySerialNumber = errors.New("device serial_number must not be empty")

	// ErrDuplicateSerialNumber indicates two devices share a serial number.
	ErrDuplicateSerialNumber = errors.New("duplicate device serial_number")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Store.Path == "" {
		return ErrEmptyStorePath
	}

	if cfg.Collector.QueueSize < 1 {
		return ErrInvalidQueueSize
	}

	if cfg.Collector.SoftTimeout <= 0 {
		return ErrInvalidSoftTimeout
	}

	if err := validateDevices(cfg.Devices); err != nil {
		return err
	}

	return nil
}

// validateDevices checks each device entry for correctness.
func validateDevices(devices []DeviceConfig) error {
	seen := make(map[string]struct{}, len(devices))

	for i, dc := range devices {
		if _, err := dc.Addr(); err != nil {
			return fmt.Errorf("devices[%d]: %w: %w", i, ErrInvalidDeviceIP, err)
		}

		if dc.Port != 0 && (dc.Port < 1 || dc.Port > 65535) {
			return fmt.Errorf("devices[%d] port %d: %w", i, dc.Port, ErrInvalidDevicePort)
		}

		if dc.SerialNumber == "" {
			return fmt.Errorf("devices[%d]: %w", i, ErrEmptySerialNumber)
		}
		if _, dup := seen[dc.SerialNumber]; dup {
			return fmt.Errorf("devices[%d] serial %q: %w", i, dc.SerialNumber, ErrDuplicateSerialNumber)
		}
		seen[dc.SerialNumber] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
