// Package config manages pdufleet configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete pdufleet configuration.
type Config struct {
	Log        LogConfig           `koanf:"log"`
	Metrics    MetricsConfig       `koanf:"metrics"`
	Tunables   TunableConfig       `koanf:"tunables"`
	Presets    map[string][]string `koanf:"presets"`
	Interfaces []InterfaceConfig   `koanf:"interfaces"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// TunableConfig holds the knobs that govern transport timing, caching,
// worker concurrency, and the persistence format version.
type TunableConfig struct {
	// BFPTimeout is the per-operation deadline for the BFP transport.
	BFPTimeout time.Duration `koanf:"bfp_timeout" validate:"gt=0"`
	// HFPTimeout is the per-operation deadline for the HFP transport.
	HFPTimeout time.Duration `koanf:"hfp_timeout" validate:"gt=0"`
	// BFPYield is the quiet period observed after a successful BFP
	// operation, before the next write is issued, to accommodate the
	// device's internal bus scheduler.
	BFPYield time.Duration `koanf:"bfp_yield" validate:"gte=0"`
	// BFPPort is the TCP port BFP listens on.
	BFPPort int `koanf:"bfp_port" validate:"gt=0,lte=65535"`
	// ScanTimeout is the collect window for a databus scan.
	ScanTimeout time.Duration `koanf:"scan_timeout" validate:"gt=0"`
	// CacheExpire is the group cache TTL; -1 means permanent.
	CacheExpire time.Duration `koanf:"cache_expire"`
	// FileCompatNr gates persisted-fleet document compatibility.
	FileCompatNr int `koanf:"file_compat_nr" validate:"gte=0"`
	// DownshiftTries is the number of consecutive failures on a transport
	// before it is demoted one position in the Communicator's preference
	// order.
	DownshiftTries int `koanf:"downshift_tries" validate:"gt=0"`
	// MaxThreads caps the worker pool shared by discovery and bulk R/W.
	MaxThreads int `koanf:"max_threads" validate:"gt=0"`
}

// InterfaceConfig describes one (ip, credentials) pair a fleet talks to.
// Each entry is a discovery seed and a connection-parameter source.
type InterfaceConfig struct {
	// IP is the device or subnet's IPv4/IPv6 address.
	IP string `koanf:"ip" validate:"required,ip"`
	// HFPPort is the HTTP transport's TCP port.
	HFPPort int `koanf:"hfp_port" validate:"gt=0,lte=65535"`
	// HFPUser is the HFP authentication username.
	HFPUser string `koanf:"hfp_user"`
	// HFPPass is the HFP authentication password.
	HFPPass string `koanf:"hfp_pass"`
	// BFPKey is the 16 ASCII-byte RC4 key. An invalid key disables BFP
	// for this interface rather than failing the whole load.
	BFPKey string `koanf:"bfp_key"`
}

// ValidBFPKey reports whether ic.BFPKey is exactly 16 ASCII bytes.
func (ic InterfaceConfig) ValidBFPKey() bool {
	return len(ic.BFPKey) == 16
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Tunables: TunableConfig{
			BFPTimeout:     3 * time.Second,
			HFPTimeout:     5 * time.Second,
			BFPYield:       50 * time.Millisecond,
			BFPPort:        4660,
			ScanTimeout:    2 * time.Second,
			CacheExpire:    30 * time.Second,
			FileCompatNr:   1,
			DownshiftTries: 5,
			MaxThreads:     16,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for pdufleet configuration.
// Variables are named PDUFLEET_<section>_<key>, e.g. PDUFLEET_TUNABLES_BFP_PORT.
const envPrefix = "PDUFLEET_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (PDUFLEET_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

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

// envKeyMapper transforms PDUFLEET_TUNABLES_BFP_PORT -> tunables.bfp_port.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":                defaults.Log.Level,
		"log.format":               defaults.Log.Format,
		"metrics.addr":             defaults.Metrics.Addr,
		"metrics.path":             defaults.Metrics.Path,
		"tunables.bfp_timeout":     defaults.Tunables.BFPTimeout.String(),
		"tunables.hfp_timeout":     defaults.Tunables.HFPTimeout.String(),
		"tunables.bfp_yield":       defaults.Tunables.BFPYield.String(),
		"tunables.bfp_port":        defaults.Tunables.BFPPort,
		"tunables.scan_timeout":    defaults.Tunables.ScanTimeout.String(),
		"tunables.cache_expire":    defaults.Tunables.CacheExpire.String(),
		"tunables.file_compat_nr":  defaults.Tunables.FileCompatNr,
		"tunables.downshift_tries": defaults.Tunables.DownshiftTries,
		"tunables.max_threads":     defaults.Tunables.MaxThreads,
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
	// ErrInvalidInterface indicates an interface entry failed struct validation.
	ErrInvalidInterface = errors.New("interface configuration is invalid")

	// ErrDuplicateInterfaceIP indicates two interfaces share the same IP.
	ErrDuplicateInterfaceIP = errors.New("duplicate interface ip")

	// ErrInvalidTunables indicates a tunable value failed struct validation.
	ErrInvalidTunables = errors.New("tunable configuration is invalid")
)

var validate = validator.New()

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg.Tunables); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTunables, err)
	}

	seen := make(map[string]struct{}, len(cfg.Interfaces))
	for i, ic := range cfg.Interfaces {
		if err := validate.Struct(ic); err != nil {
			return fmt.Errorf("interfaces[%d]: %w: %v", i, ErrInvalidInterface, err)
		}
		if _, dup := seen[ic.IP]; dup {
			return fmt.Errorf("interfaces[%d] ip %q: %w", i, ic.IP, ErrDuplicateInterfaceIP)
		}
		seen[ic.IP] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
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
