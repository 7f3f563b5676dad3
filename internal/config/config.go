package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
)

const (
	defaultSupervisorAddress = "http://benchbot_supervisor:10000/"
	defaultResultLocation    = "/tmp/benchbot_result"
	defaultPollInterval      = 100 * time.Millisecond
	defaultRequestTimeout    = 30 * time.Second
	defaultLogLevel          = "info"
	defaultLogMaxSizeBytes   = 10 * 1024 * 1024
	defaultLogMaxFiles       = 5
	defaultTelemetryEnv      = "development"
)

// Config file location, relative to the home or project directory.
const (
	DirName  = ".benchbot"
	FileName = "config.toml"
)

// Environment variables that override file settings.
const (
	EnvSupervisorAddress = "BENCHBOT_SUPERVISOR_ADDRESS"
	EnvResultLocation    = "BENCHBOT_RESULT_LOCATION"
	EnvLogLevel          = "BENCHBOT_LOG_LEVEL"
)

// Config stores runtime settings loaded from TOML files and the environment.
type Config struct {
	SupervisorAddress string
	ResultLocation    string
	PollInterval      time.Duration
	StartTimeout      time.Duration
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	LogLevel          string
	LogMaxSizeBytes   int64
	LogMaxFiles       int
	Telemetry         TelemetryConfig
}

// TelemetryConfig controls trace export.
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	Environment string
}

type fileConfig struct {
	SupervisorAddress *string          `toml:"supervisor_address"`
	ResultLocation    *string          `toml:"result_location"`
	PollInterval      *string          `toml:"poll_interval"`
	StartTimeout      *string          `toml:"start_timeout"`
	RequestTimeout    *string          `toml:"request_timeout"`
	RequestsPerSecond *float64         `toml:"requests_per_second"`
	LogLevel          *string          `toml:"log_level"`
	LogMaxSizeMB      *int             `toml:"log_max_size_mb"`
	LogMaxFiles       *int             `toml:"log_max_files"`
	Telemetry         *telemetryConfig `toml:"telemetry"`
}

type telemetryConfig struct {
	Enabled     *bool   `toml:"enabled"`
	Endpoint    *string `toml:"endpoint"`
	Environment *string `toml:"environment"`
}

// Load reads config from ~/.benchbot/config.toml, overlays a project-local
// .benchbot/config.toml, then applies environment overrides.
func Load(ctx context.Context) (*Config, error) {
	cfg := Defaults()

	homeDir, err := homedir.Dir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, DirName, FileName),
		filepath.Join(workingDir, DirName, FileName),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		SupervisorAddress: defaultSupervisorAddress,
		ResultLocation:    defaultResultLocation,
		PollInterval:      defaultPollInterval,
		RequestTimeout:    defaultRequestTimeout,
		LogLevel:          defaultLogLevel,
		LogMaxSizeBytes:   defaultLogMaxSizeBytes,
		LogMaxFiles:       defaultLogMaxFiles,
		Telemetry: TelemetryConfig{
			Environment: defaultTelemetryEnv,
		},
	}
}

// Normalize expands the result location and checks value ranges. It is
// called by Load and again by callers that apply flag overrides.
func (c *Config) Normalize() error {
	if c == nil {
		return errors.New("config must not be nil")
	}

	c.SupervisorAddress = strings.TrimSpace(c.SupervisorAddress)
	if c.SupervisorAddress == "" {
		return errors.New("supervisor_address must not be empty")
	}

	location, err := homedir.Expand(strings.TrimSpace(c.ResultLocation))
	if err != nil {
		return fmt.Errorf("expand result_location: %w", err)
	}
	if location == "" {
		return errors.New("result_location must not be empty")
	}
	c.ResultLocation = location

	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be > 0")
	}
	if c.StartTimeout < 0 {
		return errors.New("start_timeout must be >= 0")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be > 0")
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("requests_per_second must be >= 0")
	}

	c.LogLevel = normalizeKey(c.LogLevel)
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %q", path, undecoded[0].String())
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyLogOverrides(cfg, decoded, path); err != nil {
		return err
	}
	applyTelemetryOverrides(cfg, decoded)
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.SupervisorAddress != nil {
		cfg.SupervisorAddress = strings.TrimSpace(*decoded.SupervisorAddress)
	}
	if decoded.ResultLocation != nil {
		cfg.ResultLocation = strings.TrimSpace(*decoded.ResultLocation)
	}
	if decoded.RequestsPerSecond != nil {
		cfg.RequestsPerSecond = *decoded.RequestsPerSecond
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = normalizeKey(*decoded.LogLevel)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	overrides := []struct {
		value  *string
		key    string
		target *time.Duration
	}{
		{decoded.PollInterval, "poll_interval", &cfg.PollInterval},
		{decoded.StartTimeout, "start_timeout", &cfg.StartTimeout},
		{decoded.RequestTimeout, "request_timeout", &cfg.RequestTimeout},
	}
	for _, override := range overrides {
		if override.value == nil {
			continue
		}
		value, err := parseDuration(*override.value, override.key, path)
		if err != nil {
			return err
		}
		*override.target = value
	}
	return nil
}

func applyLogOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.LogMaxSizeMB != nil {
		if *decoded.LogMaxSizeMB <= 0 {
			return fmt.Errorf("parse log_max_size_mb in %q: must be > 0", path)
		}
		cfg.LogMaxSizeBytes = int64(*decoded.LogMaxSizeMB) * 1024 * 1024
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	return nil
}

func applyTelemetryOverrides(cfg *Config, decoded fileConfig) {
	if decoded.Telemetry == nil {
		return
	}
	if decoded.Telemetry.Enabled != nil {
		cfg.Telemetry.Enabled = *decoded.Telemetry.Enabled
	}
	if decoded.Telemetry.Endpoint != nil {
		cfg.Telemetry.Endpoint = strings.TrimSpace(*decoded.Telemetry.Endpoint)
	}
	if decoded.Telemetry.Environment != nil {
		cfg.Telemetry.Environment = strings.TrimSpace(*decoded.Telemetry.Environment)
	}
}

func applyEnvOverrides(cfg *Config) {
	if value, ok := lookupEnv(EnvSupervisorAddress); ok {
		cfg.SupervisorAddress = value
	}
	if value, ok := lookupEnv(EnvResultLocation); ok {
		cfg.ResultLocation = value
	}
	if value, ok := lookupEnv(EnvLogLevel); ok {
		cfg.LogLevel = normalizeKey(value)
	}
}

func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
