// Package config loads the relay configuration from YAML with
// environment variable expansion and a small set of env overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides recognized on top of the config file.
const (
	EnvConfigPath        = "RELAY_CONFIG"
	EnvCredentialsDir    = "CREDENTIALS_DIR"
	EnvSlowQueryMs       = "RELAY_SLOW_QUERY_MS"
	EnvSQLDebug          = "RELAY_SQL_DEBUG"
	EnvDefaultAPIKey     = "RELAY_DEFAULT_API_KEY"
	EnvUpstreamURL       = "RELAY_UPSTREAM_URL"
	EnvTelemetryEndpoint = "RELAY_TELEMETRY_ENDPOINT"
)

// Config is the root configuration for the relay.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Storage     StorageConfig     `yaml:"storage"`
	Retry       RetryConfig       `yaml:"retry"`
	Circuit     CircuitConfig     `yaml:"circuit"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type UpstreamConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIVersion string        `yaml:"api_version"`
	Deadline   time.Duration `yaml:"deadline"`
}

type CredentialsConfig struct {
	Dir           string        `yaml:"dir"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CacheMaxSize  int           `yaml:"cache_max_size"`
	DefaultAPIKey string        `yaml:"default_api_key"`
	Watch         bool          `yaml:"watch"`
}

type StorageConfig struct {
	Path               string        `yaml:"path"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
	Debug              bool          `yaml:"debug"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       float64       `yaml:"factor"`
	Timeout      time.Duration `yaml:"timeout"`
}

type CircuitConfig struct {
	FailureThreshold         int           `yaml:"failure_threshold"`
	ErrorThresholdPercentage float64       `yaml:"error_threshold_percentage"`
	VolumeThreshold          int           `yaml:"volume_threshold"`
	Window                   time.Duration `yaml:"window"`
	SuccessThreshold         int           `yaml:"success_threshold"`
	Timeout                  time.Duration `yaml:"timeout"`
}

type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Enabled  bool   `yaml:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses the configuration file. Environment variables
// referenced in the file are expanded; env overrides are applied last.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Upstream.APIVersion == "" {
		cfg.Upstream.APIVersion = "2023-06-01"
	}
	if cfg.Upstream.Deadline == 0 {
		cfg.Upstream.Deadline = 10 * time.Minute
	}
	if cfg.Credentials.Dir == "" {
		cfg.Credentials.Dir = "./credentials"
	}
	if cfg.Credentials.CacheTTL == 0 {
		cfg.Credentials.CacheTTL = time.Hour
	}
	if cfg.Credentials.CacheMaxSize == 0 {
		cfg.Credentials.CacheMaxSize = 100
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./relay.db"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.Retry.Factor == 0 {
		cfg.Retry.Factor = 2
	}
	if cfg.Retry.Timeout == 0 {
		cfg.Retry.Timeout = 60 * time.Second
	}
	if cfg.Circuit.FailureThreshold == 0 {
		cfg.Circuit.FailureThreshold = 5
	}
	if cfg.Circuit.ErrorThresholdPercentage == 0 {
		cfg.Circuit.ErrorThresholdPercentage = 50
	}
	if cfg.Circuit.VolumeThreshold == 0 {
		cfg.Circuit.VolumeThreshold = 10
	}
	if cfg.Circuit.Window == 0 {
		cfg.Circuit.Window = 60 * time.Second
	}
	if cfg.Circuit.SuccessThreshold == 0 {
		cfg.Circuit.SuccessThreshold = 2
	}
	if cfg.Circuit.Timeout == 0 {
		cfg.Circuit.Timeout = 60 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

func applyEnvOverrides(cfg *Config) {
	if dir := os.Getenv(EnvCredentialsDir); dir != "" {
		cfg.Credentials.Dir = dir
	}
	if ms := os.Getenv(EnvSlowQueryMs); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil && n >= 0 {
			cfg.Storage.SlowQueryThreshold = time.Duration(n) * time.Millisecond
		}
	}
	if debug := os.Getenv(EnvSQLDebug); debug != "" {
		cfg.Storage.Debug = debug == "1" || debug == "true"
	}
	if key := os.Getenv(EnvDefaultAPIKey); key != "" {
		cfg.Credentials.DefaultAPIKey = key
	}
	if base := os.Getenv(EnvUpstreamURL); base != "" {
		cfg.Upstream.BaseURL = base
	}
	if endpoint := os.Getenv(EnvTelemetryEndpoint); endpoint != "" {
		cfg.Telemetry.Endpoint = endpoint
		cfg.Telemetry.Enabled = true
	}
}

// Validate checks the parts of the config that would otherwise fail
// only at request time.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base_url is required")
	}
	if info, err := os.Stat(c.Credentials.Dir); err != nil {
		return fmt.Errorf("credentials dir: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("credentials dir %s is not a directory", c.Credentials.Dir)
	}
	return nil
}
