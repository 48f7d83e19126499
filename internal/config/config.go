// Package config provides environment-aware configuration for the enclave
// host runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds all runtime configuration.
type Config struct {
	Env Environment `yaml:"env"`

	// Storage
	StoragePath string `yaml:"storage_path"`

	// Enclave identity (simulation mode)
	MREnclave string `yaml:"mrenclave"`
	MRSigner  string `yaml:"mrsigner"`

	// Execution
	DefaultGasLimit uint64        `yaml:"default_gas_limit"`
	MaxContexts     int           `yaml:"max_contexts"`
	ExecTimeCap     time.Duration `yaml:"exec_time_cap"`

	// Scheduler
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// Load builds configuration from the environment. A .env file in the
// working directory is honored when present; ENCLAVE_CONFIG_FILE names an
// optional YAML overlay applied before environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults(Environment(getEnv("ENCLAVE_ENV", string(Development))))

	if path := os.Getenv("ENCLAVE_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.StoragePath = getEnv("ENCLAVE_STORAGE_PATH", cfg.StoragePath)
	cfg.MREnclave = getEnv("ENCLAVE_MRENCLAVE", cfg.MREnclave)
	cfg.MRSigner = getEnv("ENCLAVE_MRSIGNER", cfg.MRSigner)
	cfg.LogLevel = getEnv("ENCLAVE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("ENCLAVE_LOG_FORMAT", cfg.LogFormat)

	var err error
	if cfg.DefaultGasLimit, err = getEnvUint("ENCLAVE_DEFAULT_GAS_LIMIT", cfg.DefaultGasLimit); err != nil {
		return nil, err
	}
	if cfg.MaxContexts, err = getEnvInt("ENCLAVE_MAX_CONTEXTS", cfg.MaxContexts); err != nil {
		return nil, err
	}
	if cfg.ExecTimeCap, err = getEnvDuration("ENCLAVE_EXEC_TIME_CAP", cfg.ExecTimeCap); err != nil {
		return nil, err
	}
	if cfg.SchedulerInterval, err = getEnvDuration("ENCLAVE_SCHEDULER_INTERVAL", cfg.SchedulerInterval); err != nil {
		return nil, err
	}
	if cfg.MetricsEnabled, err = getEnvBool("ENCLAVE_METRICS_ENABLED", cfg.MetricsEnabled); err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

func defaults(env Environment) *Config {
	cfg := &Config{
		Env:               env,
		StoragePath:       "data/enclave",
		DefaultGasLimit:   10_000_000,
		MaxContexts:       16,
		ExecTimeCap:       30 * time.Second,
		SchedulerInterval: time.Minute,
		LogLevel:          "info",
		LogFormat:         "text",
		MetricsEnabled:    true,
	}
	switch env {
	case Testing:
		cfg.StoragePath = "data/enclave-test"
		cfg.LogLevel = "debug"
		cfg.MetricsEnabled = false
	case Production:
		cfg.LogFormat = "json"
	}
	return cfg
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Env {
	case Development, Testing, Production:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Env)
	}
	if c.StoragePath == "" {
		return fmt.Errorf("config: storage path required")
	}
	if c.MaxContexts <= 0 {
		return fmt.Errorf("config: max contexts must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvUint(key string, fallback uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return parsed, nil
}
