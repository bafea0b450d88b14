// Package config provides configuration management for conductor.
// Values come from an optional YAML file named by CONDUCTOR_CONFIG_FILE,
// overridden by CONDUCTOR_* environment variables, on top of defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport selects where the job queue and the event bus live.
type Transport string

const (
	// TransportMemory keeps the queue and the bus inside one process.
	TransportMemory Transport = "memory"
	// TransportRedis shares the queue and the bus across processes.
	TransportRedis Transport = "redis"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Supported executors.
const (
	ExecutorEcho      = "echo"
	ExecutorAnthropic = "anthropic"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	// Port is the HTTP server port
	Port int `yaml:"port"`

	// StreamBufferSize bounds each event subscription buffer
	StreamBufferSize int `yaml:"stream_buffer_size"`

	// KeepaliveInterval is the time between keepalive comments on idle streams
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	// MetricsEnabled controls whether /metrics is served
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// RedisConfig holds the Redis connection used by the redis transport
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DatabaseConfig holds the run store connection
type DatabaseConfig struct {
	// Driver is postgres or sqlite
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DispatchConfig tunes the worker pool
type DispatchConfig struct {
	Workers      int           `yaml:"workers"`
	MaxAttempts  int           `yaml:"max_attempts"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// AdmissionConfig bounds concurrent runs per owner
type AdmissionConfig struct {
	Ceiling int           `yaml:"ceiling"`
	Delay   time.Duration `yaml:"delay"`
}

// ReadinessConfig tunes the file readiness gate
type ReadinessConfig struct {
	Delay time.Duration `yaml:"delay"`
}

// SupervisorConfig tunes cancellation polling and the expiry sweep
type SupervisorConfig struct {
	CancelPollInterval time.Duration `yaml:"cancel_poll_interval"`
	// ExpirySchedule is a cron expression or descriptor such as @hourly
	ExpirySchedule string `yaml:"expiry_schedule"`
}

// RunConfig holds run lifetime settings
type RunConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// ExecutorConfig selects the agent executor
type ExecutorConfig struct {
	// Kind is echo or anthropic
	Kind            string `yaml:"kind"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	Model           string `yaml:"model"`
	MaxTokens       int    `yaml:"max_tokens"`
	MaxSteps        int    `yaml:"max_steps"`
}

// Config holds all configuration for conductor
type Config struct {
	Transport  Transport        `yaml:"transport"`
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Readiness  ReadinessConfig  `yaml:"readiness"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Run        RunConfig        `yaml:"run"`
	Executor   ExecutorConfig   `yaml:"executor"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Transport: TransportMemory,
		Server: ServerConfig{
			Port:              3001,
			StreamBufferSize:  100,
			KeepaliveInterval: 15 * time.Second,
			MetricsEnabled:    true,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "conductor",
		},
		Database: DatabaseConfig{
			Driver:          DriverSQLite,
			DSN:             "file:conductor.db?_pragma=busy_timeout(5000)",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Dispatch: DispatchConfig{
			Workers:      10,
			MaxAttempts:  1,
			LeaseTTL:     30 * time.Second,
			PollInterval: 250 * time.Millisecond,
		},
		Admission:  AdmissionConfig{Ceiling: 5, Delay: 3 * time.Second},
		Readiness:  ReadinessConfig{Delay: 3 * time.Second},
		Supervisor: SupervisorConfig{CancelPollInterval: 5 * time.Second, ExpirySchedule: "@hourly"},
		Run:        RunConfig{TTL: 10 * time.Minute},
		Executor:   ExecutorConfig{Kind: ExecutorEcho, MaxSteps: 10},
	}
}

// New creates a Config from the optional file and environment variables
func New() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONDUCTOR_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv("CONDUCTOR_TRANSPORT"); v != "" {
		c.Transport = Transport(strings.ToLower(v))
	}

	// Server
	if v := os.Getenv("CONDUCTOR_HTTP_PORT"); v != "" {
		port, err := parsePort(v)
		if err != nil {
			return fmt.Errorf("CONDUCTOR_HTTP_PORT %s", err)
		}
		c.Server.Port = port
	}
	var err error
	if c.Server.StreamBufferSize, err = parseIntEnv("CONDUCTOR_STREAM_BUFFER_SIZE", c.Server.StreamBufferSize); err != nil {
		return err
	}
	if c.Server.KeepaliveInterval, err = parseDurationEnv("CONDUCTOR_KEEPALIVE_INTERVAL", c.Server.KeepaliveInterval); err != nil {
		return err
	}
	if c.Server.MetricsEnabled, err = parseBoolEnv("CONDUCTOR_METRICS_ENABLED", c.Server.MetricsEnabled); err != nil {
		return err
	}

	// Redis
	if v := os.Getenv("CONDUCTOR_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v, ok := os.LookupEnv("CONDUCTOR_REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v := os.Getenv("CONDUCTOR_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil || db < 0 {
			return fmt.Errorf("CONDUCTOR_REDIS_DB must be a non-negative integer, got: %s", v)
		}
		c.Redis.DB = db
	}
	if v := os.Getenv("CONDUCTOR_REDIS_KEY_PREFIX"); v != "" {
		c.Redis.KeyPrefix = v
	}

	// Database
	if v := os.Getenv("CONDUCTOR_DB_DRIVER"); v != "" {
		c.Database.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("CONDUCTOR_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if c.Database.MaxOpenConns, err = parseIntEnv("CONDUCTOR_DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns); err != nil {
		return err
	}
	if c.Database.MaxIdleConns, err = parseIntEnv("CONDUCTOR_DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns); err != nil {
		return err
	}
	if c.Database.ConnMaxLifetime, err = parseDurationEnv("CONDUCTOR_DB_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime); err != nil {
		return err
	}

	// Dispatch
	if c.Dispatch.Workers, err = parseIntEnv("CONDUCTOR_WORKERS", c.Dispatch.Workers); err != nil {
		return err
	}
	if c.Dispatch.MaxAttempts, err = parseIntEnv("CONDUCTOR_MAX_ATTEMPTS", c.Dispatch.MaxAttempts); err != nil {
		return err
	}
	if c.Dispatch.LeaseTTL, err = parseDurationEnv("CONDUCTOR_LEASE_TTL", c.Dispatch.LeaseTTL); err != nil {
		return err
	}
	if c.Dispatch.PollInterval, err = parseDurationEnv("CONDUCTOR_POLL_INTERVAL", c.Dispatch.PollInterval); err != nil {
		return err
	}

	// Admission and readiness
	if c.Admission.Ceiling, err = parseIntEnv("CONDUCTOR_ADMISSION_CEILING", c.Admission.Ceiling); err != nil {
		return err
	}
	if c.Admission.Delay, err = parseDurationEnv("CONDUCTOR_ADMISSION_DELAY", c.Admission.Delay); err != nil {
		return err
	}
	if c.Readiness.Delay, err = parseDurationEnv("CONDUCTOR_READINESS_DELAY", c.Readiness.Delay); err != nil {
		return err
	}

	// Supervisor
	if c.Supervisor.CancelPollInterval, err = parseDurationEnv("CONDUCTOR_CANCEL_POLL_INTERVAL", c.Supervisor.CancelPollInterval); err != nil {
		return err
	}
	if v := os.Getenv("CONDUCTOR_EXPIRY_SCHEDULE"); v != "" {
		c.Supervisor.ExpirySchedule = v
	}
	if c.Run.TTL, err = parseDurationEnv("CONDUCTOR_RUN_TTL", c.Run.TTL); err != nil {
		return err
	}

	// Executor
	if v := os.Getenv("CONDUCTOR_EXECUTOR"); v != "" {
		c.Executor.Kind = strings.ToLower(v)
	}
	if v := os.Getenv("CONDUCTOR_ANTHROPIC_API_KEY"); v != "" {
		c.Executor.AnthropicAPIKey = v
	} else if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.Executor.AnthropicAPIKey == "" {
		c.Executor.AnthropicAPIKey = v
	}
	if v := os.Getenv("CONDUCTOR_ANTHROPIC_MODEL"); v != "" {
		c.Executor.Model = v
	}
	if c.Executor.MaxTokens, err = parseIntEnv("CONDUCTOR_ANTHROPIC_MAX_TOKENS", c.Executor.MaxTokens); err != nil {
		return err
	}
	if c.Executor.MaxSteps, err = parseIntEnv("CONDUCTOR_MAX_STEPS", c.Executor.MaxSteps); err != nil {
		return err
	}
	return nil
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportMemory:
	case TransportRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required with the redis transport")
		}
	default:
		return fmt.Errorf("transport must be one of: memory, redis; got: %s", c.Transport)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("database driver must be one of: postgres, sqlite; got: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn cannot be empty")
	}

	switch c.Executor.Kind {
	case ExecutorEcho:
	case ExecutorAnthropic:
		if c.Executor.AnthropicAPIKey == "" {
			return fmt.Errorf("anthropic executor requires CONDUCTOR_ANTHROPIC_API_KEY or ANTHROPIC_API_KEY")
		}
	default:
		return fmt.Errorf("executor must be one of: echo, anthropic; got: %s", c.Executor.Kind)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"server.stream_buffer_size", c.Server.StreamBufferSize},
		{"dispatch.workers", c.Dispatch.Workers},
		{"dispatch.max_attempts", c.Dispatch.MaxAttempts},
		{"admission.ceiling", c.Admission.Ceiling},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got: %d", p.name, p.value)
		}
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"server.keepalive_interval", c.Server.KeepaliveInterval},
		{"dispatch.lease_ttl", c.Dispatch.LeaseTTL},
		{"dispatch.poll_interval", c.Dispatch.PollInterval},
		{"admission.delay", c.Admission.Delay},
		{"readiness.delay", c.Readiness.Delay},
		{"supervisor.cancel_poll_interval", c.Supervisor.CancelPollInterval},
		{"run.ttl", c.Run.TTL},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got: %s", d.name, d.value)
		}
	}
	if c.Supervisor.ExpirySchedule == "" {
		return fmt.Errorf("supervisor.expiry_schedule cannot be empty")
	}
	return nil
}

// parseBoolEnv parses a boolean environment variable with a default value
func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	switch value {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("%s must be true or false, got: %s", key, value)
	}
}

// parseIntEnv parses an integer environment variable with a default value
func parseIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// parseDurationEnv parses a duration such as 30s or 5m with a default value
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// parsePort parses and validates a port number string
func parsePort(portStr string) (int, error) {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid port number: %s", portStr)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("must be between 1 and 65535, got: %d", port)
	}
	return port, nil
}
