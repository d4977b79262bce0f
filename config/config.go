// Package config provides unified configuration loading for
// swarmflow: defaults, then a YAML file, then SWARMFLOW_* environment
// variables, in increasing priority.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/swarmflow/pool"
	"github.com/BaSui01/swarmflow/store"
	"github.com/BaSui01/swarmflow/stream"
	"github.com/BaSui01/swarmflow/swarm"
)

// Config is the full swarmflow service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Pool     pool.Config    `yaml:"pool"`
	Swarm    swarm.Config   `yaml:"swarm"`
	Stream   stream.Config  `yaml:"stream"`
	Executor ExecutorConfig `yaml:"executor"`
	Redis    RedisConfig    `yaml:"redis"`
	Store    StoreConfig    `yaml:"store"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RateLimit throttles start requests; zero disables limiting.
	RateLimit      float64 `yaml:"rate_limit"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level            string   `yaml:"level"`
	Format           string   `yaml:"format"`
	OutputPaths      []string `yaml:"output_paths"`
	EnableCaller     bool     `yaml:"enable_caller"`
	EnableStacktrace bool     `yaml:"enable_stacktrace"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// ExecutorConfig configures the agent executor adapter.
type ExecutorConfig struct {
	// MaxConcurrentInvocations caps process-wide concurrent backend
	// calls across all executions.
	MaxConcurrentInvocations int64 `yaml:"max_concurrent_invocations"`
}

// RedisConfig enables the Redis-backed replay cache. When disabled
// the hub uses the in-process cache.
type RedisConfig struct {
	Enabled            bool `yaml:"enabled"`
	stream.RedisConfig `yaml:",inline"`
}

// StoreConfig enables the execution archive.
type StoreConfig struct {
	Enabled      bool `yaml:"enabled"`
	store.Config `yaml:",inline"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    0, // streaming responses must not time out
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       0,
			RateLimitBurst:  10,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "swarmflow",
			SampleRate:  1.0,
		},
		Pool:     pool.DefaultConfig(),
		Swarm:    swarm.DefaultConfig(),
		Stream:   stream.DefaultConfig(),
		Executor: ExecutorConfig{MaxConcurrentInvocations: 16},
		Redis:    RedisConfig{Enabled: false, RedisConfig: stream.DefaultRedisConfig()},
		Store:    StoreConfig{Enabled: false, Config: store.DefaultConfig()},
	}
}

// Load reads the configuration with the default SWARMFLOW env prefix.
// A missing file is not an error; defaults and env still apply.
func Load(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// MustLoad is Load that panics on error, for main() wiring.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Loader loads configuration with explicit sources.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a loader with the SWARMFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "SWARMFLOW"}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load resolves defaults, file, then environment, and validates.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if c.Pool.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("pool.max_concurrent_agents must be positive")
	}
	if c.Pool.MaxTotalAgents < c.Pool.MaxConcurrentAgents {
		return fmt.Errorf("pool.max_total_agents must be at least pool.max_concurrent_agents")
	}
	if c.Swarm.MaxHandoffs <= 0 {
		return fmt.Errorf("swarm.max_handoffs must be positive")
	}
	if c.Swarm.ExecutorRetries < 0 {
		return fmt.Errorf("swarm.executor_retries cannot be negative")
	}
	if c.Swarm.Repetition.Window < 0 || c.Swarm.Repetition.MinUniqueAgents < 0 {
		return fmt.Errorf("swarm.repetition values cannot be negative")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Store.Enabled && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required when the store is enabled")
	}
	return nil
}

// applyEnv walks the struct and overrides fields whose environment
// variable, derived from the yaml tag chain, is set. For example
// pool.max_total_agents maps to SWARMFLOW_POOL_MAX_TOTAL_AGENTS.
func applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		structField := t.Field(i)

		tag := strings.Split(structField.Tag.Get("yaml"), ",")[0]
		key := prefix
		if tag != "" && tag != "-" {
			key = prefix + "_" + strings.ToUpper(tag)
		}

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			// Inlined embedded structs keep the parent prefix.
			if err := applyEnv(field, key); err != nil {
				return err
			}
			continue
		}

		value, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}
