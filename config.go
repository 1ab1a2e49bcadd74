package openiap

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/openiap/openiap-go/native"
)

const (
	DefaultAgentName    = "go"
	DefaultAgentVersion = "0.1.0"
	DefaultTimeout      = 60 * time.Second
	DefaultRPCTimeout   = 30 * time.Second
	DefaultShards       = 8
)

// Config holds binding configuration.
type Config struct {
	// LibraryPath is the location of the native client library. Load needs it.
	LibraryPath    string        `yaml:"library_path"`
	AgentName      string        `yaml:"agent_name"`
	AgentVersion   string        `yaml:"agent_version"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	RPCTimeout     time.Duration `yaml:"rpc_timeout"`
	Shards         int           `yaml:"dispatch_shards"`
	MaxTrampolines int           `yaml:"max_trampolines"`
	LogLevel       string        `yaml:"log_level"`
	// SchemaDir holds <collection>.json document schemas.
	SchemaDir string `yaml:"schema_dir"`

	Logger     *slog.Logger          `yaml:"-"`
	Registerer prometheus.Registerer `yaml:"-"`
}

// DefaultConfig returns config from environment variables or defaults
//
// Environment variables:
//   - OPENIAP_LIBRARY: path of the native library
//   - OPENIAP_AGENT, OPENIAP_VERSION: agent identity sent on connect
//   - OPENIAP_TIMEOUT, OPENIAP_RPC_TIMEOUT: durations such as "30s"
//   - OPENIAP_DISPATCH_SHARDS, OPENIAP_MAX_TRAMPOLINES: integers
//   - OPENIAP_LOG_LEVEL: debug, info, warn or error
//   - OPENIAP_SCHEMA_DIR: directory of collection schemas
func DefaultConfig() Config {
	cfg := Config{
		LibraryPath:    os.Getenv("OPENIAP_LIBRARY"),
		AgentName:      envOr("OPENIAP_AGENT", DefaultAgentName),
		AgentVersion:   envOr("OPENIAP_VERSION", DefaultAgentVersion),
		DefaultTimeout: DefaultTimeout,
		RPCTimeout:     DefaultRPCTimeout,
		Shards:         DefaultShards,
		MaxTrampolines: native.DefaultPoolSize,
		LogLevel:       envOr("OPENIAP_LOG_LEVEL", "info"),
		SchemaDir:      os.Getenv("OPENIAP_SCHEMA_DIR"),
	}
	if d, err := time.ParseDuration(os.Getenv("OPENIAP_TIMEOUT")); err == nil {
		cfg.DefaultTimeout = d
	}
	if d, err := time.ParseDuration(os.Getenv("OPENIAP_RPC_TIMEOUT")); err == nil {
		cfg.RPCTimeout = d
	}
	if n, err := strconv.Atoi(os.Getenv("OPENIAP_DISPATCH_SHARDS")); err == nil {
		cfg.Shards = n
	}
	if n, err := strconv.Atoi(os.Getenv("OPENIAP_MAX_TRAMPOLINES")); err == nil {
		cfg.MaxTrampolines = n
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// LoadConfig overlays the YAML file at path on DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.DefaultTimeout <= 0:
		return fmt.Errorf("default_timeout must be positive, got %s", c.DefaultTimeout)
	case c.RPCTimeout <= 0:
		return fmt.Errorf("rpc_timeout must be positive, got %s", c.RPCTimeout)
	case c.Shards <= 0:
		return fmt.Errorf("dispatch_shards must be positive, got %d", c.Shards)
	case c.MaxTrampolines < trampolinesPerClient:
		return fmt.Errorf("max_trampolines must be at least %d, got %d", trampolinesPerClient, c.MaxTrampolines)
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Option is a functional option applied over a Config
type Option func(*Config)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithRegisterer registers metrics on r instead of a private registry
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = r }
}

// WithTimeout sets the default bound of blocking calls
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.DefaultTimeout = d }
}

// WithRPCTimeout sets the bound of RPC calls made without an explicit timeout
func WithRPCTimeout(d time.Duration) Option {
	return func(c *Config) { c.RPCTimeout = d }
}

// WithLibraryPath sets the native library location
func WithLibraryPath(path string) Option {
	return func(c *Config) { c.LibraryPath = path }
}

// WithAgent sets the agent identity sent on connect
func WithAgent(name, version string) Option {
	return func(c *Config) {
		c.AgentName = name
		c.AgentVersion = version
	}
}

// WithShards sets the number of callback dispatch workers
func WithShards(n int) Option {
	return func(c *Config) { c.Shards = n }
}

// WithMaxTrampolines caps the native callbacks the binding creates
func WithMaxTrampolines(n int) Option {
	return func(c *Config) { c.MaxTrampolines = n }
}

// WithSchemaDir loads collection schemas from dir
func WithSchemaDir(dir string) Option {
	return func(c *Config) { c.SchemaDir = dir }
}
