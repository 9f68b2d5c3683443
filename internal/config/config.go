// Package config loads and validates the node's configuration: a YAML file
// plus environment variable overrides, read exactly once at node
// construction per the design's "no mid-flight global reads" rule.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Policy groups the node-wide choices that are configuration rather than
// protocol.
type Policy struct {
	// AllowPlaintext accepts plain (unsigned, unencrypted) envelopes at
	// ingress. Default false outside tests.
	AllowPlaintext bool `yaml:"allow_plaintext"`
}

// PoolConfig sizes the node's worker pools and queues.
type PoolConfig struct {
	Workers        int `yaml:"workers"`
	QueueCapacity  int `yaml:"queue_capacity"`
	DBConnections  int `yaml:"db_connections"`
	RegistryLimit  int `yaml:"registry_limit"`
	EventBufferCap int `yaml:"event_buffer_capacity"`
}

// RetryConfig bounds the dispatcher's backoff schedule and its
// per-request HTTP timeout.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
}

// Config is the node's full runtime configuration.
type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	// Root is the filesystem root under which per-agent storage
	// directories and the shared logs/ subdirectory live. Resolved from
	// TAP_ROOT / TAP_HOME if not set in YAML.
	Root string `yaml:"root"`

	// AgentDID seeds the node with a default agent identity when set
	// (TAP_AGENT_DID). Optional: agents may also be registered
	// programmatically.
	AgentDID string `yaml:"agent_did"`

	// LegacyDBPath, when set (TAP_NODE_DB_PATH), overrides per-agent
	// database sharding with a single shared database file.
	LegacyDBPath string `yaml:"legacy_db_path"`

	LogLevel string `yaml:"log_level"`

	Policy Policy      `yaml:"policy"`
	Pool   PoolConfig  `yaml:"pool"`
	Retry  RetryConfig `yaml:"retry"`
}

const defaultRootDirName = ".tap"

// Load reads filename (if non-empty and present) as YAML, applies defaults,
// then layers environment variable overrides on top — loading a .env file
// first via godotenv if one exists in the working directory, matching how
// the node's lineage resolves process configuration.
func Load(filename string) (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	var cfg Config
	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			data, err := os.ReadFile(filename)
			if err != nil {
				return nil, fmt.Errorf("config: read %s: %w", filename, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", filename, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if root := firstNonEmpty(os.Getenv("TAP_ROOT"), os.Getenv("TAP_HOME")); root != "" {
		cfg.Root = root
	}
	if did := os.Getenv("TAP_AGENT_DID"); did != "" {
		cfg.AgentDID = did
	}
	if dbPath := os.Getenv("TAP_NODE_DB_PATH"); dbPath != "" {
		cfg.LegacyDBPath = dbPath
	}
	if level := os.Getenv("TAP_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if raw := os.Getenv("TAP_HTTP_TIMEOUT_SECONDS"); raw != "" {
		if secs, err := ParseTimeout(raw); err == nil && secs > 0 {
			cfg.Retry.HTTPTimeout = time.Duration(secs) * time.Second
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.Root = filepath.Join(home, defaultRootDirName)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Pool.Workers == 0 {
		cfg.Pool.Workers = 4
	}
	if cfg.Pool.QueueCapacity == 0 {
		cfg.Pool.QueueCapacity = 100
	}
	if cfg.Pool.DBConnections == 0 {
		cfg.Pool.DBConnections = 10
	}
	if cfg.Pool.RegistryLimit == 0 {
		cfg.Pool.RegistryLimit = 1000
	}
	if cfg.Pool.EventBufferCap == 0 {
		cfg.Pool.EventBufferCap = 256
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 5
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 2 * time.Minute
	}
	if cfg.Retry.HTTPTimeout == 0 {
		cfg.Retry.HTTPTimeout = 30 * time.Second
	}
}

// Validate accumulates all configuration errors and returns them together
// rather than failing on the first one.
func (c *Config) Validate() error {
	var errs []string

	if c.Pool.Workers < 1 {
		errs = append(errs, "pool.workers must be >= 1")
	}
	if c.Pool.QueueCapacity < 1 {
		errs = append(errs, "pool.queue_capacity must be >= 1")
	}
	if c.Pool.DBConnections < 1 {
		errs = append(errs, "pool.db_connections must be >= 1")
	}
	if c.Pool.RegistryLimit < 1 {
		errs = append(errs, "pool.registry_limit must be >= 1")
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, "retry.max_retries must be >= 0")
	}
	if c.Retry.MaxDelay < c.Retry.InitialBackoff {
		errs = append(errs, "retry.max_delay must be >= retry.initial_backoff")
	}

	if len(errs) > 0 {
		msg := "config: validation failed:\n"
		for _, e := range errs {
			msg += "  - " + e + "\n"
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// AgentDBPath returns the sqlite file path for the given sanitized agent DID,
// honoring LegacyDBPath when the operator has opted into a single shared
// database file.
func (c *Config) AgentDBPath(sanitizedDID string) string {
	if c.LegacyDBPath != "" {
		return c.LegacyDBPath
	}
	return filepath.Join(c.Root, sanitizedDID, "transactions.db")
}

// LogsDir returns the shared logs/ subdirectory under Root.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Root, "logs")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ParseTimeout converts a string duration in seconds (as found in
// TAP_HTTP_TIMEOUT_SECONDS) to an int.
func ParseTimeout(timeoutStr string) (int, error) {
	if timeoutStr == "" {
		return 0, nil
	}
	return strconv.Atoi(timeoutStr)
}
