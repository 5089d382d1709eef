// Package config loads the server configuration from a YAML file, the
// environment, and CLI flag overrides, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the agent server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Agent     AgentConfig     `yaml:"agent"`
	MCP       MCPConfig       `yaml:"mcp"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	// Host defaults to loopback. The /mcp surface refuses non-loopback
	// peers regardless unless AllowRemoteMCP is set.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ExecDir is the root under which per-session working directories are
	// materialized.
	ExecDir string `yaml:"exec_dir"`

	// AllowRemoteMCP disables the loopback-only guard on /mcp.
	AllowRemoteMCP bool `yaml:"allow_remote_mcp"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AgentConfig tunes the reasoning loop.
type AgentConfig struct {
	// MaxTurns bounds model round-trips within one chat request.
	MaxTurns int `yaml:"max_turns"`

	// ToolTimeout is the per-call tool execution budget.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// CompactionThreshold is the fraction of the context window at which
	// history compaction kicks in.
	CompactionThreshold float64 `yaml:"compaction_threshold"`
}

// MCPConfig covers MCP client pool behavior.
type MCPConfig struct {
	// Servers are user-supplied MCP server URLs joined into every
	// conversation's pool.
	Servers []MCPServerConfig `yaml:"servers"`

	// ProbeCacheTTL bounds how long a transport probe result is reused.
	ProbeCacheTTL time.Duration `yaml:"probe_cache_ttl"`

	// AggregatorURL points at the integrations aggregator; empty disables
	// aggregator tools.
	AggregatorURL string `yaml:"aggregator_url"`

	// RelistInterval is how often aggregator tools are re-listed.
	RelistInterval time.Duration `yaml:"relist_interval"`
}

// MCPServerConfig describes one user-supplied MCP server.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// RateLimitConfig covers the daily per-tenant gate.
type RateLimitConfig struct {
	// DBPath is the SQLite file backing rate_limit_records. Empty selects
	// an in-memory database.
	DBPath string `yaml:"db_path"`

	// DefaultDailyLimit applies when the catalog service is unreachable.
	DefaultDailyLimit int `yaml:"default_daily_limit"`

	// Bypass disables the gate entirely (dev and test environments).
	Bypass bool `yaml:"bypass"`
}

// CatalogConfig points at the managed-provider catalog service. Absence of a
// URL disables managed credentials and limit lookup.
type CatalogConfig struct {
	URL string `yaml:"url"`
}

// LoggingConfig covers structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file, expanding ${VAR} environment
// references, then applies environment overrides and defaults. An empty path
// yields an environment-and-defaults-only configuration.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyEnv overlays well-known environment variables onto the config. A set
// variable wins over the file; absence leaves the file value alone.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BROWSEROS_CATALOG_URL"); v != "" {
		cfg.Catalog.URL = v
	}
	if v := os.Getenv("BROWSEROS_AGGREGATOR_URL"); v != "" {
		cfg.MCP.AggregatorURL = v
	}
	if v := os.Getenv("BROWSEROS_RATE_LIMIT_BYPASS"); v == "1" || v == "true" {
		cfg.RateLimit.Bypass = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ExecDir == "" {
		cfg.Server.ExecDir = os.TempDir()
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Agent.MaxTurns == 0 {
		cfg.Agent.MaxTurns = 48
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = 60 * time.Second
	}
	if cfg.Agent.CompactionThreshold == 0 {
		cfg.Agent.CompactionThreshold = 0.6
	}
	if cfg.MCP.ProbeCacheTTL == 0 {
		cfg.MCP.ProbeCacheTTL = time.Hour
	}
	if cfg.MCP.RelistInterval == 0 {
		cfg.MCP.RelistInterval = 3 * time.Minute
	}
	if cfg.RateLimit.DefaultDailyLimit == 0 {
		cfg.RateLimit.DefaultDailyLimit = 200
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
