package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Supported overlay protocols.
const (
	ProtocolRing  = "ring"
	ProtocolChord = "chord"
	ProtocolPGrid = "pgrid"
)

// Routing preferences used to evict entries from full buckets.
const (
	PreferRecency   = "recency"
	PreferProximity = "proximity"
)

// Config holds all configuration for a simulation run
type Config struct {
	// Overlay
	Protocol   string `yaml:"protocol"`
	M          int    `yaml:"m"`          // Identifier space size in bits
	Redundancy int    `yaml:"redundancy"` // Entries kept per routing flavor
	Preference string `yaml:"preference"`
	HopLimit   int    `yaml:"hop_limit"`

	// P-Grid
	SplitThreshold int `yaml:"split_threshold"` // Combined entries above which identical paths split

	// Workload
	Seed            int64   `yaml:"seed"`
	Nodes           int     `yaml:"nodes"`
	Keys            int     `yaml:"keys"`
	Lookups         int     `yaml:"lookups"`
	StabilizeRounds int     `yaml:"stabilize_rounds"`
	ChurnRate       float64 `yaml:"churn_rate"` // Probability a round removes a node
	Workers         int     `yaml:"workers"`    // Parallel stabilization workers, 1 disables

	// Persistence
	DataDir string `yaml:"data_dir"` // Empty keeps badger in memory

	// Live ring feed
	HTTPAddr string `yaml:"http_addr"` // Empty disables the websocket server

	// Logging
	LogLevel  string `yaml:"log_level"`  // trace, debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console
	LogFile   string `yaml:"log_file"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Protocol:        ProtocolChord,
		M:               32,
		Redundancy:      3,
		Preference:      PreferRecency,
		HopLimit:        32,
		SplitThreshold:  8,
		Seed:            1,
		Nodes:           16,
		Keys:            64,
		Lookups:         128,
		StabilizeRounds: 4,
		Workers:         1,
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Protocol {
	case ProtocolRing, ProtocolChord, ProtocolPGrid:
	default:
		return fmt.Errorf("unknown protocol %q", c.Protocol)
	}
	if c.M <= 0 || c.M > 256 {
		return fmt.Errorf("M must be between 1 and 256, got %d", c.M)
	}
	if c.Redundancy < 1 {
		return fmt.Errorf("redundancy must be positive, got %d", c.Redundancy)
	}
	switch c.Preference {
	case PreferRecency, PreferProximity:
	default:
		return fmt.Errorf("unknown routing preference %q", c.Preference)
	}
	if c.HopLimit < 1 {
		return fmt.Errorf("hop limit must be positive, got %d", c.HopLimit)
	}
	if c.SplitThreshold < 1 {
		return fmt.Errorf("split threshold must be positive, got %d", c.SplitThreshold)
	}
	if c.Nodes < 0 || c.Keys < 0 || c.Lookups < 0 || c.StabilizeRounds < 0 {
		return fmt.Errorf("workload sizes cannot be negative")
	}
	if c.ChurnRate < 0 || c.ChurnRate > 1 {
		return fmt.Errorf("churn rate must be within [0, 1], got %g", c.ChurnRate)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	return nil
}
