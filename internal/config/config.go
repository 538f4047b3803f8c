// Package config loads partybox settings from PARTYBOX_* environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/caffeineduck/partybox/policy"
)

type Config struct {
	Addr     string `env:"PARTYBOX_ADDR" envDefault:":3000"`
	GamesDir string `env:"PARTYBOX_GAMES_DIR" envDefault:"./games"`
	// Strategy is auto, container or child-process.
	Strategy    string   `env:"PARTYBOX_STRATEGY" envDefault:"auto"`
	InlineGames []string `env:"PARTYBOX_INLINE_GAMES" envSeparator:","`

	Image   string `env:"PARTYBOX_IMAGE" envDefault:"partybox-runtime:latest"`
	Network string `env:"PARTYBOX_NETWORK" envDefault:"partybox-games"`
	Docker  string `env:"PARTYBOX_DOCKER" envDefault:"docker"`
	// Wrapper is the binary the child-process strategy runs. Empty means the
	// running executable.
	Wrapper string `env:"PARTYBOX_WRAPPER"`

	LogLevel  string `env:"PARTYBOX_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"PARTYBOX_LOG_FORMAT" envDefault:"text"`

	MemoryLimitMB    uint64        `env:"PARTYBOX_MEMORY_LIMIT_MB" envDefault:"128"`
	CPUQuota         float64       `env:"PARTYBOX_CPU_QUOTA" envDefault:"0.5"`
	PidsLimit        int           `env:"PARTYBOX_PIDS_LIMIT" envDefault:"100"`
	ExecutionTimeout time.Duration `env:"PARTYBOX_EXECUTION_TIMEOUT" envDefault:"5s"`
	RestartCeiling   int           `env:"PARTYBOX_RESTART_CEILING" envDefault:"3"`

	OTelEndpoint string `env:"PARTYBOX_OTEL_ENDPOINT"`
}

// Load parses the environment.
func Load() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch c.Strategy {
	case "auto", "container", "child-process":
	default:
		return fmt.Errorf("PARTYBOX_STRATEGY: unknown strategy %q", c.Strategy)
	}
	if c.MemoryLimitMB == 0 {
		return fmt.Errorf("PARTYBOX_MEMORY_LIMIT_MB must be positive")
	}
	if c.CPUQuota <= 0 {
		return fmt.Errorf("PARTYBOX_CPU_QUOTA must be positive")
	}
	if c.RestartCeiling < 1 {
		return fmt.Errorf("PARTYBOX_RESTART_CEILING must be at least 1")
	}
	return nil
}

// Policy builds the policy shared by every strategy.
func (c *Config) Policy() *policy.Policy {
	p := policy.Default()
	p.MemoryCeiling = c.MemoryLimitMB << 20
	p.CPUQuota = c.CPUQuota
	p.PidsLimit = c.PidsLimit
	p.ExecutionTimeout = c.ExecutionTimeout
	p.RestartCeiling = c.RestartCeiling
	return p
}
