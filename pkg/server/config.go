package server

import (
	"fmt"
	"time"

	"github.com/tokenworks/token-processor/pkg/chain"
	"github.com/tokenworks/token-processor/pkg/redis"
	"github.com/tokenworks/token-processor/pkg/scheduler"
	"github.com/tokenworks/token-processor/pkg/strategy"
)

// AdminConfig points at the platform data store holding strategies,
// bindings and worker associations. Tenant work tables live in each
// tenant's own store, resolved at runtime.
type AdminConfig struct {
	Engine     string `yaml:"engine" default:"postgres"`
	Connection string `yaml:"connection"`
}

func (c *AdminConfig) Validate() error {
	if c.Connection == "" {
		return fmt.Errorf("admin connection is required")
	}

	return nil
}

type Config struct {
	// MetricsAddr is the address to listen on for metrics.
	MetricsAddr string `yaml:"metricsAddr" default:":9090"`
	// APIAddr is the address the administrative API listens on.
	APIAddr string `yaml:"apiAddr" default:":8080"`
	// HealthCheckAddr is the address to listen on for healthcheck.
	HealthCheckAddr *string `yaml:"healthCheckAddr"`
	// PProfAddr is the address to listen on for pprof.
	PProfAddr *string `yaml:"pprofAddr"`
	// LoggingLevel is the logging level to use.
	LoggingLevel string `yaml:"logging" default:"info"`
	// Redis carries the strategy cache, worker state, command queue and
	// leader lock.
	Redis *redis.Config `yaml:"redis"`
	// Admin is the platform data store.
	Admin AdminConfig `yaml:"admin"`
	// Strategy configures configuration resolution.
	Strategy strategy.Config `yaml:"strategy"`
	// Scheduler configures the worker control loop.
	Scheduler scheduler.Config `yaml:"scheduler"`
	// Chain is the execution node transactions run against.
	Chain *chain.Config `yaml:"chain"`
	// MemoryMonitor controls periodic runtime stats sampling.
	MemoryMonitor MemoryMonitorConfig `yaml:"memoryMonitor"`
	// ShutdownTimeout is the timeout for shutting down the server.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"10s"`
}

func (c *Config) Validate() error {
	if c.Redis == nil {
		return fmt.Errorf("redis configuration is required")
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("invalid redis configuration: %w", err)
	}

	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("invalid admin configuration: %w", err)
	}

	if err := c.Strategy.Validate(); err != nil {
		return fmt.Errorf("invalid strategy configuration: %w", err)
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("invalid scheduler configuration: %w", err)
	}

	if c.Chain == nil {
		return fmt.Errorf("chain configuration is required")
	}

	if err := c.Chain.Validate(); err != nil {
		return fmt.Errorf("invalid chain configuration: %w", err)
	}

	return nil
}
