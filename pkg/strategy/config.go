package strategy

import (
	"fmt"
	"time"
)

type Config struct {
	// StrategiesTable holds one row per strategy id.
	StrategiesTable string `yaml:"strategiesTable" default:"strategies"`
	// BindingsTable maps tenants to their ordered strategy ids.
	BindingsTable string `yaml:"bindingsTable" default:"tenant_strategies"`
	// BindingTTL bounds staleness of tenant-to-strategy bindings. Keep it
	// no shorter than the expected reassignment churn.
	BindingTTL time.Duration `yaml:"bindingTTL" default:"30s"`
	// PayloadTTL bounds staleness of strategy payloads.
	PayloadTTL time.Duration `yaml:"payloadTTL" default:"5m"`
}

func (c *Config) Validate() error {
	if c.StrategiesTable == "" {
		return fmt.Errorf("strategiesTable is required")
	}

	if c.BindingsTable == "" {
		return fmt.Errorf("bindingsTable is required")
	}

	return nil
}
