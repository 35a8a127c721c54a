package redis

import (
	"fmt"
)

type Config struct {
	Address string `yaml:"address"`
	// DB selects the logical database; strategy cache, worker state and
	// command queue all share it.
	DB     int    `yaml:"db"`
	Prefix string `yaml:"prefix"`
}

func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.DB < 0 {
		return fmt.Errorf("redis db must not be negative")
	}

	if c.Prefix == "" {
		c.Prefix = "token-processor"
	}

	return nil
}
