package chain

import (
	"fmt"
)

// Config describes the execution node transactions are submitted to.
type Config struct {
	// Name identifies the node in logs and metrics.
	Name string `yaml:"name" default:"default"`
	// NodeAddress is the JSON-RPC endpoint.
	NodeAddress string `yaml:"nodeAddress"`
	// NodeHeaders are added to every RPC request, e.g. auth headers.
	NodeHeaders map[string]string `yaml:"nodeHeaders"`
}

func (c *Config) Validate() error {
	if c.NodeAddress == "" {
		return fmt.Errorf("nodeAddress is required")
	}

	return nil
}
