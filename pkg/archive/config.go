package archive

import (
	"fmt"
	"time"
)

// Config controls the ClickHouse archive sink.
type Config struct {
	// Enabled turns archiving on. Finished rows stay in the work table
	// forever without it.
	Enabled bool `yaml:"enabled"`
	// Addr is the native protocol address, e.g. "localhost:9000".
	Addr     string `yaml:"addr"`
	Database string `yaml:"database" default:"default"`
	Username string `yaml:"username" default:"default"`
	Password string `yaml:"password"`
	// Table receives archived rows.
	Table string `yaml:"table" default:"transactions_archive"`
	// MaxRows is the flush threshold.
	MaxRows int `yaml:"maxRows" default:"10000"`
	// FlushInterval is the max wait before a partial batch flushes.
	FlushInterval time.Duration `yaml:"flushInterval" default:"5s"`
	// SweepInterval is how often finished work rows are swept out of the
	// work tables.
	SweepInterval time.Duration `yaml:"sweepInterval" default:"5m"`
	DialTimeout   time.Duration `yaml:"dialTimeout" default:"10s"`
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Addr == "" {
		return fmt.Errorf("archive addr is required when enabled")
	}

	if c.MaxRows <= 0 {
		return fmt.Errorf("archive maxRows must be positive")
	}

	if c.FlushInterval <= 0 {
		return fmt.Errorf("archive flushInterval must be positive")
	}

	return nil
}
