package scheduler

import (
	"fmt"
	"time"

	"github.com/tokenworks/token-processor/pkg/archive"
	"github.com/tokenworks/token-processor/pkg/leaderelection"
	"github.com/tokenworks/token-processor/pkg/scheduler/claim"
	"github.com/tokenworks/token-processor/pkg/scheduler/worker"
)

// Config holds scheduler-wide settings plus the per-concern blocks the
// manager fans out to its components.
type Config struct {
	// SyncInterval is how often associations are re-read and worker
	// loops reconciled.
	SyncInterval time.Duration `yaml:"syncInterval" default:"30s"`
	// CommandQueue is the asynq queue carrying control commands.
	CommandQueue string `yaml:"commandQueue" default:"commands"`
	// Concurrency bounds concurrent asynq command handling.
	Concurrency int `yaml:"concurrency" default:"10"`
	// AssociationsTable holds worker-to-tenant bindings.
	AssociationsTable string `yaml:"associationsTable" default:"worker_associations"`

	Worker   worker.Config         `yaml:"worker"`
	Reaper   claim.ReaperConfig    `yaml:"reaper"`
	Archive  archive.Config        `yaml:"archive"`
	Election leaderelection.Config `yaml:"election"`
}

func (c *Config) Validate() error {
	if c.SyncInterval <= 0 {
		return fmt.Errorf("syncInterval must be positive")
	}

	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}

	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	if err := c.Reaper.Validate(); err != nil {
		return fmt.Errorf("reaper: %w", err)
	}

	if err := c.Archive.Validate(); err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	return nil
}
