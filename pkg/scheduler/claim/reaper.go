package claim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tokenworks/token-processor/pkg/common"
	"github.com/tokenworks/token-processor/pkg/datastore"
)

// ReaperConfig controls TTL-based lock expiry.
type ReaperConfig struct {
	// Enabled turns the reaper on. A crashed worker's rows stay locked
	// forever without it.
	Enabled bool `yaml:"enabled"`
	// TTL is the age past which a lock counts as orphaned. It must
	// comfortably exceed the longest expected batch.
	TTL time.Duration `yaml:"ttl" default:"15m"`
	// Interval is how often locked rows are scanned.
	Interval time.Duration `yaml:"interval" default:"1m"`
}

func (c *ReaperConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.TTL <= 0 {
		return fmt.Errorf("reaper ttl must be positive")
	}

	if c.Interval <= 0 {
		return fmt.Errorf("reaper interval must be positive")
	}

	return nil
}

// Reaper clears orphaned lock tokens whose embedded claim time has aged
// past the TTL. It releases by exact stale token, never a blind clear, so
// it can never race a live worker holding a fresh token. The reset row is
// written alongside the cleared lock so reaped rows re-enter the
// claimable pool instead of staying parked mid-transition.
type Reaper struct {
	log    logrus.FieldLogger
	store  datastore.Store
	table  string
	reset  datastore.Row
	config *ReaperConfig

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
}

// NewReaper creates a reaper for one work table. reset must undo the
// claimer's claim-time update, e.g. status back to pending.
func NewReaper(log logrus.FieldLogger, store datastore.Store, table string, reset datastore.Row, config *ReaperConfig) *Reaper {
	return &Reaper{
		log:      log.WithField("component", "lock_reaper").WithField("table", table),
		store:    store,
		table:    table,
		reset:    reset,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Start begins the scan loop. No-op when the reaper is disabled.
func (r *Reaper) Start(ctx context.Context) error {
	if !r.config.Enabled {
		return nil
	}

	r.mu.Lock()

	if r.started {
		r.mu.Unlock()

		return nil
	}

	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)

	go r.run(ctx)

	r.log.WithFields(logrus.Fields{
		"ttl":      r.config.TTL,
		"interval": r.config.Interval,
	}).Info("Lock reaper started")

	return nil
}

// Stop halts the scan loop.
func (r *Reaper) Stop(_ context.Context) error {
	r.mu.Lock()

	if !r.started {
		r.mu.Unlock()

		return nil
	}

	r.started = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()

	return nil
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			if reaped, err := r.ReapOnce(ctx); err != nil {
				r.log.WithError(err).Warn("Lock reap pass failed")
			} else if reaped > 0 {
				r.log.WithField("reaped", reaped).Info("Cleared orphaned locks")
			}
		}
	}
}

// ReapOnce scans locked rows and clears every token older than the TTL.
// Returns the number of rows released.
func (r *Reaper) ReapOnce(ctx context.Context) (int64, error) {
	rows, err := r.store.Read(ctx, r.table, datastore.Filter{datastore.NotNull(LockColumn)})
	if err != nil {
		return 0, fmt.Errorf("failed to scan locked rows: %w", err)
	}

	cutoff := time.Now().Add(-r.config.TTL)
	stale := map[string]struct{}{}

	for _, row := range rows {
		token, ok := row[LockColumn].(string)
		if !ok {
			continue
		}

		claimedAt, err := TokenTime(token)
		if err != nil {
			r.log.WithError(err).Warn("Skipping unparseable lock token")

			continue
		}

		if claimedAt.Before(cutoff) {
			stale[token] = struct{}{}
		}
	}

	set := make(datastore.Row, len(r.reset)+1)
	for k, v := range r.reset {
		set[k] = v
	}

	set[LockColumn] = nil

	var reaped int64

	for token := range stale {
		released, err := r.store.UpdateWhere(ctx, r.table, set,
			datastore.Filter{datastore.Eq(LockColumn, token)}, 0)
		if err != nil {
			return reaped, fmt.Errorf("failed to clear stale token %s: %w", token, err)
		}

		reaped += released
	}

	common.LocksReaped.WithLabelValues(r.table).Add(float64(reaped))

	return reaped, nil
}
