// Package archive moves finished work rows out of the live work tables
// into ClickHouse, keeping the claim path's table scans small. Rows are
// deleted only after their batch is durably flushed.
package archive

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tokenworks/token-processor/pkg/datastore"
)

// Archived row statuses swept from work tables.
var sweptStatuses = []string{"done", "failed"}

// Archiver sweeps one tenant's work table.
type Archiver struct {
	log      logrus.FieldLogger
	config   *Config
	store    datastore.Store
	tenantID int64
	table    string
	buffer   *Buffer
	sink     Sink

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
}

func NewArchiver(log logrus.FieldLogger, config *Config, store datastore.Store,
	tenantID int64, table string, sink Sink,
) *Archiver {
	a := &Archiver{
		log: log.WithFields(logrus.Fields{
			"component": "archiver",
			"tenant":    tenantID,
			"table":     table,
		}),
		config:   config,
		store:    store,
		tenantID: tenantID,
		table:    table,
		sink:     sink,
		stopChan: make(chan struct{}),
	}

	a.buffer = NewBuffer(log, table, config.MaxRows, config.FlushInterval, sink.Insert)

	return a
}

// Start begins the sweep loop. No-op when archiving is disabled.
func (a *Archiver) Start(ctx context.Context) error {
	if !a.config.Enabled {
		return nil
	}

	a.mu.Lock()

	if a.started {
		a.mu.Unlock()

		return nil
	}

	a.started = true
	a.mu.Unlock()

	if err := a.buffer.Start(ctx); err != nil {
		return err
	}

	a.wg.Add(1)

	go a.run(ctx)

	a.log.Info("Archiver started")

	return nil
}

// Stop halts sweeping and flushes the buffer.
func (a *Archiver) Stop(ctx context.Context) error {
	a.mu.Lock()

	if !a.started {
		a.mu.Unlock()

		return nil
	}

	a.started = false
	a.mu.Unlock()

	close(a.stopChan)
	a.wg.Wait()

	return a.buffer.Stop(ctx)
}

func (a *Archiver) run(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopChan:
			return
		case <-ticker.C:
			if swept, err := a.SweepOnce(ctx); err != nil {
				a.log.WithError(err).Warn("Archive sweep failed")
			} else if swept > 0 {
				a.log.WithField("swept", swept).Info("Archived finished rows")
			}
		}
	}
}

// SweepOnce archives and removes every finished, unlocked row currently
// in the work table. Returns the number of rows swept.
func (a *Archiver) SweepOnce(ctx context.Context) (int, error) {
	swept := 0

	for _, status := range sweptStatuses {
		rows, err := a.store.Read(ctx, a.table, datastore.Filter{
			datastore.Eq("status", status),
			datastore.IsNull("lock_id"),
		})
		if err != nil {
			return swept, fmt.Errorf("failed to read finished rows: %w", err)
		}

		if len(rows) == 0 {
			continue
		}

		batch := make([]Row, 0, len(rows))
		ids := make([]any, 0, len(rows))

		for _, row := range rows {
			id, ok := row["id"]
			if !ok {
				continue
			}

			batch = append(batch, a.toArchiveRow(row, status))
			ids = append(ids, id)
		}

		if err := a.buffer.Submit(ctx, batch); err != nil {
			return swept, fmt.Errorf("failed to archive %s rows: %w", status, err)
		}

		// The batch is durable; the work rows can go.
		for _, id := range ids {
			if _, err := a.store.Delete(ctx, a.table, datastore.Filter{
				datastore.Eq("id", id),
				datastore.Eq("status", status),
			}); err != nil {
				return swept, fmt.Errorf("failed to delete archived row: %w", err)
			}

			swept++
		}
	}

	return swept, nil
}

func (a *Archiver) toArchiveRow(row datastore.Row, status string) Row {
	out := Row{
		TenantID:    a.tenantID,
		TableName:   a.table,
		Status:      status,
		ProcessedAt: time.Now(),
	}

	if id, ok := row["id"]; ok {
		out.RowID = coerceInt64(id)
	}

	if op, ok := row["operation"].(string); ok {
		out.Operation = op
	}

	if hash, ok := row["tx_hash"].(string); ok {
		out.TxHash = hash
	}

	return out
}

func coerceInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)

		return parsed
	default:
		return 0
	}
}
