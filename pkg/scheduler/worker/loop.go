// Package worker runs the claim/process/release loop for one
// tenant-worker pair. Correctness rests on the claimer's atomic
// conditional update; the loop itself holds no locks and checks control
// state only between batches.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tokenworks/token-processor/pkg/broker"
	"github.com/tokenworks/token-processor/pkg/common"
	"github.com/tokenworks/token-processor/pkg/datastore"
	"github.com/tokenworks/token-processor/pkg/scheduler/claim"
	"github.com/tokenworks/token-processor/pkg/scheduler/command"
)

// Terminal row statuses written after processing.
const (
	RowStatusDone   = "done"
	RowStatusFailed = "failed"
)

// Config tunes one worker loop.
type Config struct {
	// Table is the tenant's pending-transaction table.
	Table string `yaml:"table" default:"pending_transactions"`
	// BatchSize bounds each claim.
	BatchSize int `yaml:"batchSize" default:"100"`
	// Interval is the pause between batches when no work was found.
	Interval time.Duration `yaml:"interval" default:"10s"`
}

func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be positive")
	}

	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	return nil
}

// Event is published to the tenant's broker after each batch.
type Event struct {
	TenantID  int64 `json:"tenant_id"`
	ProcessID int64 `json:"process_id"`
	Processed int   `json:"processed"`
	Failed    int   `json:"failed"`
}

// Loop drains one tenant's pending transactions under one process id.
type Loop struct {
	log       logrus.FieldLogger
	config    *Config
	tenantID  int64
	processID int64

	store     datastore.Store
	claimer   *claim.RowClaimer
	commands  *command.Processor
	processor RowProcessor
	events    broker.Broker

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
}

func NewLoop(log logrus.FieldLogger, config *Config, tenantID, processID int64,
	store datastore.Store, claimer *claim.RowClaimer, commands *command.Processor,
	processor RowProcessor, events broker.Broker,
) *Loop {
	return &Loop{
		log: log.WithFields(logrus.Fields{
			"component": "worker_loop",
			"tenant":    tenantID,
			"process":   processID,
		}),
		config:    config,
		tenantID:  tenantID,
		processID: processID,
		store:     store,
		claimer:   claimer,
		commands:  commands,
		processor: processor,
		events:    events,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the batch loop.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()

	if l.started {
		l.mu.Unlock()

		return nil
	}

	l.started = true
	l.mu.Unlock()

	l.wg.Add(1)

	go l.run(ctx)

	l.log.Info("Worker loop started")

	return nil
}

// Stop halts the loop after the in-flight batch completes.
func (l *Loop) Stop(_ context.Context) error {
	l.mu.Lock()

	if !l.started {
		l.mu.Unlock()

		return nil
	}

	l.started = false
	l.mu.Unlock()

	close(l.stopChan)
	l.wg.Wait()

	l.log.Info("Worker loop stopped")

	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		case <-ticker.C:
			if _, err := l.RunOnce(ctx); err != nil {
				l.log.WithError(err).Warn("Batch failed")
			}
		}
	}
}

// RunOnce executes one claim/process/release cycle and returns the
// number of rows processed. Held, draining and idle workers issue no new
// claims; a zero claim is not an error.
func (l *Loop) RunOnce(ctx context.Context) (int, error) {
	state, err := l.commands.State(ctx, l.tenantID, l.processID)
	if err != nil {
		return 0, err
	}

	if !command.AllowsClaims(state) {
		l.log.WithField("state", state).Debug("Skipping batch, claims not allowed")

		return 0, nil
	}

	token := claim.NewToken(l.processID)

	claimed, err := l.claimer.Claim(ctx, token, l.config.BatchSize)
	if err != nil {
		return 0, err
	}

	if claimed == 0 {
		return 0, nil
	}

	rows, err := l.claimer.Rows(ctx, token)
	if err != nil {
		// Rows stay claimed under this token; give them back so another
		// cycle can pick them up.
		if _, rerr := l.claimer.Release(ctx, token); rerr != nil {
			l.log.WithError(rerr).Warn("Failed to release batch after read failure")
		}

		return 0, err
	}

	processed, failed := 0, 0

	for _, row := range rows {
		if l.processRow(ctx, token, row) {
			processed++
		} else {
			failed++
		}
	}

	// Anything still holding the token was neither finished nor failed,
	// e.g. a row whose status write bounced. Return it to the pool.
	if _, err := l.claimer.Release(ctx, token); err != nil {
		l.log.WithError(err).Warn("Failed to release batch remainder")
	}

	l.publishEvent(ctx, processed, failed)

	l.log.WithFields(logrus.Fields{
		"claimed":   claimed,
		"processed": processed,
		"failed":    failed,
	}).Debug("Batch complete")

	return processed, nil
}

// processRow executes one row and writes its terminal status, clearing
// the lock in the same conditional update. Reports success.
func (l *Loop) processRow(ctx context.Context, token string, row datastore.Row) bool {
	tenant := strconv.FormatInt(l.tenantID, 10)
	operation, _ := row["operation"].(string)

	started := time.Now()

	updates, err := l.processor.Process(ctx, row)

	common.TransactionDuration.WithLabelValues(tenant, operation).Observe(time.Since(started).Seconds())

	status := RowStatusDone
	if err != nil {
		status = RowStatusFailed

		l.log.WithError(err).WithField("row_id", row["id"]).Warn("Row processing failed")
	}

	common.TransactionsProcessed.WithLabelValues(tenant, operation, status).Inc()

	set := make(datastore.Row, len(updates)+2)
	for k, v := range updates {
		set[k] = v
	}

	set["status"] = status
	set[claim.LockColumn] = nil

	filter := datastore.Filter{datastore.Eq(claim.LockColumn, token)}
	if id, ok := row["id"]; ok {
		filter = filter.And(datastore.Eq("id", id))
	}

	if _, uerr := l.store.UpdateWhere(ctx, l.claimer.Table(), set, filter, 0); uerr != nil {
		l.log.WithError(uerr).WithField("row_id", row["id"]).Warn("Failed to write row status")

		return false
	}

	return err == nil
}

func (l *Loop) publishEvent(ctx context.Context, processed, failed int) {
	if l.events == nil {
		return
	}

	body, err := json.Marshal(Event{
		TenantID:  l.tenantID,
		ProcessID: l.processID,
		Processed: processed,
		Failed:    failed,
	})
	if err != nil {
		return
	}

	topic := fmt.Sprintf("tenant.%d.transactions", l.tenantID)

	if err := l.events.Publish(ctx, topic, body); err != nil {
		l.log.WithError(err).Warn("Failed to publish batch event")
	}
}
