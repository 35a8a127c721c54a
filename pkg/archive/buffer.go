package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tokenworks/token-processor/pkg/common"
)

// FlushFunc receives each drained batch.
type FlushFunc func(ctx context.Context, rows []Row) error

// waiter is a submitter blocked until its rows reach the sink.
type waiter struct {
	resultCh chan<- error
	rowCount int
}

// Buffer batches archive rows across concurrent submitters and flushes
// on a row limit or timer, whichever trips first. Submit blocks until
// the batch containing its rows has been flushed, so callers only delete
// work rows that are durably archived.
type Buffer struct {
	mu      sync.Mutex
	rows    []Row
	waiters []waiter

	log      logrus.FieldLogger
	table    string
	maxRows  int
	interval time.Duration
	flushFn  FlushFunc

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
}

func NewBuffer(log logrus.FieldLogger, table string, maxRows int, interval time.Duration, flushFn FlushFunc) *Buffer {
	if maxRows <= 0 {
		maxRows = 10000
	}

	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &Buffer{
		rows:     make([]Row, 0, maxRows),
		log:      log.WithField("component", "archive_buffer"),
		table:    table,
		maxRows:  maxRows,
		interval: interval,
		flushFn:  flushFn,
		stopChan: make(chan struct{}),
	}
}

// Start begins the flush timer.
func (b *Buffer) Start(ctx context.Context) error {
	b.mu.Lock()

	if b.started {
		b.mu.Unlock()

		return nil
	}

	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)

	go b.runFlushTimer(ctx)

	return nil
}

// Stop halts the timer and flushes whatever is buffered.
func (b *Buffer) Stop(ctx context.Context) error {
	b.mu.Lock()

	if !b.started {
		b.mu.Unlock()

		return nil
	}

	b.started = false
	b.mu.Unlock()

	close(b.stopChan)
	b.wg.Wait()

	rows, waiters := b.drain()

	if err := b.flush(ctx, rows, waiters); err != nil {
		return fmt.Errorf("failed to flush remaining archive rows: %w", err)
	}

	return nil
}

// Submit buffers rows and blocks until their batch is flushed.
func (b *Buffer) Submit(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	resultCh := make(chan error, 1)

	b.mu.Lock()

	if !b.started {
		b.mu.Unlock()

		return fmt.Errorf("archive buffer is not started")
	}

	b.rows = append(b.rows, rows...)
	b.waiters = append(b.waiters, waiter{resultCh: resultCh, rowCount: len(rows)})

	var (
		flushRows    []Row
		flushWaiters []waiter
	)

	if len(b.rows) >= b.maxRows {
		flushRows = b.rows
		flushWaiters = b.waiters
		b.rows = make([]Row, 0, b.maxRows)
		b.waiters = nil
	}

	b.mu.Unlock()

	if flushRows != nil {
		go func() {
			_ = b.flush(context.Background(), flushRows, flushWaiters)
		}()
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports buffered rows not yet flushed.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.rows)
}

func (b *Buffer) runFlushTimer(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopChan:
			return
		case <-ticker.C:
			rows, waiters := b.drain()
			_ = b.flush(ctx, rows, waiters)
		}
	}
}

func (b *Buffer) drain() ([]Row, []waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows := b.rows
	waiters := b.waiters
	b.rows = make([]Row, 0, b.maxRows)
	b.waiters = nil

	return rows, waiters
}

func (b *Buffer) flush(ctx context.Context, rows []Row, waiters []waiter) error {
	if len(rows) == 0 {
		return nil
	}

	started := time.Now()
	err := b.flushFn(ctx, rows)

	status := "success"
	if err != nil {
		status = "failed"
	}

	common.ArchiveRowsFlushed.WithLabelValues(b.table, status).Add(float64(len(rows)))

	if err != nil {
		b.log.WithError(err).WithField("rows", len(rows)).Error("Archive flush failed")
	} else {
		b.log.WithFields(logrus.Fields{
			"rows":     len(rows),
			"duration": time.Since(started),
		}).Debug("Archive flush completed")
	}

	for _, w := range waiters {
		select {
		case w.resultCh <- err:
		default:
		}
	}

	return err
}
