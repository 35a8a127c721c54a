package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenworks/token-processor/pkg/broker"
	"github.com/tokenworks/token-processor/pkg/cache"
	"github.com/tokenworks/token-processor/pkg/datastore"
	"github.com/tokenworks/token-processor/pkg/scheduler/claim"
	"github.com/tokenworks/token-processor/pkg/scheduler/command"
)

const testTable = "pending_transactions"

// stubProcessor succeeds or fails per row based on a marker column.
type stubProcessor struct {
	calls int
}

func (s *stubProcessor) Process(_ context.Context, row datastore.Row) (datastore.Row, error) {
	s.calls++

	if fail, _ := row["fail"].(bool); fail {
		return nil, errors.New("boom")
	}

	return datastore.Row{"tx_hash": fmt.Sprintf("0x%d", s.calls)}, nil
}

func newTestClaimer(log *logrus.Logger, store datastore.Store) *claim.RowClaimer {
	return claim.NewRowClaimer(log, store, 7, testTable,
		datastore.Filter{datastore.Eq("status", "pending")},
		datastore.Row{"status": "processing"},
		datastore.Filter{},
		datastore.Row{"status": "pending"},
	)
}

type fixture struct {
	store     datastore.Store
	commands  *command.Processor
	events    broker.Broker
	processor *stubProcessor
	loop      *Loop
}

func newFixture(t *testing.T, batchSize int) *fixture {
	t.Helper()

	log := logrus.New()
	store := datastore.NewMemory()
	commands := command.NewProcessor(log, cache.NewMemory())
	events := broker.NewMemory()
	processor := &stubProcessor{}

	claimer := newTestClaimer(log, store)

	loop := NewLoop(log, &Config{Table: testTable, BatchSize: batchSize, Interval: time.Second},
		7, 1, store, claimer, commands, processor, events)

	return &fixture{
		store:     store,
		commands:  commands,
		events:    events,
		processor: processor,
		loop:      loop,
	}
}

func (f *fixture) seed(t *testing.T, n int, fail bool) {
	t.Helper()

	for i := 0; i < n; i++ {
		_, err := f.store.Insert(context.Background(), testTable, datastore.Row{
			"status":    "pending",
			"lock_id":   nil,
			"operation": "submit",
			"fail":      fail,
		})
		require.NoError(t, err)
	}
}

func TestRunOnce_ProcessesBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.seed(t, 3, false)

	processed, err := f.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)

	done, err := f.store.Read(ctx, testTable, datastore.Filter{datastore.Eq("status", RowStatusDone)})
	require.NoError(t, err)
	assert.Len(t, done, 3)

	for _, row := range done {
		assert.Nil(t, row["lock_id"])
		assert.NotEmpty(t, row["tx_hash"])
	}
}

func TestRunOnce_FailedRowsAreMarked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.seed(t, 2, true)

	processed, err := f.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, processed)

	failed, err := f.store.Read(ctx, testTable, datastore.Filter{datastore.Eq("status", RowStatusFailed)})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	for _, row := range failed {
		assert.Nil(t, row["lock_id"])
	}
}

func TestRunOnce_BatchSizeBoundsClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	f.seed(t, 5, false)

	processed, err := f.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	pending, err := f.store.Read(ctx, testTable, datastore.Filter{datastore.Eq("status", "pending")})
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestRunOnce_HeldWorkerIssuesNoClaims(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.seed(t, 3, false)

	require.Equal(t, command.Ack,
		f.commands.Handle(ctx, &command.Message{Kind: command.KindHoldWorker, TenantID: 7, ProcessID: 1}))

	processed, err := f.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.Zero(t, f.processor.calls)

	// resume returns the loop to claiming on the next cycle
	require.Equal(t, command.Ack,
		f.commands.Handle(ctx, &command.Message{Kind: command.KindResume, TenantID: 7, ProcessID: 1}))

	processed, err = f.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
}

func TestRunOnce_IdleWorkerRejectsClaimsUntilReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.seed(t, 2, false)

	require.Equal(t, command.Ack,
		f.commands.Handle(ctx, &command.Message{Kind: command.KindExTransactionsStopped, TenantID: 7, ProcessID: 1}))
	require.Equal(t, command.Ack,
		f.commands.Handle(ctx, &command.Message{Kind: command.KindExTransactionsDone, TenantID: 7, ProcessID: 1}))

	processed, err := f.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, processed)

	// Re-association resets the pair to running.
	require.NoError(t, f.commands.SetState(ctx, 7, 1, command.StateRunning))

	processed, err = f.loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
}

func TestRunOnce_PublishesBatchEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, 100)
	f.seed(t, 1, false)
	f.seed(t, 1, true)

	received := make(chan broker.Message, 1)

	require.NoError(t, f.events.Subscribe(ctx, []string{"tenant.7.transactions"},
		broker.SubscribeOptions{}, func(_ context.Context, msg broker.Message) error {
			received <- msg

			return nil
		}))

	_, err := f.loop.RunOnce(ctx)
	require.NoError(t, err)

	select {
	case msg := <-received:
		var event Event

		require.NoError(t, json.Unmarshal(msg.Body, &event))
		assert.Equal(t, int64(7), event.TenantID)
		assert.Equal(t, 1, event.Processed)
		assert.Equal(t, 1, event.Failed)
	default:
		t.Fatal("no batch event published")
	}
}

// readFailStore bounces Read calls while fail is set.
type readFailStore struct {
	datastore.Store
	fail bool
}

func (s *readFailStore) Read(ctx context.Context, table string, filter datastore.Filter) ([]datastore.Row, error) {
	if s.fail {
		return nil, errors.New("read bounced")
	}

	return s.Store.Read(ctx, table, filter)
}

func TestRunOnce_ReadFailureReturnsBatchToPool(t *testing.T) {
	ctx := context.Background()
	log := logrus.New()
	store := &readFailStore{Store: datastore.NewMemory()}
	commands := command.NewProcessor(log, cache.NewMemory())
	processor := &stubProcessor{}

	loop := NewLoop(log, &Config{Table: testTable, BatchSize: 10, Interval: time.Second},
		7, 1, store, newTestClaimer(log, store), commands, processor, nil)

	for i := 0; i < 2; i++ {
		_, err := store.Insert(ctx, testTable, datastore.Row{
			"status":    "pending",
			"lock_id":   nil,
			"operation": "submit",
		})
		require.NoError(t, err)
	}

	store.fail = true

	_, err := loop.RunOnce(ctx)
	require.Error(t, err)

	// The bounced batch was released, so the next cycle drains it fully.
	store.fail = false

	processed, err := loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
}

func TestRunOnce_EmptyTableIsQuiet(t *testing.T) {
	f := newFixture(t, 100)

	processed, err := f.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.Zero(t, f.processor.calls)
}

func TestLoop_StartStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	require.NoError(t, f.loop.Start(ctx))
	require.NoError(t, f.loop.Stop(ctx))
}
