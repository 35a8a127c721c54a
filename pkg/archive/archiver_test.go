package archive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenworks/token-processor/pkg/datastore"
)

type stubSink struct {
	mu   sync.Mutex
	rows []Row
}

func (s *stubSink) Insert(_ context.Context, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows = append(s.rows, rows...)

	return nil
}

func (s *stubSink) Close() error { return nil }

func (s *stubSink) archived() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Row(nil), s.rows...)
}

func newTestArchiver(t *testing.T) (*Archiver, datastore.Store, *stubSink) {
	t.Helper()

	store := datastore.NewMemory()
	sink := &stubSink{}

	config := &Config{
		Enabled:       true,
		Addr:          "localhost:9000",
		Table:         "transactions_archive",
		MaxRows:       1000,
		FlushInterval: 10 * time.Millisecond,
		SweepInterval: time.Hour,
	}

	return NewArchiver(logrus.New(), config, store, 7, "pending_transactions", sink), store, sink
}

func seedRow(t *testing.T, store datastore.Store, status string, lockID any) int64 {
	t.Helper()

	id, err := store.Insert(context.Background(), "pending_transactions", datastore.Row{
		"status":    status,
		"lock_id":   lockID,
		"operation": "submit",
		"tx_hash":   "0xabc",
	})
	require.NoError(t, err)

	return id
}

func TestSweepOnce_ArchivesFinishedRows(t *testing.T) {
	ctx := context.Background()
	archiver, store, sink := newTestArchiver(t)

	seedRow(t, store, "done", nil)
	seedRow(t, store, "failed", nil)
	seedRow(t, store, "pending", nil)

	require.NoError(t, archiver.Start(ctx))

	defer archiver.Stop(ctx)

	swept, err := archiver.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	archived := sink.archived()
	require.Len(t, archived, 2)

	for _, row := range archived {
		assert.Equal(t, int64(7), row.TenantID)
		assert.Equal(t, "pending_transactions", row.TableName)
		assert.Equal(t, "0xabc", row.TxHash)
	}

	// Finished rows are gone; pending work is untouched.
	remaining, err := store.Read(ctx, "pending_transactions", datastore.Filter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "pending", remaining[0]["status"])
}

func TestSweepOnce_SkipsLockedRows(t *testing.T) {
	ctx := context.Background()
	archiver, store, sink := newTestArchiver(t)

	// A done row still under a lock is mid-release; leave it alone.
	seedRow(t, store, "done", "123-1")

	require.NoError(t, archiver.Start(ctx))

	defer archiver.Stop(ctx)

	swept, err := archiver.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
	assert.Empty(t, sink.archived())
}

func TestSweepOnce_EmptyTable(t *testing.T) {
	ctx := context.Background()
	archiver, _, _ := newTestArchiver(t)

	require.NoError(t, archiver.Start(ctx))

	defer archiver.Stop(ctx)

	swept, err := archiver.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestArchiver_DisabledStartIsNoop(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMemory()

	archiver := NewArchiver(logrus.New(), &Config{Enabled: false}, store, 7, "t", &stubSink{})

	require.NoError(t, archiver.Start(ctx))
	require.NoError(t, archiver.Stop(ctx))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, (&Config{Enabled: false}).Validate())
	assert.Error(t, (&Config{Enabled: true}).Validate())
	assert.NoError(t, (&Config{
		Enabled:       true,
		Addr:          "localhost:9000",
		MaxRows:       10,
		FlushInterval: time.Second,
	}).Validate())
}
