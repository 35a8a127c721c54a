package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenworks/token-processor/pkg/cache"
	"github.com/tokenworks/token-processor/pkg/datastore"
	"github.com/tokenworks/token-processor/pkg/scheduler/command"
	"github.com/tokenworks/token-processor/pkg/scheduler/worker"
	"github.com/tokenworks/token-processor/pkg/strategy"
	"github.com/tokenworks/token-processor/pkg/tenant"
)

type noopProcessor struct{}

func (noopProcessor) Process(_ context.Context, _ datastore.Row) (datastore.Row, error) {
	return nil, nil
}

// seedTenantConfig binds the tenant to one strategy carrying a complete
// all-memory runtime configuration.
func seedTenantConfig(t *testing.T, db datastore.Store, tenantID, strategyID int64) {
	t.Helper()

	payload, err := json.Marshal(map[string]string{
		tenant.KeyDBType:    "memory",
		tenant.KeyDBConn:    "local",
		tenant.KeyCacheType: "memory",
		tenant.KeyCacheConn: "local",
		tenant.KeyMBType:    "memory",
		tenant.KeyMBConn:    "local",
	})
	require.NoError(t, err)

	_, err = db.Insert(context.Background(), "strategies", datastore.Row{
		"id":      strategyID,
		"kind":    strategy.KindDatabase,
		"payload": string(payload),
	})
	require.NoError(t, err)

	_, err = db.Insert(context.Background(), "tenant_strategies", datastore.Row{
		"tenant_id":   tenantID,
		"strategy_id": strategyID,
		"position":    int64(0),
	})
	require.NoError(t, err)
}

func newTestManager(t *testing.T) (*Manager, datastore.Store) {
	t.Helper()

	log := logrus.New()

	strategyConfig := &strategy.Config{
		StrategiesTable: "strategies",
		BindingsTable:   "tenant_strategies",
	}
	require.NoError(t, strategyConfig.Validate())

	strategyDB := datastore.NewMemory()
	seedTenantConfig(t, strategyDB, 7, 1)

	resolver := strategy.NewResolver(log,
		strategy.NewStore(log, strategyDB, strategyConfig),
		strategy.NewTwoTier(log, cache.NewMemory(), strategyConfig))

	config := &Config{
		SyncInterval:      time.Hour,
		CommandQueue:      "commands",
		Concurrency:       1,
		AssociationsTable: "worker_associations",
		Worker: worker.Config{
			Table:     "pending_transactions",
			BatchSize: 10,
			Interval:  time.Second,
		},
	}
	require.NoError(t, config.Validate())

	admin := datastore.NewMemory()

	return NewManager(log, config, admin, cache.NewMemory(), resolver, noopProcessor{}, nil, nil), admin
}

func TestSyncOnce_ReconcilesLoops(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.Associator().Associate(ctx, 7, []int64{1, 2})
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx))

	defer m.Stop(ctx)

	assert.Equal(t, 2, m.LoopCount())

	// Shrinking the association stops the loop on the next sync.
	_, err = m.Associator().Deassociate(ctx, 7, []int64{2})
	require.NoError(t, err)

	require.NoError(t, m.SyncOnce(ctx))
	assert.Equal(t, 1, m.LoopCount())

	_, err = m.Associator().Deassociate(ctx, 7, []int64{1})
	require.NoError(t, err)

	require.NoError(t, m.SyncOnce(ctx))
	assert.Zero(t, m.LoopCount())
}

func TestSyncOnce_UnresolvableTenantIsSkipped(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	// Tenant 9 has no strategy binding, so its handles cannot open.
	_, err := m.Associator().Associate(ctx, 9, []int64{3})
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx))

	defer m.Stop(ctx)

	assert.Zero(t, m.LoopCount())
}

func TestSyncOnce_ReassociationResetsIdleWorker(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	require.NoError(t, m.Commands().SetState(ctx, 7, 1, command.StateIdle))

	_, err := m.Associator().Associate(ctx, 7, []int64{1})
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx))

	defer m.Stop(ctx)

	state, err := m.Commands().State(ctx, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, command.StateRunning, state)
}

func TestDispatch_WithoutTransportAppliesDirectly(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	require.NoError(t, m.Dispatch(ctx, &command.Message{
		Kind: command.KindHoldWorker, TenantID: 7, ProcessID: 1,
	}))

	state, err := m.Commands().State(ctx, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, command.StateHeld, state)

	// An out-of-sequence command surfaces as an error to the caller.
	assert.Error(t, m.Dispatch(ctx, &command.Message{
		Kind: command.KindExTransactionsDone, TenantID: 7, ProcessID: 1,
	}))
}

func TestConfigValidate(t *testing.T) {
	valid := &Config{
		SyncInterval: time.Minute,
		Concurrency:  1,
		Worker:       worker.Config{Table: "t", BatchSize: 1, Interval: time.Second},
	}
	assert.NoError(t, valid.Validate())

	assert.Error(t, (&Config{Concurrency: 1}).Validate())
	assert.Error(t, (&Config{SyncInterval: time.Minute}).Validate())
}
