package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenworks/token-processor/pkg/cache"
	"github.com/tokenworks/token-processor/pkg/datastore"
)

// countingStore wraps a store and counts reads, to assert cache hits.
type countingStore struct {
	datastore.Store
	reads atomic.Int64
}

func (c *countingStore) Read(ctx context.Context, table string, filter datastore.Filter) ([]datastore.Row, error) {
	c.reads.Add(1)

	return c.Store.Read(ctx, table, filter)
}

// failingStore always fails reads, simulating an unreachable store.
type failingStore struct {
	datastore.Store
}

func (f *failingStore) Read(_ context.Context, _ string, _ datastore.Filter) ([]datastore.Row, error) {
	return nil, datastore.ErrStore
}

func newTestResolver(t *testing.T, db datastore.Store) (*Resolver, *TwoTier) {
	t.Helper()

	log := logrus.New()
	config := &Config{
		StrategiesTable: "strategies",
		BindingsTable:   "tenant_strategies",
	}
	require.NoError(t, config.Validate())

	tiered := NewTwoTier(log, cache.NewMemory(), config)
	resolver := NewResolver(log, NewStore(log, db, config), tiered)

	return resolver, tiered
}

func seedStrategy(t *testing.T, db datastore.Store, id int64, kind string, payload map[string]string) {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	_, err = db.Insert(context.Background(), "strategies", datastore.Row{
		"id":      id,
		"kind":    kind,
		"payload": string(raw),
	})
	require.NoError(t, err)
}

func seedBinding(t *testing.T, db datastore.Store, tenantID int64, ids ...int64) {
	t.Helper()

	for i, id := range ids {
		_, err := db.Insert(context.Background(), "tenant_strategies", datastore.Row{
			"tenant_id":   tenantID,
			"strategy_id": id,
			"position":    int64(i),
		})
		require.NoError(t, err)
	}
}

func TestResolver_LastWinsWithinKind(t *testing.T) {
	ctx := context.Background()
	db := datastore.NewMemory()

	seedStrategy(t, db, 1, KindDatabase, map[string]string{"dbconn": "postgres://a", "dbtype": "postgres"})
	seedStrategy(t, db, 2, KindDatabase, map[string]string{"dbconn": "postgres://b"})
	seedBinding(t, db, 7, 1, 2)

	resolver, _ := newTestResolver(t, db)

	resolved, err := resolver.Resolve(ctx, 7)
	require.NoError(t, err)

	// Strategy 2 is later in the binding, so its value wins for every
	// overlapping key; non-overlapping keys survive.
	assert.Equal(t, "postgres://b", resolved.Values["dbconn"])
	assert.Equal(t, "postgres", resolved.Values["dbtype"])
}

func TestResolver_LastKindWinsAcrossKinds(t *testing.T) {
	ctx := context.Background()
	db := datastore.NewMemory()

	seedStrategy(t, db, 1, KindDatabase, map[string]string{"shared": "from-database"})
	seedStrategy(t, db, 2, KindCache, map[string]string{"shared": "from-cache"})
	seedBinding(t, db, 7, 1, 2)

	resolver, _ := newTestResolver(t, db)

	resolved, err := resolver.Resolve(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "from-cache", resolved.Values["shared"])
}

func TestResolver_TwoPassGrouping(t *testing.T) {
	ctx := context.Background()
	db := datastore.NewMemory()

	// Kinds interleave: database, queue, database. The database group
	// merges first (first appearance), so the queue value wins the shared
	// key even though strategy 3 is last in the binding.
	seedStrategy(t, db, 1, KindDatabase, map[string]string{"shared": "db-early"})
	seedStrategy(t, db, 2, KindQueue, map[string]string{"shared": "queue"})
	seedStrategy(t, db, 3, KindDatabase, map[string]string{"shared": "db-late", "dbconn": "postgres://x"})
	seedBinding(t, db, 7, 1, 2, 3)

	resolver, _ := newTestResolver(t, db)

	resolved, err := resolver.Resolve(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "queue", resolved.Values["shared"])
	assert.Equal(t, "postgres://x", resolved.Values["dbconn"])
}

func TestResolver_Deterministic(t *testing.T) {
	ctx := context.Background()
	db := datastore.NewMemory()

	seedStrategy(t, db, 1, KindDatabase, map[string]string{"a": "1", "b": "2"})
	seedStrategy(t, db, 2, KindCache, map[string]string{"b": "3", "c": "4"})
	seedBinding(t, db, 7, 1, 2)

	resolver, tiered := newTestResolver(t, db)

	first, err := resolver.Resolve(ctx, 7)
	require.NoError(t, err)

	require.NoError(t, tiered.Flush(ctx))

	second, err := resolver.Resolve(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, first.Values, second.Values)
}

func TestResolver_CacheFillIdempotent(t *testing.T) {
	ctx := context.Background()

	counted := &countingStore{Store: datastore.NewMemory()}

	seedStrategy(t, counted.Store, 1, KindDatabase, map[string]string{"dbconn": "postgres://a"})
	seedBinding(t, counted.Store, 7, 1)

	resolver, _ := newTestResolver(t, counted)

	first, err := resolver.Resolve(ctx, 7)
	require.NoError(t, err)

	cold := counted.reads.Load()
	require.Positive(t, cold)

	second, err := resolver.Resolve(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, first.Values, second.Values)
	assert.Equal(t, cold, counted.reads.Load(), "warm resolve must not touch the store")
}

func TestResolver_TenantNotFound(t *testing.T) {
	resolver, _ := newTestResolver(t, datastore.NewMemory())

	_, err := resolver.Resolve(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolver_BoundStrategyMissing(t *testing.T) {
	ctx := context.Background()
	db := datastore.NewMemory()

	seedBinding(t, db, 7, 99)

	resolver, _ := newTestResolver(t, db)

	_, err := resolver.Resolve(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolver_UpstreamFailure(t *testing.T) {
	resolver, _ := newTestResolver(t, &failingStore{Store: datastore.NewMemory()})

	_, err := resolver.Resolve(context.Background(), 7)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestMergeRecords_Empty(t *testing.T) {
	assert.Empty(t, mergeRecords(nil))
}
