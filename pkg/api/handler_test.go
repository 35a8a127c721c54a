package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenworks/token-processor/pkg/cache"
	"github.com/tokenworks/token-processor/pkg/datastore"
	"github.com/tokenworks/token-processor/pkg/scheduler"
	"github.com/tokenworks/token-processor/pkg/scheduler/command"
	"github.com/tokenworks/token-processor/pkg/scheduler/worker"
	"github.com/tokenworks/token-processor/pkg/strategy"
	"github.com/tokenworks/token-processor/pkg/tenant"
)

type noopProcessor struct{}

func (noopProcessor) Process(_ context.Context, _ datastore.Row) (datastore.Row, error) {
	return nil, nil
}

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()

	log := logrus.New()

	strategyConfig := &strategy.Config{
		StrategiesTable: "strategies",
		BindingsTable:   "tenant_strategies",
	}
	require.NoError(t, strategyConfig.Validate())

	strategyDB := datastore.NewMemory()

	payload, err := json.Marshal(map[string]string{
		tenant.KeyDBType:    "memory",
		tenant.KeyDBConn:    "local",
		tenant.KeyCacheType: "memory",
		tenant.KeyCacheConn: "local",
		tenant.KeyMBType:    "memory",
		tenant.KeyMBConn:    "local",
	})
	require.NoError(t, err)

	_, err = strategyDB.Insert(context.Background(), "strategies", datastore.Row{
		"id": int64(1), "kind": strategy.KindDatabase, "payload": string(payload),
	})
	require.NoError(t, err)

	_, err = strategyDB.Insert(context.Background(), "tenant_strategies", datastore.Row{
		"tenant_id": int64(7), "strategy_id": int64(1), "position": int64(0),
	})
	require.NoError(t, err)

	tiered := strategy.NewTwoTier(log, cache.NewMemory(), strategyConfig)
	resolver := strategy.NewResolver(log, strategy.NewStore(log, strategyDB, strategyConfig), tiered)

	config := &scheduler.Config{
		SyncInterval:      time.Hour,
		Concurrency:       1,
		AssociationsTable: "worker_associations",
		Worker:            worker.Config{Table: "pending_transactions", BatchSize: 10, Interval: time.Second},
	}
	require.NoError(t, config.Validate())

	manager := scheduler.NewManager(log, config, datastore.NewMemory(), cache.NewMemory(),
		resolver, noopProcessor{}, nil, nil)

	router := mux.NewRouter()
	NewHandler(log, manager, tiered).RegisterRoutes(router)

	return router
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	return rec
}

func TestAssociateEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tenants/7/associations",
		AssociationRequest{ProcessIDs: []int64{1, 2}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AssociationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "associated", resp.Status)
	assert.ElementsMatch(t, []int64{1, 2}, resp.Created)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/tenants/7/associations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"process_ids":[1,2]`)
}

func TestAssociateConflict(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tenants/7/associations",
		AssociationRequest{ProcessIDs: []int64{2}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/tenants/9/associations",
		AssociationRequest{ProcessIDs: []int64{2}})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeassociateEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tenants/7/associations",
		AssociationRequest{ProcessIDs: []int64{1}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/tenants/7/associations",
		AssociationRequest{ProcessIDs: []int64{1}})
	require.Equal(t, http.StatusOK, rec.Code)

	// De-associating an unbound process reports not found.
	rec = doJSON(t, router, http.MethodDelete, "/api/v1/tenants/7/associations",
		AssociationRequest{ProcessIDs: []int64{5}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveConfigEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/tenants/7/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resolved strategy.ResolvedConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, "memory", resolved.Values[tenant.KeyDBType])

	// An unbound tenant resolves to nothing.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/tenants/404/config", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDispatchCommandEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tenants/7/workers/1/commands",
		CommandRequest{Kind: command.KindHoldWorker})
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Out-of-sequence commands are rejected, not queued.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/tenants/7/workers/1/commands",
		CommandRequest{Kind: command.KindExTransactionsDone})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestFlushStrategyCacheEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodDelete, "/api/v1/strategies/cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flushed")
}

func TestBadRequests(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tenants/abc/associations",
		AssociationRequest{ProcessIDs: []int64{1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/tenants/7/associations",
		AssociationRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tooMany := make([]int64, maxProcessIDs+1)
	for i := range tooMany {
		tooMany[i] = int64(i + 1)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/tenants/7/associations",
		AssociationRequest{ProcessIDs: tooMany})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
