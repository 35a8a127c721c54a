// Package strategy resolves tenant identifiers into merged runtime
// configurations through a two-tier cached lookup over the strategy store.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/tokenworks/token-processor/pkg/datastore"
)

// Strategy kinds. The payload of a strategy is opaque to the store; kinds
// only matter for merge grouping.
const (
	KindDatabase = "database"
	KindCache    = "cache"
	KindQueue    = "queue"
)

// Record is one durable configuration strategy.
type Record struct {
	ID      int64             `json:"id"`
	Kind    string            `json:"kind"`
	Payload map[string]string `json:"payload"`
}

// Store reads strategy records and tenant bindings from the platform
// data store. Records are immutable outside administrative rotation, so
// the store never writes.
type Store struct {
	log    logrus.FieldLogger
	db     datastore.Store
	config *Config
}

// NewStore creates a strategy store over the given data store.
func NewStore(log logrus.FieldLogger, db datastore.Store, config *Config) *Store {
	return &Store{
		log:    log.WithField("component", "strategy_store"),
		db:     db,
		config: config,
	}
}

// SelectStrategyIDsForTenant returns the tenant's strategy ids ordered by
// binding position. An unbound tenant yields an empty slice, not an error.
func (s *Store) SelectStrategyIDsForTenant(ctx context.Context, tenantID int64) ([]int64, error) {
	rows, err := s.db.Read(ctx, s.config.BindingsTable, datastore.Filter{
		datastore.Eq("tenant_id", tenantID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read bindings for tenant %d: %w", tenantID, err)
	}

	type binding struct {
		id       int64
		position int64
	}

	bindings := make([]binding, 0, len(rows))

	for _, row := range rows {
		id, err := toInt64(row["strategy_id"])
		if err != nil {
			return nil, fmt.Errorf("invalid strategy_id for tenant %d: %w", tenantID, err)
		}

		position, err := toInt64(row["position"])
		if err != nil {
			return nil, fmt.Errorf("invalid position for tenant %d: %w", tenantID, err)
		}

		bindings = append(bindings, binding{id: id, position: position})
	}

	// Ordering is significant: later positions win during merge.
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].position < bindings[j].position })

	ids := make([]int64, len(bindings))
	for i, b := range bindings {
		ids[i] = b.id
	}

	return ids, nil
}

// SelectStrategiesByIDs returns the records for the given ids. Absent ids
// are simply missing from the result map.
func (s *Store) SelectStrategiesByIDs(ctx context.Context, ids []int64) (map[int64]Record, error) {
	out := make(map[int64]Record, len(ids))

	for _, id := range ids {
		rows, err := s.db.Read(ctx, s.config.StrategiesTable, datastore.Filter{
			datastore.Eq("id", id),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read strategy %d: %w", id, err)
		}

		if len(rows) == 0 {
			continue
		}

		record, err := recordFromRow(rows[0])
		if err != nil {
			return nil, fmt.Errorf("invalid strategy %d: %w", id, err)
		}

		out[id] = record
	}

	return out, nil
}

func recordFromRow(row datastore.Row) (Record, error) {
	id, err := toInt64(row["id"])
	if err != nil {
		return Record{}, err
	}

	kind, _ := row["kind"].(string)

	payload := map[string]string{}

	switch v := row["payload"].(type) {
	case string:
		if v != "" {
			if err := json.Unmarshal([]byte(v), &payload); err != nil {
				return Record{}, fmt.Errorf("malformed payload: %w", err)
			}
		}
	case map[string]string:
		payload = v
	case nil:
	default:
		return Record{}, fmt.Errorf("unsupported payload type %T", v)
	}

	return Record{ID: id, Kind: kind, Payload: payload}, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	}

	return 0, fmt.Errorf("not an integer: %v (%T)", v, v)
}
