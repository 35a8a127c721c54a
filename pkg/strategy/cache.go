package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tokenworks/token-processor/pkg/cache"
	"github.com/tokenworks/token-processor/pkg/common"
)

// TwoTier is the strategy cache. Tier A maps a tenant id to its ordered
// strategy ids, tier B maps a strategy id to its record. Both tiers are
// filled lazily by the resolver; staleness within the TTLs is accepted by
// design, callers needing immediate consistency invalidate explicitly.
//
// The cache value is injected into the resolver at construction: one
// instance per process, torn down with the process. There is no package
// level singleton.
type TwoTier struct {
	log    logrus.FieldLogger
	cache  cache.Cache
	config *Config
}

// NewTwoTier creates the two-tier strategy cache over a cache backend.
func NewTwoTier(log logrus.FieldLogger, c cache.Cache, config *Config) *TwoTier {
	return &TwoTier{
		log:    log.WithField("component", "strategy_cache"),
		cache:  c,
		config: config,
	}
}

func bindingKey(tenantID int64) string {
	return fmt.Sprintf("strategy:binding:%d", tenantID)
}

func payloadKey(strategyID int64) string {
	return fmt.Sprintf("strategy:payload:%d", strategyID)
}

// Binding returns the cached tier-A entry for a tenant.
func (t *TwoTier) Binding(ctx context.Context, tenantID int64) ([]int64, bool, error) {
	raw, err := t.cache.Get(ctx, bindingKey(tenantID))
	if errors.Is(err, cache.ErrMiss) {
		common.StrategyCacheMisses.WithLabelValues("binding").Inc()

		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to get binding for tenant %d: %w", tenantID, err)
	}

	ids := []int64{}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		// A corrupt entry behaves like a miss so the resolver refills it.
		t.log.WithError(err).WithField("tenant_id", tenantID).Warn("Dropping malformed binding cache entry")

		_ = t.cache.Delete(ctx, bindingKey(tenantID))

		return nil, false, nil
	}

	common.StrategyCacheHits.WithLabelValues("binding").Inc()

	return ids, true, nil
}

// SetBinding populates the tier-A entry for a tenant.
func (t *TwoTier) SetBinding(ctx context.Context, tenantID int64, ids []int64) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to marshal binding: %w", err)
	}

	return t.cache.Set(ctx, bindingKey(tenantID), string(raw), t.config.BindingTTL)
}

// Strategy returns the cached tier-B entry for a strategy id.
func (t *TwoTier) Strategy(ctx context.Context, strategyID int64) (Record, bool, error) {
	raw, err := t.cache.Get(ctx, payloadKey(strategyID))
	if errors.Is(err, cache.ErrMiss) {
		common.StrategyCacheMisses.WithLabelValues("payload").Inc()

		return Record{}, false, nil
	}

	if err != nil {
		return Record{}, false, fmt.Errorf("failed to get strategy %d: %w", strategyID, err)
	}

	record := Record{}
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		t.log.WithError(err).WithField("strategy_id", strategyID).Warn("Dropping malformed payload cache entry")

		_ = t.cache.Delete(ctx, payloadKey(strategyID))

		return Record{}, false, nil
	}

	common.StrategyCacheHits.WithLabelValues("payload").Inc()

	return record, true, nil
}

// SetStrategy populates the tier-B entry for a strategy id.
func (t *TwoTier) SetStrategy(ctx context.Context, record Record) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy: %w", err)
	}

	return t.cache.Set(ctx, payloadKey(record.ID), string(raw), t.config.PayloadTTL)
}

// Invalidate drops a tenant's tier-A entry. Used after reassignment when a
// caller cannot wait out the TTL.
func (t *TwoTier) Invalidate(ctx context.Context, tenantID int64) error {
	return t.cache.Delete(ctx, bindingKey(tenantID))
}

// InvalidateStrategy drops a strategy's tier-B entry.
func (t *TwoTier) InvalidateStrategy(ctx context.Context, strategyID int64) error {
	return t.cache.Delete(ctx, payloadKey(strategyID))
}

// Flush drops every cached entry.
func (t *TwoTier) Flush(ctx context.Context) error {
	return t.cache.DeleteAll(ctx)
}

// TTL reports the binding TTL, for observability endpoints.
func (t *TwoTier) TTL() time.Duration {
	return t.config.BindingTTL
}
