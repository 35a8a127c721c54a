package strategy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tokenworks/token-processor/pkg/common"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the tenant has no strategy binding, or a bound
	// strategy record is absent from the store.
	ErrNotFound = errors.New("not found")
	// ErrUpstream indicates the strategy store was unreachable during a
	// cache fill. The failure propagates unwrapped intent: there is no
	// silent default configuration.
	ErrUpstream = errors.New("strategy store unreachable")
)

// ResolvedConfig is the fully merged runtime configuration for a tenant.
// Derived, never persisted; recomputed on every cache miss.
type ResolvedConfig struct {
	TenantID int64
	Values   map[string]string
}

// Resolver turns a tenant id into a ResolvedConfig via the two-tier cache.
type Resolver struct {
	log   logrus.FieldLogger
	store *Store
	cache *TwoTier
}

// NewResolver creates a resolver. The cache is injected, not global.
func NewResolver(log logrus.FieldLogger, store *Store, cache *TwoTier) *Resolver {
	return &Resolver{
		log:   log.WithField("component", "resolver"),
		store: store,
		cache: cache,
	}
}

// Resolve returns the merged configuration for a tenant.
//
// The tier-A lookup fully completes before any tier-B lookup is issued;
// tier-B lookups for distinct strategy ids run concurrently. Merge order
// follows the binding: payloads are grouped by kind preserving binding
// order, merged last-wins within each kind, then kind groups are merged in
// order of first appearance so the last kind wins on cross-kind collisions.
func (r *Resolver) Resolve(ctx context.Context, tenantID int64) (*ResolvedConfig, error) {
	started := time.Now()
	defer func() {
		common.ResolveDuration.WithLabelValues(strconv.FormatInt(tenantID, 10)).Observe(time.Since(started).Seconds())
	}()

	ids, err := r.strategyIDs(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: tenant %d has no strategy binding", ErrNotFound, tenantID)
	}

	records, err := r.strategies(ctx, ids)
	if err != nil {
		return nil, err
	}

	ordered := make([]Record, 0, len(ids))

	for _, id := range ids {
		record, ok := records[id]
		if !ok {
			return nil, fmt.Errorf("%w: strategy %d bound to tenant %d", ErrNotFound, id, tenantID)
		}

		ordered = append(ordered, record)
	}

	values := mergeRecords(ordered)

	r.log.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"strategies": len(ordered),
		"keys":       len(values),
	}).Debug("Resolved tenant configuration")

	return &ResolvedConfig{TenantID: tenantID, Values: values}, nil
}

func (r *Resolver) strategyIDs(ctx context.Context, tenantID int64) ([]int64, error) {
	ids, hit, err := r.cache.Binding(ctx, tenantID)
	if err != nil {
		r.log.WithError(err).WithField("tenant_id", tenantID).Warn("Tier-A cache read failed, falling through to store")
	}

	if hit {
		return ids, nil
	}

	ids, err = retry(ctx, func() ([]int64, error) {
		return r.store.SelectStrategyIDsForTenant(ctx, tenantID)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: tenant %d has no strategy binding", ErrNotFound, tenantID)
	}

	if err := r.cache.SetBinding(ctx, tenantID, ids); err != nil {
		r.log.WithError(err).WithField("tenant_id", tenantID).Warn("Failed to populate tier-A cache")
	}

	return ids, nil
}

func (r *Resolver) strategies(ctx context.Context, ids []int64) (map[int64]Record, error) {
	var mu sync.Mutex

	records := make(map[int64]Record, len(ids))

	g, gctx := errgroup.WithContext(ctx)

	for _, id := range ids {
		g.Go(func() error {
			record, hit, err := r.cache.Strategy(gctx, id)
			if err != nil {
				r.log.WithError(err).WithField("strategy_id", id).Warn("Tier-B cache read failed, falling through to store")
			}

			if !hit {
				loaded, err := retry(gctx, func() (map[int64]Record, error) {
					return r.store.SelectStrategiesByIDs(gctx, []int64{id})
				})
				if err != nil {
					return fmt.Errorf("%w: %v", ErrUpstream, err)
				}

				record, hit = loaded[id]
				if !hit {
					// Absent from the store: nothing to cache, the
					// caller decides whether that is fatal.
					return nil
				}

				if err := r.cache.SetStrategy(gctx, record); err != nil {
					r.log.WithError(err).WithField("strategy_id", id).Warn("Failed to populate tier-B cache")
				}
			}

			mu.Lock()
			records[id] = record
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return records, nil
}

// mergeRecords implements the two-pass merge: same-kind payloads first,
// then across kinds. Within a kind the record later in the binding wins;
// kind groups then merge in order of first appearance, so the kind
// introduced last in the binding wins cross-kind collisions.
func mergeRecords(ordered []Record) map[string]string {
	kindOrder := []string{}
	byKind := map[string]map[string]string{}

	for _, record := range ordered {
		group, ok := byKind[record.Kind]
		if !ok {
			group = map[string]string{}
			byKind[record.Kind] = group

			kindOrder = append(kindOrder, record.Kind)
		}

		for k, v := range record.Payload {
			group[k] = v
		}
	}

	values := map[string]string{}

	for _, kind := range kindOrder {
		for k, v := range byKind[kind] {
			values[k] = v
		}
	}

	return values
}

// retry wraps a store load with capped exponential backoff so a brief
// store hiccup does not fail a resolve.
func retry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx)

	return backoff.RetryWithData(op, policy)
}
