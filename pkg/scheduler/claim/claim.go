// Package claim implements the distributed row-claiming primitive: many
// concurrent workers each grab an exclusive batch of pending rows through
// a single atomic conditional update, with no coordinator.
package claim

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tokenworks/token-processor/pkg/common"
	"github.com/tokenworks/token-processor/pkg/datastore"
)

// LockColumn is the shared mutable column all claim discipline hangs on.
const LockColumn = "lock_id"

// DefaultLimit bounds a claim batch when the caller does not.
const DefaultLimit = 100

// Lockable is the claim/release capability worker loops are composed
// with.
type Lockable interface {
	// Claim marks up to limit unclaimed rows with the token and returns
	// how many were claimed. Zero is not an error.
	Claim(ctx context.Context, token string, limit int) (int64, error)
	// Release clears the lock on rows holding exactly this token and
	// returns how many were released.
	Release(ctx context.Context, token string) (int64, error)
}

// RowClaimer implements Lockable against a data-store table.
//
// The claim filter is always `baseFilter AND lock_id IS NULL` and the
// release filter `releaseFilter AND lock_id = token`, so two claimers with
// distinct tokens can never both own a row, and a release can never clear
// a lock it does not hold.
type RowClaimer struct {
	log      logrus.FieldLogger
	store    datastore.Store
	tenantID int64

	table string
	// baseFilter selects rows eligible for claiming, e.g. pending status.
	baseFilter datastore.Filter
	// baseUpdate is applied alongside the lock token on claim, e.g.
	// status transition to processing.
	baseUpdate datastore.Row
	// releaseFilter selects this claimer's rows on release; typically
	// wider than baseFilter since claimed rows changed status.
	releaseFilter datastore.Filter
	// releaseUpdate is applied alongside clearing the lock.
	releaseUpdate datastore.Row
}

// NewRowClaimer composes a claimer for one table. Filters and updates are
// copied on use, never mutated, so they can be shared.
func NewRowClaimer(log logrus.FieldLogger, store datastore.Store, tenantID int64, table string,
	baseFilter datastore.Filter, baseUpdate datastore.Row,
	releaseFilter datastore.Filter, releaseUpdate datastore.Row,
) *RowClaimer {
	return &RowClaimer{
		log:           log.WithField("component", "row_claimer").WithField("table", table),
		store:         store,
		tenantID:      tenantID,
		table:         table,
		baseFilter:    baseFilter,
		baseUpdate:    baseUpdate,
		releaseFilter: releaseFilter,
		releaseUpdate: releaseUpdate,
	}
}

func (c *RowClaimer) Claim(ctx context.Context, token string, limit int) (int64, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	started := time.Now()

	set := make(datastore.Row, len(c.baseUpdate)+1)
	for k, v := range c.baseUpdate {
		set[k] = v
	}

	set[LockColumn] = token

	claimed, err := c.store.UpdateWhere(ctx, c.table, set,
		c.baseFilter.And(datastore.IsNull(LockColumn)), limit)
	if err != nil {
		common.StoreErrors.WithLabelValues("row_claimer", "claim").Inc()

		// Transport failure: no rows are considered claimed.
		return 0, fmt.Errorf("failed to claim rows in %s: %w", c.table, err)
	}

	tenant := strconv.FormatInt(c.tenantID, 10)
	common.RowsClaimed.WithLabelValues(tenant, c.table).Add(float64(claimed))
	common.ClaimDuration.WithLabelValues(tenant, c.table).Observe(time.Since(started).Seconds())

	c.log.WithFields(logrus.Fields{
		"token":   token,
		"limit":   limit,
		"claimed": claimed,
	}).Debug("Claimed rows")

	return claimed, nil
}

func (c *RowClaimer) Release(ctx context.Context, token string) (int64, error) {
	set := make(datastore.Row, len(c.releaseUpdate)+1)
	for k, v := range c.releaseUpdate {
		set[k] = v
	}

	set[LockColumn] = nil

	released, err := c.store.UpdateWhere(ctx, c.table, set,
		c.releaseFilter.And(datastore.Eq(LockColumn, token)), 0)
	if err != nil {
		common.StoreErrors.WithLabelValues("row_claimer", "release").Inc()

		return 0, fmt.Errorf("failed to release rows in %s: %w", c.table, err)
	}

	common.RowsReleased.WithLabelValues(strconv.FormatInt(c.tenantID, 10), c.table).Add(float64(released))

	// The affected count is logged so a stale-token release (zero rows)
	// is visible without being an error.
	c.log.WithFields(logrus.Fields{
		"token":    token,
		"released": released,
	}).Debug("Released rows")

	return released, nil
}

// Rows returns the rows currently held under the token, in store order.
// Batch order is unspecified by contract; callers must not depend on it.
func (c *RowClaimer) Rows(ctx context.Context, token string) ([]datastore.Row, error) {
	rows, err := c.store.Read(ctx, c.table, datastore.Filter{datastore.Eq(LockColumn, token)})
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed rows in %s: %w", c.table, err)
	}

	return rows, nil
}

// Table reports the claimed table, for logs and the reaper.
func (c *RowClaimer) Table() string {
	return c.table
}
