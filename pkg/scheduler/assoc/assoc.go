// Package assoc manages the binding of worker processes to tenants. A
// tenant's pending transactions are drained by exactly the processes
// bound to it, and a process serves at most one tenant at a time.
package assoc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/tokenworks/token-processor/pkg/common"
	"github.com/tokenworks/token-processor/pkg/datastore"
)

// Association statuses. Bindings are soft-deleted via killed so a
// process id cannot be silently double-freed.
const (
	StatusAvailable = "available"
	StatusDedicated = "dedicated"
	StatusFull      = "full"
	StatusKilled    = "killed"
)

// DefaultTable is where associations live.
const DefaultTable = "worker_associations"

var (
	// ErrConflict means a process is already bound to a different tenant.
	ErrConflict = errors.New("worker process already bound to another tenant")
	// ErrNotBound means a process is not currently bound to the tenant.
	ErrNotBound = errors.New("worker process not bound to tenant")
)

// Association is one tenant/process binding.
type Association struct {
	TenantID  int64
	ProcessID int64
	Status    string
}

// Result reports what an administrative operation touched, per process.
// Operations act on sets, so callers get counts rather than one pass/fail.
type Result struct {
	TenantID int64
	Created  []int64
	Updated  []int64
	Removed  []int64
}

// Associator performs administrative binding changes and answers
// eligibility queries for the scheduling loop. It only ever transitions
// association status, never lock state, so it is safe to run alongside
// active workers.
type Associator struct {
	log   logrus.FieldLogger
	store datastore.Store
	table string
}

func NewAssociator(log logrus.FieldLogger, store datastore.Store, table string) *Associator {
	if table == "" {
		table = DefaultTable
	}

	return &Associator{
		log:   log.WithField("component", "associator"),
		store: store,
		table: table,
	}
}

// Associate binds the processes to the tenant with available status.
// All-or-nothing: if any process is live under a different tenant the
// whole request fails with ErrConflict and nothing is written. A killed
// binding does not conflict; re-associating revives it.
func (a *Associator) Associate(ctx context.Context, tenantID int64, processIDs []int64) (*Result, error) {
	result := &Result{TenantID: tenantID}

	type action struct {
		processID int64
		exists    bool
	}

	actions := make([]action, 0, len(processIDs))

	for _, processID := range dedupe(processIDs) {
		existing, err := a.bindings(ctx, datastore.Filter{datastore.Eq("process_id", processID)})
		if err != nil {
			return nil, err
		}

		exists := false

		for _, binding := range existing {
			if binding.Status == StatusKilled {
				continue
			}

			if binding.TenantID != tenantID {
				return nil, fmt.Errorf("%w: process %d held by tenant %d",
					ErrConflict, processID, binding.TenantID)
			}

			exists = true
		}

		// A killed row for this tenant is revived in place rather than
		// duplicated.
		if !exists {
			for _, binding := range existing {
				if binding.TenantID == tenantID {
					exists = true

					break
				}
			}
		}

		actions = append(actions, action{processID: processID, exists: exists})
	}

	for _, act := range actions {
		if act.exists {
			if _, err := a.store.UpdateWhere(ctx, a.table,
				datastore.Row{"status": StatusAvailable},
				datastore.Filter{
					datastore.Eq("tenant_id", tenantID),
					datastore.Eq("process_id", act.processID),
				}, 0); err != nil {
				return result, fmt.Errorf("failed to update association for process %d: %w", act.processID, err)
			}

			result.Updated = append(result.Updated, act.processID)
		} else {
			if _, err := a.store.Insert(ctx, a.table, datastore.Row{
				"tenant_id":  tenantID,
				"process_id": act.processID,
				"status":     StatusAvailable,
			}); err != nil {
				return result, fmt.Errorf("failed to create association for process %d: %w", act.processID, err)
			}

			result.Created = append(result.Created, act.processID)
		}

		common.AssociationChanges.WithLabelValues(strconv.FormatInt(tenantID, 10), "associate").Inc()
	}

	// The conflict scan and the writes are separate store round trips, so
	// a concurrent associate under another tenant can land between them.
	// Re-check after writing and back out this request's inserts; a
	// process must never end up live under two tenants.
	for _, processID := range result.Created {
		live, err := a.bindings(ctx, datastore.Filter{
			datastore.Eq("process_id", processID),
			datastore.NotEq("status", StatusKilled),
		})
		if err != nil {
			return result, err
		}

		for _, binding := range live {
			if binding.TenantID == tenantID {
				continue
			}

			a.backOutCreated(ctx, tenantID, result.Created)

			return nil, fmt.Errorf("%w: process %d held by tenant %d",
				ErrConflict, processID, binding.TenantID)
		}
	}

	a.log.WithFields(logrus.Fields{
		"tenant":  tenantID,
		"created": result.Created,
		"updated": result.Updated,
	}).Info("Associated worker processes")

	return result, nil
}

// backOutCreated removes the fresh rows one Associate call inserted. The
// filter pins this tenant's available rows, so a revived or killed
// binding is never touched.
func (a *Associator) backOutCreated(ctx context.Context, tenantID int64, processIDs []int64) {
	for _, processID := range processIDs {
		if _, err := a.store.Delete(ctx, a.table, datastore.Filter{
			datastore.Eq("tenant_id", tenantID),
			datastore.Eq("process_id", processID),
			datastore.Eq("status", StatusAvailable),
		}); err != nil {
			a.log.WithError(err).WithFields(logrus.Fields{
				"tenant":  tenantID,
				"process": processID,
			}).Warn("Failed to back out conflicting association")
		}
	}
}

// Deassociate marks the tenant's bindings for the processes as killed.
// All-or-nothing: if any process is not live under this tenant the whole
// request fails with ErrNotBound and nothing is written.
func (a *Associator) Deassociate(ctx context.Context, tenantID int64, processIDs []int64) (*Result, error) {
	result := &Result{TenantID: tenantID}

	unique := dedupe(processIDs)

	for _, processID := range unique {
		live, err := a.bindings(ctx, datastore.Filter{
			datastore.Eq("tenant_id", tenantID),
			datastore.Eq("process_id", processID),
			datastore.NotEq("status", StatusKilled),
		})
		if err != nil {
			return nil, err
		}

		if len(live) == 0 {
			return nil, fmt.Errorf("%w: process %d, tenant %d", ErrNotBound, processID, tenantID)
		}
	}

	for _, processID := range unique {
		if _, err := a.store.UpdateWhere(ctx, a.table,
			datastore.Row{"status": StatusKilled},
			datastore.Filter{
				datastore.Eq("tenant_id", tenantID),
				datastore.Eq("process_id", processID),
			}, 0); err != nil {
			return result, fmt.Errorf("failed to kill association for process %d: %w", processID, err)
		}

		result.Removed = append(result.Removed, processID)

		common.AssociationChanges.WithLabelValues(strconv.FormatInt(tenantID, 10), "deassociate").Inc()
	}

	a.log.WithFields(logrus.Fields{
		"tenant":  tenantID,
		"removed": result.Removed,
	}).Info("Deassociated worker processes")

	return result, nil
}

// SetStatus transitions one live binding, e.g. available to dedicated
// when a worker picks up load. Killed bindings are not resurrected here.
func (a *Associator) SetStatus(ctx context.Context, tenantID, processID int64, status string) error {
	affected, err := a.store.UpdateWhere(ctx, a.table,
		datastore.Row{"status": status},
		datastore.Filter{
			datastore.Eq("tenant_id", tenantID),
			datastore.Eq("process_id", processID),
			datastore.NotEq("status", StatusKilled),
		}, 0)
	if err != nil {
		return fmt.Errorf("failed to set association status: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: process %d, tenant %d", ErrNotBound, processID, tenantID)
	}

	return nil
}

// EligibleProcesses returns the live process ids bound to the tenant,
// sorted ascending.
func (a *Associator) EligibleProcesses(ctx context.Context, tenantID int64) ([]int64, error) {
	live, err := a.bindings(ctx, datastore.Filter{
		datastore.Eq("tenant_id", tenantID),
		datastore.NotEq("status", StatusKilled),
	})
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(live))
	for _, binding := range live {
		ids = append(ids, binding.ProcessID)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids, nil
}

// Tenants returns every tenant id with at least one live binding, sorted
// ascending. The scheduler uses this to discover which loops to run.
func (a *Associator) Tenants(ctx context.Context) ([]int64, error) {
	live, err := a.bindings(ctx, datastore.Filter{datastore.NotEq("status", StatusKilled)})
	if err != nil {
		return nil, err
	}

	seen := map[int64]struct{}{}
	ids := make([]int64, 0, len(live))

	for _, binding := range live {
		if _, ok := seen[binding.TenantID]; ok {
			continue
		}

		seen[binding.TenantID] = struct{}{}
		ids = append(ids, binding.TenantID)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids, nil
}

func (a *Associator) bindings(ctx context.Context, filter datastore.Filter) ([]Association, error) {
	rows, err := a.store.Read(ctx, a.table, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to read associations: %w", err)
	}

	out := make([]Association, 0, len(rows))

	for _, row := range rows {
		binding := Association{Status: StatusAvailable}

		if v, err := toInt64(row["tenant_id"]); err == nil {
			binding.TenantID = v
		}

		if v, err := toInt64(row["process_id"]); err == nil {
			binding.ProcessID = v
		}

		if s, ok := row["status"].(string); ok {
			binding.Status = s
		}

		out = append(out, binding)
	}

	return out, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}
