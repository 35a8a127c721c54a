// Package datastore defines the data-store surface the scheduler runs
// against: filtered reads, inserts and bounded atomic conditional updates.
// Engines are selected per tenant from the resolved configuration.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Engine identifiers accepted by New.
const (
	POSTGRES = "postgres"
	MONGODB  = "mongodb"
	MEMORY   = "memory"
)

// Sentinel errors.
var (
	// ErrStore indicates a transport failure talking to the data store.
	// Callers must assume zero rows were affected.
	ErrStore = errors.New("data store failure")
	// ErrUnknownEngine is returned by New for an unrecognized engine name.
	ErrUnknownEngine = errors.New("unknown data store engine")
)

// Row is a single record keyed by column name.
type Row map[string]any

// Op is a filter predicate operator.
type Op int

const (
	OpEq Op = iota
	OpNotEq
	OpIsNull
	OpNotNull
)

// Cond is a single column predicate. Conds in a Filter are ANDed together.
type Cond struct {
	Column string
	Op     Op
	Value  any
}

// Filter is a conjunction of column predicates.
type Filter []Cond

// Eq builds an equality predicate.
func Eq(column string, value any) Cond {
	return Cond{Column: column, Op: OpEq, Value: value}
}

// NotEq builds an inequality predicate.
func NotEq(column string, value any) Cond {
	return Cond{Column: column, Op: OpNotEq, Value: value}
}

// IsNull builds a NULL predicate.
func IsNull(column string) Cond {
	return Cond{Column: column, Op: OpIsNull}
}

// NotNull builds a NOT NULL predicate.
func NotNull(column string) Cond {
	return Cond{Column: column, Op: OpNotNull}
}

// And returns a copy of the filter with extra predicates appended.
// The receiver is never mutated so base filters can be shared.
func (f Filter) And(conds ...Cond) Filter {
	out := make(Filter, 0, len(f)+len(conds))
	out = append(out, f...)
	out = append(out, conds...)

	return out
}

// Store is the data-store capability consumed by the scheduler.
//
// UpdateWhere is the load-bearing primitive: with limit > 0 it must apply
// set to at most limit rows matching filter as a single atomic conditional
// update, with no read-then-write window between matching and updating.
// Engines that cannot express a bounded multi-row conditional update
// atomically fall back to a single-row-at-a-time conditional update loop,
// accepting partial results.
type Store interface {
	// Read returns all rows of table matching filter.
	Read(ctx context.Context, table string, filter Filter) ([]Row, error)
	// Insert adds a row and returns its id.
	Insert(ctx context.Context, table string, fields Row) (int64, error)
	// UpdateWhere applies set to rows matching filter, bounded to limit
	// rows when limit > 0, and returns the number of rows affected.
	UpdateWhere(ctx context.Context, table string, set Row, filter Filter, limit int) (int64, error)
	// Delete removes rows matching filter and returns the number removed.
	Delete(ctx context.Context, table string, filter Filter) (int64, error)
	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close(ctx context.Context) error
}

// sortedColumns returns the column names of a row in a stable order so
// generated statements are deterministic.
func sortedColumns(fields Row) []string {
	columns := make([]string, 0, len(fields))
	for col := range fields {
		columns = append(columns, col)
	}

	sort.Strings(columns)

	return columns
}

// New opens a store connection for the given engine.
func New(ctx context.Context, engine, connection string) (Store, error) {
	switch engine {
	case POSTGRES:
		return NewPostgres(connection)
	case MONGODB:
		return NewMongo(ctx, connection)
	case MEMORY:
		return NewMemory(), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
}
