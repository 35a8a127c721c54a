package datastore

import (
	"context"
	"sync"
	"sync/atomic"
)

// Memory implements Store with in-process tables. It backs unit tests and
// local development. Every operation holds the table mutex for its full
// duration, so UpdateWhere is atomic even when bounded.
type Memory struct {
	mu     sync.Mutex
	tables map[string][]Row
	nextID atomic.Int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string][]Row)}
}

func (m *Memory) Read(_ context.Context, table string, filter Filter) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []Row{}

	for _, row := range m.tables[table] {
		if matches(row, filter) {
			out = append(out, cloneRow(row))
		}
	}

	return out, nil
}

func (m *Memory) Insert(_ context.Context, table string, fields Row) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := cloneRow(fields)

	id, ok := row["id"].(int64)
	if !ok {
		id = m.nextID.Add(1)
		row["id"] = id
	}

	m.tables[table] = append(m.tables[table], row)

	return id, nil
}

func (m *Memory) UpdateWhere(_ context.Context, table string, set Row, filter Filter, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var affected int64

	for _, row := range m.tables[table] {
		if limit > 0 && affected >= int64(limit) {
			break
		}

		if !matches(row, filter) {
			continue
		}

		for k, v := range set {
			row[k] = v
		}

		affected++
	}

	return affected, nil
}

func (m *Memory) Delete(_ context.Context, table string, filter Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.tables[table][:0]

	var removed int64

	for _, row := range m.tables[table] {
		if matches(row, filter) {
			removed++

			continue
		}

		kept = append(kept, row)
	}

	m.tables[table] = kept

	return removed, nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) Close(_ context.Context) error { return nil }

func matches(row Row, filter Filter) bool {
	for _, cond := range filter {
		value, present := row[cond.Column]

		switch cond.Op {
		case OpEq:
			if !present || value == nil || value != cond.Value {
				return false
			}
		case OpNotEq:
			if present && value != nil && value == cond.Value {
				return false
			}
		case OpIsNull:
			if present && value != nil {
				return false
			}
		case OpNotNull:
			if !present || value == nil {
				return false
			}
		}
	}

	return true
}

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}

	return out
}
