package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Registers the "postgres" driver.
	_ "github.com/lib/pq"
)

// Postgres implements Store on PostgreSQL.
//
// Bounded conditional updates are expressed as a single statement using a
// ctid subselect, so concurrent claimers with overlapping filters can never
// both update the same row.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a PostgreSQL connection.
func NewPostgres(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	return &Postgres{db: db}, nil
}

func (p *Postgres) Read(ctx context.Context, table string, filter Filter) ([]Row, error) {
	where, args := buildWhere(filter, 1)

	query := fmt.Sprintf("SELECT * FROM %s", quoteIdent(table))
	if where != "" {
		query += " WHERE " + where
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	out := []Row{}

	for rows.Next() {
		values := make([]any, len(columns))
		for i := range values {
			values[i] = new(any)
		}

		if err := rows.Scan(values...); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}

		row := make(Row, len(columns))

		for i, col := range columns {
			v := *(values[i].(*any))
			if b, ok := v.([]byte); ok {
				v = string(b)
			}

			row[col] = v
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	return out, nil
}

func (p *Postgres) Insert(ctx context.Context, table string, fields Row) (int64, error) {
	columns := sortedColumns(fields)

	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))

	for i, col := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = fields[col]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		quoteIdent(table), joinIdents(columns), strings.Join(placeholders, ", "))

	var id int64
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}

	return id, nil
}

func (p *Postgres) UpdateWhere(ctx context.Context, table string, set Row, filter Filter, limit int) (int64, error) {
	columns := sortedColumns(set)

	assignments := make([]string, len(columns))
	args := make([]any, 0, len(columns)+len(filter))

	for i, col := range columns {
		assignments[i] = fmt.Sprintf("%s = $%d", quoteIdent(col), i+1)
		args = append(args, set[col])
	}

	where, whereArgs := buildWhere(filter, len(columns)+1)
	args = append(args, whereArgs...)

	var query string

	if limit > 0 {
		// Single-statement bounded update: row selection and mutation
		// happen inside one UPDATE, so there is no claim race window.
		inner := fmt.Sprintf("SELECT ctid FROM %s", quoteIdent(table))
		if where != "" {
			inner += " WHERE " + where
		}

		inner += fmt.Sprintf(" LIMIT %d FOR UPDATE SKIP LOCKED", limit)

		query = fmt.Sprintf("UPDATE %s SET %s WHERE ctid IN (%s)",
			quoteIdent(table), strings.Join(assignments, ", "), inner)
	} else {
		query = fmt.Sprintf("UPDATE %s SET %s", quoteIdent(table), strings.Join(assignments, ", "))
		if where != "" {
			query += " WHERE " + where
		}
	}

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}

	return affected, nil
}

func (p *Postgres) Delete(ctx context.Context, table string, filter Filter) (int64, error) {
	where, args := buildWhere(filter, 1)

	query := fmt.Sprintf("DELETE FROM %s", quoteIdent(table))
	if where != "" {
		query += " WHERE " + where
	}

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}

	return affected, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	return nil
}

func (p *Postgres) Close(_ context.Context) error {
	return p.db.Close()
}

// buildWhere renders a filter as a parameterized conjunction starting at
// placeholder $next. Table and column names come from code and config, never
// from request payloads.
func buildWhere(filter Filter, next int) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}

	parts := make([]string, 0, len(filter))
	args := make([]any, 0, len(filter))

	for _, cond := range filter {
		col := quoteIdent(cond.Column)

		switch cond.Op {
		case OpEq:
			parts = append(parts, fmt.Sprintf("%s = $%d", col, next))
			args = append(args, cond.Value)
			next++
		case OpNotEq:
			parts = append(parts, fmt.Sprintf("%s <> $%d", col, next))
			args = append(args, cond.Value)
			next++
		case OpIsNull:
			parts = append(parts, col+" IS NULL")
		case OpNotNull:
			parts = append(parts, col+" IS NOT NULL")
		}
	}

	return strings.Join(parts, " AND "), args
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}

func joinIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}

	return strings.Join(quoted, ", ")
}
