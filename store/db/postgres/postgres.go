// Package postgres implements the storage driver for PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/vocerohq/vocero/internal/profile"
	"github.com/vocerohq/vocero/store"
)

// DB wraps a PostgreSQL connection pool behind the generic row contract.
type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDriver opens a PostgreSQL connection pool.
func NewDriver(p *profile.Profile) (store.Driver, error) {
	db, err := sql.Open("postgres", p.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &DB{db: db, profile: p}, nil
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func placeholders(n int) string {
	list := make([]string, n)
	for i := range list {
		list[i] = placeholder(i + 1)
	}
	return strings.Join(list, ", ")
}

// sortedColumns returns the row's columns in deterministic order.
func sortedColumns(row store.Row) []string {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// driverValue converts a row value to a bindable parameter. Structured values
// travel as JSON text; postgres coerces them into jsonb columns.
func driverValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string, bool, int, int32, int64, float32, float64, time.Time, []byte:
		return t, nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value: %w", err)
		}
		return string(raw), nil
	}
}

// normalize converts a scanned value into the driver-neutral row form.
func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return store.EncodeTime(t)
	default:
		return v
	}
}

func buildWhere(filter store.Filter, startArg int) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	cols := make([]string, 0, len(filter))
	for col := range filter {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	clauses := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for i, col := range cols {
		clauses = append(clauses, col+" = "+placeholder(startArg+i))
		args = append(args, filter[col])
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (d *DB) Select(ctx context.Context, table string, filter store.Filter) ([]store.Row, error) {
	where, args := buildWhere(filter, 1)
	rows, err := d.db.QueryContext(ctx, "SELECT * FROM "+table+where, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to select from %s: %w", table, err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	var out []store.Row
	for rows.Next() {
		values := make([]any, len(cols))
		scans := make([]any, len(cols))
		for i := range values {
			scans[i] = &values[i]
		}
		if err := rows.Scan(scans...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		row := make(store.Row, len(cols))
		for i, col := range cols {
			if values[i] == nil {
				continue
			}
			row[col] = normalize(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("failed to iterate %s rows: %w", table, err))
	}
	return out, nil
}

func (d *DB) Insert(ctx context.Context, table string, row store.Row) error {
	cols := sortedColumns(row)
	args := make([]any, 0, len(cols))
	for _, col := range cols {
		v, err := driverValue(row[col])
		if err != nil {
			return err
		}
		args = append(args, v)
	}
	stmt := "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders(len(args)) + ")"
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return classify(fmt.Errorf("failed to insert into %s: %w", table, err))
	}
	return nil
}

func (d *DB) Update(ctx context.Context, table string, filter store.Filter, row store.Row) error {
	cols := sortedColumns(row)
	set := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+len(filter))
	for i, col := range cols {
		v, err := driverValue(row[col])
		if err != nil {
			return err
		}
		set = append(set, col+" = "+placeholder(i+1))
		args = append(args, v)
	}
	where, whereArgs := buildWhere(filter, len(args)+1)
	args = append(args, whereArgs...)

	stmt := "UPDATE " + table + " SET " + strings.Join(set, ", ") + where
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return classify(fmt.Errorf("failed to update %s: %w", table, err))
	}
	return nil
}

func (d *DB) Upsert(ctx context.Context, table string, pkColumn string, row store.Row) error {
	cols := sortedColumns(row)
	args := make([]any, 0, len(cols))
	updates := make([]string, 0, len(cols))
	for _, col := range cols {
		v, err := driverValue(row[col])
		if err != nil {
			return err
		}
		args = append(args, v)
		if col != pkColumn {
			updates = append(updates, col+" = EXCLUDED."+col)
		}
	}
	stmt := "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders(len(args)) + ")" +
		" ON CONFLICT (" + pkColumn + ") DO UPDATE SET " + strings.Join(updates, ", ")
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return classify(fmt.Errorf("failed to upsert into %s: %w", table, err))
	}
	return nil
}

func (d *DB) Delete(ctx context.Context, table string, filter store.Filter) error {
	if len(filter) == 0 {
		return fmt.Errorf("refusing to delete from %s without a filter", table)
	}
	where, args := buildWhere(filter, 1)
	if _, err := d.db.ExecContext(ctx, "DELETE FROM "+table+where, args...); err != nil {
		return classify(fmt.Errorf("failed to delete from %s: %w", table, err))
	}
	return nil
}

func (d *DB) Rpc(_ context.Context, fn string, _ any) ([]byte, error) {
	return nil, fmt.Errorf("rpc %s: %w", fn, store.ErrRPCUnsupported)
}

func (d *DB) CheckConnection(ctx context.Context) error {
	return classify(d.db.PingContext(ctx))
}

func (d *DB) Close() error {
	return d.db.Close()
}

// classify converts lib/pq error codes into store sentinels so the resilient
// layer can bucket them without knowing about postgres.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %s", store.ErrConflict, pqErr.Message)
		case pqErr.Code.Class() == "08", pqErr.Code == "57P01", pqErr.Code == "53300":
			return fmt.Errorf("%w: %s", store.ErrUnavailable, pqErr.Message)
		}
	}
	return err
}
