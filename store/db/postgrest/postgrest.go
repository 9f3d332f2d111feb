// Package postgrest implements the storage driver for Supabase/PostgREST row
// stores. Schema management happens on the Supabase side; Migrate only
// verifies the expected tables are reachable.
package postgrest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/supabase-community/postgrest-go"

	"github.com/pkg/errors"

	"github.com/vocerohq/vocero/internal/profile"
	"github.com/vocerohq/vocero/store"
)

// Driver talks to a PostgREST endpoint (Supabase's data API).
type Driver struct {
	profile *profile.Profile
	client  *postgrest.Client

	// rpcMu serializes Rpc calls: the client reports RPC failures through a
	// shared ClientError field.
	rpcMu sync.Mutex
}

// NewDriver opens a PostgREST client against the configured Supabase project.
func NewDriver(p *profile.Profile) (store.Driver, error) {
	base := strings.TrimRight(p.SupabaseURL, "/")
	if !strings.HasSuffix(base, "/rest/v1") {
		base += "/rest/v1"
	}
	headers := map[string]string{
		"apikey":        p.SupabaseKey,
		"Authorization": "Bearer " + p.SupabaseKey,
	}
	client := postgrest.NewClient(base, p.SupabaseSchema, headers)
	if client.ClientError != nil {
		return nil, errors.Wrap(client.ClientError, "create postgrest client")
	}
	return &Driver{profile: p, client: client}, nil
}

func (d *Driver) Select(ctx context.Context, table string, filter store.Filter) ([]store.Row, error) {
	fb := d.client.From(table).Select("*", "", false)
	for col, val := range filter {
		fb = fb.Eq(col, val)
	}
	body, _, err := fb.ExecuteWithContext(ctx)
	if err != nil {
		return nil, wrapErr(err, "select %s", table)
	}
	var rows []store.Row
	if len(body) > 0 {
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, errors.Wrapf(err, "decode select %s response", table)
		}
	}
	return rows, nil
}

func (d *Driver) Insert(ctx context.Context, table string, row store.Row) error {
	_, _, err := d.client.From(table).Insert(row, false, "", "minimal", "").ExecuteWithContext(ctx)
	return wrapErr(err, "insert %s", table)
}

func (d *Driver) Update(ctx context.Context, table string, filter store.Filter, row store.Row) error {
	fb := d.client.From(table).Update(row, "minimal", "")
	for col, val := range filter {
		fb = fb.Eq(col, val)
	}
	_, _, err := fb.ExecuteWithContext(ctx)
	return wrapErr(err, "update %s", table)
}

func (d *Driver) Upsert(ctx context.Context, table string, pkColumn string, row store.Row) error {
	_, _, err := d.client.From(table).Upsert(row, pkColumn, "minimal", "").ExecuteWithContext(ctx)
	return wrapErr(err, "upsert %s", table)
}

func (d *Driver) Delete(ctx context.Context, table string, filter store.Filter) error {
	fb := d.client.From(table).Delete("minimal", "")
	for col, val := range filter {
		fb = fb.Eq(col, val)
	}
	_, _, err := fb.ExecuteWithContext(ctx)
	return wrapErr(err, "delete %s", table)
}

// Rpc invokes a PostgREST stored procedure and returns its raw JSON response.
func (d *Driver) Rpc(_ context.Context, fn string, payload any) ([]byte, error) {
	d.rpcMu.Lock()
	defer d.rpcMu.Unlock()

	result := d.client.Rpc(fn, "", payload)
	if d.client.ClientError != nil {
		err := d.client.ClientError
		d.client.ClientError = nil
		return nil, wrapErr(err, "rpc %s", fn)
	}
	return []byte(result), nil
}

func (d *Driver) CheckConnection(ctx context.Context) error {
	_, _, err := d.client.From(store.TableConversations).
		Select("conversation_id", "exact", true).
		Limit(1, "").
		ExecuteWithContext(ctx)
	return wrapErr(err, "check connection")
}

// Migrate verifies every expected table answers a head request. Missing
// tables mean the Supabase schema has not been applied yet.
func (d *Driver) Migrate(ctx context.Context) error {
	for table, pk := range store.TablePrimaryKeys() {
		_, _, err := d.client.From(table).
			Select(pk, "exact", true).
			Limit(1, "").
			ExecuteWithContext(ctx)
		if err != nil {
			return wrapErr(err, "table %s is not reachable; apply schema migrations first", table)
		}
	}
	return nil
}

func (d *Driver) Close() error {
	return nil
}

// wrapErr annotates a PostgREST error and normalizes common status text so
// the store classifier can bucket it.
func wrapErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "429"), strings.Contains(lower, "too many requests"):
		return errors.Wrap(&store.StatusError{Code: 429, Message: err.Error()}, msg)
	case strings.Contains(lower, "23505"), strings.Contains(lower, "duplicate key"):
		return errors.Wrapf(store.ErrConflict, "%s: %s", msg, err.Error())
	}
	return errors.Wrap(err, msg)
}
