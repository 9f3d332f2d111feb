package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vocerohq/vocero/store/cache"
)

// Resilient decorates a Driver with classified retries, a write-through row
// cache, and a staging queue replayed by a background reconciler. It keeps
// reads and writes available across short store outages: reads fall back to
// the cache, writes are staged and flushed once connectivity returns.
type Resilient struct {
	driver Driver
	cache  *cache.Rows
	queue  *stagingQueue
	policy RetryPolicy
	pks    map[string]string

	reconcileInterval time.Duration
	degraded          atomic.Bool
	stopCh            chan struct{}
	doneCh            chan struct{}
	startOnce         sync.Once
	stopOnce          sync.Once
}

// ResilientOption customizes a Resilient client.
type ResilientOption func(*Resilient)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) ResilientOption {
	return func(r *Resilient) { r.policy = p }
}

// WithCacheConfig overrides the row cache configuration.
func WithCacheConfig(cfg cache.Config) ResilientOption {
	return func(r *Resilient) { r.cache = cache.NewRows(cfg) }
}

// WithReconcileInterval overrides how often staged writes are replayed.
func WithReconcileInterval(d time.Duration) ResilientOption {
	return func(r *Resilient) { r.reconcileInterval = d }
}

// NewResilient wraps driver. pks maps each table to its primary key column;
// only tables listed there participate in caching and write staging.
func NewResilient(driver Driver, pks map[string]string, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		driver:            driver,
		queue:             newStagingQueue(),
		policy:            DefaultRetryPolicy(),
		pks:               pks,
		reconcileInterval: 15 * time.Second,
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = cache.NewRows(cache.DefaultConfig())
	}
	return r
}

// Start launches the staging reconciler. Safe to call once.
func (r *Resilient) Start() {
	r.startOnce.Do(func() {
		go r.reconcile()
	})
}

// Degraded reports whether staged writes are currently pending.
func (r *Resilient) Degraded() bool {
	return r.degraded.Load()
}

// PendingWrites returns the staging queue depth.
func (r *Resilient) PendingWrites() int {
	return r.queue.len()
}

func (r *Resilient) pkOf(table string, filter Filter) (string, bool) {
	col, ok := r.pks[table]
	if !ok || len(filter) != 1 {
		return "", false
	}
	pk, ok := filter[col]
	return pk, ok && pk != ""
}

func (r *Resilient) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	var rows []Row
	err := r.policy.Do(ctx, "select:"+table, func() error {
		var opErr error
		rows, opErr = r.driver.Select(ctx, table, filter)
		return opErr
	})
	if err == nil {
		if pk, ok := r.pkOf(table, filter); ok && len(rows) == 1 {
			r.cache.Put(table, pk, rows[0])
		}
		return rows, nil
	}

	// Read fallback: serve the cached image for primary-key lookups.
	if pk, ok := r.pkOf(table, filter); ok {
		if cached, hit := r.cache.Get(table, pk); hit {
			slog.Warn("store: serving cached row after read failure",
				"table", table, "error", err.Error())
			return []Row{cached}, nil
		}
	}
	return nil, err
}

func (r *Resilient) Insert(ctx context.Context, table string, row Row) error {
	err := r.policy.Do(ctx, "insert:"+table, func() error {
		return r.driver.Insert(ctx, table, row)
	})
	return r.afterWrite(table, OpInsert, row, err)
}

func (r *Resilient) Update(ctx context.Context, table string, filter Filter, row Row) error {
	err := r.policy.Do(ctx, "update:"+table, func() error {
		return r.driver.Update(ctx, table, filter, row)
	})
	if err == nil {
		if pk, ok := r.pkOf(table, filter); ok {
			if col := r.pks[table]; row[col] == nil {
				row = cloneRow(row)
				row[col] = pk
			}
			r.cache.Put(table, pk, row)
		}
		return nil
	}
	// Only primary-key updates carry a full row image we can stage.
	if pk, ok := r.pkOf(table, filter); ok && Classify(err).Retriable() {
		staged := cloneRow(row)
		staged[r.pks[table]] = pk
		r.stage(table, OpUpdate, staged)
		return nil
	}
	return err
}

func (r *Resilient) Upsert(ctx context.Context, table string, pkColumn string, row Row) error {
	err := r.policy.Do(ctx, "upsert:"+table, func() error {
		return r.driver.Upsert(ctx, table, pkColumn, row)
	})
	return r.afterWrite(table, OpUpsert, row, err)
}

func (r *Resilient) Delete(ctx context.Context, table string, filter Filter) error {
	err := r.policy.Do(ctx, "delete:"+table, func() error {
		return r.driver.Delete(ctx, table, filter)
	})
	pk, isPK := r.pkOf(table, filter)
	if err == nil {
		if isPK {
			r.cache.Remove(table, pk)
		}
		return nil
	}
	if isPK && Classify(err).Retriable() {
		r.cache.Remove(table, pk)
		r.queue.add(&StagedWrite{
			Table:    table,
			PKColumn: r.pks[table],
			PK:       pk,
			Op:       OpDelete,
			StagedAt: time.Now(),
		})
		r.markDegraded(table)
		return nil
	}
	return err
}

func (r *Resilient) Rpc(ctx context.Context, fn string, payload any) ([]byte, error) {
	var out []byte
	err := r.policy.Do(ctx, "rpc:"+fn, func() error {
		var opErr error
		out, opErr = r.driver.Rpc(ctx, fn, payload)
		return opErr
	})
	return out, err
}

func (r *Resilient) CheckConnection(ctx context.Context) error {
	return r.driver.CheckConnection(ctx)
}

func (r *Resilient) Migrate(ctx context.Context) error {
	return r.driver.Migrate(ctx)
}

// Close stops the reconciler and releases the cache and driver.
func (r *Resilient) Close() error {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		select {
		case <-r.doneCh:
		case <-time.After(2 * time.Second):
		}
	})
	r.cache.Close()
	return r.driver.Close()
}

// afterWrite applies write-through caching on success and staging on
// retriable failure. Writes without a known primary key cannot be staged and
// surface their error directly.
func (r *Resilient) afterWrite(table string, op WriteOp, row Row, err error) error {
	col, tracked := r.pks[table]
	pk := ""
	if tracked {
		pk = rowString(row, col)
	}
	if err == nil {
		if pk != "" {
			r.cache.Put(table, pk, row)
		}
		return nil
	}
	if pk != "" && Classify(err).Retriable() {
		r.cache.Put(table, pk, row)
		r.stage(table, op, row)
		return nil
	}
	return err
}

func (r *Resilient) stage(table string, op WriteOp, row Row) {
	col := r.pks[table]
	r.queue.add(&StagedWrite{
		Table:    table,
		PKColumn: col,
		PK:       rowString(row, col),
		Op:       op,
		Row:      cloneRow(row),
		StagedAt: time.Now(),
	})
	r.markDegraded(table)
}

func (r *Resilient) markDegraded(table string) {
	r.degraded.Store(true)
	slog.Warn("store: write staged for later replay",
		"table", table, "pending", r.queue.len())
}

// reconcile replays staged writes whenever connectivity returns. It runs on a
// single goroutine, draining in arrival order so replays never reorder.
func (r *Resilient) reconcile() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		case <-r.queue.kick:
		}
		r.flush()
	}
}

func (r *Resilient) flush() {
	pending := r.queue.drainable()
	if len(pending) == 0 {
		r.degraded.Store(false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := r.driver.CheckConnection(ctx); err != nil {
		slog.Debug("store: reconciler probe failed", "error", err.Error(), "pending", len(pending))
		return
	}

	for _, w := range pending {
		var err error
		if w.Op == OpDelete {
			err = r.driver.Delete(ctx, w.Table, Filter{w.PKColumn: w.PK})
		} else {
			err = r.driver.Upsert(ctx, w.Table, w.PKColumn, w.Row)
		}
		if err == nil {
			r.queue.remove(w)
			slog.Info("store: staged write replayed",
				"table", w.Table, "op", string(w.Op), "staged_for", time.Since(w.StagedAt).Round(time.Millisecond).String())
			continue
		}
		if Classify(err).Retriable() {
			w.Attempts++
			slog.Debug("store: staged write still failing",
				"table", w.Table, "attempts", w.Attempts, "error", err.Error())
			return
		}
		// Permanent replay failures are dropped: the row image is stale or
		// invalid and will never apply.
		r.queue.remove(w)
		slog.Error("store: dropping unreplayable staged write",
			"table", w.Table, "op", string(w.Op), "error", err.Error())
	}
	if r.queue.len() == 0 {
		r.degraded.Store(false)
	}
}
