// Package scheduler runs the background sweeps that keep conversations
// honest when nobody is talking: closing sessions past their duration
// budget, firing due follow-ups and pruning in-memory bookkeeping.
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vocerohq/vocero/engine/metrics"
)

// Sweeper is the orchestrator surface the scheduler drives.
type Sweeper interface {
	// SweepTimeouts closes conversations past their duration budget and
	// returns how many it closed.
	SweepTimeouts(ctx context.Context) (int, error)

	// FireFollowUps sends due follow-up messages and returns how many fired.
	FireFollowUps(ctx context.Context) (int, error)
}

// StoreHealth exposes the store gauges the scheduler republishes.
type StoreHealth interface {
	Degraded() bool
	PendingWrites() int
}

// SessionBook exposes the tracker bookkeeping the scheduler prunes.
type SessionBook interface {
	OpenSessions() int
	PruneRecorded(before time.Time) int
}

// Config configures the scheduler.
type Config struct {
	// SweepInterval is how often sweeps run.
	SweepInterval time.Duration

	// TickTimeout bounds a full tick, all sweeps included.
	TickTimeout time.Duration

	// RecordRetention is how long terminal-outcome dedup entries are kept
	// in memory. Matching the cooldown window keeps retries idempotent for
	// as long as they can plausibly arrive.
	RecordRetention time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		SweepInterval:   time.Minute,
		TickTimeout:     2 * time.Minute,
		RecordRetention: 48 * time.Hour,
	}
}

// Scheduler drives periodic sweeps over the conversation population.
type Scheduler struct {
	sweeper  Sweeper
	store    StoreHealth
	sessions SessionBook
	exporter *metrics.Exporter

	ticker  *time.Ticker
	stopCh  chan struct{}
	running atomic.Bool
	config  Config

	timedOut  atomic.Int64
	followUps atomic.Int64
	errors    atomic.Int64
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithMetrics republishes sweep results and store gauges to the exporter.
func WithMetrics(e *metrics.Exporter) Option {
	return func(s *Scheduler) { s.exporter = e }
}

// WithStoreHealth wires the store gauges refreshed on every tick.
func WithStoreHealth(h StoreHealth) Option {
	return func(s *Scheduler) { s.store = h }
}

// WithSessionBook wires the tracker bookkeeping pruned on every tick.
func WithSessionBook(b SessionBook) Option {
	return func(s *Scheduler) { s.sessions = b }
}

// New creates a scheduler around the orchestrator sweeps.
func New(sweeper Sweeper, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = def.TickTimeout
	}
	if cfg.RecordRetention <= 0 {
		cfg.RecordRetention = def.RecordRetention
	}

	s := &Scheduler{
		sweeper: sweeper,
		stopCh:  make(chan struct{}),
		config:  cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the sweep loop. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	s.ticker = time.NewTicker(s.config.SweepInterval)

	go s.run()
	slog.Info("scheduler: started", "interval", s.config.SweepInterval)
}

// Stop halts the sweep loop. Calling Stop before Start, or twice, is a no-op.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	close(s.stopCh)
	if s.ticker != nil {
		s.ticker.Stop()
	}

	slog.Info("scheduler: stopped")
}

// IsRunning reports whether the sweep loop is active.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

// tick runs one full sweep pass. Exported indirectly through Tick for tests
// and the admin surface.
func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.TickTimeout)
	defer cancel()
	s.sweep(ctx)
}

// Tick runs a single sweep pass immediately, outside the ticker cadence.
func (s *Scheduler) Tick(ctx context.Context) {
	s.sweep(ctx)
}

func (s *Scheduler) sweep(ctx context.Context) {
	closed, err := s.sweeper.SweepTimeouts(ctx)
	if err != nil {
		s.errors.Add(1)
		slog.Warn("scheduler: timeout sweep failed", "error", err)
	}
	if closed > 0 {
		s.timedOut.Add(int64(closed))
		slog.Info("scheduler: closed timed-out conversations", "count", closed)
	}

	fired, err := s.sweeper.FireFollowUps(ctx)
	if err != nil {
		s.errors.Add(1)
		slog.Warn("scheduler: follow-up sweep failed", "error", err)
	}
	if fired > 0 {
		s.followUps.Add(int64(fired))
		slog.Info("scheduler: fired follow-ups", "count", fired)
	}

	if s.sessions != nil {
		s.sessions.PruneRecorded(time.Now().Add(-s.config.RecordRetention))
	}

	s.publish(closed, fired)
}

func (s *Scheduler) publish(closed, fired int) {
	if s.exporter == nil {
		return
	}
	s.exporter.RecordSweep("timeouts", closed)
	s.exporter.RecordSweep("follow_ups", fired)
	if s.store != nil {
		s.exporter.SetStoreDegraded(s.store.Degraded())
		s.exporter.SetStagedWrites(s.store.PendingWrites())
	}
	if s.sessions != nil {
		s.exporter.SetOpenConversations(s.sessions.OpenSessions())
	}
}

// Stats is a point-in-time snapshot of sweep counters.
type Stats struct {
	Running   bool
	TimedOut  int64
	FollowUps int64
	Errors    int64
}

// GetStats returns the counters accumulated since process start.
func (s *Scheduler) GetStats() Stats {
	return Stats{
		Running:   s.running.Load(),
		TimedOut:  s.timedOut.Load(),
		FollowUps: s.followUps.Load(),
		Errors:    s.errors.Load(),
	}
}
