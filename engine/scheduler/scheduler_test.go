package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocerohq/vocero/engine/metrics"
)

type fakeSweeper struct {
	timeoutCalls  atomic.Int32
	followUpCalls atomic.Int32
	closed        int
	fired         int
	err           error
}

func (f *fakeSweeper) SweepTimeouts(context.Context) (int, error) {
	f.timeoutCalls.Add(1)
	return f.closed, f.err
}

func (f *fakeSweeper) FireFollowUps(context.Context) (int, error) {
	f.followUpCalls.Add(1)
	return f.fired, f.err
}

type fakeBook struct {
	open   int
	pruned atomic.Int32
}

func (b *fakeBook) OpenSessions() int { return b.open }

func (b *fakeBook) PruneRecorded(time.Time) int {
	b.pruned.Add(1)
	return 0
}

type fakeHealth struct {
	degraded bool
	pending  int
}

func (h *fakeHealth) Degraded() bool     { return h.degraded }
func (h *fakeHealth) PendingWrites() int { return h.pending }

func TestSchedulerTick(t *testing.T) {
	sweeper := &fakeSweeper{closed: 2, fired: 1}
	book := &fakeBook{open: 4}
	s := New(sweeper, Config{},
		WithMetrics(metrics.NewExporter(metrics.DefaultConfig())),
		WithStoreHealth(&fakeHealth{degraded: true, pending: 3}),
		WithSessionBook(book),
	)

	s.Tick(context.Background())

	assert.Equal(t, int32(1), sweeper.timeoutCalls.Load())
	assert.Equal(t, int32(1), sweeper.followUpCalls.Load())
	assert.Equal(t, int32(1), book.pruned.Load())

	stats := s.GetStats()
	assert.Equal(t, int64(2), stats.TimedOut)
	assert.Equal(t, int64(1), stats.FollowUps)
	assert.Zero(t, stats.Errors)
	assert.False(t, stats.Running)
}

func TestSchedulerCountsErrors(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("store down")}
	s := New(sweeper, Config{})

	s.Tick(context.Background())

	// One error per failed sweep.
	assert.Equal(t, int64(2), s.GetStats().Errors)
}

func TestSchedulerStartStop(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := New(sweeper, Config{SweepInterval: 5 * time.Millisecond})

	s.Start()
	require.True(t, s.IsRunning())
	s.Start() // second start is a no-op

	assert.Eventually(t, func() bool {
		return sweeper.timeoutCalls.Load() >= 2
	}, time.Second, time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop() // second stop is a no-op

	// Let any in-flight tick drain, then verify the loop is quiet.
	time.Sleep(10 * time.Millisecond)
	calls := sweeper.timeoutCalls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, sweeper.timeoutCalls.Load())
}

func TestSchedulerConfigDefaults(t *testing.T) {
	s := New(&fakeSweeper{}, Config{})
	assert.Equal(t, time.Minute, s.config.SweepInterval)
	assert.Equal(t, 2*time.Minute, s.config.TickTimeout)
	assert.Equal(t, 48*time.Hour, s.config.RecordRetention)
}
