package v1

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vocerohq/vocero/engine/learning"
	"github.com/vocerohq/vocero/engine/outcome"
	"github.com/vocerohq/vocero/engine/scheduler"
	"github.com/vocerohq/vocero/internal/profile"
	"github.com/vocerohq/vocero/store"
)

// SystemService reports operational state: store health, sweep counters and
// learned segment statistics.
type SystemService struct {
	Profile   *profile.Profile
	Store     *store.Store
	Learning  *learning.Service
	Scheduler *scheduler.Scheduler
	Tracker   *outcome.Tracker

	startedAt time.Time
}

type systemOverview struct {
	Version       string         `json:"version"`
	Mode          string         `json:"mode"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	OpenSessions  int            `json:"open_sessions"`
	Store         storeHealth    `json:"store"`
	Sweeps        sweepCounters  `json:"sweeps"`
	Features      systemFeatures `json:"features"`
}

type storeHealth struct {
	Driver        string `json:"driver"`
	Degraded      bool   `json:"degraded"`
	PendingWrites int    `json:"pending_writes"`
}

type sweepCounters struct {
	Running   bool  `json:"running"`
	TimedOut  int64 `json:"timed_out"`
	FollowUps int64 `json:"follow_ups"`
	Errors    int64 `json:"errors"`
}

type systemFeatures struct {
	Voice   bool `json:"voice_synthesis"`
	ML      bool `json:"ml_optimization"`
	ABTests bool `json:"ab_testing"`
}

// GetOverview handles GET /api/v1/system/overview.
func (s *SystemService) GetOverview(c echo.Context) error {
	stats := s.Scheduler.GetStats()
	return respond(c, 200, systemOverview{
		Version:       s.Profile.Version,
		Mode:          s.Profile.Mode,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		OpenSessions:  s.Tracker.OpenSessions(),
		Store: storeHealth{
			Driver:        s.Profile.Driver,
			Degraded:      s.Store.Degraded(),
			PendingWrites: s.Store.PendingWrites(),
		},
		Sweeps: sweepCounters{
			Running:   stats.Running,
			TimedOut:  stats.TimedOut,
			FollowUps: stats.FollowUps,
			Errors:    stats.Errors,
		},
		Features: systemFeatures{
			Voice:   s.Profile.FeatureVoice,
			ML:      s.Profile.FeatureML,
			ABTests: s.Profile.FeatureABTests,
		},
	})
}

// GetSegments handles GET /api/v1/system/segments. Segments are the
// per-(program, tier) statistics the learning loop evaluates.
func (s *SystemService) GetSegments(c echo.Context) error {
	return respond(c, 200, map[string]any{"segments": s.Learning.Segments()})
}
