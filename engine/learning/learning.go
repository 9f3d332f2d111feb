// Package learning closes the loop between recorded outcomes and the
// tunables that shape future conversations. It keeps rolling aggregates per
// program/tier segment, periodically nudges the decision-weight mix toward
// whatever is losing conversations, and drafts experiments for segments
// that keep underperforming. Model fitting happens elsewhere; this service
// only consumes outcomes.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vocerohq/vocero/engine/decision"
	"github.com/vocerohq/vocero/store"
)

// TunableSink is where weight nudges land. *decision.Engine satisfies it.
type TunableSink interface {
	Weights() decision.Weights
	SetWeights(decision.Weights)
}

// Proposer receives drafted experiments. *experiment.Manager satisfies it.
type Proposer interface {
	Propose(ctx context.Context, exp *store.Experiment) (bool, error)
}

// Config tunes the learning cadence and thresholds.
type Config struct {
	// Interval is the evaluation cadence.
	Interval time.Duration

	// WindowSize caps the rolling outcomes kept per segment.
	WindowSize int

	// MinOutcomes gates any action until a segment has enough evidence.
	MinOutcomes int

	// NudgeStep is the weight bump applied per evaluation.
	NudgeStep float64

	// MaxWeight bounds any single objective after normalization.
	MaxWeight float64

	// LowConversion marks a conversion rate as underperforming.
	LowConversion float64

	// ReasonDominance is the loss-reason share that picks the nudge target.
	ReasonDominance float64

	// ProposalMinSample seeds the minimum sample of drafted experiments.
	ProposalMinSample int
}

// DefaultConfig returns the learning defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          15 * time.Minute,
		WindowSize:        200,
		MinOutcomes:       20,
		NudgeStep:         0.05,
		MaxWeight:         0.6,
		LowConversion:     0.10,
		ReasonDominance:   0.4,
		ProposalMinSample: 100,
	}
}

type segmentKey struct {
	program store.ProgramType
	tier    store.Tier
}

// sample is the compact trace one outcome leaves in the window.
type sample struct {
	converted  bool
	rejected   bool
	timedOut   bool
	engagement float64
}

type segment struct {
	samples []sample
}

// SegmentStats is a read-only aggregate of one program/tier segment.
type SegmentStats struct {
	Program        store.ProgramType `json:"program"`
	Tier           store.Tier        `json:"tier"`
	Outcomes       int               `json:"outcomes"`
	Conversions    int               `json:"conversions"`
	ConversionRate float64           `json:"conversion_rate"`
	AvgEngagement  float64           `json:"avg_engagement"`
	RejectionShare float64           `json:"rejection_share"`
	TimeoutShare   float64           `json:"timeout_share"`
}

// Service is the adaptive learning consumer.
type Service struct {
	cfg      Config
	sink     TunableSink
	proposer Proposer

	mu       sync.Mutex
	segments map[segmentKey]*segment

	ticker  *time.Ticker
	stopCh  chan struct{}
	running atomic.Bool
}

// NewService builds the learning service. Zero config fields fall back to
// defaults.
func NewService(sink TunableSink, proposer Proposer, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinOutcomes <= 0 {
		cfg.MinOutcomes = def.MinOutcomes
	}
	if cfg.NudgeStep <= 0 {
		cfg.NudgeStep = def.NudgeStep
	}
	if cfg.MaxWeight <= 0 {
		cfg.MaxWeight = def.MaxWeight
	}
	if cfg.LowConversion <= 0 {
		cfg.LowConversion = def.LowConversion
	}
	if cfg.ReasonDominance <= 0 {
		cfg.ReasonDominance = def.ReasonDominance
	}
	if cfg.ProposalMinSample <= 0 {
		cfg.ProposalMinSample = def.ProposalMinSample
	}
	return &Service{
		cfg:      cfg,
		sink:     sink,
		proposer: proposer,
		segments: map[segmentKey]*segment{},
		stopCh:   make(chan struct{}),
	}
}

// RecordOutcome folds one outcome into its segment window. It satisfies
// outcome.Listener; wire it with tracker.Subscribe(svc.RecordOutcome).
func (s *Service) RecordOutcome(_ context.Context, rec *store.OutcomeRecord) error {
	key := segmentKey{program: rec.ProgramType, tier: rec.TierRecommended}
	smp := sample{
		converted:  rec.Outcome == store.OutcomeConverted,
		rejected:   rec.Outcome == store.OutcomeLost,
		timedOut:   rec.Outcome == store.OutcomeTimedOut,
		engagement: rec.Metrics.EngagementScore,
	}

	s.mu.Lock()
	seg := s.segments[key]
	if seg == nil {
		seg = &segment{}
		s.segments[key] = seg
	}
	seg.samples = append(seg.samples, smp)
	if len(seg.samples) > s.cfg.WindowSize {
		seg.samples = seg.samples[len(seg.samples)-s.cfg.WindowSize:]
	}
	s.mu.Unlock()
	return nil
}

// Start begins periodic evaluation.
func (s *Service) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.ticker = time.NewTicker(s.cfg.Interval)
	go s.run()
	slog.Info("learning: started", "interval", s.cfg.Interval)
}

// Stop halts periodic evaluation.
func (s *Service) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	if s.ticker != nil {
		s.ticker.Stop()
	}
	slog.Info("learning: stopped")
}

func (s *Service) run() {
	for {
		select {
		case <-s.ticker.C:
			s.Evaluate(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Segments returns the current aggregates, ordered by program then tier.
func (s *Service) Segments() []SegmentStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SegmentStats, 0, len(s.segments))
	for key, seg := range s.segments {
		out = append(out, statsOf(key, seg))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Program != out[j].Program {
			return out[i].Program < out[j].Program
		}
		return out[i].Tier < out[j].Tier
	})
	return out
}

func statsOf(key segmentKey, seg *segment) SegmentStats {
	st := SegmentStats{Program: key.program, Tier: key.tier, Outcomes: len(seg.samples)}
	if st.Outcomes == 0 {
		return st
	}
	var engagement float64
	var rejected, timedOut int
	for _, smp := range seg.samples {
		if smp.converted {
			st.Conversions++
		}
		if smp.rejected {
			rejected++
		}
		if smp.timedOut {
			timedOut++
		}
		engagement += smp.engagement
	}
	n := float64(st.Outcomes)
	st.ConversionRate = float64(st.Conversions) / n
	st.AvgEngagement = engagement / n
	st.RejectionShare = float64(rejected) / n
	st.TimeoutShare = float64(timedOut) / n
	return st
}

// Evaluate runs one learning pass: a global weight nudge, then at most one
// experiment proposal for the worst qualifying segment. It is also what the
// ticker fires.
func (s *Service) Evaluate(ctx context.Context) {
	stats := s.Segments()

	var global SegmentStats
	for _, st := range stats {
		global.Outcomes += st.Outcomes
		global.Conversions += st.Conversions
		global.RejectionShare += st.RejectionShare * float64(st.Outcomes)
		global.TimeoutShare += st.TimeoutShare * float64(st.Outcomes)
	}
	if global.Outcomes < s.cfg.MinOutcomes {
		slog.Debug("learning: not enough outcomes yet", "outcomes", global.Outcomes, "needed", s.cfg.MinOutcomes)
		return
	}
	n := float64(global.Outcomes)
	global.ConversionRate = float64(global.Conversions) / n
	global.RejectionShare /= n
	global.TimeoutShare /= n

	s.nudgeWeights(global)
	s.proposeForWorst(ctx, stats)
}

// nudgeWeights bumps the objective that best explains the losses; the sink
// renormalizes. The bump is skipped when it would push any objective past
// the bound.
func (s *Service) nudgeWeights(global SegmentStats) {
	w := s.sink.Weights()
	var objective string
	switch {
	case global.RejectionShare >= s.cfg.ReasonDominance:
		w.ObjectionHandling += s.cfg.NudgeStep
		objective = "objection_handling"
	case global.TimeoutShare >= s.cfg.ReasonDominance:
		w.NeedSatisfaction += s.cfg.NudgeStep
		objective = "need_satisfaction"
	case global.ConversionRate < s.cfg.LowConversion:
		w.ConversionProgress += s.cfg.NudgeStep
		objective = "conversion_progress"
	default:
		slog.Debug("learning: objectives healthy, no nudge",
			"conversion_rate", global.ConversionRate,
			"rejection_share", global.RejectionShare,
			"timeout_share", global.TimeoutShare)
		return
	}

	n := w.Normalized()
	if n.NeedSatisfaction > s.cfg.MaxWeight ||
		n.ObjectionHandling > s.cfg.MaxWeight ||
		n.ConversionProgress > s.cfg.MaxWeight {
		slog.Info("learning: nudge skipped, weight bound reached",
			"objective", objective, "bound", s.cfg.MaxWeight)
		return
	}

	s.sink.SetWeights(w)
	slog.Info("learning: weights nudged",
		"objective", objective,
		"step", s.cfg.NudgeStep,
		"conversion_rate", global.ConversionRate,
		"rejection_share", global.RejectionShare,
		"timeout_share", global.TimeoutShare)
}

// proposeForWorst drafts one experiment for the weakest qualifying segment.
// The proposer dedupes by experiment type, so repeated passes do not stack
// drafts.
func (s *Service) proposeForWorst(ctx context.Context, stats []SegmentStats) {
	var worst *SegmentStats
	for i := range stats {
		st := &stats[i]
		if st.Outcomes < s.cfg.MinOutcomes {
			continue
		}
		if worst == nil || st.ConversionRate < worst.ConversionRate {
			worst = st
		}
	}
	if worst == nil || worst.ConversionRate >= s.cfg.LowConversion {
		return
	}

	exp := s.draftExperiment(*worst)
	accepted, err := s.proposer.Propose(ctx, exp)
	if err != nil {
		slog.Warn("learning: proposal failed",
			"segment_program", worst.Program, "segment_tier", worst.Tier, "error", err)
		return
	}
	if accepted {
		slog.Info("learning: experiment proposed",
			"name", exp.Name,
			"type", exp.Type,
			"segment_program", worst.Program,
			"segment_tier", worst.Tier,
			"conversion_rate", worst.ConversionRate)
	}
}

// draftExperiment picks the experiment type from the dominant loss mode of
// the segment: rejection on a premium tier points at pricing, other
// rejection at strategy, disengagement at the prompt itself.
func (s *Service) draftExperiment(seg SegmentStats) *store.Experiment {
	typ := store.ExperimentPrompt
	challenger := map[string]any{
		"prompt": "Abre con una pregunta personal sobre su motivación antes de presentar el programa",
	}
	switch {
	case seg.RejectionShare >= seg.TimeoutShare && premiumTier(seg.Tier):
		typ = store.ExperimentTierPricing
		challenger = map[string]any{
			"tier_framing": "Presenta primero el valor mensual y el ahorro anual, no el precio total",
		}
	case seg.RejectionShare >= seg.TimeoutShare:
		typ = store.ExperimentStrategy
		challenger = map[string]any{
			"strategy": "Valida la objeción y comparte un caso real antes de reencuadrar el precio",
		}
	}

	return &store.Experiment{
		Name: fmt.Sprintf("auto: %s/%s %s", seg.Program, seg.Tier, typ),
		Type: typ,
		Hypothesis: fmt.Sprintf(
			"segment %s/%s converts at %.0f%% over %d outcomes; a revised %s lifts conversion",
			seg.Program, seg.Tier, seg.ConversionRate*100, seg.Outcomes, typ),
		Variants: []store.Variant{
			{ID: "control", Name: "control", Weight: 0.5, Content: map[string]any{}},
			{ID: "challenger", Name: "challenger", Weight: 0.5, Content: challenger},
		},
		TargetMetric:    store.MetricConversionRate,
		MinSample:       s.cfg.ProposalMinSample,
		ConfidenceLevel: 0.95,
	}
}

func premiumTier(t store.Tier) bool {
	switch t {
	case store.TierElite, store.TierPrimePremium, store.TierLongevityPremium:
		return true
	}
	return false
}
