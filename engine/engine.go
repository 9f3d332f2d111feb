package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/vocerohq/vocero/engine/agent"
	"github.com/vocerohq/vocero/engine/analyzer"
	"github.com/vocerohq/vocero/engine/conversation"
	"github.com/vocerohq/vocero/engine/decision"
	"github.com/vocerohq/vocero/engine/experiment"
	"github.com/vocerohq/vocero/engine/learning"
	"github.com/vocerohq/vocero/engine/llm"
	"github.com/vocerohq/vocero/engine/metrics"
	"github.com/vocerohq/vocero/engine/outcome"
	"github.com/vocerohq/vocero/engine/scheduler"
	"github.com/vocerohq/vocero/engine/voice"
	"github.com/vocerohq/vocero/internal/profile"
	"github.com/vocerohq/vocero/store"
)

// Engine is the assembled orchestration core. Components are exported so the
// HTTP surface and channel adapters reach them directly.
type Engine struct {
	Profile *profile.Profile
	Store   *store.Store

	LLM          llm.Service
	Voice        voice.Synthesizer
	Analyzers    *analyzer.Fanout
	Decisions    *decision.Engine
	Experiments  *experiment.Manager
	Agents       *agent.Factory
	Tracker      *outcome.Tracker
	Learning     *learning.Service
	Orchestrator *conversation.Orchestrator
	Scheduler    *scheduler.Scheduler
	Metrics      *metrics.Exporter
}

// New assembles the engine and wires the outcome fan-out: every terminal
// record feeds the bandit rewards, the learning aggregates and the gauges.
func New(ctx context.Context, p *profile.Profile, st *store.Store) (*Engine, error) {
	cfg := ConfigFromProfile(p)
	exporter := metrics.NewExporter(metrics.DefaultConfig())

	svc, err := llm.NewService(llm.ConfigFromProfile(p))
	if err != nil {
		return nil, errors.Wrap(err, "create llm service")
	}
	svc = meterLLM(svc, exporter, p.LLMModel)

	fanout := analyzer.NewFanout(analyzer.Config{
		Deadline: cfg.AnalyzerDeadline,
		OnFailure: func(kind analyzer.Kind, _ error) {
			exporter.RecordAnalyzerFailure(string(kind))
		},
	})

	decisions := decision.NewEngine(cfg.Decision)
	agents := agent.NewFactory(svc, cfg.Agent)
	experiments := experiment.NewManager(st, cfg.Experiment, experiment.WithDeployer(agents))
	tracker := outcome.NewTracker(st)
	learner := learning.NewService(decisions, experiments, cfg.Learning)
	speech := voice.NewSynthesizer(p)

	orch := conversation.New(conversation.Deps{
		Store:       st,
		Analyzers:   fanout,
		Decisions:   decisions,
		Experiments: experiments,
		Agents:      agents,
		Tracker:     tracker,
		Voice:       speech,
	}, cfg.Conversation)

	sched := scheduler.New(orch, cfg.Scheduler,
		scheduler.WithMetrics(exporter),
		scheduler.WithStoreHealth(st),
		scheduler.WithSessionBook(tracker),
	)

	tracker.Subscribe(func(ctx context.Context, rec *store.OutcomeRecord) error {
		experiments.RecordOutcome(ctx, rec)
		return nil
	})
	tracker.Subscribe(learner.RecordOutcome)
	tracker.Subscribe(func(_ context.Context, rec *store.OutcomeRecord) error {
		exporter.RecordConversationClosed(string(rec.Outcome))
		return nil
	})

	if p.FeatureABTests {
		// Degrade to no-assignment when the registry cannot be loaded; the
		// conversation flow never depends on experiments being present.
		if err := experiments.Load(ctx); err != nil {
			slog.Warn("engine: loading experiments failed, assignments disabled", "error", err)
		}
	}

	e := &Engine{
		Profile:      p,
		Store:        st,
		LLM:          svc,
		Voice:        speech,
		Analyzers:    fanout,
		Decisions:    decisions,
		Experiments:  experiments,
		Agents:       agents,
		Tracker:      tracker,
		Learning:     learner,
		Orchestrator: orch,
		Scheduler:    sched,
		Metrics:      exporter,
	}
	return e, nil
}

// Start launches the background loops: connection warmup, the sweep
// scheduler, and the learning ticker when ML optimization is on.
func (e *Engine) Start(ctx context.Context) {
	go e.LLM.Warmup(ctx)

	e.Scheduler.Start()
	if e.Profile.FeatureML {
		e.Learning.Start()
	}

	slog.Info("engine: started",
		"provider", e.Profile.LLMProvider,
		"model", e.Profile.LLMModel,
		"voice", e.Voice.Enabled(),
		"ml_optimization", e.Profile.FeatureML,
		"ab_testing", e.Profile.FeatureABTests,
	)
}

// Stop halts the background loops. Safe to call before Start.
func (e *Engine) Stop() {
	e.Scheduler.Stop()
	e.Learning.Stop()
}

// meteredLLM decorates the completion service with the token and latency
// instruments.
type meteredLLM struct {
	inner    llm.Service
	exporter *metrics.Exporter
	model    string
}

func meterLLM(inner llm.Service, exporter *metrics.Exporter, model string) llm.Service {
	return &meteredLLM{inner: inner, exporter: exporter, model: model}
}

func (m *meteredLLM) Chat(ctx context.Context, messages []llm.Message) (string, *llm.CallStats, error) {
	content, stats, err := m.inner.Chat(ctx, messages)
	if stats != nil {
		m.exporter.RecordLLMCall(m.model,
			time.Duration(stats.DurationMs)*time.Millisecond,
			stats.PromptTokens, stats.CompletionTokens)
	}
	return content, stats, err
}

func (m *meteredLLM) Warmup(ctx context.Context) {
	m.inner.Warmup(ctx)
}
