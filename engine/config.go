// Package engine assembles the conversation orchestration core from the
// service profile: analyzer fan-out, decision engine, experiments, dialog
// agents, outcome tracking, the learning loop and the background sweeps.
package engine

import (
	"time"

	"github.com/vocerohq/vocero/engine/agent"
	"github.com/vocerohq/vocero/engine/analyzer"
	"github.com/vocerohq/vocero/engine/conversation"
	"github.com/vocerohq/vocero/engine/decision"
	"github.com/vocerohq/vocero/engine/experiment"
	"github.com/vocerohq/vocero/engine/learning"
	"github.com/vocerohq/vocero/engine/scheduler"
	"github.com/vocerohq/vocero/internal/profile"
)

// Config aggregates the tunables of every engine component. Each field maps
// one-to-one onto a component config so tests can assemble partial engines.
type Config struct {
	Conversation conversation.Config
	Decision     decision.Config
	Experiment   experiment.Config
	Agent        agent.Config
	Learning     learning.Config
	Scheduler    scheduler.Config

	// AnalyzerDeadline is the per-analyzer budget inside a turn.
	AnalyzerDeadline time.Duration
}

// ConfigFromProfile maps the service profile onto component tunables.
func ConfigFromProfile(p *profile.Profile) Config {
	cfg := Config{
		Conversation:     conversation.ConfigFromProfile(p),
		Experiment:       experiment.ConfigFromProfile(p),
		Agent:            agent.DefaultConfig(),
		Learning:         learning.DefaultConfig(),
		Scheduler:        scheduler.DefaultConfig(),
		AnalyzerDeadline: analyzer.DefaultDeadline,
	}

	cfg.Decision = decision.Config{
		MinConfidence:       p.MinConfidence,
		ExplorationRate:     p.ExplorationRate,
		AdaptationThreshold: p.AdaptationThreshold,
		MaxTreeDepth:        p.MaxTreeDepth,
	}

	// Keep the terminal-record dedup window aligned with the customer
	// cooldown: duplicates cannot arrive later than a new session may start.
	if p.CooldownHours > 0 {
		cfg.Scheduler.RecordRetention = time.Duration(p.CooldownHours) * time.Hour
	}

	return cfg
}
