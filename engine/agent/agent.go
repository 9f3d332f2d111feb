// Package agent builds the dialog agents that produce assistant replies.
// The factory binds a program-keyed system prompt and the platform context;
// the LLM completion provider stays an external collaborator behind
// llm.Service. Prompt text lives in prompts.go; deployed experiment winners
// land here as prompt adjustments.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vocerohq/vocero/engine/analyzer"
	"github.com/vocerohq/vocero/engine/decision"
	"github.com/vocerohq/vocero/engine/fault"
	"github.com/vocerohq/vocero/engine/llm"
	"github.com/vocerohq/vocero/store"
)

// Config tunes agent construction.
type Config struct {
	// HistoryWindow is how many trailing messages enter the prompt.
	HistoryWindow int

	// ForceProfileWindow is how long after session start a forced profile
	// analysis may still fire.
	ForceProfileWindow time.Duration

	// ForceProfileMinConfidence is the personality confidence below which
	// the forced analysis fires inside the window.
	ForceProfileMinConfidence float64
}

// DefaultConfig returns the agent defaults.
func DefaultConfig() Config {
	return Config{
		HistoryWindow:             5,
		ForceProfileWindow:        60 * time.Second,
		ForceProfileMinConfidence: 0.5,
	}
}

// TurnContext is the fused context for one assistant reply.
type TurnContext struct {
	History  []store.Message
	Phase    store.Phase
	Bundle   analyzer.Bundle
	Actions  []decision.Action
	Variants []map[string]any
}

// Agent is a stateful dialog agent bound to one conversation.
type Agent struct {
	svc      llm.Service
	cfg      Config
	program  store.ProgramType
	customer store.CustomerData
	platform store.PlatformConfig
	base     string

	mu            sync.Mutex
	profileForced bool
	profileNote   string
}

// Factory constructs agents and receives deployed experiment winners.
type Factory struct {
	svc llm.Service
	cfg Config

	mu       sync.RWMutex
	deployed map[store.ExperimentType]map[string]any
}

// NewFactory builds the agent factory. Zero config fields fall back to
// defaults.
func NewFactory(svc llm.Service, cfg Config) *Factory {
	def := DefaultConfig()
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.ForceProfileWindow <= 0 {
		cfg.ForceProfileWindow = def.ForceProfileWindow
	}
	if cfg.ForceProfileMinConfidence <= 0 {
		cfg.ForceProfileMinConfidence = def.ForceProfileMinConfidence
	}
	return &Factory{
		svc:      svc,
		cfg:      cfg,
		deployed: map[store.ExperimentType]map[string]any{},
	}
}

// Agent binds a dialog agent to a program, customer and platform.
func (f *Factory) Agent(program store.ProgramType, customer store.CustomerData, platform store.PlatformConfig) *Agent {
	base, ok := basePrompts[program]
	if !ok {
		base = basePrompts[store.ProgramHybrid]
	}
	return &Agent{
		svc:      f.svc,
		cfg:      f.cfg,
		program:  program,
		customer: customer,
		platform: platform,
		base:     base,
	}
}

// Deploy accepts the winning variant of a completed experiment. Winner
// content becomes a standing prompt adjustment for every agent built after
// this call. It satisfies the experiment deployer contract.
func (f *Factory) Deploy(_ context.Context, exp *store.Experiment, winner store.Variant) error {
	f.mu.Lock()
	f.deployed[exp.Type] = winner.Content
	f.mu.Unlock()
	slog.Info("agent: experiment winner deployed",
		"experiment", exp.ID,
		"type", exp.Type,
		"variant", winner.ID)
	return nil
}

// DeployedAdjustments returns the standing winner contents, one per
// experiment type, in a stable order.
func (f *Factory) DeployedAdjustments() []map[string]any {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]map[string]any, 0, len(f.deployed))
	for _, typ := range []store.ExperimentType{store.ExperimentPrompt, store.ExperimentStrategy, store.ExperimentTierPricing} {
		if content, ok := f.deployed[typ]; ok && len(content) > 0 {
			out = append(out, content)
		}
	}
	return out
}

// Greeting produces the opening assistant line. LLM failures fall back to
// the program template so a session can always start.
func (a *Agent) Greeting(ctx context.Context) string {
	messages := []llm.Message{
		llm.SystemPrompt(a.base),
		llm.UserMessage(greetingInstruction(a.customer)),
	}
	reply, _, err := a.svc.Chat(ctx, messages)
	if err != nil || strings.TrimSpace(reply) == "" {
		slog.Warn("agent: greeting fell back to template",
			"program", a.program, "error", err)
		return greetingFallback(a.program, a.customer)
	}
	return strings.TrimSpace(reply)
}

// ProcessMessage produces the assistant reply for one turn. LLM timeouts
// surface as UpstreamTimeout and other failures as UpstreamError; the
// caller decides what to persist.
func (a *Agent) ProcessMessage(ctx context.Context, userText string, tc TurnContext) (string, *llm.CallStats, error) {
	messages := make([]llm.Message, 0, a.cfg.HistoryWindow+2)
	messages = append(messages, llm.SystemPrompt(a.buildSystemPrompt(tc)))
	messages = append(messages, historyWindow(tc.History, a.cfg.HistoryWindow)...)
	messages = append(messages, llm.UserMessage(userText))

	reply, stats, err := a.svc.Chat(ctx, messages)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", nil, fault.Wrap(fault.KindUpstreamTimeout, "llm call timed out", err)
		}
		return "", nil, fault.Wrap(fault.KindUpstreamError, "llm call failed", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", nil, fault.New(fault.KindUpstreamError, "llm returned an empty reply")
	}
	return reply, stats, nil
}

// ShouldForceProfileAnalysis reports whether the orchestrator should run an
// out-of-band personality pass: early in the session, while the profile
// read is still weak, and at most once per agent.
func (a *Agent) ShouldForceProfileAnalysis(elapsed time.Duration, personalityConfidence float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.profileForced {
		return false
	}
	return elapsed < a.cfg.ForceProfileWindow && personalityConfidence < a.cfg.ForceProfileMinConfidence
}

// ProfileAnalysisContext synthesizes the combined transcript the forced
// personality pass analyzes, from the last user utterances oldest-first.
func (a *Agent) ProfileAnalysisContext(utterances []string) string {
	kept := utterances
	if len(kept) > 6 {
		kept = kept[len(kept)-6:]
	}
	return strings.Join(kept, ". ")
}

// ProcessForcedAnalysisResult folds the forced personality read back into
// the agent. Later prompts carry the refined style note.
func (a *Agent) ProcessForcedAnalysisResult(r analyzer.PersonalityResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profileForced = true
	if note := personaSection(r); note != "" {
		a.profileNote = note
	}
	slog.Debug("agent: forced profile analysis applied",
		"style", r.CommunicationStyle,
		"confidence", r.Confidence)
}

// buildSystemPrompt assembles the base prompt plus the per-turn sections.
// Empty sections are skipped so quiet turns stay short.
func (a *Agent) buildSystemPrompt(tc TurnContext) string {
	var b strings.Builder
	b.WriteString(a.base)

	sections := []string{
		a.customerSection(),
		analyzerSection(tc.Bundle),
		a.personaOrNote(tc.Bundle.Personality),
		actionsSection(tc.Actions),
		variantsSection(tc.Variants),
	}
	if guidance := empathicGuidance(tc.Bundle.Emotion); guidance != "" {
		sections = append(sections, "## Guía empática\n"+guidance+"\n")
	}
	for _, s := range sections {
		if s == "" {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(strings.TrimRight(s, "\n"))
	}
	return b.String()
}

// personaOrNote prefers the forced-analysis note over the per-turn read.
func (a *Agent) personaOrNote(p analyzer.PersonalityResult) string {
	a.mu.Lock()
	note := a.profileNote
	a.mu.Unlock()
	if note != "" {
		return note
	}
	return personaSection(p)
}

func (a *Agent) customerSection() string {
	var b strings.Builder
	b.WriteString("## Cliente\n")
	if a.customer.Name != "" {
		b.WriteString("- Nombre: " + a.customer.Name + "\n")
	}
	if a.customer.Age > 0 {
		b.WriteString("- Edad: " + strconv.Itoa(a.customer.Age) + "\n")
	}
	if len(a.customer.Interests) > 0 {
		b.WriteString("- Intereses: " + strings.Join(a.customer.Interests, ", ") + "\n")
	}
	return b.String()
}

// historyWindow maps the trailing conversation messages into chat turns.
// System entries never re-enter the prompt.
func historyWindow(history []store.Message, n int) []llm.Message {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case store.RoleUser:
			out = append(out, llm.UserMessage(msg.Content))
		case store.RoleAssistant:
			out = append(out, llm.AssistantMessage(msg.Content))
		}
	}
	return out
}
