// Package conversation owns the session lifecycle. The orchestrator is the
// only mutator of conversation state: it opens sessions under the customer
// cooldown, serializes turns per conversation, runs the analyzer fan-out,
// fuses the decision engine's read into the agent reply, and enforces the
// close rules (timeout, rejection, intent achieved, transfer, message cap).
package conversation

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vocerohq/vocero/engine/agent"
	"github.com/vocerohq/vocero/engine/analyzer"
	"github.com/vocerohq/vocero/engine/decision"
	"github.com/vocerohq/vocero/engine/experiment"
	"github.com/vocerohq/vocero/engine/fault"
	"github.com/vocerohq/vocero/engine/llm"
	"github.com/vocerohq/vocero/engine/outcome"
	"github.com/vocerohq/vocero/engine/platform"
	"github.com/vocerohq/vocero/engine/voice"
	"github.com/vocerohq/vocero/internal/profile"
	"github.com/vocerohq/vocero/store"
)

// minTurnBudget floors the per-turn deadline so a turn that arrives past
// the session budget can still be answered and closed.
const minTurnBudget = 15 * time.Second

// Config carries the lifecycle tunables.
type Config struct {
	// Cooldown is the per-customer minimum gap between session starts.
	Cooldown time.Duration
	// MaxDuration bounds a session when the platform context does not.
	MaxDuration time.Duration
	// IntentTimeout is the window within which purchase intent must appear
	// before the session closes as timed out. Zero uses the full budget.
	IntentTimeout time.Duration
	// MaxMessages closes a conversation naturally once reached. Zero
	// disables the cap.
	MaxMessages int
	// PredictionSampleRate is the fraction of conversations whose analyzer
	// reads are stored as predictions for offline scoring.
	PredictionSampleRate float64
	// FollowUpDelay is how long after entering follow_up the re-engagement
	// message fires.
	FollowUpDelay time.Duration
	// FollowUpExpiry closes a follow-up that never got an answer, counted
	// from the re-engagement message.
	FollowUpExpiry time.Duration
	// SweepConcurrency bounds parallel closes per sweep.
	SweepConcurrency int64
}

// DefaultConfig returns the standard lifecycle tunables.
func DefaultConfig() Config {
	return Config{
		Cooldown:             48 * time.Hour,
		MaxDuration:          30 * time.Minute,
		MaxMessages:          100,
		PredictionSampleRate: 0.1,
		FollowUpDelay:        24 * time.Hour,
		FollowUpExpiry:       72 * time.Hour,
		SweepConcurrency:     4,
	}
}

// ConfigFromProfile maps the service profile onto lifecycle tunables.
func ConfigFromProfile(p *profile.Profile) Config {
	cfg := DefaultConfig()
	if p.CooldownHours > 0 {
		cfg.Cooldown = time.Duration(p.CooldownHours) * time.Hour
	}
	if p.MaxConversationMinutes > 0 {
		cfg.MaxDuration = time.Duration(p.MaxConversationMinutes) * time.Minute
	}
	if p.MaxMessagesPerConversation > 0 {
		cfg.MaxMessages = p.MaxMessagesPerConversation
	}
	if p.SampleRate > 0 {
		cfg.PredictionSampleRate = p.SampleRate
	}
	return cfg
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Store       *store.Store
	Analyzers   *analyzer.Fanout
	Decisions   *decision.Engine
	Experiments *experiment.Manager
	Agents      *agent.Factory
	Tracker     *outcome.Tracker
	Voice       voice.Synthesizer
}

// Orchestrator coordinates analyzers, decision engine, experiments, agent
// and tracker for every conversation turn.
type Orchestrator struct {
	cfg         Config
	st          *store.Store
	fanout      *analyzer.Fanout
	decisions   *decision.Engine
	experiments *experiment.Manager
	agents      *agent.Factory
	tracker     *outcome.Tracker
	voice       voice.Synthesizer
	profiler    *analyzer.PersonalityAnalyzer

	locks *keyedMutex
	now   func() time.Time

	mu     sync.Mutex
	actors map[uuid.UUID]*agent.Agent
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New assembles the orchestrator. Zero Config fields fall back to their
// defaults; a nil voice synthesizer disables audio.
func New(deps Deps, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.FollowUpDelay <= 0 {
		cfg.FollowUpDelay = def.FollowUpDelay
	}
	if cfg.FollowUpExpiry <= 0 {
		cfg.FollowUpExpiry = def.FollowUpExpiry
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = def.SweepConcurrency
	}
	if deps.Voice == nil {
		deps.Voice = voice.Noop{}
	}
	o := &Orchestrator{
		cfg:         cfg,
		st:          deps.Store,
		fanout:      deps.Analyzers,
		decisions:   deps.Decisions,
		experiments: deps.Experiments,
		agents:      deps.Agents,
		tracker:     deps.Tracker,
		voice:       deps.Voice,
		profiler:    analyzer.NewPersonalityAnalyzer(),
		locks:       newKeyedMutex(),
		now:         func() time.Time { return time.Now().UTC() },
		actors:      map[uuid.UUID]*agent.Agent{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Reply is the outcome of one processed turn.
type Reply struct {
	State  *store.ConversationState
	Text   string
	Audio  []byte
	Closed bool
}

// StartConversation opens a session for the customer. When program is empty
// the program router picks one; a HYBRID recommendation resolves by age.
func (o *Orchestrator) StartConversation(ctx context.Context, customer store.CustomerData, pctx platform.Context, program store.ProgramType) (*store.ConversationState, error) {
	if err := customer.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "invalid customer", err)
	}
	if pctx.MaxDuration <= 0 {
		pctx.MaxDuration = o.cfg.MaxDuration
	}
	if err := pctx.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "invalid platform context", err)
	}
	if program != "" && !program.Valid() {
		return nil, fault.Newf(fault.KindBadRequest, "unknown program type %q", program)
	}

	unlock := o.locks.lock("customer/" + customer.ID)
	defer unlock()

	now := o.now()
	if err := o.checkCooldown(ctx, customer.ID, now); err != nil {
		return nil, err
	}

	if program == "" {
		route := o.fanout.Route(ctx, analyzer.Snapshot{Customer: customer, Phase: store.PhaseGreeting})
		program = route.Program
		slog.Debug("conversation: program routed",
			"customer", customer.ID, "program", program, "confidence", route.Confidence)
	}
	program = resolveProgram(program, customer)

	state := store.NewConversation(customer, program, pctx.Config(), pctx.MaxDuration, o.cfg.IntentTimeout, now)

	actor := o.agents.Agent(program, customer, state.Platform)
	greeting := actor.Greeting(ctx)
	if _, err := state.AppendMessage(store.RoleAssistant, greeting, now); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "greeting rejected", err)
	}

	o.tracker.StartTracking(state.ID, customer.ID, program, now)
	o.tracker.RecordAssistantMessage(state.ID, now)

	for _, a := range o.experiments.AssignAll(ctx, state.ID, customer, state.Platform) {
		state.AssignExperiment(a.ExperimentID.String())
	}

	if err := o.st.CreateConversation(ctx, state); err != nil {
		return nil, fault.Wrap(fault.KindStoreUnavailable, "persisting conversation", err)
	}

	o.mu.Lock()
	o.actors[state.ID] = actor
	o.mu.Unlock()

	slog.Info("conversation: started",
		"conversation", state.ID,
		"customer", customer.ID,
		"program", program,
		"source", state.Platform.Source,
		"experiments", len(state.ExperimentAssignments),
	)
	return state, nil
}

// ProcessMessage runs one turn. checkIntent gates the intent-driven close
// rules; lifecycle closes (timeout, message cap) always apply. On an LLM
// failure the state is persisted with the user message appended, so a
// retried turn resumes instead of duplicating it.
func (o *Orchestrator) ProcessMessage(ctx context.Context, conversationID uuid.UUID, userText string, checkIntent bool) (*Reply, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, fault.New(fault.KindBadRequest, "message text is required")
	}

	unlock := o.locks.lock(conversationID.String())
	defer unlock()

	state, err := o.loadState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if state.Terminal() {
		return nil, fault.Newf(fault.KindClosedConversation, "conversation %s is %s", conversationID, state.Phase)
	}

	now := o.now()
	remainder := state.MaxDuration() - state.Elapsed(now)
	if remainder < minTurnBudget {
		remainder = minTurnBudget
	}
	ctx, cancel := context.WithTimeout(ctx, remainder)
	defer cancel()

	if !o.tracker.Tracking(state.ID) {
		o.tracker.TrackFromState(state)
	}

	// A trailing user message means the previous turn died before the
	// reply; resume it rather than violating alternation.
	snap := analyzer.SnapshotOf(state, userText, now)
	if last := state.LastMessage(); last != nil && last.Role == store.RoleUser {
		if last.Content != userText {
			slog.Debug("conversation: coalescing double send", "conversation", state.ID)
		}
	} else {
		if _, err := state.AppendMessage(store.RoleUser, userText, now); err != nil {
			return nil, fault.Wrap(fault.KindConflict, "appending user message", err)
		}
		o.tracker.RecordUserMessage(state.ID, userText, now)
	}

	bundle := o.fanout.Analyze(ctx, snap)
	newObjection := o.absorbBundle(state, bundle, now)

	if switched := o.maybeSwitchProgram(state, bundle, now); switched {
		// The persona changed; replace the live agent before the reply.
		o.mu.Lock()
		o.actors[state.ID] = o.agents.Agent(state.ProgramType, state.Customer, state.Platform)
		o.mu.Unlock()
	}
	actor := o.actorFor(state)

	o.maybeForceProfile(ctx, state, actor, bundle, now)

	if state.Platform.EnableTransfer && wantsHumanTransfer(userText, bundle) {
		return o.transfer(ctx, state, now)
	}

	dec := o.decisions.Decide(bundle)

	tc := agent.TurnContext{
		History:  state.RecentMessages(20),
		Phase:    state.Phase,
		Bundle:   *bundle,
		Actions:  dec.Actions,
		Variants: o.variantContents(state.ID),
	}
	replyText, stats, err := actor.ProcessMessage(ctx, userText, tc)
	if err != nil {
		// Keep the user message so the retried turn is idempotent.
		if perr := o.st.UpsertConversation(ctx, state); perr != nil {
			slog.Error("conversation: persist after failed turn",
				"conversation", state.ID, "error", perr)
		}
		slog.Warn("conversation: turn failed",
			"conversation", state.ID, "kind", fault.KindOf(err), "error", err)
		return nil, err
	}

	now = o.now()
	if _, err := state.AppendMessage(store.RoleAssistant, replyText, now); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "appending reply", err)
	}
	o.tracker.RecordAssistantMessage(state.ID, now)

	o.recordPredictions(ctx, state, bundle, now)

	cd := evaluateClose(state, bundle, dec, state.InsightBool(insightIntentSeen), checkIntent, o.cfg.MaxMessages, state.Elapsed(now))
	if cd.fired {
		o.finalize(ctx, state, cd.reason, now)
	} else if next := advancePhase(state, bundle, userText, newObjection); next != state.Phase {
		if err := state.Transition(next, now); err != nil {
			slog.Warn("conversation: phase advance rejected",
				"conversation", state.ID, "from", state.Phase, "to", next, "error", err)
		} else if next == store.PhaseFollowUp {
			state.SetInsight(insightFollowUpAt, now.Add(o.cfg.FollowUpDelay).Format(time.RFC3339))
		}
	}

	var audio []byte
	if state.Platform.EnableVoice && o.voice.Enabled() {
		if audio, err = o.voice.Synthesize(ctx, replyText); err != nil {
			slog.Warn("conversation: voice synthesis failed",
				"conversation", state.ID, "error", err)
			audio = nil
		}
	}

	if err := o.st.UpsertConversation(ctx, state); err != nil {
		return nil, fault.Wrap(fault.KindStoreUnavailable, "persisting conversation", err)
	}

	logTurn(state, stats, bundle, cd)
	return &Reply{State: state, Text: replyText, Audio: audio, Closed: cd.fired}, nil
}

// EndConversation closes a session. It is idempotent: already-terminal
// conversations are returned unchanged. A farewell is appended unless the
// last assistant message already reads as one.
func (o *Orchestrator) EndConversation(ctx context.Context, conversationID uuid.UUID, reason string) (*store.ConversationState, error) {
	if reason == "" {
		reason = ReasonNaturalEnd
	}

	unlock := o.locks.lock(conversationID.String())
	defer unlock()

	state, err := o.loadState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if state.Terminal() {
		return state, nil
	}

	now := o.now()
	if last := state.LastAssistantMessage(); last == nil || !isFarewell(last.Content) {
		farewell := agent.FarewellMessage(state.ProgramType)
		if outcomeFor(reason) == store.OutcomeConverted {
			farewell = agent.ClosingMessage()
		}
		if _, err := state.AppendMessage(store.RoleAssistant, farewell, now); err == nil {
			o.tracker.RecordAssistantMessage(state.ID, now)
		}
	}

	o.finalize(ctx, state, reason, now)

	if err := o.st.UpsertConversation(ctx, state); err != nil {
		return nil, fault.Wrap(fault.KindStoreUnavailable, "persisting conversation", err)
	}
	return state, nil
}

// loadState maps store errors onto fault kinds.
func (o *Orchestrator) loadState(ctx context.Context, id uuid.UUID) (*store.ConversationState, error) {
	state, err := o.st.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.Wrapf(fault.KindNotFound, err, "conversation %s", id)
		}
		return nil, fault.Wrap(fault.KindStoreUnavailable, "loading conversation", err)
	}
	return state, nil
}

func (o *Orchestrator) checkCooldown(ctx context.Context, customerID string, now time.Time) error {
	latest, err := o.st.LatestConversationByCustomer(ctx, customerID)
	if err != nil {
		return fault.Wrap(fault.KindStoreUnavailable, "cooldown lookup", err)
	}
	if latest == nil {
		return nil
	}
	since := now.Sub(latest.SessionStart)
	if since < o.cfg.Cooldown {
		return fault.Newf(fault.KindCooldownActive,
			"customer %s contacted %s ago", customerID, since.Round(time.Minute)).
			WithDetail("elapsed_seconds", int64(since/time.Second)).
			WithDetail("retry_after_seconds", int64((o.cfg.Cooldown-since)/time.Second)).
			WithDetail("last_conversation_id", latest.ID.String())
	}
	return nil
}

// resolveProgram applies the hybrid routing rule: HYBRID resolves to PRIME
// under age 50, LONGEVITY otherwise.
func resolveProgram(p store.ProgramType, customer store.CustomerData) store.ProgramType {
	if p != store.ProgramHybrid {
		return p
	}
	if customer.Age < 50 {
		return store.ProgramPrime
	}
	return store.ProgramLongevity
}

// absorbBundle folds the fan-out results into conversation state and the
// outcome tracker. It reports whether a new objection type appeared.
func (o *Orchestrator) absorbBundle(state *store.ConversationState, bundle *analyzer.Bundle, now time.Time) bool {
	newObjection := false
	for _, obj := range bundle.Objections.Objections {
		if obj.Confidence >= 0.5 && state.AddObjection(obj.Type) {
			newObjection = true
			o.tracker.RecordEvent(state.ID, outcome.EventObjectionRaised)
		}
	}

	if bundle.Tier.Tier != "" && bundle.Tier.Confidence >= 0.5 {
		state.RecordTierStep(bundle.Tier.Tier, bundle.Tier.Confidence, now)
	}

	if bundle.Intent.HasPurchaseIntent() {
		state.SetInsight(insightIntentSeen, true)
		o.tracker.RecordEvent(state.ID, outcome.EventPurchaseSignal)
	}
	if bundle.Intent.HasRejection() {
		o.tracker.RecordEvent(state.ID, outcome.EventRejectionSignal)
	}

	state.SetInsight("emotion", bundle.Emotion.Primary)
	state.SetInsight("conversion_probability", bundle.Conversion.Probability)
	return newObjection
}

// maybeSwitchProgram applies the mid-conversation switch rule: router
// confidence at or above 0.7 for a different program. The transition
// message is appended so the customer sees why the pitch changed.
func (o *Orchestrator) maybeSwitchProgram(state *store.ConversationState, bundle *analyzer.Bundle, now time.Time) bool {
	if bundle.Route.Confidence < 0.7 {
		return false
	}
	to := resolveProgram(bundle.Route.Program, state.Customer)
	if to == state.ProgramType {
		return false
	}

	state.RecordProgramSwitch(to, bundle.Route.Confidence, bundle.Route.Reasoning, now)
	if _, err := state.AppendMessage(store.RoleAssistant, agent.ProgramSwitchMessage(to), now); err == nil {
		o.tracker.RecordAssistantMessage(state.ID, now)
	}
	o.tracker.RecordEvent(state.ID, outcome.EventProgramSwitch)

	slog.Info("conversation: program switched",
		"conversation", state.ID,
		"to", to,
		"confidence", bundle.Route.Confidence,
	)
	return true
}

// maybeForceProfile runs the personality analyzer over the combined recent
// transcript when the session is young and the per-turn read is weak. It
// fires at most once per conversation.
func (o *Orchestrator) maybeForceProfile(ctx context.Context, state *store.ConversationState, actor *agent.Agent, bundle *analyzer.Bundle, now time.Time) {
	if state.InsightBool(insightProfileForced) {
		return
	}
	if !actor.ShouldForceProfileAnalysis(state.Elapsed(now), bundle.Personality.Confidence) {
		return
	}

	transcript := actor.ProfileAnalysisContext(state.UserUtterances(6))
	if transcript == "" {
		return
	}
	read, err := o.profiler.Analyze(ctx, analyzer.Snapshot{
		ConversationID: state.ID,
		Customer:       state.Customer,
		UserText:       transcript,
	})
	if err != nil {
		slog.Debug("conversation: forced profile analysis failed",
			"conversation", state.ID, "error", err)
		return
	}
	actor.ProcessForcedAnalysisResult(read)
	state.SetInsight(insightProfileForced, true)
	if read.Confidence > bundle.Personality.Confidence {
		bundle.Personality = read
	}
}

// transfer hands the conversation to a human and closes it for this service.
func (o *Orchestrator) transfer(ctx context.Context, state *store.ConversationState, now time.Time) (*Reply, error) {
	msg := agent.TransferMessage()
	if _, err := state.AppendMessage(store.RoleAssistant, msg, now); err == nil {
		o.tracker.RecordAssistantMessage(state.ID, now)
	}
	o.tracker.RecordEvent(state.ID, outcome.EventHumanTransfer)

	o.finalize(ctx, state, ReasonHumanTransfer, now)

	if err := o.st.UpsertConversation(ctx, state); err != nil {
		return nil, fault.Wrap(fault.KindStoreUnavailable, "persisting conversation", err)
	}
	slog.Info("conversation: transferred to human", "conversation", state.ID)
	return &Reply{State: state, Text: msg, Closed: true}, nil
}

// finalize moves the conversation to its terminal phase and records the
// outcome exactly once.
func (o *Orchestrator) finalize(ctx context.Context, state *store.ConversationState, reason string, now time.Time) {
	phase := closePhase(state.Phase, reason)
	if err := state.Transition(phase, now); err != nil {
		slog.Error("conversation: close transition rejected",
			"conversation", state.ID, "from", state.Phase, "to", phase, "error", err)
		return
	}
	state.EndReason = reason

	if !o.tracker.Tracking(state.ID) {
		o.tracker.TrackFromState(state)
	}
	req := outcome.Request{
		ConversationID:        state.ID,
		CustomerID:            state.CustomerID,
		Program:               state.ProgramType,
		Outcome:               outcomeFor(reason),
		EndReason:             reason,
		TierRecommended:       lastRecommendedTier(state),
		ObjectionsRaised:      append([]string(nil), state.Objections...),
		ExperimentAssignments: append([]string(nil), state.ExperimentAssignments...),
		Context: map[string]any{
			"phase":  string(state.Phase),
			"source": state.Platform.Source,
		},
	}
	if req.Outcome == store.OutcomeConverted && req.TierRecommended != "" {
		accepted := req.TierRecommended
		req.TierAccepted = &accepted
	}
	if _, err := o.tracker.RecordOutcome(ctx, req); err != nil {
		slog.Warn("conversation: outcome record failed",
			"conversation", state.ID, "error", err)
	}

	o.mu.Lock()
	delete(o.actors, state.ID)
	o.mu.Unlock()

	slog.Info("conversation: closed",
		"conversation", state.ID,
		"phase", state.Phase,
		"reason", reason,
		"outcome", req.Outcome,
	)
}

// lastRecommendedTier returns the newest entry of the tier progression.
func lastRecommendedTier(state *store.ConversationState) store.Tier {
	if n := len(state.TierProgression); n > 0 {
		return state.TierProgression[n-1].Tier
	}
	return ""
}

// actorFor returns the live dialog agent for the conversation, rebuilding
// it from state after a restart.
func (o *Orchestrator) actorFor(state *store.ConversationState) *agent.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a, ok := o.actors[state.ID]; ok {
		return a
	}
	a := o.agents.Agent(state.ProgramType, state.Customer, state.Platform)
	o.actors[state.ID] = a
	return a
}

// variantContents merges deployed experiment winners with the variants
// assigned to this conversation, most specific last.
func (o *Orchestrator) variantContents(conversationID uuid.UUID) []map[string]any {
	contents := o.agents.DeployedAdjustments()
	for _, v := range o.experiments.VariantsFor(conversationID) {
		if len(v.Content) > 0 {
			contents = append(contents, v.Content)
		}
	}
	return contents
}

// recordPredictions stores the turn's analyzer reads for offline scoring on
// sampled conversations. Failures are logged and never fail the turn.
func (o *Orchestrator) recordPredictions(ctx context.Context, state *store.ConversationState, bundle *analyzer.Bundle, now time.Time) {
	if !sampledForPredictions(state.ID, o.cfg.PredictionSampleRate) {
		return
	}

	preds := []*store.Prediction{
		store.NewPrediction(state.ID, "conversion_predictor", store.PredictionConversion,
			map[string]any{"category": bundle.Conversion.Category, "probability": bundle.Conversion.Probability},
			bundle.Conversion.Confidence, now),
	}
	if bundle.Tier.Tier != "" {
		preds = append(preds, store.NewPrediction(state.ID, "tier_recommender", store.PredictionTier,
			map[string]any{"tier": string(bundle.Tier.Tier)}, bundle.Tier.Confidence, now))
	}
	if top := bundle.Objections.Top(); top.Type != "" {
		preds = append(preds, store.NewPrediction(state.ID, "objection_detector", store.PredictionObjection,
			map[string]any{"type": top.Type}, top.Confidence, now))
	}

	for _, p := range preds {
		if err := o.st.InsertPrediction(ctx, p); err != nil {
			slog.Warn("conversation: prediction insert failed",
				"conversation", state.ID, "kind", p.Kind, "error", err)
			return
		}
	}
}

// sampledForPredictions hashes the conversation id against the sample rate,
// salted so prediction sampling does not mirror experiment enrollment.
func sampledForPredictions(id uuid.UUID, rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	h := fnv.New32a()
	h.Write(id[:])
	h.Write([]byte("predictions"))
	return float64(h.Sum32())/float64(math.MaxUint32) < rate
}

func logTurn(state *store.ConversationState, stats *llm.CallStats, bundle *analyzer.Bundle, cd closeDecision) {
	attrs := []any{
		"conversation", state.ID,
		"phase", state.Phase,
		"intent", bundle.Intent.Intent,
		"conversion", bundle.Conversion.Category,
		"analyzer_ms", bundle.Elapsed.Milliseconds(),
	}
	if stats != nil {
		attrs = append(attrs, "tokens", stats.TotalTokens, "llm_ms", stats.DurationMs)
	}
	if cd.fired {
		attrs = append(attrs, "closed", cd.reason)
	}
	if len(bundle.Failed) > 0 {
		attrs = append(attrs, "analyzers_degraded", len(bundle.Failed))
	}
	slog.Info("conversation: turn processed", attrs...)
}
