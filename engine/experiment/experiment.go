// Package experiment runs the A/B experiments behind conversations: a
// UCB1 bandit picks variants per conversation, terminal outcomes feed
// rewards back, and a stop rule completes experiments once a variant wins
// with enough statistical confidence. Definitions and bandit snapshots
// persist through the store; assignments are in-memory.
package experiment

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vocerohq/vocero/engine/fault"
	"github.com/vocerohq/vocero/internal/profile"
	"github.com/vocerohq/vocero/store"
)

// winnerMargin is the minimum mean-reward gap between the leading arm and
// the runner-up before the stop rule considers a winner to exist.
const winnerMargin = 0.05

// Config carries the experiment tunables.
type Config struct {
	// UCBExploration is the c constant of the UCB1 bonus term.
	UCBExploration float64
	// SampleRate is the fraction of conversations enrolled per experiment.
	SampleRate float64
	// AutoDeployThreshold is the minimum win confidence for auto-deploying
	// a winner.
	AutoDeployThreshold float64
	// MinDurationHours is the default minimum runtime for experiments that
	// do not specify one.
	MinDurationHours int
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		UCBExploration:      2.0,
		SampleRate:          1.0,
		AutoDeployThreshold: 0.8,
		MinDurationHours:    24,
	}
}

// ConfigFromProfile maps the service profile onto experiment tunables.
func ConfigFromProfile(p *profile.Profile) Config {
	return Config{
		UCBExploration:      p.UCBExplorationFactor,
		SampleRate:          p.SampleRate,
		AutoDeployThreshold: p.AutoDeployThreshold,
		MinDurationHours:    p.MinExperimentDurationHours,
	}
}

// Assignment is one conversation's enrollment in one experiment.
type Assignment struct {
	ExperimentID uuid.UUID `json:"experiment_id"`
	VariantID    string    `json:"variant_id"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// runtime is the in-memory side of one loaded experiment. Its mutex guards
// the experiment (bandit state included) and the assignment registry.
type runtime struct {
	mu          sync.Mutex
	exp         *store.Experiment
	audience    *targeting
	assignments map[uuid.UUID]Assignment // by conversation id
	pending     map[string]int           // variant id -> assignments awaiting reward
}

func newRuntime(exp *store.Experiment, audience *targeting) *runtime {
	return &runtime{
		exp:         exp,
		audience:    audience,
		assignments: map[uuid.UUID]Assignment{},
		pending:     map[string]int{},
	}
}

// Manager owns every loaded experiment. The outer RWMutex guards the
// active set; each experiment has its own mutex for bandit updates, so
// concurrent turns on different experiments never contend.
type Manager struct {
	st       *store.Store
	cfg      Config
	deployer Deployer

	mu     sync.RWMutex
	active map[uuid.UUID]*runtime
}

// Option configures the manager.
type Option func(*Manager)

// WithDeployer sets the sink that receives auto-deployed winners.
func WithDeployer(d Deployer) Option {
	return func(m *Manager) { m.deployer = d }
}

// NewManager creates an experiment manager. Call Load to pick up persisted
// running experiments.
func NewManager(st *store.Store, cfg Config, opts ...Option) *Manager {
	if cfg.UCBExploration <= 0 {
		cfg.UCBExploration = DefaultConfig().UCBExploration
	}
	m := &Manager{
		st:       st,
		cfg:      cfg,
		deployer: LogDeployer{},
		active:   map[uuid.UUID]*runtime{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load restores running and paused experiments from the store into the
// active set. Experiments with a broken targeting expression are skipped
// with a warning rather than blocking startup.
func (m *Manager) Load(ctx context.Context) error {
	var loaded int
	for _, status := range []store.ExperimentStatus{store.ExperimentRunning, store.ExperimentPaused} {
		exps, err := m.st.ListExperiments(ctx, status)
		if err != nil {
			return errors.Wrapf(err, "list %s experiments", status)
		}
		for _, exp := range exps {
			audience, err := compileTargeting(exp.Targeting)
			if err != nil {
				slog.Warn("experiment: skipping experiment with invalid targeting",
					"experiment", exp.ID, "name", exp.Name, "error", err)
				continue
			}
			m.mu.Lock()
			m.active[exp.ID] = newRuntime(exp, audience)
			m.mu.Unlock()
			loaded++
		}
	}
	slog.Info("experiment: manager loaded", "active", loaded)
	return nil
}

// Create validates and persists a new experiment in planning state.
// Variant weights are normalized to sum to 1.
func (m *Manager) Create(ctx context.Context, exp *store.Experiment) error {
	if exp.ID == uuid.Nil {
		exp.ID = uuid.New()
	}
	if exp.Status == "" {
		exp.Status = store.ExperimentPlanning
	}
	if exp.MinDurationHrs <= 0 {
		exp.MinDurationHrs = m.cfg.MinDurationHours
	}
	normalizeWeights(exp.Variants)
	if exp.Bandit.Arms == nil {
		exp.Bandit.Arms = map[string]store.ArmStats{}
	}
	now := time.Now().UTC()
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = now
	}
	exp.UpdatedAt = now

	if err := exp.Validate(); err != nil {
		return fault.Wrap(fault.KindValidation, "invalid experiment", err)
	}
	if _, err := compileTargeting(exp.Targeting); err != nil {
		return fault.Wrap(fault.KindValidation, "invalid experiment targeting", err)
	}
	if err := m.st.UpsertExperiment(ctx, exp); err != nil {
		return errors.Wrap(err, "persist experiment")
	}
	slog.Info("experiment: created", "experiment", exp.ID, "name", exp.Name, "type", exp.Type)
	return nil
}

// Start moves an experiment into running state and the active set. Only
// one experiment may run per type at a time.
func (m *Manager) Start(ctx context.Context, id uuid.UUID) error {
	exp, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}
	if exp.Status == store.ExperimentCompleted {
		return fault.Newf(fault.KindConflict, "experiment %s is completed", id)
	}
	if other := m.runningOfType(exp.Type, id); other != uuid.Nil {
		return fault.Newf(fault.KindConflict, "an experiment of type %s is already running (%s)", exp.Type, other)
	}
	audience, err := compileTargeting(exp.Targeting)
	if err != nil {
		return fault.Wrap(fault.KindValidation, "invalid experiment targeting", err)
	}

	now := time.Now().UTC()
	exp.Status = store.ExperimentRunning
	if exp.StartedAt == nil {
		exp.StartedAt = &now
	}
	exp.UpdatedAt = now
	if err := m.st.UpsertExperiment(ctx, exp); err != nil {
		return errors.Wrap(err, "persist experiment")
	}

	m.mu.Lock()
	if rt, ok := m.active[id]; ok {
		rt.mu.Lock()
		rt.exp = exp
		rt.audience = audience
		rt.mu.Unlock()
	} else {
		m.active[id] = newRuntime(exp, audience)
	}
	m.mu.Unlock()
	slog.Info("experiment: started", "experiment", id, "name", exp.Name, "type", exp.Type)
	return nil
}

// Pause suspends assignments for a running experiment. Bandit state and
// in-flight assignments are kept so Resume continues where it left off.
func (m *Manager) Pause(ctx context.Context, id uuid.UUID) error {
	return m.setStatus(ctx, id, store.ExperimentRunning, store.ExperimentPaused)
}

// Resume reactivates a paused experiment, subject to the one-running-per-
// type invariant.
func (m *Manager) Resume(ctx context.Context, id uuid.UUID) error {
	m.mu.RLock()
	rt, ok := m.active[id]
	m.mu.RUnlock()
	if ok {
		rt.mu.Lock()
		expType := rt.exp.Type
		rt.mu.Unlock()
		if other := m.runningOfType(expType, id); other != uuid.Nil {
			return fault.Newf(fault.KindConflict, "an experiment of type %s is already running (%s)", expType, other)
		}
	}
	return m.setStatus(ctx, id, store.ExperimentPaused, store.ExperimentRunning)
}

func (m *Manager) setStatus(ctx context.Context, id uuid.UUID, from, to store.ExperimentStatus) error {
	m.mu.RLock()
	rt, ok := m.active[id]
	m.mu.RUnlock()
	if !ok {
		return fault.Newf(fault.KindNotFound, "experiment %s is not active", id)
	}

	rt.mu.Lock()
	if rt.exp.Status != from {
		status := rt.exp.Status
		rt.mu.Unlock()
		return fault.Newf(fault.KindConflict, "experiment %s is %s, not %s", id, status, from)
	}
	rt.exp.Status = to
	rt.exp.UpdatedAt = time.Now().UTC()
	snapshot := copyExperiment(rt.exp)
	rt.mu.Unlock()

	if err := m.st.UpsertExperiment(ctx, snapshot); err != nil {
		return errors.Wrap(err, "persist experiment")
	}
	slog.Info("experiment: status changed", "experiment", id, "from", from, "to", to)
	return nil
}

// AssignAll enrolls a conversation in every running experiment whose
// targeting and sampling accept it, returning the assignments in a stable
// order. Re-assigning the same conversation returns the existing variant.
func (m *Manager) AssignAll(ctx context.Context, conversationID uuid.UUID, customer store.CustomerData, platform store.PlatformConfig) []Assignment {
	type ordered struct {
		rt      *runtime
		created time.Time
	}
	m.mu.RLock()
	runtimes := make([]ordered, 0, len(m.active))
	for _, rt := range m.active {
		rt.mu.Lock()
		runtimes = append(runtimes, ordered{rt: rt, created: rt.exp.CreatedAt})
		rt.mu.Unlock()
	}
	m.mu.RUnlock()
	sort.Slice(runtimes, func(i, j int) bool { return runtimes[i].created.Before(runtimes[j].created) })

	var assignments []Assignment
	for _, o := range runtimes {
		if a, ok := m.assign(o.rt, conversationID, customer, platform); ok {
			assignments = append(assignments, a)
		}
	}
	return assignments
}

// Assign enrolls a conversation in one experiment. The boolean reports
// whether the conversation was enrolled; targeting or sampling may exclude
// it without error.
func (m *Manager) Assign(ctx context.Context, experimentID, conversationID uuid.UUID, customer store.CustomerData, platform store.PlatformConfig) (Assignment, bool, error) {
	m.mu.RLock()
	rt, ok := m.active[experimentID]
	m.mu.RUnlock()
	if !ok {
		return Assignment{}, false, fault.Newf(fault.KindNotFound, "experiment %s is not active", experimentID)
	}
	a, enrolled := m.assign(rt, conversationID, customer, platform)
	return a, enrolled, nil
}

func (m *Manager) assign(rt *runtime, conversationID uuid.UUID, customer store.CustomerData, platform store.PlatformConfig) (Assignment, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.exp.Status != store.ExperimentRunning {
		return Assignment{}, false
	}
	if existing, ok := rt.assignments[conversationID]; ok {
		return existing, true
	}
	if !rt.audience.matches(customer, platform) {
		return Assignment{}, false
	}
	if !enrolled(conversationID, m.cfg.SampleRate) {
		return Assignment{}, false
	}

	variantID := pickVariant(rt.exp, rt.pending, m.cfg.UCBExploration)
	if variantID == "" {
		return Assignment{}, false
	}
	a := Assignment{ExperimentID: rt.exp.ID, VariantID: variantID, AssignedAt: time.Now().UTC()}
	rt.assignments[conversationID] = a
	rt.pending[variantID]++
	slog.Debug("experiment: variant assigned",
		"experiment", rt.exp.ID, "conversation", conversationID, "variant", variantID)
	return a, true
}

// VariantsFor returns the variant content assigned to a conversation, for
// the agent to fold into its prompt.
func (m *Manager) VariantsFor(conversationID uuid.UUID) []store.Variant {
	m.mu.RLock()
	runtimes := make([]*runtime, 0, len(m.active))
	for _, rt := range m.active {
		runtimes = append(runtimes, rt)
	}
	m.mu.RUnlock()

	var variants []store.Variant
	for _, rt := range runtimes {
		rt.mu.Lock()
		if a, ok := rt.assignments[conversationID]; ok {
			if v, found := rt.exp.VariantByID(a.VariantID); found {
				variants = append(variants, v)
			}
		}
		rt.mu.Unlock()
	}
	sort.Slice(variants, func(i, j int) bool { return variants[i].ID < variants[j].ID })
	return variants
}

// RecordOutcome feeds a terminal conversation outcome back into every
// experiment the conversation was assigned to, then checks the stop rule.
func (m *Manager) RecordOutcome(ctx context.Context, rec *store.OutcomeRecord) {
	for _, raw := range rec.ExperimentAssignments {
		experimentID, err := uuid.Parse(raw)
		if err != nil {
			slog.Warn("experiment: outcome references malformed experiment id", "id", raw)
			continue
		}
		m.mu.RLock()
		rt, ok := m.active[experimentID]
		m.mu.RUnlock()
		if !ok {
			slog.Debug("experiment: outcome for inactive experiment", "experiment", experimentID)
			continue
		}
		m.reward(ctx, rt, rec)
	}
}

func (m *Manager) reward(ctx context.Context, rt *runtime, rec *store.OutcomeRecord) {
	rt.mu.Lock()
	a, ok := rt.assignments[rec.ConversationID]
	if !ok {
		experimentID := rt.exp.ID
		rt.mu.Unlock()
		slog.Debug("experiment: no assignment for outcome",
			"experiment", experimentID, "conversation", rec.ConversationID)
		return
	}
	variantID := a.VariantID
	delete(rt.assignments, rec.ConversationID)
	if rt.pending[variantID] > 0 {
		rt.pending[variantID]--
	}

	reward := rewardFor(rt.exp.TargetMetric, rec)
	applyReward(&rt.exp.Bandit, variantID, reward)
	rt.exp.UpdatedAt = time.Now().UTC()

	winner, confidence, done := stopRule(rt.exp, time.Now().UTC())
	if done {
		now := time.Now().UTC()
		rt.exp.Status = store.ExperimentCompleted
		rt.exp.EndedAt = &now
		rt.exp.Winner = winner
		rt.exp.WinConfidence = confidence
	}
	snapshot := copyExperiment(rt.exp)
	rt.mu.Unlock()

	slog.Debug("experiment: reward recorded",
		"experiment", snapshot.ID, "variant", variantID,
		"metric", snapshot.TargetMetric, "reward", reward)

	if err := m.st.UpsertExperiment(ctx, snapshot); err != nil {
		slog.Error("experiment: failed to persist bandit snapshot",
			"experiment", snapshot.ID, "error", err)
	}
	if done {
		m.complete(ctx, snapshot)
	}
}

func (m *Manager) complete(ctx context.Context, exp *store.Experiment) {
	m.mu.Lock()
	delete(m.active, exp.ID)
	m.mu.Unlock()

	slog.Info("experiment: completed",
		"experiment", exp.ID, "name", exp.Name,
		"winner", exp.Winner, "confidence", exp.WinConfidence,
		"samples", exp.Bandit.TotalCount)

	if !exp.AutoDeploy || exp.WinConfidence < m.cfg.AutoDeployThreshold {
		return
	}
	winner, ok := exp.VariantByID(exp.Winner)
	if !ok {
		return
	}
	if err := m.deployer.Deploy(ctx, exp, winner); err != nil {
		slog.Error("experiment: winner deployment failed",
			"experiment", exp.ID, "variant", winner.ID, "error", err)
	}
}

// stopRule decides whether an experiment can complete: enough samples,
// enough runtime, a clear margin, and statistical confidence at the
// requested level.
func stopRule(exp *store.Experiment, now time.Time) (winner string, confidence float64, done bool) {
	if exp.Bandit.TotalCount < exp.MinSample {
		return "", 0, false
	}
	if exp.StartedAt == nil || now.Sub(*exp.StartedAt) < exp.MinDuration() {
		return "", 0, false
	}

	type armRank struct {
		id    string
		stats store.ArmStats
		order int
	}
	var ranked []armRank
	for i, v := range exp.Variants {
		stats := exp.Bandit.Arms[v.ID]
		if stats.Count == 0 {
			continue
		}
		ranked = append(ranked, armRank{id: v.ID, stats: stats, order: i})
	}
	if len(ranked) < 2 {
		return "", 0, false
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].stats.Mean() != ranked[j].stats.Mean() {
			return ranked[i].stats.Mean() > ranked[j].stats.Mean()
		}
		return ranked[i].order < ranked[j].order
	})

	lead, next := ranked[0], ranked[1]
	if lead.stats.Mean()-next.stats.Mean() < winnerMargin {
		return "", 0, false
	}
	confidence = twoProportionConfidence(
		lead.stats.TotalReward, float64(lead.stats.Count),
		next.stats.TotalReward, float64(next.stats.Count))
	if confidence < exp.ConfidenceLevel {
		return "", confidence, false
	}
	return lead.id, confidence, true
}

// Snapshot returns a copy of a loaded experiment.
func (m *Manager) Snapshot(id uuid.UUID) (*store.Experiment, bool) {
	m.mu.RLock()
	rt, ok := m.active[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return copyExperiment(rt.exp), true
}

// Running returns copies of all running experiments.
func (m *Manager) Running() []*store.Experiment {
	m.mu.RLock()
	runtimes := make([]*runtime, 0, len(m.active))
	for _, rt := range m.active {
		runtimes = append(runtimes, rt)
	}
	m.mu.RUnlock()

	var out []*store.Experiment
	for _, rt := range runtimes {
		rt.mu.Lock()
		if rt.exp.Status == store.ExperimentRunning {
			out = append(out, copyExperiment(rt.exp))
		}
		rt.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Propose creates an experiment suggested by the learning loop unless one
// of the same type is already active or planned. It reports whether the
// proposal was accepted.
func (m *Manager) Propose(ctx context.Context, exp *store.Experiment) (bool, error) {
	if m.runningOfType(exp.Type, uuid.Nil) != uuid.Nil {
		slog.Info("experiment: proposal skipped, type already active", "type", exp.Type, "name", exp.Name)
		return false, nil
	}
	planned, err := m.st.ListExperiments(ctx, store.ExperimentPlanning)
	if err != nil {
		return false, errors.Wrap(err, "list planned experiments")
	}
	for _, p := range planned {
		if p.Type == exp.Type {
			slog.Info("experiment: proposal skipped, type already planned", "type", exp.Type, "name", exp.Name)
			return false, nil
		}
	}
	if err := m.Create(ctx, exp); err != nil {
		return false, err
	}
	return true, nil
}

// lookup finds an experiment in the active set or falls back to the store.
func (m *Manager) lookup(ctx context.Context, id uuid.UUID) (*store.Experiment, error) {
	m.mu.RLock()
	rt, ok := m.active[id]
	m.mu.RUnlock()
	if ok {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return copyExperiment(rt.exp), nil
	}
	exp, err := m.st.GetExperiment(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.Newf(fault.KindNotFound, "experiment %s not found", id)
		}
		return nil, errors.Wrap(err, "load experiment")
	}
	return exp, nil
}

// runningOfType returns the id of a running experiment of the given type,
// excluding one id (use uuid.Nil to exclude none).
func (m *Manager) runningOfType(t store.ExperimentType, except uuid.UUID) uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, rt := range m.active {
		if id == except {
			continue
		}
		rt.mu.Lock()
		match := rt.exp.Type == t && rt.exp.Status == store.ExperimentRunning
		rt.mu.Unlock()
		if match {
			return id
		}
	}
	return uuid.Nil
}

// enrolled hashes the conversation id against the sample rate, so the same
// conversation always gets the same enrollment decision.
func enrolled(conversationID uuid.UUID, rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	h := fnv.New32a()
	h.Write(conversationID[:])
	return float64(h.Sum32())/float64(math.MaxUint32) < rate
}

func normalizeWeights(variants []store.Variant) {
	var sum float64
	for _, v := range variants {
		sum += v.Weight
	}
	if sum <= 0 {
		if len(variants) == 0 {
			return
		}
		even := 1.0 / float64(len(variants))
		for i := range variants {
			variants[i].Weight = even
		}
		return
	}
	for i := range variants {
		variants[i].Weight /= sum
	}
}

func copyExperiment(e *store.Experiment) *store.Experiment {
	cp := *e
	cp.Variants = append([]store.Variant(nil), e.Variants...)
	cp.Bandit.Arms = make(map[string]store.ArmStats, len(e.Bandit.Arms))
	for k, v := range e.Bandit.Arms {
		cp.Bandit.Arms[k] = v
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		cp.StartedAt = &t
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}
