package experiment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocerohq/vocero/engine/fault"
	"github.com/vocerohq/vocero/internal/profile"
	"github.com/vocerohq/vocero/store"
)

// fakeDriver is the minimal in-memory Driver these tests need.
type fakeDriver struct {
	mu     sync.Mutex
	tables map[string]map[string]store.Row
	seq    int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{tables: map[string]map[string]store.Row{}}
}

func (d *fakeDriver) table(name string) map[string]store.Row {
	if d.tables[name] == nil {
		d.tables[name] = map[string]store.Row{}
	}
	return d.tables[name]
}

func copyRow(row store.Row) store.Row {
	cp := make(store.Row, len(row))
	for k, v := range row {
		cp[k] = v
	}
	return cp
}

func (d *fakeDriver) Select(_ context.Context, table string, filter store.Filter) ([]store.Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []store.Row
	for _, row := range d.table(table) {
		match := true
		for col, val := range filter {
			if fmt.Sprintf("%v", row[col]) != val {
				match = false
				break
			}
		}
		if match {
			out = append(out, copyRow(row))
		}
	}
	return out, nil
}

func (d *fakeDriver) Insert(_ context.Context, table string, row store.Row) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.table(table)[fmt.Sprintf("seq-%d", d.seq)] = copyRow(row)
	return nil
}

func (d *fakeDriver) Update(_ context.Context, table string, filter store.Filter, row store.Row) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for pk, existing := range d.table(table) {
		match := true
		for col, val := range filter {
			if fmt.Sprintf("%v", existing[col]) != val {
				match = false
				break
			}
		}
		if match {
			merged := copyRow(existing)
			for col, val := range row {
				merged[col] = val
			}
			d.table(table)[pk] = merged
		}
	}
	return nil
}

func (d *fakeDriver) Upsert(_ context.Context, table, pkColumn string, row store.Row) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.table(table)[fmt.Sprintf("%v", row[pkColumn])] = copyRow(row)
	return nil
}

func (d *fakeDriver) Delete(_ context.Context, table string, filter store.Filter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for pk, existing := range d.table(table) {
		match := true
		for col, val := range filter {
			if fmt.Sprintf("%v", existing[col]) != val {
				match = false
				break
			}
		}
		if match {
			delete(d.table(table), pk)
		}
	}
	return nil
}

func (d *fakeDriver) Rpc(context.Context, string, any) ([]byte, error) { return nil, nil }
func (d *fakeDriver) CheckConnection(context.Context) error           { return nil }
func (d *fakeDriver) Migrate(context.Context) error                   { return nil }
func (d *fakeDriver) Close() error                                    { return nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(newFakeDriver(), &profile.Profile{Mode: "dev"},
		store.WithRetryPolicy(store.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
		store.WithReconcileInterval(10*time.Millisecond))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	cfg := Config{UCBExploration: 2.0, SampleRate: 1.0, AutoDeployThreshold: 0.8}
	return NewManager(newTestStore(t), cfg, opts...)
}

func promptExperiment(minSample int) *store.Experiment {
	return &store.Experiment{
		Name: "greeting tone",
		Type: store.ExperimentPrompt,
		Variants: []store.Variant{
			{ID: "a", Name: "warm", Weight: 0.5, Content: map[string]any{"prompt": "sé cálido"}},
			{ID: "b", Name: "direct", Weight: 0.5, Content: map[string]any{"prompt": "sé directo"}},
		},
		TargetMetric:    store.MetricConversionRate,
		MinSample:       minSample,
		ConfidenceLevel: 0.9,
	}
}

func outcomeFor(exp *store.Experiment, conversationID uuid.UUID, outcome store.Outcome) *store.OutcomeRecord {
	return &store.OutcomeRecord{
		ConversationID:        conversationID,
		CustomerID:            "cust-1",
		Outcome:               outcome,
		ExperimentAssignments: []string{exp.ID.String()},
		CreatedAt:             time.Now().UTC(),
	}
}

func TestManager_BanditAssignmentAndReward(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	exp := promptExperiment(10)
	require.NoError(t, m.Create(ctx, exp))
	require.NoError(t, m.Start(ctx, exp.ID))

	customer := store.CustomerData{ID: "cust-1", Name: "Ana", Age: 40}
	platform := store.PlatformConfig{Source: "web", Mode: "text", EnableTransfer: true}

	// Cold arms are assigned first, in variant order.
	conv1, conv2, conv3 := uuid.New(), uuid.New(), uuid.New()
	first := m.AssignAll(ctx, conv1, customer, platform)
	require.Len(t, first, 1)
	assert.Equal(t, "a", first[0].VariantID)

	second := m.AssignAll(ctx, conv2, customer, platform)
	require.Len(t, second, 1)
	assert.Equal(t, "b", second[0].VariantID)

	// Re-assigning the same conversation is idempotent.
	again := m.AssignAll(ctx, conv1, customer, platform)
	require.Len(t, again, 1)
	assert.Equal(t, "a", again[0].VariantID)

	m.RecordOutcome(ctx, outcomeFor(exp, conv1, store.OutcomeConverted))
	m.RecordOutcome(ctx, outcomeFor(exp, conv2, store.OutcomeLost))

	snap, ok := m.Snapshot(exp.ID)
	require.True(t, ok)
	assert.Equal(t, 2, snap.Bandit.TotalCount)
	assert.InDelta(t, 1.0, snap.Bandit.Arms["a"].Mean(), 1e-9)
	assert.InDelta(t, 0.0, snap.Bandit.Arms["b"].Mean(), 1e-9)

	// With both arms observed once, UCB prefers the rewarded one.
	third := m.AssignAll(ctx, conv3, customer, platform)
	require.Len(t, third, 1)
	assert.Equal(t, "a", third[0].VariantID)
}

func TestManager_StopRuleCompletesAndDeploys(t *testing.T) {
	ctx := context.Background()
	deployer := &captureDeployer{}
	m := newTestManager(t, WithDeployer(deployer))

	exp := promptExperiment(6)
	exp.AutoDeploy = true
	require.NoError(t, m.Create(ctx, exp))
	require.NoError(t, m.Start(ctx, exp.ID))

	customer := store.CustomerData{ID: "cust-1", Name: "Ana", Age: 40}
	platform := store.PlatformConfig{Source: "web"}

	// Variant "a" always converts, "b" always loses; after six samples the
	// stop rule has margin and confidence.
	for i := 0; i < 6; i++ {
		conv := uuid.New()
		assigned := m.AssignAll(ctx, conv, customer, platform)
		require.Len(t, assigned, 1)
		outcome := store.OutcomeLost
		if assigned[0].VariantID == "a" {
			outcome = store.OutcomeConverted
		}
		m.RecordOutcome(ctx, outcomeFor(exp, conv, outcome))
	}

	_, stillActive := m.Snapshot(exp.ID)
	assert.False(t, stillActive, "completed experiment must leave the active set")

	stored, err := m.st.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExperimentCompleted, stored.Status)
	assert.Equal(t, "a", stored.Winner)
	require.NotNil(t, stored.EndedAt)
	// Pooled two-proportion z over a 6-sample sweep is ~2.449 sigma.
	assert.InDelta(t, 0.9929, stored.WinConfidence, 1e-3)

	deployed := deployer.snapshot()
	require.Len(t, deployed, 1)
	assert.Equal(t, "a", deployed[0].ID)
}

type captureDeployer struct {
	mu       sync.Mutex
	variants []store.Variant
}

func (c *captureDeployer) Deploy(_ context.Context, _ *store.Experiment, winner store.Variant) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variants = append(c.variants, winner)
	return nil
}

func (c *captureDeployer) snapshot() []store.Variant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]store.Variant(nil), c.variants...)
}

func TestManager_TargetingGatesAssignment(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	exp := promptExperiment(10)
	exp.Targeting = `customer.age >= 50 && platform.source == "web"`
	require.NoError(t, m.Create(ctx, exp))
	require.NoError(t, m.Start(ctx, exp.ID))

	platform := store.PlatformConfig{Source: "web"}

	young := store.CustomerData{ID: "c1", Name: "Leo", Age: 34}
	assert.Empty(t, m.AssignAll(ctx, uuid.New(), young, platform))

	older := store.CustomerData{ID: "c2", Name: "Marta", Age: 62}
	assert.Len(t, m.AssignAll(ctx, uuid.New(), older, platform), 1)

	wrongChannel := store.PlatformConfig{Source: "telegram"}
	assert.Empty(t, m.AssignAll(ctx, uuid.New(), older, wrongChannel))
}

func TestManager_TargetingEvaluationErrorExcludes(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	exp := promptExperiment(10)
	exp.Targeting = `customer.age / 0 > 1`
	require.NoError(t, m.Create(ctx, exp))
	require.NoError(t, m.Start(ctx, exp.ID))

	got := m.AssignAll(ctx, uuid.New(), store.CustomerData{ID: "c1", Age: 40}, store.PlatformConfig{Source: "web"})
	assert.Empty(t, got, "evaluation errors must count as not targeted")
}

func TestManager_CreateRejectsInvalidTargeting(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	exp := promptExperiment(10)
	exp.Targeting = "customer.age >="
	err := m.Create(ctx, exp)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestManager_CreateNormalizesWeights(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	weightSum := func(variants []store.Variant) float64 {
		var sum float64
		for _, v := range variants {
			sum += v.Weight
		}
		return sum
	}

	t.Run("skewed weights rescale", func(t *testing.T) {
		exp := promptExperiment(10)
		exp.Variants[0].Weight = 3
		exp.Variants[1].Weight = 1
		require.NoError(t, m.Create(ctx, exp))
		assert.InDelta(t, 1.0, weightSum(exp.Variants), 1e-6)
		assert.InDelta(t, 0.75, exp.Variants[0].Weight, 1e-9)
		assert.InDelta(t, 0.25, exp.Variants[1].Weight, 1e-9)
	})

	t.Run("zero weights split evenly", func(t *testing.T) {
		exp := promptExperiment(10)
		exp.Name = "greeting tone v2"
		exp.Variants[0].Weight = 0
		exp.Variants[1].Weight = 0
		require.NoError(t, m.Create(ctx, exp))
		assert.InDelta(t, 1.0, weightSum(exp.Variants), 1e-6)
		assert.InDelta(t, 0.5, exp.Variants[0].Weight, 1e-9)
	})
}

func TestManager_OneRunningPerType(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	first := promptExperiment(10)
	require.NoError(t, m.Create(ctx, first))
	require.NoError(t, m.Start(ctx, first.ID))

	second := promptExperiment(10)
	second.Name = "greeting tone v2"
	require.NoError(t, m.Create(ctx, second))

	err := m.Start(ctx, second.ID)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindConflict))

	// Pausing the first frees the slot.
	require.NoError(t, m.Pause(ctx, first.ID))
	require.NoError(t, m.Start(ctx, second.ID))
}

func TestManager_ProposeDeduplicatesByType(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	proposal := &store.Experiment{
		Name: "pricing ladder",
		Type: store.ExperimentTierPricing,
		Variants: []store.Variant{
			{ID: "steep", Name: "steep"},
			{ID: "flat", Name: "flat"},
		},
		TargetMetric:    store.MetricConversionRate,
		MinSample:       20,
		ConfidenceLevel: 0.95,
	}
	created, err := m.Propose(ctx, proposal)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *proposal
	dup.ID = uuid.Nil
	dup.Name = "pricing ladder v2"
	created, err = m.Propose(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created, "a planned experiment of the same type blocks new proposals")
}

func TestManager_LoadRestoresRunning(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cfg := Config{UCBExploration: 2.0, SampleRate: 1.0, AutoDeployThreshold: 0.8}

	first := NewManager(st, cfg)
	exp := promptExperiment(10)
	require.NoError(t, first.Create(ctx, exp))
	require.NoError(t, first.Start(ctx, exp.ID))

	second := NewManager(st, cfg)
	require.NoError(t, second.Load(ctx))
	restored, ok := second.Snapshot(exp.ID)
	require.True(t, ok)
	assert.Equal(t, store.ExperimentRunning, restored.Status)
	assert.Equal(t, exp.Name, restored.Name)
}

func TestEnrollment_DeterministicSampling(t *testing.T) {
	id := uuid.New()
	assert.True(t, enrolled(id, 1.0))
	assert.False(t, enrolled(id, 0))

	firstCall := enrolled(id, 0.5)
	for i := 0; i < 10; i++ {
		assert.Equal(t, firstCall, enrolled(id, 0.5))
	}

	var in int
	const n = 400
	for i := 0; i < n; i++ {
		if enrolled(uuid.New(), 0.5) {
			in++
		}
	}
	ratio := float64(in) / n
	assert.Greater(t, ratio, 0.35)
	assert.Less(t, ratio, 0.65)
}

func TestPickVariant_UCBScores(t *testing.T) {
	exp := promptExperiment(10)
	exp.Bandit = store.BanditSnapshot{
		TotalCount: 4,
		Arms: map[string]store.ArmStats{
			"a": {Count: 1, TotalReward: 0.2},
			"b": {Count: 3, TotalReward: 2.7},
		},
	}

	// High exploration favors the barely-sampled arm.
	assert.Equal(t, "a", pickVariant(exp, nil, 2.0))
	// Low exploration favors the proven arm.
	assert.Equal(t, "b", pickVariant(exp, nil, 0.1))
}

func TestPickVariant_PendingSpreadsColdStart(t *testing.T) {
	exp := promptExperiment(10)
	pending := map[string]int{}

	first := pickVariant(exp, pending, 2.0)
	assert.Equal(t, "a", first)
	pending[first]++

	second := pickVariant(exp, pending, 2.0)
	assert.Equal(t, "b", second)
	pending[second]++

	// Both cold with one in flight each: stay with the least loaded.
	third := pickVariant(exp, pending, 2.0)
	assert.Equal(t, "a", third)
}

func TestRewardFor_MetricMapping(t *testing.T) {
	sat := 9.0
	tests := []struct {
		name   string
		metric store.Metric
		rec    *store.OutcomeRecord
		want   float64
	}{
		{"conversion converted", store.MetricConversionRate, &store.OutcomeRecord{Outcome: store.OutcomeConverted}, 1.0},
		{"conversion lost", store.MetricConversionRate, &store.OutcomeRecord{Outcome: store.OutcomeLost}, 0.0},
		{"engagement", store.MetricEngagementScore, &store.OutcomeRecord{Metrics: store.OutcomeMetrics{EngagementScore: 7.5}}, 0.75},
		{"satisfaction known", store.MetricSatisfactionScore, &store.OutcomeRecord{Satisfaction: &sat}, 0.9},
		{"satisfaction unknown", store.MetricSatisfactionScore, &store.OutcomeRecord{}, 0.5},
		{"close instant", store.MetricTimeToClose, &store.OutcomeRecord{Metrics: store.OutcomeMetrics{DurationSeconds: 0}}, 1.0},
		{"close halfway", store.MetricTimeToClose, &store.OutcomeRecord{Metrics: store.OutcomeMetrics{DurationSeconds: 210}}, 0.75},
		{"close optimal", store.MetricTimeToClose, &store.OutcomeRecord{Metrics: store.OutcomeMetrics{DurationSeconds: 420}}, 0.5},
		{"close late", store.MetricTimeToClose, &store.OutcomeRecord{Metrics: store.OutcomeMetrics{DurationSeconds: 630}}, 0.3},
		{"close floor", store.MetricTimeToClose, &store.OutcomeRecord{Metrics: store.OutcomeMetrics{DurationSeconds: 2000}}, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, rewardFor(tt.metric, tt.rec), 1e-9)
		})
	}
}

func TestTwoProportionConfidence(t *testing.T) {
	// 5/5 vs 0/5: z = 1/sqrt(0.1) ~ 3.162.
	conf := twoProportionConfidence(5, 5, 0, 5)
	assert.InDelta(t, 0.9992, conf, 5e-4)

	// Equal rates carry no signal.
	assert.InDelta(t, 0.5, twoProportionConfidence(3, 6, 3, 6), 1e-9)

	// Empty arms cannot be compared.
	assert.Zero(t, twoProportionConfidence(1, 0, 1, 2))
}
