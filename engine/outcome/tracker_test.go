package outcome

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	// Predictions later come back through Upsert keyed by their id; mirror
	// the real drivers so the update replaces instead of duplicating.
	if pk, ok := row["prediction_id"]; ok {
		d.table(table)[fmt.Sprintf("%v", pk)] = copyRow(row)
		return nil
	}
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

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(newTestStore(t), WithListenerTimeout(time.Second))
}

// exchange simulates one assistant turn followed by a user reply.
func exchange(tr *Tracker, id uuid.UUID, at time.Time, reply string, delay time.Duration) time.Time {
	tr.RecordAssistantMessage(id, at)
	tr.RecordUserMessage(id, reply, at.Add(delay))
	return at.Add(delay)
}

func TestTracker_EngagementScore(t *testing.T) {
	t0 := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	longReply := "quiero mejorar mi energía y dormir mejor porque últimamente me siento cansado"

	t.Run("fresh session is neutral", func(t *testing.T) {
		tr := newTestTracker(t)
		id := uuid.New()
		tr.StartTracking(id, "c1", store.ProgramPrime, t0)
		assert.InDelta(t, 5.0, tr.EngagementScore(id), 1e-9)
	})

	t.Run("unknown conversation scores zero", func(t *testing.T) {
		tr := newTestTracker(t)
		assert.Zero(t, tr.EngagementScore(uuid.New()))
	})

	t.Run("engaged customer climbs", func(t *testing.T) {
		tr := newTestTracker(t)
		id := uuid.New()
		tr.StartTracking(id, "c1", store.ProgramPrime, t0)

		// Six long replies, each 10s after the assistant, plus a buying
		// signal: 5 + 2.0 participation + 0.8 depth + 1.0 fast + 0.8 event.
		at := t0
		for i := 0; i < 6; i++ {
			at = exchange(tr, id, at, longReply, 10*time.Second)
		}
		tr.RecordEvent(id, EventPurchaseSignal)

		assert.InDelta(t, 9.6, tr.EngagementScore(id), 1e-9)
	})

	t.Run("disengaged customer sinks", func(t *testing.T) {
		tr := newTestTracker(t)
		id := uuid.New()
		tr.StartTracking(id, "c2", store.ProgramLongevity, t0)

		// Two curt replies at 400s each, two objections:
		// 5 + 0.4 participation - 1.0 slow - 1.0 events.
		at := exchange(tr, id, t0, "no sé", 400*time.Second)
		exchange(tr, id, at, "no sé", 400*time.Second)
		tr.RecordEvent(id, EventObjectionRaised)
		tr.RecordEvent(id, EventRejectionSignal)

		assert.InDelta(t, 3.4, tr.EngagementScore(id), 1e-9)
	})

	t.Run("clamped to ten", func(t *testing.T) {
		tr := newTestTracker(t)
		id := uuid.New()
		tr.StartTracking(id, "c3", store.ProgramPrime, t0)

		at := t0
		for i := 0; i < 8; i++ {
			at = exchange(tr, id, at, longReply, 5*time.Second)
		}
		tr.RecordEvent(id, EventPurchaseSignal)
		tr.RecordEvent(id, EventTierAccepted)
		tr.RecordEvent(id, EventPurchaseSignal)
		tr.RecordSatisfaction(id, 9)

		assert.InDelta(t, 10.0, tr.EngagementScore(id), 1e-9)
	})

	t.Run("clamped to zero", func(t *testing.T) {
		tr := newTestTracker(t)
		id := uuid.New()
		tr.StartTracking(id, "c4", store.ProgramPrime, t0)

		tr.RecordAssistantMessage(id, t0)
		tr.RecordUserMessage(id, "no", t0.Add(time.Second))
		for i := 0; i < 12; i++ {
			tr.RecordEvent(id, EventRejectionSignal)
		}

		assert.InDelta(t, 0.0, tr.EngagementScore(id), 1e-9)
	})
}

func TestTracker_Metrics(t *testing.T) {
	t0 := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	tr := newTestTracker(t)
	id := uuid.New()
	tr.StartTracking(id, "c1", store.ProgramPrime, t0)

	tr.RecordAssistantMessage(id, t0)
	tr.RecordUserMessage(id, "busco bajar de peso", t0.Add(20*time.Second))
	tr.RecordAssistantMessage(id, t0.Add(30*time.Second))
	tr.RecordUserMessage(id, "cuánto cuesta el programa", t0.Add(50*time.Second))

	m := tr.Metrics(id, t0.Add(5*time.Minute))
	assert.Equal(t, 2, m.UserMessages)
	assert.Equal(t, 2, m.AssistantMessages)
	assert.InDelta(t, 300.0, m.DurationSeconds, 1e-9)
	assert.InDelta(t, 20000.0, m.AvgResponseTimeMs, 1e-9)
	// 5 + 0.4 participation + 1.0 fast replies.
	assert.InDelta(t, 6.4, m.EngagementScore, 1e-9)

	assert.Equal(t, store.OutcomeMetrics{}, tr.Metrics(uuid.New(), t0))
}

func TestTracker_TrackFromState(t *testing.T) {
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	state := store.NewConversation(
		store.CustomerData{ID: "c9", Name: "Marta"},
		store.ProgramLongevity,
		store.PlatformConfig{Source: "web", Mode: "text"},
		30*time.Minute, 5*time.Minute, now,
	)
	_, err := state.AppendMessage(store.RoleAssistant, "hola, soy tu asesora", now)
	require.NoError(t, err)
	_, err = state.AppendMessage(store.RoleUser, "quiero información del programa", now.Add(time.Minute))
	require.NoError(t, err)
	state.Objections = []string{"price"}

	tr := newTestTracker(t)
	tr.TrackFromState(state)
	require.True(t, tr.Tracking(state.ID))

	m := tr.Metrics(state.ID, now.Add(10*time.Minute))
	assert.Equal(t, 1, m.UserMessages)
	assert.Equal(t, 1, m.AssistantMessages)
	assert.InDelta(t, 600.0, m.DurationSeconds, 1e-9)
	assert.Zero(t, m.AvgResponseTimeMs)
	// 5 - 0.5 for the carried objection; one message earns no bonus.
	assert.InDelta(t, 4.5, m.EngagementScore, 1e-9)

	// Re-tracking the same conversation must not reset counters.
	tr.RecordUserMessage(state.ID, "sigo aquí", now.Add(2*time.Minute))
	tr.TrackFromState(state)
	assert.Equal(t, 2, tr.Metrics(state.ID, now.Add(10*time.Minute)).UserMessages)
}

func TestTracker_RecordOutcomeIdempotent(t *testing.T) {
	t0 := time.Now().UTC().Add(-2 * time.Minute)
	tr := newTestTracker(t)
	id := uuid.New()
	tr.StartTracking(id, "c1", store.ProgramPrime, t0)
	exchange(tr, id, t0, "me interesa el plan pro", 15*time.Second)

	var notified atomic.Int32
	tr.Subscribe(func(_ context.Context, rec *store.OutcomeRecord) error {
		notified.Add(1)
		assert.Equal(t, id, rec.ConversationID)
		return nil
	})

	accepted := store.TierPro
	first, err := tr.RecordOutcome(context.Background(), Request{
		ConversationID:  id,
		CustomerID:      "c1",
		Program:         store.ProgramPrime,
		Outcome:         store.OutcomeConverted,
		EndReason:       "intent_achieved",
		TierRecommended: store.TierPro,
		TierAccepted:    &accepted,
	})
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeConverted, first.Outcome)
	assert.Equal(t, 1, first.Metrics.UserMessages)
	assert.GreaterOrEqual(t, first.Metrics.DurationSeconds, 100.0)
	assert.False(t, tr.Tracking(id))

	// A second terminal transition must not rewrite history or renotify.
	second, err := tr.RecordOutcome(context.Background(), Request{
		ConversationID: id,
		CustomerID:     "c1",
		Program:        store.ProgramPrime,
		Outcome:        store.OutcomeLost,
		EndReason:      "duplicate",
	})
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeConverted, second.Outcome)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), notified.Load())
}

func TestTracker_RecordOutcomeSurvivesListenerPanic(t *testing.T) {
	tr := newTestTracker(t)
	id := uuid.New()
	tr.StartTracking(id, "c1", store.ProgramPrime, time.Now().UTC())

	var healthy atomic.Int32
	tr.Subscribe(func(context.Context, *store.OutcomeRecord) error {
		panic("listener exploded")
	})
	tr.Subscribe(func(ctx context.Context, _ *store.OutcomeRecord) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		healthy.Add(1)
		return nil
	})

	_, err := tr.RecordOutcome(context.Background(), Request{
		ConversationID: id,
		CustomerID:     "c1",
		Program:        store.ProgramPrime,
		Outcome:        store.OutcomeEndedNaturally,
		EndReason:      "farewell",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), healthy.Load())
}

func TestTracker_RecordOutcomeWithoutSession(t *testing.T) {
	tr := newTestTracker(t)
	id := uuid.New()

	sat := 7.0
	rec, err := tr.RecordOutcome(context.Background(), Request{
		ConversationID: id,
		CustomerID:     "c2",
		Program:        store.ProgramLongevity,
		Outcome:        store.OutcomeTimedOut,
		EndReason:      "session_timeout",
		Satisfaction:   &sat,
	})
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeMetrics{}, rec.Metrics)
	require.NotNil(t, rec.Satisfaction)
	assert.InDelta(t, 7.0, *rec.Satisfaction, 1e-9)

	got, err := tr.st.GetOutcome(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeTimedOut, got.Outcome)
}

func TestTracker_ResolvesPredictions(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	id := uuid.New()
	now := time.Now().UTC()

	seed := []*store.Prediction{
		store.NewPrediction(id, "conversion_predictor", store.PredictionConversion,
			map[string]any{"category": "very_high", "probability": 0.8}, 0.7, now),
		store.NewPrediction(id, "conversion_predictor", store.PredictionConversion,
			map[string]any{"category": "low", "probability": 0.1}, 0.6, now),
		store.NewPrediction(id, "tier_recommender", store.PredictionTier,
			map[string]any{"tier": "pro"}, 0.65, now),
		store.NewPrediction(id, "objection_detector", store.PredictionObjection,
			map[string]any{"type": "price"}, 0.9, now),
		store.NewPrediction(id, "objection_detector", store.PredictionObjection,
			map[string]any{"type": "time"}, 0.72, now),
	}
	for _, p := range seed {
		require.NoError(t, tr.st.InsertPrediction(ctx, p))
	}

	accepted := store.TierPro
	_, err := tr.RecordOutcome(ctx, Request{
		ConversationID:   id,
		CustomerID:       "c1",
		Program:          store.ProgramPrime,
		Outcome:          store.OutcomeConverted,
		EndReason:        "intent_achieved",
		TierRecommended:  store.TierPro,
		TierAccepted:     &accepted,
		ObjectionsRaised: []string{"price"},
	})
	require.NoError(t, err)

	preds, err := tr.st.ListPredictionsByConversation(ctx, id)
	require.NoError(t, err)
	require.Len(t, preds, len(seed))

	byID := map[string]*store.Prediction{}
	for _, p := range preds {
		byID[p.ID] = p
	}
	check := func(seeded *store.Prediction, wantOutcome string, wantCorrect bool) {
		t.Helper()
		got, ok := byID[seeded.ID]
		require.True(t, ok)
		assert.Equal(t, wantOutcome, got.ActualOutcome)
		require.NotNil(t, got.WasCorrect)
		assert.Equal(t, wantCorrect, *got.WasCorrect)
	}

	check(seed[0], "converted", true)  // very_high met a conversion
	check(seed[1], "converted", false) // low contradicted a conversion
	check(seed[2], "pro", true)        // accepted tier matches
	check(seed[3], "converted", true)  // price objection was raised
	check(seed[4], "converted", false) // time objection never surfaced
}

func TestTracker_TierPredictionUnresolvedWithoutAcceptance(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	id := uuid.New()

	p := store.NewPrediction(id, "tier_recommender", store.PredictionTier,
		map[string]any{"tier": "elite"}, 0.55, time.Now().UTC())
	require.NoError(t, tr.st.InsertPrediction(ctx, p))

	_, err := tr.RecordOutcome(ctx, Request{
		ConversationID: id,
		CustomerID:     "c3",
		Program:        store.ProgramPrime,
		Outcome:        store.OutcomeLost,
		EndReason:      "explicit_rejection",
	})
	require.NoError(t, err)

	preds, err := tr.st.ListPredictionsByConversation(ctx, id)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, "lost", preds[0].ActualOutcome)
	assert.Nil(t, preds[0].WasCorrect)
}
