package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// fakeLLM satisfies llm.Service with a canned reply or error.
type fakeLLM struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Chat(context.Context, []llm.Message) (string, *llm.CallStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", nil, f.err
	}
	return f.reply, &llm.CallStats{TotalTokens: 20, DurationMs: 5}, nil
}

func (f *fakeLLM) Warmup(context.Context) {}

func (f *fakeLLM) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeClock is a settable time source shared with the orchestrator.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeVoice struct {
	audio []byte
	err   error
}

func (f *fakeVoice) Enabled() bool { return true }

func (f *fakeVoice) Synthesize(context.Context, string) ([]byte, error) {
	return f.audio, f.err
}

// harness assembles a full orchestrator over the in-memory store, the real
// analyzers and decision engine, and a fake LLM.
type harness struct {
	st    *store.Store
	llm   *fakeLLM
	clock *fakeClock
	orc   *Orchestrator
}

func newHarness(t *testing.T, cfg Config, opts ...func(*Deps)) *harness {
	t.Helper()
	st := newTestStore(t)
	f := &fakeLLM{reply: "Claro, cuéntame un poco más sobre lo que buscas."}
	clock := &fakeClock{now: time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)}
	deps := Deps{
		Store:       st,
		Analyzers:   analyzer.NewFanout(analyzer.Config{}),
		Decisions:   decision.NewEngine(decision.DefaultConfig()),
		Experiments: experiment.NewManager(st, experiment.DefaultConfig()),
		Agents:      agent.NewFactory(f, agent.Config{}),
		Tracker:     outcome.NewTracker(st),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &harness{
		st:    st,
		llm:   f,
		clock: clock,
		orc:   New(deps, cfg, WithClock(clock.Now)),
	}
}

func withVoice(s voice.Synthesizer) func(*Deps) {
	return func(d *Deps) { d.Voice = s }
}

func testCustomer(id string, age int) store.CustomerData {
	return store.CustomerData{ID: id, Name: "Laura", Age: age}
}

func webContext() platform.Context {
	return platform.DefaultFor(platform.SourceWeb, 0)
}

func (h *harness) start(t *testing.T, customer store.CustomerData, program store.ProgramType) *store.ConversationState {
	t.Helper()
	state, err := h.orc.StartConversation(context.Background(), customer, webContext(), program)
	require.NoError(t, err)
	return state
}

func TestOrchestrator_StartConversation(t *testing.T) {
	ctx := context.Background()

	t.Run("opens in greeting with the llm greeting", func(t *testing.T) {
		h := newHarness(t, Config{})
		state := h.start(t, testCustomer("c1", 42), store.ProgramPrime)

		assert.Equal(t, store.PhaseGreeting, state.Phase)
		assert.Equal(t, store.ProgramPrime, state.ProgramType)
		require.Len(t, state.Messages, 1)
		assert.Equal(t, store.RoleAssistant, state.Messages[0].Role)
		assert.Equal(t, h.llm.reply, state.Messages[0].Content)

		persisted, err := h.st.GetConversation(ctx, state.ID)
		require.NoError(t, err)
		assert.Equal(t, state.ID, persisted.ID)
		assert.True(t, h.orc.tracker.Tracking(state.ID))
	})

	t.Run("rejects an invalid customer", func(t *testing.T) {
		h := newHarness(t, Config{})
		_, err := h.orc.StartConversation(ctx, store.CustomerData{ID: "c2"}, webContext(), store.ProgramPrime)
		assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	})

	t.Run("rejects an unknown program", func(t *testing.T) {
		h := newHarness(t, Config{})
		_, err := h.orc.StartConversation(ctx, testCustomer("c3", 42), webContext(), store.ProgramType("GOLD"))
		assert.Equal(t, fault.KindBadRequest, fault.KindOf(err))
	})

	t.Run("rejects a broken platform context", func(t *testing.T) {
		h := newHarness(t, Config{})
		pctx := webContext()
		pctx.Source = ""
		_, err := h.orc.StartConversation(ctx, testCustomer("c4", 42), pctx, store.ProgramPrime)
		assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	})

	t.Run("hybrid resolves by age", func(t *testing.T) {
		h := newHarness(t, Config{})
		young := h.start(t, testCustomer("c5", 35), store.ProgramHybrid)
		assert.Equal(t, store.ProgramPrime, young.ProgramType)

		older := h.start(t, testCustomer("c6", 61), store.ProgramHybrid)
		assert.Equal(t, store.ProgramLongevity, older.ProgramType)
	})

	t.Run("empty program routes from interests", func(t *testing.T) {
		h := newHarness(t, Config{})
		customer := testCustomer("c7", 58)
		customer.Interests = []string{"longevidad", "bienestar"}
		state := h.start(t, customer, "")
		assert.Equal(t, store.ProgramLongevity, state.ProgramType)
	})

	t.Run("greeting falls back to the template when the llm is down", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.llm.setErr(errors.New("provider down"))
		state := h.start(t, testCustomer("c8", 42), store.ProgramPrime)
		require.Len(t, state.Messages, 1)
		assert.Contains(t, state.Messages[0].Content, "PRIME")
		assert.Contains(t, state.Messages[0].Content, "Laura")
	})
}

func TestOrchestrator_Cooldown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}) // 48h default cooldown
	customer := testCustomer("c1", 42)

	first := h.start(t, customer, store.ProgramPrime)

	h.clock.Advance(time.Hour)
	_, err := h.orc.StartConversation(ctx, customer, webContext(), store.ProgramPrime)
	require.Error(t, err)

	f := fault.Get(err)
	require.NotNil(t, f)
	assert.Equal(t, fault.KindCooldownActive, f.Kind)
	assert.Equal(t, int64(3600), f.Details["elapsed_seconds"])
	assert.Equal(t, int64(47*3600), f.Details["retry_after_seconds"])
	assert.Equal(t, first.ID.String(), f.Details["last_conversation_id"])

	// Another customer is unaffected.
	_, err = h.orc.StartConversation(ctx, testCustomer("c2", 42), webContext(), store.ProgramPrime)
	require.NoError(t, err)

	// Past the window the same customer can come back.
	h.clock.Advance(48 * time.Hour)
	_, err = h.orc.StartConversation(ctx, customer, webContext(), store.ProgramPrime)
	require.NoError(t, err)
}

func TestOrchestrator_ProcessMessageTurn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	state := h.start(t, testCustomer("c1", 42), store.ProgramPrime)

	h.clock.Advance(30 * time.Second)
	reply, err := h.orc.ProcessMessage(ctx, state.ID, "hola, quiero saber más del programa", true)
	require.NoError(t, err)

	assert.Equal(t, h.llm.reply, reply.Text)
	assert.False(t, reply.Closed)
	assert.Nil(t, reply.Audio)
	assert.Equal(t, store.PhaseExploration, reply.State.Phase, "first processed turn leaves greeting")

	require.Len(t, reply.State.Messages, 3)
	assert.Equal(t, store.RoleUser, reply.State.Messages[1].Role)
	assert.Equal(t, store.RoleAssistant, reply.State.Messages[2].Role)

	persisted, err := h.st.GetConversation(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseExploration, persisted.Phase)
	assert.Len(t, persisted.Messages, 3)
}

func TestOrchestrator_ProcessMessageValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	_, err := h.orc.ProcessMessage(ctx, uuid.New(), "   ", true)
	assert.Equal(t, fault.KindBadRequest, fault.KindOf(err))

	_, err = h.orc.ProcessMessage(ctx, uuid.New(), "hola", true)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestOrchestrator_IntentAchievedCloses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	state := h.start(t, testCustomer("c1", 42), store.ProgramPrime)

	reply, err := h.orc.ProcessMessage(ctx, state.ID, "Me convence, quiero comprar. ¿Cómo pago y cuándo empiezo?", true)
	require.NoError(t, err)

	assert.True(t, reply.Closed)
	assert.Equal(t, store.PhaseEnded, reply.State.Phase)
	assert.Equal(t, ReasonIntentAchieved, reply.State.EndReason)
	assert.False(t, h.orc.tracker.Tracking(state.ID))

	rec, err := h.st.GetOutcome(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeConverted, rec.Outcome)

	h.orc.mu.Lock()
	_, alive := h.orc.actors[state.ID]
	h.orc.mu.Unlock()
	assert.False(t, alive, "closed conversations release their agent")
}

func TestOrchestrator_IntentCheckDisabled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	state := h.start(t, testCustomer("c1", 42), store.ProgramPrime)

	reply, err := h.orc.ProcessMessage(ctx, state.ID, "Me convence, quiero comprar. ¿Cómo pago y cuándo empiezo?", false)
	require.NoError(t, err)
	assert.False(t, reply.Closed, "intent closes are gated by checkIntent")
	assert.False(t, reply.State.Terminal())
}

func TestOrchestrator_RejectionCloses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	state := h.start(t, testCustomer("c1", 42), store.ProgramPrime)

	reply, err := h.orc.ProcessMessage(ctx, state.ID, "No gracias, no me interesa.", true)
	require.NoError(t, err)

	assert.True(t, reply.Closed)
	assert.Equal(t, ReasonRejection, reply.State.EndReason)

	rec, err := h.st.GetOutcome(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeLost, rec.Outcome)
}

func TestOrchestrator_TimeoutCloses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxDuration: 10 * time.Minute})
	state := h.start(t, testCustomer("c1", 42), store.ProgramPrime)

	h.clock.Advance(11 * time.Minute)
	reply, err := h.orc.ProcessMessage(ctx, state.ID, "sigo aquí", true)
	require.NoError(t, err)

	assert.Equal(t, h.llm.reply, reply.Text, "the late turn still gets an answer")
	assert.True(t, reply.Closed)
	assert.Equal(t, ReasonTimeout, reply.State.EndReason)

	rec, err := h.st.GetOutcome(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeTimedOut, rec.Outcome)
}

func TestOrchestrator_MessageCapCloses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxMessages: 4})
	state := h.start(t, testCustomer("c1", 42), store.ProgramPrime)

	first, err := h.orc.ProcessMessage(ctx, state.ID, "hola, quiero saber más", true)
	require.NoError(t, err)
	assert.False(t, first.Closed)

	second, err := h.orc.ProcessMessage(ctx, state.ID, "sí, entiendo", true)
	require.NoError(t, err)
	assert.True(t, second.Closed)
	assert.Equal(t, ReasonMessageCap, second.State.EndReason)

	rec, err := h.st.GetOutcome(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeEndedNaturally, rec.Outcome)
}

func TestOrchestrator_ClosedConversationRejectsTurns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	state := h.start(t, testCustomer("c1", 42), store.ProgramPrime)

	_, err := h.orc.EndConversation(ctx, state.ID, "")
	require.NoError(t, err)

	_, err = h.orc.ProcessMessage(ctx, state.ID, "¿sigues ahí?", true)
	assert.Equal(t, fault.KindClosedConversation, fault.KindOf(err))
}

func TestOrchestrator_HumanTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit request hands off", func(t *testing.T) {
		h := newHarness(t, Config{})
		state := h.start(t, testCustomer("c1", 42), store.ProgramPrime)

		reply, err := h.orc.ProcessMessage(ctx, state.ID, "prefiero hablar con una persona real", true)
		require.NoError(t, err)

		assert.True(t, reply.Closed)
		assert.Equal(t, agent.TransferMessage(), reply.Text)
		assert.Equal(t, store.PhaseHumanTransfer, reply.State.Phase)
		assert.Equal(t, ReasonHumanTransfer, reply.State.EndReason)
		assert.Equal(t, 1, h.llm.callCount(), "only the greeting hit the llm")

		rec, err := h.st.GetOutcome(ctx, state.ID)
		require.NoError(t, err)
		assert.Equal(t, store.OutcomeTransferred, rec.Outcome)
	})

	t.Run("disabled transfer keeps the turn in-band", func(t *testing.T) {
		h := newHarness(t, Config{})
		pctx := platform.DefaultFor(platform.SourceAPI, 0)
		state, err := h.orc.StartConversation(ctx, testCustomer("c2", 42), pctx, store.ProgramPrime)
		require.NoError(t, err)

		reply, err := h.orc.ProcessMessage(ctx, state.ID, "prefiero hablar con una persona real", true)
		require.NoError(t, err)
		assert.False(t, reply.Closed)
		assert.Equal(t, h.llm.reply, reply.Text)
	})
}

func TestOrchestrator_ProgramSwitchMidConversation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	state := h.start(t, testCustomer("c1", 61), store.ProgramPrime)

	reply, err := h.orc.ProcessMessage(ctx, state.ID,
		"Me importa la longevidad y el bienestar: busco prevención y salud a largo plazo.", true)
	require.NoError(t, err)

	assert.Equal(t, store.ProgramLongevity, reply.State.ProgramType)
	require.Len(t, reply.State.ProgramSwitches, 1)
	assert.Equal(t, store.ProgramPrime, reply.State.ProgramSwitches[0].From)
	assert.Equal(t, store.ProgramLongevity, reply.State.ProgramSwitches[0].To)

	// The transition message lands before the reply.
	msgs := reply.State.Messages
	require.GreaterOrEqual(t, len(msgs), 4)
	assert.Contains(t, msgs[2].Content, "LONGEVITY")
}

func TestOrchestrator_FailedTurnIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	state := h.start(t, testCustomer("c1", 42), store.ProgramPrime)

	h.llm.setErr(errors.New("provider down"))
	_, err := h.orc.ProcessMessage(ctx, state.ID, "hola, tengo una duda", true)
	assert.Equal(t, fault.KindUpstreamError, fault.KindOf(err))

	// The user message survived the failure.
	persisted, err := h.st.GetConversation(ctx, state.ID)
	require.NoError(t, err)
	require.Len(t, persisted.Messages, 2)
	assert.Equal(t, store.RoleUser, persisted.Messages[1].Role)

	// The retried turn resumes instead of duplicating the message.
	h.llm.setErr(nil)
	reply, err := h.orc.ProcessMessage(ctx, state.ID, "hola, tengo una duda", true)
	require.NoError(t, err)
	require.Len(t, reply.State.Messages, 3)
	assert.Equal(t, h.llm.reply, reply.Text)
}

func TestOrchestrator_VoiceReply(t *testing.T) {
	ctx := context.Background()

	start := func(t *testing.T, h *harness) *store.ConversationState {
		pctx := webContext()
		pctx.EnableVoice = true
		state, err := h.orc.StartConversation(ctx, testCustomer("c1", 42), pctx, store.ProgramPrime)
		require.NoError(t, err)
		return state
	}

	t.Run("synthesizes when the platform asks for it", func(t *testing.T) {
		h := newHarness(t, Config{}, withVoice(&fakeVoice{audio: []byte("mp3-bytes")}))
		state := start(t, h)
		reply, err := h.orc.ProcessMessage(ctx, state.ID, "hola", true)
		require.NoError(t, err)
		assert.Equal(t, []byte("mp3-bytes"), reply.Audio)
	})

	t.Run("synthesis failure never fails the turn", func(t *testing.T) {
		h := newHarness(t, Config{}, withVoice(&fakeVoice{err: errors.New("tts down")}))
		state := start(t, h)
		reply, err := h.orc.ProcessMessage(ctx, state.ID, "hola", true)
		require.NoError(t, err)
		assert.Nil(t, reply.Audio)
	})

	t.Run("text platforms never synthesize", func(t *testing.T) {
		h := newHarness(t, Config{}, withVoice(&fakeVoice{audio: []byte("mp3-bytes")}))
		state := h.start(t, testCustomer("c2", 42), store.ProgramPrime)
		reply, err := h.orc.ProcessMessage(ctx, state.ID, "hola", true)
		require.NoError(t, err)
		assert.Nil(t, reply.Audio)
	})
}

func TestOrchestrator_RecordsSampledPredictions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{PredictionSampleRate: 1})
	state := h.start(t, testCustomer("c1", 42), store.ProgramPrime)

	_, err := h.orc.ProcessMessage(ctx, state.ID, "hola", true)
	require.NoError(t, err)

	preds, err := h.st.ListPredictionsByConversation(ctx, state.ID)
	require.NoError(t, err)
	require.NotEmpty(t, preds)
	kinds := map[string]bool{}
	for _, p := range preds {
		kinds[p.Kind] = true
	}
	assert.True(t, kinds[store.PredictionConversion])
}

func TestOrchestrator_EndConversation(t *testing.T) {
	ctx := context.Background()

	t.Run("appends a farewell and records the outcome", func(t *testing.T) {
		h := newHarness(t, Config{})
		state := h.start(t, testCustomer("c1", 42), store.ProgramPrime)

		ended, err := h.orc.EndConversation(ctx, state.ID, "")
		require.NoError(t, err)
		assert.Equal(t, store.PhaseEnded, ended.Phase)
		assert.Equal(t, ReasonNaturalEnd, ended.EndReason)

		last := ended.LastAssistantMessage()
		require.NotNil(t, last)
		assert.Contains(t, last.Content, "Gracias por tu tiempo")

		rec, err := h.st.GetOutcome(ctx, state.ID)
		require.NoError(t, err)
		assert.Equal(t, store.OutcomeEndedNaturally, rec.Outcome)
	})

	t.Run("converted close confirms the next step", func(t *testing.T) {
		h := newHarness(t, Config{})
		state := h.start(t, testCustomer("c2", 42), store.ProgramPrime)

		ended, err := h.orc.EndConversation(ctx, state.ID, string(store.OutcomeConverted))
		require.NoError(t, err)

		last := ended.LastAssistantMessage()
		require.NotNil(t, last)
		assert.Equal(t, agent.ClosingMessage(), last.Content)

		rec, err := h.st.GetOutcome(ctx, state.ID)
		require.NoError(t, err)
		assert.Equal(t, store.OutcomeConverted, rec.Outcome)
	})

	t.Run("idempotent on terminal conversations", func(t *testing.T) {
		h := newHarness(t, Config{})
		state := h.start(t, testCustomer("c3", 42), store.ProgramPrime)

		first, err := h.orc.EndConversation(ctx, state.ID, "")
		require.NoError(t, err)
		second, err := h.orc.EndConversation(ctx, state.ID, ReasonRejection)
		require.NoError(t, err)

		assert.Equal(t, first.EndReason, second.EndReason)
		assert.Len(t, second.Messages, len(first.Messages))
	})

	t.Run("unknown conversation is not found", func(t *testing.T) {
		h := newHarness(t, Config{})
		_, err := h.orc.EndConversation(ctx, uuid.New(), "")
		assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
	})
}

func TestResolveProgram(t *testing.T) {
	young := store.CustomerData{ID: "c1", Name: "Ana", Age: 35}
	older := store.CustomerData{ID: "c2", Name: "Rosa", Age: 50}

	assert.Equal(t, store.ProgramPrime, resolveProgram(store.ProgramHybrid, young))
	assert.Equal(t, store.ProgramLongevity, resolveProgram(store.ProgramHybrid, older))
	assert.Equal(t, store.ProgramPrime, resolveProgram(store.ProgramPrime, older))
	assert.Equal(t, store.ProgramLongevity, resolveProgram(store.ProgramLongevity, young))
}

func TestSampledForPredictions(t *testing.T) {
	id := uuid.New()
	assert.True(t, sampledForPredictions(id, 1))
	assert.True(t, sampledForPredictions(id, 1.5))
	assert.False(t, sampledForPredictions(id, 0))
	assert.False(t, sampledForPredictions(id, -0.1))

	// The hash is deterministic per conversation.
	in := sampledForPredictions(id, 0.5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, in, sampledForPredictions(id, 0.5))
	}
}
