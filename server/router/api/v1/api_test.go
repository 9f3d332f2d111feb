package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	"github.com/vocerohq/vocero/internal/profile"
	"github.com/vocerohq/vocero/store"
)

// fakeDriver is the minimal in-memory Driver the handler tests need.
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

func matches(row store.Row, filter store.Filter) bool {
	for col, val := range filter {
		if fmt.Sprintf("%v", row[col]) != val {
			return false
		}
	}
	return true
}

func (d *fakeDriver) Select(_ context.Context, table string, filter store.Filter) ([]store.Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []store.Row
	for _, row := range d.table(table) {
		if matches(row, filter) {
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
		if matches(existing, filter) {
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
		if matches(existing, filter) {
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

// fakeLLM satisfies llm.Service with a canned reply.
type fakeLLM struct {
	reply string
}

func (f *fakeLLM) Chat(context.Context, []llm.Message) (string, *llm.CallStats, error) {
	return f.reply, &llm.CallStats{TotalTokens: 18, DurationMs: 4}, nil
}

func (f *fakeLLM) Warmup(context.Context) {}

// apiHarness runs the REST surface over a fully assembled engine stack with
// an in-memory store and a fake LLM. Auth and rate limiting are disabled;
// the Register-level tests opt back in.
type apiHarness struct {
	e   *echo.Echo
	st  *store.Store
	llm *fakeLLM
	svc *APIV1Service
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	st := newTestStore(t)
	f := &fakeLLM{reply: "Cuéntame, ¿qué te gustaría lograr?"}

	p := &profile.Profile{
		Mode:    "dev",
		Driver:  "sqlite",
		Version: "test",
	}

	exporter := metrics.NewExporter(metrics.Config{})
	fanout := analyzer.NewFanout(analyzer.Config{})
	decisions := decision.NewEngine(decision.DefaultConfig())
	agents := agent.NewFactory(f, agent.Config{})
	experiments := experiment.NewManager(st, experiment.DefaultConfig(), experiment.WithDeployer(agents))
	tracker := outcome.NewTracker(st)
	learner := learning.NewService(decisions, experiments, learning.Config{})
	orch := conversation.New(conversation.Deps{
		Store:       st,
		Analyzers:   fanout,
		Decisions:   decisions,
		Experiments: experiments,
		Agents:      agents,
		Tracker:     tracker,
	}, conversation.Config{})
	sched := scheduler.New(orch, scheduler.Config{})

	svc := &APIV1Service{
		ConversationService: &ConversationService{Orchestrator: orch, Store: st, Metrics: exporter},
		AnalyzerService:     &AnalyzerService{Fanout: fanout, Store: st, Metrics: exporter},
		ExperimentService:   &ExperimentService{Manager: experiments, Store: st},
		SystemService: &SystemService{
			Profile:   p,
			Store:     st,
			Learning:  learner,
			Scheduler: sched,
			Tracker:   tracker,
			startedAt: time.Now(),
		},
		Profile: p,
		Secret:  "",
		limiter: newRateLimiter(0, 0, nil),
	}

	e := echo.New()
	svc.Register(e)
	return &apiHarness{e: e, st: st, llm: f, svc: svc}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	return rec
}

func customerBody(id string) map[string]any {
	return map[string]any{"id": id, "name": "Laura", "age": 42}
}

func (h *apiHarness) startConversation(t *testing.T, customerID string) uuid.UUID {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/conversations", map[string]any{
		"customer": customerBody(customerID),
		"program":  "PRIME",
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	env := decodeEnvelope(t, rec)
	var data struct {
		Conversation store.ConversationState `json:"conversation"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data.Conversation.ID
}

func TestRegisterGuards(t *testing.T) {
	t.Run("bearer auth guards the whole group", func(t *testing.T) {
		h := newAPIHarness(t)
		h.svc.Secret = "s3cr3t"
		guarded := echo.New()
		h.svc.Register(guarded)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/analyzers", nil)
		rec := httptest.NewRecorder()
		guarded.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		token := signToken(t, jwt.SigningMethodHS256, "s3cr3t", jwt.MapClaims{
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		req = httptest.NewRequest(http.MethodGet, "/api/v1/analyzers", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
		rec = httptest.NewRecorder()
		guarded.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("rate limiter sits in front of auth", func(t *testing.T) {
		h := newAPIHarness(t)
		h.svc.limiter = newRateLimiter(1, 100, nil)
		limited := echo.New()
		h.svc.Register(limited)

		for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/analyzers", nil)
			rec := httptest.NewRecorder()
			limited.ServeHTTP(rec, req)
			assert.Equal(t, want, rec.Code, "request %d", i)
		}
	})
}
