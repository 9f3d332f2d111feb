package v1

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vocerohq/vocero/engine/analyzer"
	"github.com/vocerohq/vocero/engine/fault"
	"github.com/vocerohq/vocero/engine/metrics"
	"github.com/vocerohq/vocero/store"
)

// AnalyzerService exposes the predictive analyzers for inspection. Callers
// probe a single analyzer (or all of them) against either a live
// conversation or an ad-hoc snapshot, without mutating any state.
type AnalyzerService struct {
	Fanout  *analyzer.Fanout
	Store   *store.Store
	Metrics *metrics.Exporter
}

type analyzeRequest struct {
	// ConversationID selects a live conversation as snapshot source. When
	// absent the remaining fields form an ad-hoc snapshot.
	ConversationID string              `json:"conversation_id,omitempty"`
	Text           string              `json:"text"`
	Program        string              `json:"program,omitempty"`
	Phase          string              `json:"phase,omitempty"`
	Customer       *store.CustomerData `json:"customer,omitempty"`
	Utterances     []string            `json:"utterances,omitempty"`
	Objections     []string            `json:"objections,omitempty"`
}

type analyzeResponse struct {
	Kind      string          `json:"kind"`
	Result    any             `json:"result"`
	Failed    []analyzer.Kind `json:"failed,omitempty"`
	ElapsedMs int64           `json:"elapsed_ms"`
}

// ListAnalyzers handles GET /api/v1/analyzers.
func (s *AnalyzerService) ListAnalyzers(c echo.Context) error {
	return respond(c, 200, map[string]any{"kinds": analyzer.Kinds()})
}

// Analyze handles POST /api/v1/analyze/:kind where kind is one analyzer
// kind or "all".
func (s *AnalyzerService) Analyze(c echo.Context) error {
	kind := c.Param("kind")
	if kind != "all" && !knownKind(kind) {
		return respondError(c, fault.Newf(fault.KindNotFound, "unknown analyzer kind %q", kind))
	}

	req := analyzeRequest{}
	if err := c.Bind(&req); err != nil {
		return respondError(c, fault.Wrap(fault.KindBadRequest, "malformed request body", err))
	}
	if strings.TrimSpace(req.Text) == "" {
		return respondError(c, fault.New(fault.KindBadRequest, "text is required"))
	}

	snap, err := s.snapshot(c, req)
	if err != nil {
		return respondError(c, err)
	}

	bundle := s.Fanout.Analyze(c.Request().Context(), snap)
	s.Metrics.RecordAnalysis(bundle.Elapsed)

	var result any
	if kind == "all" {
		result = projectAll(bundle)
	} else {
		result, _ = project(bundle, analyzer.Kind(kind))
	}
	return respond(c, 200, analyzeResponse{
		Kind:      kind,
		Result:    result,
		Failed:    bundle.Failed,
		ElapsedMs: bundle.Elapsed.Milliseconds(),
	})
}

// snapshot resolves the analyzer input from a live conversation or from the
// ad-hoc request fields.
func (s *AnalyzerService) snapshot(c echo.Context, req analyzeRequest) (analyzer.Snapshot, error) {
	if req.ConversationID != "" {
		id, err := uuid.Parse(req.ConversationID)
		if err != nil {
			return analyzer.Snapshot{}, fault.Wrap(fault.KindBadRequest, "invalid conversation id", err)
		}
		state, err := s.Store.GetConversation(c.Request().Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return analyzer.Snapshot{}, fault.Wrapf(fault.KindNotFound, err, "conversation %s", id)
			}
			return analyzer.Snapshot{}, fault.Wrap(fault.KindStoreUnavailable, "loading conversation", err)
		}
		return analyzer.SnapshotOf(state, req.Text, time.Now().UTC()), nil
	}

	program := store.ProgramType(req.Program)
	if program != "" && !program.Valid() {
		return analyzer.Snapshot{}, fault.Newf(fault.KindBadRequest, "unknown program type %q", req.Program)
	}
	phase := store.Phase(req.Phase)
	if phase == "" {
		phase = store.PhaseExploration
	}
	snap := analyzer.Snapshot{
		Program:    program,
		Phase:      phase,
		UserText:   req.Text,
		Utterances: req.Utterances,
		Objections: req.Objections,
		UserTurns:  len(req.Utterances) + 1,
	}
	if req.Customer != nil {
		snap.Customer = *req.Customer
	}
	return snap, nil
}

func knownKind(kind string) bool {
	for _, k := range analyzer.Kinds() {
		if analyzer.Kind(kind) == k {
			return true
		}
	}
	return false
}

func project(bundle *analyzer.Bundle, kind analyzer.Kind) (any, bool) {
	switch kind {
	case analyzer.KindIntent:
		return bundle.Intent, true
	case analyzer.KindEmotion:
		return bundle.Emotion, true
	case analyzer.KindPersonality:
		return bundle.Personality, true
	case analyzer.KindRouter:
		return bundle.Route, true
	case analyzer.KindTier:
		return bundle.Tier, true
	case analyzer.KindObjection:
		return bundle.Objections, true
	case analyzer.KindNeeds:
		return bundle.Needs, true
	case analyzer.KindConversion:
		return bundle.Conversion, true
	}
	return nil, false
}

func projectAll(bundle *analyzer.Bundle) map[string]any {
	all := make(map[string]any, len(analyzer.Kinds()))
	for _, k := range analyzer.Kinds() {
		if result, ok := project(bundle, k); ok {
			all[string(k)] = result
		}
	}
	return all
}
