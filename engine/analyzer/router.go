package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/vocerohq/vocero/store"
)

// Program indicator terms. PRIME targets performance-phase customers,
// LONGEVITY targets health-span and retirement concerns.
var (
	primeLexicon = lexicon{
		"productividad", "productivity", "rendimiento", "performance",
		"trabajo", "carrera", "enfoque", "focus", "energia", "estres",
		"concentracion", "competir", "exigencia",
	}
	longevityLexicon = lexicon{
		"vitalidad", "vitality", "retir", "jubilacion", "longevidad",
		"longevity", "envejecer", "bienestar", "wellness", "prevencion",
		"salud a largo plazo", "anos de vida",
	}
)

// RouterAnalyzer recommends which program fits the customer. It scores the
// current utterance plus the declared interests; age is not an input here,
// the orchestrator resolves HYBRID by age.
type RouterAnalyzer struct{}

func NewRouterAnalyzer() *RouterAnalyzer { return &RouterAnalyzer{} }

func (*RouterAnalyzer) Kind() Kind { return KindRouter }

func (*RouterAnalyzer) Neutral() RouteResult {
	return RouteResult{Program: store.ProgramHybrid, Confidence: 0.5, Reasoning: "no program indicators"}
}

func (a *RouterAnalyzer) Analyze(_ context.Context, snap Snapshot) (RouteResult, error) {
	text := normalize(snap.UserText + " " + strings.Join(snap.Customer.Interests, " "))

	primeHits := primeLexicon.match(text)
	longevityHits := longevityLexicon.match(text)

	switch {
	case len(primeHits) == 0 && len(longevityHits) == 0:
		return a.Neutral(), nil
	case len(primeHits) == len(longevityHits):
		return RouteResult{
			Program:    store.ProgramHybrid,
			Confidence: 0.65,
			Reasoning: fmt.Sprintf("balanced indicators: prime %v vs longevity %v",
				primeHits, longevityHits),
		}, nil
	case len(primeHits) > len(longevityHits):
		return RouteResult{
			Program:    store.ProgramPrime,
			Confidence: scoreHits(0.5, 0.16, len(primeHits), 0.95),
			Reasoning:  fmt.Sprintf("prime indicators: %s", strings.Join(primeHits, ", ")),
		}, nil
	default:
		return RouteResult{
			Program:    store.ProgramLongevity,
			Confidence: scoreHits(0.5, 0.16, len(longevityHits), 0.95),
			Reasoning:  fmt.Sprintf("longevity indicators: %s", strings.Join(longevityHits, ", ")),
		}, nil
	}
}
