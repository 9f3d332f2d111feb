package analyzer

import "context"

// Need categories.
const (
	NeedEnergy      = "energy"
	NeedStress      = "stress_management"
	NeedPerformance = "performance"
	NeedHealthspan  = "healthspan"
	NeedWeight      = "weight"
	NeedSupport     = "support"
)

var needLexicons = map[string]lexicon{
	NeedEnergy: {
		"cansado", "sin energia", "agotado", "fatiga", "me levanto cansado",
	},
	NeedStress: {
		"estres", "ansiedad", "presion", "no duermo", "dormir mal", "relajar",
	},
	NeedPerformance: {
		"rendimiento", "productividad", "concentracion", "enfoque", "rendir mas",
	},
	NeedHealthspan: {
		"vitalidad", "envejecer", "salud", "prevencion", "retir", "longevidad",
	},
	NeedWeight: {
		"peso", "bajar de peso", "adelgazar", "grasa",
	},
	NeedSupport: {
		"acompanamiento", "apoyo", "coach", "guia", "no se por donde empezar",
	},
}

var needActions = map[string][]string{
	NeedEnergy:      {"Explorar rutinas de sueño y energía.", "Presentar el módulo de energía del programa."},
	NeedStress:      {"Profundizar en las fuentes de estrés.", "Mostrar las herramientas de manejo de estrés."},
	NeedPerformance: {"Cuantificar el objetivo de rendimiento.", "Presentar el protocolo de enfoque."},
	NeedHealthspan:  {"Explorar los objetivos de salud a largo plazo.", "Presentar el plan de vitalidad."},
	NeedWeight:      {"Entender el historial y objetivo de peso.", "Presentar el componente nutricional."},
	NeedSupport:     {"Destacar el acompañamiento 1:1.", "Describir la comunidad y los coaches."},
}

// NeedsAnalyzer ranks the customer needs voiced in the turn.
type NeedsAnalyzer struct{}

func NewNeedsAnalyzer() *NeedsAnalyzer { return &NeedsAnalyzer{} }

func (*NeedsAnalyzer) Kind() Kind { return KindNeeds }

func (*NeedsAnalyzer) Neutral() NeedsResult { return NeedsResult{} }

func (a *NeedsAnalyzer) Analyze(_ context.Context, snap Snapshot) (NeedsResult, error) {
	text := normalize(snap.UserText)

	scores := make(map[string]float64)
	for category, lex := range needLexicons {
		if hits := lex.count(text); hits > 0 {
			scores[category] = scoreHits(0.45, 0.2, hits, 0.95)
		}
	}
	if len(scores) == 0 {
		return a.Neutral(), nil
	}

	ranked := make([]NeedPrediction, 0, len(scores))
	for _, category := range rankedKeys(scores) {
		ranked = append(ranked, NeedPrediction{
			Category:         category,
			Confidence:       scores[category],
			SuggestedActions: needActions[category],
		})
	}
	return NeedsResult{Needs: ranked}, nil
}
