package analyzer

import "context"

// Objection types.
const (
	ObjectionPrice     = "price"
	ObjectionTime      = "time"
	ObjectionTrust     = "trust"
	ObjectionNeed      = "need"
	ObjectionAuthority = "authority"
)

var objectionLexicons = map[string]lexicon{
	ObjectionPrice: {
		"caro", "costoso", "no puedo pagar", "no me alcanza", "presupuesto",
		"mucho dinero", "too expensive",
	},
	ObjectionTime: {
		"no tengo tiempo", "estoy ocupado", "mi agenda", "mas adelante",
		"ahora no puedo", "no time",
	},
	ObjectionTrust: {
		"no creo", "dudo que", "sera verdad", "estafa", "funciona de verdad",
		"garantia", "comprobado",
	},
	ObjectionNeed: {
		"no lo necesito", "ya tengo", "estoy bien asi", "para que me sirve",
	},
	ObjectionAuthority: {
		"consultarlo", "mi pareja", "mi esposa", "mi esposo", "mi familia",
		"decidir con", "lo tengo que hablar",
	},
}

var objectionResponses = map[string][]string{
	ObjectionPrice: {
		"Reencuadrar el precio como inversión diaria y comparar con el costo de no actuar.",
		"Presentar el tier essential y las opciones de pago en partes.",
	},
	ObjectionTime: {
		"Mostrar que el programa requiere menos de 20 minutos al día.",
		"Ofrecer empezar con la versión autoguiada y agendar el resto.",
	},
	ObjectionTrust: {
		"Compartir resultados medidos y testimonios verificables.",
		"Explicar la garantía de satisfacción de 30 días.",
	},
	ObjectionNeed: {
		"Conectar el programa con la necesidad concreta que mencionó.",
		"Hacer una pregunta de descubrimiento sobre su situación actual.",
	},
	ObjectionAuthority: {
		"Ofrecer material resumido para compartir con quien decide.",
		"Proponer una llamada conjunta breve.",
	},
}

// ObjectionAnalyzer predicts the objections present in the turn, ranked by
// confidence.
type ObjectionAnalyzer struct{}

func NewObjectionAnalyzer() *ObjectionAnalyzer { return &ObjectionAnalyzer{} }

func (*ObjectionAnalyzer) Kind() Kind { return KindObjection }

func (*ObjectionAnalyzer) Neutral() ObjectionResult { return ObjectionResult{} }

func (a *ObjectionAnalyzer) Analyze(_ context.Context, snap Snapshot) (ObjectionResult, error) {
	text := normalize(snap.UserText)

	scores := make(map[string]float64)
	for objType, lex := range objectionLexicons {
		if hits := lex.count(text); hits > 0 {
			scores[objType] = scoreHits(0.5, 0.25, hits, 0.95)
		}
	}
	if len(scores) == 0 {
		return a.Neutral(), nil
	}

	ranked := make([]ObjectionPrediction, 0, len(scores))
	for _, objType := range rankedKeys(scores) {
		ranked = append(ranked, ObjectionPrediction{
			Type:               objType,
			Confidence:         scores[objType],
			SuggestedResponses: objectionResponses[objType],
		})
	}
	return ObjectionResult{Objections: ranked}, nil
}
