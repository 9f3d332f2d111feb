package analyzer

import "context"

// Purchase and rejection indicator terms (normalized, Spanish + English).
var (
	purchaseLexicon = lexicon{
		"quiero comprar", "quiero empezar", "quiero inscribirme", "me inscribo",
		"como pago", "donde pago", "formas de pago", "acepto", "me convence",
		"vamos a hacerlo", "cuando empezamos", "agendar", "lo tomo", "lo quiero",
		"sign me up", "i want to buy", "let's do it",
	}
	rejectionLexicon = lexicon{
		"no me interesa", "no gracias", "no quiero", "dejame en paz",
		"no insistas", "no molestes", "no voy a comprar", "olvidalo",
		"not interested", "stop contacting", "leave me alone",
	}
)

// IntentAnalyzer detects explicit purchase or rejection intent in the turn.
type IntentAnalyzer struct{}

func NewIntentAnalyzer() *IntentAnalyzer { return &IntentAnalyzer{} }

func (*IntentAnalyzer) Kind() Kind { return KindIntent }

func (*IntentAnalyzer) Neutral() IntentResult {
	return IntentResult{Intent: IntentNone, Confidence: 0.5}
}

func (a *IntentAnalyzer) Analyze(_ context.Context, snap Snapshot) (IntentResult, error) {
	text := normalize(snap.UserText)

	rejections := rejectionLexicon.match(text)
	if len(rejections) > 0 {
		return IntentResult{
			Intent:     IntentReject,
			Confidence: scoreHits(0.55, 0.15, len(rejections), 0.95),
			Indicators: rejections,
		}, nil
	}

	purchases := purchaseLexicon.match(text)
	if len(purchases) > 0 {
		return IntentResult{
			Intent:     IntentPurchase,
			Confidence: scoreHits(0.55, 0.15, len(purchases), 0.95),
			Indicators: purchases,
		}, nil
	}

	return a.Neutral(), nil
}
