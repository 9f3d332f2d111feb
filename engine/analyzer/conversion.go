package analyzer

import "context"

var (
	priceAskLexicon = lexicon{
		"cuanto cuesta", "que precio", "cual es el precio", "cuanto vale",
		"how much",
	}
	nextStepLexicon = lexicon{
		"cuando empiezo", "como empiezo", "siguiente paso", "agendar",
		"una cita", "cuando arrancamos", "mandame el link",
	}
)

var conversionRecommendations = map[string][]string{
	ConversionVeryHigh: {"Proponer el cierre directamente.", "Confirmar el siguiente paso concreto."},
	ConversionHigh:     {"Presentar la oferta del tier recomendado.", "Resolver la última duda y proponer cierre."},
	ConversionMedium:   {"Reforzar el valor con un caso relevante.", "Explorar la objeción latente."},
	ConversionLow:      {"Seguir explorando necesidades.", "No presionar el cierre todavía."},
}

// ConversionAnalyzer estimates the probability that this conversation
// converts, from buying signals minus friction signals in the turn.
type ConversionAnalyzer struct{}

func NewConversionAnalyzer() *ConversionAnalyzer { return &ConversionAnalyzer{} }

func (*ConversionAnalyzer) Kind() Kind { return KindConversion }

func (*ConversionAnalyzer) Neutral() ConversionResult {
	return ConversionResult{
		Probability:     0.25,
		Confidence:      0.5,
		Category:        ConversionLow,
		Recommendations: conversionRecommendations[ConversionLow],
	}
}

func (a *ConversionAnalyzer) Analyze(_ context.Context, snap Snapshot) (ConversionResult, error) {
	text := normalize(snap.UserText)

	purchaseHits := purchaseLexicon.count(text)
	priceAskHits := priceAskLexicon.count(text)
	nextStepHits := nextStepLexicon.count(text)
	rejectionHits := rejectionLexicon.count(text)
	objectionHits := 0
	for _, lex := range objectionLexicons {
		objectionHits += lex.count(text)
	}

	probability := 0.25 +
		0.18*float64(purchaseHits) +
		0.12*float64(priceAskHits) +
		0.15*float64(nextStepHits) -
		0.10*float64(objectionHits) -
		0.25*float64(rejectionHits)
	probability = clamp(probability, 0.02, 0.98)

	totalSignals := purchaseHits + priceAskHits + nextStepHits + objectionHits + rejectionHits
	category := ConversionCategory(probability)

	return ConversionResult{
		Probability:     probability,
		Confidence:      scoreHits(0.5, 0.05, totalSignals, 0.9),
		Category:        category,
		Recommendations: conversionRecommendations[category],
	}, nil
}
