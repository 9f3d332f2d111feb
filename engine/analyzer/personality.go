package analyzer

import (
	"context"
	"strings"
)

// Communication styles.
const (
	StyleAnalytical = "analytical"
	StyleDriver     = "driver"
	StyleExpressive = "expressive"
	StyleAmiable    = "amiable"
	StyleBalanced   = "balanced"
)

var styleLexicons = map[string]lexicon{
	StyleAnalytical: {
		"datos", "estadisticas", "como funciona", "detalles", "evidencia",
		"estudios", "comparar", "numeros", "especificamente",
	},
	StyleDriver: {
		"directo", "al grano", "rapido", "resultados", "cuanto tarda",
		"sin rodeos", "concreto",
	},
	StyleExpressive: {
		"me encanta", "increible", "super", "wow", "me emociona",
	},
	StyleAmiable: {
		"gracias", "por favor", "con calma", "tranquilo", "me gustaria",
		"si no es molestia",
	},
}

// PersonalityAnalyzer infers the customer's communication preferences from
// the whole utterance history plus the current turn.
type PersonalityAnalyzer struct{}

func NewPersonalityAnalyzer() *PersonalityAnalyzer { return &PersonalityAnalyzer{} }

func (*PersonalityAnalyzer) Kind() Kind { return KindPersonality }

func (*PersonalityAnalyzer) Neutral() PersonalityResult {
	return PersonalityResult{
		CommunicationStyle:  StyleBalanced,
		FormalityPreference: "neutral",
		DetailPreference:    "medium",
		PacePreference:      "moderate",
		Confidence:          0.5,
	}
}

func (a *PersonalityAnalyzer) Analyze(_ context.Context, snap Snapshot) (PersonalityResult, error) {
	corpus := snap.UserText
	for _, u := range snap.Utterances {
		corpus += " " + u
	}
	text := normalize(corpus)

	scores := make(map[string]float64)
	totalHits := 0
	for style, lex := range styleLexicons {
		hits := lex.count(text)
		if hits == 0 {
			continue
		}
		scores[style] = float64(hits)
		totalHits += hits
	}

	result := a.Neutral()
	if len(scores) > 0 {
		result.CommunicationStyle = rankedKeys(scores)[0]
		result.Confidence = scoreHits(0.4, 0.1, totalHits, 0.9)
	}

	// Formality: usted vs tuteo.
	switch {
	case strings.Contains(text, "usted"):
		result.FormalityPreference = "formal"
	case strings.Contains(text, " tu ") || strings.Contains(text, "tienes") || strings.Contains(text, "puedes"):
		result.FormalityPreference = "informal"
	}

	// Detail appetite from utterance length and analytical markers.
	words := len(strings.Fields(text))
	turns := len(snap.Utterances) + 1
	avgWords := words / turns
	switch {
	case scores[StyleAnalytical] > 0 || avgWords > 25:
		result.DetailPreference = "high"
	case avgWords < 8:
		result.DetailPreference = "low"
	}

	if scores[StyleDriver] > 0 {
		result.PacePreference = "fast"
	} else if strings.Contains(text, "con calma") || strings.Contains(text, "despacio") {
		result.PacePreference = "slow"
	}

	return result, nil
}
