package analyzer

import "context"

// Emotion labels.
const (
	EmotionNeutral     = "neutral"
	EmotionEnthusiasm  = "enthusiasm"
	EmotionAnxiety     = "anxiety"
	EmotionFrustration = "frustration"
	EmotionDoubt       = "doubt"
)

var emotionLexicons = map[string]lexicon{
	EmotionEnthusiasm: {
		"me encanta", "excelente", "genial", "perfecto", "increible",
		"me interesa mucho", "que bien", "buenisimo", "great", "awesome",
	},
	EmotionAnxiety: {
		"me preocupa", "preocupacion", "ansioso", "ansiedad", "nervioso",
		"me da miedo", "temo", "inseguro", "worried", "anxious",
	},
	EmotionFrustration: {
		"frustrado", "molesto", "enojado", "harto", "cansado de esto",
		"no funciona", "fatal", "annoyed", "frustrated",
	},
	EmotionDoubt: {
		"no entiendo", "confundido", "no me queda claro", "tengo dudas",
		"no estoy seguro", "no se si", "not sure", "confused",
	},
}

// EmotionAnalyzer reads the dominant emotional tone of the turn.
type EmotionAnalyzer struct{}

func NewEmotionAnalyzer() *EmotionAnalyzer { return &EmotionAnalyzer{} }

func (*EmotionAnalyzer) Kind() Kind { return KindEmotion }

func (*EmotionAnalyzer) Neutral() EmotionResult {
	return EmotionResult{Primary: EmotionNeutral, Confidence: 0.5, Stability: 0.5}
}

func (a *EmotionAnalyzer) Analyze(_ context.Context, snap Snapshot) (EmotionResult, error) {
	text := normalize(snap.UserText)

	scores := make(map[string]float64)
	triggers := make(map[string][]string)
	categories := 0
	for label, lex := range emotionLexicons {
		hits := lex.match(text)
		if len(hits) == 0 {
			continue
		}
		categories++
		scores[label] = scoreHits(0.5, 0.15, len(hits), 0.9)
		triggers[label] = hits
	}
	if categories == 0 {
		return a.Neutral(), nil
	}

	ranked := rankedKeys(scores)
	primary := ranked[0]

	secondary := make(map[string]float64, len(ranked)-1)
	for _, label := range ranked[1:] {
		secondary[label] = scores[label]
	}
	if len(secondary) == 0 {
		secondary = nil
	}

	// A single clear category reads as a stable state; mixed signals do not.
	stability := 0.7
	if categories > 1 {
		stability = 0.4
	}

	return EmotionResult{
		Primary:    primary,
		Confidence: scores[primary],
		Secondary:  secondary,
		Triggers:   triggers[primary],
		Stability:  stability,
	}, nil
}
