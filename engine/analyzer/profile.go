package analyzer

import (
	"context"
	"fmt"
	"strings"
)

// ProfileResult is the fused output of the forced profile analysis: a deeper
// read over the combined recent transcript instead of a single turn.
type ProfileResult struct {
	Personality PersonalityResult `json:"personality"`
	Emotion     EmotionResult     `json:"emotion"`
	Needs       NeedsResult       `json:"needs"`
	Summary     string            `json:"summary"`
	Confidence  float64           `json:"confidence"`
}

// ProfileAnalyzer runs on demand when the agent is still unsure about who it
// is talking to. It re-reads the combined transcript of the recent user
// utterances with the personality, emotion, and needs analyzers.
type ProfileAnalyzer struct {
	personality *PersonalityAnalyzer
	emotion     *EmotionAnalyzer
	needs       *NeedsAnalyzer
}

func NewProfileAnalyzer() *ProfileAnalyzer {
	return &ProfileAnalyzer{
		personality: NewPersonalityAnalyzer(),
		emotion:     NewEmotionAnalyzer(),
		needs:       NewNeedsAnalyzer(),
	}
}

// Analyze fuses the three sub-analyzers over the combined transcript.
func (a *ProfileAnalyzer) Analyze(ctx context.Context, snap Snapshot) (ProfileResult, error) {
	combined := snap.UserText
	if len(snap.Utterances) > 0 {
		combined = strings.Join(snap.Utterances, ". ") + ". " + combined
	}
	merged := snap
	merged.UserText = combined
	merged.Utterances = nil

	personality, err := a.personality.Analyze(ctx, merged)
	if err != nil {
		personality = a.personality.Neutral()
	}
	emotion, err := a.emotion.Analyze(ctx, merged)
	if err != nil {
		emotion = a.emotion.Neutral()
	}
	needs, err := a.needs.Analyze(ctx, merged)
	if err != nil {
		needs = a.needs.Neutral()
	}

	topNeed := "sin necesidad clara"
	if len(needs.Needs) > 0 {
		topNeed = needs.Needs[0].Category
	}
	summary := fmt.Sprintf("estilo %s, emoción %s, necesidad principal %s",
		personality.CommunicationStyle, emotion.Primary, topNeed)

	confidence := (personality.Confidence + emotion.Confidence) / 2
	if len(needs.Needs) > 0 {
		confidence = (personality.Confidence + emotion.Confidence + needs.Needs[0].Confidence) / 3
	}

	return ProfileResult{
		Personality: personality,
		Emotion:     emotion,
		Needs:       needs,
		Summary:     summary,
		Confidence:  confidence,
	}, nil
}

// EmpathicGuidanceFor turns the emotional and personality reads into a short
// coaching line injected into the agent prompt.
func EmpathicGuidanceFor(emotion EmotionResult, personality PersonalityResult) string {
	var parts []string

	switch emotion.Primary {
	case EmotionAnxiety:
		parts = append(parts, "Valida la preocupación antes de proponer nada y transmite calma.")
	case EmotionFrustration:
		parts = append(parts, "Reconoce la molestia, no la discutas, y ofrece un camino concreto.")
	case EmotionDoubt:
		parts = append(parts, "Responde la duda con claridad y un ejemplo simple.")
	case EmotionEnthusiasm:
		parts = append(parts, "Acompaña el entusiasmo y avanza hacia el siguiente paso.")
	default:
		parts = append(parts, "Mantén un tono cercano y profesional.")
	}

	switch personality.CommunicationStyle {
	case StyleAnalytical:
		parts = append(parts, "Usa datos y cifras concretas.")
	case StyleDriver:
		parts = append(parts, "Sé directo y ve al resultado.")
	case StyleExpressive:
		parts = append(parts, "Usa un lenguaje vivo y cuenta una historia breve.")
	case StyleAmiable:
		parts = append(parts, "Tómate tiempo para la relación, sin presionar.")
	}

	if personality.DetailPreference == "low" {
		parts = append(parts, "Respuestas cortas.")
	}

	return strings.Join(parts, " ")
}
