// Package analyzer contains the per-turn extractors. Every analyzer is pure
// and stateless: it maps a read-only snapshot of the conversation plus the
// current user text to a typed result with a confidence. The fan-out runs
// all of them concurrently under a shared deadline and substitutes neutral
// defaults on failure, so a turn never fails because an analyzer did.
package analyzer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vocerohq/vocero/store"
)

// Kind identifies one analyzer family.
type Kind string

const (
	KindIntent      Kind = "intent"
	KindEmotion     Kind = "emotion"
	KindPersonality Kind = "personality"
	KindRouter      Kind = "program_router"
	KindTier        Kind = "tier_detector"
	KindObjection   Kind = "objection_predictor"
	KindNeeds       Kind = "needs_predictor"
	KindConversion  Kind = "conversion_predictor"
)

// Kinds lists the fan-out members in canonical order.
func Kinds() []Kind {
	return []Kind{
		KindIntent, KindEmotion, KindPersonality, KindRouter,
		KindTier, KindObjection, KindNeeds, KindConversion,
	}
}

// Snapshot is the read-only view of a conversation an analyzer receives.
// UserText is the current inbound utterance; Utterances are the prior user
// utterances oldest-first (excluding the current one).
type Snapshot struct {
	ConversationID uuid.UUID
	Program        store.ProgramType
	Phase          store.Phase
	Customer       store.CustomerData
	UserText       string
	Utterances     []string
	Objections     []string
	Elapsed        time.Duration
	UserTurns      int
}

// SnapshotOf builds the analyzer input for the current turn. The user text
// is passed separately because the orchestrator snapshots state before
// appending the message.
func SnapshotOf(state *store.ConversationState, userText string, now time.Time) Snapshot {
	return Snapshot{
		ConversationID: state.ID,
		Program:        state.ProgramType,
		Phase:          state.Phase,
		Customer:       state.Customer,
		UserText:       userText,
		Utterances:     state.UserUtterances(6),
		Objections:     append([]string(nil), state.Objections...),
		Elapsed:        now.Sub(state.SessionStart),
		UserTurns:      state.UserMessageCount() + 1,
	}
}

// Analyzer is the common contract. Neutral is the substitute result used
// when Analyze fails or misses its deadline.
type Analyzer[T any] interface {
	Kind() Kind
	Analyze(ctx context.Context, snap Snapshot) (T, error)
	Neutral() T
}

// Intent labels.
const (
	IntentPurchase = "purchase"
	IntentNone     = "no_intent"
	IntentReject   = "rejection"
)

// IntentResult reports purchase or rejection signals in the current turn.
type IntentResult struct {
	Intent     string   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Indicators []string `json:"indicators,omitempty"`
}

func (r IntentResult) HasPurchaseIntent() bool { return r.Intent == IntentPurchase }
func (r IntentResult) HasRejection() bool      { return r.Intent == IntentReject }

// EmotionResult is the current emotional read of the customer.
type EmotionResult struct {
	Primary    string             `json:"primary_emotion"`
	Confidence float64            `json:"confidence"`
	Secondary  map[string]float64 `json:"secondary,omitempty"`
	Triggers   []string           `json:"triggers,omitempty"`
	Stability  float64            `json:"stability"`
}

// PersonalityResult captures the customer's communication preferences.
type PersonalityResult struct {
	CommunicationStyle  string  `json:"communication_style"`
	FormalityPreference string  `json:"formality_preference"`
	DetailPreference    string  `json:"detail_preference"`
	PacePreference      string  `json:"pace_preference"`
	Confidence          float64 `json:"confidence"`
}

// RouteResult is the program router's recommendation.
type RouteResult struct {
	Program    store.ProgramType `json:"recommended_program"`
	Confidence float64           `json:"confidence"`
	Reasoning  string            `json:"reasoning,omitempty"`
}

// TierResult is the tier detector's recommendation.
type TierResult struct {
	Tier             store.Tier `json:"tier"`
	Confidence       float64    `json:"confidence"`
	Reasoning        string     `json:"reasoning,omitempty"`
	PriceSensitivity string     `json:"price_sensitivity"`
}

// ObjectionPrediction is one ranked objection hypothesis.
type ObjectionPrediction struct {
	Type               string   `json:"type"`
	Confidence         float64  `json:"confidence"`
	SuggestedResponses []string `json:"suggested_responses,omitempty"`
}

// ObjectionResult ranks likely objections, highest confidence first.
type ObjectionResult struct {
	Objections []ObjectionPrediction `json:"objections"`
}

// Top returns the highest-ranked objection, or a zero value.
func (r ObjectionResult) Top() ObjectionPrediction {
	if len(r.Objections) == 0 {
		return ObjectionPrediction{}
	}
	return r.Objections[0]
}

// NeedPrediction is one ranked customer need.
type NeedPrediction struct {
	Category         string   `json:"category"`
	Confidence       float64  `json:"confidence"`
	SuggestedActions []string `json:"suggested_actions,omitempty"`
}

// NeedsResult ranks detected needs, highest confidence first.
type NeedsResult struct {
	Needs []NeedPrediction `json:"needs"`
}

// Conversion categories.
const (
	ConversionLow      = "low"
	ConversionMedium   = "medium"
	ConversionHigh     = "high"
	ConversionVeryHigh = "very_high"
)

// ConversionResult estimates how close the customer is to converting.
type ConversionResult struct {
	Probability     float64  `json:"probability"`
	Confidence      float64  `json:"confidence"`
	Category        string   `json:"category"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// ConversionCategory maps a probability to its category band.
func ConversionCategory(p float64) string {
	switch {
	case p >= 0.75:
		return ConversionVeryHigh
	case p >= 0.55:
		return ConversionHigh
	case p >= 0.3:
		return ConversionMedium
	default:
		return ConversionLow
	}
}
