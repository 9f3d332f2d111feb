package conversation

import (
	"strings"
	"time"

	"github.com/vocerohq/vocero/engine/analyzer"
	"github.com/vocerohq/vocero/engine/decision"
	"github.com/vocerohq/vocero/store"
)

// End reasons stamped on the conversation when it closes.
const (
	ReasonTimeout        = "timeout"
	ReasonRejection      = "rejection_detected"
	ReasonIntentAchieved = "intent_achieved"
	ReasonHumanTransfer  = "human_transfer_requested"
	ReasonNaturalEnd     = "natural_end"
	ReasonMessageCap     = "max_messages_reached"
	ReasonFollowUpLapse  = "follow_up_lapsed"
)

// Insight keys the orchestrator maintains on conversation state. They
// survive restarts, unlike the in-memory agent registry.
const (
	insightIntentSeen    = "purchase_intent_seen"
	insightProfileForced = "profile_analysis_forced"
	insightFollowUpAt    = "follow_up_at"
	insightFollowUpSent  = "follow_up_sent"
)

// outcomeFor maps a close reason onto the recorded outcome. Unknown reasons
// count as a natural end; "converted" is accepted as an explicit caller
// override alongside the intent-achieved close.
func outcomeFor(reason string) store.Outcome {
	switch reason {
	case ReasonTimeout:
		return store.OutcomeTimedOut
	case ReasonRejection:
		return store.OutcomeLost
	case ReasonIntentAchieved, string(store.OutcomeConverted):
		return store.OutcomeConverted
	case ReasonHumanTransfer:
		return store.OutcomeTransferred
	default:
		return store.OutcomeEndedNaturally
	}
}

// closePhase picks the terminal phase for a close. An intent-achieved close
// out of the closing phase completes the funnel; everything else ends it.
func closePhase(current store.Phase, reason string) store.Phase {
	switch {
	case reason == ReasonHumanTransfer:
		return store.PhaseHumanTransfer
	case reason == ReasonIntentAchieved && current == store.PhaseClosing:
		return store.PhaseCompleted
	default:
		return store.PhaseEnded
	}
}

// diacritics folds accented vowels and ñ the same way the analyzers do, so
// the lifecycle lexicons match "adiós", "mañana", etc.
var diacritics = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
	"Á", "a", "É", "e", "Í", "i", "Ó", "o", "Ú", "u", "Ü", "u", "Ñ", "n",
)

func containsAny(text string, terms []string) bool {
	normalized := diacritics.Replace(strings.ToLower(text))
	for _, term := range terms {
		if strings.Contains(normalized, term) {
			return true
		}
	}
	return false
}

// transferLexicon are explicit requests for a human agent.
var transferLexicon = []string{
	"hablar con una persona", "hablar con alguien", "agente humano",
	"asesor humano", "con un humano", "persona real", "un operador",
	"un representante", "atencion al cliente", "human agent", "real person",
	"speak to a human", "talk to a person",
}

// farewellLexicon marks messages that already read as a goodbye, so the
// close path does not stack a second farewell on top.
var farewellLexicon = []string{
	"hasta luego", "hasta pronto", "nos vemos", "adios", "que tengas",
	"un gusto", "gracias por tu tiempo", "aqui estare", "cuando gustes",
	"goodbye", "take care",
}

// timeRequestLexicon marks a user asking to decide later.
var timeRequestLexicon = []string{
	"dejame pensarlo", "lo pienso", "lo voy a pensar", "necesito pensarlo",
	"necesito tiempo", "dame unos dias", "mas adelante", "luego te digo",
	"te aviso", "la proxima semana", "en otro momento", "think about it",
	"need some time", "maybe later",
}

// wantsHumanTransfer reports whether the turn asks for a handoff: an
// explicit request, or sustained frustration flagged by the emotion read.
func wantsHumanTransfer(userText string, bundle *analyzer.Bundle) bool {
	if containsAny(userText, transferLexicon) {
		return true
	}
	return bundle.Emotion.Primary == analyzer.EmotionFrustration &&
		bundle.Emotion.Confidence >= 0.8 &&
		bundle.Emotion.Stability < 0.5
}

// isFarewell reports whether text already reads as a goodbye.
func isFarewell(text string) bool {
	return containsAny(text, farewellLexicon)
}

// asksForTime reports whether the user deferred the decision.
func asksForTime(text string) bool {
	return containsAny(text, timeRequestLexicon)
}

// advancePhase applies the funnel progression rules for one processed turn
// and returns the phase the conversation should move to, or the current
// phase when it stays put. Terminal close decisions are handled separately.
//
//	greeting            → exploration        first processed user turn
//	exploration         → presentation       tier confidence ≥ 0.5 or ≥ 2 needs
//	presentation        → objection_handling top objection ≥ 0.7
//	objection_handling  → presentation       objection set stopped growing
//	presentation        → closing            conversion high / very_high
//	objection_handling  → closing            conversion high / very_high
//	closing             → follow_up          user asks for time, no rejection
func advancePhase(state *store.ConversationState, bundle *analyzer.Bundle, userText string, newObjection bool) store.Phase {
	closingReady := bundle.Conversion.Category == analyzer.ConversionHigh ||
		bundle.Conversion.Category == analyzer.ConversionVeryHigh

	switch state.Phase {
	case store.PhaseGreeting:
		return store.PhaseExploration

	case store.PhaseExploration:
		if bundle.Tier.Confidence >= 0.5 || len(bundle.Needs.Needs) >= 2 {
			return store.PhasePresentation
		}

	case store.PhasePresentation:
		if closingReady {
			return store.PhaseClosing
		}
		if bundle.Objections.Top().Confidence >= 0.7 {
			return store.PhaseObjectionHandling
		}

	case store.PhaseObjectionHandling:
		if closingReady {
			return store.PhaseClosing
		}
		if !newObjection {
			return store.PhasePresentation
		}

	case store.PhaseClosing:
		if asksForTime(userText) && !bundle.Intent.HasRejection() {
			return store.PhaseFollowUp
		}
	}
	return state.Phase
}

// closeDecision is a terminal condition detected while evaluating a turn.
type closeDecision struct {
	reason string
	fired  bool
}

// evaluateClose applies the continuation rules after the assistant reply.
// intentSeen covers purchase intent from any earlier turn; checkIntent
// gates the intent-driven closes, leaving the lifecycle ones always on.
func evaluateClose(state *store.ConversationState, bundle *analyzer.Bundle, dec *decision.Decision, intentSeen, checkIntent bool, maxMessages int, elapsed time.Duration) closeDecision {
	if checkIntent {
		if bundle.Intent.HasPurchaseIntent() && dec.NextStepAgreed {
			return closeDecision{reason: ReasonIntentAchieved, fired: true}
		}
		if bundle.Intent.HasRejection() && bundle.Intent.Confidence >= 0.6 {
			return closeDecision{reason: ReasonRejection, fired: true}
		}
	}
	switch {
	case !intentSeen && elapsed > state.IntentTimeout():
		return closeDecision{reason: ReasonTimeout, fired: true}
	case maxMessages > 0 && len(state.Messages) >= maxMessages:
		return closeDecision{reason: ReasonMessageCap, fired: true}
	}
	return closeDecision{}
}
