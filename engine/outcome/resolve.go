package outcome

import (
	"context"
	"log/slog"

	"github.com/vocerohq/vocero/engine/analyzer"
	"github.com/vocerohq/vocero/store"
)

// resolvePredictions scores every sampled prediction of the conversation
// against the real outcome. Conversion predictions are correct when a
// high/very_high category met a conversion (or neither). Tier predictions
// resolve only when the customer accepted a tier. Objection predictions are
// correct when the predicted type was actually raised.
func (t *Tracker) resolvePredictions(ctx context.Context, rec *store.OutcomeRecord, objectionsRaised []string) {
	preds, err := t.st.ListPredictionsByConversation(ctx, rec.ConversationID)
	if err != nil {
		slog.Warn("outcome: failed to list predictions",
			"conversation", rec.ConversationID, "error", err)
		return
	}

	resolved := 0
	for _, p := range preds {
		if p.ActualOutcome != "" {
			continue
		}
		scorePrediction(p, rec, objectionsRaised)
		if err := t.st.UpdatePrediction(ctx, p); err != nil {
			slog.Warn("outcome: failed to update prediction",
				"conversation", rec.ConversationID, "prediction", p.ID, "error", err)
			continue
		}
		resolved++
	}
	if resolved > 0 {
		slog.Debug("outcome: predictions resolved",
			"conversation", rec.ConversationID, "count", resolved)
	}
}

func scorePrediction(p *store.Prediction, rec *store.OutcomeRecord, objectionsRaised []string) {
	p.ActualOutcome = string(rec.Outcome)

	switch p.Kind {
	case store.PredictionConversion:
		category, _ := p.Data["category"].(string)
		predictedHit := category == analyzer.ConversionHigh || category == analyzer.ConversionVeryHigh
		actualHit := rec.Outcome == store.OutcomeConverted
		correct := predictedHit == actualHit
		p.WasCorrect = &correct

	case store.PredictionTier:
		// Without an accepted tier there is nothing to score against; the
		// actual outcome is still stamped so the prediction counts as seen.
		if rec.TierAccepted == nil {
			return
		}
		tier, _ := p.Data["tier"].(string)
		correct := tier == string(*rec.TierAccepted)
		p.ActualOutcome = string(*rec.TierAccepted)
		p.WasCorrect = &correct

	case store.PredictionObjection:
		predicted, _ := p.Data["type"].(string)
		correct := false
		for _, raised := range objectionsRaised {
			if raised == predicted {
				correct = true
				break
			}
		}
		p.WasCorrect = &correct
	}
}
