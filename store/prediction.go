package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
)

// Prediction kinds sampled for offline model evaluation.
const (
	PredictionConversion = "conversion"
	PredictionTier       = "tier"
	PredictionObjection  = "objection"
)

// Prediction is a sampled analyzer output stored for later scoring against
// the real outcome.
type Prediction struct {
	ID             string         `json:"prediction_id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	ModelName      string         `json:"model_name"`
	Kind           string         `json:"kind"`
	Data           map[string]any `json:"data,omitempty"`
	Confidence     float64        `json:"confidence"`
	ActualOutcome  string         `json:"actual_outcome,omitempty"`
	WasCorrect     *bool          `json:"was_correct,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewPrediction builds a prediction with a fresh short id.
func NewPrediction(conversationID uuid.UUID, modelName, kind string, data map[string]any, confidence float64, now time.Time) *Prediction {
	return &Prediction{
		ID:             shortuuid.New(),
		ConversationID: conversationID,
		ModelName:      modelName,
		Kind:           kind,
		Data:           data,
		Confidence:     confidence,
		CreatedAt:      now,
	}
}

func predictionRow(p *Prediction) Row {
	row := Row{
		"prediction_id":   p.ID,
		"conversation_id": p.ConversationID.String(),
		"model_name":      p.ModelName,
		"kind":            p.Kind,
		"data":            jsonValue(p.Data),
		"confidence":      p.Confidence,
		"actual_outcome":  p.ActualOutcome,
		"created_at":      encodeTime(p.CreatedAt),
	}
	if p.WasCorrect != nil {
		row["was_correct"] = *p.WasCorrect
	}
	return row
}

func predictionFromRow(row Row) (*Prediction, error) {
	convID, err := uuid.Parse(rowString(row, "conversation_id"))
	if err != nil {
		return nil, errors.Wrap(err, "parse conversation_id")
	}
	p := &Prediction{
		ID:             rowString(row, "prediction_id"),
		ConversationID: convID,
		ModelName:      rowString(row, "model_name"),
		Kind:           rowString(row, "kind"),
		Confidence:     rowFloat(row, "confidence"),
		ActualOutcome:  rowString(row, "actual_outcome"),
	}
	if p.CreatedAt, err = rowTime(row, "created_at"); err != nil {
		return nil, err
	}
	if v, ok := row["was_correct"]; ok && v != nil {
		b := rowBool(row, "was_correct")
		p.WasCorrect = &b
	}
	if err := rowJSON(row, "data", &p.Data); err != nil {
		return nil, err
	}
	return p, nil
}
