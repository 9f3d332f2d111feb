package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// OutcomeMetrics aggregates per-conversation engagement measurements.
type OutcomeMetrics struct {
	EngagementScore   float64 `json:"engagement_score"`
	DurationSeconds   float64 `json:"duration_seconds"`
	UserMessages      int     `json:"user_messages"`
	AssistantMessages int     `json:"assistant_messages"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

// OutcomeRecord is the terminal record of a conversation, written exactly
// once per conversation (keyed by conversation id, upserts keep it
// idempotent).
type OutcomeRecord struct {
	ConversationID        uuid.UUID      `json:"conversation_id"`
	CustomerID            string         `json:"customer_id"`
	ProgramType           ProgramType    `json:"program_type"`
	Outcome               Outcome        `json:"outcome"`
	EndReason             string         `json:"end_reason,omitempty"`
	TierRecommended       Tier           `json:"tier_recommended,omitempty"`
	TierAccepted          *Tier          `json:"tier_accepted,omitempty"`
	Satisfaction          *float64       `json:"satisfaction,omitempty"`
	Metrics               OutcomeMetrics `json:"metrics"`
	ExperimentAssignments []string       `json:"experiment_assignments,omitempty"`
	Context               map[string]any `json:"context,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
}

func outcomeRow(o *OutcomeRecord) Row {
	row := Row{
		"conversation_id":        o.ConversationID.String(),
		"customer_id":            o.CustomerID,
		"program_type":           string(o.ProgramType),
		"outcome":                string(o.Outcome),
		"end_reason":             o.EndReason,
		"tier_recommended":       string(o.TierRecommended),
		"metrics":                jsonValue(o.Metrics),
		"experiment_assignments": jsonValue(o.ExperimentAssignments),
		"context":                jsonValue(o.Context),
		"created_at":             encodeTime(o.CreatedAt),
	}
	if o.TierAccepted != nil {
		row["tier_accepted"] = string(*o.TierAccepted)
	}
	if o.Satisfaction != nil {
		row["satisfaction"] = *o.Satisfaction
	}
	return row
}

func outcomeFromRow(row Row) (*OutcomeRecord, error) {
	id, err := uuid.Parse(rowString(row, "conversation_id"))
	if err != nil {
		return nil, errors.Wrap(err, "parse conversation_id")
	}
	o := &OutcomeRecord{
		ConversationID:  id,
		CustomerID:      rowString(row, "customer_id"),
		ProgramType:     ProgramType(rowString(row, "program_type")),
		Outcome:         Outcome(rowString(row, "outcome")),
		EndReason:       rowString(row, "end_reason"),
		TierRecommended: Tier(rowString(row, "tier_recommended")),
	}
	if o.CreatedAt, err = rowTime(row, "created_at"); err != nil {
		return nil, err
	}
	if v := rowString(row, "tier_accepted"); v != "" {
		tier := Tier(v)
		o.TierAccepted = &tier
	}
	if v, ok := row["satisfaction"]; ok && v != nil {
		f := rowFloat(row, "satisfaction")
		o.Satisfaction = &f
	}
	if err := rowJSON(row, "metrics", &o.Metrics); err != nil {
		return nil, err
	}
	if err := rowJSON(row, "experiment_assignments", &o.ExperimentAssignments); err != nil {
		return nil, err
	}
	if err := rowJSON(row, "context", &o.Context); err != nil {
		return nil, err
	}
	return o, nil
}
