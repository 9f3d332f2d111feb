package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ExperimentStatus is the experiment lifecycle stage.
type ExperimentStatus string

const (
	ExperimentPlanning  ExperimentStatus = "planning"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentPaused    ExperimentStatus = "paused"
	ExperimentCompleted ExperimentStatus = "completed"
)

// ExperimentType names what an experiment varies.
type ExperimentType string

const (
	ExperimentPrompt      ExperimentType = "prompt"
	ExperimentStrategy    ExperimentType = "strategy"
	ExperimentTierPricing ExperimentType = "tier_pricing"
)

// Metric is an optimizable experiment target.
type Metric string

const (
	MetricConversionRate    Metric = "conversion_rate"
	MetricEngagementScore   Metric = "engagement_score"
	MetricSatisfactionScore Metric = "satisfaction_score"
	MetricTimeToClose       Metric = "time_to_close"
)

func (m Metric) Valid() bool {
	switch m {
	case MetricConversionRate, MetricEngagementScore, MetricSatisfactionScore, MetricTimeToClose:
		return true
	}
	return false
}

// Variant is one experiment arm.
type Variant struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Weight  float64        `json:"weight"`
	Content map[string]any `json:"content,omitempty"`
}

// ArmStats is the persisted per-variant bandit state.
type ArmStats struct {
	Count       int     `json:"count"`
	TotalReward float64 `json:"total_reward"`
}

// Mean returns the average observed reward for the arm.
func (a ArmStats) Mean() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.TotalReward / float64(a.Count)
}

// BanditSnapshot persists bandit progress so a restart resumes where it left
// off instead of re-exploring from scratch.
type BanditSnapshot struct {
	TotalCount int                 `json:"total_count"`
	Arms       map[string]ArmStats `json:"arms,omitempty"`
}

// Experiment is a persisted A/B experiment definition plus its runtime
// snapshot.
type Experiment struct {
	ID              uuid.UUID        `json:"experiment_id"`
	Name            string           `json:"name"`
	Type            ExperimentType   `json:"type"`
	Hypothesis      string           `json:"hypothesis,omitempty"`
	Variants        []Variant        `json:"variants"`
	TargetMetric    Metric           `json:"target_metric"`
	MinSample       int              `json:"min_sample"`
	ConfidenceLevel float64          `json:"confidence_level"`
	MinDurationHrs  int              `json:"min_duration_hours"`
	AutoDeploy      bool             `json:"auto_deploy"`
	Targeting       string           `json:"targeting,omitempty"`
	Status          ExperimentStatus `json:"status"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	Winner          string           `json:"winner,omitempty"`
	WinConfidence   float64          `json:"win_confidence,omitempty"`
	Bandit          BanditSnapshot   `json:"bandit"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Validate checks an experiment definition before it is accepted.
func (e *Experiment) Validate() error {
	if e.Name == "" {
		return errors.New("experiment name is required")
	}
	if len(e.Variants) < 2 {
		return errors.New("experiment needs at least two variants")
	}
	seen := map[string]bool{}
	for _, v := range e.Variants {
		if v.ID == "" {
			return errors.New("variant id is required")
		}
		if seen[v.ID] {
			return errors.Errorf("duplicate variant id %q", v.ID)
		}
		seen[v.ID] = true
	}
	if !e.TargetMetric.Valid() {
		return errors.Errorf("unknown target metric %q", e.TargetMetric)
	}
	if e.MinSample <= 0 {
		return errors.New("min_sample must be positive")
	}
	if e.ConfidenceLevel <= 0.5 || e.ConfidenceLevel >= 1 {
		return errors.New("confidence_level must be within (0.5, 1)")
	}
	return nil
}

// VariantByID returns the variant with the given id.
func (e *Experiment) VariantByID(id string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// MinDuration returns the minimum runtime before the stop rule may fire.
func (e *Experiment) MinDuration() time.Duration {
	return time.Duration(e.MinDurationHrs) * time.Hour
}

func experimentRow(e *Experiment) Row {
	row := Row{
		"experiment_id":      e.ID.String(),
		"name":               e.Name,
		"type":               string(e.Type),
		"hypothesis":         e.Hypothesis,
		"variants":           jsonValue(e.Variants),
		"target_metric":      string(e.TargetMetric),
		"min_sample":         e.MinSample,
		"confidence_level":   e.ConfidenceLevel,
		"min_duration_hours": e.MinDurationHrs,
		"auto_deploy":        e.AutoDeploy,
		"targeting":          e.Targeting,
		"status":             string(e.Status),
		"winner":             e.Winner,
		"win_confidence":     e.WinConfidence,
		"bandit":             jsonValue(e.Bandit),
		"created_at":         encodeTime(e.CreatedAt),
		"updated_at":         encodeTime(e.UpdatedAt),
	}
	if e.StartedAt != nil {
		row["started_at"] = encodeTime(*e.StartedAt)
	}
	if e.EndedAt != nil {
		row["ended_at"] = encodeTime(*e.EndedAt)
	}
	return row
}

func experimentFromRow(row Row) (*Experiment, error) {
	id, err := uuid.Parse(rowString(row, "experiment_id"))
	if err != nil {
		return nil, errors.Wrap(err, "parse experiment_id")
	}
	e := &Experiment{
		ID:              id,
		Name:            rowString(row, "name"),
		Type:            ExperimentType(rowString(row, "type")),
		Hypothesis:      rowString(row, "hypothesis"),
		TargetMetric:    Metric(rowString(row, "target_metric")),
		MinSample:       rowInt(row, "min_sample"),
		ConfidenceLevel: rowFloat(row, "confidence_level"),
		MinDurationHrs:  rowInt(row, "min_duration_hours"),
		AutoDeploy:      rowBool(row, "auto_deploy"),
		Targeting:       rowString(row, "targeting"),
		Status:          ExperimentStatus(rowString(row, "status")),
		Winner:          rowString(row, "winner"),
		WinConfidence:   rowFloat(row, "win_confidence"),
	}
	if e.CreatedAt, err = rowTime(row, "created_at"); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = rowTime(row, "updated_at"); err != nil {
		return nil, err
	}
	if v, ok := row["started_at"]; ok && v != nil && v != "" {
		t, err := decodeTime(v)
		if err != nil {
			return nil, err
		}
		e.StartedAt = &t
	}
	if v, ok := row["ended_at"]; ok && v != nil && v != "" {
		t, err := decodeTime(v)
		if err != nil {
			return nil, err
		}
		e.EndedAt = &t
	}
	if err := rowJSON(row, "variants", &e.Variants); err != nil {
		return nil, err
	}
	if err := rowJSON(row, "bandit", &e.Bandit); err != nil {
		return nil, err
	}
	if e.Bandit.Arms == nil {
		e.Bandit.Arms = map[string]ArmStats{}
	}
	return e, nil
}
