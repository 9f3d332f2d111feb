// Package store persists conversation, experiment, outcome and prediction
// rows behind a driver-neutral contract, wrapping every driver in a resilient
// layer (classified retries, write-through cache, staged-write reconciler).
package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vocerohq/vocero/internal/profile"
)

// Table names used by all drivers.
const (
	TableConversations = "conversations"
	TableExperiments   = "experiments"
	TableOutcomes      = "outcomes"
	TablePredictions   = "predictions"
)

// tablePKs maps each table to its primary key column.
var tablePKs = map[string]string{
	TableConversations: "conversation_id",
	TableExperiments:   "experiment_id",
	TableOutcomes:      "conversation_id",
	TablePredictions:   "prediction_id",
}

// TablePrimaryKeys returns a copy of the table → primary key registry.
func TablePrimaryKeys() map[string]string {
	out := make(map[string]string, len(tablePKs))
	for k, v := range tablePKs {
		out[k] = v
	}
	return out
}

// Driver is the minimal row-store contract every backend implements. Filters
// are column equality conjunctions; rows are JSON-compatible column maps.
type Driver interface {
	Select(ctx context.Context, table string, filter Filter) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) error
	Update(ctx context.Context, table string, filter Filter, row Row) error
	Upsert(ctx context.Context, table string, pkColumn string, row Row) error
	Delete(ctx context.Context, table string, filter Filter) error
	Rpc(ctx context.Context, fn string, payload any) ([]byte, error)
	CheckConnection(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Store provides typed access to all persisted aggregates.
type Store struct {
	profile   *profile.Profile
	resilient *Resilient
}

// New creates a Store over driver and starts the staging reconciler.
func New(driver Driver, profile *profile.Profile, opts ...ResilientOption) *Store {
	s := &Store{
		profile:   profile,
		resilient: NewResilient(driver, tablePKs, opts...),
	}
	s.resilient.Start()
	return s
}

// Resilient exposes the wrapped client for health inspection.
func (s *Store) Resilient() *Resilient {
	return s.resilient
}

// Degraded reports whether writes are currently being staged locally.
func (s *Store) Degraded() bool {
	return s.resilient.Degraded()
}

// PendingWrites returns the staged-write queue depth.
func (s *Store) PendingWrites() int {
	return s.resilient.PendingWrites()
}

func (s *Store) CheckConnection(ctx context.Context) error {
	return s.resilient.CheckConnection(ctx)
}

// Rpc invokes a remote procedure on drivers that support one.
func (s *Store) Rpc(ctx context.Context, fn string, payload any) ([]byte, error) {
	return s.resilient.Rpc(ctx, fn, payload)
}

// Migrate creates or upgrades the backing schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.resilient.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.resilient.Close()
}

// CreateConversation persists a fresh conversation. Upsert semantics keep the
// call idempotent under client retries.
func (s *Store) CreateConversation(ctx context.Context, state *ConversationState) error {
	return s.resilient.Upsert(ctx, TableConversations, tablePKs[TableConversations], conversationRow(state))
}

// UpsertConversation persists the current conversation image.
func (s *Store) UpsertConversation(ctx context.Context, state *ConversationState) error {
	return s.resilient.Upsert(ctx, TableConversations, tablePKs[TableConversations], conversationRow(state))
}

// GetConversation loads one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*ConversationState, error) {
	rows, err := s.resilient.Select(ctx, TableConversations, Filter{"conversation_id": id.String()})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "conversation %s", id)
	}
	return conversationFromRow(rows[0])
}

// LatestConversationByCustomer returns the customer's most recent
// conversation by session start, or nil when the customer has none.
func (s *Store) LatestConversationByCustomer(ctx context.Context, customerID string) (*ConversationState, error) {
	rows, err := s.resilient.Select(ctx, TableConversations, Filter{"customer_id": customerID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	states := make([]*ConversationState, 0, len(rows))
	for _, row := range rows {
		state, err := conversationFromRow(row)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].SessionStart.After(states[j].SessionStart)
	})
	return states[0], nil
}

// ListConversationsByPhase returns all conversations currently in phase.
func (s *Store) ListConversationsByPhase(ctx context.Context, phase Phase) ([]*ConversationState, error) {
	rows, err := s.resilient.Select(ctx, TableConversations, Filter{"phase": string(phase)})
	if err != nil {
		return nil, err
	}
	states := make([]*ConversationState, 0, len(rows))
	for _, row := range rows {
		state, err := conversationFromRow(row)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// DeleteConversation removes a conversation row. Used by retention cleanup.
func (s *Store) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	return s.resilient.Delete(ctx, TableConversations, Filter{"conversation_id": id.String()})
}

// UpsertExperiment persists an experiment definition and bandit snapshot.
func (s *Store) UpsertExperiment(ctx context.Context, exp *Experiment) error {
	exp.UpdatedAt = time.Now().UTC()
	return s.resilient.Upsert(ctx, TableExperiments, tablePKs[TableExperiments], experimentRow(exp))
}

// GetExperiment loads one experiment by id.
func (s *Store) GetExperiment(ctx context.Context, id uuid.UUID) (*Experiment, error) {
	rows, err := s.resilient.Select(ctx, TableExperiments, Filter{"experiment_id": id.String()})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "experiment %s", id)
	}
	return experimentFromRow(rows[0])
}

// ListExperiments returns experiments, optionally filtered by status.
func (s *Store) ListExperiments(ctx context.Context, status ExperimentStatus) ([]*Experiment, error) {
	filter := Filter{}
	if status != "" {
		filter["status"] = string(status)
	}
	rows, err := s.resilient.Select(ctx, TableExperiments, filter)
	if err != nil {
		return nil, err
	}
	experiments := make([]*Experiment, 0, len(rows))
	for _, row := range rows {
		exp, err := experimentFromRow(row)
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, exp)
	}
	sort.Slice(experiments, func(i, j int) bool {
		return experiments[i].CreatedAt.Before(experiments[j].CreatedAt)
	})
	return experiments, nil
}

// UpsertOutcome records a conversation outcome. The conversation id is the
// primary key, so duplicate submissions collapse into one record.
func (s *Store) UpsertOutcome(ctx context.Context, rec *OutcomeRecord) error {
	return s.resilient.Upsert(ctx, TableOutcomes, tablePKs[TableOutcomes], outcomeRow(rec))
}

// GetOutcome loads the outcome for a conversation.
func (s *Store) GetOutcome(ctx context.Context, conversationID uuid.UUID) (*OutcomeRecord, error) {
	rows, err := s.resilient.Select(ctx, TableOutcomes, Filter{"conversation_id": conversationID.String()})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "outcome for conversation %s", conversationID)
	}
	return outcomeFromRow(rows[0])
}

// InsertPrediction stores a sampled prediction for later scoring.
func (s *Store) InsertPrediction(ctx context.Context, p *Prediction) error {
	return s.resilient.Insert(ctx, TablePredictions, predictionRow(p))
}

// ListPredictionsByConversation returns all sampled predictions for a
// conversation, oldest first.
func (s *Store) ListPredictionsByConversation(ctx context.Context, conversationID uuid.UUID) ([]*Prediction, error) {
	rows, err := s.resilient.Select(ctx, TablePredictions, Filter{"conversation_id": conversationID.String()})
	if err != nil {
		return nil, err
	}
	predictions := make([]*Prediction, 0, len(rows))
	for _, row := range rows {
		p, err := predictionFromRow(row)
		if err != nil {
			return nil, err
		}
		predictions = append(predictions, p)
	}
	sort.Slice(predictions, func(i, j int) bool {
		return predictions[i].CreatedAt.Before(predictions[j].CreatedAt)
	})
	return predictions, nil
}

// UpdatePrediction rewrites a scored prediction.
func (s *Store) UpdatePrediction(ctx context.Context, p *Prediction) error {
	return s.resilient.Upsert(ctx, TablePredictions, tablePKs[TablePredictions], predictionRow(p))
}
