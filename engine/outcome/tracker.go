// Package outcome tracks per-conversation engagement while a conversation
// runs and records its terminal outcome exactly once. Outcome records fan
// out to subscribed listeners (experiment rewards, learning aggregates)
// with per-listener timeouts, and sampled predictions are scored against
// the real outcome.
package outcome

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vocerohq/vocero/store"
)

// Interesting conversation events the tracker folds into engagement.
const (
	EventPurchaseSignal  = "purchase_signal"
	EventTierAccepted    = "tier_accepted"
	EventObjectionRaised = "objection_raised"
	EventRejectionSignal = "rejection_signal"
	EventProgramSwitch   = "program_switch"
	EventHumanTransfer   = "human_transfer"
)

// maxTrackedEvents bounds the per-session event ring.
const maxTrackedEvents = 10

// maxResponseSample discards reply latencies that clearly span an absence
// rather than a turn.
const maxResponseSample = time.Hour

// Listener receives every recorded outcome. Implementations must respect
// the context deadline; failures are logged, never propagated to the turn.
type Listener func(ctx context.Context, rec *store.OutcomeRecord) error

// session is the in-memory engagement state of one live conversation.
type session struct {
	customerID        string
	program           store.ProgramType
	startedAt         time.Time
	userMessages      int
	assistantMessages int
	userWords         int
	lastAssistantAt   time.Time
	responseTotal     time.Duration
	responseSamples   int
	positiveEvents    int
	negativeEvents    int
	events            []string
	satisfaction      *float64
}

// Request carries everything the orchestrator knows at a terminal
// transition.
type Request struct {
	ConversationID        uuid.UUID
	CustomerID            string
	Program               store.ProgramType
	Outcome               store.Outcome
	EndReason             string
	TierRecommended       store.Tier
	TierAccepted          *store.Tier
	Satisfaction          *float64
	ObjectionsRaised      []string
	ExperimentAssignments []string
	Context               map[string]any
}

// Tracker owns live sessions and the at-most-once outcome records.
type Tracker struct {
	st              *store.Store
	listenerTimeout time.Duration

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
	recorded map[uuid.UUID]*store.OutcomeRecord

	listenersMu sync.RWMutex
	listeners   []Listener
}

// Option configures the tracker.
type Option func(*Tracker)

// WithListenerTimeout bounds how long each listener may take per outcome.
func WithListenerTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.listenerTimeout = d }
}

// NewTracker creates an outcome tracker backed by the store.
func NewTracker(st *store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		st:              st,
		listenerTimeout: 5 * time.Second,
		sessions:        map[uuid.UUID]*session{},
		recorded:        map[uuid.UUID]*store.OutcomeRecord{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe registers a listener for recorded outcomes.
func (t *Tracker) Subscribe(l Listener) {
	t.listenersMu.Lock()
	t.listeners = append(t.listeners, l)
	t.listenersMu.Unlock()
}

// StartTracking opens a session for a new conversation.
func (t *Tracker) StartTracking(conversationID uuid.UUID, customerID string, program store.ProgramType, startedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[conversationID]; ok {
		return
	}
	t.sessions[conversationID] = &session{
		customerID: customerID,
		program:    program,
		startedAt:  startedAt,
	}
}

// TrackFromState rebuilds a session from persisted conversation state, for
// conversations that outlived a process restart. Response-time samples are
// gone; message counts and duration survive.
func (t *Tracker) TrackFromState(state *store.ConversationState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[state.ID]; ok {
		return
	}
	s := &session{
		customerID: state.Customer.ID,
		program:    state.ProgramType,
		startedAt:  state.SessionStart,
	}
	for _, msg := range state.Messages {
		switch msg.Role {
		case store.RoleUser:
			s.userMessages++
			s.userWords += len(strings.Fields(msg.Content))
		case store.RoleAssistant:
			s.assistantMessages++
		}
	}
	s.negativeEvents = len(state.Objections)
	t.sessions[state.ID] = s
}

// RecordUserMessage folds an inbound message into the session.
func (t *Tracker) RecordUserMessage(conversationID uuid.UUID, text string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[conversationID]
	if !ok {
		return
	}
	s.userMessages++
	s.userWords += len(strings.Fields(text))
	if !s.lastAssistantAt.IsZero() {
		if sample := at.Sub(s.lastAssistantAt); sample > 0 && sample < maxResponseSample {
			s.responseTotal += sample
			s.responseSamples++
		}
	}
}

// RecordAssistantMessage folds an outbound message into the session.
func (t *Tracker) RecordAssistantMessage(conversationID uuid.UUID, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[conversationID]
	if !ok {
		return
	}
	s.assistantMessages++
	s.lastAssistantAt = at
}

// RecordEvent notes an interesting event for the session.
func (t *Tracker) RecordEvent(conversationID uuid.UUID, event string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[conversationID]
	if !ok {
		return
	}
	switch event {
	case EventPurchaseSignal, EventTierAccepted:
		s.positiveEvents++
	case EventObjectionRaised, EventRejectionSignal:
		s.negativeEvents++
	}
	s.events = append(s.events, event)
	if len(s.events) > maxTrackedEvents {
		s.events = s.events[len(s.events)-maxTrackedEvents:]
	}
}

// RecordSatisfaction notes an explicit satisfaction signal on a 0-10 scale.
func (t *Tracker) RecordSatisfaction(conversationID uuid.UUID, score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[conversationID]; ok {
		s.satisfaction = &score
	}
}

// EngagementScore computes the current engagement on a 0-10 scale.
func (t *Tracker) EngagementScore(conversationID uuid.UUID) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[conversationID]
	if !ok {
		return 0
	}
	return engagement(s)
}

// Metrics snapshots the session counters at a point in time.
func (t *Tracker) Metrics(conversationID uuid.UUID, now time.Time) store.OutcomeMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[conversationID]
	if !ok {
		return store.OutcomeMetrics{}
	}
	return metricsOf(s, now)
}

// Tracking reports whether a live session exists.
func (t *Tracker) Tracking(conversationID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[conversationID]
	return ok
}

// OpenSessions counts the live sessions currently tracked.
func (t *Tracker) OpenSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// PruneRecorded drops at-most-once ledger entries recorded before the given
// time. Persisted rows are untouched; a duplicate arriving after the window
// upserts the same row again, which is harmless.
func (t *Tracker) PruneRecorded(before time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	pruned := 0
	for id, rec := range t.recorded {
		if rec.CreatedAt.Before(before) {
			delete(t.recorded, id)
			pruned++
		}
	}
	return pruned
}

func metricsOf(s *session, now time.Time) store.OutcomeMetrics {
	m := store.OutcomeMetrics{
		EngagementScore:   engagement(s),
		UserMessages:      s.userMessages,
		AssistantMessages: s.assistantMessages,
	}
	if !s.startedAt.IsZero() {
		m.DurationSeconds = now.Sub(s.startedAt).Seconds()
	}
	if s.responseSamples > 0 {
		m.AvgResponseTimeMs = float64(s.responseTotal.Milliseconds()) / float64(s.responseSamples)
	}
	return m
}

// engagement scores participation, depth, responsiveness and event valence
// into [0,10], starting from a neutral 5.
func engagement(s *session) float64 {
	score := 5.0

	if s.userMessages > 1 {
		bonus := 0.4 * float64(s.userMessages-1)
		if bonus > 2.0 {
			bonus = 2.0
		}
		score += bonus
	}

	if s.userMessages > 0 {
		switch avgWords := float64(s.userWords) / float64(s.userMessages); {
		case avgWords >= 12:
			score += 0.8
		case avgWords >= 6:
			score += 0.4
		}
	}

	if s.responseSamples > 0 {
		switch avg := s.responseTotal / time.Duration(s.responseSamples); {
		case avg <= 30*time.Second:
			score += 1.0
		case avg <= 120*time.Second:
			score += 0.5
		case avg > 300*time.Second:
			score -= 1.0
		}
	}

	score += 0.8*float64(s.positiveEvents) - 0.5*float64(s.negativeEvents)

	if s.satisfaction != nil && *s.satisfaction >= 8 {
		score += 0.5
	}

	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}

// RecordOutcome writes the terminal record for a conversation. The first
// call wins; repeats return the original record without renotifying.
// Listeners run concurrently with panic recovery after the record is
// persisted.
func (t *Tracker) RecordOutcome(ctx context.Context, req Request) (*store.OutcomeRecord, error) {
	now := time.Now().UTC()

	t.mu.Lock()
	if rec, ok := t.recorded[req.ConversationID]; ok {
		t.mu.Unlock()
		slog.Debug("outcome: duplicate record ignored", "conversation", req.ConversationID, "outcome", req.Outcome)
		return rec, nil
	}

	rec := &store.OutcomeRecord{
		ConversationID:        req.ConversationID,
		CustomerID:            req.CustomerID,
		ProgramType:           req.Program,
		Outcome:               req.Outcome,
		EndReason:             req.EndReason,
		TierRecommended:       req.TierRecommended,
		TierAccepted:          req.TierAccepted,
		Satisfaction:          req.Satisfaction,
		ExperimentAssignments: req.ExperimentAssignments,
		Context:               req.Context,
		CreatedAt:             now,
	}
	if s, ok := t.sessions[req.ConversationID]; ok {
		rec.Metrics = metricsOf(s, now)
		if rec.Satisfaction == nil {
			rec.Satisfaction = s.satisfaction
		}
		delete(t.sessions, req.ConversationID)
	}
	t.recorded[req.ConversationID] = rec
	t.mu.Unlock()

	err := t.st.UpsertOutcome(ctx, rec)
	if err != nil {
		slog.Error("outcome: failed to persist record",
			"conversation", req.ConversationID, "outcome", req.Outcome, "error", err)
	}

	slog.Info("outcome: recorded",
		"conversation", req.ConversationID,
		"outcome", req.Outcome,
		"reason", req.EndReason,
		"engagement", rec.Metrics.EngagementScore,
		"duration_s", rec.Metrics.DurationSeconds)

	t.notify(ctx, rec)
	t.resolvePredictions(ctx, rec, req.ObjectionsRaised)
	return rec, err
}

// notify fans the record out to every listener, each on its own goroutine
// with its own timeout. A panicking listener never takes down the turn.
func (t *Tracker) notify(ctx context.Context, rec *store.OutcomeRecord) {
	t.listenersMu.RLock()
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.listenersMu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	var wg sync.WaitGroup
	for i, l := range listeners {
		wg.Add(1)
		go func(index int, listener Listener) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("outcome: listener panic",
						"conversation", rec.ConversationID,
						"listener_index", index,
						"panic", r)
				}
			}()
			listenerCtx, cancel := context.WithTimeout(ctx, t.listenerTimeout)
			defer cancel()
			if err := listener(listenerCtx, rec); err != nil {
				slog.Warn("outcome: listener failed",
					"conversation", rec.ConversationID,
					"listener_index", index,
					"error", err)
			}
		}(i, l)
	}
	wg.Wait()
}
