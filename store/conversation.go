package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
)

// ProgramType identifies the wellness program a conversation sells.
type ProgramType string

const (
	ProgramPrime     ProgramType = "PRIME"
	ProgramLongevity ProgramType = "LONGEVITY"
	ProgramHybrid    ProgramType = "HYBRID"
)

func (p ProgramType) Valid() bool {
	switch p {
	case ProgramPrime, ProgramLongevity, ProgramHybrid:
		return true
	}
	return false
}

// Phase is a conversation lifecycle stage.
type Phase string

const (
	PhaseGreeting          Phase = "greeting"
	PhaseExploration       Phase = "exploration"
	PhasePresentation      Phase = "presentation"
	PhaseObjectionHandling Phase = "objection_handling"
	PhaseClosing           Phase = "closing"
	PhaseFollowUp          Phase = "follow_up"
	PhaseCompleted         Phase = "completed"
	PhaseEnded             Phase = "ended"
	PhaseHumanTransfer     Phase = "human_transfer"
)

// phaseTransitions is the allowed phase graph. Terminal phases have no
// outgoing edges.
var phaseTransitions = map[Phase][]Phase{
	PhaseGreeting:          {PhaseExploration, PhaseHumanTransfer, PhaseEnded},
	PhaseExploration:       {PhasePresentation, PhaseHumanTransfer, PhaseEnded},
	PhasePresentation:      {PhaseObjectionHandling, PhaseClosing, PhaseHumanTransfer, PhaseEnded},
	PhaseObjectionHandling: {PhasePresentation, PhaseClosing, PhaseHumanTransfer, PhaseEnded},
	PhaseClosing:           {PhaseCompleted, PhaseFollowUp, PhaseHumanTransfer, PhaseEnded},
	PhaseFollowUp:          {PhaseHumanTransfer, PhaseEnded},
}

// CanTransition reports whether from → to is an allowed phase edge.
func CanTransition(from, to Phase) bool {
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the phase accepts no further turns.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseEnded || p == PhaseHumanTransfer
}

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Tier is a recommendable program tier.
type Tier string

const (
	TierEssential        Tier = "essential"
	TierPro              Tier = "pro"
	TierElite            Tier = "elite"
	TierPrimePremium     Tier = "prime_premium"
	TierLongevityPremium Tier = "longevity_premium"
)

// Outcome is the terminal disposition of a conversation.
type Outcome string

const (
	OutcomeConverted      Outcome = "converted"
	OutcomeLost           Outcome = "lost"
	OutcomeTransferred    Outcome = "transferred"
	OutcomeTimedOut       Outcome = "timed_out"
	OutcomeEndedNaturally Outcome = "ended_naturally"
)

// Message is a single conversation turn entry.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// CustomerData identifies the person being sold to.
type CustomerData struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Email      string            `json:"email,omitempty"`
	Age        int               `json:"age"`
	Interests  []string          `json:"interests,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Validate checks the minimum customer payload for opening a conversation.
func (c CustomerData) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("customer id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("customer name is required")
	}
	// Zero age means unknown; chat channels cannot collect it.
	if c.Age != 0 && (c.Age < 18 || c.Age > 120) {
		return errors.Errorf("customer age %d out of range", c.Age)
	}
	if c.Email != "" && !strings.Contains(c.Email, "@") {
		return errors.Errorf("customer email %q is malformed", c.Email)
	}
	return nil
}

// PlatformConfig is the per-session channel configuration captured at session
// start. It never changes afterwards.
type PlatformConfig struct {
	Source         string `json:"source"`
	Mode           string `json:"mode"`
	EnableVoice    bool   `json:"enable_voice"`
	EnableTransfer bool   `json:"enable_transfer"`
}

// ProgramSwitch records a mid-conversation program change.
type ProgramSwitch struct {
	From       ProgramType `json:"from"`
	To         ProgramType `json:"to"`
	Confidence float64     `json:"confidence"`
	Reason     string      `json:"reason,omitempty"`
	At         time.Time   `json:"at"`
}

// TierStep records one step of the tier recommendation history.
type TierStep struct {
	Tier       Tier      `json:"tier"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// ConversationState is the full per-conversation aggregate. It is persisted
// as a single row and mutated only while the caller holds the conversation
// lock.
type ConversationState struct {
	ID                    uuid.UUID       `json:"conversation_id"`
	CustomerID            string          `json:"customer_id"`
	Customer              CustomerData    `json:"customer"`
	ProgramType           ProgramType     `json:"program_type"`
	Phase                 Phase           `json:"phase"`
	Messages              []Message       `json:"messages"`
	SessionStart          time.Time       `json:"session_start"`
	MaxDurationSec        int             `json:"max_duration_sec"`
	IntentTimeoutSec      int             `json:"intent_timeout_sec"`
	Platform              PlatformConfig  `json:"platform"`
	Insights              map[string]any  `json:"insights,omitempty"`
	Objections            []string        `json:"objections,omitempty"`
	ProgramSwitches       []ProgramSwitch `json:"program_switches,omitempty"`
	TierProgression       []TierStep      `json:"tier_progression,omitempty"`
	ExperimentAssignments []string        `json:"experiment_assignments,omitempty"`
	EndReason             string          `json:"end_reason,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// NewConversation opens a conversation in the greeting phase.
func NewConversation(customer CustomerData, program ProgramType, platform PlatformConfig, maxDuration, intentTimeout time.Duration, now time.Time) *ConversationState {
	if intentTimeout <= 0 || intentTimeout > maxDuration {
		intentTimeout = maxDuration
	}
	return &ConversationState{
		ID:               uuid.New(),
		CustomerID:       customer.ID,
		Customer:         customer,
		ProgramType:      program,
		Phase:            PhaseGreeting,
		SessionStart:     now,
		MaxDurationSec:   int(maxDuration / time.Second),
		IntentTimeoutSec: int(intentTimeout / time.Second),
		Platform:         platform,
		Insights:         map[string]any{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// MaxDuration returns the hard session limit.
func (s *ConversationState) MaxDuration() time.Duration {
	return time.Duration(s.MaxDurationSec) * time.Second
}

// IntentTimeout returns the window within which some purchase intent must
// appear before the session is closed as timed out.
func (s *ConversationState) IntentTimeout() time.Duration {
	return time.Duration(s.IntentTimeoutSec) * time.Second
}

// Elapsed returns how long the session has been running at now.
func (s *ConversationState) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.SessionStart)
}

// Terminal reports whether the conversation accepts no further turns.
func (s *ConversationState) Terminal() bool {
	return s.Phase.Terminal()
}

// AppendMessage adds a turn entry, enforcing the message discipline: no
// appends after completed/ended, system entries only open a conversation, no
// two consecutive user entries, timestamps never decrease.
func (s *ConversationState) AppendMessage(role Role, content string, at time.Time) (*Message, error) {
	if s.Phase == PhaseCompleted || s.Phase == PhaseEnded {
		return nil, errors.Errorf("conversation %s is %s and accepts no messages", s.ID, s.Phase)
	}
	if role == RoleSystem && len(s.Messages) > 0 {
		return nil, errors.New("system message allowed only as the opening entry")
	}
	if last := s.LastMessage(); last != nil {
		if role == RoleUser && last.Role == RoleUser {
			return nil, errors.New("consecutive user messages are not allowed")
		}
		if at.Before(last.Timestamp) {
			at = last.Timestamp
		}
	}
	msg := Message{
		ID:        shortuuid.New(),
		Role:      role,
		Content:   content,
		Timestamp: at,
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = at
	return &s.Messages[len(s.Messages)-1], nil
}

// Transition moves the conversation to the next phase, validating the edge.
func (s *ConversationState) Transition(to Phase, at time.Time) error {
	if s.Phase == to {
		return nil
	}
	if !CanTransition(s.Phase, to) {
		return errors.Errorf("illegal phase transition %s → %s", s.Phase, to)
	}
	s.Phase = to
	s.UpdatedAt = at
	return nil
}

// LastMessage returns the most recent entry, or nil.
func (s *ConversationState) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// LastAssistantMessage returns the most recent assistant entry, or nil.
func (s *ConversationState) LastAssistantMessage() *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return &s.Messages[i]
		}
	}
	return nil
}

// RecentMessages returns up to n most recent entries, oldest first.
func (s *ConversationState) RecentMessages(n int) []Message {
	if n <= 0 || len(s.Messages) == 0 {
		return nil
	}
	start := len(s.Messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(s.Messages)-start)
	copy(out, s.Messages[start:])
	return out
}

// UserUtterances returns up to n most recent user entries, oldest first.
func (s *ConversationState) UserUtterances(n int) []string {
	var out []string
	for i := len(s.Messages) - 1; i >= 0 && len(out) < n; i-- {
		if s.Messages[i].Role == RoleUser {
			out = append(out, s.Messages[i].Content)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// UserMessageCount returns how many user entries exist.
func (s *ConversationState) UserMessageCount() int {
	count := 0
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			count++
		}
	}
	return count
}

// AddObjection records an objection type once; returns true when newly added.
func (s *ConversationState) AddObjection(objType string) bool {
	for _, existing := range s.Objections {
		if existing == objType {
			return false
		}
	}
	s.Objections = append(s.Objections, objType)
	return true
}

// RecordProgramSwitch switches the active program and appends to the switch
// history.
func (s *ConversationState) RecordProgramSwitch(to ProgramType, confidence float64, reason string, at time.Time) {
	s.ProgramSwitches = append(s.ProgramSwitches, ProgramSwitch{
		From:       s.ProgramType,
		To:         to,
		Confidence: confidence,
		Reason:     reason,
		At:         at,
	})
	s.ProgramType = to
	s.UpdatedAt = at
}

// RecordTierStep appends to the tier recommendation history when the
// recommendation moved.
func (s *ConversationState) RecordTierStep(tier Tier, confidence float64, at time.Time) bool {
	if n := len(s.TierProgression); n > 0 && s.TierProgression[n-1].Tier == tier {
		return false
	}
	s.TierProgression = append(s.TierProgression, TierStep{Tier: tier, Confidence: confidence, At: at})
	return true
}

// SetInsight stores an analyzer insight under key.
func (s *ConversationState) SetInsight(key string, value any) {
	if s.Insights == nil {
		s.Insights = map[string]any{}
	}
	s.Insights[key] = value
}

// Insight returns the stored insight for key.
func (s *ConversationState) Insight(key string) (any, bool) {
	v, ok := s.Insights[key]
	return v, ok
}

// InsightBool returns a boolean insight, false when absent or mistyped.
func (s *ConversationState) InsightBool(key string) bool {
	if v, ok := s.Insights[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// AssignExperiment records an experiment assignment id once.
func (s *ConversationState) AssignExperiment(id string) {
	for _, existing := range s.ExperimentAssignments {
		if existing == id {
			return
		}
	}
	s.ExperimentAssignments = append(s.ExperimentAssignments, id)
}

func conversationRow(s *ConversationState) Row {
	return Row{
		"conversation_id":        s.ID.String(),
		"customer_id":            s.CustomerID,
		"customer":               jsonValue(s.Customer),
		"program_type":           string(s.ProgramType),
		"phase":                  string(s.Phase),
		"messages":               jsonValue(s.Messages),
		"session_start":          encodeTime(s.SessionStart),
		"max_duration_sec":       s.MaxDurationSec,
		"intent_timeout_sec":     s.IntentTimeoutSec,
		"platform":               jsonValue(s.Platform),
		"insights":               jsonValue(s.Insights),
		"objections":             jsonValue(s.Objections),
		"program_switches":       jsonValue(s.ProgramSwitches),
		"tier_progression":       jsonValue(s.TierProgression),
		"experiment_assignments": jsonValue(s.ExperimentAssignments),
		"end_reason":             s.EndReason,
		"created_at":             encodeTime(s.CreatedAt),
		"updated_at":             encodeTime(s.UpdatedAt),
	}
}

func conversationFromRow(row Row) (*ConversationState, error) {
	id, err := uuid.Parse(rowString(row, "conversation_id"))
	if err != nil {
		return nil, errors.Wrap(err, "parse conversation_id")
	}
	s := &ConversationState{
		ID:               id,
		CustomerID:       rowString(row, "customer_id"),
		ProgramType:      ProgramType(rowString(row, "program_type")),
		Phase:            Phase(rowString(row, "phase")),
		MaxDurationSec:   rowInt(row, "max_duration_sec"),
		IntentTimeoutSec: rowInt(row, "intent_timeout_sec"),
		EndReason:        rowString(row, "end_reason"),
	}
	if s.SessionStart, err = rowTime(row, "session_start"); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = rowTime(row, "created_at"); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = rowTime(row, "updated_at"); err != nil {
		return nil, err
	}
	if err := rowJSON(row, "customer", &s.Customer); err != nil {
		return nil, err
	}
	if err := rowJSON(row, "messages", &s.Messages); err != nil {
		return nil, err
	}
	if err := rowJSON(row, "platform", &s.Platform); err != nil {
		return nil, err
	}
	if err := rowJSON(row, "insights", &s.Insights); err != nil {
		return nil, err
	}
	if err := rowJSON(row, "objections", &s.Objections); err != nil {
		return nil, err
	}
	if err := rowJSON(row, "program_switches", &s.ProgramSwitches); err != nil {
		return nil, err
	}
	if err := rowJSON(row, "tier_progression", &s.TierProgression); err != nil {
		return nil, err
	}
	if err := rowJSON(row, "experiment_assignments", &s.ExperimentAssignments); err != nil {
		return nil, err
	}
	if s.Insights == nil {
		s.Insights = map[string]any{}
	}
	return s, nil
}
