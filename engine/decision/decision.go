// Package decision turns a turn's analyzer bundle into a ranked list of
// next actions. It builds a small scored tree (objection, need, conversion
// and exploration branches under a root), aggregates branch scores against
// the objective weights, and returns the top actions. Feedback adapts the
// weights between turns.
package decision

import (
	"log/slog"
	"sync"

	"github.com/vocerohq/vocero/engine/analyzer"
)

// NodeType classifies a node in the decision tree.
type NodeType string

const (
	NodeRoot        NodeType = "root"
	NodeObjection   NodeType = "objection"
	NodeNeed        NodeType = "need"
	NodeConversion  NodeType = "conversion"
	NodeExploration NodeType = "exploration"
	NodeAction      NodeType = "action"
)

// Node is one node of the per-turn decision tree. The tree is rebuilt every
// turn and returned for observability; it is never persisted.
type Node struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	Label    string   `json:"label,omitempty"`
	Score    float64  `json:"score"`
	Children []*Node  `json:"children,omitempty"`
}

// Category classifies an action by the objective it serves.
type Category string

const (
	CategoryObjectionResponse     Category = "objection_response"
	CategoryNeedSatisfaction      Category = "need_satisfaction"
	CategoryConversionProgression Category = "conversion_progression"
	CategoryExploration           Category = "exploration"
)

// Priority buckets an action score for consumers that do not care about
// the raw number.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func priorityFor(score float64) Priority {
	switch {
	case score >= 0.7:
		return PriorityHigh
	case score >= 0.4:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Action is one recommended next move for the agent, ephemeral to the turn.
type Action struct {
	ID          string   `json:"id"`
	Category    Category `json:"category"`
	Description string   `json:"description"`
	Score       float64  `json:"score"`
	Priority    Priority `json:"priority"`
}

// Weights is the objective mix the engine optimizes for. It behaves as a
// probability distribution: use Normalized before scoring.
type Weights struct {
	NeedSatisfaction   float64 `json:"need_satisfaction"`
	ObjectionHandling  float64 `json:"objection_handling"`
	ConversionProgress float64 `json:"conversion_progress"`
}

// DefaultWeights is the starting objective mix.
func DefaultWeights() Weights {
	return Weights{
		NeedSatisfaction:   0.35,
		ObjectionHandling:  0.25,
		ConversionProgress: 0.40,
	}
}

// Normalized rescales the weights to sum to 1. A degenerate zero or
// negative sum falls back to the defaults.
func (w Weights) Normalized() Weights {
	sum := w.NeedSatisfaction + w.ObjectionHandling + w.ConversionProgress
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{
		NeedSatisfaction:   w.NeedSatisfaction / sum,
		ObjectionHandling:  w.ObjectionHandling / sum,
		ConversionProgress: w.ConversionProgress / sum,
	}
}

// Config carries the engine tunables.
type Config struct {
	// MinConfidence is the root-score floor below which an exploration
	// action is injected into the returned list.
	MinConfidence float64
	// ExplorationRate is the base weight of the exploration branch and the
	// boost applied to exploration scores after negative feedback.
	ExplorationRate float64
	// AdaptationThreshold is the weight delta above which an adaptation is
	// logged as significant.
	AdaptationThreshold float64
	// MaxTreeDepth bounds the tree; the builder currently emits depth 3
	// (root, branch, action).
	MaxTreeDepth int
	// MaxActions caps the returned action list.
	MaxActions int
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		MinConfidence:       0.6,
		ExplorationRate:     0.2,
		AdaptationThreshold: 0.3,
		MaxTreeDepth:        5,
		MaxActions:          3,
	}
}

// Feedback reports how a previously returned strategy worked out.
type Feedback struct {
	Success bool           `json:"success"`
	Type    string         `json:"type,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Failure types the adaptation step knows how to attribute to an objective.
const (
	FailureObjectionNotAddressed = "objection_not_addressed"
	FailureNeedMissed            = "need_missed"
	FailureConversionStalled     = "conversion_stalled"
)

// Decision is the engine's per-turn output.
type Decision struct {
	Actions        []Action `json:"actions"`
	NextStepAgreed bool     `json:"next_step_agreed"`
	Confidence     float64  `json:"confidence"`
	ObjectivesUsed Weights  `json:"objectives_used"`
	Tree           *Node    `json:"tree,omitempty"`
}

// Engine scores analyzer bundles into action lists. Weights are shared
// mutable state: Decide reads them, Adapt and SetWeights replace them.
type Engine struct {
	cfg Config

	mu               sync.RWMutex
	weights          Weights
	explorationBoost float64
}

// NewEngine creates an engine with the default objective weights.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxActions <= 0 {
		cfg.MaxActions = DefaultConfig().MaxActions
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultConfig().MinConfidence
	}
	if cfg.ExplorationRate <= 0 {
		cfg.ExplorationRate = DefaultConfig().ExplorationRate
	}
	return &Engine{cfg: cfg, weights: DefaultWeights()}
}

// Weights returns the current objective mix.
func (e *Engine) Weights() Weights {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weights
}

// SetWeights replaces the objective mix. The input is renormalized.
func (e *Engine) SetWeights(w Weights) {
	n := w.Normalized()
	e.mu.Lock()
	e.weights = n
	e.mu.Unlock()
	slog.Info("decision: weights updated",
		"need_satisfaction", n.NeedSatisfaction,
		"objection_handling", n.ObjectionHandling,
		"conversion_progress", n.ConversionProgress)
}

// Decide scores the bundle with the engine's current weights.
func (e *Engine) Decide(bundle *analyzer.Bundle) *Decision {
	e.mu.RLock()
	w, boost := e.weights, e.explorationBoost
	e.mu.RUnlock()
	return e.decide(bundle, w, boost)
}

// DecideWith scores the bundle with a caller-supplied objective mix,
// leaving the engine's own weights untouched.
func (e *Engine) DecideWith(bundle *analyzer.Bundle, w Weights) *Decision {
	e.mu.RLock()
	boost := e.explorationBoost
	e.mu.RUnlock()
	return e.decide(bundle, w.Normalized(), boost)
}

// Adapt folds feedback about the previous strategy into the weights and
// recomputes the decision for the same bundle. An unsuccessful outcome
// bumps the objective most correlated with the failure type and boosts
// exploration; a successful one clears the boost.
func (e *Engine) Adapt(bundle *analyzer.Bundle, fb Feedback) *Decision {
	e.mu.Lock()
	if fb.Success {
		e.explorationBoost = 0
	} else {
		old := e.weights
		switch fb.Type {
		case FailureObjectionNotAddressed:
			e.weights.ObjectionHandling = capWeight(e.weights.ObjectionHandling + 0.15)
		case FailureNeedMissed:
			e.weights.NeedSatisfaction = capWeight(e.weights.NeedSatisfaction + 0.15)
		case FailureConversionStalled:
			e.weights.ConversionProgress = capWeight(e.weights.ConversionProgress + 0.15)
		}
		e.weights = e.weights.Normalized()
		e.explorationBoost = e.cfg.ExplorationRate
		if delta := maxDelta(old, e.weights); delta >= e.cfg.AdaptationThreshold {
			slog.Info("decision: significant weight shift", "failure_type", fb.Type, "delta", delta)
		} else {
			slog.Debug("decision: weights adapted", "failure_type", fb.Type, "delta", delta)
		}
	}
	w, boost := e.weights, e.explorationBoost
	e.mu.Unlock()

	if bundle == nil {
		return nil
	}
	return e.decide(bundle, w, boost)
}

func capWeight(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func maxDelta(a, b Weights) float64 {
	d := abs(a.NeedSatisfaction - b.NeedSatisfaction)
	if v := abs(a.ObjectionHandling - b.ObjectionHandling); v > d {
		d = v
	}
	if v := abs(a.ConversionProgress - b.ConversionProgress); v > d {
		d = v
	}
	return d
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
