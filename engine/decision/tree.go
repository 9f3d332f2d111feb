package decision

import (
	"fmt"
	"sort"

	"github.com/vocerohq/vocero/engine/analyzer"
)

// Exploration probes offered when nothing confident is on the table, or as
// the injected fallback when overall confidence is low.
var explorationProbes = []string{
	"Haz una pregunta abierta sobre los objetivos de salud del cliente",
	"Explora cómo es un día típico en su rutina actual",
	"Pregunta qué ha probado antes y qué le funcionó",
}

// conversionMultiplier scales conversion scores by how close the customer
// is to converting.
var conversionMultiplier = map[string]float64{
	analyzer.ConversionLow:      0.6,
	analyzer.ConversionMedium:   0.8,
	analyzer.ConversionHigh:     1.0,
	analyzer.ConversionVeryHigh: 1.2,
}

const (
	// objectionGate is the top-objection confidence required to open an
	// objection branch.
	objectionGate = 0.7
	// explorationWeightCap bounds the exploration branch weight no matter
	// how much feedback boosted it.
	explorationWeightCap = 0.3
	// maxNeedBranches is how many ranked needs get their own branch.
	maxNeedBranches = 2
	// maxBranchChildren caps action nodes per branch.
	maxBranchChildren = 3
)

// branch pairs a built tree node with the objective weight that produced
// it, so the root aggregate can weight branches the same way.
type branch struct {
	node      *Node
	objWeight float64
	category  Category
}

func (e *Engine) decide(bundle *analyzer.Bundle, w Weights, boost float64) *Decision {
	w = w.Normalized()
	branches := buildBranches(bundle, w, e.cfg.ExplorationRate, boost)

	root := &Node{ID: "root", Type: NodeRoot}
	for _, b := range branches {
		root.Children = append(root.Children, b.node)
	}
	root.Score = rootScore(branches)

	actions := flattenActions(branches)
	sortActions(actions)
	if len(actions) > e.cfg.MaxActions {
		actions = actions[:e.cfg.MaxActions]
	}
	actions = e.injectExploration(actions, branches, root.Score)

	return &Decision{
		Actions:        actions,
		NextStepAgreed: nextStepAgreed(bundle, actions),
		Confidence:     root.Score,
		ObjectivesUsed: w,
		Tree:           root,
	}
}

func buildBranches(bundle *analyzer.Bundle, w Weights, rate, boost float64) []branch {
	var branches []branch

	if top := bundle.Objections.Top(); top.Confidence >= objectionGate {
		branches = append(branches, objectionBranch(bundle.Objections, w.ObjectionHandling))
	}
	for i, need := range bundle.Needs.Needs {
		if i >= maxNeedBranches {
			break
		}
		branches = append(branches, needBranch(need, w.NeedSatisfaction))
	}
	branches = append(branches, conversionBranch(bundle.Conversion, w.ConversionProgress))
	branches = append(branches, explorationBranch(rate, boost))
	return branches
}

// objectionBranch answers the highest-confidence predicted objection. Its
// children are the suggested responses with a rank decay; a second
// objection past the gate contributes its first response.
func objectionBranch(result analyzer.ObjectionResult, objWeight float64) branch {
	top := result.Top()
	node := &Node{
		ID:    "objection_" + top.Type,
		Type:  NodeObjection,
		Label: top.Type,
	}
	for i, resp := range top.SuggestedResponses {
		if len(node.Children) >= maxBranchChildren {
			break
		}
		score := clampScore(top.Confidence * (1.0 - 0.2*float64(i)))
		node.Children = append(node.Children, actionNode(node.ID, len(node.Children), resp, score))
	}
	if len(result.Objections) > 1 && len(node.Children) < maxBranchChildren {
		second := result.Objections[1]
		if second.Confidence >= objectionGate && len(second.SuggestedResponses) > 0 {
			score := clampScore(second.Confidence)
			node.Children = append(node.Children, actionNode(node.ID, len(node.Children), second.SuggestedResponses[0], score))
		}
	}
	node.Score = aggregate(objWeight*top.Confidence, node.Children)
	return branch{node: node, objWeight: objWeight, category: CategoryObjectionResponse}
}

// needBranch serves one ranked need; children are its suggested actions
// with a priority decay.
func needBranch(need analyzer.NeedPrediction, objWeight float64) branch {
	node := &Node{
		ID:    "need_" + need.Category,
		Type:  NodeNeed,
		Label: need.Category,
	}
	for i, act := range need.SuggestedActions {
		if i >= maxBranchChildren {
			break
		}
		score := clampScore(need.Confidence * (1.0 - 0.15*float64(i)))
		node.Children = append(node.Children, actionNode(node.ID, i, act, score))
	}
	node.Score = aggregate(objWeight*need.Confidence, node.Children)
	return branch{node: node, objWeight: objWeight, category: CategoryNeedSatisfaction}
}

// conversionBranch is always present; the category multiplier scales both
// the branch base and each recommendation.
func conversionBranch(result analyzer.ConversionResult, objWeight float64) branch {
	mult, ok := conversionMultiplier[result.Category]
	if !ok {
		mult = conversionMultiplier[analyzer.ConversionLow]
	}
	node := &Node{
		ID:    "conversion",
		Type:  NodeConversion,
		Label: result.Category,
	}
	for i, rec := range result.Recommendations {
		if i >= maxBranchChildren {
			break
		}
		score := clampScore((0.85 - 0.15*float64(i)) * mult)
		node.Children = append(node.Children, actionNode(node.ID, i, rec, score))
	}
	node.Score = aggregate(objWeight*result.Confidence*mult, node.Children)
	return branch{node: node, objWeight: objWeight, category: CategoryConversionProgression}
}

// explorationBranch is always present with a capped weight, so the engine
// retains a probe even when the objective weights leave no room for one.
func explorationBranch(rate, boost float64) branch {
	weight := rate + boost
	if weight > explorationWeightCap {
		weight = explorationWeightCap
	}
	node := &Node{ID: "exploration", Type: NodeExploration}
	for i, probe := range explorationProbes {
		score := clampScore(0.5 - 0.05*float64(i) + boost)
		node.Children = append(node.Children, actionNode(node.ID, i, probe, score))
	}
	node.Score = aggregate(weight, node.Children)
	return branch{node: node, objWeight: weight, category: CategoryExploration}
}

func actionNode(branchID string, idx int, description string, score float64) *Node {
	return &Node{
		ID:    fmt.Sprintf("%s_%d", branchID, idx+1),
		Type:  NodeAction,
		Label: description,
		Score: score,
	}
}

// aggregate computes a branch score as 0.7 x base + 0.3 x mean of the two
// best children.
func aggregate(base float64, children []*Node) float64 {
	if len(children) == 0 {
		return clampScore(base)
	}
	scores := make([]float64, len(children))
	for i, c := range children {
		scores[i] = c.Score
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	top := scores[0]
	if len(scores) > 1 {
		top = (scores[0] + scores[1]) / 2
	}
	return clampScore(0.7*base + 0.3*top)
}

// rootScore is the objective-weighted mean of the three best branches.
func rootScore(branches []branch) float64 {
	ranked := make([]branch, len(branches))
	copy(ranked, branches)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].node.Score > ranked[j].node.Score })
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}
	var sum, weightSum float64
	for _, b := range ranked {
		sum += b.objWeight * b.node.Score
		weightSum += b.objWeight
	}
	if weightSum == 0 {
		return 0
	}
	return clampScore(sum / weightSum)
}

func flattenActions(branches []branch) []Action {
	var actions []Action
	for _, b := range branches {
		for _, child := range b.node.Children {
			actions = append(actions, Action{
				ID:          child.ID,
				Category:    b.category,
				Description: child.Label,
				Score:       child.Score,
				Priority:    priorityFor(child.Score),
			})
		}
	}
	return actions
}

func sortActions(actions []Action) {
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Score != actions[j].Score {
			return actions[i].Score > actions[j].Score
		}
		return actions[i].ID < actions[j].ID
	})
}

// injectExploration guarantees a probe is on the list when overall
// confidence is low. It swaps out the weakest action and re-sorts, so the
// returned list stays non-increasing.
func (e *Engine) injectExploration(actions []Action, branches []branch, confidence float64) []Action {
	if confidence >= e.cfg.MinConfidence {
		return actions
	}
	for _, a := range actions {
		if a.Category == CategoryExploration {
			return actions
		}
	}
	var probe *Action
	for _, b := range branches {
		if b.category != CategoryExploration {
			continue
		}
		for _, child := range b.node.Children {
			probe = &Action{
				ID:          child.ID,
				Category:    CategoryExploration,
				Description: child.Label,
				Score:       child.Score,
				Priority:    priorityFor(child.Score),
			}
			break
		}
	}
	if probe == nil {
		return actions
	}
	if len(actions) >= e.cfg.MaxActions {
		actions = actions[:len(actions)-1]
	}
	actions = append(actions, *probe)
	sortActions(actions)
	return actions
}

// nextStepAgreed reports whether the customer has effectively accepted a
// concrete next step: conversion is high and progressing it is the top
// recommended move.
func nextStepAgreed(bundle *analyzer.Bundle, actions []Action) bool {
	if len(actions) == 0 {
		return false
	}
	cat := bundle.Conversion.Category
	if cat != analyzer.ConversionHigh && cat != analyzer.ConversionVeryHigh {
		return false
	}
	return actions[0].Category == CategoryConversionProgression
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
