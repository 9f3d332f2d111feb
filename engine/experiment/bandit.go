package experiment

import (
	"math"

	"github.com/vocerohq/vocero/store"
)

// pickVariant chooses the next arm with UCB1. Pending counts are in-memory
// assignments not yet rewarded; they only participate in the cold-start
// rule so consecutive assignments spread across unexplored arms before the
// first rewards land. Persisted stats alone drive the UCB score.
//
//	score(v) = mean(v) + c * sqrt(ln(total) / count(v))
func pickVariant(exp *store.Experiment, pending map[string]int, c float64) string {
	// Cold start: any arm never assigned nor rewarded goes first, in
	// variant order.
	for _, v := range exp.Variants {
		if exp.Bandit.Arms[v.ID].Count+pending[v.ID] == 0 {
			return v.ID
		}
	}

	// Arms with assignments in flight but no reward yet cannot be scored;
	// keep spreading across the least-loaded of them.
	var coldest string
	coldestLoad := math.MaxInt
	for _, v := range exp.Variants {
		arm := exp.Bandit.Arms[v.ID]
		if arm.Count > 0 {
			continue
		}
		if load := pending[v.ID]; load < coldestLoad {
			coldest, coldestLoad = v.ID, load
		}
	}
	if coldest != "" {
		return coldest
	}

	total := float64(exp.Bandit.TotalCount)
	best, bestScore := "", math.Inf(-1)
	for _, v := range exp.Variants {
		arm := exp.Bandit.Arms[v.ID]
		score := arm.Mean() + c*math.Sqrt(math.Log(total)/float64(arm.Count))
		if score > bestScore {
			best, bestScore = v.ID, score
		}
	}
	return best
}

// applyReward folds one observed reward into the bandit snapshot.
func applyReward(snap *store.BanditSnapshot, variantID string, reward float64) {
	if snap.Arms == nil {
		snap.Arms = map[string]store.ArmStats{}
	}
	arm := snap.Arms[variantID]
	arm.Count++
	arm.TotalReward += reward
	snap.Arms[variantID] = arm
	snap.TotalCount++
}
