package experiment

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// twoProportionConfidence estimates how confident we are that the leading
// arm's success rate beats the runner-up's. Rewards live in [0,1], so arm
// totals are treated as successes over count trials and fed through a
// pooled two-proportion z-test; the returned value is the one-sided
// standard-normal CDF of the statistic.
func twoProportionConfidence(leadSuccess, leadN, nextSuccess, nextN float64) float64 {
	if leadN <= 0 || nextN <= 0 {
		return 0
	}
	p1 := leadSuccess / leadN
	p2 := nextSuccess / nextN
	pooled := (leadSuccess + nextSuccess) / (leadN + nextN)
	se := math.Sqrt(pooled * (1 - pooled) * (1/leadN + 1/nextN))
	if se == 0 {
		// Degenerate pools (all successes or all failures) have no
		// variance to test against.
		if p1 > p2 {
			return 1
		}
		return 0.5
	}
	z := (p1 - p2) / se
	return distuv.UnitNormal.CDF(z)
}
