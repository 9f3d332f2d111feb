package experiment

import "github.com/vocerohq/vocero/store"

// optimalCloseSeconds is the close duration that earns the full
// time_to_close reward.
const optimalCloseSeconds = 420.0

// rewardFor maps a terminal outcome to a [0,1] reward for the experiment's
// target metric.
func rewardFor(metric store.Metric, rec *store.OutcomeRecord) float64 {
	switch metric {
	case store.MetricConversionRate:
		if rec.Outcome == store.OutcomeConverted {
			return 1.0
		}
		return 0.0
	case store.MetricEngagementScore:
		return clamp01(rec.Metrics.EngagementScore / 10.0)
	case store.MetricSatisfactionScore:
		if rec.Satisfaction == nil {
			return 0.5
		}
		return clamp01(*rec.Satisfaction / 10.0)
	case store.MetricTimeToClose:
		return timeToCloseReward(rec.Metrics.DurationSeconds)
	}
	return 0.0
}

// timeToCloseReward rewards closing near the optimal duration: a full
// reward decays to 0.5 at the optimum, then falls toward the 0.1 floor.
func timeToCloseReward(d float64) float64 {
	if d <= 0 {
		return 1.0
	}
	if d <= optimalCloseSeconds {
		return 1.0 - 0.5*d/optimalCloseSeconds
	}
	r := 0.5 - 0.4*(d-optimalCloseSeconds)/optimalCloseSeconds
	if r < 0.1 {
		return 0.1
	}
	return r
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
