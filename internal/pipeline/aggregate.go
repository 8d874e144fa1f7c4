package pipeline

// Verdict is the run-level decision derived from per-window probabilities.
type Verdict struct {
	IsDeepfake bool
	Confidence float64
}

const (
	lowBandMin    = 0.025
	lowBandMax    = 0.03
	highThreshold = 0.5
)

// Aggregate takes the maximum window probability as confidence. A run is flagged when that
// maximum exceeds 0.5 or falls strictly inside the (0.025, 0.03) band.
func Aggregate(probs []float64) Verdict {
	maxProb := 0.0
	for _, p := range probs {
		if p > maxProb {
			maxProb = p
		}
	}
	return Verdict{
		IsDeepfake: (maxProb > lowBandMin && maxProb < lowBandMax) || maxProb > highThreshold,
		Confidence: maxProb,
	}
}
