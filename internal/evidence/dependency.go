package evidence

import "math"

// DefaultDependencyHalfLife is the half-life, in responses, used when the
// configured one is not positive.
const DefaultDependencyHalfLife = 5.0

// Decay returns the per-response weight decay d = 0.5^(1/halfLife).
func Decay(halfLife float64) float64 {
	if halfLife <= 0 || math.IsNaN(halfLife) || math.IsInf(halfLife, 0) {
		halfLife = DefaultDependencyHalfLife
	}
	return math.Pow(0.5, 1/halfLife)
}

// DependencyScore is the exponentially decayed mean of intensities, the
// most recent value weighing most. It is zero for no values.
func DependencyScore(intensities []float64, halfLife float64) float64 {
	ws, w := decayedSums(intensities, Decay(halfLife))
	if w == 0 {
		return 0
	}
	return ws / w
}

func decayedSums(intensities []float64, d float64) (ws, w float64) {
	for _, x := range intensities {
		ws = ws*d + x
		w = w*d + 1
	}
	return ws, w
}

// observe folds one response intensity into the running aggregates.
func (s *TraceSequence) observe(intensity, d float64) {
	s.WeightedSum = s.WeightedSum*d + intensity
	s.WeightSum = s.WeightSum*d + 1
	s.DependencyScore = s.WeightedSum / s.WeightSum
}
