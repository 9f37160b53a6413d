package registration

import "github.com/golang/geo/r3"

// verifyLCP scores a candidate by the fraction of transformed target points
// that land within radius of a model point. Scoring stops as soon as the
// score can no longer exceed threshold; the partial score returned then is
// at most threshold.
func verifyLCP(index SpatialIndex, points []r3.Vector, t RigidTransform, radius, threshold float64) float64 {
	n := len(points)
	if n == 0 {
		return 0
	}
	need := threshold * float64(n)
	hits := 0
	for i, p := range points {
		if _, d := index.Nearest(t.Apply(p)); d < radius {
			hits++
		}
		if remaining := n - i - 1; float64(hits+remaining) <= need {
			break
		}
	}
	return float64(hits) / float64(n)
}
