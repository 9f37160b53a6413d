package registration

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
)

// quadPairings are the three ways of splitting 4 points into two segments
var quadPairings = [3][4]int{
	{0, 1, 2, 3},
	{0, 2, 1, 3},
	{0, 3, 1, 2},
}

// selectQuad draws a wide, near-coplanar base from the model sample.
// Each try fixes a wide triangle, completes it with the sample point closest
// to its plane that keeps clear of the triangle's corners, then pairs the
// four points into the two segments that pass closest to each other.
func selectQuad(tc *trialContext, rng *rand.Rand) (BaseQuad, error) {
	pts := tc.modelPos
	for try := 0; try < tc.cfg.QuadTrials; try++ {
		a, b, c, ok := selectWideTriangle(tc, rng)
		if !ok {
			continue
		}
		pl, ok := fitPlane(pts[a], pts[b], pts[c])
		if !ok {
			continue
		}

		d := -1
		best := math.Inf(1)
		for i, p := range pts {
			if i == a || i == b || i == c {
				continue
			}
			if p.Distance(pts[a]) < tc.minSeparation ||
				p.Distance(pts[b]) < tc.minSeparation ||
				p.Distance(pts[c]) < tc.minSeparation {
				continue
			}
			if dist := pl.distance(p); dist < best {
				best, d = dist, i
			}
		}
		if d < 0 {
			continue
		}
		return orderQuad(pts, [4]int{a, b, c, d}), nil
	}
	return BaseQuad{}, ErrQuadSelectionFailed
}

// selectWideTriangle fixes a random corner and keeps the largest of
// TriangleSamples random triangles whose two edges from that corner stay
// shorter than the quad extent.
func selectWideTriangle(tc *trialContext, rng *rand.Rand) (a, b, c int, ok bool) {
	pts := tc.modelPos
	n := len(pts)
	a = rng.Intn(n)
	best := 0.0
	for i := 0; i < tc.cfg.TriangleSamples; i++ {
		j, k := rng.Intn(n), rng.Intn(n)
		u, w := pts[j].Sub(pts[a]), pts[k].Sub(pts[a])
		if u.Norm() >= tc.quadExtent || w.Norm() >= tc.quadExtent {
			continue
		}
		if area := 0.5 * u.Cross(w).Norm(); area > best {
			best, b, c = area, j, k
		}
	}
	return a, b, c, best > 0
}

// orderQuad picks the pairing whose segments come closest and records the
// closest-approach parameters as the invariant ratios.
func orderQuad(pts []r3.Vector, ids [4]int) BaseQuad {
	var quad BaseQuad
	best := math.Inf(1)
	for _, p := range quadPairings {
		o := [4]int{ids[p[0]], ids[p[1]], ids[p[2]], ids[p[3]]}
		dist, f1, f2 := segmentDistance(pts[o[0]], pts[o[1]], pts[o[2]], pts[o[3]])
		if dist < best {
			best = dist
			quad = BaseQuad{
				Indices: o,
				Points:  [4]r3.Vector{pts[o[0]], pts[o[1]], pts[o[2]], pts[o[3]]},
				F1:      f1,
				F2:      f2,
			}
		}
	}
	return quad
}
