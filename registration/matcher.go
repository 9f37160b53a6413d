package registration

import (
	"math"

	"github.com/golang/geo/r3"
)

// findPairs lists every pair of points whose distance is within eps of d.
// With normals enabled the pair's normal difference must also be within
// normalTol of dn. Accepted pairs are emitted in both orders.
func findPairs(points []Point, d, dn, eps float64, useNormals bool, normalTol float64) [][2]int {
	var pairs [][2]int
	for i := range points {
		for j := 0; j < i; j++ {
			if math.Abs(points[i].Pos.Distance(points[j].Pos)-d) >= eps {
				continue
			}
			if useNormals && math.Abs(points[i].Normal.Sub(points[j].Normal).Norm()-dn) >= normalTol {
				continue
			}
			pairs = append(pairs, [2]int{j, i}, [2]int{i, j})
		}
	}
	return pairs
}

// findCongruent searches the target sample for quads congruent to quad.
// The interpolation points of every r1 pair at both ratios go into an
// index; each r2 pair's interpolation points are then looked up within eps.
// A hit whose four cross distances match the base within 2*eps becomes a
// candidate, mapped as (r1.a, r1.b, r2.a, r2.b). Candidates keep production
// order without duplicates.
func findCongruent(tc *trialContext, quad BaseQuad, r1, r2 [][2]int) []QuadIndex {
	pts := tc.targetPos

	interp := make([]r3.Vector, 0, 2*len(r1))
	for _, p := range r1 {
		a, b := pts[p[0]], pts[p[1]]
		interp = append(interp, interpolate(a, b, quad.F1), interpolate(a, b, quad.F2))
	}
	index := tc.build(interp)

	q := quad.Points
	cross := [4]float64{
		q[0].Distance(q[2]),
		q[0].Distance(q[3]),
		q[1].Distance(q[2]),
		q[1].Distance(q[3]),
	}
	tol := 2 * tc.eps
	ratios := [2]float64{quad.F1, quad.F2}

	var out []QuadIndex
	seen := make(map[QuadIndex]struct{})
	for _, p2 := range r2 {
		c, d := pts[p2[0]], pts[p2[1]]
		for _, f := range ratios {
			for _, hit := range index.Radius(interpolate(c, d, f), tc.eps) {
				p1 := r1[hit.Index/2]
				if p1[0] == p2[0] || p1[0] == p2[1] || p1[1] == p2[0] || p1[1] == p2[1] {
					continue
				}
				cand := QuadIndex{p1[0], p1[1], p2[0], p2[1]}
				if _, dup := seen[cand]; dup {
					continue
				}
				a, b := pts[p1[0]], pts[p1[1]]
				if math.Abs(a.Distance(c)-cross[0]) >= tol ||
					math.Abs(a.Distance(d)-cross[1]) >= tol ||
					math.Abs(b.Distance(c)-cross[2]) >= tol ||
					math.Abs(b.Distance(d)-cross[3]) >= tol {
					continue
				}
				seen[cand] = struct{}{}
				out = append(out, cand)
				if tc.cfg.MaxCandidates > 0 && len(out) >= tc.cfg.MaxCandidates {
					return out
				}
			}
		}
	}
	return out
}
