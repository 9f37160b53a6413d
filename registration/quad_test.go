package registration

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
)

func TestSelectQuad_WellFormed(t *testing.T) {
	cloud := randomCube(300, rand.New(rand.NewSource(21)))
	tc := mustPrepare(t, testConfig(), cloud, cloud)

	for seed := int64(0); seed < 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		quad, err := selectQuad(tc, rng)
		if err != nil {
			t.Fatalf("seed %d: selectQuad: %v", seed, err)
		}

		seen := map[int]bool{}
		for i, idx := range quad.Indices {
			if seen[idx] {
				t.Fatalf("seed %d: duplicate index %d in %v", seed, idx, quad.Indices)
			}
			seen[idx] = true
			if quad.Points[i] != tc.modelPos[idx] {
				t.Errorf("seed %d: point %d does not match index %d", seed, i, idx)
			}
		}

		if quad.F1 < 0 || quad.F1 > 1 || quad.F2 < 0 || quad.F2 > 1 {
			t.Errorf("seed %d: ratios (%v, %v) outside [0,1]", seed, quad.F1, quad.F2)
		}

		p := quad.Points
		maxArea := 0.0
		for _, tri := range [][3]int{{0, 1, 2}, {0, 1, 3}, {0, 2, 3}, {1, 2, 3}} {
			if a := triangleArea(p[tri[0]], p[tri[1]], p[tri[2]]); a > maxArea {
				maxArea = a
			}
		}
		if maxArea < 1e-6 {
			t.Errorf("seed %d: degenerate quad, max sub-triangle area %v", seed, maxArea)
		}

		// The completing point keeps clear of the other three
		separated := false
		for i := range p {
			ok := true
			for j := range p {
				if i != j && p[i].Distance(p[j]) < tc.minSeparation {
					ok = false
				}
			}
			separated = separated || ok
		}
		if !separated {
			t.Errorf("seed %d: no quad point is %v away from the others", seed, tc.minSeparation)
		}

		chosen, _, _ := segmentDistance(p[0], p[1], p[2], p[3])
		for _, alt := range [][4]int{{0, 2, 1, 3}, {0, 3, 1, 2}} {
			d, _, _ := segmentDistance(p[alt[0]], p[alt[1]], p[alt[2]], p[alt[3]])
			if d < chosen-1e-12 {
				t.Errorf("seed %d: pairing %v is closer (%v) than the chosen one (%v)", seed, alt, d, chosen)
			}
		}
	}
}

func TestSelectQuad_Collinear(t *testing.T) {
	pts := make([]r3.Vector, 50)
	for i := range pts {
		pts[i] = r3.Vector{X: float64(i), Y: 2 * float64(i), Z: -float64(i)}
	}
	cfg := testConfig()
	cfg.QuadTrials = 10
	tc := &trialContext{cfg: cfg, modelPos: pts, quadExtent: 1000, minSeparation: 1}

	_, err := selectQuad(tc, rand.New(rand.NewSource(1)))
	if !errors.Is(err, ErrQuadSelectionFailed) {
		t.Fatalf("err = %v, want ErrQuadSelectionFailed", err)
	}
}

func TestOrderQuad_PicksCrossingDiagonals(t *testing.T) {
	pts := []r3.Vector{
		{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 4, Y: 2}, {X: 0, Y: 2},
	}
	quad := orderQuad(pts, [4]int{0, 1, 2, 3})

	seg1 := [2]int{quad.Indices[0], quad.Indices[1]}
	seg2 := [2]int{quad.Indices[2], quad.Indices[3]}
	isDiag := func(s [2]int) bool {
		return (s[0] == 0 && s[1] == 2) || (s[0] == 2 && s[1] == 0) ||
			(s[0] == 1 && s[1] == 3) || (s[0] == 3 && s[1] == 1)
	}
	if !isDiag(seg1) || !isDiag(seg2) {
		t.Fatalf("segments %v %v are not the diagonals", seg1, seg2)
	}
	if quad.F1 != 0.5 || quad.F2 != 0.5 {
		t.Errorf("ratios = (%v, %v), want (0.5, 0.5)", quad.F1, quad.F2)
	}
	d1, d2 := quad.SegmentLengths()
	if d1 != d2 {
		t.Errorf("diagonal lengths %v and %v differ", d1, d2)
	}
}
