package registration

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// randomCube samples n points uniformly inside the unit cube
func randomCube(n int, rng *rand.Rand) Cloud {
	cloud := make(Cloud, n)
	for i := range cloud {
		cloud[i] = NewPoint(rng.Float64(), rng.Float64(), rng.Float64())
	}
	return cloud
}

// randomTerrain samples a smooth height field over [0,size]^2
func randomTerrain(n int, size float64, rng *rand.Rand) Cloud {
	cloud := make(Cloud, n)
	for i := range cloud {
		x, y := rng.Float64()*size, rng.Float64()*size
		cloud[i] = NewPoint(x, y, math.Sin(x/2)+0.5*math.Cos(y/3))
	}
	return cloud
}

// randomBumps samples the egg-crate surface z = sin(x)cos(y) over
// [0,size]^2
func randomBumps(n int, size float64, rng *rand.Rand) Cloud {
	cloud := make(Cloud, n)
	for i := range cloud {
		x, y := rng.Float64()*size, rng.Float64()*size
		cloud[i] = NewPoint(x, y, math.Sin(x)*math.Cos(y))
	}
	return cloud
}

// testConfig disables down-sampling and normals so every model point has
// an exact counterpart in the target
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SampleSize = 1000
	cfg.UseNormals = false
	cfg.Overlap = 1
	cfg.Delta = 1
	cfg.MinTrials = 50
	return cfg
}

func mustPrepare(t *testing.T, cfg Config, model, target Cloud) *trialContext {
	t.Helper()
	e := &Engine{Config: cfg}
	tc, err := e.prepare(model, target, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return tc
}

var approxMatrix = cmpopts.EquateApprox(0, 1e-9)

func matrixDiff(want, got Matrix4, margin float64) string {
	return cmp.Diff(want, got, cmpopts.EquateApprox(0, margin))
}

func vecNear(a, b r3.Vector, tol float64) bool {
	return a.Sub(b).Norm() <= tol
}
