package registration

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
)

func TestICP_Identity(t *testing.T) {
	pts := randomCube(200, rand.New(rand.NewSource(1234))).Positions()
	icp := NewPointToPointICP(DefaultICPConfig())
	result := icp.Refine(context.Background(), pts, pts, Identity())
	if !result.Converged {
		t.Errorf("Identity failed to converge")
	}
	if diff := matrixDiff(Identity(), result.Transform, 1e-9); diff != "" {
		t.Errorf("transform != identity:\n%s", diff)
	}
}

func TestICP_SmallTranslation(t *testing.T) {
	pts := randomCube(500, rand.New(rand.NewSource(1234))).Positions()

	// Shift well below the mean point spacing (about 0.07 here)
	shifted := TransformPositions(pts, Translation(0.02, -0.01, 0.015))

	config := DefaultICPConfig()
	config.OutlierPercentile = 1
	result := NewPointToPointICP(config).Refine(context.Background(), pts, shifted, Identity())

	got := result.Transform.TranslationPart()
	want := r3.Vector{X: -0.02, Y: 0.01, Z: -0.015}
	if !vecNear(got, want, 1e-3) {
		t.Errorf("translation = %v, want %v (error %v)", got, want, result.Error)
	}
}

func TestICP_SeedIsApplied(t *testing.T) {
	pts := randomCube(300, rand.New(rand.NewSource(99))).Positions()
	m := MultiplyMatrices(Translation(10, 0, 0), RotationZ(1))
	target := TransformPositions(pts, m)

	// Exact seed: the correction must stay at identity
	result := NewPointToPointICP(DefaultICPConfig()).Refine(context.Background(), pts, target, InvertMatrix(m))
	if diff := matrixDiff(Identity(), result.Transform, 1e-6); diff != "" {
		t.Errorf("correction for an exact seed:\n%s", diff)
	}
}

func TestICP_CanceledContext(t *testing.T) {
	pts := randomCube(100, rand.New(rand.NewSource(3))).Positions()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := NewPointToPointICP(DefaultICPConfig()).Refine(ctx, pts, TransformPositions(pts, Translation(0.01, 0, 0)), Identity())
	if result.Iterations != 0 {
		t.Errorf("iterations = %d after cancellation, want 0", result.Iterations)
	}
}

func TestCalculateRigidTransform(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	src := randomCube(50, rng).Positions()
	m := MultiplyMatrices(Translation(1, 2, 3), RotationAxis(r3.Vector{X: 1, Y: 1, Z: 0}, 0.8))
	dst := TransformPositions(src, m)

	got, ok := CalculateRigidTransform(src, dst)
	if !ok {
		t.Fatal("CalculateRigidTransform failed")
	}
	if diff := matrixDiff(m, got, 1e-9); diff != "" {
		t.Errorf("transform mismatch (-want +got):\n%s", diff)
	}
	if !ValidateAlignment(got, 1e-9) {
		t.Error("result is not a proper rotation")
	}
}

func TestCalculateInlierScore(t *testing.T) {
	pts := []r3.Vector{{X: 0}, {X: 1}, {X: 2}}
	index := BruteForceBuilder(pts)

	score, frac, avg := CalculateInlierScore(index, pts, 0.5)
	if score != 1 || frac != 1 || avg != 0 {
		t.Errorf("perfect overlap = (%v, %v, %v), want (1, 1, 0)", score, frac, avg)
	}

	far := TransformPositions(pts, Translation(0, 10, 0))
	score, frac, avg = CalculateInlierScore(index, far, 0.5)
	if score != 0 || frac != 0 || avg != math.MaxFloat64 {
		t.Errorf("no overlap = (%v, %v, %v)", score, frac, avg)
	}
}

func TestRejectOutliers(t *testing.T) {
	src := []r3.Vector{{X: 0}, {X: 1}, {X: 2}, {X: 3}}
	dst := []r3.Vector{{Y: 0}, {Y: 1}, {Y: 2}, {Y: 3}}
	dists := []float64{0.1, 5, 0.2, 0.3}

	fs, fd := rejectOutliers(src, dst, dists, 0.5)
	if len(fs) != 3 || len(fd) != 3 {
		t.Fatalf("kept %d correspondences, want 3", len(fs))
	}
	for _, p := range fs {
		if p.X == 1 {
			t.Error("the outlier was kept")
		}
	}
}
