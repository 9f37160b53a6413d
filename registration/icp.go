package registration

import (
	"context"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ICPConfig holds configuration for the ICP refinement.
// Distances are in the units of the input clouds.
type ICPConfig struct {
	MaxIterations     int     `yaml:"maxIterations" json:"maxIterations"`         // Maximum number of iterations
	ConvergenceThresh float64 `yaml:"convergenceThresh" json:"convergenceThresh"` // Stop when error improvement is below this
	MaxCorrespondDist float64 `yaml:"maxCorrespondDist" json:"maxCorrespondDist"` // Maximum correspondence distance (0 = unbounded)
	OutlierPercentile float64 `yaml:"outlierPercentile" json:"outlierPercentile"` // Reject correspondences above this percentile (0-1)
}

// DefaultICPConfig returns sensible defaults for ICP
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		MaxIterations:     50,
		ConvergenceThresh: 1e-6,
		MaxCorrespondDist: 0,
		OutlierPercentile: 0.9, // Keep 90% closest correspondences
	}
}

// ICPResult contains the result of an ICP refinement
type ICPResult struct {
	Transform      Matrix4 // Correction to apply after the seed transform
	Error          float64 // Mean inlier distance after refinement
	Score          float64 // Alignment quality score (higher is better)
	InlierFraction float64 // Fraction of points within the correspondence distance
	Iterations     int     // Number of iterations performed
	Converged      bool    // Whether the error improvement fell below the threshold
}

// Refiner polishes a coarse alignment. target is the full target cloud and
// seed the coarse target-to-model transform. The returned Transform is the
// correction to compose after seed.
type Refiner interface {
	Refine(ctx context.Context, model, target []r3.Vector, seed Matrix4) ICPResult
}

// PointToPointICP is the default Refiner: closest-point correspondences,
// percentile outlier rejection and an SVD rigid fit, iterated to
// convergence.
type PointToPointICP struct {
	Config       ICPConfig
	IndexBuilder IndexBuilder
}

// NewPointToPointICP creates an ICP refiner backed by a k-d tree
func NewPointToPointICP(config ICPConfig) *PointToPointICP {
	return &PointToPointICP{Config: config, IndexBuilder: KDTreeBuilder}
}

func (icp *PointToPointICP) Refine(ctx context.Context, model, target []r3.Vector, seed Matrix4) ICPResult {
	build := icp.IndexBuilder
	if build == nil {
		build = KDTreeBuilder
	}
	if len(model) < 3 || len(target) < 3 {
		return ICPResult{Transform: Identity(), Error: math.MaxFloat64}
	}
	return runICP(ctx, build(model), model, TransformPositions(target, seed), icp.Config)
}

// runICP aligns source (already seeded) onto the indexed model points. The
// returned transform is the accumulated correction.
func runICP(ctx context.Context, index SpatialIndex, model, source []r3.Vector, config ICPConfig) ICPResult {
	maxDist := config.MaxCorrespondDist
	if maxDist <= 0 {
		maxDist = math.Inf(1)
	}

	current := Identity()
	prevScore, prevFrac, prevErr := CalculateInlierScore(index, source, maxDist)
	result := ICPResult{
		Transform:      current,
		Error:          prevErr,
		Score:          prevScore,
		InlierFraction: prevFrac,
	}

	for iter := 0; iter < config.MaxIterations; iter++ {
		if ctx.Err() != nil {
			break
		}
		result.Iterations = iter + 1

		transformed := TransformPositions(source, current)

		srcCorr, tgtCorr, distances := findCorrespondences(index, model, transformed, maxDist)
		if len(srcCorr) < 3 {
			break
		}
		srcCorr, tgtCorr = rejectOutliers(srcCorr, tgtCorr, distances, config.OutlierPercentile)
		if len(srcCorr) < 3 {
			break
		}

		incremental, ok := CalculateRigidTransform(srcCorr, tgtCorr)
		if !ok {
			break
		}

		// Compose: new = incremental * current
		newTransform := MultiplyMatrices(incremental, current)
		newScore, newFrac, newErr := CalculateInlierScore(index, TransformPositions(source, newTransform), maxDist)

		// Refuse to move if the physical overlap drops noticeably.
		if newScore < prevScore*0.98 {
			break
		}

		improvement := prevErr - newErr
		if math.Abs(improvement) < config.ConvergenceThresh {
			result.Converged = true
			result.Transform = newTransform
			result.Error = newErr
			result.Score = newScore
			result.InlierFraction = newFrac
			break
		}

		if newErr > prevErr*1.5 {
			break
		}

		prevErr = newErr
		prevScore = newScore
		current = newTransform

		result.Transform = newTransform
		result.Error = newErr
		result.Score = newScore
		result.InlierFraction = newFrac
	}

	return result
}

// CalculateInlierScore calculates a robust alignment score against the
// indexed points. Higher is better. Returns score, inlier fraction and mean
// inlier distance.
func CalculateInlierScore(index SpatialIndex, source []r3.Vector, maxDist float64) (float64, float64, float64) {
	inlierCount := 0
	totalDist := 0.0

	for _, sp := range source {
		if _, d := index.Nearest(sp); d <= maxDist {
			inlierCount++
			totalDist += d
		}
	}

	if inlierCount == 0 {
		return 0, 0, math.MaxFloat64
	}

	inlierFraction := float64(inlierCount) / float64(len(source))
	avgInlierDist := totalDist / float64(inlierCount)

	// Score = Fraction / (1 + AvgDist / (2 * maxDist))
	score := inlierFraction / (1.0 + avgInlierDist/(2*maxDist))
	return score, inlierFraction, avgInlierDist
}

func findCorrespondences(index SpatialIndex, model, source []r3.Vector, maxDist float64) (srcCorr, tgtCorr []r3.Vector, distances []float64) {
	for _, sp := range source {
		i, d := index.Nearest(sp)
		if i >= 0 && d <= maxDist {
			srcCorr = append(srcCorr, sp)
			tgtCorr = append(tgtCorr, model[i])
			distances = append(distances, d)
		}
	}
	return
}

// rejectOutliers removes correspondences with distances above the given percentile
func rejectOutliers(srcCorr, tgtCorr []r3.Vector, distances []float64, percentile float64) ([]r3.Vector, []r3.Vector) {
	if len(distances) == 0 || percentile >= 1.0 || percentile <= 0 {
		return srcCorr, tgtCorr
	}

	sortedDists := make([]float64, len(distances))
	copy(sortedDists, distances)
	sort.Float64s(sortedDists)

	idx := int(float64(len(sortedDists)) * percentile)
	if idx >= len(sortedDists) {
		idx = len(sortedDists) - 1
	}
	threshold := sortedDists[idx]

	var filteredSrc, filteredTgt []r3.Vector
	for i, d := range distances {
		if d <= threshold {
			filteredSrc = append(filteredSrc, srcCorr[i])
			filteredTgt = append(filteredTgt, tgtCorr[i])
		}
	}
	return filteredSrc, filteredTgt
}

// CalculateRigidTransform returns the least-squares rotation and
// translation taking source onto target (Kabsch). ok is false when the SVD
// fails.
func CalculateRigidTransform(source, target []r3.Vector) (Matrix4, bool) {
	n := len(source)
	if n == 0 || n != len(target) {
		return Identity(), false
	}

	cs := meanVector(source)
	ct := meanVector(target)

	// Cross-covariance H = sum (t - ct)(s - cs)^T
	h := mat.NewDense(3, 3, nil)
	for i := range source {
		a := source[i].Sub(cs)
		b := target[i].Sub(ct)
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+bv[r]*av[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return Identity(), false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	s := mat.NewDiagDense(3, []float64{1, 1, 1})
	if mat.Det(&u)*mat.Det(&v) < 0 {
		s.SetDiag(2, -1)
	}
	var r mat.Dense
	r.Product(&u, s, v.T())

	var rot Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i][j] = r.At(i, j)
		}
	}
	return NewMatrix4(rot, ct.Sub(rot.MulVec(cs))), true
}

func meanVector(points []r3.Vector) r3.Vector {
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	zs := make([]float64, len(points))
	for i, p := range points {
		xs[i], ys[i], zs[i] = p.X, p.Y, p.Z
	}
	return r3.Vector{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil), Z: stat.Mean(zs, nil)}
}
