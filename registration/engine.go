package registration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// trialContext is the per-call search state shared by the selector, the
// matcher, the estimator and the verifier. It is built once before the
// first trial and never modified afterwards.
type trialContext struct {
	cfg Config

	model     []Point // model sample, centered on the full model centroid
	target    []Point // target sample, centered on the full target centroid
	modelPos  []r3.Vector
	targetPos []r3.Vector

	modelCentroid  r3.Vector
	targetCentroid r3.Vector

	modelIndex SpatialIndex
	build      IndexBuilder

	meanDist      float64 // half the mean nearest-neighbour spacing of the model sample
	eps           float64 // pair and congruence tolerance
	hitRadius     float64 // LCP hit distance
	quadExtent    float64 // upper bound on base edge length
	minSeparation float64 // minimum distance between base points
	threshold     float64 // LCP score a candidate must exceed
}

// Engine runs 4PCS registration followed by ICP refinement. An Engine holds
// no per-call state, so one value may serve concurrent calls as long as
// RNGFactory returns an independent generator per call.
type Engine struct {
	Config       Config
	Refiner      Refiner
	IndexBuilder IndexBuilder
	// RNGFactory creates the generator for one call. Defaults to a generator
	// seeded with Config.Seed.
	RNGFactory func() *rand.Rand
	Logger     *zap.Logger
}

// NewEngine creates an engine with a k-d tree index and point-to-point ICP
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Config:       cfg,
		Refiner:      NewPointToPointICP(DefaultICPConfig()),
		IndexBuilder: KDTreeBuilder,
		Logger:       logger,
	}
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) newRNG() *rand.Rand {
	if e.RNGFactory != nil {
		return e.RNGFactory()
	}
	return rand.New(rand.NewSource(e.Config.Seed))
}

// Compute aligns target onto model. On success the Result carries the
// target-to-model matrix and the transformed target. On failure the error
// matches one of the package sentinels (or a context error) with errors.Is
// and the Result, when non-nil, records the failure.
func (e *Engine) Compute(ctx context.Context, model, target Cloud) (*Result, error) {
	started := time.Now()
	log := e.logger()

	result := &Result{
		ID:           uuid.NewString(),
		Matrix:       Identity(),
		CoarseMatrix: Identity(),
		Delta:        e.Config.Delta,
		Overlap:      e.Config.Overlap,
		ModelPoints:  len(model),
		TargetPoints: len(target),
		StartedAt:    started,
	}
	fail := func(err error) (*Result, error) {
		result.FailureReason = string(ReasonOf(err))
		result.Duration = time.Since(started).String()
		log.Info("registration failed",
			zap.String("id", result.ID),
			zap.String("reason", result.FailureReason),
			zap.Int("trials", result.Trials),
			zap.Error(err))
		return result, err
	}

	rng := e.newRNG()
	tc, err := e.prepare(model, target, rng)
	if err != nil {
		return fail(err)
	}

	budget := tc.cfg.TrialBudget(tc.quadExtent)
	log.Debug("search prepared",
		zap.String("id", result.ID),
		zap.Int("modelSample", len(tc.model)),
		zap.Int("targetSample", len(tc.target)),
		zap.Float64("eps", tc.eps),
		zap.Float64("quadExtent", tc.quadExtent),
		zap.Float64("threshold", tc.threshold),
		zap.Int("budget", budget))

	var (
		stats    TrialStats
		best     trialOutcome
		last     error
		accepted bool
	)
	for trial := 0; trial < budget; trial++ {
		if err := ctx.Err(); err != nil {
			result.Trials = stats.Trials
			return fail(&RegistrationError{
				Reason:    ReasonCanceled,
				Trials:    stats.Trials,
				BestScore: best.score,
				Last:      last,
				Cause:     err,
			})
		}
		stats.Trials++

		out, err := runTrial(tc, rng, &stats)
		if out.valid && (!best.valid || out.score > best.score) {
			best = out
		}
		log.Debug("trial",
			zap.Int("trial", trial),
			zap.Int("candidates", out.candidates),
			zap.Float64("score", out.score),
			zap.Float64("best", best.score),
			zap.Error(err))
		if err == nil {
			accepted = true
			break
		}
		last = err
	}

	result.Trials = stats.Trials
	result.Candidates = stats.CandidatesTried
	result.Score = best.score
	if !accepted {
		return fail(&RegistrationError{
			Reason:    ReasonTrialBudgetExhausted,
			Trials:    stats.Trials,
			BestScore: best.score,
			Last:      last,
			Cause:     ErrTrialBudgetExhausted,
		})
	}

	// Undo the centering: target -> centered target -> centered model -> model.
	coarse := MultiplyMatrices(TranslationVec(tc.modelCentroid),
		MultiplyMatrices(best.transform.Matrix(), TranslationVec(tc.targetCentroid.Mul(-1))))
	result.CoarseMatrix = coarse

	final := coarse
	if !tc.cfg.SkipRefinement && e.Refiner != nil {
		icp := e.Refiner.Refine(ctx, model.Positions(), target.Positions(), coarse)
		final = MultiplyMatrices(icp.Transform, coarse)
		result.ICP = ICPSummary{Iterations: icp.Iterations, Error: icp.Error, Converged: icp.Converged}
	}

	result.Success = true
	result.Matrix = final
	result.Transformed = TransformCloud(target, final)
	result.Duration = time.Since(started).String()

	log.Info("registration succeeded",
		zap.String("id", result.ID),
		zap.Int("trials", stats.Trials),
		zap.Int("candidates", stats.CandidatesTried),
		zap.Int("quadFailures", stats.QuadFailures),
		zap.Int("noMatch", stats.NoMatch),
		zap.Float64("score", best.score),
		zap.Int("icpIterations", result.ICP.Iterations),
		zap.Float64("rotationDeg", RotationAngle(final)*180/math.Pi),
		zap.String("duration", result.Duration))
	return result, nil
}

// prepare validates the input and builds the trial context
func (e *Engine) prepare(model, target Cloud, rng *rand.Rand) (*trialContext, error) {
	cfg := e.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientData, err)
	}
	if len(model) < MinPoints || len(target) < MinPoints {
		return nil, insufficient("need at least %d points per cloud, got %d and %d", MinPoints, len(model), len(target))
	}
	for _, c := range []Cloud{model, target} {
		for i, p := range c {
			if !isFinite(p.Pos) {
				return nil, insufficient("point %d has non-finite coordinates", i)
			}
		}
	}

	model, target = model.Clone(), target.Clone()
	if cfg.UseNormals {
		for _, c := range []Cloud{model, target} {
			if err := EstimateNormals(c); err != nil {
				return nil, fmt.Errorf("estimating normals: %w", err)
			}
			if !anyNormal(c) {
				return nil, insufficient("no normals could be estimated")
			}
		}
	}

	build := e.IndexBuilder
	if build == nil {
		build = KDTreeBuilder
	}

	tc := &trialContext{
		cfg:            cfg,
		build:          build,
		modelCentroid:  Centroid(model.Positions()),
		targetCentroid: Centroid(target.Positions()),
	}
	tc.model = samplePoints(model, cfg.SampleSize, tc.modelCentroid, rng)
	tc.target = samplePoints(target, cfg.SampleSize, tc.targetCentroid, rng)
	if len(tc.model) < MinPoints || len(tc.target) < MinPoints {
		return nil, insufficient("samples too small: %d and %d points", len(tc.model), len(tc.target))
	}
	tc.modelPos = Cloud(tc.model).Positions()
	tc.targetPos = Cloud(tc.target).Positions()

	tc.modelIndex = build(tc.modelPos)
	tc.meanDist = meanNearestNeighbor(tc.modelIndex, tc.modelPos, cfg.MeanDistQueries, rng) / 2
	if !(tc.meanDist > 0) || math.IsInf(tc.meanDist, 0) {
		return nil, insufficient("mean nearest-neighbour spacing is %v", tc.meanDist)
	}
	tc.eps = tc.meanDist * cfg.Delta
	tc.hitRadius = 2 * tc.eps

	tc.quadExtent = MaxExtent(tc.targetPos) * cfg.Overlap * 2
	if !(tc.quadExtent > 0) {
		return nil, insufficient("target sample has zero extent")
	}
	tc.minSeparation = cfg.SeparationFactor * tc.quadExtent
	// The hit radius follows the sample's own spacing, so the gate does not
	// depend on how much of either cloud the sampler kept.
	tc.threshold = cfg.Overlap * cfg.AcceptanceRatio
	return tc, nil
}

// trialOutcome is the best candidate seen in one trial
type trialOutcome struct {
	valid      bool
	transform  RigidTransform
	score      float64
	candidates int
}

// runTrial performs one select/match/estimate/score round. It returns a nil
// error only when a candidate scored above the acceptance threshold.
func runTrial(tc *trialContext, rng *rand.Rand, stats *TrialStats) (trialOutcome, error) {
	var out trialOutcome

	quad, err := selectQuad(tc, rng)
	if err != nil {
		stats.QuadFailures++
		return out, err
	}

	d1, d2 := quad.SegmentLengths()
	var dn1, dn2 float64
	if tc.cfg.UseNormals {
		n := func(i int) r3.Vector { return tc.model[quad.Indices[i]].Normal }
		dn1 = n(0).Sub(n(1)).Norm()
		dn2 = n(2).Sub(n(3)).Norm()
	}
	r1 := findPairs(tc.target, d1, dn1, tc.eps, tc.cfg.UseNormals, tc.cfg.NormalTolerance)
	if len(r1) == 0 {
		stats.NoMatch++
		return out, fmt.Errorf("%w: no target pairs at length %.4g", ErrNoCongruentMatch, d1)
	}
	r2 := findPairs(tc.target, d2, dn2, tc.eps, tc.cfg.UseNormals, tc.cfg.NormalTolerance)
	if len(r2) == 0 {
		stats.NoMatch++
		return out, fmt.Errorf("%w: no target pairs at length %.4g", ErrNoCongruentMatch, d2)
	}

	candidates := findCongruent(tc, quad, r1, r2)
	out.candidates = len(candidates)
	if len(candidates) == 0 {
		stats.NoMatch++
		return out, fmt.Errorf("%w: %d x %d pairs gave no congruent quad", ErrNoCongruentMatch, len(r1), len(r2))
	}

	gate := tc.cfg.ResidualFactor * tc.eps
	for _, cand := range candidates {
		stats.CandidatesTried++
		var pts [4]r3.Vector
		for i, idx := range cand {
			pts[i] = tc.targetPos[idx]
		}
		xf, residual, ok := estimateRigid(quad.Points, pts, tc.cfg.EstimateScale)
		if !ok || residual >= gate {
			continue
		}
		score := verifyLCP(tc.modelIndex, tc.targetPos, xf, tc.hitRadius, tc.threshold)
		if !out.valid || score > out.score {
			out.valid, out.transform, out.score = true, xf, score
		}
		if score > tc.threshold {
			return out, nil
		}
	}
	stats.NoAcceptable++
	return out, fmt.Errorf("%w: best score %.3f of %d candidates, need > %.3f",
		ErrNoAcceptableCandidate, out.score, len(candidates), tc.threshold)
}

// samplePoints keeps each point with probability 1/s, s = max(1,
// len/budget), and centers the kept positions on centroid.
func samplePoints(c Cloud, budget int, centroid r3.Vector, rng *rand.Rand) []Point {
	s := 1
	if budget > 0 && len(c) > budget {
		s = len(c) / budget
	}
	out := make([]Point, 0, len(c)/s+1)
	for _, p := range c {
		if s > 1 && rng.Intn(s) != 0 {
			continue
		}
		out = append(out, Point{Pos: p.Pos.Sub(centroid), Normal: p.Normal})
	}
	return out
}

// meanNearestNeighbor averages the distance from random sample points to
// their nearest other sample point.
func meanNearestNeighbor(index SpatialIndex, points []r3.Vector, queries int, rng *rand.Rand) float64 {
	sum := 0.0
	n := 0
	for i := 0; i < queries; i++ {
		nb := index.KNearest(points[rng.Intn(len(points))], 2)
		if len(nb) < 2 {
			continue
		}
		sum += nb[1].Dist
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func anyNormal(c Cloud) bool {
	for _, p := range c {
		if p.HasNormal() {
			return true
		}
	}
	return false
}

// Register is the boolean boundary of the engine. It aligns target onto
// model with the default configuration and the given delta and overlap,
// returning whether registration succeeded, the row-major target-to-model
// matrix and the transformed target. On failure the matrix is the identity
// and the target is returned unchanged.
func Register(ctx context.Context, model, target [][3]float64, delta, overlap float64) (bool, Matrix4, [][3]float64) {
	cfg := DefaultConfig()
	cfg.Delta = delta
	cfg.Overlap = overlap
	return NewEngine(cfg, nil).Register(ctx, model, target)
}

// Register runs Compute on raw coordinate arrays and reduces the outcome
// to a boolean.
func (e *Engine) Register(ctx context.Context, model, target [][3]float64) (bool, Matrix4, [][3]float64) {
	res, err := e.Compute(ctx, CloudFromArray(model), CloudFromArray(target))
	if err != nil || res == nil || !res.Success {
		out := make([][3]float64, len(target))
		copy(out, target)
		return false, Identity(), out
	}
	return true, res.Matrix, res.Transformed.Array()
}

// IsCanceled reports whether err stems from context cancellation or a
// deadline.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
