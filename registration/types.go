package registration

import (
	"time"

	"github.com/golang/geo/r3"
)

// Point is a single range sample. Normal is a unit vector, or the zero
// vector when no normal could be estimated for the point.
type Point struct {
	Pos    r3.Vector `json:"pos" yaml:"pos"`
	Normal r3.Vector `json:"normal" yaml:"normal"`
}

// NewPoint creates a point without a normal
func NewPoint(x, y, z float64) Point {
	return Point{Pos: r3.Vector{X: x, Y: y, Z: z}}
}

// HasNormal reports whether a normal has been assigned to the point
func (p Point) HasNormal() bool {
	return p.Normal != (r3.Vector{})
}

// Cloud is an ordered point cloud. Points are identified by their index.
type Cloud []Point

// CloudFromArray builds a cloud from raw xyz triples
func CloudFromArray(xyz [][3]float64) Cloud {
	cloud := make(Cloud, len(xyz))
	for i, p := range xyz {
		cloud[i] = NewPoint(p[0], p[1], p[2])
	}
	return cloud
}

// Array returns the raw xyz triples of the cloud
func (c Cloud) Array() [][3]float64 {
	out := make([][3]float64, len(c))
	for i, p := range c {
		out[i] = [3]float64{p.Pos.X, p.Pos.Y, p.Pos.Z}
	}
	return out
}

// Positions returns the coordinates of every point
func (c Cloud) Positions() []r3.Vector {
	out := make([]r3.Vector, len(c))
	for i, p := range c {
		out[i] = p.Pos
	}
	return out
}

// Clone returns a deep copy of the cloud
func (c Cloud) Clone() Cloud {
	out := make(Cloud, len(c))
	copy(out, c)
	return out
}

// BaseQuad is a near-coplanar 4-point base drawn from the model sample.
// Segment 1 joins indices 0 and 1, segment 2 joins indices 2 and 3. F1 and
// F2 are the positions of the segments' closest approach along each segment.
type BaseQuad struct {
	Indices [4]int
	Points  [4]r3.Vector
	F1      float64
	F2      float64
}

// SegmentLengths returns the lengths of the two base segments
func (q BaseQuad) SegmentLengths() (d1, d2 float64) {
	return q.Points[0].Distance(q.Points[1]), q.Points[2].Distance(q.Points[3])
}

// QuadIndex holds 4 indices into the target sample. Entry i is matched with
// base quad index i.
type QuadIndex [4]int

// Result is the outcome of one registration call
type Result struct {
	ID            string     `json:"id"`
	Success       bool       `json:"success"`
	Matrix        Matrix4    `json:"matrix"`
	CoarseMatrix  Matrix4    `json:"coarseMatrix"`
	Score         float64    `json:"score"`
	Trials        int        `json:"trials"`
	Candidates    int        `json:"candidates"`
	ICP           ICPSummary `json:"icp"`
	Delta         float64    `json:"delta"`
	Overlap       float64    `json:"overlap"`
	ModelPoints   int        `json:"modelPoints"`
	TargetPoints  int        `json:"targetPoints"`
	FailureReason string     `json:"failureReason,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	Duration      string     `json:"duration"`

	// Transformed is the target cloud moved into the model frame
	Transformed Cloud `json:"-"`
}

// ICPSummary is the serialisable part of an ICP run
type ICPSummary struct {
	Iterations int     `json:"iterations"`
	Error      float64 `json:"error"`
	Converged  bool    `json:"converged"`
}

// TrialStats counts how each trial of a run ended
type TrialStats struct {
	Trials          int `json:"trials"`
	QuadFailures    int `json:"quadFailures"`
	NoMatch         int `json:"noMatch"`
	NoAcceptable    int `json:"noAcceptable"`
	CandidatesTried int `json:"candidatesTried"`
}
