package registration

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Neighbor is a search hit: the index of the point in the indexed set and
// its Euclidean distance to the query.
type Neighbor struct {
	Index int
	Dist  float64
}

// SpatialIndex answers proximity queries over a fixed point set.
// Distances are Euclidean (not squared).
type SpatialIndex interface {
	// Nearest returns the closest point, or (-1, +Inf) for an empty index.
	Nearest(q r3.Vector) (int, float64)
	// KNearest returns up to k closest points ordered by distance.
	KNearest(q r3.Vector, k int) []Neighbor
	// Radius returns every point within r of q ordered by distance.
	Radius(q r3.Vector, r float64) []Neighbor
	Len() int
}

// IndexBuilder builds a SpatialIndex over points. The slice is not retained.
type IndexBuilder func(points []r3.Vector) SpatialIndex

// KDTreeBuilder is the default IndexBuilder
func KDTreeBuilder(points []r3.Vector) SpatialIndex {
	return NewKDTree(points)
}

// KDTree is a SpatialIndex backed by gonum's k-d tree
type KDTree struct {
	tree *kdtree.Tree
	n    int
}

// NewKDTree builds a k-d tree over points
func NewKDTree(points []r3.Vector) *KDTree {
	if len(points) == 0 {
		return &KDTree{}
	}
	pts := make(kdPoints, len(points))
	for i, p := range points {
		pts[i] = kdPoint{Vector: p, idx: i}
	}
	return &KDTree{tree: kdtree.New(pts, false), n: len(pts)}
}

func (t *KDTree) Len() int { return t.n }

func (t *KDTree) Nearest(q r3.Vector) (int, float64) {
	if t.tree == nil {
		return -1, math.Inf(1)
	}
	c, d := t.tree.Nearest(kdPoint{Vector: q, idx: -1})
	if c == nil {
		return -1, math.Inf(1)
	}
	return c.(kdPoint).idx, math.Sqrt(d)
}

func (t *KDTree) KNearest(q r3.Vector, k int) []Neighbor {
	if t.tree == nil || k <= 0 {
		return nil
	}
	keep := kdtree.NewNKeeper(k)
	t.tree.NearestSet(keep, kdPoint{Vector: q, idx: -1})
	return neighbors(keep.Heap)
}

func (t *KDTree) Radius(q r3.Vector, r float64) []Neighbor {
	if t.tree == nil || r < 0 {
		return nil
	}
	keep := kdtree.NewDistKeeper(r * r)
	t.tree.NearestSet(keep, kdPoint{Vector: q, idx: -1})
	return neighbors(keep.Heap)
}

// neighbors converts a keeper heap (sorted ascending after NearestSet)
func neighbors(h kdtree.Heap) []Neighbor {
	out := make([]Neighbor, 0, len(h))
	for _, cd := range h {
		if cd.Comparable == nil {
			continue
		}
		out = append(out, Neighbor{Index: cd.Comparable.(kdPoint).idx, Dist: math.Sqrt(cd.Dist)})
	}
	return out
}

// kdPoint adapts r3.Vector to kdtree.Comparable and remembers its position
// in the indexed slice.
type kdPoint struct {
	r3.Vector
	idx int
}

func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(kdPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

func (p kdPoint) Dims() int { return 3 }

// Distance is the squared Euclidean distance, as kdtree expects.
func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(kdPoint)
	return p.Vector.Sub(q.Vector).Norm2()
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Pivot(d kdtree.Dim) int                { return kdPlane{Dim: d, kdPoints: p}.Pivot() }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// kdPlane sorts points along a single dimension
type kdPlane struct {
	kdtree.Dim
	kdPoints
}

func (p kdPlane) Less(i, j int) bool {
	return p.kdPoints[i].Compare(p.kdPoints[j], p.Dim) < 0
}
func (p kdPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	p.kdPoints = p.kdPoints[start:end]
	return p
}
func (p kdPlane) Swap(i, j int) {
	p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i]
}

// BruteForceIndex is a linear-scan SpatialIndex. It is exact and has no
// build cost, which suits very small point sets and tests.
type BruteForceIndex struct {
	points []r3.Vector
}

// BruteForceBuilder is an IndexBuilder producing a BruteForceIndex
func BruteForceBuilder(points []r3.Vector) SpatialIndex {
	pts := make([]r3.Vector, len(points))
	copy(pts, points)
	return &BruteForceIndex{points: pts}
}

func (b *BruteForceIndex) Len() int { return len(b.points) }

func (b *BruteForceIndex) Nearest(q r3.Vector) (int, float64) {
	best, bestDist := -1, math.Inf(1)
	for i, p := range b.points {
		if d := p.Distance(q); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}

func (b *BruteForceIndex) KNearest(q r3.Vector, k int) []Neighbor {
	if k <= 0 {
		return nil
	}
	all := make([]Neighbor, len(b.points))
	for i, p := range b.points {
		all[i] = Neighbor{Index: i, Dist: p.Distance(q)}
	}
	sortNeighbors(all)
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func (b *BruteForceIndex) Radius(q r3.Vector, r float64) []Neighbor {
	var out []Neighbor
	for i, p := range b.points {
		if d := p.Distance(q); d <= r {
			out = append(out, Neighbor{Index: i, Dist: d})
		}
	}
	sortNeighbors(out)
	return out
}

func sortNeighbors(n []Neighbor) {
	sort.Slice(n, func(i, j int) bool {
		if n[i].Dist != n[j].Dist {
			return n[i].Dist < n[j].Dist
		}
		return n[i].Index < n[j].Index
	})
}
