package registration

import (
	"fmt"
	"math"

	poly2tri "github.com/ByteArena/poly2tri-go"
	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
)

const (
	// Projected coordinates are rescaled so their largest extent is this
	// long. poly2tri's collinearity epsilon is absolute.
	triangulationExtent = 1000.0
	// Padding of the enclosing box, in multiples of triangulationExtent.
	// Triangles touching the box are dropped, so a far box keeps almost all
	// hull triangles of the Delaunay triangulation.
	triangulationPadding = 10.0
)

// EstimateNormals assigns a normal to every point from a Delaunay
// triangulation of the xy projection. Each triangle, taken counter-clockwise
// in xy, contributes its unit face normal to its three vertices; the vertex
// normal is the normalised mean. Points with no incident triangle get the
// zero vector. Points whose projections coincide share one vertex and so
// receive the same normal. Only the Normal field is written.
func EstimateNormals(points Cloud) error {
	for i := range points {
		points[i].Normal = r3.Vector{}
	}

	type xy struct{ x, y float64 }
	vertexOf := make(map[xy]int, len(points))
	owner := make([]int, len(points))
	var first []int
	projected := make(orb.MultiPoint, 0, len(points))
	for i, p := range points {
		k := xy{p.Pos.X, p.Pos.Y}
		v, ok := vertexOf[k]
		if !ok {
			v = len(first)
			vertexOf[k] = v
			first = append(first, i)
			projected = append(projected, orb.Point{p.Pos.X, p.Pos.Y})
		}
		owner[i] = v
	}
	if len(first) < 3 {
		return nil
	}

	triangles, err := triangulateXY(projected)
	if err != nil {
		return err
	}

	sums := make([]r3.Vector, len(first))
	counts := make([]int, len(first))
	for _, t := range triangles {
		p1, p2, p3 := points[first[t[0]]].Pos, points[first[t[1]]].Pos, points[first[t[2]]].Pos
		n := p3.Sub(p2).Cross(p1.Sub(p2)).Normalize()
		for _, v := range t {
			sums[v] = sums[v].Add(n)
			counts[v]++
		}
	}

	for i := range points {
		v := owner[i]
		if counts[v] == 0 {
			continue
		}
		points[i].Normal = sums[v].Mul(1 / float64(counts[v])).Normalize()
	}
	return nil
}

// triangulateXY returns the triangles of a Delaunay triangulation of pts as
// counter-clockwise index triples. pts must be distinct.
func triangulateXY(pts orb.MultiPoint) (triangles [][3]int, err error) {
	bound := pts.Bound()
	extent := math.Max(bound.Right()-bound.Left(), bound.Top()-bound.Bottom())
	if extent == 0 {
		return nil, nil
	}
	scale := triangulationExtent / extent
	center := bound.Center()

	steiner := make([]*poly2tri.Point, len(pts))
	ids := make(map[*poly2tri.Point]int, len(pts))
	for i, p := range pts {
		v := poly2tri.NewPoint((p[0]-center[0])*scale, (p[1]-center[1])*scale)
		steiner[i] = v
		ids[v] = i
	}

	half := triangulationExtent / 2
	box := orb.Bound{Min: orb.Point{-half, -half}, Max: orb.Point{half, half}}.
		Pad(triangulationExtent * triangulationPadding).
		ToRing()
	contour := make([]*poly2tri.Point, 0, 4)
	for _, c := range box[:len(box)-1] {
		contour = append(contour, poly2tri.NewPoint(c[0], c[1]))
	}

	defer func() {
		if r := recover(); r != nil {
			triangles = nil
			err = fmt.Errorf("%w: %v", ErrTriangulation, r)
		}
	}()

	sweep := poly2tri.NewSweepContext(contour, false)
	sweep.AddPoints(steiner)
	sweep.Triangulate()

	for _, t := range sweep.GetTriangles() {
		var tri [3]int
		inside := true
		for k := 0; k < 3; k++ {
			id, ok := ids[t.Points[k]]
			if !ok {
				inside = false
				break
			}
			tri[k] = id
		}
		if !inside {
			continue
		}
		ring := orb.Ring{pts[tri[0]], pts[tri[1]], pts[tri[2]], pts[tri[0]]}
		switch ring.Orientation() {
		case orb.CW:
			tri[1], tri[2] = tri[2], tri[1]
		case 0:
			continue
		}
		triangles = append(triangles, tri)
	}
	return triangles, nil
}
