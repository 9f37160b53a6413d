package registration

import (
	"math"

	"github.com/golang/geo/r3"
)

// Centroid returns the mean position of the points (zero for an empty set)
func Centroid(points []r3.Vector) r3.Vector {
	if len(points) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(points)))
}

// Bounds returns the axis-aligned bounding box of the points
func Bounds(points []r3.Vector) (lo, hi r3.Vector) {
	if len(points) == 0 {
		return
	}
	lo, hi = points[0], points[0]
	for _, p := range points[1:] {
		lo = r3.Vector{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = r3.Vector{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}
	return lo, hi
}

// MaxExtent is the largest side of the bounding box of the points
func MaxExtent(points []r3.Vector) float64 {
	lo, hi := Bounds(points)
	d := hi.Sub(lo)
	return math.Max(d.X, math.Max(d.Y, d.Z))
}

// plane is the set of x with Normal·x = Offset. Normal has unit length.
type plane struct {
	Normal r3.Vector
	Offset float64
}

func (p plane) distance(x r3.Vector) float64 {
	return math.Abs(p.Normal.Dot(x) - p.Offset)
}

// fitPlane returns the plane through a, b and c. ok is false when the three
// points are (nearly) collinear.
func fitPlane(a, b, c r3.Vector) (plane, bool) {
	u, w := b.Sub(a), c.Sub(a)
	n := u.Cross(w)
	nn := n.Norm()
	if nn == 0 || nn <= 1e-9*u.Norm()*w.Norm() {
		return plane{}, false
	}
	n = n.Mul(1 / nn)
	return plane{Normal: n, Offset: n.Dot(a)}, true
}

// triangleArea is half the norm of the edge cross product
func triangleArea(a, b, c r3.Vector) float64 {
	return 0.5 * b.Sub(a).Cross(c.Sub(a)).Norm()
}

// segmentDistance returns the minimum distance between segments p0p1 and
// q0q1 together with the parameters sc, tc in [0,1] of the closest points
// p0+sc(p1-p0) and q0+tc(q1-q0).
func segmentDistance(p0, p1, q0, q1 r3.Vector) (dist, sc, tc float64) {
	const small = 1e-12

	u := p1.Sub(p0)
	v := q1.Sub(q0)
	w := p0.Sub(q0)
	a := u.Dot(u)
	b := u.Dot(v)
	c := v.Dot(v)
	d := u.Dot(w)
	e := v.Dot(w)
	D := a*c - b*b

	sN, sD := D, D
	tN, tD := D, D

	if D <= 1e-9*a*c {
		// Parallel (or degenerate) segments: pin s to 0.
		sN, sD = 0, 1
		tN, tD = e, c
		if c == 0 {
			tN, tD = 0, 1
		}
	} else {
		sN = b*e - c*d
		tN = a*e - b*d
		if sN < 0 {
			sN, tN, tD = 0, e, c
		} else if sN > sD {
			sN, tN, tD = sD, e+b, c
		}
	}

	if tN < 0 {
		tN = 0
		switch {
		case -d < 0:
			sN = 0
		case -d > a:
			sN = sD
		default:
			sN, sD = -d, a
		}
	} else if tN > tD {
		tN = tD
		switch {
		case -d+b < 0:
			sN = 0
		case -d+b > a:
			sN = sD
		default:
			sN, sD = -d+b, a
		}
	}

	if math.Abs(sN) > small && sD != 0 {
		sc = sN / sD
	}
	if math.Abs(tN) > small && tD != 0 {
		tc = tN / tD
	}

	dP := w.Add(u.Mul(sc)).Sub(v.Mul(tc))
	return dP.Norm(), sc, tc
}

// interpolate returns a + f(b-a)
func interpolate(a, b r3.Vector, f float64) r3.Vector {
	return a.Add(b.Sub(a).Mul(f))
}

func isFinite(v r3.Vector) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z) &&
		!math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0) && !math.IsInf(v.Z, 0)
}
