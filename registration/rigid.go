package registration

import (
	"math"

	"github.com/golang/geo/r3"
)

// RigidTransform maps a target point q to Scale*Rotation*(q-Pivot) +
// Pivot + Translation.
type RigidTransform struct {
	Rotation    Mat3
	Translation r3.Vector
	Scale       float64
	Pivot       r3.Vector
}

// Apply transforms a single point
func (t RigidTransform) Apply(q r3.Vector) r3.Vector {
	return t.Rotation.MulVec(q.Sub(t.Pivot)).Mul(t.Scale).Add(t.Pivot).Add(t.Translation)
}

// Matrix returns the equivalent homogeneous transform
func (t RigidTransform) Matrix() Matrix4 {
	lin := t.Rotation.Scale(t.Scale)
	return NewMatrix4(lin, t.Pivot.Add(t.Translation).Sub(lin.MulVec(t.Pivot)))
}

// estimateRigid fits the transform taking target onto model for one
// candidate quad. The target points are first greedily re-paired with the
// model points by matching squared distances to the quad centroids. The
// rotation aligns the orthonormal frames spanned by the first three pairs;
// the pivot is the target triangle's centroid and the translation moves it
// onto the model triangle's centroid. The residual is the summed error of
// the three fitting pairs divided by four. ok is false for a degenerate
// frame.
func estimateRigid(model, target [4]r3.Vector, estimateScale bool) (t RigidTransform, residual float64, ok bool) {
	target = reassign(model, target, estimateScale)

	mf, ok := frame(model[0], model[1], model[2])
	if !ok {
		return RigidTransform{}, math.Inf(1), false
	}
	tf, ok := frame(target[0], target[1], target[2])
	if !ok {
		return RigidTransform{}, math.Inf(1), false
	}
	rot := mf.Transpose().Mul(tf)

	cm := Centroid(model[:3])
	ct := Centroid(target[:3])

	scale := 1.0
	if estimateScale {
		var sm, st float64
		for i := 0; i < 3; i++ {
			sm += model[i].Distance(cm)
			st += target[i].Distance(ct)
		}
		if st > 0 {
			scale = sm / st
		}
	}

	for i := 0; i < 3; i++ {
		moved := rot.MulVec(target[i].Sub(ct)).Mul(scale)
		residual += moved.Distance(model[i].Sub(cm))
	}
	residual /= 4

	return RigidTransform{
		Rotation:    rot,
		Translation: cm.Sub(ct),
		Scale:       scale,
		Pivot:       ct,
	}, residual, true
}

// reassign greedily orders target so that target[i] is the unused point
// whose squared distance to the target centroid best matches model[i]'s
// squared distance to the model centroid. With normalize set, each side's
// distances are divided by their mean first, so a scaled quad still pairs
// up.
func reassign(model, target [4]r3.Vector, normalize bool) [4]r3.Vector {
	dm := centroidDistances(model, normalize)
	dt := centroidDistances(target, normalize)
	var out [4]r3.Vector
	var used [4]bool
	for i := 0; i < 4; i++ {
		best, bestDiff := -1, math.Inf(1)
		for j := 0; j < 4; j++ {
			if used[j] {
				continue
			}
			if diff := math.Abs(dm[i] - dt[j]); diff < bestDiff {
				best, bestDiff = j, diff
			}
		}
		used[best] = true
		out[i] = target[best]
	}
	return out
}

// centroidDistances returns the squared distance of each point to the
// quad centroid
func centroidDistances(q [4]r3.Vector, normalize bool) [4]float64 {
	c := Centroid(q[:])
	var d [4]float64
	sum := 0.0
	for i, p := range q {
		d[i] = p.Sub(c).Norm2()
		sum += d[i]
	}
	if normalize && sum > 0 {
		for i := range d {
			d[i] /= sum / 4
		}
	}
	return d
}

// frame returns the rows x, y, z of the orthonormal frame with x along
// p2-p1 and y in the plane of the three points.
func frame(p1, p2, p3 r3.Vector) (Mat3, bool) {
	x := p2.Sub(p1)
	if x.Norm() == 0 {
		return Mat3{}, false
	}
	x = x.Normalize()
	v := p3.Sub(p1)
	y := v.Sub(x.Mul(v.Dot(x)))
	if y.Norm() <= 1e-12*v.Norm() || y.Norm() == 0 {
		return Mat3{}, false
	}
	y = y.Normalize()
	return Mat3FromRows(x, y, x.Cross(y)), true
}
