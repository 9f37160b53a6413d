package registration

import (
	"math"

	"github.com/golang/geo/r3"
)

// Mat3 is a row-major 3x3 matrix
type Mat3 [3][3]float64

// Identity3 returns the 3x3 identity
func Identity3() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Mat3FromRows builds a matrix whose rows are the given vectors
func Mat3FromRows(a, b, c r3.Vector) Mat3 {
	return Mat3{
		{a.X, a.Y, a.Z},
		{b.X, b.Y, b.Z},
		{c.X, c.Y, c.Z},
	}
}

// MulVec returns m*v
func (m Mat3) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Mul returns m*o
func (m Mat3) Mul(o Mat3) Mat3 {
	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[i][0]*o[0][j] + m[i][1]*o[1][j] + m[i][2]*o[2][j]
		}
	}
	return r
}

// Transpose returns the transpose of m
func (m Mat3) Transpose() Mat3 {
	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[j][i]
		}
	}
	return r
}

// Det returns the determinant of m
func (m Mat3) Det() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// Scale returns s*m
func (m Mat3) Scale(s float64) Mat3 {
	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[i][j] * s
		}
	}
	return r
}

// Matrix4 is a row-major homogeneous transform. The upper-left 3x3 block
// holds the (possibly scaled) rotation and the last column the translation.
type Matrix4 [4][4]float64

// Identity returns the 4x4 identity transform
func Identity() Matrix4 {
	return Matrix4{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
}

// NewMatrix4 assembles a transform from a linear part and a translation
func NewMatrix4(linear Mat3, t r3.Vector) Matrix4 {
	return Matrix4{
		{linear[0][0], linear[0][1], linear[0][2], t.X},
		{linear[1][0], linear[1][1], linear[1][2], t.Y},
		{linear[2][0], linear[2][1], linear[2][2], t.Z},
		{0, 0, 0, 1},
	}
}

// Linear returns the upper-left 3x3 block
func (m Matrix4) Linear() Mat3 {
	return Mat3{
		{m[0][0], m[0][1], m[0][2]},
		{m[1][0], m[1][1], m[1][2]},
		{m[2][0], m[2][1], m[2][2]},
	}
}

// TranslationPart returns the translation column
func (m Matrix4) TranslationPart() r3.Vector {
	return r3.Vector{X: m[0][3], Y: m[1][3], Z: m[2][3]}
}

// Translation creates a translation-only transform
func Translation(tx, ty, tz float64) Matrix4 {
	return NewMatrix4(Identity3(), r3.Vector{X: tx, Y: ty, Z: tz})
}

// TranslationVec creates a translation-only transform from a vector
func TranslationVec(t r3.Vector) Matrix4 {
	return NewMatrix4(Identity3(), t)
}

// RotationZ creates a rotation about the Z axis (angle in radians)
func RotationZ(angle float64) Matrix4 {
	cos, sin := math.Cos(angle), math.Sin(angle)
	return NewMatrix4(Mat3{{cos, -sin, 0}, {sin, cos, 0}, {0, 0, 1}}, r3.Vector{})
}

// RotationAxis creates a rotation of angle radians about axis (Rodrigues)
func RotationAxis(axis r3.Vector, angle float64) Matrix4 {
	k := axis.Normalize()
	cos, sin := math.Cos(angle), math.Sin(angle)
	c1 := 1 - cos
	r := Mat3{
		{cos + k.X*k.X*c1, k.X*k.Y*c1 - k.Z*sin, k.X*k.Z*c1 + k.Y*sin},
		{k.Y*k.X*c1 + k.Z*sin, cos + k.Y*k.Y*c1, k.Y*k.Z*c1 - k.X*sin},
		{k.Z*k.X*c1 - k.Y*sin, k.Z*k.Y*c1 + k.X*sin, cos + k.Z*k.Z*c1},
	}
	return NewMatrix4(r, r3.Vector{})
}

// MultiplyMatrices composes two transforms: result = m1 * m2.
// Applying result is equivalent to applying m2 first, then m1.
func MultiplyMatrices(m1, m2 Matrix4) Matrix4 {
	var r Matrix4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			r[i][j] = m1[i][0]*m2[0][j] + m1[i][1]*m2[1][j] + m1[i][2]*m2[2][j] + m1[i][3]*m2[3][j]
		}
	}
	return r
}

// InvertMatrix inverts a similarity transform (uniform scale times rotation
// plus translation). Returns identity if the linear part is singular.
func InvertMatrix(m Matrix4) Matrix4 {
	lin := m.Linear()
	det := lin.Det()
	if math.Abs(det) < 1e-12 {
		return Identity()
	}
	// For s*R the inverse is R^T/s and s^2 = det^(2/3).
	s2 := math.Cbrt(det * det)
	inv := lin.Transpose().Scale(1 / s2)
	t := inv.MulVec(m.TranslationPart()).Mul(-1)
	return NewMatrix4(inv, t)
}

// TransformPoint applies m to a position
func TransformPoint(p r3.Vector, m Matrix4) r3.Vector {
	return r3.Vector{
		X: m[0][0]*p.X + m[0][1]*p.Y + m[0][2]*p.Z + m[0][3],
		Y: m[1][0]*p.X + m[1][1]*p.Y + m[1][2]*p.Z + m[1][3],
		Z: m[2][0]*p.X + m[2][1]*p.Y + m[2][2]*p.Z + m[2][3],
	}
}

// TransformPositions applies m to every position
func TransformPositions(points []r3.Vector, m Matrix4) []r3.Vector {
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		out[i] = TransformPoint(p, m)
	}
	return out
}

// TransformCloud applies m to every point of the cloud. Normals are rotated
// and renormalised; missing normals stay missing.
func TransformCloud(c Cloud, m Matrix4) Cloud {
	lin := m.Linear()
	out := make(Cloud, len(c))
	for i, p := range c {
		out[i].Pos = TransformPoint(p.Pos, m)
		if p.HasNormal() {
			out[i].Normal = lin.MulVec(p.Normal).Normalize()
		}
	}
	return out
}

// RotationAngle returns the rotation angle (radians) encoded in the linear
// part of m, ignoring any uniform scale
func RotationAngle(m Matrix4) float64 {
	lin := m.Linear()
	s := math.Cbrt(lin.Det())
	if s == 0 {
		return 0
	}
	c := ((lin[0][0]+lin[1][1]+lin[2][2])/s - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// ValidateAlignment checks that a transform is a proper rigid motion: the
// linear part is orthonormal up to tolerance and does not reflect.
func ValidateAlignment(m Matrix4, tol float64) bool {
	lin := m.Linear()
	if lin.Det() <= 0 {
		return false
	}
	rtr := lin.Transpose().Mul(lin)
	id := Identity3()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(rtr[i][j]-id[i][j]) > tol {
				return false
			}
		}
	}
	return m[3] == [4]float64{0, 0, 0, 1}
}
