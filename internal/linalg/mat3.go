package linalg

import "math"

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

// MulVec returns M*v.
func (m Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Mat3Invert computes the inverse of m via cofactor expansion. It returns
// ok=false when |det| < 1e-10 rather than dividing by a near-singular
// determinant.
func Mat3Invert(m Mat3) (inv Mat3, ok bool) {
	a, b, c := m[0][0], m[0][1], m[0][2]
	d, e, f := m[1][0], m[1][1], m[1][2]
	g, h, i := m[2][0], m[2][1], m[2][2]

	cofA := e*i - f*h
	cofB := f*g - d*i
	cofC := d*h - e*g

	det := a*cofA + b*cofB + c*cofC
	if math.Abs(det) < 1e-10 {
		return Mat3{}, false
	}
	invDet := 1.0 / det

	inv[0][0] = cofA * invDet
	inv[0][1] = (c*h - b*i) * invDet
	inv[0][2] = (b*f - c*e) * invDet
	inv[1][0] = cofB * invDet
	inv[1][1] = (a*i - c*g) * invDet
	inv[1][2] = (c*d - a*f) * invDet
	inv[2][0] = cofC * invDet
	inv[2][1] = (b*g - a*h) * invDet
	inv[2][2] = (a*e - b*d) * invDet

	return inv, true
}
