// Package xfm implements rigid 4x4 transform algebra for the coordinate
// frame chains used throughout the navigation core (tool -> tracker ->
// camera -> subject -> scan).
//
// Transforms are row-major [16]float64 homogeneous matrices whose upper-left
// 3x3 block is a proper rotation. All functions are pure: they allocate
// fresh output and never mutate their arguments.
package xfm

import (
	"fmt"
	"math"
)

// Transform is a 4x4 homogeneous rigid transform in row-major order:
// m00,m01,m02,m03, m10,... A valid transform has an orthonormal rotation
// block with determinant +1 and bottom row [0 0 0 1].
type Transform [16]float64

// RigidTolerance is the tolerance used when checking that a rotation block
// is orthonormal with determinant +1.
const RigidTolerance = 1e-6

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Compose builds a transform from a row-major 3x3 rotation block and a
// translation vector.
func Compose(rotation [9]float64, translation [3]float64) Transform {
	return Transform{
		rotation[0], rotation[1], rotation[2], translation[0],
		rotation[3], rotation[4], rotation[5], translation[1],
		rotation[6], rotation[7], rotation[8], translation[2],
		0, 0, 0, 1,
	}
}

// Rotation returns the row-major 3x3 rotation block.
func (t Transform) Rotation() [9]float64 {
	return [9]float64{
		t[0], t[1], t[2],
		t[4], t[5], t[6],
		t[8], t[9], t[10],
	}
}

// Translation returns the translation column.
func (t Transform) Translation() [3]float64 {
	return [3]float64{t[3], t[7], t[11]}
}

// CheckRigid verifies that t is a proper rigid transform. A failure
// indicates a defect in the caller, not a runtime condition: rows of the
// rotation block must be unit-length and mutually orthogonal, the
// determinant must be +1, and the bottom row must be [0 0 0 1].
func (t Transform) CheckRigid() error {
	return t.checkRigid(RigidTolerance)
}

func (t Transform) checkRigid(tol float64) error {
	rows := [3][3]float64{
		{t[0], t[1], t[2]},
		{t[4], t[5], t[6]},
		{t[8], t[9], t[10]},
	}
	for i := 0; i < 3; i++ {
		n := rows[i][0]*rows[i][0] + rows[i][1]*rows[i][1] + rows[i][2]*rows[i][2]
		if math.Abs(n-1) > tol {
			return fmt.Errorf("rotation row %d is not unit length (|r|^2 = %.9f)", i, n)
		}
		for j := i + 1; j < 3; j++ {
			d := rows[i][0]*rows[j][0] + rows[i][1]*rows[j][1] + rows[i][2]*rows[j][2]
			if math.Abs(d) > tol {
				return fmt.Errorf("rotation rows %d and %d are not orthogonal (dot = %.9f)", i, j, d)
			}
		}
	}
	det := rows[0][0]*(rows[1][1]*rows[2][2]-rows[1][2]*rows[2][1]) -
		rows[0][1]*(rows[1][0]*rows[2][2]-rows[1][2]*rows[2][0]) +
		rows[0][2]*(rows[1][0]*rows[2][1]-rows[1][1]*rows[2][0])
	if math.Abs(det-1) > tol {
		return fmt.Errorf("rotation block determinant %.9f is not +1 (reflection or scale)", det)
	}
	if t[12] != 0 || t[13] != 0 || t[14] != 0 || math.Abs(t[15]-1) > tol {
		return fmt.Errorf("bottom row is not [0 0 0 1]")
	}
	return nil
}

// Invert returns the rigid inverse of t. It exploits orthonormality of the
// rotation block (inverse = transpose) rather than performing a generic
// matrix inversion, which keeps the result numerically stable.
func Invert(t Transform) (Transform, error) {
	if err := t.CheckRigid(); err != nil {
		return Transform{}, fmt.Errorf("invert: %w", err)
	}
	// R' = R^T, t' = -R^T t
	r := t.Rotation()
	rt := [9]float64{
		r[0], r[3], r[6],
		r[1], r[4], r[7],
		r[2], r[5], r[8],
	}
	tr := t.Translation()
	return Compose(rt, [3]float64{
		-(rt[0]*tr[0] + rt[1]*tr[1] + rt[2]*tr[2]),
		-(rt[3]*tr[0] + rt[4]*tr[1] + rt[5]*tr[2]),
		-(rt[6]*tr[0] + rt[7]*tr[1] + rt[8]*tr[2]),
	}), nil
}

// mul returns a*b (standard matrix product, so b is applied first).
func mul(a, b Transform) Transform {
	var out Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += a[i*4+k] * b[k*4+j]
			}
			out[i*4+j] = sum
		}
	}
	return out
}

// Concatenate combines transforms in application order: the first argument
// is applied first, the last is applied last. Equivalent to the matrix
// product ts[n-1] * ... * ts[1] * ts[0].
func Concatenate(ts ...Transform) (Transform, error) {
	out := Identity()
	for i, t := range ts {
		if err := t.CheckRigid(); err != nil {
			return Transform{}, fmt.Errorf("concatenate: argument %d: %w", i, err)
		}
		out = mul(t, out)
	}
	return out, nil
}

// Apply transforms a single point.
func Apply(t Transform, p [3]float64) [3]float64 {
	return [3]float64{
		t[0]*p[0] + t[1]*p[1] + t[2]*p[2] + t[3],
		t[4]*p[0] + t[5]*p[1] + t[6]*p[2] + t[7],
		t[8]*p[0] + t[9]*p[1] + t[10]*p[2] + t[11],
	}
}

// ApplyAll transforms a point set, preserving order. The input slice is
// never mutated.
func ApplyAll(t Transform, pts [][3]float64) [][3]float64 {
	out := make([][3]float64, len(pts))
	for i, p := range pts {
		out[i] = Apply(t, p)
	}
	return out
}

// ApplyDirection rotates a direction vector without translating it.
func ApplyDirection(t Transform, v [3]float64) [3]float64 {
	return [3]float64{
		t[0]*v[0] + t[1]*v[1] + t[2]*v[2],
		t[4]*v[0] + t[5]*v[1] + t[6]*v[2],
		t[8]*v[0] + t[9]*v[1] + t[10]*v[2],
	}
}

// RotationAboutAxis returns the row-major 3x3 rotation of angle radians
// about the given axis (Rodrigues). The axis need not be normalized; a zero
// axis yields the identity rotation.
func RotationAboutAxis(axis [3]float64, angle float64) [9]float64 {
	n := math.Sqrt(axis[0]*axis[0] + axis[1]*axis[1] + axis[2]*axis[2])
	if n == 0 {
		return [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	}
	x, y, z := axis[0]/n, axis[1]/n, axis[2]/n
	c, s := math.Cos(angle), math.Sin(angle)
	ic := 1 - c
	return [9]float64{
		c + x*x*ic, x*y*ic - z*s, x*z*ic + y*s,
		y*x*ic + z*s, c + y*y*ic, y*z*ic - x*s,
		z*x*ic - y*s, z*y*ic + x*s, c + z*z*ic,
	}
}

// Equalish reports whether a and b are elementwise equal within tol.
func Equalish(a, b Transform, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}
