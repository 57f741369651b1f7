/*Package affine fits and applies 2D affine transforms between detector pixel
displacements and instrument (stage, beam shift, image shift) displacements.

The convention used throughout is the row-vector form

	target = source·R + t

where source and target are 1x2 row vectors, R is a 2x2 matrix and t is a
translation.  Every consumer of a fitted transform depends on this orientation;
do not transpose R without also flipping every multiply.
*/
package affine

import (
	"fmt"
	"math"
)

// singularTol is the determinant magnitude below which a matrix is treated
// as non-invertible.
const singularTol = 1e-12

// Vec2 is a two-component vector.  In pixel space X is the column coordinate
// and Y is the row coordinate.
type Vec2 struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// Add returns v + o.
func (v Vec2) Add(o Vec2) Vec2 {
	return Vec2{v.X + o.X, v.Y + o.Y}
}

// Sub returns v - o.
func (v Vec2) Sub(o Vec2) Vec2 {
	return Vec2{v.X - o.X, v.Y - o.Y}
}

// Scale returns v scaled by s.
func (v Vec2) Scale(s float64) Vec2 {
	return Vec2{v.X * s, v.Y * s}
}

// Norm returns the Euclidean norm of v.
func (v Vec2) Norm() float64 {
	return math.Hypot(v.X, v.Y)
}

// Mul applies the row-vector product v·m.
func (v Vec2) Mul(m Mat2) Vec2 {
	return Vec2{
		X: v.X*m[0][0] + v.Y*m[1][0],
		Y: v.X*m[0][1] + v.Y*m[1][1],
	}
}

// Mat2 is a 2x2 matrix stored row-major.
type Mat2 [2][2]float64

// Identity returns the 2x2 identity matrix.
func Identity() Mat2 {
	return Mat2{{1, 0}, {0, 1}}
}

// Det returns the determinant of m.
func (m Mat2) Det() float64 {
	return m[0][0]*m[1][1] - m[0][1]*m[1][0]
}

// Scale returns m with every element multiplied by s.
func (m Mat2) Scale(s float64) Mat2 {
	return Mat2{
		{m[0][0] * s, m[0][1] * s},
		{m[1][0] * s, m[1][1] * s},
	}
}

// Inv returns the inverse of m, or a SingularTransformError when the
// determinant vanishes.
func (m Mat2) Inv() (Mat2, error) {
	d := m.Det()
	if math.Abs(d) < singularTol {
		return Mat2{}, SingularTransformError{Det: d}
	}
	inv := 1 / d
	return Mat2{
		{m[1][1] * inv, -m[0][1] * inv},
		{-m[1][0] * inv, m[0][0] * inv},
	}, nil
}

// Result is a fitted affine transform.  It is immutable after Fit returns it.
type Result struct {
	R Mat2 `yaml:"r"`
	T Vec2 `yaml:"t"`
}

// Apply maps v through the transform, v·R + T.
func (r Result) Apply(v Vec2) Vec2 {
	return v.Mul(r.R).Add(r.T)
}

// InsufficientDataError is generated when a calibration sample set is too
// small or degenerate to constrain a unique affine transform.
type InsufficientDataError struct {
	N      int
	Reason string
}

func (e InsufficientDataError) Error() string {
	return fmt.Sprintf("cannot fit affine transform to %d samples: %s", e.N, e.Reason)
}

// SingularTransformError is generated when a fitted matrix cannot be
// inverted.
type SingularTransformError struct {
	Det float64
}

func (e SingularTransformError) Error() string {
	return fmt.Sprintf("transform matrix is singular (det=%g), calibration is unusable", e.Det)
}
