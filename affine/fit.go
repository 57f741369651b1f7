package affine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Fit computes the least-squares affine transform target ≈ source·R + t from
// paired displacement samples.  At least three non-collinear pairs are
// required; fewer, or a degenerate geometry (collinear points, zero variance
// along an axis), yield an InsufficientDataError.
//
// The solution minimizes the residual of two independent systems sharing the
// design matrix [sx sy 1], one per output component, solved by QR
// factorization.  Outlier rejection is the caller's concern; Fit assumes the
// samples have already been filtered.
func Fit(sources, targets []Vec2) (Result, error) {
	if len(sources) != len(targets) {
		return Result{}, fmt.Errorf("affine: sample count mismatch, %d sources vs %d targets", len(sources), len(targets))
	}
	n := len(sources)
	if n < 3 {
		return Result{}, InsufficientDataError{N: n, Reason: "need at least 3 sample pairs"}
	}

	A := mat.NewDense(n, 3, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		A.Set(i, 0, sources[i].X)
		A.Set(i, 1, sources[i].Y)
		A.Set(i, 2, 1)
		bx.SetVec(i, targets[i].X)
		by.SetVec(i, targets[i].Y)
	}

	var qr mat.QR
	qr.Factorize(A)

	var px, py mat.VecDense
	if err := qr.SolveVecTo(&px, false, bx); err != nil {
		return Result{}, InsufficientDataError{N: n, Reason: "degenerate sample geometry: " + err.Error()}
	}
	if err := qr.SolveVecTo(&py, false, by); err != nil {
		return Result{}, InsufficientDataError{N: n, Reason: "degenerate sample geometry: " + err.Error()}
	}

	return Result{
		R: Mat2{
			{px.AtVec(0), py.AtVec(0)},
			{px.AtVec(1), py.AtVec(1)},
		},
		T: Vec2{px.AtVec(2), py.AtVec(2)},
	}, nil
}

// Residual returns the root-mean-square distance between r.Apply(source) and
// target over the sample set.  Useful as a fit quality diagnostic.
func Residual(r Result, sources, targets []Vec2) float64 {
	if len(sources) == 0 {
		return 0
	}
	var acc float64
	for i := range sources {
		d := r.Apply(sources[i]).Sub(targets[i]).Norm()
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(sources)))
}
