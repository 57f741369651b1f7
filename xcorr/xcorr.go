/*Package xcorr measures the translation between two frames by phase
cross-correlation, with optional sub-pixel refinement by an upsampled DFT
evaluated only in a small neighborhood of the coarse peak.

Frames are gonum dense matrices indexed (row, col).  Shifts are reported as
affine.Vec2 with X holding the column component and Y the row component, the
translation that must be applied to the second frame to register it with the
first.
*/
package xcorr

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"

	"github.com/asdfdsa/instamatic/affine"
)

// Result is the outcome of a registration.
type Result struct {
	// Shift is the measured translation, X = columns, Y = rows.
	Shift affine.Vec2

	// Error is the RMS registration error estimate, 0 for a perfect match.
	Error float64

	// PhaseDiff is the global phase difference between the two frames.
	PhaseDiff float64
}

// Register computes the translation between frames a and b.  Both frames must
// have identical dimensions.  upsample sets the sub-pixel resolution: the
// returned shift is accurate to 1/upsample of a pixel.  upsample < 2 skips
// refinement and returns the integer-pixel peak.
func Register(a, b *mat.Dense, upsample int) (Result, error) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return Result{}, fmt.Errorf("xcorr: frame dimensions differ, %dx%d vs %dx%d", ar, ac, br, bc)
	}

	fa := fft2(a)
	fb := fft2(b)

	// cross-power spectrum F(a)·conj(F(b))
	prod := newCmat(ar, ac)
	for i := range prod.data {
		prod.data[i] = fa.data[i] * cmplx.Conj(fb.data[i])
	}

	cc := ifft2(prod)
	pr, pc, peak := argmaxAbs(cc)

	// wrap the peak index into a signed shift about the origin
	rowShift := float64(pr)
	colShift := float64(pc)
	if rowShift > float64(ar/2) {
		rowShift -= float64(ar)
	}
	if colShift > float64(ac/2) {
		colShift -= float64(ac)
	}

	size := float64(ar * ac)
	srcAmp := sumAbs2(fa.data) / size
	tgtAmp := sumAbs2(fb.data) / size
	ccMax := peak

	if upsample > 1 {
		u := float64(upsample)
		rowShift = math.Round(rowShift*u) / u
		colShift = math.Round(colShift*u) / u

		region := int(math.Ceil(u * 1.5))
		dftShift := region / 2

		// DFT of the conjugate product restricted to a region*region window
		// centered on the coarse peak, sampled at 1/upsample pixel pitch
		conjProd := newCmat(ar, ac)
		for i := range conjProd.data {
			conjProd.data[i] = cmplx.Conj(prod.data[i])
		}
		up := upsampledDFT(conjProd, region, u,
			float64(dftShift)-rowShift*u,
			float64(dftShift)-colShift*u)
		norm := complex(size*u*u, 0)
		for i := range up.data {
			up.data[i] = cmplx.Conj(up.data[i]) / norm
		}
		ur, uc, upPeak := argmaxAbs(up)
		rowShift += (float64(ur) - float64(dftShift)) / u
		colShift += (float64(uc) - float64(dftShift)) / u
		ccMax = upPeak
	}

	res := Result{Shift: affine.Vec2{X: colShift, Y: rowShift}}
	denom := srcAmp * tgtAmp
	if denom > 0 {
		e := 1 - real(ccMax*cmplx.Conj(ccMax))/denom
		if e < 0 {
			e = 0
		}
		res.Error = math.Sqrt(e)
	}
	res.PhaseDiff = math.Atan2(imag(ccMax), real(ccMax))
	return res, nil
}

// cmat is a dense complex matrix in row-major order.
type cmat struct {
	rows, cols int
	data       []complex128
}

func newCmat(rows, cols int) *cmat {
	return &cmat{rows: rows, cols: cols, data: make([]complex128, rows*cols)}
}

func (c *cmat) at(r, col int) complex128 {
	return c.data[r*c.cols+col]
}

func fft2(m *mat.Dense) *cmat {
	rows, cols := m.Dims()
	c := newCmat(rows, cols)
	for r := 0; r < rows; r++ {
		for j := 0; j < cols; j++ {
			c.data[r*cols+j] = complex(m.At(r, j), 0)
		}
	}
	transform2(c, false)
	return c
}

func ifft2(c *cmat) *cmat {
	out := newCmat(c.rows, c.cols)
	copy(out.data, c.data)
	transform2(out, true)
	scale := complex(1/float64(c.rows*c.cols), 0)
	for i := range out.data {
		out.data[i] *= scale
	}
	return out
}

// transform2 applies an unnormalized forward or inverse DFT along both axes
// in place.
func transform2(c *cmat, inverse bool) {
	rowFFT := fourier.NewCmplxFFT(c.cols)
	scratch := make([]complex128, c.cols)
	for r := 0; r < c.rows; r++ {
		row := c.data[r*c.cols : (r+1)*c.cols]
		if inverse {
			rowFFT.Sequence(scratch, row)
		} else {
			rowFFT.Coefficients(scratch, row)
		}
		copy(row, scratch)
	}

	colFFT := fourier.NewCmplxFFT(c.rows)
	colIn := make([]complex128, c.rows)
	colOut := make([]complex128, c.rows)
	for j := 0; j < c.cols; j++ {
		for r := 0; r < c.rows; r++ {
			colIn[r] = c.data[r*c.cols+j]
		}
		if inverse {
			colFFT.Sequence(colOut, colIn)
		} else {
			colFFT.Coefficients(colOut, colIn)
		}
		for r := 0; r < c.rows; r++ {
			c.data[r*c.cols+j] = colOut[r]
		}
	}
}

// upsampledDFT evaluates the inverse DFT of freq on a region x region grid
// with sample pitch 1/upsample pixels, offset by (offRow, offCol) upsampled
// samples from the frequency-space origin.
func upsampledDFT(freq *cmat, region int, upsample, offRow, offCol float64) *cmat {
	colFreqs := fftfreq(freq.cols, upsample)
	rowFreqs := fftfreq(freq.rows, upsample)

	// contract the column axis first: partial[k][r] = Σ_j freq[r][j]·e^{-2πi(k-offCol)f_j}
	partial := make([]complex128, region*freq.rows)
	for k := 0; k < region; k++ {
		for j := 0; j < freq.cols; j++ {
			kern := cmplx.Exp(complex(0, -2*math.Pi*(float64(k)-offCol)*colFreqs[j]))
			for r := 0; r < freq.rows; r++ {
				partial[k*freq.rows+r] += kern * freq.at(r, j)
			}
		}
	}

	out := newCmat(region, region)
	for k2 := 0; k2 < region; k2++ {
		for r := 0; r < freq.rows; r++ {
			kern := cmplx.Exp(complex(0, -2*math.Pi*(float64(k2)-offRow)*rowFreqs[r]))
			for k := 0; k < region; k++ {
				out.data[k2*region+k] += kern * partial[k*freq.rows+r]
			}
		}
	}
	return out
}

// fftfreq returns the DFT sample frequencies for n samples at pitch d,
// in the standard order [0, 1, ..., n/2-1, -n/2, ..., -1] / (n·d).
func fftfreq(n int, d float64) []float64 {
	out := make([]float64, n)
	half := (n - 1) / 2
	for i := 0; i <= half; i++ {
		out[i] = float64(i) / (float64(n) * d)
	}
	for i := half + 1; i < n; i++ {
		out[i] = float64(i-n) / (float64(n) * d)
	}
	return out
}

func argmaxAbs(c *cmat) (row, col int, val complex128) {
	best := -1.0
	for r := 0; r < c.rows; r++ {
		for j := 0; j < c.cols; j++ {
			v := c.at(r, j)
			a := real(v)*real(v) + imag(v)*imag(v)
			if a > best {
				best = a
				row, col, val = r, j, v
			}
		}
	}
	return row, col, val
}

func sumAbs2(data []complex128) float64 {
	var acc float64
	for _, v := range data {
		acc += real(v)*real(v) + imag(v)*imag(v)
	}
	return acc
}
