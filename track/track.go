/*Package track keeps a crystal centered during rotation.  A Corrector is
built once from a reference defocused image and thereafter measures the drift
of each tracking image against a reference crop, converting the pixel drift to
a beam-shift correction through the beam-shift calibration.
*/
package track

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/asdfdsa/instamatic/affine"
	"github.com/asdfdsa/instamatic/calib"
	"github.com/asdfdsa/instamatic/detect"
	"github.com/asdfdsa/instamatic/tem"
	"github.com/asdfdsa/instamatic/xcorr"
)

// AmbiguousTargetError is generated when feature detection does not find
// exactly one candidate.  Tracking cannot proceed safely with an ambiguous
// target, e.g. when a second aperture drifts into view.
type AmbiguousTargetError struct {
	N int
}

func (e AmbiguousTargetError) Error() string {
	return fmt.Sprintf("expected exactly one tracked feature, found %d", e.N)
}

const upsample = 10

// Corrector holds the tracking state for one acquisition session.  It is used
// from a single goroutine.
type Corrector struct {
	cal  calib.BeamShift
	defl tem.Deflector
	opts detect.Options

	ref       *mat.Dense
	refOrigin [2]int // row, col
	size      int

	target affine.Vec2
}

// New builds a Corrector from a reference image.  Exactly one feature must be
// detectable in it.  The crop window is sized from the feature's bounding-box
// diagonal normalized by sqrt 2, rounded up to an even number of pixels.  The
// deflector's current setting becomes the initial beam-shift target.
func New(refImg *mat.Dense, cal calib.BeamShift, defl tem.Deflector, opts detect.Options) (*Corrector, error) {
	if !cal.HasData {
		return nil, calib.CalibrationMissingError{Routine: "beamshift"}
	}
	feats := detect.Find(refImg, opts)
	if len(feats) != 1 {
		return nil, AmbiguousTargetError{N: len(feats)}
	}
	f := feats[0]

	size := cropSize(f)
	crop, origin := cropAround(refImg, f.Centroid, size)

	bx, by, err := defl.Get()
	if err != nil {
		return nil, err
	}
	return &Corrector{
		cal:       cal,
		defl:      defl,
		opts:      opts,
		ref:       crop,
		refOrigin: origin,
		size:      size,
		target:    affine.Vec2{X: bx, Y: by},
	}, nil
}

// BeamShift returns the current absolute beam-shift target.
func (c *Corrector) BeamShift() affine.Vec2 {
	return c.target
}

// Correct measures the drift of img against the reference crop and issues the
// compensating absolute beam-shift command.  Detection runs on every call so
// a newly ambiguous scene aborts tracking instead of chasing a stale target.
// The beam-shift target is left unchanged on any error.
func (c *Corrector) Correct(img *mat.Dense) (affine.Vec2, error) {
	feats := detect.Find(img, c.opts)
	if len(feats) != 1 {
		return c.target, AmbiguousTargetError{N: len(feats)}
	}

	crop, origin := cropAround(img, feats[0].Centroid, c.size)
	res, err := xcorr.Register(c.ref, crop, upsample)
	if err != nil {
		return c.target, err
	}

	// The correlation covers only the residual within the window; the
	// window's own travel carries the integer part of the drift.
	cc := res.Shift.Sub(affine.Vec2{
		X: float64(origin[1] - c.refOrigin[1]),
		Y: float64(origin[0] - c.refOrigin[0]),
	})

	target := c.target.Add(c.cal.Delta(cc))
	if err := c.defl.Set(target.X, target.Y); err != nil {
		return c.target, err
	}
	c.target = target
	return c.target, nil
}

func cropSize(f detect.Feature) int {
	dy := float64(f.BBox[2] - f.BBox[0])
	dx := float64(f.BBox[3] - f.BBox[1])
	w := int(math.Ceil(math.Hypot(dx, dy) / math.Sqrt2))
	if w%2 != 0 {
		w++
	}
	if w < 2 {
		w = 2
	}
	return w
}

// cropAround copies a size x size window centered on the centroid, clamped to
// the image bounds so the window never shrinks near an edge.
func cropAround(img *mat.Dense, centroid affine.Vec2, size int) (*mat.Dense, [2]int) {
	rows, cols := img.Dims()
	r0 := clamp(int(math.Round(centroid.Y))-size/2, 0, rows-size)
	c0 := clamp(int(math.Round(centroid.X))-size/2, 0, cols-size)
	crop := mat.DenseCopyOf(img.Slice(r0, r0+size, c0, c0+size))
	return crop, [2]int{r0, c0}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
