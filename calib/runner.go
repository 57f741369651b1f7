package calib

import (
	"errors"
	"log"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/asdfdsa/instamatic/affine"
	"github.com/asdfdsa/instamatic/config"
	"github.com/asdfdsa/instamatic/tem"
	"github.com/asdfdsa/instamatic/xcorr"
)

// CrossCorrelator measures the sub-pixel shift between two frames.  It is a
// field on Runner so scan tests can substitute deterministic shifts.
type CrossCorrelator func(a, b *mat.Dense, upsample int) (xcorr.Result, error)

// Sample pairs one observed pixel shift with the instrument displacement that
// produced it.  Shifts are normalized to binning 1 and full resolution.
type Sample struct {
	Shift        affine.Vec2
	Displacement affine.Vec2
}

const (
	defaultUpsample  = 10
	defaultMaxDim    = 512
	defaultThreshold = 2.0

	// Stage drift at the revisited scan anchor beyond which a warning is
	// logged, in stage units.
	centerDriftLimit = 50
)

// Runner executes calibration scans against an instrument.  One scan is in
// flight at a time; moves and captures are strictly sequential.
type Runner struct {
	Ctrl *tem.Ctrl
	Cfg  *config.Config

	// Correlate defaults to xcorr.Register.
	Correlate CrossCorrelator

	Exposure time.Duration

	// Upsample is the sub-pixel refinement factor passed to Correlate.
	Upsample int

	// MaxDim bounds the longest side of the frames fed to Correlate.
	MaxDim int

	// Threshold is the z-score cutoff of the shift-norm outlier filter.
	Threshold float64

	Log *log.Logger
}

// NewRunner returns a Runner with the scan defaults.
func NewRunner(ctrl *tem.Ctrl, cfg *config.Config) *Runner {
	return &Runner{
		Ctrl:      ctrl,
		Cfg:       cfg,
		Correlate: xcorr.Register,
		Exposure:  time.Duration(cfg.CRED.ExposureSec * float64(time.Second)),
		Upsample:  defaultUpsample,
		MaxDim:    defaultMaxDim,
		Threshold: defaultThreshold,
	}
}

func (r *Runner) printf(format string, args ...interface{}) {
	l := r.Log
	if l == nil {
		l = log.Default()
	}
	l.Printf(format, args...)
}

func (r *Runner) capture() (tem.Frame, error) {
	return r.Ctrl.Cam.AcquireFrame(r.Exposure)
}

// RunGrid scans a gridsize x gridsize pattern of stage offsets spaced by
// stepsize around the current position, correlating every frame against the
// anchor frame.  The null offset is skipped, it carries no signal.  Backlash
// is taken up before the scan and again after the stage returns to the
// anchor.
func (r *Runner) RunGrid(gridsize int, stepsize float64) (Stage, error) {
	if err := r.Ctrl.Stage.ResetXY(); err != nil {
		return Stage{}, err
	}
	x0, y0, err := r.Ctrl.Stage.XY()
	if err != nil {
		return Stage{}, err
	}
	anchor := affine.Vec2{X: x0, Y: y0}

	base, err := r.capture()
	if err != nil {
		return Stage{}, err
	}
	ref, scale := xcorr.Autoscale(base.Data, r.MaxDim)
	binning := float64(r.Ctrl.Cam.Binning())

	var samples []Sample
	half := float64(gridsize-1) / 2
	for i := 0; i < gridsize; i++ {
		for j := 0; j < gridsize; j++ {
			dx := (float64(j) - half) * stepsize
			dy := (float64(i) - half) * stepsize
			if dx == 0 && dy == 0 {
				continue
			}
			if err := r.Ctrl.Stage.SetXY(x0+dx, y0+dy); err != nil {
				return Stage{}, err
			}
			fr, err := r.capture()
			if err != nil {
				return Stage{}, err
			}
			img := fr.Data
			if scale != 1 {
				img = xcorr.Rescale(img, scale)
			}
			res, err := r.Correlate(ref, img, r.Upsample)
			if err != nil {
				return Stage{}, err
			}
			samples = append(samples, Sample{
				Shift:        res.Shift.Scale(binning / scale),
				Displacement: affine.Vec2{X: dx, Y: dy},
			})
		}
	}

	if err := r.Ctrl.Stage.SetXY(x0, y0); err != nil {
		return Stage{}, err
	}
	if err := r.Ctrl.Stage.ResetXY(); err != nil {
		return Stage{}, err
	}
	r.checkCenterDrift(anchor)

	return r.fitStage(samples, anchor)
}

// RunSteps walks nSteps moves of step from the current position, correlating
// each frame against the immediately preceding one, then returns the stage to
// the origin.  Every move approaches with backlash correction.
func (r *Runner) RunSteps(nSteps int, step affine.Vec2) ([]Sample, error) {
	if err := r.Ctrl.Stage.ResetXY(); err != nil {
		return nil, err
	}
	x0, y0, err := r.Ctrl.Stage.XY()
	if err != nil {
		return nil, err
	}

	base, err := r.capture()
	if err != nil {
		return nil, err
	}
	prev, scale := xcorr.Autoscale(base.Data, r.MaxDim)
	binning := float64(r.Ctrl.Cam.Binning())

	var samples []Sample
	pos := affine.Vec2{X: x0, Y: y0}
	for k := 0; k < nSteps; k++ {
		pos = pos.Add(step)
		if err := r.Ctrl.Stage.SetXYWithBacklashCorrection(pos.X, pos.Y); err != nil {
			return nil, err
		}
		fr, err := r.capture()
		if err != nil {
			return nil, err
		}
		img := fr.Data
		if scale != 1 {
			img = xcorr.Rescale(img, scale)
		}
		res, err := r.Correlate(prev, img, r.Upsample)
		if err != nil {
			return nil, err
		}
		samples = append(samples, Sample{
			Shift:        res.Shift.Scale(binning / scale),
			Displacement: step,
		})
		prev = img
	}

	if err := r.Ctrl.Stage.SetXY(x0, y0); err != nil {
		return nil, err
	}
	return samples, r.Ctrl.Stage.ResetXY()
}

// Calibrate runs the directional step calibration for one imaging mode and
// magnification.  The configured pixel size is validated before the stage
// moves at all; zero and the uncalibrated sentinel fail fast with
// config.ConfigurationError.
func (r *Runner) Calibrate(mode string, mag int) (Stage, error) {
	ps, err := r.Cfg.PixelSizeFor(mode, mag)
	if err != nil {
		return Stage{}, err
	}
	if err := r.Ctrl.Optics.SetMode(mode); err != nil {
		return Stage{}, err
	}
	if err := r.Ctrl.Optics.SetMagnification(mag); err != nil {
		return Stage{}, err
	}
	x0, y0, err := r.Ctrl.Stage.XY()
	if err != nil {
		return Stage{}, err
	}

	// Step a quarter field of view per move: large against correlation
	// noise, small enough to keep common features in frame.
	disp := ps * float64(r.Cfg.Camera.Width) / 4

	xs, err := r.RunSteps(4, affine.Vec2{X: disp})
	if err != nil {
		return Stage{}, err
	}
	ys, err := r.RunSteps(4, affine.Vec2{Y: disp})
	if err != nil {
		return Stage{}, err
	}
	return r.fitStage(append(xs, ys...), affine.Vec2{X: x0, Y: y0})
}

// CalibrateAll sweeps every configured magnification of every imaging mode.
// A magnification with an invalid pixel size is logged and skipped; any other
// failure aborts the sweep.  Results come back shaped like the calibration
// section of the configuration.
func (r *Runner) CalibrateAll() (map[string]config.ModeCalibration, error) {
	modes := make([]string, 0, len(r.Cfg.Microscope.Ranges))
	for mode := range r.Cfg.Microscope.Ranges {
		modes = append(modes, mode)
	}
	sort.Strings(modes)

	out := map[string]config.ModeCalibration{}
	for _, mode := range modes {
		mc := config.ModeCalibration{
			PixelSize:   map[int]float64{},
			StageMatrix: map[int][]float64{},
		}
		for _, mag := range r.Cfg.Microscope.Ranges[mode] {
			st, err := r.Calibrate(mode, mag)
			if err != nil {
				var cerr config.ConfigurationError
				if errors.As(err, &cerr) {
					r.printf("calib: skipping %s %dx: %v", mode, mag, err)
					continue
				}
				return nil, err
			}
			m := st.Rotation
			mc.StageMatrix[mag] = []float64{m[0][0], m[0][1], m[1][0], m[1][1]}
			mc.PixelSize[mag] = pixelSizeFromMatrix(m)
		}
		out[mode] = mc
	}
	return out, nil
}

// pixelSizeFromMatrix recovers the stage displacement per pixel from a fitted
// stage matrix, the mean of its row norms.  Persisting it alongside the
// matrix keeps a swept magnification valid for the next Calibrate run.
func pixelSizeFromMatrix(m affine.Mat2) float64 {
	nx := math.Hypot(m[0][0], m[0][1])
	ny := math.Hypot(m[1][0], m[1][1])
	return (nx + ny) / 2
}

// RunBeamShiftGrid scans a gridsize x gridsize pattern of beam-shift offsets
// spaced by stepsize around the current deflector setting and fits the pixel
// drift to deflection transform.  The deflectors are restored afterwards.
func (r *Runner) RunBeamShiftGrid(gridsize int, stepsize float64) (BeamShift, error) {
	bx, by, err := r.Ctrl.BeamShift.Get()
	if err != nil {
		return BeamShift{}, err
	}

	base, err := r.capture()
	if err != nil {
		return BeamShift{}, err
	}
	ref, scale := xcorr.Autoscale(base.Data, r.MaxDim)
	binning := float64(r.Ctrl.Cam.Binning())

	var samples []Sample
	half := float64(gridsize-1) / 2
	for i := 0; i < gridsize; i++ {
		for j := 0; j < gridsize; j++ {
			dx := (float64(j) - half) * stepsize
			dy := (float64(i) - half) * stepsize
			if dx == 0 && dy == 0 {
				continue
			}
			if err := r.Ctrl.BeamShift.Set(bx+dx, by+dy); err != nil {
				return BeamShift{}, err
			}
			fr, err := r.capture()
			if err != nil {
				return BeamShift{}, err
			}
			img := fr.Data
			if scale != 1 {
				img = xcorr.Rescale(img, scale)
			}
			res, err := r.Correlate(ref, img, r.Upsample)
			if err != nil {
				return BeamShift{}, err
			}
			samples = append(samples, Sample{
				Shift:        res.Shift.Scale(binning / scale),
				Displacement: affine.Vec2{X: dx, Y: dy},
			})
		}
	}

	if err := r.Ctrl.BeamShift.Set(bx, by); err != nil {
		return BeamShift{}, err
	}

	kept, removed := filterOutliers(samples, r.Threshold)
	if removed > 0 {
		r.printf("calib: beamshift outlier filter removed %d of %d samples", removed, len(samples))
	}
	shifts, disps := split(kept)
	res, err := affine.Fit(shifts, disps)
	if err != nil {
		return BeamShift{}, err
	}
	return BeamShift{
		Transform: res.R,
		Reference: affine.Vec2{X: bx, Y: by},
		HasData:   true,
	}, nil
}

func (r *Runner) fitStage(samples []Sample, refPos affine.Vec2) (Stage, error) {
	kept, removed := filterOutliers(samples, r.Threshold)
	if removed > 0 {
		r.printf("calib: outlier filter removed %d of %d samples", removed, len(samples))
	}
	shifts, disps := split(kept)
	st, err := StageFromData(shifts, disps, refPos, float64(r.Cfg.Camera.Width)/2)
	if err != nil {
		return Stage{}, err
	}
	rms := affine.Residual(affine.Result{R: st.Rotation, T: st.Translation}, shifts, disps)
	r.printf("calib: fitted %d samples, rms residual %.3g stage units", len(shifts), rms)
	return st, nil
}

func (r *Runner) checkCenterDrift(anchor affine.Vec2) {
	x, y, err := r.Ctrl.Stage.XY()
	if err != nil {
		return
	}
	d := affine.Vec2{X: x, Y: y}.Sub(anchor).Norm()
	if d > centerDriftLimit {
		r.printf("calib: stage settled %.1f units away from the scan anchor", d)
	}
}

// filterOutliers rejects samples whose shift-norm z-score exceeds threshold.
func filterOutliers(samples []Sample, threshold float64) (kept []Sample, removed int) {
	if len(samples) == 0 {
		return samples, 0
	}
	norms := make([]float64, len(samples))
	for i, s := range samples {
		norms[i] = s.Shift.Norm()
	}
	mean := stat.Mean(norms, nil)
	sd := stat.StdDev(norms, nil)
	if sd == 0 {
		return samples, 0
	}
	for i, s := range samples {
		if math.Abs((norms[i]-mean)/sd) > threshold {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	return kept, removed
}

func split(samples []Sample) (shifts, disps []affine.Vec2) {
	shifts = make([]affine.Vec2, len(samples))
	disps = make([]affine.Vec2, len(samples))
	for i, s := range samples {
		shifts[i] = s.Shift
		disps[i] = s.Displacement
	}
	return shifts, disps
}
