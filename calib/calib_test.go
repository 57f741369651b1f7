package calib

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/asdfdsa/instamatic/affine"
	"github.com/asdfdsa/instamatic/config"
	"github.com/asdfdsa/instamatic/tem"
	"github.com/asdfdsa/instamatic/xcorr"
)

func randomStage(rng *rand.Rand) Stage {
	for {
		r := affine.Mat2{
			{rng.Float64()*4 - 2, rng.Float64()*4 - 2},
			{rng.Float64()*4 - 2, rng.Float64()*4 - 2},
		}
		if math.Abs(r.Det()) < 0.1 {
			continue
		}
		return Stage{
			Rotation:          r,
			Translation:       affine.Vec2{X: rng.Float64()*200 - 100, Y: rng.Float64()*200 - 100},
			ReferencePosition: affine.Vec2{X: rng.Float64() * 1e5, Y: rng.Float64() * 1e5},
			Center:            DefaultCenter,
			HasData:           true,
		}
	}
}

func TestStageConversionsRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := randomStage(rng)

	for k := 0; k < 100; k++ {
		imagePos := affine.Vec2{X: rng.Float64() * 1e5, Y: rng.Float64() * 1e5}
		px := affine.Vec2{X: rng.Float64() * 2048, Y: rng.Float64() * 2048}

		pos, err := s.CurrentPixelToPosition(px, imagePos)
		require.NoError(t, err)
		back, err := s.PositionToCurrentPixel(pos, imagePos)
		require.NoError(t, err)
		assert.InDelta(t, px.X, back.X, 1e-6)
		assert.InDelta(t, px.Y, back.Y, 1e-6)

		pxRef, err := s.CurrentPixelToReference(px, imagePos)
		require.NoError(t, err)
		again, err := s.ReferenceToCurrentPixel(pxRef, imagePos)
		require.NoError(t, err)
		assert.InDelta(t, px.X, again.X, 1e-6)
		assert.InDelta(t, px.Y, again.Y, 1e-6)
	}
}

func TestStageConversionSingular(t *testing.T) {
	s := Stage{Center: DefaultCenter} // zero rotation matrix
	_, err := s.CurrentPixelToPosition(affine.Vec2{X: 1, Y: 1}, affine.Vec2{})
	var serr affine.SingularTransformError
	assert.ErrorAs(t, err, &serr)
}

func TestStageSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calib", "stage.yaml")
	s := randomStage(rand.New(rand.NewSource(3)))
	require.NoError(t, s.Save(path))

	got, err := LoadStage(path)
	require.NoError(t, err)
	assert.Equal(t, s.Rotation, got.Rotation)
	assert.Equal(t, s.ReferencePosition, got.ReferencePosition)
	assert.Equal(t, s.Center, got.Center)
	assert.True(t, got.HasData)
}

func TestLoadStageMissing(t *testing.T) {
	_, err := LoadStage(filepath.Join(t.TempDir(), "absent.yaml"))
	var merr CalibrationMissingError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "stage", merr.Routine)
}

func TestFilterOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	var samples []Sample
	for i := 0; i < 20; i++ {
		norm := 10 + rng.NormFloat64()
		theta := rng.Float64() * 2 * math.Pi
		samples = append(samples, Sample{
			Shift: affine.Vec2{X: norm * math.Cos(theta), Y: norm * math.Sin(theta)},
		})
	}
	samples = append(samples,
		Sample{Shift: affine.Vec2{X: 100}},
		Sample{Shift: affine.Vec2{Y: 100}},
	)

	kept, removed := filterOutliers(samples, 2.0)
	assert.Equal(t, 2, removed)
	require.Len(t, kept, 20)
	for _, s := range kept {
		assert.InDelta(t, 10, s.Shift.Norm(), 4)
	}
}

// gridShifts reproduces the scan order of RunGrid: row-major offsets with the
// null offset skipped.
func gridShifts(gridsize int, stepsize float64) []affine.Vec2 {
	half := float64(gridsize-1) / 2
	var out []affine.Vec2
	for i := 0; i < gridsize; i++ {
		for j := 0; j < gridsize; j++ {
			dx := (float64(j) - half) * stepsize
			dy := (float64(i) - half) * stepsize
			if dx == 0 && dy == 0 {
				continue
			}
			out = append(out, affine.Vec2{X: dx, Y: dy})
		}
	}
	return out
}

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	cfg := config.Defaults()
	cfg.Camera.Width = 512
	cfg.Camera.Height = 512
	ctrl := tem.NewSim(tem.SimConfig{})
	r := NewRunner(ctrl, &cfg)
	r.Exposure = time.Millisecond
	return r
}

func TestRunGridIdentityTransform(t *testing.T) {
	r := newTestRunner(t)

	// Drive the scan with shifts equal to the stage displacements so the
	// fitted matrix is the identity.
	shifts := gridShifts(5, 50000)
	call := 0
	r.Correlate = func(a, b *mat.Dense, upsample int) (xcorr.Result, error) {
		sh := shifts[call]
		call++
		return xcorr.Result{Shift: sh}, nil
	}

	x0, y0, err := r.Ctrl.Stage.XY()
	require.NoError(t, err)

	st, err := r.RunGrid(5, 50000)
	require.NoError(t, err)
	assert.Equal(t, len(shifts), call)

	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, st.Rotation[i][j], 1e-9, "r[%d][%d]", i, j)
		}
	}
	assert.InDelta(t, 0, st.Translation.Norm(), 1e-6)
	assert.Equal(t, affine.Vec2{X: x0, Y: y0}, st.ReferencePosition)
	assert.True(t, st.HasData)

	// stage restored to the anchor
	x, y, err := r.Ctrl.Stage.XY()
	require.NoError(t, err)
	assert.InDelta(t, x0, x, 1e-9)
	assert.InDelta(t, y0, y, 1e-9)
}

func TestRunBeamShiftGridIdentityTransform(t *testing.T) {
	r := newTestRunner(t)

	shifts := gridShifts(5, 2500)
	call := 0
	r.Correlate = func(a, b *mat.Dense, upsample int) (xcorr.Result, error) {
		sh := shifts[call]
		call++
		return xcorr.Result{Shift: sh}, nil
	}

	bs, err := r.RunBeamShiftGrid(5, 2500)
	require.NoError(t, err)
	assert.InDelta(t, 1, bs.Transform[0][0], 1e-9)
	assert.InDelta(t, 1, bs.Transform[1][1], 1e-9)
	assert.InDelta(t, 0, bs.Transform[0][1], 1e-9)
	assert.InDelta(t, 0, bs.Transform[1][0], 1e-9)

	// deflectors restored
	bx, by, err := r.Ctrl.BeamShift.Get()
	require.NoError(t, err)
	assert.Equal(t, bs.Reference, affine.Vec2{X: bx, Y: by})
}

type stageSpy struct {
	tem.Stage
	moved bool
}

func (s *stageSpy) SetXY(x, y float64) error {
	s.moved = true
	return s.Stage.SetXY(x, y)
}

func (s *stageSpy) SetXYWithBacklashCorrection(x, y float64) error {
	s.moved = true
	return s.Stage.SetXYWithBacklashCorrection(x, y)
}

func (s *stageSpy) ResetXY() error {
	s.moved = true
	return s.Stage.ResetXY()
}

func TestCalibrateFailsFastOnBadPixelSize(t *testing.T) {
	r := newTestRunner(t)
	spy := &stageSpy{Stage: r.Ctrl.Stage}
	r.Ctrl.Stage = spy

	// no pixel size configured for this magnification
	_, err := r.Calibrate("mag1", 2500)
	var cerr config.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 2500, cerr.Mag)
	assert.False(t, spy.moved, "stage must not move before validation")
}

func TestCalibrateAllSkipsUnconfiguredMagnifications(t *testing.T) {
	r := newTestRunner(t)
	r.Cfg.Microscope.Ranges = map[string][]int{"lowmag": {100, 200}}
	r.Cfg.Calibration["lowmag"].PixelSize[100] = 75.0 // 200 left uncalibrated

	rng := rand.New(rand.NewSource(5))
	r.Correlate = func(a, b *mat.Dense, upsample int) (xcorr.Result, error) {
		return xcorr.Result{Shift: affine.Vec2{X: rng.Float64() * 100, Y: rng.Float64() * 100}}, nil
	}

	out, err := r.CalibrateAll()
	require.NoError(t, err)
	require.Contains(t, out, "lowmag")
	assert.Contains(t, out["lowmag"].StageMatrix, 100)
	assert.NotContains(t, out["lowmag"].StageMatrix, 200)
}

func TestCalibrateAllDerivesPixelSizes(t *testing.T) {
	r := newTestRunner(t)
	r.Cfg.Microscope.Ranges = map[string][]int{"lowmag": {100}}
	r.Cfg.Calibration["lowmag"].PixelSize[100] = 75.0

	rng := rand.New(rand.NewSource(7))
	r.Correlate = func(a, b *mat.Dense, upsample int) (xcorr.Result, error) {
		return xcorr.Result{Shift: affine.Vec2{X: rng.Float64() * 100, Y: rng.Float64() * 100}}, nil
	}

	out, err := r.CalibrateAll()
	require.NoError(t, err)

	m := out["lowmag"].StageMatrix[100]
	require.Len(t, m, 4)
	want := (math.Hypot(m[0], m[1]) + math.Hypot(m[2], m[3])) / 2
	require.Contains(t, out["lowmag"].PixelSize, 100)
	assert.InDelta(t, want, out["lowmag"].PixelSize[100], 1e-9)
	assert.Greater(t, out["lowmag"].PixelSize[100], 0.0)

	// A config rebuilt from the sweep keeps the swept magnification usable.
	r.Cfg.Calibration = out
	ps, err := r.Cfg.PixelSizeFor("lowmag", 100)
	require.NoError(t, err)
	assert.Equal(t, out["lowmag"].PixelSize[100], ps)
}

func TestPlotSamples(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	var shifts, disps []affine.Vec2
	for i := 0; i < 10; i++ {
		s := affine.Vec2{X: rng.Float64() * 50, Y: rng.Float64() * 50}
		shifts = append(shifts, s)
		disps = append(disps, s.Scale(1000))
	}
	st, err := StageFromData(shifts, disps, affine.Vec2{}, DefaultCenter)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "calib.png")
	require.NoError(t, PlotSamples(st, path))
}
