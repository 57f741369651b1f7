package cred

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/asdfdsa/instamatic/affine"
	"github.com/asdfdsa/instamatic/calib"
	"github.com/asdfdsa/instamatic/detect"
	"github.com/asdfdsa/instamatic/tem"
	"github.com/asdfdsa/instamatic/track"
)

type captureWriter struct {
	diffraction []NumberedFrame
	tracking    []NumberedFrame
	meta        Metadata
	calls       int
}

func (w *captureWriter) WriteSession(d, t []NumberedFrame, m Metadata) error {
	w.diffraction, w.tracking, w.meta = d, t, m
	w.calls++
	return nil
}

func indices(frames []NumberedFrame) []int {
	out := make([]int, len(frames))
	for i, f := range frames {
		out[i] = f.Index
	}
	return out
}

func TestRunCadence(t *testing.T) {
	ctrl := tem.NewSim(tem.SimConfig{Width: 64, Height: 64, RotationRate: 1})
	w := &captureWriter{}
	e, err := New(ctrl, w, Options{
		Exposure:      4 * time.Millisecond,
		ImageInterval: 5,
		MaxFrames:     22,
		Dir:           t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, Armed, e.State())

	meta, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stopped, e.State())

	assert.Equal(t, []int{5, 10, 15, 20}, indices(w.tracking))
	assert.Len(t, w.diffraction, 18)
	for _, fr := range w.diffraction {
		assert.NotZero(t, fr.Index%5, "diffraction frame on a tracking slot")
	}
	assert.Equal(t, 22, meta.NFrames)
	assert.Equal(t, 18, meta.NCaptured)
	assert.Equal(t, 1, w.calls)
	assert.Greater(t, meta.AcquisitionTime, time.Duration(0))
	assert.GreaterOrEqual(t, meta.Oscillation, 0.0)

	// the log reports frames on disk; skipped slots are a separate line
	b, err := os.ReadFile(filepath.Join(e.opts.Dir, "cRED_log.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "Number of frames: 18")
	assert.Contains(t, string(b), "Counted frame slots: 22")
}

func TestRunCancellation(t *testing.T) {
	ctrl := tem.NewSim(tem.SimConfig{Width: 64, Height: 64})
	w := &captureWriter{}
	e, err := New(ctrl, w, Options{
		Exposure:      2 * time.Millisecond,
		ImageInterval: 5,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(40 * time.Millisecond)
		cancel()
	}()

	meta, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stopped, e.State())
	assert.Greater(t, meta.NFrames, 0)
	assert.Equal(t, 1, w.calls, "buffers flushed on cancellation")
}

type failingCam struct {
	tem.Camera
	after int
	calls int
}

func (c *failingCam) AcquireFrame(exposure time.Duration) (tem.Frame, error) {
	c.calls++
	if c.calls > c.after {
		return tem.Frame{}, errors.New("detector timeout")
	}
	return c.Camera.AcquireFrame(exposure)
}

// focusProbeCam records the diffraction focus in effect at each capture.
type focusProbeCam struct {
	tem.Camera
	lens   tem.Lens
	during []float64
}

func (c *focusProbeCam) AcquireFrame(exposure time.Duration) (tem.Frame, error) {
	v, err := c.lens.Get()
	if err != nil {
		return tem.Frame{}, err
	}
	c.during = append(c.during, v)
	return c.Camera.AcquireFrame(exposure)
}

func TestCaptureDefocusedSwapsAndRestoresFocus(t *testing.T) {
	ctrl := tem.NewSim(tem.SimConfig{Width: 32, Height: 32})
	require.NoError(t, ctrl.DiffFocus.Set(100))
	cam := &focusProbeCam{Camera: ctrl.Cam, lens: ctrl.DiffFocus}
	ctrl.Cam = cam

	_, err := CaptureDefocused(ctrl, time.Millisecond, 1500)
	require.NoError(t, err)

	// defocused during the capture, restored after
	require.Len(t, cam.during, 1)
	assert.InDelta(t, 1600, cam.during[0], 1e-9)
	v, err := ctrl.DiffFocus.Get()
	require.NoError(t, err)
	assert.InDelta(t, 100, v, 1e-9)
}

func TestCaptureDefocusedRestoresFocusOnCaptureError(t *testing.T) {
	ctrl := tem.NewSim(tem.SimConfig{Width: 32, Height: 32})
	require.NoError(t, ctrl.DiffFocus.Set(100))
	ctrl.Cam = &failingCam{Camera: ctrl.Cam}

	_, err := CaptureDefocused(ctrl, time.Millisecond, 1500)
	require.Error(t, err)

	v, err := ctrl.DiffFocus.Get()
	require.NoError(t, err)
	assert.InDelta(t, 100, v, 1e-9)
}

func TestRunFlushesBuffersOnHardwareError(t *testing.T) {
	ctrl := tem.NewSim(tem.SimConfig{Width: 64, Height: 64})
	ctrl.Cam = &failingCam{Camera: ctrl.Cam, after: 3}
	w := &captureWriter{}
	e, err := New(ctrl, w, Options{
		Exposure:      2 * time.Millisecond,
		ImageInterval: 5,
	})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Stopped, e.State())
	assert.Equal(t, 1, w.calls, "buffers flushed after failure")
	assert.Len(t, w.diffraction, 3)
}

// twoDiscCam always returns an ambiguous scene.
type twoDiscCam struct{}

func (twoDiscCam) AcquireFrame(exposure time.Duration) (tem.Frame, error) {
	m := mat.NewDense(128, 128, nil)
	for _, ctr := range [][2]int{{40, 40}, {88, 88}} {
		for r := ctr[0] - 12; r <= ctr[0]+12; r++ {
			for c := ctr[1] - 12; c <= ctr[1]+12; c++ {
				dr, dc := r-ctr[0], c-ctr[1]
				if dr*dr+dc*dc <= 144 {
					m.Set(r, c, 100)
				}
			}
		}
	}
	return tem.Frame{Data: m, Header: tem.Header{}}, nil
}

func (twoDiscCam) Binning() int { return 1 }

func (twoDiscCam) Dimensions() (int, int) { return 128, 128 }

func TestAmbiguousTargetDisablesTracking(t *testing.T) {
	ctrl := tem.NewSim(tem.SimConfig{Width: 64, Height: 64})
	ctrl.Cam = twoDiscCam{}

	// one clean disc as the tracking reference
	ref := mat.NewDense(128, 128, nil)
	for r := 52; r <= 76; r++ {
		for c := 52; c <= 76; c++ {
			dr, dc := r-64, c-64
			if dr*dr+dc*dc <= 144 {
				ref.Set(r, c, 100)
			}
		}
	}
	cal := calib.BeamShift{Transform: affine.Mat2{{1, 0}, {0, 1}}, HasData: true}
	tracker, err := track.New(ref, cal, ctrl.BeamShift, detect.Options{MinArea: 50})
	require.NoError(t, err)
	before := tracker.BeamShift()

	w := &captureWriter{}
	e, err := New(ctrl, w, Options{
		Exposure:      2 * time.Millisecond,
		ImageInterval: 5,
		MaxFrames:     15,
		Tracker:       tracker,
	})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err, "ambiguity must not abort recording")
	assert.Equal(t, before, tracker.BeamShift(), "no correction from an ambiguous scene")
	assert.GreaterOrEqual(t, len(w.tracking), 1)
}

func TestCatchUpCountsWholeIntervals(t *testing.T) {
	now := time.Now()
	acq := 100 * time.Millisecond

	i, skipped := catchUp(6, now.Add(-250*time.Millisecond), acq, now)
	assert.Equal(t, 9, i)
	assert.Equal(t, 3, skipped)

	i, skipped = catchUp(6, now.Add(time.Second), acq, now)
	assert.Equal(t, 6, i)
	assert.Equal(t, 0, skipped)

	// a zero average cannot schedule anything yet
	i, skipped = catchUp(6, now.Add(-time.Second), 0, now)
	assert.Equal(t, 6, i)
	assert.Equal(t, 0, skipped)
}

func TestNewValidatesOptions(t *testing.T) {
	ctrl := tem.NewSim(tem.SimConfig{})
	_, err := New(ctrl, nil, Options{Exposure: time.Second, ImageInterval: 1})
	assert.Error(t, err)
	_, err = New(ctrl, nil, Options{ImageInterval: 5})
	assert.Error(t, err)
}
