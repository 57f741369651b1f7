/*Package cred runs a continuous-rotation electron diffraction acquisition
session.  While the stage rotates, the loop captures diffraction frames at a
steady cadence and periodically interleaves a short defocused tracking frame,
optionally feeding it to a track.Corrector to keep the crystal centered.

The loop is single-threaded and cooperative: captures block for their exposure
and cancellation is polled once per iteration, so an in-flight capture always
completes before a stop is honored.
*/
package cred

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/asdfdsa/instamatic/tem"
	"github.com/asdfdsa/instamatic/track"
)

// State is the lifecycle of one acquisition session.
type State int

const (
	// Armed waits for the stage rotation to pass the activation threshold.
	Armed State = iota

	// Recording is the main capture loop.
	Recording

	// Stopped is terminal.
	Stopped
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Recording:
		return "recording"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// NumberedFrame is a captured frame tagged with its loop index.
type NumberedFrame struct {
	Index int
	Frame tem.Frame
}

// Metadata summarizes a finished session for the format writer.
type Metadata struct {
	Start time.Time
	End   time.Time

	StartAngle float64 // degrees
	EndAngle   float64

	// Oscillation is the rotation span per counted frame.
	Oscillation float64

	Exposure        time.Duration
	AcquisitionTime time.Duration

	SpotSize           int
	CameraLength       int
	RotationAxisOffset float64

	// NFrames counts frame slots, including slots lost to catch-up
	// skipping; Oscillation divides the rotation span by it.
	NFrames int

	// NCaptured is the number of diffraction frames actually captured.
	NCaptured int
}

// Writer receives the accumulated buffers when a session ends.  It is invoked
// even after a mid-loop hardware failure so captured data is never dropped.
type Writer interface {
	WriteSession(diffraction, tracking []NumberedFrame, meta Metadata) error
}

// Options configures a session.
type Options struct {
	Exposure time.Duration

	// ImageInterval is the number of frames between tracking captures; at
	// least 2, or 0 to disable tracking frames entirely.
	ImageInterval int

	// DiffDefocus is added to the diffraction focus for tracking captures
	// and removed immediately after.
	DiffDefocus float64

	// Tracker enables beam-shift correction on tracking frames.
	Tracker *track.Corrector

	// ActivationThreshold is the rotation in degrees that starts
	// recording.  Zero means the default of 0.2.
	ActivationThreshold float64

	// MaxFrames stops the loop after that many counted frames; zero means
	// no limit (stop by context).
	MaxFrames int

	RotationAxisOffset float64

	// Dir receives the plain-text run log; empty disables it.
	Dir string

	Log *log.Logger
}

const defaultActivationThreshold = 0.2

// armPollInterval paces the rotation polling while armed.
var armPoll = rate.Every(25 * time.Millisecond)

// Experiment is one acquisition session.  Run may be called once.
type Experiment struct {
	ctrl *tem.Ctrl
	w    Writer
	opts Options

	mu    sync.Mutex
	state State

	diffraction []NumberedFrame
	tracking    []NumberedFrame
}

// New prepares a session.  w may be nil when the caller only wants the
// returned metadata.
func New(ctrl *tem.Ctrl, w Writer, opts Options) (*Experiment, error) {
	if opts.ImageInterval == 1 || opts.ImageInterval < 0 {
		return nil, fmt.Errorf("cred: image interval must be at least 2, or 0 to disable tracking")
	}
	if opts.Exposure <= 0 {
		return nil, fmt.Errorf("cred: exposure must be positive")
	}
	if opts.ActivationThreshold == 0 {
		opts.ActivationThreshold = defaultActivationThreshold
	}
	return &Experiment{ctrl: ctrl, w: w, opts: opts, state: Armed}, nil
}

// State reports the current lifecycle state.
func (e *Experiment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Experiment) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Experiment) printf(format string, args ...interface{}) {
	l := e.opts.Log
	if l == nil {
		l = log.Default()
	}
	l.Printf(format, args...)
}

// Run drives the session until the context is cancelled, MaxFrames counted
// frames have elapsed, or a hardware call fails.  Buffers are flushed to the
// writer in every case.
func (e *Experiment) Run(ctx context.Context) (Metadata, error) {
	start := time.Now()

	if err := e.arm(ctx); err != nil {
		e.setState(Stopped)
		return Metadata{}, err
	}
	e.setState(Recording)

	startAngle, err := e.ctrl.Stage.Alpha()
	if err != nil {
		e.setState(Stopped)
		return Metadata{}, err
	}

	nframes, acq, loopErr := e.loop(ctx)
	e.setState(Stopped)

	endAngle, aerr := e.ctrl.Stage.Alpha()
	if aerr != nil && loopErr == nil {
		loopErr = aerr
	}

	meta := Metadata{
		Start:              start,
		End:                time.Now(),
		StartAngle:         startAngle,
		EndAngle:           endAngle,
		Exposure:           e.opts.Exposure,
		AcquisitionTime:    acq,
		RotationAxisOffset: e.opts.RotationAxisOffset,
		NFrames:            nframes,
		NCaptured:          len(e.diffraction),
	}
	if nframes > 0 {
		meta.Oscillation = math.Abs(endAngle-startAngle) / float64(nframes)
	}
	if ss, err := e.ctrl.Optics.SpotSize(); err == nil {
		meta.SpotSize = ss
	}
	if cl, err := e.ctrl.Optics.Magnification(); err == nil {
		meta.CameraLength = cl
	}

	// flush even after a mid-loop failure
	if e.w != nil {
		if werr := e.w.WriteSession(e.diffraction, e.tracking, meta); werr != nil && loopErr == nil {
			loopErr = werr
		}
	}
	if e.opts.Dir != "" {
		if lerr := WriteRunLog(e.opts.Dir, meta); lerr != nil && loopErr == nil {
			loopErr = lerr
		}
	}
	return meta, loopErr
}

// arm blocks until the stage rotation exceeds the activation threshold.
// Simulated benches start recording immediately.
func (e *Experiment) arm(ctx context.Context) error {
	if e.ctrl.Simulated {
		return nil
	}
	a0, err := e.ctrl.Stage.Alpha()
	if err != nil {
		return err
	}
	lim := rate.NewLimiter(armPoll, 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		a, err := e.ctrl.Stage.Alpha()
		if err != nil {
			return err
		}
		if math.Abs(a-a0) > e.opts.ActivationThreshold {
			return nil
		}
	}
}

func (e *Experiment) loop(ctx context.Context) (nframes int, acq time.Duration, err error) {
	t0 := time.Now()
	tracker := e.opts.Tracker
	i := 1
	for {
		// cooperative stop, observed at iteration boundaries only
		if ctx.Err() != nil {
			break
		}
		if e.opts.MaxFrames > 0 && i > e.opts.MaxFrames {
			break
		}

		if e.opts.ImageInterval > 0 && i%e.opts.ImageInterval == 0 {
			fr, terr := e.captureTracking(tracker != nil)
			if terr != nil {
				err = terr
				break
			}
			e.tracking = append(e.tracking, NumberedFrame{Index: i, Frame: fr})

			if tracker != nil {
				if _, cerr := tracker.Correct(fr.Data); cerr != nil {
					var aerr track.AmbiguousTargetError
					if errors.As(cerr, &aerr) {
						e.printf("cred: frame %d: %v; tracking disabled for this session", i, cerr)
						tracker = nil
					} else {
						err = cerr
						break
					}
				}
			}

			// Cadence: the running average interval defines the
			// schedule.  Whole intervals already elapsed are lost
			// frames; otherwise idle until the next instant.
			if i > 1 {
				acq = time.Since(t0) / time.Duration(i-1)
			}
			next := t0.Add(time.Duration(i) * acq)
			i++
			now := time.Now()
			if now.Before(next) {
				time.Sleep(next.Sub(now))
			} else {
				var skipped int
				i, skipped = catchUp(i, next, acq, now)
				if skipped > 0 {
					e.printf("cred: %d frames lost to tracking overhead", skipped)
				}
			}
			continue
		}

		fr, cerr := e.ctrl.Cam.AcquireFrame(e.opts.Exposure)
		if cerr != nil {
			err = cerr
			break
		}
		e.diffraction = append(e.diffraction, NumberedFrame{Index: i, Frame: fr})
		i++
	}
	return i - 1, acq, err
}

// captureTracking takes one defocused frame at the tracking exposure.
func (e *Experiment) captureTracking(autotrack bool) (tem.Frame, error) {
	exp := e.opts.Exposure / 5
	if autotrack {
		exp = e.opts.Exposure / 10
	}
	return CaptureDefocused(e.ctrl, exp, e.opts.DiffDefocus)
}

// CaptureDefocused swaps the defocus offset onto the diffraction lens around
// a single capture.  Tracking frames and the reference frame they are
// correlated against must both come through here, or the lens states differ
// and registration fails.  The focus is restored even when the capture
// fails.
func CaptureDefocused(ctrl *tem.Ctrl, exposure time.Duration, defocus float64) (tem.Frame, error) {
	focus0, err := ctrl.DiffFocus.Get()
	if err != nil {
		return tem.Frame{}, err
	}
	if err := ctrl.DiffFocus.Set(focus0 + defocus); err != nil {
		return tem.Frame{}, err
	}
	fr, cerr := ctrl.Cam.AcquireFrame(exposure)
	rerr := ctrl.DiffFocus.Set(focus0)
	if cerr != nil {
		return tem.Frame{}, cerr
	}
	return fr, rerr
}

// catchUp advances the frame counter over every scheduled instant that has
// already passed.  Lost frames are counted, never captured retroactively.
func catchUp(i int, next time.Time, acq time.Duration, now time.Time) (counter, skipped int) {
	if acq <= 0 {
		return i, 0
	}
	for now.After(next) {
		i++
		skipped++
		next = next.Add(acq)
	}
	return i, skipped
}

// WriteRunLog writes the human-readable session summary, cRED_log.txt, into
// dir, creating it if needed.
func WriteRunLog(dir string, m Metadata) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, "cRED_log.txt"))
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "Data collection started at: %s\n", m.Start.Format(time.RFC3339))
	fmt.Fprintf(f, "Data collection ended at: %s\n", m.End.Format(time.RFC3339))
	fmt.Fprintf(f, "Starting angle: %.2f degrees\n", m.StartAngle)
	fmt.Fprintf(f, "Ending angle: %.2f degrees\n", m.EndAngle)
	fmt.Fprintf(f, "Exposure time: %.3f s\n", m.Exposure.Seconds())
	fmt.Fprintf(f, "Acquisition time: %.3f s per frame\n", m.AcquisitionTime.Seconds())
	fmt.Fprintf(f, "Spot size: %d\n", m.SpotSize)
	fmt.Fprintf(f, "Camera length: %d mm\n", m.CameraLength)
	fmt.Fprintf(f, "Rotation axis offset: %.2f degrees\n", m.RotationAxisOffset)
	fmt.Fprintf(f, "Oscillation angle: %.4f degrees\n", m.Oscillation)
	fmt.Fprintf(f, "Number of frames: %d\n", m.NCaptured)
	fmt.Fprintf(f, "Counted frame slots: %d\n", m.NFrames)
	return nil
}
