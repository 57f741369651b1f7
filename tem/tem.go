/*Package tem defines the instrument abstraction the calibration and
acquisition layers are written against: a Ctrl context object bundling small
interfaces for the stage, the deflectors, the diffraction lens, the optical
column and the camera.

Hardware drivers (package remote) and the built-in simulator both satisfy
these interfaces; nothing above this package touches process-wide state or a
concrete instrument.
*/
package tem

import (
	"time"

	"gonum.org/v1/gonum/mat"
)

// Header keys written by cameras into frame headers.
const (
	KeyStageX   = "stage_x"
	KeyStageY   = "stage_y"
	KeyAlpha    = "stage_alpha"
	KeyBinning  = "binning"
	KeyExposure = "exposure_s"
	KeyTime     = "timestamp"
)

// Header carries per-frame metadata.
type Header map[string]interface{}

// Frame is one captured image with its metadata.
type Frame struct {
	Data   *mat.Dense
	Header Header
}

// Stage is a two-axis specimen stage with a tilt (alpha) readout.
type Stage interface {
	// XY reads the current stage position.
	XY() (x, y float64, err error)

	// SetXY moves the stage to an absolute position.
	SetXY(x, y float64) error

	// SetXYWithBacklashCorrection moves to an absolute position,
	// approaching from a consistent direction so mechanical play does not
	// bias the final position.
	SetXYWithBacklashCorrection(x, y float64) error

	// ResetXY re-approaches the current position to take up backlash,
	// making subsequent relative moves monotonic.
	ResetXY() error

	// Alpha reads the tilt angle in degrees.
	Alpha() (float64, error)
}

// Deflector is a two-component beam or image deflection coil pair.
type Deflector interface {
	Get() (x, y float64, err error)
	Set(x, y float64) error
}

// Lens is a single-valued lens control, e.g. the diffraction focus.
type Lens interface {
	Get() (float64, error)
	Set(float64) error
}

// Optics controls the column state: imaging mode, magnification and spot size.
type Optics interface {
	Mode() (string, error)
	SetMode(string) error
	Magnification() (int, error)
	SetMagnification(int) error
	SpotSize() (int, error)
}

// Camera captures frames.
type Camera interface {
	// AcquireFrame blocks for the exposure duration and returns the frame
	// with a populated header.
	AcquireFrame(exposure time.Duration) (Frame, error)

	// Binning returns the pixel binning factor currently in effect.
	Binning() int

	// Dimensions returns the frame width and height at the current binning.
	Dimensions() (w, h int)
}

// Ctrl aggregates one instrument.  It is passed explicitly to every component
// that needs hardware access.
type Ctrl struct {
	Stage      Stage
	BeamShift  Deflector
	ImageShift Deflector
	DiffFocus  Lens
	Optics     Optics
	Cam        Camera

	// Simulated marks a bench made of simulator parts; the acquisition
	// loop skips rotation arming for these.
	Simulated bool
}
