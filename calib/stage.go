/*Package calib implements the pixel to instrument-coordinate calibrations and
the scan routines that produce them.

A calibration relates pixel displacements on the detector to displacements of
an instrument axis (stage position or beam shift) through an affine transform
fitted from scan data.  Conversions compose through four frames: the pixel
frame of the image the calibration reference was taken in, the pixel frame of
the current image, and the corresponding absolute instrument positions.  The
row-vector convention of package affine is used throughout, with the transform
mapping pixel displacements to instrument displacements.
*/
package calib

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/asdfdsa/instamatic/affine"
)

// DefaultCenter is the detector half-size in unbinned pixels for a 2048 px
// camera, the offset between pixel coordinates and the optical axis.
const DefaultCenter = 1024

// CalibrationMissingError is generated when a persisted calibration cannot be
// loaded.  Routine names the calibration run that would produce it.
type CalibrationMissingError struct {
	Path    string
	Routine string
}

func (e CalibrationMissingError) Error() string {
	return fmt.Sprintf("no calibration at %s, run the %s calibration first", e.Path, e.Routine)
}

// Stage converts between detector pixel coordinates and absolute stage
// positions.  Rotation and Translation come from an affine fit of pixel
// shifts against stage displacements; ReferencePosition is the absolute stage
// position the reference image was captured at and anchors every conversion.
type Stage struct {
	Rotation          affine.Mat2 `yaml:"rotation"`
	Translation       affine.Vec2 `yaml:"translation"`
	ReferencePosition affine.Vec2 `yaml:"reference_position"`

	// Center is the detector half-size in pixels.
	Center float64 `yaml:"center"`

	HasData bool `yaml:"has_data"`

	// Raw samples kept for diagnostic plotting.
	Shifts        []affine.Vec2 `yaml:"shifts,omitempty"`
	Displacements []affine.Vec2 `yaml:"displacements,omitempty"`
}

// StageFromData fits a calibration from paired samples.  shifts are observed
// pixel shifts, displacements the stage displacements that produced them,
// refPos the absolute stage position of the reference image.
func StageFromData(shifts, displacements []affine.Vec2, refPos affine.Vec2, center float64) (Stage, error) {
	res, err := affine.Fit(shifts, displacements)
	if err != nil {
		return Stage{}, err
	}
	if center == 0 {
		center = DefaultCenter
	}
	return Stage{
		Rotation:          res.R,
		Translation:       res.T,
		ReferencePosition: refPos,
		Center:            center,
		HasData:           true,
		Shifts:            shifts,
		Displacements:     displacements,
	}, nil
}

// ReferenceToCurrentPixel maps a pixel coordinate in the reference image to
// the same specimen point in an image captured at stage position imagePos.
func (s Stage) ReferenceToCurrentPixel(pxRef, imagePos affine.Vec2) (affine.Vec2, error) {
	rInv, err := s.Rotation.Inv()
	if err != nil {
		return affine.Vec2{}, err
	}
	d := imagePos.Sub(s.ReferencePosition).Sub(s.Translation)
	return pxRef.Sub(d.Mul(rInv)), nil
}

// CurrentPixelToReference is the inverse of ReferenceToCurrentPixel.
func (s Stage) CurrentPixelToReference(px, imagePos affine.Vec2) (affine.Vec2, error) {
	rInv, err := s.Rotation.Inv()
	if err != nil {
		return affine.Vec2{}, err
	}
	d := imagePos.Sub(s.ReferencePosition).Sub(s.Translation)
	return px.Add(d.Mul(rInv)), nil
}

// CurrentPixelToPosition maps a pixel in an image captured at stage position
// imagePos to the absolute stage position of that specimen point.
func (s Stage) CurrentPixelToPosition(px, imagePos affine.Vec2) (affine.Vec2, error) {
	pxRef, err := s.CurrentPixelToReference(px, imagePos)
	if err != nil {
		return affine.Vec2{}, err
	}
	c := affine.Vec2{X: s.Center, Y: s.Center}
	return pxRef.Sub(c).Mul(s.Rotation).Add(s.Translation).Add(s.ReferencePosition), nil
}

// PositionToCurrentPixel is the inverse of CurrentPixelToPosition: it locates
// an absolute stage position in an image captured at stage position imagePos.
func (s Stage) PositionToCurrentPixel(pos, imagePos affine.Vec2) (affine.Vec2, error) {
	rInv, err := s.Rotation.Inv()
	if err != nil {
		return affine.Vec2{}, err
	}
	c := affine.Vec2{X: s.Center, Y: s.Center}
	pxRef := pos.Sub(s.ReferencePosition).Sub(s.Translation).Mul(rInv).Add(c)
	return s.ReferenceToCurrentPixel(pxRef, imagePos)
}

// Save persists the calibration as YAML, creating parent directories.
func (s Stage) Save(path string) error {
	b, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// LoadStage reads a persisted stage calibration.  A file that is absent or
// unreadable yields CalibrationMissingError.
func LoadStage(path string) (Stage, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Stage{}, CalibrationMissingError{Path: path, Routine: "stage"}
	}
	s := Stage{}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Stage{}, CalibrationMissingError{Path: path, Routine: "stage"}
	}
	if s.Center == 0 {
		s.Center = DefaultCenter
	}
	return s, nil
}
