package calib

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/asdfdsa/instamatic/affine"
)

// BeamShift maps pixel drifts to beam-shift deflection deltas.  Reference is
// the deflector setting at which the calibration was run.
type BeamShift struct {
	Transform affine.Mat2 `yaml:"transform"`
	Reference affine.Vec2 `yaml:"reference"`
	HasData   bool        `yaml:"has_data"`
}

// Delta converts a pixel drift to the beam-shift correction that cancels it.
func (b BeamShift) Delta(drift affine.Vec2) affine.Vec2 {
	return drift.Mul(b.Transform)
}

// Save persists the calibration as YAML, creating parent directories.
func (b BeamShift) Save(path string) error {
	buf, err := yaml.Marshal(b)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

// LoadBeamShift reads a persisted beam-shift calibration.  A file that is
// absent or unreadable yields CalibrationMissingError.
func LoadBeamShift(path string) (BeamShift, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return BeamShift{}, CalibrationMissingError{Path: path, Routine: "beamshift"}
	}
	b := BeamShift{}
	if err := yaml.Unmarshal(buf, &b); err != nil {
		return BeamShift{}, CalibrationMissingError{Path: path, Routine: "beamshift"}
	}
	return b, nil
}
