/*Package config loads the instrument description: camera geometry, the
per-mode/per-magnification pixel sizes and stage matrices, microscope
constants and acquisition defaults.

Configuration is YAML overlaid on compiled-in defaults; a missing file is not
an error, so tools run against the simulator with no setup.
*/
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/knadh/koanf"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"

	"github.com/asdfdsa/instamatic/affine"
)

// Camera describes the detector.
type Camera struct {
	Name           string `koanf:"name" yaml:"name"`
	Width          int    `koanf:"width" yaml:"width"`
	Height         int    `koanf:"height" yaml:"height"`
	DefaultBinning int    `koanf:"default_binning" yaml:"default_binning"`
}

// Microscope holds column constants that are not per-magnification.
type Microscope struct {
	// RotationAxisOffset is the angle in degrees between the camera frame
	// and the stage rotation axis, used by downstream data reduction.
	RotationAxisOffset float64 `koanf:"rotation_axis_offset" yaml:"rotation_axis_offset"`

	// Ranges lists the available magnifications per imaging mode.
	Ranges map[string][]int `koanf:"ranges" yaml:"ranges"`
}

// ModeCalibration is the calibration state for one imaging mode.
type ModeCalibration struct {
	// PixelSize per magnification.  The values 0 and 1 are sentinels for
	// "never calibrated".
	PixelSize map[int]float64 `koanf:"pixelsize" yaml:"pixelsize"`

	// StageMatrix per magnification, the 2x2 matrix flattened row-major.
	StageMatrix map[int][]float64 `koanf:"stagematrix" yaml:"stagematrix"`
}

// CRED holds acquisition-loop defaults.
type CRED struct {
	ActivationThreshold float64 `koanf:"activation_threshold" yaml:"activation_threshold"`
	ImageInterval       int     `koanf:"image_interval" yaml:"image_interval"`
	DiffDefocus         float64 `koanf:"diff_defocus" yaml:"diff_defocus"`
	ExposureSec         float64 `koanf:"exposure_s" yaml:"exposure_s"`
}

// Config is the root configuration object.
type Config struct {
	Addr        string                     `koanf:"addr" yaml:"addr"`
	DataDir     string                     `koanf:"data_dir" yaml:"data_dir"`
	CalibDir    string                     `koanf:"calib_dir" yaml:"calib_dir"`
	BridgeAddr  string                     `koanf:"bridge_addr" yaml:"bridge_addr"`
	Camera      Camera                     `koanf:"camera" yaml:"camera"`
	Microscope  Microscope                 `koanf:"microscope" yaml:"microscope"`
	Calibration map[string]ModeCalibration `koanf:"calibration" yaml:"calibration"`
	CRED        CRED                       `koanf:"cred" yaml:"cred"`
}

// Defaults returns the compiled-in configuration.
func Defaults() Config {
	return Config{
		Addr:       ":8000",
		DataDir:    "data",
		CalibDir:   "calib",
		// BridgeAddr empty means the simulated bench.
		BridgeAddr: "",
		Camera: Camera{
			Name:           "simulate",
			Width:          2048,
			Height:         2048,
			DefaultBinning: 1,
		},
		Microscope: Microscope{
			RotationAxisOffset: -2.24,
			Ranges: map[string][]int{
				"lowmag": {100, 200, 300, 500},
				"mag1":   {1000, 2500, 5000, 10000},
			},
		},
		Calibration: map[string]ModeCalibration{
			"lowmag": {PixelSize: map[int]float64{}, StageMatrix: map[int][]float64{}},
			"mag1":   {PixelSize: map[int]float64{}, StageMatrix: map[int][]float64{}},
		},
		CRED: CRED{
			ActivationThreshold: 0.2,
			ImageInterval:       10,
			DiffDefocus:         1500,
			ExposureSec:         0.5,
		},
	}
}

// Load reads the YAML file at path over the defaults.  A missing file yields
// the defaults unchanged.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, err
	}
	if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
		// tolerate only a missing file
		if !strings.Contains(err.Error(), "no such") {
			return nil, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}
	c := Config{}
	dc := &mapstructure.DecoderConfig{
		Result:           &c,
		WeaklyTypedInput: true,
		TagName:          "koanf",
	}
	err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "koanf", DecoderConfig: dc})
	if err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return &c, nil
}

// WriteYAML serializes the configuration, used by the mkconf subcommands.
func (c Config) WriteYAML(w io.Writer) error {
	return yaml.NewEncoder(w).Encode(c)
}

// ConfigurationError is generated when the pixel size for a mode and
// magnification is missing or holds an uncalibrated sentinel value.
type ConfigurationError struct {
	Mode      string
	Mag       int
	PixelSize float64
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("invalid pixel size for mode %q at %dx: %v (run the stage calibration for this magnification)",
		e.Mode, e.Mag, e.PixelSize)
}

// PixelSizeFor validates and returns the pixel size for a mode and
// magnification.  Zero and one are rejected as uncalibrated sentinels.
func (c *Config) PixelSizeFor(mode string, mag int) (float64, error) {
	mc, ok := c.Calibration[mode]
	if !ok {
		return 0, ConfigurationError{Mode: mode, Mag: mag}
	}
	ps := mc.PixelSize[mag]
	if ps == 0 || ps == 1 {
		return 0, ConfigurationError{Mode: mode, Mag: mag, PixelSize: ps}
	}
	return ps, nil
}

// StageMatrixFor returns the stored stage matrix for a mode and
// magnification.
func (c *Config) StageMatrixFor(mode string, mag int) (affine.Mat2, error) {
	mc, ok := c.Calibration[mode]
	if !ok {
		return affine.Mat2{}, ConfigurationError{Mode: mode, Mag: mag}
	}
	f := mc.StageMatrix[mag]
	if len(f) != 4 {
		return affine.Mat2{}, ConfigurationError{Mode: mode, Mag: mag}
	}
	return affine.Mat2{{f[0], f[1]}, {f[2], f[3]}}, nil
}
