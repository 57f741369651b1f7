package tem

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/asdfdsa/instamatic/affine"
)

// SimConfig configures the simulated bench.  The zero value is usable: a
// 512x512 camera at binning 1 with an identity pixel/stage relation and a
// single bright disc at the stage origin.
type SimConfig struct {
	Width, Height int
	Binning       int

	// PixelPerStage is the ground-truth matrix mapping a stage displacement
	// (row vector) to the pixel displacement of the rendered feature.
	PixelPerStage affine.Mat2

	// PixelPerBeam maps a beam-shift displacement to a pixel displacement.
	PixelPerBeam affine.Mat2

	// FeatureStage is the stage coordinate the feature sits at.
	FeatureStage affine.Vec2

	// FeatureRadius is the rendered disc radius in pixels.
	FeatureRadius float64

	// RotationRate is the alpha drive in degrees per second.  Zero leaves
	// the tilt parked.
	RotationRate float64
}

func (c SimConfig) withDefaults() SimConfig {
	if c.Width == 0 {
		c.Width = 512
	}
	if c.Height == 0 {
		c.Height = 512
	}
	if c.Binning == 0 {
		c.Binning = 1
	}
	if c.PixelPerStage == (affine.Mat2{}) {
		c.PixelPerStage = affine.Identity()
	}
	if c.PixelPerBeam == (affine.Mat2{}) {
		c.PixelPerBeam = affine.Identity()
	}
	if c.FeatureRadius == 0 {
		c.FeatureRadius = 30
	}
	return c
}

// simBench is the shared state behind all simulated parts.
type simBench struct {
	mu  sync.Mutex
	cfg SimConfig

	x, y           float64
	beamX, beamY   float64
	imgX, imgY     float64
	focus          float64
	mode           string
	mag            int
	alpha0         float64
	rotationsSince time.Time
}

// NewSim returns a Ctrl whose parts are all backed by an in-memory simulator.
func NewSim(cfg SimConfig) *Ctrl {
	b := &simBench{
		cfg:            cfg.withDefaults(),
		mode:           "mag1",
		mag:            2500,
		rotationsSince: time.Now(),
	}
	return &Ctrl{
		Stage:      &simStage{b: b},
		BeamShift:  &simDeflector{b: b, beam: true},
		ImageShift: &simDeflector{b: b},
		DiffFocus:  &simLens{b: b},
		Optics:     &simOptics{b: b},
		Cam:        &simCamera{b: b},
		Simulated:  true,
	}
}

type simStage struct{ b *simBench }

func (s *simStage) XY() (float64, float64, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.b.x, s.b.y, nil
}

func (s *simStage) SetXY(x, y float64) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.x, s.b.y = x, y
	return nil
}

func (s *simStage) SetXYWithBacklashCorrection(x, y float64) error {
	return s.SetXY(x, y)
}

func (s *simStage) ResetXY() error { return nil }

func (s *simStage) Alpha() (float64, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	elapsed := time.Since(s.b.rotationsSince).Seconds()
	return s.b.alpha0 + s.b.cfg.RotationRate*elapsed, nil
}

type simDeflector struct {
	b    *simBench
	beam bool
}

func (d *simDeflector) Get() (float64, float64, error) {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if d.beam {
		return d.b.beamX, d.b.beamY, nil
	}
	return d.b.imgX, d.b.imgY, nil
}

func (d *simDeflector) Set(x, y float64) error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if d.beam {
		d.b.beamX, d.b.beamY = x, y
	} else {
		d.b.imgX, d.b.imgY = x, y
	}
	return nil
}

type simLens struct{ b *simBench }

func (l *simLens) Get() (float64, error) {
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	return l.b.focus, nil
}

func (l *simLens) Set(v float64) error {
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	l.b.focus = v
	return nil
}

type simOptics struct{ b *simBench }

func (o *simOptics) Mode() (string, error) {
	o.b.mu.Lock()
	defer o.b.mu.Unlock()
	return o.b.mode, nil
}

func (o *simOptics) SetMode(m string) error {
	o.b.mu.Lock()
	defer o.b.mu.Unlock()
	o.b.mode = m
	return nil
}

func (o *simOptics) Magnification() (int, error) {
	o.b.mu.Lock()
	defer o.b.mu.Unlock()
	return o.b.mag, nil
}

func (o *simOptics) SetMagnification(m int) error {
	o.b.mu.Lock()
	defer o.b.mu.Unlock()
	o.b.mag = m
	return nil
}

func (o *simOptics) SpotSize() (int, error) { return 4, nil }

type simCamera struct{ b *simBench }

func (c *simCamera) Binning() int {
	return c.b.cfg.Binning
}

func (c *simCamera) Dimensions() (int, int) {
	return c.b.cfg.Width, c.b.cfg.Height
}

// AcquireFrame renders the feature disc at the pixel position implied by the
// current stage and beam-shift state, then sleeps for the exposure to mimic a
// blocking hardware capture.
func (c *simCamera) AcquireFrame(exposure time.Duration) (Frame, error) {
	c.b.mu.Lock()
	cfg := c.b.cfg
	stagePos := affine.Vec2{X: c.b.x, Y: c.b.y}
	beam := affine.Vec2{X: c.b.beamX, Y: c.b.beamY}
	c.b.mu.Unlock()

	time.Sleep(exposure)

	center := affine.Vec2{X: float64(cfg.Width) / 2, Y: float64(cfg.Height) / 2}
	px := center.
		Add(cfg.FeatureStage.Sub(stagePos).Mul(cfg.PixelPerStage)).
		Add(beam.Mul(cfg.PixelPerBeam))

	img := mat.NewDense(cfg.Height, cfg.Width, nil)
	r2 := cfg.FeatureRadius * cfg.FeatureRadius
	for r := 0; r < cfg.Height; r++ {
		for col := 0; col < cfg.Width; col++ {
			dr := float64(r) - px.Y
			dc := float64(col) - px.X
			if dr*dr+dc*dc <= r2 {
				img.Set(r, col, 100)
			}
		}
	}

	alpha, _ := (&simStage{b: c.b}).Alpha()
	h := Header{
		KeyStageX:   stagePos.X,
		KeyStageY:   stagePos.Y,
		KeyAlpha:    alpha,
		KeyBinning:  cfg.Binning,
		KeyExposure: exposure.Seconds(),
		KeyTime:     time.Now(),
	}
	return Frame{Data: img, Header: h}, nil
}

// StagePosition extracts the stage coordinate recorded in a frame header.
func (h Header) StagePosition() (affine.Vec2, bool) {
	x, okx := h[KeyStageX].(float64)
	y, oky := h[KeyStageY].(float64)
	if !okx || !oky {
		return affine.Vec2{}, false
	}
	return affine.Vec2{X: x, Y: y}, true
}
