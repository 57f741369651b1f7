// Package tem exposes a microscope bench over JSON HTTP: stage, deflectors,
// diffraction focus, column optics, frame capture and calibration triggers.
package tem

import (
	"encoding/json"
	"image"
	"image/png"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"

	"github.com/asdfdsa/instamatic/calib"
	"github.com/asdfdsa/instamatic/cred"
	"github.com/asdfdsa/instamatic/generichttp"
	"github.com/asdfdsa/instamatic/imgrec"
	"github.com/asdfdsa/instamatic/tem"
)

// XY is a two-axis JSON payload.
type XY struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Wrapper adapts a bench and its calibration runner to HTTP.
type Wrapper struct {
	ctrl   *tem.Ctrl
	runner *calib.Runner
}

// NewWrapper returns a Wrapper around a bench.  runner may be nil if the
// calibration endpoints are not wanted.
func NewWrapper(ctrl *tem.Ctrl, runner *calib.Runner) *Wrapper {
	return &Wrapper{ctrl: ctrl, runner: runner}
}

// Router builds the instrument API.
func (wr *Wrapper) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/stage/pos", wr.getStagePos)
	r.Post("/stage/pos", wr.setStagePos)
	r.Post("/stage/reset", wr.resetStage)
	r.Get("/stage/alpha", generichttp.GetFloat(wr.ctrl.Stage.Alpha))
	r.Get("/deflector/{which}", wr.getDeflector)
	r.Post("/deflector/{which}", wr.setDeflector)
	r.Get("/difffocus", generichttp.GetFloat(wr.ctrl.DiffFocus.Get))
	r.Post("/difffocus", generichttp.SetFloat(wr.ctrl.DiffFocus.Set))
	r.Get("/mode", generichttp.GetString(wr.ctrl.Optics.Mode))
	r.Post("/mode", generichttp.SetString(wr.ctrl.Optics.SetMode))
	r.Get("/mag", generichttp.GetInt(wr.ctrl.Optics.Magnification))
	r.Post("/mag", generichttp.SetInt(wr.ctrl.Optics.SetMagnification))
	r.Get("/spotsize", generichttp.GetInt(wr.ctrl.Optics.SpotSize))
	r.Get("/frame", wr.frame)
	if wr.runner != nil {
		r.Post("/calibrate/stage", wr.calibrateStage)
		r.Post("/calibrate/beamshift", wr.calibrateBeamShift)
	}
	return r
}

func (wr *Wrapper) getStagePos(w http.ResponseWriter, r *http.Request) {
	x, y, err := wr.ctrl.Stage.XY()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(XY{X: x, Y: y})
}

func (wr *Wrapper) setStagePos(w http.ResponseWriter, r *http.Request) {
	body := struct {
		XY
		Backlash bool `json:"backlash"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	var err error
	if body.Backlash {
		err = wr.ctrl.Stage.SetXYWithBacklashCorrection(body.X, body.Y)
	} else {
		err = wr.ctrl.Stage.SetXY(body.X, body.Y)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (wr *Wrapper) resetStage(w http.ResponseWriter, r *http.Request) {
	if err := wr.ctrl.Stage.ResetXY(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (wr *Wrapper) deflector(r *http.Request) tem.Deflector {
	switch chi.URLParam(r, "which") {
	case "beamshift":
		return wr.ctrl.BeamShift
	case "imageshift":
		return wr.ctrl.ImageShift
	default:
		return nil
	}
}

func (wr *Wrapper) getDeflector(w http.ResponseWriter, r *http.Request) {
	d := wr.deflector(r)
	if d == nil {
		http.Error(w, "unknown deflector", http.StatusNotFound)
		return
	}
	x, y, err := d.Get()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(XY{X: x, Y: y})
}

func (wr *Wrapper) setDeflector(w http.ResponseWriter, r *http.Request) {
	d := wr.deflector(r)
	if d == nil {
		http.Error(w, "unknown deflector", http.StatusNotFound)
		return
	}
	xy := XY{}
	if err := json.NewDecoder(r.Body).Decode(&xy); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if err := d.Set(xy.X, xy.Y); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// frame captures one image.  Query parameters: exposure_s (default 0.5) and
// fmt, png (default) or fits.
func (wr *Wrapper) frame(w http.ResponseWriter, r *http.Request) {
	exposure := 500 * time.Millisecond
	if s := r.URL.Query().Get("exposure_s"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f <= 0 {
			http.Error(w, "bad exposure_s", http.StatusBadRequest)
			return
		}
		exposure = time.Duration(f * float64(time.Second))
	}
	fr, err := wr.ctrl.Cam.AcquireFrame(exposure)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch r.URL.Query().Get("fmt") {
	case "fits":
		w.Header().Set("Content-Type", "application/fits")
		nf := cred.NumberedFrame{Frame: fr}
		if err := imgrec.Encode(w, nf, cred.Metadata{Exposure: exposure}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	case "", "png":
		w.Header().Set("Content-Type", "image/png")
		if err := png.Encode(w, grayscale(fr)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	default:
		http.Error(w, "unknown format", http.StatusBadRequest)
	}
}

func (wr *Wrapper) calibrateStage(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Mode string `json:"mode"`
		Mag  int    `json:"mag"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	st, err := wr.runner.Calibrate(body.Mode, body.Mag)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func (wr *Wrapper) calibrateBeamShift(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Gridsize int     `json:"gridsize"`
		Stepsize float64 `json:"stepsize"`
	}{Gridsize: 5, Stepsize: 2500}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	bs, err := wr.runner.RunBeamShiftGrid(body.Gridsize, body.Stepsize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bs)
}

// grayscale renders a frame with its full dynamic range mapped onto 8 bits.
func grayscale(fr tem.Frame) *image.Gray {
	rows, cols := fr.Data.Dims()
	lo, hi := math.Inf(1), math.Inf(-1)
	for ri := 0; ri < rows; ri++ {
		for ci := 0; ci < cols; ci++ {
			v := fr.Data.At(ri, ci)
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}
	img := image.NewGray(image.Rect(0, 0, cols, rows))
	for ri := 0; ri < rows; ri++ {
		for ci := 0; ci < cols; ci++ {
			img.Pix[ri*img.Stride+ci] = uint8(255 * (fr.Data.At(ri, ci) - lo) / span)
		}
	}
	return img
}
