// Package imgrec persists acquisition sessions to disk as FITS frames in
// dated, per-session folders.
package imgrec

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/asdfdsa/instamatic/cred"
	"github.com/asdfdsa/instamatic/tem"
)

// Recorder writes one directory per session under Root:
//
//	Root/yyyy-mm-dd/exp_HHMMSS/data/<prefix>NNNNN.fits
//	Root/yyyy-mm-dd/exp_HHMMSS/tracking/<prefix>NNNNN.fits
//
// Filenames carry the loop index of the frame, so gaps in the numbering mark
// frames lost to scheduling.  It is not thread safe.
type Recorder struct {
	Root   string
	Prefix string
}

// Dir returns the session directory a session started at t writes into.
func (r *Recorder) Dir(t time.Time) string {
	return filepath.Join(r.Root, t.Format("2006-01-02"), "exp_"+t.Format("150405"))
}

// WriteSession implements cred.Writer.
func (r *Recorder) WriteSession(diffraction, tracking []cred.NumberedFrame, meta cred.Metadata) error {
	dir := r.Dir(meta.Start)
	if err := r.writeFrames(filepath.Join(dir, "data"), diffraction, meta); err != nil {
		return err
	}
	return r.writeFrames(filepath.Join(dir, "tracking"), tracking, meta)
}

func (r *Recorder) writeFrames(dir string, frames []cred.NumberedFrame, meta cred.Metadata) error {
	if len(frames) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, nf := range frames {
		fn := filepath.Join(dir, fmt.Sprintf("%s%05d.fits", r.Prefix, nf.Index))
		if err := writeFITS(fn, nf, meta); err != nil {
			return fmt.Errorf("imgrec: writing %s: %w", fn, err)
		}
	}
	return nil
}

func writeFITS(path string, nf cred.NumberedFrame, meta cred.Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Encode(f, nf, meta)
}

// Encode streams one frame as a single-HDU FITS file.
func Encode(w io.Writer, nf cred.NumberedFrame, meta cred.Metadata) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	rows, cols := nf.Frame.Data.Dims()
	im := fitsio.NewImage(-32, []int{cols, rows})
	defer im.Close()

	if err := im.Header().Append(cards(nf, meta)...); err != nil {
		return err
	}

	buf := make([]float32, rows*cols)
	for ri := 0; ri < rows; ri++ {
		for ci := 0; ci < cols; ci++ {
			buf[ri*cols+ci] = float32(nf.Frame.Data.At(ri, ci))
		}
	}
	if err := im.Write(buf); err != nil {
		return err
	}
	return fits.Write(im)
}

func cards(nf cred.NumberedFrame, meta cred.Metadata) []fitsio.Card {
	out := []fitsio.Card{
		{Name: "FRAMENO", Value: nf.Index, Comment: "frame counter within the session"},
		{Name: "EXPTIME", Value: meta.Exposure.Seconds(), Comment: "exposure time (s)"},
		{Name: "OSCANGLE", Value: meta.Oscillation, Comment: "oscillation angle per frame (deg)"},
		{Name: "ROTAXIS", Value: meta.RotationAxisOffset, Comment: "rotation axis offset (deg)"},
		{Name: "CAMLEN", Value: meta.CameraLength, Comment: "camera length (mm)"},
		{Name: "SPOTSIZE", Value: meta.SpotSize},
		{Name: "STARTANG", Value: meta.StartAngle, Comment: "rotation start (deg)"},
		{Name: "ENDANG", Value: meta.EndAngle, Comment: "rotation end (deg)"},
	}
	h := nf.Frame.Header
	if v, ok := headerFloat(h, tem.KeyStageX); ok {
		out = append(out, fitsio.Card{Name: "STAGEX", Value: v})
	}
	if v, ok := headerFloat(h, tem.KeyStageY); ok {
		out = append(out, fitsio.Card{Name: "STAGEY", Value: v})
	}
	if v, ok := headerFloat(h, tem.KeyAlpha); ok {
		out = append(out, fitsio.Card{Name: "ALPHA", Value: v, Comment: "stage tilt (deg)"})
	}
	if v, ok := headerFloat(h, tem.KeyBinning); ok {
		out = append(out, fitsio.Card{Name: "BINNING", Value: int(v)})
	}
	return out
}

func headerFloat(h tem.Header, key string) (float64, bool) {
	switch v := h[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
