package calib

import (
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotSamples writes a diagnostic scatter of observed pixel shifts against
// the shifts the fitted calibration predicts for the same displacements.  A
// tight overlap means the fit describes the scan well.
func PlotSamples(s Stage, path string) error {
	rInv, err := s.Rotation.Inv()
	if err != nil {
		return err
	}

	observed := make(plotter.XYs, len(s.Shifts))
	for i, sh := range s.Shifts {
		observed[i].X = sh.X
		observed[i].Y = sh.Y
	}
	predicted := make(plotter.XYs, len(s.Displacements))
	for i, d := range s.Displacements {
		px := d.Sub(s.Translation).Mul(rInv)
		predicted[i].X = px.X
		predicted[i].Y = px.Y
	}

	p := plot.New()
	p.Title.Text = "stage calibration"
	p.X.Label.Text = "shift x (px)"
	p.Y.Label.Text = "shift y (px)"

	obs, err := plotter.NewScatter(observed)
	if err != nil {
		return err
	}
	obs.GlyphStyle.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	obs.GlyphStyle.Radius = vg.Points(3)

	pred, err := plotter.NewScatter(predicted)
	if err != nil {
		return err
	}
	pred.GlyphStyle.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	pred.GlyphStyle.Radius = vg.Points(2)

	p.Add(obs, pred)
	p.Legend.Add("observed", obs)
	p.Legend.Add("fitted", pred)
	p.Legend.Top = true

	return p.Save(6*vg.Inch, 6*vg.Inch, path)
}
