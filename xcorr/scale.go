package xcorr

import "gonum.org/v1/gonum/mat"

// Autoscale shrinks a frame so its longest side is at most maxDim, bounding
// the cost of the FFTs in Register.  The returned factor is the isotropic
// scale that was applied; 1 means the frame was returned untouched.
func Autoscale(m *mat.Dense, maxDim int) (*mat.Dense, float64) {
	rows, cols := m.Dims()
	longest := rows
	if cols > longest {
		longest = cols
	}
	if longest <= maxDim {
		return m, 1
	}
	scale := float64(maxDim) / float64(longest)
	return Rescale(m, scale), scale
}

// Rescale resamples a frame by an isotropic factor using bilinear
// interpolation.  Factors above 1 enlarge; below 1 shrink.
func Rescale(m *mat.Dense, scale float64) *mat.Dense {
	rows, cols := m.Dims()
	nr := int(float64(rows) * scale)
	nc := int(float64(cols) * scale)
	if nr < 1 {
		nr = 1
	}
	if nc < 1 {
		nc = 1
	}
	out := mat.NewDense(nr, nc, nil)
	for i := 0; i < nr; i++ {
		sr := float64(i) / scale
		r0 := int(sr)
		if r0 > rows-1 {
			r0 = rows - 1
		}
		r1 := r0 + 1
		if r1 > rows-1 {
			r1 = rows - 1
		}
		fr := sr - float64(r0)
		for j := 0; j < nc; j++ {
			sc := float64(j) / scale
			c0 := int(sc)
			if c0 > cols-1 {
				c0 = cols - 1
			}
			c1 := c0 + 1
			if c1 > cols-1 {
				c1 = cols - 1
			}
			fc := sc - float64(c0)
			top := m.At(r0, c0)*(1-fc) + m.At(r0, c1)*fc
			bot := m.At(r1, c0)*(1-fc) + m.At(r1, c1)*fc
			out.Set(i, j, top*(1-fr)+bot*fr)
		}
	}
	return out
}
