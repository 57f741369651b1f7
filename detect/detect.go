/*Package detect locates bright isolated features (apertures, particles) in a
frame by mean-relative thresholding and connected-component labeling.

It stands in for heavier segmentation: the tracked targets are defocused
aperture images with strong contrast, so a global threshold is sufficient.
*/
package detect

import (
	"gonum.org/v1/gonum/mat"

	"github.com/asdfdsa/instamatic/affine"
)

// Feature is a connected bright region in a frame.
type Feature struct {
	// Centroid is the intensity-unweighted center, X = column, Y = row.
	Centroid affine.Vec2

	// BBox is the bounding box as (minRow, minCol, maxRow, maxCol),
	// max-exclusive.
	BBox [4]int

	// Area is the pixel count of the region.
	Area int
}

// Options tunes Find.  The zero value selects the defaults.
type Options struct {
	// ThresholdFactor scales the frame mean to obtain the binarization
	// threshold.  Default 1.3.
	ThresholdFactor float64

	// MinArea discards regions smaller than this pixel count.  Default 500.
	MinArea int
}

func (o Options) withDefaults() Options {
	if o.ThresholdFactor == 0 {
		o.ThresholdFactor = 1.3
	}
	if o.MinArea == 0 {
		o.MinArea = 500
	}
	return o
}

// Find returns the features in a frame, largest first.
func Find(img *mat.Dense, opts Options) []Feature {
	opts = opts.withDefaults()
	rows, cols := img.Dims()

	var mean float64
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			mean += img.At(r, c)
		}
	}
	mean /= float64(rows * cols)
	threshold := mean * opts.ThresholdFactor

	labeled := make([]bool, rows*cols)
	var feats []Feature
	var stack []int

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			idx := r*cols + c
			if labeled[idx] || img.At(r, c) <= threshold {
				continue
			}
			// flood fill a new region, 4-connected
			minR, minC, maxR, maxC := r, c, r, c
			var sumR, sumC float64
			area := 0
			stack = append(stack[:0], idx)
			labeled[idx] = true
			for len(stack) > 0 {
				cur := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				cr, cc := cur/cols, cur%cols
				area++
				sumR += float64(cr)
				sumC += float64(cc)
				if cr < minR {
					minR = cr
				}
				if cr > maxR {
					maxR = cr
				}
				if cc < minC {
					minC = cc
				}
				if cc > maxC {
					maxC = cc
				}
				for _, d := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
					nr, nc := cr+d[0], cc+d[1]
					if nr < 0 || nr >= rows || nc < 0 || nc >= cols {
						continue
					}
					nidx := nr*cols + nc
					if labeled[nidx] || img.At(nr, nc) <= threshold {
						continue
					}
					labeled[nidx] = true
					stack = append(stack, nidx)
				}
			}
			if area < opts.MinArea {
				continue
			}
			feats = append(feats, Feature{
				Centroid: affine.Vec2{X: sumC / float64(area), Y: sumR / float64(area)},
				BBox:     [4]int{minR, minC, maxR + 1, maxC + 1},
				Area:     area,
			})
		}
	}

	// largest first so callers can take features[0] as the dominant target
	for i := 1; i < len(feats); i++ {
		for j := i; j > 0 && feats[j].Area > feats[j-1].Area; j-- {
			feats[j], feats[j-1] = feats[j-1], feats[j]
		}
	}
	return feats
}
