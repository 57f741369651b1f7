package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// disc paints a filled bright circle onto m.
func disc(m *mat.Dense, row, col, radius int, value float64) {
	for r := row - radius; r <= row+radius; r++ {
		for c := col - radius; c <= col+radius; c++ {
			dr, dc := r-row, c-col
			if dr*dr+dc*dc <= radius*radius {
				m.Set(r, c, value)
			}
		}
	}
}

func TestFindSingleDisc(t *testing.T) {
	img := mat.NewDense(256, 256, nil)
	disc(img, 120, 140, 30, 100)

	feats := Find(img, Options{})
	require.Len(t, feats, 1)
	f := feats[0]
	assert.InDelta(t, 140, f.Centroid.X, 0.5)
	assert.InDelta(t, 120, f.Centroid.Y, 0.5)
	assert.Equal(t, [4]int{90, 110, 151, 171}, f.BBox)
	assert.Greater(t, f.Area, 2500)
}

func TestFindTwoDiscsSortedByArea(t *testing.T) {
	img := mat.NewDense(256, 256, nil)
	disc(img, 60, 60, 20, 100)
	disc(img, 180, 180, 35, 100)

	feats := Find(img, Options{})
	require.Len(t, feats, 2)
	assert.Greater(t, feats[0].Area, feats[1].Area)
	assert.InDelta(t, 180, feats[0].Centroid.X, 0.5)
}

func TestFindIgnoresSmallRegions(t *testing.T) {
	img := mat.NewDense(128, 128, nil)
	disc(img, 64, 64, 25, 100)
	disc(img, 20, 20, 3, 100) // below the default area cutoff

	feats := Find(img, Options{})
	require.Len(t, feats, 1)
	assert.InDelta(t, 64, feats[0].Centroid.X, 0.5)
}

func TestFindEmptyFrame(t *testing.T) {
	img := mat.NewDense(64, 64, nil)
	feats := Find(img, Options{})
	assert.Empty(t, feats)
}
