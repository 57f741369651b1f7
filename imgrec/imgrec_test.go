package imgrec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/asdfdsa/instamatic/cred"
	"github.com/asdfdsa/instamatic/tem"
)

func frame(index int, fill float64) cred.NumberedFrame {
	m := mat.NewDense(8, 8, nil)
	m.Set(0, 0, fill)
	return cred.NumberedFrame{
		Index: index,
		Frame: tem.Frame{
			Data: m,
			Header: tem.Header{
				tem.KeyStageX:  100.5,
				tem.KeyStageY:  -40.25,
				tem.KeyAlpha:   12.0,
				tem.KeyBinning: 1,
			},
		},
	}
}

func TestWriteSession(t *testing.T) {
	r := &Recorder{Root: t.TempDir(), Prefix: "cred_"}
	start := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	meta := cred.Metadata{
		Start:       start,
		StartAngle:  -20,
		EndAngle:    25,
		Oscillation: 0.45,
		Exposure:    500 * time.Millisecond,
		NFrames:     100,
	}

	diff := []cred.NumberedFrame{frame(1, 10), frame(2, 20), frame(4, 40)}
	trk := []cred.NumberedFrame{frame(3, 30)}
	require.NoError(t, r.WriteSession(diff, trk, meta))

	dir := r.Dir(start)
	assert.Equal(t, filepath.Join(r.Root, "2026-03-14", "exp_150926"), dir)

	// gap at index 3 in the data series marks the tracking slot
	for _, name := range []string{"cred_00001.fits", "cred_00002.fits", "cred_00004.fits"} {
		_, err := os.Stat(filepath.Join(dir, "data", name))
		assert.NoError(t, err, name)
	}
	_, err := os.Stat(filepath.Join(dir, "tracking", "cred_00003.fits"))
	assert.NoError(t, err)

	f, err := os.Open(filepath.Join(dir, "data", "cred_00001.fits"))
	require.NoError(t, err)
	defer f.Close()
	fits, err := fitsio.Open(f)
	require.NoError(t, err)
	defer fits.Close()

	hdr := fits.HDU(0).Header()
	card := hdr.Get("FRAMENO")
	require.NotNil(t, card)
	assert.EqualValues(t, 1, card.Value)
	card = hdr.Get("STAGEX")
	require.NotNil(t, card)
	assert.EqualValues(t, 100.5, card.Value)
	assert.Equal(t, []int{8, 8}, hdr.Axes())
}

func TestWriteSessionEmptyBuffersNoDirs(t *testing.T) {
	r := &Recorder{Root: t.TempDir()}
	meta := cred.Metadata{Start: time.Now()}
	require.NoError(t, r.WriteSession(nil, nil, meta))

	entries, err := os.ReadDir(r.Root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
