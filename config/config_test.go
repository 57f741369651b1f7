package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8000", c.Addr)
	assert.Equal(t, 0.2, c.CRED.ActivationThreshold)
	assert.Equal(t, 2048, c.Camera.Width)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instamatic.yaml")
	doc := `
addr: ":9001"
camera:
  name: timepix
  width: 516
  height: 516
calibration:
  lowmag:
    pixelsize:
      100: 75.2
    stagematrix:
      100: [1.2, 0.1, -0.1, 1.2]
cred:
  image_interval: 5
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9001", c.Addr)
	assert.Equal(t, "timepix", c.Camera.Name)
	assert.Equal(t, 516, c.Camera.Width)
	assert.Equal(t, 5, c.CRED.ImageInterval)
	// untouched defaults survive the overlay
	assert.Equal(t, 0.2, c.CRED.ActivationThreshold)

	ps, err := c.PixelSizeFor("lowmag", 100)
	require.NoError(t, err)
	assert.Equal(t, 75.2, ps)

	m, err := c.StageMatrixFor("lowmag", 100)
	require.NoError(t, err)
	assert.Equal(t, 1.2, m[0][0])
	assert.Equal(t, -0.1, m[1][0])
}

func TestPixelSizeRejectsSentinels(t *testing.T) {
	c := Defaults()
	c.Calibration["mag1"].PixelSize[2500] = 1 // never calibrated
	c.Calibration["mag1"].PixelSize[5000] = 0

	for _, mag := range []int{2500, 5000, 10000} {
		_, err := c.PixelSizeFor("mag1", mag)
		var cerr ConfigurationError
		require.ErrorAs(t, err, &cerr, "mag %d", mag)
		assert.Equal(t, mag, cerr.Mag)
	}

	_, err := c.PixelSizeFor("diff", 300)
	assert.Error(t, err)
}
