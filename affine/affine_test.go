package affine

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func synthSamples(rng *rand.Rand, r Mat2, t Vec2, n int, noise float64) ([]Vec2, []Vec2) {
	src := make([]Vec2, n)
	dst := make([]Vec2, n)
	for i := 0; i < n; i++ {
		s := Vec2{rng.Float64()*200 - 100, rng.Float64()*200 - 100}
		d := s.Mul(r).Add(t)
		d.X += rng.NormFloat64() * noise
		d.Y += rng.NormFloat64() * noise
		src[i] = s
		dst[i] = d
	}
	return src, dst
}

func TestFitRecoversExactTransform(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	want := Result{
		R: Mat2{{1.2, -0.3}, {0.4, 0.9}},
		T: Vec2{12.5, -7.25},
	}
	src, dst := synthSamples(rng, want.R, want.T, 25, 0)

	got, err := Fit(src, dst)
	require.NoError(t, err)
	assert.InDelta(t, want.R[0][0], got.R[0][0], 1e-9)
	assert.InDelta(t, want.R[0][1], got.R[0][1], 1e-9)
	assert.InDelta(t, want.R[1][0], got.R[1][0], 1e-9)
	assert.InDelta(t, want.R[1][1], got.R[1][1], 1e-9)
	assert.InDelta(t, want.T.X, got.T.X, 1e-8)
	assert.InDelta(t, want.T.Y, got.T.Y, 1e-8)
}

func TestFitConvergesAsNoiseShrinks(t *testing.T) {
	r := Mat2{{0.8, 0.1}, {-0.1, 0.8}}
	tr := Vec2{3, -4}

	var prev float64 = math.Inf(1)
	for _, noise := range []float64{1.0, 0.1, 0.01} {
		rng := rand.New(rand.NewSource(7))
		src, dst := synthSamples(rng, r, tr, 40, noise)
		got, err := Fit(src, dst)
		require.NoError(t, err)
		dev := math.Abs(got.R[0][0]-r[0][0]) + math.Abs(got.R[1][1]-r[1][1]) +
			math.Abs(got.T.X-tr.X) + math.Abs(got.T.Y-tr.Y)
		assert.Less(t, dev, prev, "recovered transform should approach truth as noise shrinks")
		prev = dev
	}
}

func TestFitResidualShrinksWithSampleCount(t *testing.T) {
	r := Mat2{{1, 0.2}, {-0.2, 1}}
	tr := Vec2{1, 1}

	deviation := func(n int) float64 {
		rng := rand.New(rand.NewSource(42))
		src, dst := synthSamples(rng, r, tr, n, 0.5)
		got, err := Fit(src, dst)
		require.NoError(t, err)
		return math.Abs(got.R[0][0]-r[0][0]) + math.Abs(got.R[0][1]-r[0][1]) +
			math.Abs(got.R[1][0]-r[1][0]) + math.Abs(got.R[1][1]-r[1][1])
	}

	assert.Less(t, deviation(200), deviation(10))
}

func TestFitTooFewSamples(t *testing.T) {
	src := []Vec2{{0, 0}, {1, 1}}
	dst := []Vec2{{0, 0}, {1, 1}}
	_, err := Fit(src, dst)
	var ide InsufficientDataError
	require.ErrorAs(t, err, &ide)
	assert.Equal(t, 2, ide.N)
}

func TestFitCollinearSamples(t *testing.T) {
	// all samples on the line y = 2x; the transform is not unique
	var src, dst []Vec2
	for i := 0; i < 10; i++ {
		v := Vec2{float64(i), 2 * float64(i)}
		src = append(src, v)
		dst = append(dst, v)
	}
	_, err := Fit(src, dst)
	var ide InsufficientDataError
	require.ErrorAs(t, err, &ide)
}

func TestMat2InvRoundTrip(t *testing.T) {
	m := Mat2{{2, 1}, {-1, 3}}
	mi, err := m.Inv()
	require.NoError(t, err)
	v := Vec2{5, -2}
	got := v.Mul(m).Mul(mi)
	assert.InDelta(t, v.X, got.X, 1e-12)
	assert.InDelta(t, v.Y, got.Y, 1e-12)
}

func TestMat2InvSingular(t *testing.T) {
	m := Mat2{{1, 2}, {2, 4}}
	_, err := m.Inv()
	var ste SingularTransformError
	require.ErrorAs(t, err, &ste)
}
