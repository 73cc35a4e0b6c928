package quality

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func uniformImage(w, h int, v uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{v, v, v, 255})
		}
	}
	return img
}

func checkerboard(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(0)
			if (x+y)%2 == 0 {
				v = 255
			}
			img.SetNRGBA(x, y, color.NRGBA{v, v, v, 255})
		}
	}
	return img
}

func TestScoreEmptyImage(t *testing.T) {
	s := New()
	assert.Equal(t, 0.0, s.Score(nil))
	assert.Equal(t, 0.0, s.Score(image.NewNRGBA(image.Rect(0, 0, 0, 0))))
	assert.Equal(t, 0.0, s.Score(image.NewNRGBA(image.Rect(5, 5, 5, 40))))
}

func TestScoreUniformImage(t *testing.T) {
	s := New()

	b := s.Breakdown(uniformImage(16, 16, 128))
	assert.InDelta(t, 98.0/225.0, b.Brightness, 1e-9)
	assert.Equal(t, 0.0, b.Sharpness)
	assert.Equal(t, 0.0, b.Contrast)
	assert.InDelta(t, 0.2*98.0/225.0, b.Total, 1e-9)

	assert.Equal(t, 0.0, s.Score(uniformImage(8, 8, 0)))
	assert.Equal(t, 0.0, s.Score(uniformImage(8, 8, 30)))
}

func TestScoreCheckerboardSaturates(t *testing.T) {
	b := New().Breakdown(checkerboard(10, 10))
	assert.Equal(t, 1.0, b.Sharpness)
	assert.Equal(t, 1.0, b.Contrast)
	assert.InDelta(t, 97.5/225.0, b.Brightness, 1e-9)
	assert.InDelta(t, 0.2*97.5/225.0+0.3+0.5, b.Total, 1e-9)
}

func TestScoreRespectsWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = Weights{Brightness: 1}
	s := NewWithConfig(cfg)
	assert.InDelta(t, 98.0/225.0, s.Score(uniformImage(4, 4, 128)), 1e-9)
}

func TestScoreIgnoresImageOrigin(t *testing.T) {
	img := checkerboard(12, 12)
	sub := img.SubImage(image.Rect(2, 2, 10, 10))
	expected := New().Score(checkerboard(8, 8))
	assert.InDelta(t, expected, New().Score(sub), 1e-9)
}

func TestScoreIsBounded(t *testing.T) {
	s := New()
	rapid.Check(t, func(t *rapid.T) {
		w := rapid.IntRange(1, 12).Draw(t, "w")
		h := rapid.IntRange(1, 12).Draw(t, "h")
		pix := rapid.SliceOfN(rapid.Byte(), w*h*3, w*h*3).Draw(t, "pix")

		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for i := 0; i < w*h; i++ {
			img.Pix[i*4] = pix[i*3]
			img.Pix[i*4+1] = pix[i*3+1]
			img.Pix[i*4+2] = pix[i*3+2]
			img.Pix[i*4+3] = 255
		}

		score := s.Score(img)
		if score < 0 || score > 1 {
			t.Fatalf("score %f outside [0,1]", score)
		}
	})
}

func TestLuminanceWeights(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 1))
	img.SetNRGBA(0, 0, color.NRGBA{255, 0, 0, 255})
	img.SetNRGBA(1, 0, color.NRGBA{0, 255, 0, 255})
	img.SetNRGBA(2, 0, color.NRGBA{0, 0, 255, 255})

	p := Luminance(img)
	assert.Equal(t, []uint8{76, 150, 29}, p.Pix)
}

func TestReflect101(t *testing.T) {
	tests := []struct {
		i, n, want int
	}{
		{-1, 5, 1},
		{-2, 5, 2},
		{0, 5, 0},
		{4, 5, 4},
		{5, 5, 3},
		{6, 5, 2},
		{-1, 1, 0},
		{1, 1, 0},
		{-1, 2, 1},
		{2, 2, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, reflect101(tt.i, tt.n), "reflect101(%d, %d)", tt.i, tt.n)
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Weights.Contrast = 0.9
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Weights.Sharpness = -0.1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SharpnessScale = 0
	assert.Error(t, cfg.Validate())
}
