package detection

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Catrobat/mArIne3D/pkg/types"
)

type fakeVision struct {
	result *types.AnalysisResult
	err    error
	prompt string
}

func (f *fakeVision) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return "a fish", nil
}

func (f *fakeVision) AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error) {
	f.prompt = prompt
	return f.result, f.err
}

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 80, A: 255})
		}
	}
	return img
}

func TestLocateSubject(t *testing.T) {
	vision := &fakeVision{result: &types.AnalysisResult{
		Primary: types.Primary{Label: "octopus", Confidence: 0.9, Box: types.Box{X: 0.25, Y: 0.5, W: 0.5, H: 0.25}},
	}}
	d := NewDetector(vision, DefaultConfig())

	box, err := d.LocateSubject(context.Background(), testImage(200, 100), "octopus")
	require.NoError(t, err)
	assert.Equal(t, types.BoundingBox{Concept: "octopus", X: 50, Y: 50, Width: 100, Height: 25}, box)
	assert.Contains(t, vision.prompt, "octopus")
}

func TestLocateSubjectClipsBox(t *testing.T) {
	vision := &fakeVision{result: &types.AnalysisResult{
		Primary: types.Primary{Label: "crab", Box: types.Box{X: 0.8, Y: -0.2, W: 0.9, H: 0.7}},
	}}
	d := NewDetector(vision, DefaultConfig())

	box, err := d.LocateSubject(context.Background(), testImage(100, 100), "crab")
	require.NoError(t, err)
	assert.Equal(t, 80, box.X)
	assert.Equal(t, 0, box.Y)
	assert.Equal(t, 20, box.Width)
	assert.Equal(t, 70, box.Height)
}

func TestLocateSubjectNone(t *testing.T) {
	tests := []struct {
		name   string
		result *types.AnalysisResult
		config Config
	}{
		{"none label", &types.AnalysisResult{Primary: types.Primary{Label: "None", Box: types.Box{W: 1, H: 1}}}, DefaultConfig()},
		{"fallback", &types.AnalysisResult{Primary: types.Primary{Label: "x", Box: types.Box{W: 1, H: 1}}, Tags: []string{"parse-error", "fallback"}}, DefaultConfig()},
		{"zero box", &types.AnalysisResult{Primary: types.Primary{Label: "eel"}}, DefaultConfig()},
		{"low confidence", &types.AnalysisResult{Primary: types.Primary{Label: "eel", Confidence: 0.1, Box: types.Box{W: 1, H: 1}}}, Config{MinConfidence: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(&fakeVision{result: tt.result}, tt.config)
			_, err := d.LocateSubject(context.Background(), testImage(64, 64), "eel")
			assert.ErrorIs(t, err, ErrNoSubject)
		})
	}
}

func TestLocateSubjectClientError(t *testing.T) {
	boom := errors.New("connection refused")
	d := NewDetector(&fakeVision{err: boom}, DefaultConfig())
	_, err := d.LocateSubject(context.Background(), testImage(8, 8), "eel")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNoSubject)

	_, err = d.LocateSubject(context.Background(), image.NewNRGBA(image.Rect(0, 0, 0, 0)), "eel")
	assert.ErrorIs(t, err, ErrNoSubject)
}

func TestTestVision(t *testing.T) {
	d := NewDetector(&fakeVision{}, DefaultConfig())
	text, err := d.TestVision(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "a fish", text)
}
