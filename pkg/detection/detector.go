package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/Catrobat/mArIne3D/pkg/client"
	"github.com/Catrobat/mArIne3D/pkg/processing"
	"github.com/Catrobat/mArIne3D/pkg/types"
)

// ErrNoSubject is returned when the vision model cannot find the concept in the image
var ErrNoSubject = errors.New("no subject located")

// SimpleTestPrompt for testing if the model can see images
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// locatePrompt is formatted with the concept name
const locatePrompt = `You are an image subject locator. Find the %[1]s in this image.

Return JSON only:
{
  "primary": {
    "label": "%[1]s",
    "confidence": 0.0,
    "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}
  },
  "description": "short neutral sentence (≤ 20 words)",
  "tags": ["tag1", "tag2", "tag3"]
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels). x,y is the top-left corner.
- The box must tightly include the whole %[1]s, including tentacles, fins or limbs.
- If there is no %[1]s in the image, set "label" to "none".
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Config holds detector settings
type Config struct {
	Model         string  `json:"model" yaml:"model"`
	MaxDimension  int     `json:"max_dimension" yaml:"max_dimension"`
	JPEGQuality   int     `json:"jpeg_quality" yaml:"jpeg_quality"`
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
}

// DefaultConfig returns default detector settings
func DefaultConfig() Config {
	return Config{
		Model:         "qwen2.5vl:7b",
		MaxDimension:  1024,
		JPEGQuality:   90,
		MinConfidence: 0,
	}
}

// Detector locates subjects in images using a vision model
type Detector struct {
	client client.VisionClient
	config Config
}

// NewDetector creates a new detector with a vision client
func NewDetector(client client.VisionClient, config Config) *Detector {
	if config.MaxDimension <= 0 {
		config.MaxDimension = 1024
	}
	if config.JPEGQuality <= 0 {
		config.JPEGQuality = 90
	}
	return &Detector{client: client, config: config}
}

// LocateSubject returns the pixel box of concept in img
func (d *Detector) LocateSubject(ctx context.Context, img image.Image, concept string) (types.BoundingBox, error) {
	b := img.Bounds()
	if b.Empty() {
		return types.BoundingBox{}, fmt.Errorf("empty image: %w", ErrNoSubject)
	}

	imgB64, err := processing.PrepareImageForModel(img, "jpg", d.config.MaxDimension, d.config.JPEGQuality)
	if err != nil {
		return types.BoundingBox{}, fmt.Errorf("failed to encode image: %w", err)
	}

	result, err := d.client.AnalyzeImage(ctx, d.config.Model, fmt.Sprintf(locatePrompt, concept), imgB64)
	if err != nil {
		return types.BoundingBox{}, fmt.Errorf("vision model: %w", err)
	}

	if isNone(result) || result.Primary.Confidence < d.config.MinConfidence {
		return types.BoundingBox{}, ErrNoSubject
	}

	box := toPixels(normalizeBox(result.Primary.Box), b.Dx(), b.Dy())
	if box.Width <= 0 || box.Height <= 0 {
		return types.BoundingBox{}, fmt.Errorf("degenerate box: %w", ErrNoSubject)
	}
	box.Concept = concept
	return box, nil
}

// TestVision tests if the model can actually see the image with a simple prompt
func (d *Detector) TestVision(ctx context.Context, imageB64 string) (string, error) {
	return d.client.SimpleQuery(ctx, d.config.Model, SimpleTestPrompt, imageB64)
}

func isNone(result *types.AnalysisResult) bool {
	if strings.EqualFold(strings.TrimSpace(result.Primary.Label), "none") {
		return true
	}
	for _, tag := range result.Tags {
		if tag == "fallback" {
			return true
		}
	}
	return false
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeBox keeps the box inside the unit square
func normalizeBox(b types.Box) types.Box {
	x := clamp(b.X, 0, 1)
	y := clamp(b.Y, 0, 1)
	return types.Box{
		X: x,
		Y: y,
		W: clamp(b.W, 0, 1-x),
		H: clamp(b.H, 0, 1-y),
	}
}

func toPixels(b types.Box, width, height int) types.BoundingBox {
	x0 := int(math.Floor(b.X * float64(width)))
	y0 := int(math.Floor(b.Y * float64(height)))
	x1 := int(math.Ceil((b.X + b.W) * float64(width)))
	y1 := int(math.Ceil((b.Y + b.H) * float64(height)))
	if x1 > width {
		x1 = width
	}
	if y1 > height {
		y1 = height
	}
	return types.BoundingBox{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}
