// Package quality scores image crops for use as reference images.
//
// The score combines three luminance statistics: brightness (mean), sharpness
// (variance of the Laplacian) and contrast (standard deviation). Each is mapped
// into [0,1] and the weighted sum is the crop score.
package quality

import (
	"fmt"
	"image"
)

// Weights holds the contribution of each sub-score to the final score
type Weights struct {
	Brightness float64 `json:"brightness" yaml:"brightness"`
	Sharpness  float64 `json:"sharpness" yaml:"sharpness"`
	Contrast   float64 `json:"contrast" yaml:"contrast"`
}

// Config holds configuration for crop scoring
type Config struct {
	Weights Weights `json:"weights" yaml:"weights"`
	// Mean luminance at or below which brightness scores 0
	BrightnessFloor float64 `json:"brightness_floor" yaml:"brightness_floor"`
	// Laplacian variance at which sharpness saturates
	SharpnessScale float64 `json:"sharpness_scale" yaml:"sharpness_scale"`
	// Luminance standard deviation at which contrast saturates
	ContrastScale float64 `json:"contrast_scale" yaml:"contrast_scale"`
}

// DefaultConfig returns the standard weighting (0.2, 0.3, 0.5)
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Brightness: 0.2,
			Sharpness:  0.3,
			Contrast:   0.5,
		},
		BrightnessFloor: 30,
		SharpnessScale:  300,
		ContrastScale:   60,
	}
}

// Validate checks that the weights and scales keep scores inside [0,1]
func (c Config) Validate() error {
	w := c.Weights
	if w.Brightness < 0 || w.Sharpness < 0 || w.Contrast < 0 {
		return fmt.Errorf("weights must be non-negative")
	}
	if sum := w.Brightness + w.Sharpness + w.Contrast; sum > 1+1e-9 {
		return fmt.Errorf("weights must sum to at most 1, got %.3f", sum)
	}
	if c.BrightnessFloor < 0 || c.BrightnessFloor >= 255 {
		return fmt.Errorf("brightness_floor must be in [0,255)")
	}
	if c.SharpnessScale <= 0 || c.ContrastScale <= 0 {
		return fmt.Errorf("sharpness_scale and contrast_scale must be positive")
	}
	return nil
}

// Breakdown holds the individual sub-scores of a crop
type Breakdown struct {
	Brightness float64
	Sharpness  float64
	Contrast   float64
	Total      float64
}

// Scorer computes crop quality scores
type Scorer struct {
	config Config
}

// New creates a new Scorer with default configuration
func New() *Scorer {
	return &Scorer{config: DefaultConfig()}
}

// NewWithConfig creates a new Scorer with custom configuration
func NewWithConfig(config Config) *Scorer {
	return &Scorer{config: config}
}

// Config returns the scorer configuration
func (s *Scorer) Config() Config {
	return s.config
}

// Score returns the quality of img in [0,1]. Empty images score 0.
func (s *Scorer) Score(img image.Image) float64 {
	return s.Breakdown(img).Total
}

// Breakdown computes the sub-scores and the weighted total for img
func (s *Scorer) Breakdown(img image.Image) Breakdown {
	if img == nil || img.Bounds().Empty() {
		return Breakdown{}
	}

	plane := Luminance(img)
	mean, variance := plane.MeanVariance()
	lapVar := plane.LaplacianVariance()

	b := Breakdown{
		Brightness: clamp((mean-s.config.BrightnessFloor)/(255-s.config.BrightnessFloor), 0, 1),
		Sharpness:  clamp(lapVar/s.config.SharpnessScale, 0, 1),
		Contrast:   clamp(sqrt(variance)/s.config.ContrastScale, 0, 1),
	}

	w := s.config.Weights
	b.Total = clamp(w.Brightness*b.Brightness+w.Sharpness*b.Sharpness+w.Contrast*b.Contrast, 0, 1)
	return b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
