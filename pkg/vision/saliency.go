// Package vision locates subjects in images without a model, from a saliency map
// built from local edges and global colour contrast.
package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/Catrobat/mArIne3D/pkg/types"
)

// ErrNoSubject is returned when no salient region stands out from the background
var ErrNoSubject = errors.New("no salient subject")

// Config holds saliency locator settings
type Config struct {
	// Longest side the image is reduced to before analysis
	MaxSide        int     `json:"max_side" yaml:"max_side"`
	EdgeWeight     float64 `json:"edge_weight" yaml:"edge_weight"`
	ContrastWeight float64 `json:"contrast_weight" yaml:"contrast_weight"`
	// Pixels at or above Threshold * max saliency belong to the subject
	Threshold float64 `json:"threshold" yaml:"threshold"`
	// Fraction of salient pixels ignored on each side when fitting the box
	Trim float64 `json:"trim" yaml:"trim"`
	// Padding added around the box, as a fraction of its size
	Margin       float64 `json:"margin" yaml:"margin"`
	MinAreaRatio float64 `json:"min_area_ratio" yaml:"min_area_ratio"`
}

// DefaultConfig returns default saliency settings
func DefaultConfig() Config {
	return Config{
		MaxSide:        256,
		EdgeWeight:     0.6,
		ContrastWeight: 0.4,
		Threshold:      0.35,
		Trim:           0.02,
		Margin:         0.08,
		MinAreaRatio:   0.01,
	}
}

// SaliencyLocator finds the box enclosing the most salient pixels of an image
type SaliencyLocator struct {
	config Config
}

// NewSaliencyLocator creates a locator, replacing unset fields with defaults
func NewSaliencyLocator(config Config) *SaliencyLocator {
	def := DefaultConfig()
	if config.MaxSide <= 0 {
		config.MaxSide = def.MaxSide
	}
	if config.EdgeWeight <= 0 && config.ContrastWeight <= 0 {
		config.EdgeWeight, config.ContrastWeight = def.EdgeWeight, def.ContrastWeight
	}
	if config.Threshold <= 0 || config.Threshold > 1 {
		config.Threshold = def.Threshold
	}
	if config.Trim < 0 || config.Trim >= 0.5 {
		config.Trim = def.Trim
	}
	if config.Margin < 0 {
		config.Margin = 0
	}
	return &SaliencyLocator{config: config}
}

// LocateSubject returns the pixel box of the salient region of img. The concept is
// only copied into the result.
func (l *SaliencyLocator) LocateSubject(ctx context.Context, img image.Image, concept string) (types.BoundingBox, error) {
	if err := ctx.Err(); err != nil {
		return types.BoundingBox{}, err
	}
	b := img.Bounds()
	if b.Dx() < 3 || b.Dy() < 3 {
		return types.BoundingBox{}, fmt.Errorf("%w: image too small", ErrNoSubject)
	}

	small := imaging.Fit(img, l.config.MaxSide, l.config.MaxSide, imaging.Box)
	sw, sh := small.Bounds().Dx(), small.Bounds().Dy()

	sal, peak := l.saliencyMap(small)
	if peak <= 0 {
		return types.BoundingBox{}, fmt.Errorf("%w: uniform image", ErrNoSubject)
	}

	x0, y0, x1, y1, ok := l.salientBounds(sal, sw, sh, peak*l.config.Threshold)
	if !ok {
		return types.BoundingBox{}, ErrNoSubject
	}

	// pad, then scale back to the source resolution
	mx := int(math.Round(float64(x1-x0) * l.config.Margin))
	my := int(math.Round(float64(y1-y0) * l.config.Margin))
	x0, y0 = max(0, x0-mx), max(0, y0-my)
	x1, y1 = min(sw, x1+mx), min(sh, y1+my)

	sx := float64(b.Dx()) / float64(sw)
	sy := float64(b.Dy()) / float64(sh)
	box := types.BoundingBox{
		Concept: concept,
		X:       int(math.Floor(float64(x0) * sx)),
		Y:       int(math.Floor(float64(y0) * sy)),
	}
	box.Width = min(b.Dx(), int(math.Ceil(float64(x1)*sx))) - box.X
	box.Height = min(b.Dy(), int(math.Ceil(float64(y1)*sy))) - box.Y

	if float64(box.Width*box.Height) < l.config.MinAreaRatio*float64(b.Dx()*b.Dy()) {
		return types.BoundingBox{}, fmt.Errorf("%w: region too small", ErrNoSubject)
	}
	return box, nil
}

// saliencyMap scores every pixel by its mean colour difference to its 8 neighbours
// and its distance from the mean image colour. Border pixels score 0.
func (l *SaliencyLocator) saliencyMap(img *image.NRGBA) ([]float64, float64) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	var mean [3]float64
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				mean[c] += float64(row[x*4+c])
			}
		}
	}
	for c := range mean {
		mean[c] /= float64(w * h)
	}

	px := func(x, y int) []uint8 {
		i := y*img.Stride + x*4
		return img.Pix[i : i+3]
	}
	dist := func(a []uint8, b [3]float64) float64 {
		dr, dg, db := float64(a[0])-b[0], float64(a[1])-b[1], float64(a[2])-b[2]
		return math.Sqrt(dr*dr+dg*dg+db*db) / (255 * math.Sqrt(3))
	}

	sal := make([]float64, w*h)
	peak := 0.0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			p := px(x, y)
			centre := [3]float64{float64(p[0]), float64(p[1]), float64(p[2])}

			var edge float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx != 0 || dy != 0 {
						edge += dist(px(x+dx, y+dy), centre)
					}
				}
			}
			edge /= 8

			s := l.config.EdgeWeight*edge + l.config.ContrastWeight*dist(p, mean)
			sal[y*w+x] = s
			peak = max(peak, s)
		}
	}
	return sal, peak
}

// salientBounds fits a box to the pixels at or above threshold, dropping the Trim
// fraction of them on each side. The result is half-open.
func (l *SaliencyLocator) salientBounds(sal []float64, w, h int, threshold float64) (x0, y0, x1, y1 int, ok bool) {
	cols := make([]int, w)
	rows := make([]int, h)
	total := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if sal[y*w+x] >= threshold {
				cols[x]++
				rows[y]++
				total++
			}
		}
	}
	if total == 0 {
		return 0, 0, 0, 0, false
	}

	skip := int(float64(total) * l.config.Trim)
	x0, x1 = trimmedRange(cols, skip)
	y0, y1 = trimmedRange(rows, skip)
	return x0, y0, x1, y1, x1 > x0 && y1 > y0
}

// trimmedRange returns the half-open index range of hist after skipping skip counts
// from each end
func trimmedRange(hist []int, skip int) (lo, hi int) {
	acc := 0
	for lo = 0; lo < len(hist); lo++ {
		acc += hist[lo]
		if acc > skip {
			break
		}
	}
	acc = 0
	for hi = len(hist) - 1; hi >= 0; hi-- {
		acc += hist[hi]
		if acc > skip {
			break
		}
	}
	return lo, hi + 1
}
