package quality

import (
	"image"
	"math"
)

// Plane is an 8-bit luminance image stored row-major
type Plane struct {
	Width  int
	Height int
	Pix    []uint8
}

// Luminance converts img to luminance using Y = 0.299 R + 0.587 G + 0.114 B.
// Alpha is ignored.
func Luminance(img image.Image) *Plane {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	p := &Plane{Width: w, Height: h, Pix: make([]uint8, w*h)}

	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w*4]
			for x := 0; x < w; x++ {
				i := x * 4
				p.Pix[y*w+x] = luma(row[i], row[i+1], row[i+2])
			}
		}
	case *image.RGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w*4]
			for x := 0; x < w; x++ {
				i := x * 4
				p.Pix[y*w+x] = luma(row[i], row[i+1], row[i+2])
			}
		}
	case *image.Gray:
		for y := 0; y < h; y++ {
			copy(p.Pix[y*w:(y+1)*w], src.Pix[y*src.Stride:y*src.Stride+w])
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				p.Pix[y*w+x] = luma(uint8(r>>8), uint8(g>>8), uint8(b>>8))
			}
		}
	}
	return p
}

func luma(r, g, b uint8) uint8 {
	v := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
	return uint8(math.Min(255, math.Round(v)))
}

// At returns the luminance at (x, y) with reflect-101 border handling
func (p *Plane) At(x, y int) float64 {
	return float64(p.Pix[reflect101(y, p.Height)*p.Width+reflect101(x, p.Width)])
}

// MeanVariance returns the mean and population variance of the plane
func (p *Plane) MeanVariance() (float64, float64) {
	if len(p.Pix) == 0 {
		return 0, 0
	}
	var sum, sumSq float64
	for _, v := range p.Pix {
		f := float64(v)
		sum += f
		sumSq += f * f
	}
	n := float64(len(p.Pix))
	mean := sum / n
	return mean, math.Max(0, sumSq/n-mean*mean)
}

// LaplacianVariance returns the population variance of the 4-neighbour
// Laplacian response [0 1 0; 1 -4 1; 0 1 0] over the whole plane.
func (p *Plane) LaplacianVariance() float64 {
	if len(p.Pix) == 0 {
		return 0
	}
	var sum, sumSq float64
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			v := p.At(x, y-1) + p.At(x-1, y) + p.At(x+1, y) + p.At(x, y+1) - 4*p.At(x, y)
			sum += v
			sumSq += v * v
		}
	}
	n := float64(len(p.Pix))
	mean := sum / n
	return math.Max(0, sumSq/n-mean*mean)
}

// reflect101 mirrors out-of-range indices without repeating the edge: -1 -> 1, n -> n-2
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

func sqrt(v float64) float64 {
	return math.Sqrt(math.Max(0, v))
}
