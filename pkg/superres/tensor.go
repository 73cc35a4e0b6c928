// Package superres upscales reference images before they are scored.
//
// Images travel to the enhancer as NCHW float32 tensors normalized to [-1,1];
// the enhancer output is clamped to [-1,1] and mapped back to 8-bit RGB.
package superres

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Tensor is a dense float32 tensor in N, C, H, W order
type Tensor struct {
	Shape [4]int
	Data  []float32
}

// Width returns the W dimension
func (t *Tensor) Width() int { return t.Shape[3] }

// Height returns the H dimension
func (t *Tensor) Height() int { return t.Shape[2] }

// Validate checks the tensor holds a single RGB image whose data matches its shape
func (t *Tensor) Validate() error {
	if t == nil {
		return fmt.Errorf("nil tensor")
	}
	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	if n != 1 || c != 3 || h <= 0 || w <= 0 {
		return fmt.Errorf("unexpected tensor shape %v, want [1 3 H W]", t.Shape)
	}
	if len(t.Data) != n*c*h*w {
		return fmt.Errorf("tensor data length %d does not match shape %v", len(t.Data), t.Shape)
	}
	return nil
}

// FromImage converts img into a [1,3,H,W] tensor with values in [-1,1]
func FromImage(img image.Image) *Tensor {
	src := imaging.Clone(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	plane := w * h

	t := &Tensor{Shape: [4]int{1, 3, h, w}, Data: make([]float32, 3*plane)}
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			t.Data[i] = float32(row[x*4])/127.5 - 1
			t.Data[plane+i] = float32(row[x*4+1])/127.5 - 1
			t.Data[2*plane+i] = float32(row[x*4+2])/127.5 - 1
		}
	}
	return t
}

// ToImage maps the tensor back to an opaque 8-bit image via clamp(t,-1,1)*0.5+0.5
func (t *Tensor) ToImage() (*image.NRGBA, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	h, w := t.Height(), t.Width()
	plane := w * h

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			row[x*4] = denormalize(t.Data[i])
			row[x*4+1] = denormalize(t.Data[plane+i])
			row[x*4+2] = denormalize(t.Data[2*plane+i])
			row[x*4+3] = 255
		}
	}
	return img, nil
}

func denormalize(v float32) uint8 {
	f := float64(v)
	if math.IsNaN(f) {
		return 0
	}
	f = math.Max(-1, math.Min(1, f))*0.5 + 0.5
	return uint8(math.Round(f * 255))
}
