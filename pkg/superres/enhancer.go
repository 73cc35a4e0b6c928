package superres

import (
	"context"
	"fmt"
	"image"

	"github.com/Catrobat/mArIne3D/pkg/types"
)

// Enhancer upscales an image tensor on the given device
type Enhancer interface {
	Enhance(ctx context.Context, t *Tensor, device types.Device) (*Tensor, error)
}

// EnhancerFunc adapts a plain function to the Enhancer interface
type EnhancerFunc func(ctx context.Context, t *Tensor, device types.Device) (*Tensor, error)

// Enhance calls f
func (f EnhancerFunc) Enhance(ctx context.Context, t *Tensor, device types.Device) (*Tensor, error) {
	return f(ctx, t, device)
}

// Passthrough returns its input unchanged. Used when super-resolution is disabled.
var Passthrough Enhancer = EnhancerFunc(func(_ context.Context, t *Tensor, _ types.Device) (*Tensor, error) {
	return t, nil
})

// EnhanceImage runs img through e and returns the enhanced image at the enhancer's output size
func EnhanceImage(ctx context.Context, e Enhancer, img image.Image, device types.Device) (*image.NRGBA, error) {
	if e == nil {
		e = Passthrough
	}
	out, err := e.Enhance(ctx, FromImage(img), device)
	if err != nil {
		return nil, fmt.Errorf("super-resolution failed: %w", err)
	}
	enhanced, err := out.ToImage()
	if err != nil {
		return nil, fmt.Errorf("super-resolution output: %w", err)
	}
	return enhanced, nil
}
