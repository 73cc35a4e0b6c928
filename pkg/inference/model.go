// Package inference defines the contracts of the generative shape and texture models
// and manages their lifecycle.
package inference

import (
	"context"
	"image"
	"runtime"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/Catrobat/mArIne3D/pkg/mesh"
	"github.com/Catrobat/mArIne3D/pkg/types"
)

// Pretrained names a pretrained pipeline checkpoint
type Pretrained struct {
	ID             string `json:"id" yaml:"id"`
	Subfolder      string `json:"subfolder,omitempty" yaml:"subfolder,omitempty"`
	Variant        string `json:"variant,omitempty" yaml:"variant,omitempty"`
	UseSafetensors bool   `json:"use_safetensors" yaml:"use_safetensors"`
}

func (p Pretrained) String() string {
	s := p.ID
	if p.Subfolder != "" {
		s += "/" + p.Subfolder
	}
	if p.Variant != "" {
		s += "@" + p.Variant
	}
	return s
}

// DefaultShapeSource is the image-to-mesh flow matching checkpoint
func DefaultShapeSource() Pretrained {
	return Pretrained{ID: "tencent/Hunyuan3D-2", Subfolder: "hunyuan3d-dit-v2-0", Variant: "fp16"}
}

// DefaultPaintSource is the texture painting checkpoint
func DefaultPaintSource() Pretrained {
	return Pretrained{ID: "tencent/Hunyuan3D-2", Subfolder: "hunyuan3d-paint-v2-0-turbo"}
}

// ShapeModel turns a single image into one or more meshes
type ShapeModel interface {
	// EnableOffload keeps the weights off the accelerator except while Generate runs
	EnableOffload(ctx context.Context, device types.Device) error
	Generate(ctx context.Context, img image.Image) ([]*mesh.Mesh, error)
	Close() error
}

// PaintModel textures a mesh from a reference image
type PaintModel interface {
	Paint(ctx context.Context, m *mesh.Mesh, img image.Image) (*mesh.TexturedMesh, error)
	Close() error
}

// Loader constructs model handles from pretrained sources
type Loader interface {
	LoadShape(ctx context.Context, src Pretrained, device types.Device) (ShapeModel, error)
	LoadPaint(ctx context.Context, src Pretrained, device types.Device) (PaintModel, error)
}

// Reclaimer frees memory held for a device after inference
type Reclaimer interface {
	Reclaim(ctx context.Context, device types.Device) error
}

// ReclaimerFunc adapts a function to a Reclaimer
type ReclaimerFunc func(ctx context.Context, device types.Device) error

// Reclaim calls f
func (f ReclaimerFunc) Reclaim(ctx context.Context, device types.Device) error {
	return f(ctx, device)
}

// CacheEvictor empties the allocator cache of an accelerator
type CacheEvictor interface {
	EmptyCache(ctx context.Context, device types.Device) error
}

// MemoryReclaimer collects garbage in this process and evicts the device cache of the model server
type MemoryReclaimer struct {
	evictor CacheEvictor
	logger  *zap.Logger
}

// NewMemoryReclaimer creates a reclaimer. evictor may be nil for CPU-only setups.
func NewMemoryReclaimer(evictor CacheEvictor, logger *zap.Logger) *MemoryReclaimer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryReclaimer{evictor: evictor, logger: logger.With(zap.String("component", "reclaimer"))}
}

// Reclaim runs the garbage collector, returns freed memory to the OS and evicts the device cache
func (r *MemoryReclaimer) Reclaim(ctx context.Context, device types.Device) error {
	runtime.GC()
	debug.FreeOSMemory()

	if r.evictor == nil || device == types.DeviceCPU || device == "" {
		return nil
	}
	if err := r.evictor.EmptyCache(ctx, device); err != nil {
		r.logger.Warn("device cache eviction failed", zap.String("device", string(device)), zap.Error(err))
		return err
	}
	r.logger.Debug("device cache evicted", zap.String("device", string(device)))
	return nil
}
