package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Catrobat/mArIne3D/pkg/types"
)

// Lease is a model handle handed out by the Registry. Owned handles were loaded for this
// lease alone and are closed by Release; shared handles stay loaded.
type Lease[T interface{ Close() error }] struct {
	Model T
	Owned bool
}

// Release closes the handle if the lease owns it
func (l Lease[T]) Release() error {
	if !l.Owned {
		return nil
	}
	return l.Model.Close()
}

// Registry holds the process-wide shape and paint handles.
//
// A preloaded handle is shared by every caller; at most one generation may use it at a
// time. pipeline.Dispatcher serializes requests to uphold this. Without preloading each
// lease gets a fresh handle that the caller owns.
type Registry struct {
	loader      Loader
	shapeSource Pretrained
	paintSource Pretrained
	device      types.Device
	logger      *zap.Logger

	mu    sync.Mutex
	shape ShapeModel
	paint PaintModel
}

// NewRegistry creates a registry with no preloaded handles
func NewRegistry(loader Loader, shapeSource, paintSource Pretrained, device types.Device, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if device == "" {
		device = types.DeviceCPU
	}
	return &Registry{
		loader:      loader,
		shapeSource: shapeSource,
		paintSource: paintSource,
		device:      device,
		logger:      logger.With(zap.String("component", "registry")),
	}
}

// Device returns the device models are bound to
func (r *Registry) Device() types.Device {
	return r.device
}

// Preload loads both handles once so later leases share them
func (r *Registry) Preload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shape == nil {
		shape, err := r.loader.LoadShape(ctx, r.shapeSource, r.device)
		if err != nil {
			return fmt.Errorf("preload shape model: %w", err)
		}
		r.shape = shape
		r.logger.Info("shape model preloaded", zap.Stringer("source", r.shapeSource), zap.String("device", string(r.device)))
	}
	if r.paint == nil {
		paint, err := r.loader.LoadPaint(ctx, r.paintSource, r.device)
		if err != nil {
			return fmt.Errorf("preload paint model: %w", err)
		}
		r.paint = paint
		r.logger.Info("paint model preloaded", zap.Stringer("source", r.paintSource), zap.String("device", string(r.device)))
	}
	return nil
}

// Preloaded reports whether both handles are shared
func (r *Registry) Preloaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shape != nil && r.paint != nil
}

// Shape returns the shared shape handle, or loads a new one owned by the lease
func (r *Registry) Shape(ctx context.Context) (Lease[ShapeModel], error) {
	r.mu.Lock()
	shared := r.shape
	r.mu.Unlock()
	if shared != nil {
		return Lease[ShapeModel]{Model: shared}, nil
	}

	r.logger.Info("loading shape model", zap.Stringer("source", r.shapeSource))
	m, err := r.loader.LoadShape(ctx, r.shapeSource, r.device)
	if err != nil {
		return Lease[ShapeModel]{}, err
	}
	return Lease[ShapeModel]{Model: m, Owned: true}, nil
}

// Paint returns the shared paint handle, or loads a new one owned by the lease
func (r *Registry) Paint(ctx context.Context) (Lease[PaintModel], error) {
	r.mu.Lock()
	shared := r.paint
	r.mu.Unlock()
	if shared != nil {
		return Lease[PaintModel]{Model: shared}, nil
	}

	r.logger.Info("loading paint model", zap.Stringer("source", r.paintSource))
	m, err := r.loader.LoadPaint(ctx, r.paintSource, r.device)
	if err != nil {
		return Lease[PaintModel]{}, err
	}
	return Lease[PaintModel]{Model: m, Owned: true}, nil
}

// Close unloads the shared handles
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.shape != nil {
		errs = append(errs, r.shape.Close())
		r.shape = nil
	}
	if r.paint != nil {
		errs = append(errs, r.paint.Close())
		r.paint = nil
	}
	return errors.Join(errs...)
}
